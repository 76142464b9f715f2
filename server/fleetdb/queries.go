package fleetdb

import (
	"errors"
	"time"

	"github.com/cyclopcam/dbh"
	"gorm.io/gorm"
)

// ErrCameraNotFound is returned when a camera id references a missing row
var ErrCameraNotFound = errors.New("camera not found")

// ActiveCameraIDs returns the ids of all cameras that belong to an active
// state, ordered by camera id. This is the capture scheduler's discovery
// query; "active" is the administrative flag on the state, not the camera's
// connection status.
func (f *FleetDB) ActiveCameraIDs() ([]int64, error) {
	ids := []int64{}
	err := f.DB.Model(&Camera{}).
		Joins("JOIN city ON city.id = camera.city_id").
		Joins("JOIN state ON state.id = city.state_id").
		Where("state.is_active = ?", true).
		Order("camera.id").
		Pluck("camera.id", &ids).Error
	return ids, err
}

// CameraByID fetches a camera with its City, State and Road.
// Returns ErrCameraNotFound if the row does not exist.
func (f *FleetDB) CameraByID(id int64) (*Camera, error) {
	cam := Camera{}
	err := f.DB.Preload("City.State").Preload("Road").First(&cam, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCameraNotFound
	} else if err != nil {
		return nil, err
	}
	return &cam, nil
}

// SetCameraConnectionStatus records the outcome of the latest capture attempt
func (f *FleetDB) SetCameraConnectionStatus(id int64, connected bool) error {
	return f.DB.Model(&Camera{}).Where("id = ?", id).
		Update("last_connection_status", connected).Error
}

// CreateCapturedImage inserts the row for a freshly captured image
func (f *FleetDB) CreateCapturedImage(img *CapturedImage) error {
	if img.CreatedAt.IsZero() {
		img.CreatedAt = dbh.MakeIntTime(time.Now())
	}
	return f.DB.Create(img).Error
}

// UndetectedImage is the discovery projection for the detection scheduler
type UndetectedImage struct {
	ID         int64
	StorageKey string
}

// UndetectedImages returns up to limit images that have not been through
// detection yet, oldest first.
func (f *FleetDB) UndetectedImages(limit int) ([]UndetectedImage, error) {
	images := []UndetectedImage{}
	err := f.DB.Model(&CapturedImage{}).
		Select("id", "storage_key").
		Where("detected_at IS NULL").
		Order("created_at").
		Limit(limit).
		Find(&images).Error
	return images, err
}

// DetectionUpdate carries everything the detection unit writes onto the image row
type DetectionUpdate struct {
	CarAbove           int
	CarBelow           int
	TruckAbove         int
	TruckBelow         int
	PersonAbove        int
	PersonBelow        int
	DeerAbove          int
	DeerBelow          int
	HasDetectedObjects bool
	DetectedAt         time.Time
}

// ClaimImageDetection writes the counters and DetectedAt onto the image row,
// conditional on DetectedAt still being NULL. The condition is the claim:
// under at-least-once delivery or overlapping scheduler runs, two units can
// race onto the same image, and exactly one of them wins. Returns false if
// another unit already processed the image.
func (f *FleetDB) ClaimImageDetection(imageID int64, update DetectionUpdate) (bool, error) {
	res := f.DB.Model(&CapturedImage{}).
		Where("id = ? AND detected_at IS NULL", imageID).
		Updates(map[string]any{
			"car_above":            update.CarAbove,
			"car_below":            update.CarBelow,
			"truck_above":          update.TruckAbove,
			"truck_below":          update.TruckBelow,
			"person_above":         update.PersonAbove,
			"person_below":         update.PersonBelow,
			"deer_above":           update.DeerAbove,
			"deer_below":           update.DeerBelow,
			"has_detected_objects": update.HasDetectedObjects,
			"detected_at":          dbh.MakeIntTime(update.DetectedAt),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SaveDetectedObjects batch-inserts the object rows for one image
func (f *FleetDB) SaveDetectedObjects(objects []DetectedObject) error {
	if len(objects) == 0 {
		return nil
	}
	now := dbh.MakeIntTime(time.Now())
	for i := range objects {
		if objects[i].CreatedAt.IsZero() {
			objects[i].CreatedAt = now
		}
	}
	return f.DB.Create(&objects).Error
}

// ImageByID fetches one captured image row
func (f *FleetDB) ImageByID(id int64) (*CapturedImage, error) {
	img := CapturedImage{}
	if err := f.DB.First(&img, id).Error; err != nil {
		return nil, err
	}
	return &img, nil
}
