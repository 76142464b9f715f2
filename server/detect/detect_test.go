package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/roadwatch/roadwatch/pkg/nn"
	"github.com/roadwatch/roadwatch/server/classify"
	"github.com/roadwatch/roadwatch/server/fleetdb"
	"github.com/roadwatch/roadwatch/server/jobqueue"
	"github.com/roadwatch/roadwatch/server/storage"
	"github.com/stretchr/testify/require"
)

// fakeDetector returns a fixed detection list, or fails every call
type fakeDetector struct {
	detections []nn.ObjectDetection
	err        error
	calls      int
}

func (d *fakeDetector) Close() {
}

func (d *fakeDetector) DetectObjects(img *cimg.Image, params *nn.DetectionParams) ([]nn.ObjectDetection, error) {
	d.calls++
	return d.detections, d.err
}

func (d *fakeDetector) Config() *nn.ModelConfig {
	return &nn.ModelConfig{
		Architecture: "yolov8m",
		Width:        640,
		Height:       640,
		Classes:      nn.COCOClasses,
	}
}

func createTestDB(t *testing.T) *fleetdb.FleetDB {
	fn := "test-detect.sqlite"
	os.Remove(fn)
	t.Cleanup(func() { os.Remove(fn) })
	db, err := fleetdb.Open(logs.NewTestingLog(t), dbh.MakeSqliteConfig(fn))
	require.NoError(t, err)
	return db
}

// seedImage stores a real JPEG and creates its image row
func seedImage(t *testing.T, db *fleetdb.FleetDB, store storage.Storage) *fleetdb.CapturedImage {
	photo := cimg.NewImage(640, 640, cimg.PixelFormatRGB)
	jpg, err := cimg.Compress(photo, cimg.MakeCompressParams(cimg.Sampling420, 85, 0))
	require.NoError(t, err)
	key := "photos/montana/helena/helena-east/20260101-120000.jpg"
	require.NoError(t, storage.WriteFile(store, key, "image/jpeg", bytes.NewReader(jpg)))

	img := &fleetdb.CapturedImage{
		CameraID:   10,
		StateID:    1,
		CityID:     1,
		StorageKey: key,
		Timezone:   "US/Mountain",
	}
	require.NoError(t, db.CreateCapturedImage(img))
	return img
}

func createTestUnit(t *testing.T, db *fleetdb.FleetDB, store storage.Storage, detector nn.ObjectDetector) *Unit {
	logger := logs.NewTestingLog(t)
	engine := NewEngine(logger, func() (nn.ObjectDetector, error) {
		return detector, nil
	})
	classifier, err := classify.NewClassifier(logger, classify.DefaultRules(), 0.5, nil)
	require.NoError(t, err)
	return NewUnit(logger, db, store, engine, classifier)
}

func detectJob(t *testing.T, imageID int64) *jobqueue.Job {
	payload, err := json.Marshal(&JobPayload{ImageID: imageID})
	require.NoError(t, err)
	return &jobqueue.Job{ID: "test-job", Payload: payload}
}

func TestDetectSuccess(t *testing.T) {
	db := createTestDB(t)
	store, err := storage.NewStorageFS(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)
	img := seedImage(t, db, store)

	detector := &fakeDetector{
		detections: []nn.ObjectDetection{
			{Class: nn.COCOCar, Confidence: 0.85, Box: nn.Rect{X: 10, Y: 20, Width: 100, Height: 50}},
			{Class: nn.COCODog, Confidence: 0.31, Box: nn.Rect{X: 200, Y: 300, Width: 40, Height: 30}},
		},
	}
	unit := createTestUnit(t, db, store, detector)

	outcome := unit.Handle(context.Background(), detectJob(t, img.ID))
	require.Equal(t, jobqueue.StatusSuccess, outcome.Status)

	// Counters are bucketed against the system confidence of 0.5, the dog
	// is remapped to deer, and the image row is marked detected.
	updated, err := db.ImageByID(img.ID)
	require.NoError(t, err)
	require.False(t, updated.DetectedAt.IsZero())
	require.True(t, updated.HasDetectedObjects)
	require.Equal(t, 1, updated.CarAbove)
	require.Equal(t, 1, updated.DeerBelow)
	require.Equal(t, 0, updated.CarBelow)

	objects := []fleetdb.DetectedObject{}
	require.NoError(t, db.DB.Where("image_id = ?", img.ID).Order("id").Find(&objects).Error)
	require.Len(t, objects, 2)
	require.Equal(t, "car", objects[0].Name)
	require.Equal(t, "deer", objects[1].Name)
	require.Equal(t, "dog", objects[1].OriginalName)
	require.Equal(t, 10, objects[0].X)

	// The image must no longer be discoverable by the scheduler
	pending, err := db.UndetectedImages(10)
	require.NoError(t, err)
	require.Len(t, pending, 0)
}

func TestDetectDuplicateDelivery(t *testing.T) {
	db := createTestDB(t)
	store, err := storage.NewStorageFS(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)
	img := seedImage(t, db, store)

	detector := &fakeDetector{
		detections: []nn.ObjectDetection{
			{Class: nn.COCOCar, Confidence: 0.85, Box: nn.Rect{X: 10, Y: 20, Width: 100, Height: 50}},
		},
	}
	unit := createTestUnit(t, db, store, detector)

	outcome := unit.Handle(context.Background(), detectJob(t, img.ID))
	require.Equal(t, jobqueue.StatusSuccess, outcome.Status)

	// Redelivery of the same unit is a successful no-op: no second
	// inference, no duplicate object rows.
	outcome = unit.Handle(context.Background(), detectJob(t, img.ID))
	require.Equal(t, jobqueue.StatusSuccess, outcome.Status)
	require.Equal(t, "already detected", outcome.Detail)
	require.Equal(t, 1, detector.calls)

	objects := []fleetdb.DetectedObject{}
	require.NoError(t, db.DB.Where("image_id = ?", img.ID).Find(&objects).Error)
	require.Len(t, objects, 1)
}

func TestDetectImageNotFound(t *testing.T) {
	db := createTestDB(t)
	store, err := storage.NewStorageFS(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)
	unit := createTestUnit(t, db, store, &fakeDetector{})

	outcome := unit.Handle(context.Background(), detectJob(t, 999))
	require.Equal(t, jobqueue.StatusNotFound, outcome.Status)
	require.False(t, outcome.Retry)
}

func TestDetectMissingPhoto(t *testing.T) {
	db := createTestDB(t)
	store, err := storage.NewStorageFS(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)

	img := &fleetdb.CapturedImage{CameraID: 10, StorageKey: "photos/gone.jpg"}
	require.NoError(t, db.CreateCapturedImage(img))
	unit := createTestUnit(t, db, store, &fakeDetector{})

	// The photo may simply not have landed yet, so this is retryable with
	// a deliberate backoff rather than the default.
	outcome := unit.Handle(context.Background(), detectJob(t, img.ID))
	require.Equal(t, jobqueue.StatusFailed, outcome.Status)
	require.True(t, outcome.Retry)
	require.Equal(t, fetchRetryDelay, outcome.RetryDelay)
}

func TestDetectInferenceFailure(t *testing.T) {
	db := createTestDB(t)
	store, err := storage.NewStorageFS(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)
	img := seedImage(t, db, store)

	unit := createTestUnit(t, db, store, &fakeDetector{err: errors.New("sidecar unavailable")})

	outcome := unit.Handle(context.Background(), detectJob(t, img.ID))
	require.Equal(t, jobqueue.StatusFailed, outcome.Status)
	require.True(t, outcome.Retry)

	// The image stays undetected, so a later scheduler run can retry it
	updated, err := db.ImageByID(img.ID)
	require.NoError(t, err)
	require.True(t, updated.DetectedAt.IsZero())
}

func TestEngineLoadsOnce(t *testing.T) {
	loads := 0
	engine := NewEngine(logs.NewTestingLog(t), func() (nn.ObjectDetector, error) {
		loads++
		return &fakeDetector{}, nil
	})

	d1, err := engine.Detector()
	require.NoError(t, err)
	d2, err := engine.Detector()
	require.NoError(t, err)
	require.Same(t, d1, d2)
	require.Equal(t, 1, loads)
}

func TestEngineLoadErrorIsSticky(t *testing.T) {
	loads := 0
	engine := NewEngine(logs.NewTestingLog(t), func() (nn.ObjectDetector, error) {
		loads++
		return nil, errors.New("model file missing")
	})

	_, err := engine.Detector()
	require.Error(t, err)
	_, err = engine.Detector()
	require.Error(t, err)
	require.Equal(t, 1, loads)
}
