package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/roadwatch/roadwatch/server/fleetdb"
	"github.com/roadwatch/roadwatch/server/jobqueue"
	"github.com/roadwatch/roadwatch/server/storage"
	"github.com/roadwatch/roadwatch/server/urlcache"
)

// Target resolution for stored photos
const (
	photoWidth  = 640
	photoHeight = 640
)

// Subject is the queue subject that capture units consume
const Subject = "jobs.capture"

// JobPayload is the wire payload of one capture unit of work
type JobPayload struct {
	CameraID int64 `json:"cameraID"`
}

// Unit captures one frame from one camera: open the stream, read a frame,
// encode, persist, record the outcome. It never raises past the unit
// boundary; every failure becomes a structured outcome, and the camera's
// last_connection_status reflects every attempt.
type Unit struct {
	log     logs.Log
	db      *fleetdb.FleetDB
	store   storage.Storage
	urls    *urlcache.Cache // may be nil
	grabber FrameGrabber

	// OpenTimeout bounds the stream open + first frame read
	OpenTimeout time.Duration
}

func NewUnit(logger logs.Log, db *fleetdb.FleetDB, store storage.Storage, urls *urlcache.Cache, grabber FrameGrabber) *Unit {
	return &Unit{
		log:         logger,
		db:          db,
		store:       store,
		urls:        urls,
		grabber:     grabber,
		OpenTimeout: 15 * time.Second,
	}
}

// Handle is the jobqueue entry point for one capture unit
func (u *Unit) Handle(ctx context.Context, job *jobqueue.Job) jobqueue.Outcome {
	payload := JobPayload{}
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return jobqueue.Outcome{Status: jobqueue.StatusError, Detail: fmt.Sprintf("bad payload: %v", err)}
	}

	cam, err := u.db.CameraByID(payload.CameraID)
	if errors.Is(err, fleetdb.ErrCameraNotFound) {
		u.log.Errorf("Camera %v not found", payload.CameraID)
		return jobqueue.Outcome{Status: jobqueue.StatusNotFound, Detail: "camera not found"}
	} else if err != nil {
		return jobqueue.Outcome{Status: jobqueue.StatusError, Detail: err.Error()}
	}

	if err := u.capture(ctx, cam); err != nil {
		if dberr := u.db.SetCameraConnectionStatus(cam.ID, false); dberr != nil {
			u.log.Errorf("Failed to record connection status of camera %v: %v", cam.ID, dberr)
		}
		u.log.Warnf("Capture failed for camera %v (%v), attempt %v: %v", cam.ID, cam.Name, job.Attempt, err)
		return jobqueue.Outcome{Status: jobqueue.StatusFailed, Detail: err.Error(), Retry: true}
	}

	u.log.Infof("Captured camera %v (%v)", cam.ID, cam.Name)
	return jobqueue.Outcome{Status: jobqueue.StatusSuccess}
}

func (u *Unit) capture(ctx context.Context, cam *fleetdb.Camera) error {
	openCtx, cancel := context.WithTimeout(ctx, u.OpenTimeout)
	defer cancel()

	handle, err := u.grabber.Open(openCtx, cam.URL)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer handle.Close()

	frame, err := handle.ReadFrame()
	if err != nil {
		return fmt.Errorf("read frame: %w", err)
	}

	resized := cimg.ResizeNew(frame.ToRGB(), photoWidth, photoHeight, nil)
	jpg, err := cimg.Compress(resized, cimg.MakeCompressParams(cimg.Sampling420, 85, 0))
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	capturedAt := u.cameraNow(cam)
	filename := capturedAt.Format("20060102-150405") + ".jpg"
	key := fmt.Sprintf("photos/%v/%v/%v/%v", cam.City.State.Slug, cam.City.Slug, cam.Slug, filename)

	if err := storage.WriteFile(u.store, key, "image/jpeg", bytes.NewReader(jpg)); err != nil {
		return fmt.Errorf("store photo: %w", err)
	}

	url, err := u.store.URL(key)
	if err != nil && !errors.Is(err, storage.ErrNoPublicUrl) {
		u.log.Warnf("No URL for photo %v: %v", key, err)
	}

	img := &fleetdb.CapturedImage{
		CameraID:   cam.ID,
		StateID:    cam.City.StateID,
		CityID:     cam.CityID,
		RoadID:     cam.RoadID,
		StorageKey: key,
		URL:        url,
		Timezone:   cam.City.Timezone,
		CapturedAt: dbh.MakeIntTime(capturedAt),
	}
	if err := u.db.CreateCapturedImage(img); err != nil {
		return fmt.Errorf("create image row: %w", err)
	}

	if u.urls != nil && url != "" {
		if err := u.urls.SetPhotoURL(ctx, cam.City.State.Slug, cam.City.Slug, cam.Slug, filename, url); err != nil {
			// Best effort. A cold cache is not a failed capture.
			u.log.Warnf("Failed to cache photo URL %v: %v", key, err)
		}
	}

	if err := u.db.SetCameraConnectionStatus(cam.ID, true); err != nil {
		u.log.Errorf("Failed to record connection status of camera %v: %v", cam.ID, err)
	}
	return nil
}

// cameraNow returns the current time in the camera's city timezone,
// falling back to UTC for unknown zones.
func (u *Unit) cameraNow(cam *fleetdb.Camera) time.Time {
	if cam.City != nil && cam.City.Timezone != "" {
		if loc, err := time.LoadLocation(cam.City.Timezone); err == nil {
			return time.Now().In(loc)
		}
	}
	return time.Now().UTC()
}
