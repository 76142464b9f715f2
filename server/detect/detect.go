package detect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/roadwatch/roadwatch/pkg/nn"
	"github.com/roadwatch/roadwatch/server/classify"
	"github.com/roadwatch/roadwatch/server/fleetdb"
	"github.com/roadwatch/roadwatch/server/jobqueue"
	"github.com/roadwatch/roadwatch/server/storage"
	"gorm.io/gorm"
)

// Subject is the queue subject that detection units consume
const Subject = "jobs.detect"

// fetchRetryDelay is the backoff before refetching a photo that the object
// store could not serve. New objects can lag behind the image row.
const fetchRetryDelay = 60 * time.Second

// JobPayload is the wire payload of one detection unit of work
type JobPayload struct {
	ImageID int64 `json:"imageID"`
}

// Engine owns the detector for one worker process. The detector is loaded
// lazily on the first unit of work and never reloaded or swapped mid-run, so
// every image in a batch sees the same model.
type Engine struct {
	log    logs.Log
	loader func() (nn.ObjectDetector, error)

	once     sync.Once
	detector nn.ObjectDetector
	loadErr  error
}

func NewEngine(logger logs.Log, loader func() (nn.ObjectDetector, error)) *Engine {
	return &Engine{
		log:    logger,
		loader: loader,
	}
}

// Detector returns the process-wide detector, loading it on first use.
// A failed load is sticky for the life of the engine.
func (e *Engine) Detector() (nn.ObjectDetector, error) {
	e.once.Do(func() {
		e.detector, e.loadErr = e.loader()
		if e.loadErr != nil {
			e.log.Errorf("Failed to load detector: %v", e.loadErr)
		} else {
			cfg := e.detector.Config()
			e.log.Infof("Loaded detector %v (%vx%v, %v classes)", cfg.Architecture, cfg.Width, cfg.Height, len(cfg.Classes))
		}
	})
	return e.detector, e.loadErr
}

func (e *Engine) Close() {
	if e.detector != nil {
		e.detector.Close()
	}
}

// Unit runs object detection on one captured image: fetch the photo, run
// inference at a low floor, classify into the canonical taxonomy, and commit
// the counters and object rows. The commit is guarded by a claim on the
// image row, so duplicate deliveries degrade to a no-op.
type Unit struct {
	log        logs.Log
	db         *fleetdb.FleetDB
	store      storage.Storage
	engine     *Engine
	classifier *classify.Classifier
}

func NewUnit(logger logs.Log, db *fleetdb.FleetDB, store storage.Storage, engine *Engine, classifier *classify.Classifier) *Unit {
	return &Unit{
		log:        logger,
		db:         db,
		store:      store,
		engine:     engine,
		classifier: classifier,
	}
}

// Handle is the jobqueue entry point for one detection unit
func (u *Unit) Handle(ctx context.Context, job *jobqueue.Job) jobqueue.Outcome {
	payload := JobPayload{}
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return jobqueue.Outcome{Status: jobqueue.StatusError, Detail: fmt.Sprintf("bad payload: %v", err)}
	}

	image, err := u.db.ImageByID(payload.ImageID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		u.log.Errorf("Image %v not found", payload.ImageID)
		return jobqueue.Outcome{Status: jobqueue.StatusNotFound, Detail: "image not found"}
	} else if err != nil {
		return jobqueue.Outcome{Status: jobqueue.StatusError, Detail: err.Error()}
	}

	if !image.DetectedAt.IsZero() {
		// Duplicate delivery or overlapping scheduler run. Already done.
		u.log.Infof("Image %v already detected, skipping", image.ID)
		return jobqueue.Outcome{Status: jobqueue.StatusSuccess, Detail: "already detected"}
	}

	jpg, err := storage.ReadFile(u.store, image.StorageKey)
	if err != nil {
		u.log.Warnf("Failed to fetch photo %v for image %v: %v", image.StorageKey, image.ID, err)
		return jobqueue.Outcome{Status: jobqueue.StatusFailed, Detail: err.Error(), Retry: true, RetryDelay: fetchRetryDelay}
	}

	img, err := cimg.Decompress(jpg)
	if err != nil {
		return jobqueue.Outcome{Status: jobqueue.StatusError, Detail: fmt.Sprintf("decode photo %v: %v", image.StorageKey, err)}
	}

	detector, err := u.engine.Detector()
	if err != nil {
		return jobqueue.Outcome{Status: jobqueue.StatusFailed, Detail: err.Error(), Retry: true}
	}

	raw, err := detector.DetectObjects(img, nn.NewDetectionParams())
	if err != nil {
		u.log.Warnf("Inference failed for image %v, attempt %v: %v", image.ID, job.Attempt, err)
		return jobqueue.Outcome{Status: jobqueue.StatusFailed, Detail: err.Error(), Retry: true}
	}

	result := u.classifier.Classify(image.ID, img, raw, detector.Config().Classes)

	claimed, err := u.db.ClaimImageDetection(image.ID, detectionUpdate(result))
	if err != nil {
		return jobqueue.Outcome{Status: jobqueue.StatusFailed, Detail: err.Error(), Retry: true}
	}
	if !claimed {
		u.log.Infof("Image %v was detected by another unit, discarding our result", image.ID)
		return jobqueue.Outcome{Status: jobqueue.StatusSuccess, Detail: "already detected"}
	}

	// The counters are committed. Object rows are secondary: losing them
	// costs crops and boxes, not the image's detection state, so a failed
	// insert is a warning and the unit still succeeds.
	if err := u.db.SaveDetectedObjects(objectRows(image.ID, result.Objects)); err != nil {
		u.log.Warnf("Failed to save %v object rows for image %v: %v", len(result.Objects), image.ID, err)
	}

	u.log.Infof("Detected image %v: %v raw, %v kept (%v)", image.ID, result.RawCount, len(result.Objects), classesSummary(result))
	return jobqueue.Outcome{Status: jobqueue.StatusSuccess, Detail: fmt.Sprintf("%v objects", len(result.Objects))}
}

func detectionUpdate(r classify.Result) fleetdb.DetectionUpdate {
	return fleetdb.DetectionUpdate{
		CarAbove:           r.Counts.CarAbove,
		CarBelow:           r.Counts.CarBelow,
		TruckAbove:         r.Counts.TruckAbove,
		TruckBelow:         r.Counts.TruckBelow,
		PersonAbove:        r.Counts.PersonAbove,
		PersonBelow:        r.Counts.PersonBelow,
		DeerAbove:          r.Counts.DeerAbove,
		DeerBelow:          r.Counts.DeerBelow,
		HasDetectedObjects: r.HasObjects,
		DetectedAt:         time.Now(),
	}
}

func objectRows(imageID int64, objects []classify.Object) []fleetdb.DetectedObject {
	rows := make([]fleetdb.DetectedObject, 0, len(objects))
	for _, o := range objects {
		rows = append(rows, fleetdb.DetectedObject{
			ImageID:      imageID,
			Name:         string(o.Name),
			OriginalName: o.OriginalName,
			Confidence:   o.Confidence,
			X:            o.Box.X,
			Y:            o.Box.Y,
			Width:        o.Box.Width,
			Height:       o.Box.Height,
			CropKey:      o.CropKey,
		})
	}
	return rows
}

func classesSummary(r classify.Result) string {
	if len(r.ClassesSeen) == 0 {
		return "none"
	}
	s := ""
	for i, c := range r.ClassesSeen {
		if i > 0 {
			s += ","
		}
		s += string(c)
	}
	return s
}
