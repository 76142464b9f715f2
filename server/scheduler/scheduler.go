package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
	"github.com/roadwatch/roadwatch/server/capture"
	"github.com/roadwatch/roadwatch/server/detect"
	"github.com/roadwatch/roadwatch/server/fleetdb"
	"github.com/roadwatch/roadwatch/server/jobqueue"
)

// ReportSink receives the summary of a completed capture batch.
// Implementations must not block for long; they run on the result
// collector's delivery path.
type ReportSink interface {
	SendCaptureReport(report capture.Report)
}

// CaptureScheduler discovers active cameras and fans one capture unit out
// per camera. Each batch registers a fan-in collector first, then submits,
// so no result can slip past. RunOnce returns as soon as the fan-out is
// submitted; aggregation happens asynchronously when the batch completes.
type CaptureScheduler struct {
	log   logs.Log
	db    *fleetdb.FleetDB
	queue *jobqueue.Queue
	sink  ReportSink // may be nil

	// BatchTimeout bounds the fan-in join. A terminal result can be lost
	// (worker crash, dropped delivery), and without a deadline the batch
	// would never aggregate. Must exceed one unit's full retry budget.
	BatchTimeout time.Duration
}

func NewCaptureScheduler(logger logs.Log, db *fleetdb.FleetDB, queue *jobqueue.Queue, sink ReportSink) *CaptureScheduler {
	return &CaptureScheduler{
		log:          logger,
		db:           db,
		queue:        queue,
		sink:         sink,
		BatchTimeout: 15 * time.Minute,
	}
}

// RunOnce fans out one capture batch. Returns the number of units submitted.
func (s *CaptureScheduler) RunOnce(ctx context.Context) (int, error) {
	ids, err := s.db.ActiveCameraIDs()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		s.log.Infof("No active cameras, skipping capture batch")
		return 0, nil
	}

	batchID := uuid.NewString()
	resultSubject := "jobs.capture.results." + batchID

	_, err = s.queue.CollectResults(resultSubject, len(ids), s.BatchTimeout, func(results []jobqueue.Result) {
		if len(results) < len(ids) {
			s.log.Warnf("Capture batch %v aggregating with %v/%v results", batchID, len(results), len(ids))
		}
		outcomes := make([]capture.Outcome, 0, len(results))
		for _, r := range results {
			outcomes = append(outcomes, capture.OutcomeFromResult(r))
		}
		report := capture.Aggregate(outcomes)
		report.LogTo(s.log)
		if s.sink != nil {
			s.sink.SendCaptureReport(report)
		}
	})
	if err != nil {
		return 0, err
	}

	s.log.Infof("Capture batch %v: fanning out %v cameras", batchID, len(ids))
	for _, id := range ids {
		payload := capture.JobPayload{CameraID: id}
		if err := s.queue.Submit(capture.Subject, &payload, resultSubject); err != nil {
			// The unit never reached the queue. Publish its terminal
			// result ourselves so the batch still adds up.
			s.log.Errorf("Failed to submit capture of camera %v: %v", id, err)
			raw, _ := json.Marshal(&payload)
			s.queue.PublishResult(resultSubject, jobqueue.Result{
				JobID:   uuid.NewString(),
				Status:  jobqueue.StatusError,
				Detail:  err.Error(),
				Payload: raw,
			})
		}
	}
	return len(ids), nil
}

// Run fires a capture batch every interval until ctx is cancelled
func (s *CaptureScheduler) Run(ctx context.Context, interval time.Duration) {
	runEvery(ctx, interval, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.log.Errorf("Capture batch failed to start: %v", err)
		}
	})
}

// DetectionScheduler discovers images that have not been through detection
// and fans one detection unit out per image, fire and forget. Discovery is
// keyed on detected_at being NULL, so an image that failed terminally is
// simply picked up by a later run.
type DetectionScheduler struct {
	log   logs.Log
	db    *fleetdb.FleetDB
	queue *jobqueue.Queue

	// BatchLimit caps the images submitted per run, oldest first
	BatchLimit int
}

func NewDetectionScheduler(logger logs.Log, db *fleetdb.FleetDB, queue *jobqueue.Queue) *DetectionScheduler {
	return &DetectionScheduler{
		log:        logger,
		db:         db,
		queue:      queue,
		BatchLimit: 100,
	}
}

// RunOnce fans out one detection batch. Returns the number of units submitted.
func (s *DetectionScheduler) RunOnce(ctx context.Context) (int, error) {
	images, err := s.db.UndetectedImages(s.BatchLimit)
	if err != nil {
		return 0, err
	}
	if len(images) == 0 {
		return 0, nil
	}

	s.log.Infof("Detection batch: fanning out %v images", len(images))
	submitted := 0
	for _, img := range images {
		if err := s.queue.Submit(detect.Subject, &detect.JobPayload{ImageID: img.ID}, ""); err != nil {
			s.log.Errorf("Failed to submit detection of image %v: %v", img.ID, err)
			continue
		}
		submitted++
	}
	return submitted, nil
}

// Run fires a detection batch every interval until ctx is cancelled
func (s *DetectionScheduler) Run(ctx context.Context, interval time.Duration) {
	runEvery(ctx, interval, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.log.Errorf("Detection batch failed to start: %v", err)
		}
	})
}

// runEvery invokes f immediately and then on every tick, until ctx ends
func runEvery(ctx context.Context, interval time.Duration, f func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	f()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f()
		}
	}
}
