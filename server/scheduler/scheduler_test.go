package scheduler

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/roadwatch/roadwatch/server/capture"
	"github.com/roadwatch/roadwatch/server/detect"
	"github.com/roadwatch/roadwatch/server/fleetdb"
	"github.com/roadwatch/roadwatch/server/jobqueue"
	"github.com/stretchr/testify/require"
)

func createTestDB(t *testing.T) *fleetdb.FleetDB {
	fn := "test-scheduler.sqlite"
	os.Remove(fn)
	t.Cleanup(func() { os.Remove(fn) })
	db, err := fleetdb.Open(logs.NewTestingLog(t), dbh.MakeSqliteConfig(fn))
	require.NoError(t, err)
	return db
}

func seedCameras(t *testing.T, db *fleetdb.FleetDB, count int) {
	require.NoError(t, db.DB.Create(&fleetdb.State{BaseModel: fleetdb.BaseModel{ID: 1}, Name: "Montana", Slug: "montana", Abbreviation: "MT", IsActive: true}).Error)
	require.NoError(t, db.DB.Create(&fleetdb.City{BaseModel: fleetdb.BaseModel{ID: 1}, Name: "Helena", Slug: "helena", Timezone: "US/Mountain", StateID: 1}).Error)
	for i := 0; i < count; i++ {
		id := int64(10 + i)
		require.NoError(t, db.DB.Create(&fleetdb.Camera{BaseModel: fleetdb.BaseModel{ID: id}, Name: "Cam", Slug: "cam", URL: "https://cams.example.com/c.m3u8", CityID: 1}).Error)
	}
}

// reportSink records every report it receives
type reportSink struct {
	mu      sync.Mutex
	reports []capture.Report
}

func (s *reportSink) SendCaptureReport(report capture.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, report)
}

func (s *reportSink) all() []capture.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capture.Report{}, s.reports...)
}

func TestCaptureBatchAggregation(t *testing.T) {
	db := createTestDB(t)
	seedCameras(t, db, 2)

	queue := jobqueue.New(logs.NewTestingLog(t), jobqueue.NewMemTransport())
	_, err := queue.Worker(capture.Subject, "capture", jobqueue.WorkerOptions{}, func(ctx context.Context, job *jobqueue.Job) jobqueue.Outcome {
		payload := capture.JobPayload{}
		require.NoError(t, json.Unmarshal(job.Payload, &payload))
		if payload.CameraID == 10 {
			return jobqueue.Outcome{Status: jobqueue.StatusSuccess}
		}
		return jobqueue.Outcome{Status: jobqueue.StatusError, Detail: "exploded"}
	})
	require.NoError(t, err)

	sink := &reportSink{}
	sched := NewCaptureScheduler(logs.NewTestingLog(t), db, queue, sink)

	// The in-memory transport is synchronous, so the whole batch (and its
	// aggregation) completes inside RunOnce.
	n, err := sched.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	reports := sink.all()
	require.Len(t, reports, 1)
	require.Equal(t, 2, reports[0].Total)
	require.Equal(t, 1, reports[0].Success)
	require.Equal(t, 1, reports[0].Failed)
	require.Equal(t, 1, reports[0].Errors)
	require.Equal(t, reports[0].Failed, reports[0].NotFound+reports[0].MaxRetries+reports[0].Errors)
}

func TestCaptureBatchRetriesInReport(t *testing.T) {
	db := createTestDB(t)
	seedCameras(t, db, 1)

	queue := jobqueue.New(logs.NewTestingLog(t), jobqueue.NewMemTransport())
	attempts := 0
	_, err := queue.Worker(capture.Subject, "capture", jobqueue.WorkerOptions{MaxRetries: 2}, func(ctx context.Context, job *jobqueue.Job) jobqueue.Outcome {
		attempts++
		return jobqueue.Outcome{Status: jobqueue.StatusFailed, Detail: "no route to camera", Retry: true}
	})
	require.NoError(t, err)

	sink := &reportSink{}
	sched := NewCaptureScheduler(logs.NewTestingLog(t), db, queue, sink)

	_, err = sched.RunOnce(context.Background())
	require.NoError(t, err)

	// The dead camera burned its whole retry budget, and the report sees
	// it as a single max_retries failure, never as a bare "failed".
	require.Equal(t, 3, attempts)
	reports := sink.all()
	require.Len(t, reports, 1)
	require.Equal(t, 1, reports[0].Total)
	require.Equal(t, 0, reports[0].Success)
	require.Equal(t, 1, reports[0].MaxRetries)
}

// No worker is consuming the capture subject, so no terminal result ever
// arrives. The batch must still aggregate (with what it has) once the join
// deadline passes, instead of stalling forever.
func TestCaptureBatchTimesOutOnLostResults(t *testing.T) {
	db := createTestDB(t)
	seedCameras(t, db, 2)

	queue := jobqueue.New(logs.NewTestingLog(t), jobqueue.NewMemTransport())
	sink := &reportSink{}
	sched := NewCaptureScheduler(logs.NewTestingLog(t), db, queue, sink)
	sched.BatchTimeout = 20 * time.Millisecond

	n, err := sched.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, sink.all(), 0)

	require.Eventually(t, func() bool {
		return len(sink.all()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 0, sink.all()[0].Total)
}

func TestCaptureBatchEmpty(t *testing.T) {
	db := createTestDB(t)

	queue := jobqueue.New(logs.NewTestingLog(t), jobqueue.NewMemTransport())
	sink := &reportSink{}
	sched := NewCaptureScheduler(logs.NewTestingLog(t), db, queue, sink)

	// Zero cameras means zero fan-out and zero reports, not an error
	n, err := sched.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Len(t, sink.all(), 0)
}

func TestDetectionBatchLimit(t *testing.T) {
	db := createTestDB(t)
	for i := 0; i < 150; i++ {
		require.NoError(t, db.CreateCapturedImage(&fleetdb.CapturedImage{CameraID: 10, StorageKey: "photos/x.jpg"}))
	}

	queue := jobqueue.New(logs.NewTestingLog(t), jobqueue.NewMemTransport())
	mu := sync.Mutex{}
	seen := map[int64]bool{}
	_, err := queue.Worker(detect.Subject, "detect", jobqueue.WorkerOptions{}, func(ctx context.Context, job *jobqueue.Job) jobqueue.Outcome {
		payload := detect.JobPayload{}
		require.NoError(t, json.Unmarshal(job.Payload, &payload))
		mu.Lock()
		seen[payload.ImageID] = true
		mu.Unlock()
		return jobqueue.Outcome{Status: jobqueue.StatusSuccess}
	})
	require.NoError(t, err)

	sched := NewDetectionScheduler(logs.NewTestingLog(t), db, queue)

	n, err := sched.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 100, n)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 100)
}

func TestDetectionBatchEmpty(t *testing.T) {
	db := createTestDB(t)
	queue := jobqueue.New(logs.NewTestingLog(t), jobqueue.NewMemTransport())
	sched := NewDetectionScheduler(logs.NewTestingLog(t), db, queue)

	n, err := sched.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
