package server

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/roadwatch/roadwatch/pkg/nn"
	"github.com/roadwatch/roadwatch/server/capture"
	"github.com/roadwatch/roadwatch/server/classify"
	"github.com/roadwatch/roadwatch/server/config"
	"github.com/roadwatch/roadwatch/server/detect"
	"github.com/roadwatch/roadwatch/server/fleetdb"
	"github.com/roadwatch/roadwatch/server/jobqueue"
	"github.com/roadwatch/roadwatch/server/notifications"
	"github.com/roadwatch/roadwatch/server/scheduler"
	"github.com/roadwatch/roadwatch/server/storage"
	"github.com/roadwatch/roadwatch/server/urlcache"
)

// Roles selects which parts of the pipeline this process runs.
// A small deployment runs everything in one process; a larger one splits
// the beat (schedulers) from pools of capture and detect workers.
type Roles struct {
	Beat    bool // Run the capture and detection schedulers
	Capture bool // Consume capture units
	Detect  bool // Consume detection units
}

func (r Roles) Any() bool {
	return r.Beat || r.Capture || r.Detect
}

// Service owns every long-lived component of one roadwatch process
type Service struct {
	Log      logs.Log
	Config   *config.Config
	DB       *fleetdb.FleetDB
	Store    storage.Storage
	Queue    *jobqueue.Queue
	URLCache *urlcache.Cache // nil when no redis is configured
	Notifier *notifications.Notifier

	engine *detect.Engine // nil unless the Detect role is active
}

// NewService connects to everything the configured roles need.
// Nothing is scheduled or consumed until Start.
func NewService(logger logs.Log, cfg *config.Config) (*Service, error) {
	db, err := fleetdb.Open(logger, cfg.DBConfig())
	if err != nil {
		return nil, err
	}

	store, err := newStorage(logger, cfg)
	if err != nil {
		return nil, err
	}

	transport, err := jobqueue.NewNatsTransport(cfg.NatsURL)
	if err != nil {
		return nil, fmt.Errorf("connect to queue at %v: %w", cfg.NatsURL, err)
	}
	queue := jobqueue.New(logger, transport)

	var urls *urlcache.Cache
	if cfg.RedisAddr != "" {
		urls, err = urlcache.New(logger, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("connect to redis at %v: %w", cfg.RedisAddr, err)
		}
	}

	notifier := notifications.NewNotifier(logger, cfg.TelegramToken, cfg.TelegramChatIDs)
	if !notifier.Enabled() {
		logger.Infof("Telegram notifications are not configured")
	}

	return &Service{
		Log:      logger,
		Config:   cfg,
		DB:       db,
		Store:    store,
		Queue:    queue,
		URLCache: urls,
		Notifier: notifier,
	}, nil
}

// Start brings up the workers and schedulers for the given roles, then
// returns. The service runs until ctx is cancelled.
func (s *Service) Start(ctx context.Context, roles Roles) error {
	if !roles.Any() {
		return fmt.Errorf("no roles selected")
	}

	if roles.Capture {
		unit := capture.NewUnit(s.Log, s.DB, s.Store, s.URLCache, capture.NewStreamGrabber())
		opts := jobqueue.WorkerOptions{
			MaxRetries:  s.Config.CaptureMaxRetries,
			RetryDelay:  5 * time.Second,
			HardTimeout: s.Config.JobTimeout,
		}
		if _, err := s.Queue.Worker(capture.Subject, "capture", opts, unit.Handle); err != nil {
			return err
		}
		s.Log.Infof("Capture worker started")
	}

	if roles.Detect {
		cfg := s.Config
		s.engine = detect.NewEngine(s.Log, func() (nn.ObjectDetector, error) {
			return nn.NewRemoteDetector(cfg.DetectorURL, cfg.DetectorTimeout)
		})
		classifier, err := classify.NewClassifier(s.Log, classify.DefaultRules(), cfg.SystemConfidence, &storageCropStore{store: s.Store})
		if err != nil {
			return err
		}
		unit := detect.NewUnit(s.Log, s.DB, s.Store, s.engine, classifier)
		opts := jobqueue.WorkerOptions{
			MaxRetries:  cfg.DetectMaxRetries,
			RetryDelay:  time.Minute,
			HardTimeout: cfg.JobTimeout,
		}
		if _, err := s.Queue.Worker(detect.Subject, "detect", opts, unit.Handle); err != nil {
			return err
		}
		s.Log.Infof("Detection worker started")
	}

	if roles.Beat {
		capSched := scheduler.NewCaptureScheduler(s.Log, s.DB, s.Queue, s.Notifier)
		// One unit's worst case is MaxRetries+1 attempts at the hard timeout,
		// plus retry delays; anything beyond that is a lost delivery.
		capSched.BatchTimeout = s.Config.JobTimeout*time.Duration(s.Config.CaptureMaxRetries+1) + time.Minute
		detSched := scheduler.NewDetectionScheduler(s.Log, s.DB, s.Queue)
		detSched.BatchLimit = s.Config.DetectBatchLimit
		go capSched.Run(ctx, s.Config.CaptureInterval)
		go detSched.Run(ctx, s.Config.DetectInterval)
		s.Log.Infof("Schedulers started (capture every %v, detect every %v)", s.Config.CaptureInterval, s.Config.DetectInterval)
	}

	return nil
}

// Close releases connections. Call after ctx passed to Start is cancelled.
func (s *Service) Close() {
	if s.engine != nil {
		s.engine.Close()
	}
	s.Queue.Close()
	s.Log.Infof("Shutdown complete")
}

// storageCropStore persists object crops next to the photos
type storageCropStore struct {
	store storage.Storage
}

func (c *storageCropStore) SaveCrop(key string, jpg []byte) error {
	return storage.WriteFile(c.store, key, "image/jpeg", bytes.NewReader(jpg))
}

func newStorage(logger logs.Log, cfg *config.Config) (storage.Storage, error) {
	switch cfg.StorageBackend {
	case config.StorageGCS:
		return storage.NewStorageGCS(logger, cfg.GCSBucket, cfg.StoragePrefix, cfg.GCSPublic)
	case config.StorageFilesystem:
		return storage.NewStorageFS(logger, cfg.FSRoot)
	}
	return nil, fmt.Errorf("unknown storage backend %v", cfg.StorageBackend)
}
