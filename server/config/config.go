package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
)

// Storage backends
const (
	StorageGCS        = "gcs"
	StorageFilesystem = "filesystem"
)

// Config is the full environment of one roadwatch process.
// Every value comes from the environment, optionally seeded from a .env file.
type Config struct {
	// Database
	DBDriver   string // sqlite3 or postgres
	DBFile     string // sqlite3 only
	DBHost     string
	DBPort     int
	DBName     string
	DBUsername string
	DBPassword string

	// Queue
	NatsURL string

	// Redis photo URL cache. Empty addr disables the cache.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Storage
	StorageBackend string // gcs or filesystem
	StoragePrefix  string
	GCSBucket      string
	GCSPublic      bool
	FSRoot         string

	// Inference
	DetectorURL     string
	DetectorTimeout time.Duration

	// Classification
	SystemConfidence float32

	// Scheduling
	CaptureInterval  time.Duration
	DetectInterval   time.Duration
	DetectBatchLimit int

	// Retry policy
	CaptureMaxRetries int
	DetectMaxRetries  int
	JobTimeout        time.Duration

	// Notifications
	TelegramToken   string
	TelegramChatIDs []string
}

// Load reads the process environment into a Config.
// If envFile is non-empty it is loaded first and must exist; otherwise a
// .env in the working directory is merged in when present.
func Load(logger logs.Log, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %v: %w", envFile, err)
		}
		logger.Infof("Loaded environment from %v", envFile)
	} else if err := godotenv.Load(); err == nil {
		logger.Infof("Loaded environment from .env")
	}

	c := &Config{
		DBDriver:        envStr("ROADWATCH_DB_DRIVER", dbh.DriverSqlite),
		DBFile:          envStr("ROADWATCH_DB_FILE", "roadwatch.sqlite"),
		DBHost:          envStr("ROADWATCH_DB_HOST", "localhost"),
		DBName:          envStr("ROADWATCH_DB_NAME", "roadwatch"),
		DBUsername:      envStr("ROADWATCH_DB_USERNAME", "postgres"),
		DBPassword:      os.Getenv("ROADWATCH_DB_PASSWORD"),
		NatsURL:         envStr("ROADWATCH_NATS_URL", nats.DefaultURL),
		RedisAddr:       os.Getenv("ROADWATCH_REDIS_ADDR"),
		RedisPassword:   os.Getenv("ROADWATCH_REDIS_PASSWORD"),
		StorageBackend:  envStr("ROADWATCH_STORAGE_BACKEND", StorageFilesystem),
		StoragePrefix:   os.Getenv("ROADWATCH_STORAGE_PREFIX"),
		GCSBucket:       os.Getenv("ROADWATCH_GCS_BUCKET"),
		FSRoot:          envStr("ROADWATCH_FS_ROOT", "photos"),
		DetectorURL:     envStr("ROADWATCH_DETECTOR_URL", "http://localhost:8090"),
		TelegramToken:   os.Getenv("ROADWATCH_TELEGRAM_TOKEN"),
		TelegramChatIDs: envList("ROADWATCH_TELEGRAM_CHAT_IDS"),
	}

	var err error
	if c.DBPort, err = envInt("ROADWATCH_DB_PORT", 0); err != nil {
		return nil, err
	}
	if c.RedisDB, err = envInt("ROADWATCH_REDIS_DB", 0); err != nil {
		return nil, err
	}
	if c.GCSPublic, err = envBool("ROADWATCH_GCS_PUBLIC", false); err != nil {
		return nil, err
	}
	if c.DetectorTimeout, err = envDuration("ROADWATCH_DETECTOR_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if c.SystemConfidence, err = envFloat32("ROADWATCH_SYSTEM_CONFIDENCE", 0.5); err != nil {
		return nil, err
	}
	if c.CaptureInterval, err = envDuration("ROADWATCH_CAPTURE_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if c.DetectInterval, err = envDuration("ROADWATCH_DETECT_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if c.DetectBatchLimit, err = envInt("ROADWATCH_DETECT_BATCH_LIMIT", 100); err != nil {
		return nil, err
	}
	if c.CaptureMaxRetries, err = envInt("ROADWATCH_CAPTURE_MAX_RETRIES", 2); err != nil {
		return nil, err
	}
	if c.DetectMaxRetries, err = envInt("ROADWATCH_DETECT_MAX_RETRIES", 2); err != nil {
		return nil, err
	}
	if c.JobTimeout, err = envDuration("ROADWATCH_JOB_TIMEOUT", 2*time.Minute); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	switch c.DBDriver {
	case dbh.DriverSqlite, dbh.DriverPostgres:
	default:
		return fmt.Errorf("unknown database driver %v", c.DBDriver)
	}
	switch c.StorageBackend {
	case StorageGCS:
		if c.GCSBucket == "" {
			return fmt.Errorf("ROADWATCH_GCS_BUCKET is required for the gcs storage backend")
		}
	case StorageFilesystem:
	default:
		return fmt.Errorf("unknown storage backend %v", c.StorageBackend)
	}
	if c.SystemConfidence < 0 || c.SystemConfidence > 1 {
		return fmt.Errorf("system confidence %v is not in [0,1]", c.SystemConfidence)
	}
	return nil
}

// DBConfig translates the environment into a database connection config
func (c *Config) DBConfig() dbh.DBConfig {
	if c.DBDriver == dbh.DriverSqlite {
		return dbh.MakeSqliteConfig(c.DBFile)
	}
	return dbh.DBConfig{
		Driver:   dbh.DriverPostgres,
		Host:     c.DBHost,
		Port:     c.DBPort,
		Database: c.DBName,
		Username: c.DBUsername,
		Password: c.DBPassword,
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%v: %w", key, err)
	}
	return n, nil
}

func envFloat32(key string, def float32) (float32, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 32)
	if err != nil {
		return 0, fmt.Errorf("%v: %w", key, err)
	}
	return float32(f), nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%v: %w", key, err)
	}
	return b, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%v: %w", key, err)
	}
	return d, nil
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := []string{}
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
