// Package config provides configuration management for exportd.
// Values come from defaults, then an optional YAML file, then a .env file,
// then EXPORTD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// Default values
	DefaultPort     = 8790
	DefaultBindAddr = "127.0.0.1"
	DefaultLogLevel = "info"
	DefaultDataDir  = ".exportd"
	DefaultDBDriver = "sqlite"

	DefaultStorageBackend = "local"
	DefaultS3Region       = "us-east-1"
	DefaultAMQPQueue      = "exportd.events"
	DefaultFFmpegPath     = "ffmpeg"
	DefaultSubtitleOrder  = "chronological"

	DefaultRenderTimeout       = 2 * time.Hour
	DefaultPollInterval        = 2 * time.Second
	DefaultStaleAfter          = 5 * time.Minute
	DefaultReclaimInterval     = time.Minute
	DefaultMaxAttempts         = 3
	DefaultDownloadConcurrency = 4
	DefaultURLTTL              = time.Hour
	DefaultArtifactRetention   = 7 * 24 * time.Hour
	DefaultTempRetention       = 24 * time.Hour
	DefaultSweepInterval       = time.Hour

	// Environment variable names
	EnvConfigFile          = "EXPORTD_CONFIG"
	EnvPort                = "EXPORTD_PORT"
	EnvLogLevel            = "EXPORTD_LOG_LEVEL"
	EnvLogFile             = "EXPORTD_LOG_FILE"
	EnvDataDir             = "EXPORTD_DATA_DIR"
	EnvDBDriver            = "EXPORTD_DB_DRIVER"
	EnvDatabaseURL         = "EXPORTD_DATABASE_URL"
	EnvWorkDir             = "EXPORTD_WORK_DIR"
	EnvStorageBackend      = "EXPORTD_STORAGE"
	EnvS3Bucket            = "EXPORTD_S3_BUCKET"
	EnvS3Region            = "EXPORTD_S3_REGION"
	EnvS3Endpoint          = "EXPORTD_S3_ENDPOINT"
	EnvLocalStorageDir     = "EXPORTD_LOCAL_STORAGE_DIR"
	EnvPublicBaseURL       = "EXPORTD_PUBLIC_BASE_URL"
	EnvSigningSecret       = "EXPORTD_SIGNING_SECRET"
	EnvURLTTL              = "EXPORTD_URL_TTL"
	EnvBindAddr            = "EXPORTD_BIND"
	EnvAPIToken            = "EXPORTD_API_TOKEN"
	EnvAllowedOrigins      = "EXPORTD_ALLOWED_ORIGINS"
	EnvAMQPURL             = "EXPORTD_AMQP_URL"
	EnvAMQPQueue           = "EXPORTD_AMQP_QUEUE"
	EnvFFmpegPath          = "EXPORTD_FFMPEG"
	EnvRenderTimeout       = "EXPORTD_RENDER_TIMEOUT"
	EnvPollInterval        = "EXPORTD_POLL_INTERVAL"
	EnvStaleAfter          = "EXPORTD_STALE_AFTER"
	EnvReclaimInterval     = "EXPORTD_RECLAIM_INTERVAL"
	EnvMaxAttempts         = "EXPORTD_MAX_ATTEMPTS"
	EnvDownloadConcurrency = "EXPORTD_DOWNLOAD_CONCURRENCY"
	EnvArtifactRetention   = "EXPORTD_ARTIFACT_RETENTION"
	EnvTempRetention       = "EXPORTD_TEMP_RETENTION"
	EnvSweepInterval       = "EXPORTD_SWEEP_INTERVAL"
	EnvSubtitleOrder       = "EXPORTD_SUBTITLE_ORDER"
	EnvWorkerID            = "EXPORTD_WORKER_ID"
	EnvMediaRoot           = "EXPORTD_MEDIA_ROOT"
	EnvEnvironment         = "EXPORTD_ENV"

	// Database filename
	DBFilename = "exportd.db"
)

// EnvConfig holds the resolved configuration.
type EnvConfig struct {
	port     int
	logLevel string
	logFile  string
	dataDir  string

	dbDriver    string
	databaseURL string
	workDir     string

	storageBackend  string
	s3Bucket        string
	s3Region        string
	s3Endpoint      string
	localStorageDir string
	publicBaseURL   string
	signingSecret   string
	urlTTL          time.Duration

	bindAddr       string
	apiToken       string
	allowedOrigins []string
	amqpURL        string
	amqpQueue      string

	ffmpegPath          string
	renderTimeout       time.Duration
	pollInterval        time.Duration
	staleAfter          time.Duration
	reclaimInterval     time.Duration
	maxAttempts         int
	downloadConcurrency int
	artifactRetention   time.Duration
	tempRetention       time.Duration
	sweepInterval       time.Duration
	subtitleOrder       string
	workerID            string
	mediaRoot           string
}

// fileConfig mirrors the YAML layout. Durations use Go syntax ("90s").
type fileConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
	DataDir  string `yaml:"data_dir"`

	Database struct {
		Driver string `yaml:"driver"`
		URL    string `yaml:"url"`
	} `yaml:"database"`

	Storage struct {
		Backend       string `yaml:"backend"`
		Bucket        string `yaml:"bucket"`
		Region        string `yaml:"region"`
		Endpoint      string `yaml:"endpoint"`
		Dir           string `yaml:"dir"`
		PublicBaseURL string `yaml:"public_base_url"`
		SigningSecret string `yaml:"signing_secret"`
		URLTTL        string `yaml:"url_ttl"`
	} `yaml:"storage"`

	API struct {
		Bind           string   `yaml:"bind"`
		Token          string   `yaml:"token"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"api"`

	AMQP struct {
		URL   string `yaml:"url"`
		Queue string `yaml:"queue"`
	} `yaml:"amqp"`

	Worker struct {
		ID                  string `yaml:"id"`
		WorkDir             string `yaml:"work_dir"`
		FFmpeg              string `yaml:"ffmpeg"`
		RenderTimeout       string `yaml:"render_timeout"`
		PollInterval        string `yaml:"poll_interval"`
		StaleAfter          string `yaml:"stale_after"`
		ReclaimInterval     string `yaml:"reclaim_interval"`
		MaxAttempts         int    `yaml:"max_attempts"`
		DownloadConcurrency int    `yaml:"download_concurrency"`
		SubtitleOrder       string `yaml:"subtitle_order"`
		MediaRoot           string `yaml:"media_root"`
	} `yaml:"worker"`

	Retention struct {
		Artifacts string `yaml:"artifacts"`
		Temp      string `yaml:"temp"`
		Interval  string `yaml:"interval"`
	} `yaml:"retention"`
}

// New creates a new EnvConfig with defaults, file and environment overrides.
func New() (*EnvConfig, error) {
	cfg := defaults()

	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	// .env is a development convenience; a missing file is fine.
	if os.Getenv(EnvEnvironment) != "production" {
		_ = godotenv.Load()
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *EnvConfig {
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return &EnvConfig{
		port:                DefaultPort,
		bindAddr:            DefaultBindAddr,
		logLevel:            DefaultLogLevel,
		dataDir:             defaultDataDir(),
		dbDriver:            DefaultDBDriver,
		storageBackend:      DefaultStorageBackend,
		s3Region:            DefaultS3Region,
		urlTTL:              DefaultURLTTL,
		amqpQueue:           DefaultAMQPQueue,
		ffmpegPath:          DefaultFFmpegPath,
		renderTimeout:       DefaultRenderTimeout,
		pollInterval:        DefaultPollInterval,
		staleAfter:          DefaultStaleAfter,
		reclaimInterval:     DefaultReclaimInterval,
		maxAttempts:         DefaultMaxAttempts,
		downloadConcurrency: DefaultDownloadConcurrency,
		artifactRetention:   DefaultArtifactRetention,
		tempRetention:       DefaultTempRetention,
		sweepInterval:       DefaultSweepInterval,
		subtitleOrder:       DefaultSubtitleOrder,
		workerID:            fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
}

func (c *EnvConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setInt(&c.port, f.Port)
	setString(&c.logLevel, f.LogLevel)
	setString(&c.logFile, f.LogFile)
	setString(&c.dataDir, f.DataDir)
	setString(&c.dbDriver, f.Database.Driver)
	setString(&c.databaseURL, f.Database.URL)
	setString(&c.storageBackend, f.Storage.Backend)
	setString(&c.s3Bucket, f.Storage.Bucket)
	setString(&c.s3Region, f.Storage.Region)
	setString(&c.s3Endpoint, f.Storage.Endpoint)
	setString(&c.localStorageDir, f.Storage.Dir)
	setString(&c.publicBaseURL, f.Storage.PublicBaseURL)
	setString(&c.signingSecret, f.Storage.SigningSecret)
	setString(&c.bindAddr, f.API.Bind)
	setString(&c.apiToken, f.API.Token)
	if len(f.API.AllowedOrigins) > 0 {
		c.allowedOrigins = f.API.AllowedOrigins
	}
	setString(&c.amqpURL, f.AMQP.URL)
	setString(&c.amqpQueue, f.AMQP.Queue)
	setString(&c.workerID, f.Worker.ID)
	setString(&c.workDir, f.Worker.WorkDir)
	setString(&c.ffmpegPath, f.Worker.FFmpeg)
	setInt(&c.maxAttempts, f.Worker.MaxAttempts)
	setInt(&c.downloadConcurrency, f.Worker.DownloadConcurrency)
	setString(&c.subtitleOrder, f.Worker.SubtitleOrder)
	setString(&c.mediaRoot, f.Worker.MediaRoot)

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"storage.url_ttl", f.Storage.URLTTL, &c.urlTTL},
		{"worker.render_timeout", f.Worker.RenderTimeout, &c.renderTimeout},
		{"worker.poll_interval", f.Worker.PollInterval, &c.pollInterval},
		{"worker.stale_after", f.Worker.StaleAfter, &c.staleAfter},
		{"worker.reclaim_interval", f.Worker.ReclaimInterval, &c.reclaimInterval},
		{"retention.artifacts", f.Retention.Artifacts, &c.artifactRetention},
		{"retention.temp", f.Retention.Temp, &c.tempRetention},
		{"retention.interval", f.Retention.Interval, &c.sweepInterval},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s in %s: %w", d.name, path, err)
		}
		*d.dst = v
	}
	return nil
}

func (c *EnvConfig) loadEnv() error {
	// Override port from environment
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		c.port = port
	}

	strs := []struct {
		env string
		dst *string
	}{
		{EnvLogLevel, &c.logLevel},
		{EnvLogFile, &c.logFile},
		{EnvDataDir, &c.dataDir},
		{EnvDBDriver, &c.dbDriver},
		{EnvDatabaseURL, &c.databaseURL},
		{EnvWorkDir, &c.workDir},
		{EnvStorageBackend, &c.storageBackend},
		{EnvS3Bucket, &c.s3Bucket},
		{EnvS3Region, &c.s3Region},
		{EnvS3Endpoint, &c.s3Endpoint},
		{EnvLocalStorageDir, &c.localStorageDir},
		{EnvPublicBaseURL, &c.publicBaseURL},
		{EnvSigningSecret, &c.signingSecret},
		{EnvBindAddr, &c.bindAddr},
		{EnvAPIToken, &c.apiToken},
		{EnvAMQPURL, &c.amqpURL},
		{EnvAMQPQueue, &c.amqpQueue},
		{EnvFFmpegPath, &c.ffmpegPath},
		{EnvSubtitleOrder, &c.subtitleOrder},
		{EnvWorkerID, &c.workerID},
		{EnvMediaRoot, &c.mediaRoot},
	}
	for _, s := range strs {
		if v := os.Getenv(s.env); v != "" {
			*s.dst = v
		}
	}

	if v := os.Getenv(EnvAllowedOrigins); v != "" {
		c.allowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.allowedOrigins = append(c.allowedOrigins, o)
			}
		}
	}

	ints := []struct {
		env string
		dst *int
	}{
		{EnvMaxAttempts, &c.maxAttempts},
		{EnvDownloadConcurrency, &c.downloadConcurrency},
	}
	for _, i := range ints {
		if v := os.Getenv(i.env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", i.env, err)
			}
			*i.dst = n
		}
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{EnvURLTTL, &c.urlTTL},
		{EnvRenderTimeout, &c.renderTimeout},
		{EnvPollInterval, &c.pollInterval},
		{EnvStaleAfter, &c.staleAfter},
		{EnvReclaimInterval, &c.reclaimInterval},
		{EnvArtifactRetention, &c.artifactRetention},
		{EnvTempRetention, &c.tempRetention},
		{EnvSweepInterval, &c.sweepInterval},
	}
	for _, d := range durations {
		if v := os.Getenv(d.env); v != "" {
			dur, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", d.env, err)
			}
			*d.dst = dur
		}
	}
	return nil
}

func (c *EnvConfig) validate() error {
	var errs []error
	if c.port < 1 || c.port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d: must be between 1 and 65535", c.port))
	}
	switch strings.ToLower(c.dbDriver) {
	case "sqlite", "sqlite3":
	case "postgres", "postgresql", "pg":
		if c.databaseURL == "" {
			errs = append(errs, fmt.Errorf("%s is required for the postgres driver", EnvDatabaseURL))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q", c.dbDriver))
	}
	switch c.storageBackend {
	case "local":
	case "s3":
		if c.s3Bucket == "" {
			errs = append(errs, fmt.Errorf("%s is required for the s3 backend", EnvS3Bucket))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage backend %q", c.storageBackend))
	}
	if c.maxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be at least 1"))
	}
	if c.downloadConcurrency < 1 {
		errs = append(errs, fmt.Errorf("download concurrency must be at least 1"))
	}
	for name, d := range map[string]time.Duration{
		"poll interval": c.pollInterval,
		"stale after":   c.staleAfter,
		"url ttl":       c.urlTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	return errors.Join(errs...)
}

// RequireSharedSecret fails when local-storage links are signed and
// verified by different processes. Without a configured secret each
// process would generate its own.
func (c *EnvConfig) RequireSharedSecret() error {
	if c.storageBackend == "local" && c.signingSecret == "" {
		return fmt.Errorf("%s is required when the API and worker run as separate processes", EnvSigningSecret)
	}
	return nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// LogFile returns an optional JSON log file path.
func (c *EnvConfig) LogFile() string {
	return c.logFile
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

func (c *EnvConfig) DBDriver() string {
	return c.dbDriver
}

// DatabaseDSN returns the Postgres URL, or the SQLite file path.
func (c *EnvConfig) DatabaseDSN() string {
	if c.databaseURL != "" {
		return c.databaseURL
	}
	return c.DBPath()
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// WorkDir returns the root for job-scoped workspaces.
func (c *EnvConfig) WorkDir() string {
	if c.workDir != "" {
		return c.workDir
	}
	return filepath.Join(c.dataDir, "work")
}

func (c *EnvConfig) StorageBackend() string {
	return c.storageBackend
}

func (c *EnvConfig) S3Bucket() string {
	return c.s3Bucket
}

func (c *EnvConfig) S3Region() string {
	return c.s3Region
}

// S3Endpoint returns a custom endpoint (MinIO), empty for AWS.
func (c *EnvConfig) S3Endpoint() string {
	return c.s3Endpoint
}

func (c *EnvConfig) LocalStorageDir() string {
	if c.localStorageDir != "" {
		return c.localStorageDir
	}
	return filepath.Join(c.dataDir, "artifacts")
}

// PublicBaseURL is the externally reachable address used in signed
// local-storage URLs.
func (c *EnvConfig) PublicBaseURL() string {
	if c.publicBaseURL != "" {
		return strings.TrimRight(c.publicBaseURL, "/")
	}
	return fmt.Sprintf("http://127.0.0.1:%d", c.port)
}

func (c *EnvConfig) SigningSecret() string {
	return c.signingSecret
}

func (c *EnvConfig) URLTTL() time.Duration {
	return c.urlTTL
}

// BindAddr is the interface the HTTP server listens on.
func (c *EnvConfig) BindAddr() string {
	return c.bindAddr
}

// AllowedOrigins lists CORS origins. Empty disables CORS headers.
func (c *EnvConfig) AllowedOrigins() []string {
	return c.allowedOrigins
}

func (c *EnvConfig) APIToken() string {
	return c.apiToken
}

// AMQPURL is empty when notifications are disabled.
func (c *EnvConfig) AMQPURL() string {
	return c.amqpURL
}

func (c *EnvConfig) AMQPQueue() string {
	return c.amqpQueue
}

func (c *EnvConfig) FFmpegPath() string {
	return c.ffmpegPath
}

func (c *EnvConfig) RenderTimeout() time.Duration {
	return c.renderTimeout
}

func (c *EnvConfig) PollInterval() time.Duration {
	return c.pollInterval
}

func (c *EnvConfig) StaleAfter() time.Duration {
	return c.staleAfter
}

func (c *EnvConfig) ReclaimInterval() time.Duration {
	return c.reclaimInterval
}

func (c *EnvConfig) MaxAttempts() int {
	return c.maxAttempts
}

func (c *EnvConfig) DownloadConcurrency() int {
	return c.downloadConcurrency
}

func (c *EnvConfig) ArtifactRetention() time.Duration {
	return c.artifactRetention
}

func (c *EnvConfig) TempRetention() time.Duration {
	return c.tempRetention
}

func (c *EnvConfig) SweepInterval() time.Duration {
	return c.sweepInterval
}

func (c *EnvConfig) SubtitleOrder() string {
	return c.subtitleOrder
}

func (c *EnvConfig) WorkerID() string {
	return c.workerID
}

// MediaRoot is the only directory file:// recordings may be read from.
// Empty disables file:// sources.
func (c *EnvConfig) MediaRoot() string {
	return c.mediaRoot
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
