package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNew_Defaults(t *testing.T) {
	t.Setenv(EnvDataDir, "/tmp/exportd-test")

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port() != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port(), DefaultPort)
	}
	if cfg.DBDriver() != "sqlite" {
		t.Errorf("DBDriver = %q, want sqlite", cfg.DBDriver())
	}
	if cfg.DatabaseDSN() != filepath.Join("/tmp/exportd-test", DBFilename) {
		t.Errorf("DatabaseDSN = %q", cfg.DatabaseDSN())
	}
	if cfg.WorkDir() != "/tmp/exportd-test/work" {
		t.Errorf("WorkDir = %q", cfg.WorkDir())
	}
	if cfg.MaxAttempts() != DefaultMaxAttempts || cfg.StaleAfter() != DefaultStaleAfter {
		t.Errorf("worker defaults = %d, %v", cfg.MaxAttempts(), cfg.StaleAfter())
	}
	if cfg.SubtitleOrder() != "chronological" {
		t.Errorf("SubtitleOrder = %q", cfg.SubtitleOrder())
	}
	if cfg.WorkerID() == "" {
		t.Errorf("WorkerID must default to a host-derived value")
	}
}

func TestNew_EnvOverrides(t *testing.T) {
	t.Setenv(EnvPort, "9000")
	t.Setenv(EnvDBDriver, "postgres")
	t.Setenv(EnvDatabaseURL, "postgres://u:p@db/exportd")
	t.Setenv(EnvStaleAfter, "90s")
	t.Setenv(EnvMaxAttempts, "5")
	t.Setenv(EnvPublicBaseURL, "https://exports.example.com/")
	t.Setenv(EnvAllowedOrigins, "https://app.example.com, ,http://localhost:5173")
	t.Setenv(EnvBindAddr, "0.0.0.0")

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port() != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Port())
	}
	if cfg.DatabaseDSN() != "postgres://u:p@db/exportd" {
		t.Errorf("DatabaseDSN = %q", cfg.DatabaseDSN())
	}
	if cfg.StaleAfter() != 90*time.Second {
		t.Errorf("StaleAfter = %v, want 90s", cfg.StaleAfter())
	}
	if cfg.MaxAttempts() != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.MaxAttempts())
	}
	if cfg.PublicBaseURL() != "https://exports.example.com" {
		t.Errorf("PublicBaseURL = %q", cfg.PublicBaseURL())
	}
	if got := cfg.AllowedOrigins(); len(got) != 2 || got[1] != "http://localhost:5173" {
		t.Errorf("AllowedOrigins = %v", got)
	}
	if cfg.BindAddr() != "0.0.0.0" {
		t.Errorf("BindAddr = %q", cfg.BindAddr())
	}
}

func TestNew_YAMLFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exportd.yaml")
	content := `
port: 8800
storage:
  backend: s3
  bucket: exports
  url_ttl: 30m
worker:
  poll_interval: 500ms
  download_concurrency: 8
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvConfigFile, path)
	t.Setenv(EnvPort, "8801")

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port() != 8801 {
		t.Errorf("env must win over file: Port = %d", cfg.Port())
	}
	if cfg.StorageBackend() != "s3" || cfg.S3Bucket() != "exports" {
		t.Errorf("storage = %s/%s", cfg.StorageBackend(), cfg.S3Bucket())
	}
	if cfg.URLTTL() != 30*time.Minute {
		t.Errorf("URLTTL = %v", cfg.URLTTL())
	}
	if cfg.PollInterval() != 500*time.Millisecond || cfg.DownloadConcurrency() != 8 {
		t.Errorf("worker = %v, %d", cfg.PollInterval(), cfg.DownloadConcurrency())
	}
}

func TestNew_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad port", map[string]string{EnvPort: "abc"}, EnvPort},
		{"port range", map[string]string{EnvPort: "70000"}, "between 1 and 65535"},
		{"bad duration", map[string]string{EnvStaleAfter: "soon"}, EnvStaleAfter},
		{"postgres without url", map[string]string{EnvDBDriver: "postgres"}, EnvDatabaseURL},
		{"s3 without bucket", map[string]string{EnvStorageBackend: "s3"}, EnvS3Bucket},
		{"unknown backend", map[string]string{EnvStorageBackend: "ftp"}, "unsupported storage backend"},
		{"zero attempts", map[string]string{EnvMaxAttempts: "0"}, "max attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := New()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestRequireSharedSecret(t *testing.T) {
	t.Setenv(EnvDataDir, t.TempDir())
	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cfg.RequireSharedSecret(); err == nil || !strings.Contains(err.Error(), EnvSigningSecret) {
		t.Errorf("local backend without secret: err = %v", err)
	}

	t.Setenv(EnvSigningSecret, "shared")
	cfg, _ = New()
	if err := cfg.RequireSharedSecret(); err != nil {
		t.Errorf("with secret: err = %v", err)
	}

	t.Setenv(EnvSigningSecret, "")
	t.Setenv(EnvStorageBackend, "s3")
	t.Setenv(EnvS3Bucket, "exports")
	cfg, _ = New()
	if err := cfg.RequireSharedSecret(); err != nil {
		t.Errorf("s3 presigns without a local secret: err = %v", err)
	}
}

func TestNew_MediaRoot(t *testing.T) {
	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MediaRoot() != "" {
		t.Errorf("file sources must be disabled by default, MediaRoot = %q", cfg.MediaRoot())
	}
	t.Setenv(EnvMediaRoot, "/srv/recordings")
	cfg, _ = New()
	if cfg.MediaRoot() != "/srv/recordings" {
		t.Errorf("MediaRoot = %q", cfg.MediaRoot())
	}
}

func TestNew_MissingConfigFile(t *testing.T) {
	t.Setenv(EnvConfigFile, filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := New(); err == nil {
		t.Error("expected error for missing config file")
	}
}
