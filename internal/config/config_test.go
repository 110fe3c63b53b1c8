package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// setDirs 把目录类环境变量指到临时路径，避免在仓库里建目录。
func setDirs(t *testing.T) (string, string) {
	t.Helper()

	staging := filepath.Join(t.TempDir(), "staging")
	upload := filepath.Join(t.TempDir(), "uploads")
	t.Setenv("STAGING_DIR", staging)
	t.Setenv("UPLOAD_DIR", upload)
	return staging, upload
}

func TestLoad_Defaults(t *testing.T) {
	staging, upload := setDirs(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.HTTPPort != "5000" {
		t.Fatalf("expected default port 5000, got %s", cfg.HTTPPort)
	}
	if cfg.MaxFileSize != 50*1024*1024*1024 {
		t.Fatalf("expected 50 GiB default file limit, got %d", cfg.MaxFileSize)
	}
	if cfg.MaxChunkSize != 64*1024*1024 {
		t.Fatalf("expected 64 MiB default chunk limit, got %d", cfg.MaxChunkSize)
	}
	if cfg.DowntimeGap != 2*time.Second {
		t.Fatalf("expected 2s default downtime gap, got %v", cfg.DowntimeGap)
	}
	if cfg.StorageDriver != "local" {
		t.Fatalf("expected local storage default, got %s", cfg.StorageDriver)
	}
	if cfg.RateLimitRequests != 0 {
		t.Fatalf("rate limiting should default to off, got %d", cfg.RateLimitRequests)
	}
	if len(cfg.CORSAllowedOrigins) != 1 || cfg.CORSAllowedOrigins[0] != "*" {
		t.Fatalf("expected wildcard CORS default, got %v", cfg.CORSAllowedOrigins)
	}

	// local 驱动下两个目录都被创建
	for _, dir := range []string{staging, upload} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("expected %s to be created, err=%v", dir, err)
		}
	}
}

func TestLoad_Overrides(t *testing.T) {
	setDirs(t)

	t.Setenv("PORT", "8080")
	t.Setenv("MAX_FILE_SIZE", "1024")
	t.Setenv("CHUNK_SIZE_MAX", "128")
	t.Setenv("DOWNTIME_THRESHOLD", "0.5")
	t.Setenv("CORS_ALLOWED_ORIGINS", " http://a.test , http://b.test ")
	t.Setenv("SHUTDOWN_TIMEOUT", "9s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.HTTPPort != "8080" {
		t.Fatalf("expected port 8080, got %s", cfg.HTTPPort)
	}
	if cfg.MaxFileSize != 1024 || cfg.MaxChunkSize != 128 {
		t.Fatalf("expected overridden limits, got file=%d chunk=%d", cfg.MaxFileSize, cfg.MaxChunkSize)
	}
	if cfg.DowntimeGap != 500*time.Millisecond {
		t.Fatalf("expected 500ms downtime gap, got %v", cfg.DowntimeGap)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[0] != "http://a.test" {
		t.Fatalf("expected trimmed origin list, got %v", cfg.CORSAllowedOrigins)
	}
	if cfg.ShutdownTimeout != 9*time.Second {
		t.Fatalf("expected 9s shutdown timeout, got %v", cfg.ShutdownTimeout)
	}
}

func TestLoad_S3DriverSkipsUploadDir(t *testing.T) {
	staging, upload := setDirs(t)
	t.Setenv("STORAGE_DRIVER", "s3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.StorageDriver != "s3" {
		t.Fatalf("expected s3 driver, got %s", cfg.StorageDriver)
	}

	// 暂存目录始终需要，最终目录只在 local 驱动下创建
	if _, err := os.Stat(staging); err != nil {
		t.Fatalf("staging dir must exist for any driver: %v", err)
	}
	if _, err := os.Stat(upload); !os.IsNotExist(err) {
		t.Fatalf("upload dir should not be created for s3 driver, err=%v", err)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	setDirs(t)

	t.Setenv("MAX_FILE_SIZE", "not-a-number")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid MAX_FILE_SIZE")
	}
	t.Setenv("MAX_FILE_SIZE", "")

	t.Setenv("DB_PORT", "not-a-port")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid DB_PORT")
	}
	t.Setenv("DB_PORT", "")

	// 非正数回退到默认值而不是报错
	t.Setenv("DOWNTIME_THRESHOLD", "-3")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.DowntimeGap != 2*time.Second {
		t.Fatalf("expected fallback to 2s, got %v", cfg.DowntimeGap)
	}
}

func TestConfig_ListenAddr(t *testing.T) {
	cfg := &Config{HTTPHost: "127.0.0.1", HTTPPort: "8080"}
	if addr := cfg.ListenAddr(); addr != "127.0.0.1:8080" {
		t.Fatalf("unexpected listen address %s", addr)
	}
}

func TestConfig_PostgresDSN(t *testing.T) {
	cfg := &Config{
		DBHost:     "db.internal",
		DBPort:     5433,
		DBUser:     "landrop",
		DBPassword: "secret",
		DBName:     "landrop",
		DBSSLMode:  "disable",
	}

	dsn := cfg.PostgresDSN()
	for _, part := range []string{"postgres://", "landrop:secret@", "db.internal:5433", "/landrop", "sslmode=disable"} {
		if !strings.Contains(dsn, part) {
			t.Fatalf("dsn %q missing %q", dsn, part)
		}
	}
}
