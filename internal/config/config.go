package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultMaxFileSize  int64 = 50 * 1024 * 1024 * 1024 // 50 GiB
	defaultMaxChunkSize int64 = 64 * 1024 * 1024        // 64 MiB
)

// Config 聚合服务启动需要的关键配置。
type Config struct {
	HTTPHost           string
	HTTPPort           string
	UploadDir          string // 完成文件目录（local 驱动）
	StagingDir         string // 分片暂存与装配临时目录
	MaxFileSize        int64  // 单个上传的总大小上限
	MaxChunkSize       int64  // 单个分片的大小上限
	DowntimeGap        time.Duration
	CORSAllowedOrigins []string
	RateLimitRequests  int
	RateLimitWindow    time.Duration
	ShutdownTimeout    time.Duration
	DBHost             string
	DBPort             int
	DBUser             string
	DBPassword         string
	DBName             string
	DBSSLMode          string
	// 存储配置
	StorageDriver string // "local" 或 "s3"
	S3Endpoint    string // S3/MinIO 端点，不含协议
	S3AccessKey   string
	S3SecretKey   string
	S3Bucket      string
	S3Region      string
	S3UseSSL      bool // 是否使用 HTTPS
	S3PathStyle   bool // 是否使用路径风格访问（MinIO 需要设为 true）
}

// Load 从环境变量加载配置，并提供默认值。
func Load() (*Config, error) {
	host := envOrDefault("HOST", "0.0.0.0")
	port := envOrDefault("PORT", "5000")

	uploadDir := envOrDefault("UPLOAD_DIR", "uploads")
	stagingDir := envOrDefault("STAGING_DIR", "staging")

	maxFileSize, err := parseInt64Env("MAX_FILE_SIZE", defaultMaxFileSize)
	if err != nil {
		return nil, err
	}

	maxChunkSize, err := parseInt64Env("CHUNK_SIZE_MAX", defaultMaxChunkSize)
	if err != nil {
		return nil, err
	}

	// 空档阈值以秒为单位，支持小数（默认 2.0）
	downtimeSeconds, err := parseFloatEnv("DOWNTIME_THRESHOLD", 2.0)
	if err != nil {
		return nil, err
	}

	corsOrigins := parseList(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	// 分片上传天然是突发流量，限流默认关闭
	rateLimitRequests, err := parseIntEnv("RATE_LIMIT_REQUESTS", 0)
	if err != nil {
		return nil, err
	}

	rateLimitWindow, err := parseDurationEnv("RATE_LIMIT_WINDOW", time.Minute)
	if err != nil {
		return nil, err
	}

	shutdownTimeout, err := parseDurationEnv("SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}

	dbPort, err := parseIntEnv("DB_PORT", 5432)
	if err != nil {
		return nil, err
	}

	// 存储配置
	storageDriver := envOrDefault("STORAGE_DRIVER", "local")

	// 装配临时文件始终落在暂存目录，s3 驱动也需要
	if err := ensureDir(stagingDir); err != nil {
		return nil, fmt.Errorf("确保暂存目录失败: %w", err)
	}
	if storageDriver == "local" {
		if err := ensureDir(uploadDir); err != nil {
			return nil, fmt.Errorf("确保上传目录失败: %w", err)
		}
	}

	return &Config{
		HTTPHost:           host,
		HTTPPort:           port,
		UploadDir:          uploadDir,
		StagingDir:         stagingDir,
		MaxFileSize:        maxFileSize,
		MaxChunkSize:       maxChunkSize,
		DowntimeGap:        time.Duration(downtimeSeconds * float64(time.Second)),
		CORSAllowedOrigins: corsOrigins,
		RateLimitRequests:  rateLimitRequests,
		RateLimitWindow:    rateLimitWindow,
		ShutdownTimeout:    shutdownTimeout,
		DBHost:             envOrDefault("DB_HOST", "127.0.0.1"),
		DBPort:             dbPort,
		DBUser:             envOrDefault("DB_USER", "landrop"),
		DBPassword:         envOrDefault("DB_PASSWORD", "landrop"),
		DBName:             envOrDefault("DB_NAME", "landrop"),
		DBSSLMode:          envOrDefault("DB_SSL_MODE", "disable"),
		StorageDriver:      storageDriver,
		S3Endpoint:         envOrDefault("S3_ENDPOINT", "localhost:9000"),
		S3AccessKey:        envOrDefault("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:        envOrDefault("S3_SECRET_KEY", "minioadmin"),
		S3Bucket:           envOrDefault("S3_BUCKET", "landrop"),
		S3Region:           envOrDefault("S3_REGION", "us-east-1"),
		S3UseSSL:           parseBoolEnv("S3_USE_SSL", false),
		S3PathStyle:        parseBoolEnv("S3_PATH_STYLE", true),
	}, nil
}

// ListenAddr 返回 HTTP 监听地址。
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.HTTPHost, c.HTTPPort)
}

func ensureDir(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("路径 %s 已存在但不是目录", path)
		}
		return nil
	}

	if os.IsNotExist(err) {
		return os.MkdirAll(path, 0o755)
	}

	return err
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}

	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", key, err)
	}
	if value <= 0 {
		return defaultValue, nil
	}
	return value, nil
}

func parseInt64Env(key string, defaultValue int64) (int64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}

	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", key, err)
	}
	if value <= 0 {
		return defaultValue, nil
	}
	return value, nil
}

func parseFloatEnv(key string, defaultValue float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}

	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", key, err)
	}
	if value <= 0 {
		return defaultValue, nil
	}
	return value, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}

	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", key, err)
	}
	if value <= 0 {
		return defaultValue, nil
	}
	return value, nil
}

func parseBoolEnv(key string, defaultValue bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	lower := strings.ToLower(raw)
	return lower == "true" || lower == "1" || lower == "yes"
}

// PostgresDSN 生成标准 postgres:// 连接串，供数据访问层直接使用。
func (c *Config) PostgresDSN() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:   c.DBName,
	}

	q := url.Values{}
	if c.DBSSLMode != "" {
		q.Set("sslmode", c.DBSSLMode)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

func envOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
