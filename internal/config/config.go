package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds runtime configuration for the reel pipeline service.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string

	UploadDir      string
	OutputDir      string
	MaxUploadBytes int64
	MaxClipSeconds float64
	MinClipSeconds float64
	ComposeTimeout time.Duration

	FFmpegPath  string
	FFprobePath string

	S3Bucket     string
	S3Region     string
	S3Endpoint   string
	S3PathStyle  bool
	PublicCDNURL string

	// PublicBaseURL, when set, makes locally served outputs publishable
	// without a backup upload (e.g. an ngrok or reverse-proxy address).
	PublicBaseURL string

	IGAccountID         string
	IGAccessToken       string
	GraphAPIBase        string
	PublishPollInterval time.Duration
	PublishPollTimeout  time.Duration

	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RateLimitCapacity int
	RateLimitRefill   float64

	JobRetention    time.Duration
	CleanupInterval time.Duration
}

// Load reads configuration from environment variables with sane defaults for local development.
func Load() Config {
	return Config{
		Env:         getEnv("APP_ENV", "dev"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		UploadDir:      getEnv("UPLOAD_DIR", "./uploads"),
		OutputDir:      getEnv("OUTPUT_DIR", "./outputs"),
		MaxUploadBytes: getEnvInt64("MAX_UPLOAD_BYTES", 100*1024*1024),
		MaxClipSeconds: getEnvFloat("MAX_CLIP_SECONDS", 90),
		MinClipSeconds: getEnvFloat("MIN_CLIP_SECONDS", 1),
		ComposeTimeout: getEnvDuration("COMPOSE_TIMEOUT", 5*time.Minute),

		FFmpegPath:  getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath: getEnv("FFPROBE_PATH", "ffprobe"),

		S3Bucket:     getEnv("S3_BUCKET", ""),
		S3Region:     getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:   getEnv("S3_ENDPOINT", ""),
		S3PathStyle:  getEnvBool("S3_PATH_STYLE", false),
		PublicCDNURL: getEnv("PUBLIC_CDN_URL", ""),

		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),

		IGAccountID:         getEnv("IG_BUSINESS_ACCOUNT_ID", ""),
		IGAccessToken:       getEnv("IG_ACCESS_TOKEN", ""),
		GraphAPIBase:        getEnv("GRAPH_API_BASE", "https://graph.facebook.com/v21.0"),
		PublishPollInterval: getEnvDuration("PUBLISH_POLL_INTERVAL", 10*time.Second),
		PublishPollTimeout:  getEnvDuration("PUBLISH_POLL_TIMEOUT", 10*time.Minute),

		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 10),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 0.5),

		JobRetention:    getEnvDuration("JOB_RETENTION", 24*time.Hour),
		CleanupInterval: getEnvDuration("CLEANUP_INTERVAL", time.Hour),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
