package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// HTTP
	HTTPPort string

	// PostgreSQL
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBMaxConns int32

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Pipeline
	ShardWorkers   int
	ShardQueueSize int
	DBChannelSize  int

	// Batch writer tuning
	DBBatchSize       int
	DBFlushIntervalMS int

	// Ingestion
	StalenessWindow time.Duration
	FutureSkewLimit time.Duration
	AccuracyCutoffM float64

	// Visit clustering
	ClusterRadiusM float64
	MaxGap         time.Duration
	MinDwellTime   time.Duration

	// Device health
	BatteryLowPct     int
	BatteryWarningPct int
	OfflineWindow     time.Duration
	ActiveHoursStart  string // "15:04" local
	ActiveHoursEnd    string

	// Geofence registry
	GeofenceCacheTTL time.Duration

	// Scheduler
	TickInterval time.Duration
	LockTTL      time.Duration

	// Workflow
	RulesPath string

	// Notifications
	NotifyPollInterval time.Duration
	NotifyMaxRetries   int

	// Auth
	AuthCacheTTL  time.Duration
	StaticAPIKeys []string
	AdminAPIKeys  []string
}

func Load() *Config {
	// .env is optional; containers inject real environment variables.
	_ = godotenv.Load()

	return &Config{
		HTTPPort:   getEnv("HTTP_PORT", "8002"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "fieldtrack_user"),
		DBPassword: getEnv("DB_PASSWORD", "fieldtrack_password"),
		DBName:     getEnv("DB_NAME", "fieldtrack"),
		DBMaxConns: int32(getEnvInt("DB_MAX_CONNS", 15)),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		ShardWorkers:   getEnvInt("SHARD_WORKERS", 8),
		ShardQueueSize: getEnvInt("SHARD_QUEUE_SIZE", 4096),
		DBChannelSize:  getEnvInt("DB_CHANNEL_SIZE", 10000),

		DBBatchSize:       getEnvInt("DB_BATCH_SIZE", 500),
		DBFlushIntervalMS: getEnvInt("DB_FLUSH_INTERVAL_MS", 100),

		StalenessWindow: getEnvDuration("STALENESS_WINDOW", 10*time.Minute),
		FutureSkewLimit: getEnvDuration("FUTURE_SKEW_LIMIT", 2*time.Minute),
		AccuracyCutoffM: getEnvFloat("ACCURACY_CUTOFF_M", 100),

		ClusterRadiusM: getEnvFloat("CLUSTER_RADIUS_M", 150),
		MaxGap:         getEnvDuration("CLUSTER_MAX_GAP", 30*time.Minute),
		MinDwellTime:   getEnvDuration("MIN_DWELL_TIME", 3*time.Minute),

		BatteryLowPct:     getEnvInt("BATTERY_LOW_PCT", 15),
		BatteryWarningPct: getEnvInt("BATTERY_WARNING_PCT", 30),
		OfflineWindow:     getEnvDuration("OFFLINE_WINDOW", 10*time.Minute),
		ActiveHoursStart:  getEnv("ACTIVE_HOURS_START", "08:00"),
		ActiveHoursEnd:    getEnv("ACTIVE_HOURS_END", "20:00"),

		GeofenceCacheTTL: getEnvDuration("GEOFENCE_CACHE_TTL", 60*time.Second),

		TickInterval: getEnvDuration("SCHEDULER_TICK", time.Minute),
		LockTTL:      getEnvDuration("SCHEDULER_LOCK_TTL", 50*time.Second),

		RulesPath: getEnv("WORKFLOW_RULES_PATH", "workflow_rules.json"),

		NotifyPollInterval: getEnvDuration("NOTIFY_POLL_INTERVAL", 8*time.Second),
		NotifyMaxRetries:   getEnvInt("NOTIFY_MAX_RETRIES", 5),

		AuthCacheTTL:  getEnvDuration("AUTH_CACHE_TTL", 5*time.Minute),
		StaticAPIKeys: splitNonEmpty(getEnv("VALID_API_KEYS", "")),
		AdminAPIKeys:  splitNonEmpty(getEnv("ADMIN_API_KEYS", "")),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
