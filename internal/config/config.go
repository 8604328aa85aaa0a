package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Groq      GroqConfig
	Replicate ReplicateConfig
	Storage   StorageConfig
	R2        R2Config
	Supabase  SupabaseConfig
	Zitadel   ZitadelConfig
	Gateway   GatewayConfig
	Pipeline  PipelineConfig
}

type ServerConfig struct {
	Port             string
	Env              string
	LogLevel         string
	LogFormat        string // json or console
	ApiDomain        string
	StreamMaxMinutes int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type DatabaseConfig struct {
	Driver     string // postgres or sqlite
	URL        string
	SQLitePath string
	MaxConns   int32
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	JobsPerHour    int
	RecoverPerHour int
}

type GroqConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	VisionModel string
	Timeout     int // seconds
}

// ReplicateConfig configures the prediction provider and the model behind each lane.
type ReplicateConfig struct {
	APIKey            string
	BaseURL           string
	RequestsPerSecond float64
	Burst             int
	Models            ModelConfig
}

type ModelConfig struct {
	StillEconomy  string
	StillNiche    string
	VideoStandard string
	VideoMotion   string
	VideoVoice    string
}

type StorageConfig struct {
	Backend       string // r2 or supabase
	FetchMaxBytes int64
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type SupabaseConfig struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type GatewayConfig struct {
	Enabled bool
}

// PipelineConfig bounds every wait the generation pipeline performs.
type PipelineConfig struct {
	Scheduler           string // asynq or local
	HardDeadline        time.Duration
	PollInterval        time.Duration
	PerCallTimeout      time.Duration
	CompletionTimeout   time.Duration
	CancelOnTimeout     bool
	ChatterInterval     time.Duration
	ScanConcurrency     int
	MaxRecoveryAttempts int
	AbandonAfter        time.Duration
	StaleAfter          time.Duration
	SweepInterval       time.Duration
	AssistDailyLimit    int
	CourtesyRefunds     bool
	WorkerConcurrency   int
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("DATABASE_URL")
	readSecret("GROQ_API_KEY")
	readSecret("REPLICATE_API_TOKEN")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("SUPABASE_SERVICE_ROLE_KEY")
	readSecret("ZITADEL_CLIENT_ID")
	readSecret("JWT_SECRET")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables
	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.log_format", "LOG_FORMAT")
	_ = v.BindEnv("server.api_domain", "API_DOMAIN")
	_ = v.BindEnv("server.stream_max_minutes", "STREAM_MAX_MINUTES")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("database.driver", "DATABASE_DRIVER")
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("database.sqlite_path", "SQLITE_PATH")
	_ = v.BindEnv("database.max_conns", "DATABASE_MAX_CONNS")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = v.BindEnv("ratelimit.jobs_per_hour", "RATELIMIT_JOBS_PER_HOUR")
	_ = v.BindEnv("ratelimit.recover_per_hour", "RATELIMIT_RECOVER_PER_HOUR")
	_ = v.BindEnv("groq.api_key", "GROQ_API_KEY")
	_ = v.BindEnv("groq.base_url", "GROQ_BASE_URL")
	_ = v.BindEnv("groq.model", "GROQ_MODEL")
	_ = v.BindEnv("groq.vision_model", "GROQ_VISION_MODEL")
	_ = v.BindEnv("groq.timeout", "GROQ_TIMEOUT")
	_ = v.BindEnv("replicate.api_key", "REPLICATE_API_TOKEN")
	_ = v.BindEnv("replicate.base_url", "REPLICATE_BASE_URL")
	_ = v.BindEnv("replicate.requests_per_second", "REPLICATE_RPS")
	_ = v.BindEnv("replicate.burst", "REPLICATE_BURST")
	_ = v.BindEnv("replicate.models.still_economy", "MODEL_STILL_ECONOMY")
	_ = v.BindEnv("replicate.models.still_niche", "MODEL_STILL_NICHE")
	_ = v.BindEnv("replicate.models.video_standard", "MODEL_VIDEO_STANDARD")
	_ = v.BindEnv("replicate.models.video_motion", "MODEL_VIDEO_MOTION")
	_ = v.BindEnv("replicate.models.video_voice", "MODEL_VIDEO_VOICE")
	_ = v.BindEnv("storage.backend", "STORAGE_BACKEND")
	_ = v.BindEnv("storage.fetch_max_bytes", "STORAGE_FETCH_MAX_BYTES")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("supabase.url", "SUPABASE_URL")
	_ = v.BindEnv("supabase.service_role_key", "SUPABASE_SERVICE_ROLE_KEY")
	_ = v.BindEnv("supabase.bucket", "SUPABASE_BUCKET")
	_ = v.BindEnv("zitadel.domain", "ZITADEL_DOMAIN")
	_ = v.BindEnv("zitadel.client_id", "ZITADEL_CLIENT_ID")
	_ = v.BindEnv("zitadel.issuer", "ZITADEL_ISSUER")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = v.BindEnv("pipeline.scheduler", "PIPELINE_SCHEDULER")
	_ = v.BindEnv("pipeline.hard_deadline", "PIPELINE_HARD_DEADLINE")
	_ = v.BindEnv("pipeline.poll_interval", "PIPELINE_POLL_INTERVAL")
	_ = v.BindEnv("pipeline.per_call_timeout", "PIPELINE_PER_CALL_TIMEOUT")
	_ = v.BindEnv("pipeline.completion_timeout", "PIPELINE_COMPLETION_TIMEOUT")
	_ = v.BindEnv("pipeline.cancel_on_timeout", "PIPELINE_CANCEL_ON_TIMEOUT")
	_ = v.BindEnv("pipeline.chatter_interval", "PIPELINE_CHATTER_INTERVAL")
	_ = v.BindEnv("pipeline.scan_concurrency", "PIPELINE_SCAN_CONCURRENCY")
	_ = v.BindEnv("pipeline.max_recovery_attempts", "PIPELINE_MAX_RECOVERY_ATTEMPTS")
	_ = v.BindEnv("pipeline.abandon_after", "PIPELINE_ABANDON_AFTER")
	_ = v.BindEnv("pipeline.stale_after", "PIPELINE_STALE_AFTER")
	_ = v.BindEnv("pipeline.sweep_interval", "PIPELINE_SWEEP_INTERVAL")
	_ = v.BindEnv("pipeline.assist_daily_limit", "PIPELINE_ASSIST_DAILY_LIMIT")
	_ = v.BindEnv("pipeline.courtesy_refunds", "PIPELINE_COURTESY_REFUNDS")
	_ = v.BindEnv("pipeline.worker_concurrency", "PIPELINE_WORKER_CONCURRENCY")

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.stream_max_minutes", 30)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite_path", "./data/studio.db")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.expiration", 24)
	v.SetDefault("ratelimit.jobs_per_hour", 30)
	v.SetDefault("ratelimit.recover_per_hour", 60)

	// Groq defaults
	v.SetDefault("groq.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("groq.model", "llama-3.3-70b-versatile")
	v.SetDefault("groq.vision_model", "meta-llama/llama-4-scout-17b-16e-instruct")
	v.SetDefault("groq.timeout", 60)

	// Replicate defaults
	v.SetDefault("replicate.base_url", "https://api.replicate.com/v1")
	v.SetDefault("replicate.requests_per_second", 5.0)
	v.SetDefault("replicate.burst", 5)
	v.SetDefault("replicate.models.still_economy", "black-forest-labs/flux-schnell")
	v.SetDefault("replicate.models.still_niche", "black-forest-labs/flux-1.1-pro")
	v.SetDefault("replicate.models.video_standard", "kwaivgi/kling-v2.1")
	v.SetDefault("replicate.models.video_motion", "runwayml/act-two")
	v.SetDefault("replicate.models.video_voice", "bytedance/omni-human")

	// Storage defaults
	v.SetDefault("storage.backend", "r2")
	v.SetDefault("storage.fetch_max_bytes", 512*1024*1024)
	v.SetDefault("supabase.bucket", "generations")

	// Gateway defaults
	v.SetDefault("gateway.enabled", false)

	// Pipeline defaults
	v.SetDefault("pipeline.scheduler", "asynq")
	v.SetDefault("pipeline.hard_deadline", 8*time.Minute)
	v.SetDefault("pipeline.poll_interval", 3*time.Second)
	v.SetDefault("pipeline.per_call_timeout", 15*time.Second)
	v.SetDefault("pipeline.completion_timeout", 45*time.Second)
	v.SetDefault("pipeline.cancel_on_timeout", false)
	v.SetDefault("pipeline.chatter_interval", 12*time.Second)
	v.SetDefault("pipeline.scan_concurrency", 3)
	v.SetDefault("pipeline.max_recovery_attempts", 5)
	v.SetDefault("pipeline.abandon_after", 2*time.Hour)
	v.SetDefault("pipeline.stale_after", 30*time.Minute)
	v.SetDefault("pipeline.sweep_interval", 2*time.Minute)
	v.SetDefault("pipeline.assist_daily_limit", 20)
	v.SetDefault("pipeline.courtesy_refunds", true)
	v.SetDefault("pipeline.worker_concurrency", 10)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:             v.GetString("server.port"),
			Env:              v.GetString("server.env"),
			LogLevel:         v.GetString("server.log_level"),
			LogFormat:        v.GetString("server.log_format"),
			ApiDomain:        v.GetString("server.api_domain"),
			StreamMaxMinutes: v.GetInt("server.stream_max_minutes"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Database: DatabaseConfig{
			Driver:     strings.ToLower(v.GetString("database.driver")),
			URL:        v.GetString("database.url"),
			SQLitePath: v.GetString("database.sqlite_path"),
			MaxConns:   v.GetInt32("database.max_conns"),
		},
		JWT: JWTConfig{
			Secret:     v.GetString("jwt.secret"),
			Expiration: v.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			JobsPerHour:    v.GetInt("ratelimit.jobs_per_hour"),
			RecoverPerHour: v.GetInt("ratelimit.recover_per_hour"),
		},
		Groq: GroqConfig{
			APIKey:      v.GetString("groq.api_key"),
			BaseURL:     v.GetString("groq.base_url"),
			Model:       v.GetString("groq.model"),
			VisionModel: v.GetString("groq.vision_model"),
			Timeout:     v.GetInt("groq.timeout"),
		},
		Replicate: ReplicateConfig{
			APIKey:            v.GetString("replicate.api_key"),
			BaseURL:           v.GetString("replicate.base_url"),
			RequestsPerSecond: v.GetFloat64("replicate.requests_per_second"),
			Burst:             v.GetInt("replicate.burst"),
			Models: ModelConfig{
				StillEconomy:  v.GetString("replicate.models.still_economy"),
				StillNiche:    v.GetString("replicate.models.still_niche"),
				VideoStandard: v.GetString("replicate.models.video_standard"),
				VideoMotion:   v.GetString("replicate.models.video_motion"),
				VideoVoice:    v.GetString("replicate.models.video_voice"),
			},
		},
		Storage: StorageConfig{
			Backend:       strings.ToLower(v.GetString("storage.backend")),
			FetchMaxBytes: v.GetInt64("storage.fetch_max_bytes"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
		Supabase: SupabaseConfig{
			URL:            v.GetString("supabase.url"),
			ServiceRoleKey: v.GetString("supabase.service_role_key"),
			Bucket:         v.GetString("supabase.bucket"),
		},
		Zitadel: ZitadelConfig{
			Domain:   v.GetString("zitadel.domain"),
			ClientID: v.GetString("zitadel.client_id"),
			Issuer:   v.GetString("zitadel.issuer"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		Pipeline: PipelineConfig{
			Scheduler:           strings.ToLower(v.GetString("pipeline.scheduler")),
			HardDeadline:        v.GetDuration("pipeline.hard_deadline"),
			PollInterval:        v.GetDuration("pipeline.poll_interval"),
			PerCallTimeout:      v.GetDuration("pipeline.per_call_timeout"),
			CompletionTimeout:   v.GetDuration("pipeline.completion_timeout"),
			CancelOnTimeout:     v.GetBool("pipeline.cancel_on_timeout"),
			ChatterInterval:     v.GetDuration("pipeline.chatter_interval"),
			ScanConcurrency:     v.GetInt("pipeline.scan_concurrency"),
			MaxRecoveryAttempts: v.GetInt("pipeline.max_recovery_attempts"),
			AbandonAfter:        v.GetDuration("pipeline.abandon_after"),
			StaleAfter:          v.GetDuration("pipeline.stale_after"),
			SweepInterval:       v.GetDuration("pipeline.sweep_interval"),
			AssistDailyLimit:    v.GetInt("pipeline.assist_daily_limit"),
			CourtesyRefunds:     v.GetBool("pipeline.courtesy_refunds"),
			WorkerConcurrency:   v.GetInt("pipeline.worker_concurrency"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for the postgres driver")
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("database.sqlite_path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	switch c.Pipeline.Scheduler {
	case "asynq", "local":
	default:
		return fmt.Errorf("unsupported pipeline scheduler %q", c.Pipeline.Scheduler)
	}

	if c.Pipeline.PollInterval <= 0 || c.Pipeline.HardDeadline <= 0 {
		return fmt.Errorf("pipeline poll interval and hard deadline must be positive")
	}
	if c.Pipeline.PollInterval >= c.Pipeline.HardDeadline {
		return fmt.Errorf("pipeline poll interval must be shorter than the hard deadline")
	}

	return nil
}

// IsDevelopment reports whether the server runs in development mode.
func (c *ServerConfig) IsDevelopment() bool {
	return c.Env == "development"
}
