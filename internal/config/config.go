package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Store     JobStoreConfig  `mapstructure:"store"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Script    ScriptConfig    `mapstructure:"script"`
	Render    RenderConfig    `mapstructure:"render"`
	Avatars   AvatarsConfig   `mapstructure:"avatars"`
	Models    []ModelConfig   `mapstructure:"models"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TrustedProxies  []string      `mapstructure:"trusted_proxies"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

// RedisConfig is only used by the redis admission backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JobStoreConfig controls the in-memory job store and its persister.
type JobStoreConfig struct {
	// Driver is memory, database or object.
	Driver              string        `mapstructure:"driver"`
	ObjectKey           string        `mapstructure:"object_key"`
	TTL                 time.Duration `mapstructure:"ttl"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	FlushDelay          time.Duration `mapstructure:"flush_delay"`
	SafetyFlushInterval time.Duration `mapstructure:"safety_flush_interval"`
}

// AdmissionConfig is the fixed-window limit on video submissions per client.
type AdmissionConfig struct {
	// Backend is memory or redis.
	Backend     string        `mapstructure:"backend"`
	Window      time.Duration `mapstructure:"window"`
	MaxRequests int           `mapstructure:"max_requests"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
}

type UploadConfig struct {
	MaxBytes int64 `mapstructure:"max_bytes"`
}

// TracingConfig selects the OpenTelemetry exporter: none, stdout or otlp.
type TracingConfig struct {
	Exporter     string  `mapstructure:"exporter"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool    `mapstructure:"otlp_insecure"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
	ServiceName  string  `mapstructure:"service_name"`
}

// Load reads configuration from file, .env and environment variables.
// Parameters:
//   - configPath: explicit config file; empty searches ./configs and the working directory.
// Returns:
//   - *Config: loaded and validated configuration.
//   - error: non-nil if reading, decoding or validation fails.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets and deployment knobs with conventional names.
	_ = v.BindEnv("server.port", "PORT")
	_ = v.BindEnv("script.api_key", "OPENROUTER_API_KEY")
	_ = v.BindEnv("script.base_url", "OPENROUTER_BASE_URL")
	_ = v.BindEnv("render.clips.api_key", "DID_API_KEY")
	_ = v.BindEnv("render.expressives.api_key", "DID_API_KEY")
	_ = v.BindEnv("database.dsn", "DATABASE_URL")
	_ = v.BindEnv("storage.access_key", "S3_ACCESS_KEY")
	_ = v.BindEnv("storage.secret_key", "S3_SECRET_KEY")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()
	cfg.Script.ResolveEnvVars()
	cfg.Render.Clips.ResolveEnvVars()
	cfg.Render.Expressives.ResolveEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/jobs.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.use_ssl", true)

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("store.driver", "database")
	v.SetDefault("store.object_key", "jobs/video-jobs.json")
	v.SetDefault("store.ttl", "30m")
	v.SetDefault("store.sweep_interval", "5m")
	v.SetDefault("store.flush_delay", "500ms")
	v.SetDefault("store.safety_flush_interval", "10s")

	v.SetDefault("admission.backend", "memory")
	v.SetDefault("admission.window", "10m")
	v.SetDefault("admission.max_requests", 5)
	v.SetDefault("admission.key_prefix", "fischat:video-admission")

	v.SetDefault("upload.max_bytes", 20*1024*1024)

	v.SetDefault("script.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("script.referer", "http://localhost:3000")
	v.SetDefault("script.title", "FIS Chatbot")
	v.SetDefault("script.timeout", "60s")
	v.SetDefault("script.max_tokens", 800)
	v.SetDefault("script.temperature", 0.4)
	v.SetDefault("script.max_source_chars", 12000)
	v.SetDefault("script.max_retries", 2)
	v.SetDefault("script.retry_base_delay", "2s")

	v.SetDefault("render.poll_interval", "2s")
	v.SetDefault("render.max_polls", 300)
	v.SetDefault("render.stage_timeout", "5m")
	v.SetDefault("render.clips.base_url", "https://api.d-id.com")
	v.SetDefault("render.clips.timeout", "30s")
	v.SetDefault("render.clips.max_script_chars", 1500)
	v.SetDefault("render.expressives.base_url", "https://api.d-id.com")
	v.SetDefault("render.expressives.timeout", "30s")
	v.SetDefault("render.expressives.max_script_chars", 1500)

	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.service_name", "fischat")
}

// applyDefaults fills list-shaped sections that viper defaults cannot express cleanly.
func (c *Config) applyDefaults() {
	if len(c.Models) == 0 {
		c.Models = DefaultModels()
	}
	defaults := DefaultAvatars()
	if len(c.Avatars.Items) == 0 {
		c.Avatars.Items = defaults.Items
	}
	if c.Avatars.DefaultKey == "" {
		c.Avatars.DefaultKey = defaults.DefaultKey
	}
}

// Validate checks ranges and enumerations.
// Returns an error describing the first violation, or nil if valid.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "database", "object":
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "object" && c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required for the object store driver")
	}
	if c.Store.TTL <= 0 {
		return fmt.Errorf("store.ttl must be positive")
	}
	if c.Store.SweepInterval <= 0 {
		return fmt.Errorf("store.sweep_interval must be positive")
	}
	if c.Store.FlushDelay <= 0 {
		return fmt.Errorf("store.flush_delay must be positive")
	}
	if c.Store.SafetyFlushInterval < 0 {
		return fmt.Errorf("store.safety_flush_interval must not be negative")
	}

	switch c.Admission.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("admission.backend: unknown backend %q", c.Admission.Backend)
	}
	if c.Admission.MaxRequests <= 0 {
		return fmt.Errorf("admission.max_requests must be positive")
	}
	if c.Admission.Window <= 0 {
		return fmt.Errorf("admission.window must be positive")
	}

	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("upload.max_bytes must be positive")
	}
	if err := c.Script.Validate(); err != nil {
		return err
	}
	if err := c.Render.Validate(); err != nil {
		return err
	}
	if err := c.Avatars.Validate(); err != nil {
		return err
	}
	if len(c.Models) == 0 {
		return fmt.Errorf("models: at least one model is required")
	}
	for i, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("models[%d]: id is required", i)
		}
	}
	return nil
}
