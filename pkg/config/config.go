package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"relaychat-backend/pkg/constants"
	"relaychat-backend/pkg/env"
)

// Store and directory drivers
const (
	DriverMemory    = "memory"
	DriverCassandra = "cassandra"
	DriverCockroach = "cockroach"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Store     DriverConfig    `mapstructure:"store"`
	Directory DriverConfig    `mapstructure:"directory"`
	Cassandra CassandraConfig `mapstructure:"cassandra"`
	Database  DatabaseConfig  `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Retry     RetryConfig     `mapstructure:"retry"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	Environment    string   `mapstructure:"env"`
	ServiceName    string   `mapstructure:"service_name"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	InternalToken  string   `mapstructure:"internal_token"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

// JWTConfig holds the settings used to verify access tokens
type JWTConfig struct {
	Secret   string `mapstructure:"secret"`
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`
}

// DriverConfig selects a backing implementation
type DriverConfig struct {
	Driver string `mapstructure:"driver"`
}

// CassandraConfig holds Cassandra configuration
type CassandraConfig struct {
	Hosts       []string      `mapstructure:"hosts"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"name"`
	SSLMode  string `mapstructure:"ssl_mode"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
	// ShedThreshold is the pool share past which REST requests are refused
	ShedThreshold float64 `mapstructure:"shed_threshold"`
}

// RateLimitConfig bounds REST requests per user. Writes have their own,
// lower limit.
type RateLimitConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Requests      int           `mapstructure:"requests"`
	WriteRequests int           `mapstructure:"write_requests"`
	Window        time.Duration `mapstructure:"window"`
}

// RedisConfig holds Redis configuration. Redis is optional: without it presence
// is not mirrored and membership changes arrive only through the HTTP hook.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	PoolSize int           `mapstructure:"pool_size"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RealtimeConfig tunes the in-memory realtime state
type RealtimeConfig struct {
	HeartbeatTimeout   time.Duration `mapstructure:"heartbeat_timeout"`
	ReaperInterval     time.Duration `mapstructure:"reaper_interval"`
	PresenceGrace      time.Duration `mapstructure:"presence_grace"`
	PresenceRefresh    time.Duration `mapstructure:"presence_refresh"`
	TypingTTL          time.Duration `mapstructure:"typing_ttl"`
	TypingSweep        time.Duration `mapstructure:"typing_sweep"`
	RingingTimeout     time.Duration `mapstructure:"ringing_timeout"`
	SendBuffer         int           `mapstructure:"send_buffer"`
	InboundRate        float64       `mapstructure:"inbound_rate"`
	InboundBurst       int           `mapstructure:"inbound_burst"`
	MembershipCacheTTL time.Duration `mapstructure:"membership_cache_ttl"`
}

// RetryConfig bounds persistence retries
type RetryConfig struct {
	Attempts         int           `mapstructure:"attempts"`
	InitialBackoff   time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.env", "development")
	v.SetDefault("server.service_name", "realtime-service")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.internal_token", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file_path", "/logs/realtime.log")

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.issuer", "relaychat-auth")
	v.SetDefault("jwt.audience", "relaychat-api")

	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("directory.driver", DriverCockroach)

	v.SetDefault("cassandra.hosts", []string{"localhost"})
	v.SetDefault("cassandra.keyspace", "relaychat")
	v.SetDefault("cassandra.consistency", "QUORUM")
	v.SetDefault("cassandra.timeout", 600*time.Millisecond)

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 26257)
	v.SetDefault("db.user", "root")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "relaychat")
	v.SetDefault("db.ssl_mode", "disable")
	v.SetDefault("db.max_conns", 25)
	v.SetDefault("db.min_conns", 5)
	v.SetDefault("db.shed_threshold", 0.8)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.timeout", 5*time.Second)

	v.SetDefault("realtime.heartbeat_timeout", constants.HeartbeatTimeout)
	v.SetDefault("realtime.reaper_interval", constants.ReaperInterval)
	v.SetDefault("realtime.presence_grace", constants.PresenceGrace)
	v.SetDefault("realtime.presence_refresh", constants.PresenceRefresh)
	v.SetDefault("realtime.typing_ttl", constants.TypingTTL)
	v.SetDefault("realtime.typing_sweep", constants.TypingSweep)
	v.SetDefault("realtime.ringing_timeout", constants.RingingTimeout)
	v.SetDefault("realtime.send_buffer", constants.WebSocketSendBuffer)
	v.SetDefault("realtime.inbound_rate", 20.0)
	v.SetDefault("realtime.inbound_burst", 40)
	v.SetDefault("realtime.membership_cache_ttl", constants.MembershipCacheTTL)

	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.initial_backoff", 50*time.Millisecond)
	v.SetDefault("retry.max_backoff", time.Second)
	v.SetDefault("retry.failure_threshold", 5)
	v.SetDefault("retry.cooldown", 10*time.Second)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.requests", 120)
	v.SetDefault("ratelimit.write_requests", 30)
	v.SetDefault("ratelimit.window", time.Minute)
}

// Load reads defaults, then the optional YAML file at path, then environment
// variables. A nested key such as realtime.typing_ttl is read from
// REALTIME_TYPING_TTL.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// Docker secrets win over plain values
	cfg.JWT.Secret = env.GetStringFromFile("JWT_SECRET", cfg.JWT.Secret)
	cfg.Database.Password = env.GetStringFromFile("DB_PASSWORD", cfg.Database.Password)
	cfg.Redis.Password = env.GetStringFromFile("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Server.InternalToken = env.GetStringFromFile("SERVER_INTERNAL_TOKEN", cfg.Server.InternalToken)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error

	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("JWT_SECRET must be set"))
	} else if c.Server.Environment == "production" && len(c.JWT.Secret) < 32 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 32 characters in production"))
	}

	switch c.Store.Driver {
	case DriverMemory, DriverCassandra:
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	switch c.Directory.Driver {
	case DriverMemory, DriverCockroach:
	default:
		errs = append(errs, fmt.Errorf("unknown directory driver %q", c.Directory.Driver))
	}
	if c.Server.Environment == "production" && c.Store.Driver == DriverMemory {
		errs = append(errs, errors.New("the memory store cannot be used in production"))
	}

	rt := c.Realtime
	if rt.HeartbeatTimeout <= 0 || rt.ReaperInterval <= 0 || rt.TypingTTL <= 0 || rt.TypingSweep <= 0 || rt.RingingTimeout <= 0 || rt.PresenceRefresh <= 0 {
		errs = append(errs, errors.New("realtime timeouts and intervals must be positive"))
	}
	if rt.PresenceGrace < 0 {
		errs = append(errs, errors.New("realtime.presence_grace must not be negative"))
	}
	if rt.SendBuffer < 1 {
		errs = append(errs, errors.New("realtime.send_buffer must be at least 1"))
	}
	if rt.InboundRate <= 0 || rt.InboundBurst < 1 {
		errs = append(errs, errors.New("realtime inbound rate and burst must be positive"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.Requests < 1 || c.RateLimit.WriteRequests < 1 || c.RateLimit.Window <= 0) {
		errs = append(errs, errors.New("ratelimit requests and window must be positive"))
	}
	if c.Retry.Attempts < 1 {
		errs = append(errs, errors.New("retry.attempts must be at least 1"))
	}

	return errors.Join(errs...)
}

// RedisAddr returns host:port for the Redis client
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
