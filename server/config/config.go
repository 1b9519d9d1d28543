package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	Server     ServerConfig     `json:"server"`
	Simulation SimulationConfig `json:"simulation"`
	Live       LiveConfig       `json:"live"`
	Security   SecurityConfig   `json:"security"`
	Redis      RedisConfig      `json:"redis"`
	Settings   SettingsConfig   `json:"settings"`
	Logging    LoggingConfig    `json:"logging"`
}

type ServerConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	Environment     string        `json:"environment"`
}

type SimulationConfig struct {
	TickInterval        time.Duration `json:"tick_interval"`
	AccidentProbability float64       `json:"accident_probability"`
	RescueDelay         time.Duration `json:"rescue_delay"`
	RearmDelay          time.Duration `json:"rearm_delay"`
	HistoryLength       int           `json:"history_length"`
	// Seed 0 picks a seed from the clock at startup.
	Seed   uint64 `json:"seed"`
	Digest string `json:"digest"`
}

type LiveConfig struct {
	DialTimeout time.Duration `json:"dial_timeout"`
	ReadLimit   int64         `json:"read_limit"`
}

type SecurityConfig struct {
	OperatorSecret string   `json:"-"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	RateLimitBurst int      `json:"rate_limit_burst"`
	MaxRequestSize int64    `json:"max_request_size"`
	EnableHTTPS    bool     `json:"enable_https"`
	CertFile       string   `json:"cert_file"`
	KeyFile        string   `json:"key_file"`
}

// RedisConfig with an empty Host keeps settings in process memory.
type RedisConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Password  string `json:"-"`
	DB        int    `json:"db"`
	PoolSize  int    `json:"pool_size"`
	KeyPrefix string `json:"key_prefix"`
}

type SettingsConfig struct {
	CameraURL string `json:"camera_url"`
	SensorURL string `json:"sensor_url"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() *Config {
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			Environment:     getEnv("ENVIRONMENT", "development"),
		},
		Simulation: SimulationConfig{
			TickInterval:        getEnvAsDuration("SIM_TICK_INTERVAL", time.Second),
			AccidentProbability: getEnvAsFloat("SIM_ACCIDENT_PROBABILITY", 0.01),
			RescueDelay:         getEnvAsDuration("SIM_RESCUE_DELAY", 3*time.Second),
			RearmDelay:          getEnvAsDuration("SIM_REARM_DELAY", 5*time.Second),
			HistoryLength:       getEnvAsInt("SIM_HISTORY_LENGTH", 30),
			Seed:                getEnvAsUint64("SIM_SEED", 0),
			Digest:              getEnv("CHAIN_DIGEST", "rolling32"),
		},
		Live: LiveConfig{
			DialTimeout: getEnvAsDuration("LIVE_DIAL_TIMEOUT", 10*time.Second),
			ReadLimit:   getEnvAsInt64("LIVE_READ_LIMIT", 64*1024),
		},
		Security: SecurityConfig{
			OperatorSecret: getEnv("OPERATOR_SECRET", ""),
			AllowedOrigins: getEnvAsStringSlice("ALLOWED_ORIGINS", []string{"*"}),
			RateLimitRPS:   getEnvAsInt("RATE_LIMIT_RPS", 50),
			RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 100),
			MaxRequestSize: getEnvAsInt64("MAX_REQUEST_SIZE", 1024*1024),
			EnableHTTPS:    getEnvAsBool("ENABLE_HTTPS", false),
			CertFile:       getEnv("CERT_FILE", ""),
			KeyFile:        getEnv("KEY_FILE", ""),
		},
		Redis: RedisConfig{
			Host:      getEnv("REDIS_HOST", ""),
			Port:      getEnvAsInt("REDIS_PORT", 6379),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			PoolSize:  getEnvAsInt("REDIS_POOL_SIZE", 10),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "crash-telemetry:"),
		},
		Settings: SettingsConfig{
			CameraURL: getEnv("DEFAULT_CAMERA_URL", ""),
			SensorURL: getEnv("DEFAULT_SENSOR_URL", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config
}

func (c *Config) ValidateConfig(logger *zap.Logger) error {
	var errors []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, "server port must be between 1 and 65535")
	}

	if c.Simulation.TickInterval <= 0 {
		errors = append(errors, "simulation tick interval must be positive")
	}

	if p := c.Simulation.AccidentProbability; p < 0 || p > 1 {
		errors = append(errors, "accident probability must be between 0 and 1")
	}

	if c.Simulation.RescueDelay < 0 || c.Simulation.RearmDelay < 0 {
		errors = append(errors, "rescue and re-arm delays must not be negative")
	}

	if c.Simulation.HistoryLength < 1 {
		errors = append(errors, "history length must be at least 1")
	}

	switch c.Simulation.Digest {
	case "", "rolling32", "sha256":
	default:
		errors = append(errors, fmt.Sprintf("unknown chain digest %q", c.Simulation.Digest))
	}

	if c.Simulation.Digest != "sha256" {
		logger.Warn("Accident log uses the 32-bit rolling digest, which is not tamper resistant")
	}

	if c.Security.OperatorSecret == "" {
		logger.Warn("Operator secret not set, admin endpoints are disabled")
	}

	if c.Security.MaxRequestSize <= 0 {
		errors = append(errors, "max request size must be positive")
	}

	if c.Security.RateLimitRPS <= 0 || c.Security.RateLimitBurst <= 0 {
		errors = append(errors, "rate limit rps and burst must be positive")
	}

	if c.Security.EnableHTTPS && (c.Security.CertFile == "" || c.Security.KeyFile == "") {
		errors = append(errors, "cert and key files are required when HTTPS is enabled")
	}

	if c.Redis.Host != "" && (c.Redis.Port < 1 || c.Redis.Port > 65535) {
		errors = append(errors, "Redis port must be between 1 and 65535")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, ", "))
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseUint(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
