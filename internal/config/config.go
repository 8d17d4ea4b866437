// Package config loads service settings from an optional YAML file, an
// optional .env file and the environment, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/example/liveness-check/internal/pipeline"
)

// Config is the full service configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Inference InferenceConfig `yaml:"inference"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	// CORSOrigins enables CORS for the listed origins when non-empty.
	CORSOrigins []string `yaml:"cors_origins" validate:"dive,required"`
}

type DatabaseConfig struct {
	DSN          string `yaml:"dsn" validate:"required"`
	MaxOpenConns int    `yaml:"max_open_conns" validate:"gt=0"`
	MaxIdleConns int    `yaml:"max_idle_conns" validate:"gte=0,ltefield=MaxOpenConns"`
}

type RedisConfig struct {
	Addr      string        `yaml:"addr" validate:"required,hostname_port"`
	ResultTTL time.Duration `yaml:"result_ttl" validate:"gt=0"`
}

type AuthConfig struct {
	JWTSecret   string `yaml:"jwt_secret" validate:"required"`
	JWTAudience string `yaml:"jwt_audience"`
}

type InferenceConfig struct {
	Addr        string        `yaml:"addr" validate:"required"`
	DialTimeout time.Duration `yaml:"dial_timeout" validate:"gt=0"`
}

// MQTTConfig enables verdict events when Broker is set.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic" validate:"required_with=Broker"`
	ClientID string `yaml:"client_id"`
}

type PipelineConfig struct {
	Debug         bool `yaml:"debug"`
	SkipQuality   bool `yaml:"skip_quality"`
	SkipOcclusion bool `yaml:"skip_occlusion"`
}

// Pipeline converts the loaded settings into a pipeline configuration.
func (c PipelineConfig) Pipeline() pipeline.Config {
	return pipeline.Config{
		DebugLogging:       c.Debug,
		SkipQualityCheck:   c.SkipQuality,
		SkipOcclusionCheck: c.SkipOcclusion,
	}
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{Addr: ":8080", ShutdownTimeout: 15 * time.Second},
		Database: DatabaseConfig{
			DSN:          "host=postgres user=postgres password=postgres dbname=liveness port=5432 sslmode=disable",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Redis:     RedisConfig{Addr: "redis:6379", ResultTTL: 5 * time.Minute},
		Inference: InferenceConfig{Addr: "model-host:50051", DialTimeout: 5 * time.Second},
		MQTT:      MQTTConfig{Topic: "liveness/results", ClientID: "liveness-api"},
	}
}

// Load reads .env (if present), the YAML file named by LIVENESS_CONFIG (if
// set) and finally environment overrides, then validates the result. There is
// no default JWT secret; the server refuses to start without one.
func Load() (Config, error) {
	cfg, err := load()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadLocal is Load for commands that never serve HTTP, so the auth settings
// are not required.
func LoadLocal() (Config, error) {
	cfg, err := load()
	if err != nil {
		return Config{}, err
	}
	if err := validator.New().StructExcept(cfg, "Auth.JWTSecret"); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("LIVENESS_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", cfg.HTTP.Addr)
	cfg.HTTP.ShutdownTimeout = envDuration("HTTP_SHUTDOWN_TIMEOUT", cfg.HTTP.ShutdownTimeout)
	cfg.Database.DSN = getEnv("DATABASE_DSN", cfg.Database.DSN)
	cfg.Database.MaxOpenConns = envInt("DATABASE_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MaxIdleConns = envInt("DATABASE_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)
	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.ResultTTL = envDuration("RESULT_TTL", cfg.Redis.ResultTTL)
	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.JWTAudience = getEnv("JWT_AUDIENCE", cfg.Auth.JWTAudience)
	cfg.Inference.Addr = getEnv("INFERENCE_ADDR", cfg.Inference.Addr)
	cfg.Inference.DialTimeout = envDuration("INFERENCE_DIAL_TIMEOUT", cfg.Inference.DialTimeout)
	cfg.Pipeline.Debug = envBool("PIPELINE_DEBUG", cfg.Pipeline.Debug)
	cfg.Pipeline.SkipQuality = envBool("PIPELINE_SKIP_QUALITY", cfg.Pipeline.SkipQuality)
	cfg.Pipeline.SkipOcclusion = envBool("PIPELINE_SKIP_OCCLUSION", cfg.Pipeline.SkipOcclusion)
	cfg.HTTP.CORSOrigins = envList("CORS_ALLOWED_ORIGINS", cfg.HTTP.CORSOrigins)
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.Topic = getEnv("MQTT_TOPIC", cfg.MQTT.Topic)
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", cfg.MQTT.ClientID)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// envInt returns fallback when the variable is unset or not a positive integer.
func envInt(key string, fallback int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		return n
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return fallback
}

// envList splits a comma separated variable, dropping empty entries.
func envList(key string, fallback []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
