package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Backend selects which inference implementation serves predictions.
const (
	BackendONNX    = "onnx"
	BackendServing = "serving"
)

type Config struct {
	Server ServerConfig
	Model  ModelConfig
	Redis  RedisConfig
	DB     DBConfig
}

type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

type ModelConfig struct {
	// Backend is either "onnx" (artifact loaded in-process) or "serving"
	// (remote model server reached over HTTP).
	Backend        string
	ArtifactPath   string
	ServingURL     string
	ServingName    string
	RequestTimeout time.Duration
}

type RedisConfig struct {
	Addr      string
	ResultTTL time.Duration
}

type DBConfig struct {
	DSN string
}

// Load reads configuration from the environment with sensible defaults.
func Load() (*Config, error) {
	viper.SetDefault("SERVER_ADDR", ":8080")
	viper.SetDefault("SERVER_SHUTDOWN_TIMEOUT", "15s")
	viper.SetDefault("MODEL_BACKEND", BackendONNX)
	viper.SetDefault("MODEL_ARTIFACT_PATH", "models/shelfscan.onnx")
	viper.SetDefault("MODEL_SERVING_URL", "http://tf-serving:8501")
	viper.SetDefault("MODEL_SERVING_NAME", "shelfscan")
	viper.SetDefault("MODEL_REQUEST_TIMEOUT", "30s")
	viper.SetDefault("REDIS_ADDR", "redis:6379")
	viper.SetDefault("REDIS_RESULT_TTL", "5m")
	viper.SetDefault("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=shelfscan port=5432 sslmode=disable")

	viper.AutomaticEnv()

	cfg := &Config{
		Server: ServerConfig{
			Addr:            viper.GetString("SERVER_ADDR"),
			ShutdownTimeout: viper.GetDuration("SERVER_SHUTDOWN_TIMEOUT"),
		},
		Model: ModelConfig{
			Backend:        viper.GetString("MODEL_BACKEND"),
			ArtifactPath:   viper.GetString("MODEL_ARTIFACT_PATH"),
			ServingURL:     viper.GetString("MODEL_SERVING_URL"),
			ServingName:    viper.GetString("MODEL_SERVING_NAME"),
			RequestTimeout: viper.GetDuration("MODEL_REQUEST_TIMEOUT"),
		},
		Redis: RedisConfig{
			Addr:      viper.GetString("REDIS_ADDR"),
			ResultTTL: viper.GetDuration("REDIS_RESULT_TTL"),
		},
		DB: DBConfig{
			DSN: viper.GetString("DATABASE_DSN"),
		},
	}

	if cfg.Model.Backend != BackendONNX && cfg.Model.Backend != BackendServing {
		return nil, fmt.Errorf("unknown model backend %q", cfg.Model.Backend)
	}

	return cfg, nil
}
