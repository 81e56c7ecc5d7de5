/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the shared pipeline configuration. Resolution order
// is defaults, then an optional YAML file, then environment variables, so a
// container deployment can override any single knob without a file edit.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Database holds relational store connection settings.
type Database struct {
	Host        string `yaml:"host" validate:"required"`
	Port        int    `yaml:"port" validate:"gt=0,lte=65535"`
	Name        string `yaml:"name" validate:"required"`
	User        string `yaml:"user" validate:"required"`
	Password    string `yaml:"password"`
	UsePostgres bool   `yaml:"use_postgres"`
	SQLitePath  string `yaml:"sqlite_path" validate:"required"`
}

// DSN renders the PostgreSQL connection string.
func (d Database) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		d.Host, d.Port, d.Name, d.User, d.Password)
}

// Redis holds the queue/cache substrate settings.
type Redis struct {
	Host string `yaml:"host" validate:"required"`
	Port int    `yaml:"port" validate:"gt=0,lte=65535"`
	DB   int    `yaml:"db" validate:"gte=0"`
}

// Addr renders host:port for the go-redis client.
func (r Redis) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Drift holds drift-detection tuning.
type Drift struct {
	Threshold     float64       `yaml:"threshold" validate:"gt=0,lt=1"`
	WindowSize    int           `yaml:"window_size" validate:"gt=0"`
	MinSamples    int           `yaml:"min_samples" validate:"gt=0"`
	CheckInterval time.Duration `yaml:"check_interval" validate:"gt=0"`
}

// Model holds trainer hyperparameters.
type Model struct {
	LearningRate float64 `yaml:"learning_rate" validate:"gt=0"`
	Epochs       int     `yaml:"epochs" validate:"gt=0"`
	CVFolds      int     `yaml:"cv_folds" validate:"gte=2"`
	Seed         int64   `yaml:"seed"`
}

// Service holds per-service listen ports and paths.
type Service struct {
	IngestionPort    int    `yaml:"ingestion_port" validate:"gt=0,lte=65535"`
	PredictionPort   int    `yaml:"prediction_port" validate:"gt=0,lte=65535"`
	DriftMonitorPort int    `yaml:"drift_monitor_port" validate:"gt=0,lte=65535"`
	RetrainingPort   int    `yaml:"retraining_port" validate:"gt=0,lte=65535"`
	ModelsDir        string `yaml:"models_dir" validate:"required"`
}

// Config is the root configuration shared by all four services.
type Config struct {
	Database Database `yaml:"database"`
	Redis    Redis    `yaml:"redis"`
	Drift    Drift    `yaml:"drift"`
	Model    Model    `yaml:"model"`
	Service  Service  `yaml:"service"`
	Debug    bool     `yaml:"debug"`
}

// Default returns the built-in configuration, matching the documented
// defaults (service ports 8001-8004, drift 0.05/1000/100/5m).
func Default() *Config {
	return &Config{
		Database: Database{
			Host:       "localhost",
			Port:       5432,
			Name:       "ml_pipeline",
			User:       "postgres",
			Password:   "postgres",
			SQLitePath: "data/pipeline.db",
		},
		Redis: Redis{
			Host: "localhost",
			Port: 6379,
		},
		Drift: Drift{
			Threshold:     0.05,
			WindowSize:    1000,
			MinSamples:    100,
			CheckInterval: 5 * time.Minute,
		},
		Model: Model{
			LearningRate: 0.1,
			Epochs:       200,
			CVFolds:      5,
			Seed:         42,
		},
		Service: Service{
			IngestionPort:    8001,
			PredictionPort:   8002,
			DriftMonitorPort: 8003,
			RetrainingPort:   8004,
			ModelsDir:        "models",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty), and finally the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString(&c.Database.Host, "DB_HOST")
	envInt(&c.Database.Port, "DB_PORT")
	envString(&c.Database.Name, "DB_NAME")
	envString(&c.Database.User, "DB_USER")
	envString(&c.Database.Password, "DB_PASSWORD")
	envBool(&c.Database.UsePostgres, "USE_POSTGRES")
	envString(&c.Database.SQLitePath, "SQLITE_PATH")

	envString(&c.Redis.Host, "REDIS_HOST")
	envInt(&c.Redis.Port, "REDIS_PORT")
	envInt(&c.Redis.DB, "REDIS_DB")

	envInt(&c.Service.IngestionPort, "INGESTION_PORT")
	envInt(&c.Service.PredictionPort, "PREDICTION_PORT")
	envInt(&c.Service.DriftMonitorPort, "DRIFT_MONITOR_PORT")
	envInt(&c.Service.RetrainingPort, "RETRAINING_PORT")
	envString(&c.Service.ModelsDir, "MODELS_DIR")

	envBool(&c.Debug, "DEBUG")
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
