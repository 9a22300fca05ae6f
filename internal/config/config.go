package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Database struct {
		Primary struct {
			// DSN for PostgreSQL. Empty means the in-memory store, which is
			// fine for local runs and tests but loses state on restart.
			DSN string
		}
	}

	Redis struct {
		Address  string
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	}

	Server struct {
		Address string `mapstructure:"address"`
	}

	Worker struct {
		Concurrency int            `mapstructure:"concurrency"`
		Queues      map[string]int `mapstructure:"queues"`
	}

	Orchestrator struct {
		MaxTaskRetries          int    `mapstructure:"max_task_retries"`
		BatchConcurrency        int    `mapstructure:"batch_concurrency"`
		DefaultQueueLimit       int    `mapstructure:"default_queue_limit"`
		HeartbeatTimeoutSeconds int    `mapstructure:"heartbeat_timeout_seconds"`
		ProcessQueuesCron       string `mapstructure:"process_queues_cron"`
		ReapWorkersCron         string `mapstructure:"reap_workers_cron"`
	}
}

func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	viper.AutomaticEnv()
	viper.BindEnv("database.primary.dsn", "TAXFLOW_DATABASE_DSN")
	viper.BindEnv("redis.address", "TAXFLOW_REDIS_ADDRESS")
	viper.BindEnv("redis.password", "TAXFLOW_REDIS_PASSWORD")
	viper.BindEnv("server.address", "TAXFLOW_SERVER_ADDRESS")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		// Missing config file is fine; defaults and env vars carry a local
		// run. Any other read error is fatal.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("worker.concurrency", 10)
	viper.SetDefault("worker.queues", map[string]int{"default": 1})
	viper.SetDefault("orchestrator.max_task_retries", 3)
	viper.SetDefault("orchestrator.batch_concurrency", 4)
	viper.SetDefault("orchestrator.default_queue_limit", 10)
	viper.SetDefault("orchestrator.heartbeat_timeout_seconds", 90)
	viper.SetDefault("orchestrator.process_queues_cron", "@every 1m")
	viper.SetDefault("orchestrator.reap_workers_cron", "@every 2m")
}
