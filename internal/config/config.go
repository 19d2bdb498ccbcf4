package config

import (
	"fmt"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN        string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL        string `env:"RABBITMQ_URL,required=true"`
	RedisURL           string `env:"REDIS_URL,required=true"`
	WebhookBaseURL     string `env:"WEBHOOK_BASE_URL,required=true"`
	PolicyPath         string `env:"POLICY_PATH"`
	Channels           string `env:"CHANNELS,default=email,sms,slack,voice"`
	SLAThresholdMillis int    `env:"SLA_THRESHOLD_MILLIS,default=5000"`
	ExpiryScanSeconds  int    `env:"EXPIRY_SCAN_SECONDS,default=5"`
	WorkerConcurrency  int    `env:"WORKER_CONCURRENCY,default=16"`
	APIPort            int    `env:"API_PORT,default=8080"`
	LogLevel           string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}
