package config

import (
	"os"
	"runtime"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	LogLevel string `env:"LOG_LEVEL" env-default:"info"`

	// RunnerBackend selects the isolation implementation, "bwrap" or
	// "container".
	RunnerBackend  string `env:"RUNNER_BACKEND" env-default:"bwrap"`
	LanguagesPath  string `env:"LANGUAGES_PATH" env-default:"./languages"`
	WorkspaceRoot  string `env:"WORKSPACE_ROOT" env-default:""`
	InstancesCount int    `env:"INSTANCES_COUNT" env-default:"0"`
	BwrapPath      string `env:"BWRAP_PATH" env-default:"bwrap"`
	TimePath       string `env:"TIME_PATH" env-default:"/usr/bin/time"`

	MinIOHost     string `env:"MINIO_HOST" env-default:"127.0.0.1:9000"`
	MinIOLogin    string `env:"MINIO_LOGIN" env-required:"true"`
	MinIOPassword string `env:"MINIO_PASSWORD" env-required:"true"`
	MinIOBucket   string `env:"MINIO_BUCKET" env-default:"payloads"`

	RabbitMQHost     string `env:"RABBIT_HOST" env-default:"127.0.0.1"`
	RabbitMQPort     int    `env:"RABBIT_PORT" env-default:"5672"`
	RabbitMQUser     string `env:"RABBIT_USER" env-required:"true"`
	RabbitMQPassword string `env:"RABBIT_PASSWORD" env-required:"true"`
	RequestQueue     string `env:"RABBIT_REQUEST_QUEUE" env-default:"exec-requests"`
	ResponseQueue    string `env:"RABBIT_RESPONSE_QUEUE" env-default:"exec-responses"`

	WorkersCount int `env:"WORKERS_COUNT" env-default:"0"`
}

func NewConfig() (*Config, error) {
	cfg := &Config{}

	err := cleanenv.ReadConfig(".env", cfg)
	if os.IsNotExist(err) {
		err = cleanenv.ReadEnv(cfg)
	}
	if err != nil {
		return nil, err
	}
	if cfg.WorkersCount <= 0 {
		cfg.WorkersCount = runtime.NumCPU()
	}
	if cfg.InstancesCount <= 0 {
		cfg.InstancesCount = runtime.NumCPU()
	}

	return cfg, nil
}
