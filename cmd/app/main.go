package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/pkg/errors"

	"github.com/solvia/executor/internal/config"
	"github.com/solvia/executor/internal/files"
	"github.com/solvia/executor/internal/rabbitmq"
	"github.com/solvia/executor/internal/runner"
	"github.com/solvia/executor/internal/runner/bwrap"
	"github.com/solvia/executor/internal/runner/sandbox"
)

func panicErr(err error) {
	if err != nil {
		panic(err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelWarn
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.TimeOnly,
	}))
	slog.SetDefault(log)
	return log
}

func newRunner(cfg *config.Config, log *slog.Logger) (runner.Runner, func() error, error) {
	switch cfg.RunnerBackend {
	case "bwrap":
		r, err := bwrap.New(bwrap.Config{
			WorkspaceRoot: cfg.WorkspaceRoot,
			Instances:     cfg.InstancesCount,
			LanguagesDir:  cfg.LanguagesPath,
			BwrapPath:     cfg.BwrapPath,
			TimePath:      cfg.TimePath,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	case "container":
		r, err := sandbox.New(sandbox.Config{
			PoolSize:     cfg.InstancesCount,
			LanguagesDir: cfg.LanguagesPath,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	default:
		return nil, nil, errors.Errorf("unknown runner backend %q", cfg.RunnerBackend)
	}
}

func main() {
	cfg, err := config.NewConfig()
	panicErr(err)
	log := newLogger(cfg.LogLevel)

	run, closeRunner, err := newRunner(cfg, log)
	panicErr(err)

	storage, err := files.NewFileStorage(files.Config{
		Url:      cfg.MinIOHost,
		Login:    cfg.MinIOLogin,
		Password: cfg.MinIOPassword,
		Bucket:   cfg.MinIOBucket,
	})
	panicErr(err)

	listener := rabbitmq.NewHandler(rabbitmq.HandlerConfig{
		Login:         cfg.RabbitMQUser,
		Password:      cfg.RabbitMQPassword,
		Host:          cfg.RabbitMQHost,
		Port:          cfg.RabbitMQPort,
		RequestQueue:  cfg.RequestQueue,
		ResponseQueue: cfg.ResponseQueue,
		WorkersCount:  cfg.WorkersCount,
	}, run, storage, log)
	panicErr(listener.Start())
	log.Info("app started", slog.String("backend", cfg.RunnerBackend))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	listener.Close()
	if err := closeRunner(); err != nil {
		log.Warn("runner shutdown", slog.String("error", err.Error()))
	}
}
