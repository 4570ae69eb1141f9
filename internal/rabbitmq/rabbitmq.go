// Package rabbitmq consumes execution jobs from a request queue and
// publishes one report per job to a response queue.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/solvia/executor/internal/mappers"
	"github.com/solvia/executor/internal/repository/models"
	"github.com/solvia/executor/internal/runner"
)

const reconnectDelay = 15 * time.Second

type HandlerConfig struct {
	Login         string
	Password      string
	Host          string
	Port          int
	RequestQueue  string
	ResponseQueue string
	WorkersCount  int
}

// Handler ties the queue to a runner: deliveries fan out to a fixed
// worker pool, every job is answered exactly once, and the connection
// re-establishes itself after broker restarts without respawning
// workers.
type Handler struct {
	cfg    HandlerConfig
	runner runner.Runner
	store  mappers.PayloadStore
	log    *slog.Logger

	conn         *amqp.Connection
	producerChan *amqp.Channel

	jobs       chan amqp.Delivery
	done       chan struct{}
	listenerWG sync.WaitGroup
	workerWG   sync.WaitGroup

	mu sync.Mutex
}

func NewHandler(cfg HandlerConfig, r runner.Runner, store mappers.PayloadStore, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if cfg.WorkersCount <= 0 {
		cfg.WorkersCount = runtime.NumCPU()
	}
	return &Handler{
		cfg:    cfg,
		runner: r,
		store:  store,
		log:    log,
		jobs:   make(chan amqp.Delivery, cfg.WorkersCount),
		done:   make(chan struct{}),
	}
}

func (h *Handler) Start() error {
	if err := h.connect(); err != nil {
		return err
	}
	for i := 0; i < h.cfg.WorkersCount; i++ {
		h.workerWG.Add(1)
		go h.worker()
	}
	h.log.Info("queue handler started",
		slog.String("request_queue", h.cfg.RequestQueue),
		slog.Int("workers", h.cfg.WorkersCount))
	return nil
}

// Close stops consuming, waits for in-flight jobs to finish and their
// reports to be published.
func (h *Handler) Close() error {
	close(h.done)
	if h.conn != nil {
		h.conn.Close()
	}
	h.listenerWG.Wait()
	close(h.jobs)
	h.workerWG.Wait()
	return nil
}

func (h *Handler) connect() error {
	url := fmt.Sprintf("amqp://%s:%s@%s:%d", h.cfg.Login, h.cfg.Password, h.cfg.Host, h.cfg.Port)
	conn, err := amqp.Dial(url)
	if err != nil {
		return errors.Wrap(err, "dial broker")
	}
	h.conn = conn

	if err := h.startConsumer(); err != nil {
		return errors.Wrap(err, "start consumer")
	}
	if err := h.startProducer(); err != nil {
		return errors.Wrap(err, "start producer")
	}

	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go h.reconnect(notify)
	return nil
}

func (h *Handler) startConsumer() error {
	channel, err := h.conn.Channel()
	if err != nil {
		return err
	}
	queue, err := channel.QueueDeclare(h.cfg.RequestQueue, true, false, false, false, nil)
	if err != nil {
		return err
	}
	deliveries, err := channel.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	h.listenerWG.Add(1)
	go h.listener(deliveries)
	return nil
}

func (h *Handler) startProducer() error {
	channel, err := h.conn.Channel()
	if err != nil {
		return err
	}
	if _, err := channel.QueueDeclare(h.cfg.ResponseQueue, true, false, false, false, nil); err != nil {
		return err
	}
	h.mu.Lock()
	h.producerChan = channel
	h.mu.Unlock()
	return nil
}

func (h *Handler) reconnect(notify chan *amqp.Error) {
	amqpErr := <-notify
	if amqpErr == nil || h.closed() {
		return
	}
	h.log.Warn("broker connection lost", slog.String("error", amqpErr.Error()))
	for {
		if h.closed() {
			return
		}
		err := h.connect()
		if err == nil {
			h.log.Info("broker connection restored")
			return
		}
		h.log.Error("reconnect failed", slog.String("error", err.Error()))
		time.Sleep(reconnectDelay)
	}
}

func (h *Handler) closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Handler) listener(deliveries <-chan amqp.Delivery) {
	defer h.listenerWG.Done()
	for d := range deliveries {
		select {
		case h.jobs <- d:
		case <-h.done:
			return
		}
	}
}

func (h *Handler) worker() {
	defer h.workerWG.Done()
	for d := range h.jobs {
		h.handle(d)
	}
}

func (h *Handler) handle(d amqp.Delivery) {
	var job models.ExecutionJob
	if err := json.Unmarshal(d.Body, &job); err != nil {
		h.log.Error("dropping unparseable job", slog.String("error", err.Error()))
		_ = d.Reject(false)
		return
	}

	h.log.Info("job received",
		slog.String("id", job.Id),
		slog.String("language", job.Language))

	ctx := context.Background()
	req, err := mappers.JobToRequest(ctx, h.store, &job)
	if err != nil {
		h.log.Error("job payload unavailable",
			slog.String("id", job.Id), slog.String("error", err.Error()))
		h.send(mappers.FailureReport(job.Id, err))
		_ = d.Ack(false)
		return
	}

	results, err := h.runner.Run(ctx, req)
	if err != nil {
		h.log.Error("job rejected by runner",
			slog.String("id", job.Id), slog.String("error", err.Error()))
		h.send(mappers.FailureReport(job.Id, err))
		_ = d.Ack(false)
		return
	}

	report := mappers.ResultsToReport(job.Id, results)
	h.log.Info("job finished",
		slog.String("id", job.Id), slog.String("status", report.Status))
	h.send(report)
	_ = d.Ack(false)
}

func (h *Handler) send(report *models.ExecutionReport) {
	body, err := json.Marshal(report)
	if err != nil {
		h.log.Error("failed to encode report", slog.String("id", report.Id), slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	channel := h.producerChan
	h.mu.Unlock()
	if channel == nil || h.closed() {
		return
	}

	err = channel.Publish("", h.cfg.ResponseQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    report.Id,
		Body:         body,
	})
	if err != nil {
		h.log.Error("failed to publish report", slog.String("id", report.Id), slog.String("error", err.Error()))
	}
}
