package rabbitmq

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/solvia/executor/internal/repository/dto"
)

type fakeAck struct {
	acks    int
	rejects int
	requeue bool
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error { a.acks++; return nil }
func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	return nil
}
func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	a.rejects++
	a.requeue = requeue
	return nil
}

type fakeRunner struct {
	req     *dto.ExecutionRequest
	results []dto.ExecutionResult
	err     error
}

func (r *fakeRunner) Run(ctx context.Context, req *dto.ExecutionRequest) ([]dto.ExecutionResult, error) {
	r.req = req
	return r.results, r.err
}

type emptyStore struct{}

func (emptyStore) GetPayload(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.Errorf("no such key %s", key)
}
func (emptyStore) GetPayloads(ctx context.Context, keys []string) ([][]byte, error) {
	return nil, errors.New("no keys")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(r *fakeRunner) *Handler {
	return NewHandler(HandlerConfig{WorkersCount: 1}, r, emptyStore{}, quietLogger())
}

func TestHandleJob(t *testing.T) {
	r := &fakeRunner{results: []dto.ExecutionResult{{Status: dto.StatusSuccess}}}
	h := newTestHandler(r)
	ack := &fakeAck{}

	h.handle(amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		Body:         []byte(`{"id": "job-1", "language": "python", "source": "print(1)", "inputs": ["a"]}`),
	})

	if r.req == nil {
		t.Fatal("runner never called")
	}
	if r.req.Language != "python" || r.req.Source != "print(1)" {
		t.Errorf("request %+v", r.req)
	}
	if ack.acks != 1 || ack.rejects != 0 {
		t.Errorf("acks %d rejects %d", ack.acks, ack.rejects)
	}
}

func TestHandleUnparseableJob(t *testing.T) {
	r := &fakeRunner{}
	h := newTestHandler(r)
	ack := &fakeAck{}

	h.handle(amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte("not json")})

	if r.req != nil {
		t.Error("runner called for garbage")
	}
	if ack.rejects != 1 || ack.acks != 0 {
		t.Errorf("acks %d rejects %d", ack.acks, ack.rejects)
	}
	if ack.requeue {
		t.Error("garbage requeued")
	}
}

func TestHandleRunnerRejection(t *testing.T) {
	// A runner error means the job was answered with a failure report;
	// the delivery must be acked, not requeued into a retry loop.
	r := &fakeRunner{err: errors.New("language not found")}
	h := newTestHandler(r)
	ack := &fakeAck{}

	h.handle(amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		Body:         []byte(`{"id": "job-2", "language": "cobol", "source": "x"}`),
	})

	if ack.acks != 1 || ack.rejects != 0 {
		t.Errorf("acks %d rejects %d", ack.acks, ack.rejects)
	}
}

func TestHandleMissingPayload(t *testing.T) {
	r := &fakeRunner{}
	h := newTestHandler(r)
	ack := &fakeAck{}

	h.handle(amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		Body:         []byte(`{"id": "job-3", "language": "python", "source_key": "gone"}`),
	})

	if r.req != nil {
		t.Error("runner called without payloads")
	}
	if ack.acks != 1 {
		t.Errorf("acks %d", ack.acks)
	}
}

func TestNewHandlerDefaults(t *testing.T) {
	h := NewHandler(HandlerConfig{}, &fakeRunner{}, emptyStore{}, nil)
	if h.cfg.WorkersCount <= 0 {
		t.Errorf("workers %d", h.cfg.WorkersCount)
	}
	if h.closed() {
		t.Error("fresh handler reports closed")
	}
}

func TestCloseWithoutStart(t *testing.T) {
	h := newTestHandler(&fakeRunner{})
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if !h.closed() {
		t.Error("closed handler reports open")
	}
}
