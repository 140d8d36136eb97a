package expiry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/kirinyoku/raffle-go/internal/domain"
)

const (
	TypeExpireHold = "hold:expire"
	TypeSweepHolds = "hold:sweep"

	QueueExpiry = "expiry"
)

type sweepPayload struct {
	Limit int `json:"limit"`
}

func expireTaskID(g domain.HoldGroup) string {
	return "expire:" + g.Key()
}

// TaskScheduler arms hold expiry as asynq tasks processed at the deadline,
// so expiry survives restarts and runs on any worker.
type TaskScheduler struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	queue     string
}

func NewTaskScheduler(client *asynq.Client, inspector *asynq.Inspector) *TaskScheduler {
	return &TaskScheduler{client: client, inspector: inspector, queue: QueueExpiry}
}

func (s *TaskScheduler) Schedule(ctx context.Context, g domain.HoldGroup) error {
	const op = "service.expiry.TaskScheduler.Schedule"

	payload, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	_, err = s.client.EnqueueContext(ctx,
		asynq.NewTask(TypeExpireHold, payload),
		asynq.ProcessAt(g.ExpiresAt),
		asynq.TaskID(expireTaskID(g)),
		asynq.Queue(s.queue),
		asynq.MaxRetry(10),
		asynq.Retention(time.Hour),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

func (s *TaskScheduler) Cancel(ctx context.Context, g domain.HoldGroup) error {
	const op = "service.expiry.TaskScheduler.Cancel"

	err := s.inspector.DeleteTask(s.queue, expireTaskID(g))
	if err != nil && !errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// Handlers process expiry tasks on an asynq server.
type Handlers struct {
	expirer    *Expirer
	logger     *slog.Logger
	sweepLimit int
}

func NewHandlers(e *Expirer, logger *slog.Logger, sweepLimit int) *Handlers {
	return &Handlers{expirer: e, logger: logger, sweepLimit: sweepLimit}
}

func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeExpireHold, h.HandleExpireHold)
	mux.HandleFunc(TypeSweepHolds, h.HandleSweepHolds)
}

func (h *Handlers) HandleExpireHold(ctx context.Context, t *asynq.Task) error {
	var g domain.HoldGroup
	if err := json.Unmarshal(t.Payload(), &g); err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", TypeExpireHold, err, asynq.SkipRetry)
	}

	// ErrNotElapsed and storage errors are retried by asynq.
	_, err := h.expirer.Expire(ctx, g)
	return err
}

func (h *Handlers) HandleSweepHolds(ctx context.Context, t *asynq.Task) error {
	limit := h.sweepLimit
	if len(t.Payload()) > 0 {
		var p sweepPayload
		if err := json.Unmarshal(t.Payload(), &p); err == nil && p.Limit > 0 {
			limit = p.Limit
		}
	}

	_, err := h.expirer.Sweep(ctx, limit)
	return err
}

// RegisterSweep adds the periodic sweep to an asynq scheduler.
func RegisterSweep(s *asynq.Scheduler, cronspec string, limit int) (string, error) {
	payload, err := json.Marshal(sweepPayload{Limit: limit})
	if err != nil {
		return "", err
	}

	return s.Register(cronspec, asynq.NewTask(TypeSweepHolds, payload), asynq.Queue(QueueExpiry))
}
