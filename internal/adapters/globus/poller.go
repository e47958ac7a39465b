package globus

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Terminal task states reported by the search service. Every other state
// (PENDING, PROGRESS, ...) means the task is still running.
const (
	TaskSuccess = "SUCCESS"
	TaskFailed  = "FAILED"
)

var errTaskPending = errors.New("task not finished")

// TaskStatusGetter reads the state of an ingestion task.
type TaskStatusGetter interface {
	TaskState(ctx context.Context, taskID string) (string, error)
}

// Poller waits for ingestion tasks to reach a terminal state.
type Poller struct {
	tasks    TaskStatusGetter
	interval time.Duration
	logger   *slog.Logger
}

// NewPoller returns a Poller that checks task status every interval,
// defaulting to one second.
func NewPoller(tasks TaskStatusGetter, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{tasks: tasks, interval: interval, logger: logger}
}

// Await polls the task every interval, with no limit on attempts, until it
// succeeds (true) or fails (false). A status request error or ctx ending stops
// the wait with an error.
func (p *Poller) Await(ctx context.Context, taskID string) (bool, error) {
	var (
		succeeded bool
		polls     int
	)
	op := func() error {
		polls++
		state, err := p.tasks.TaskState(ctx, taskID)
		if err != nil {
			return backoff.Permanent(err)
		}
		switch state {
		case TaskSuccess:
			succeeded = true
			return nil
		case TaskFailed:
			return nil
		default:
			p.logger.DebugContext(ctx, "ingestion task pending", "task_id", taskID, "state", state, "polls", polls)
			return errTaskPending
		}
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(p.interval), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return false, err
	}
	if !succeeded {
		p.logger.ErrorContext(ctx, "ingestion task failed", "task_id", taskID, "polls", polls)
	}
	return succeeded, nil
}
