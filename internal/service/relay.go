package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nimafallahian/catalog-relay/internal/domain"
	"github.com/nimafallahian/catalog-relay/internal/logger"
	"github.com/nimafallahian/catalog-relay/internal/ports"
)

// State is the position of a Relay in its consumption cycle.
type State int32

const (
	StateIdle State = iota
	StateAwaitingBatch
	StateDecoding
	StateForwarding
	StateCommitting
	StateRewinding
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaitingBatch:
		return "AWAITING_BATCH"
	case StateDecoding:
		return "DECODING"
	case StateForwarding:
		return "FORWARDING"
	case StateCommitting:
		return "COMMITTING"
	case StateRewinding:
		return "REWINDING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options tunes a Relay.
type Options struct {
	BatchSize   int
	PollTimeout time.Duration

	// ShutdownGrace bounds how long a batch in flight when the run context
	// ends may keep going before it is cancelled.
	ShutdownGrace time.Duration

	Logger *slog.Logger
}

// Relay moves change events from the log to a catalog one batch at a time.
// A batch is committed only after every operation in it was applied; any
// failure rewinds the log to the start of the batch so it is delivered again.
type Relay struct {
	log     ports.LogSource
	catalog ports.Catalog
	opts    Options
	logger  *slog.Logger

	state    atomic.Int32
	failures int
}

// NewRelay constructs a new Relay.
func NewRelay(log ports.LogSource, catalog ports.Catalog, opts Options) *Relay {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 5 * time.Second
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 30 * time.Second
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Relay{
		log:     log,
		catalog: catalog,
		opts:    opts,
		logger:  l,
	}
}

// State reports the current state. It is safe to call from any goroutine.
func (r *Relay) State() State {
	return State(r.state.Load())
}

func (r *Relay) setState(s State) {
	r.state.Store(int32(s))
}

// Run consumes batches until ctx ends or the log fails unrecoverably. A
// cancelled ctx yields a nil error; a fatal log error is returned wrapped in
// domain.ErrFatalLog.
func (r *Relay) Run(ctx context.Context) error {
	defer r.setState(StateStopped)

	for {
		if ctx.Err() != nil {
			r.logger.Info("relay stopped")
			return nil
		}

		r.setState(StateAwaitingBatch)
		msgs, err := r.log.Poll(ctx, r.opts.BatchSize, r.opts.PollTimeout)
		if err != nil && !errors.Is(err, domain.ErrLogRead) {
			if ctx.Err() != nil {
				continue
			}
			r.logger.Error("log poll failed", "error", err)
			return fatal("poll", err)
		}

		if len(msgs) == 0 {
			if err != nil {
				r.logger.Warn("log read failed before any message arrived", "error", err)
			}
			continue
		}

		if herr := r.handleBatch(ctx, msgs, err); herr != nil {
			return herr
		}
	}
}

// handleBatch runs one batch to a commit or a rewind. The work runs on a
// context detached from ctx so that a shutdown lets the batch finish within
// the grace period.
func (r *Relay) handleBatch(ctx context.Context, msgs []domain.RawMessage, readErr error) error {
	work, cancel := r.workContext(logger.WithBatchID(ctx, uuid.NewString()))
	defer cancel()

	r.logger.InfoContext(work, "batch received", "messages", len(msgs))

	err := readErr
	if err == nil {
		err = r.forward(work, msgs)
	}

	if err == nil {
		r.setState(StateCommitting)
		if cerr := r.log.Commit(work, msgs); cerr != nil {
			if errors.Is(cerr, domain.ErrPartitionsRevoked) {
				r.logger.WarnContext(work, "partitions revoked before commit, batch will be redelivered", "error", cerr)
				return nil
			}
			r.logger.ErrorContext(work, "commit failed", "error", cerr)
			return fatal("commit", cerr)
		}
		r.failures = 0
		r.logger.InfoContext(work, "batch committed", "messages", len(msgs), "positions", positions(domain.NextOffsets(msgs)))
		return nil
	}

	r.failures++
	r.setState(StateRewinding)
	r.logger.WarnContext(work, "batch failed, rewinding",
		"error", err,
		"consecutive_failures", r.failures,
		"positions", positions(domain.FirstOffsets(msgs)),
	)
	if rerr := r.log.Rewind(work, msgs); rerr != nil {
		if errors.Is(rerr, domain.ErrPartitionsRevoked) {
			r.logger.WarnContext(work, "partitions revoked before rewind, batch will be redelivered", "error", rerr)
			return nil
		}
		if ctx.Err() != nil {
			// Nothing from this batch was committed, so it is redelivered
			// after a restart anyway.
			r.logger.WarnContext(work, "rewind abandoned during shutdown", "error", rerr)
			return nil
		}
		r.logger.ErrorContext(work, "rewind failed", "error", rerr)
		return fatal("rewind", rerr)
	}
	return nil
}

// forward decodes every message and applies the resulting operations as one
// unit. A single undecodable message fails the batch before any backend call.
func (r *Relay) forward(ctx context.Context, msgs []domain.RawMessage) error {
	r.setState(StateDecoding)
	batch, err := decodeBatch(msgs)
	if err != nil {
		r.logger.ErrorContext(ctx, "undecodable message in batch", "error", err)
		return err
	}

	ops := make([]domain.Operation, 0, len(batch.Events))
	for i, env := range batch.Events {
		op := domain.Dispatch(env)
		if op.Kind == domain.OpUnhandled {
			m := batch.Messages[i]
			r.logger.WarnContext(ctx, "unhandled event, skipping",
				"reason", op.Reason,
				"topic", m.Topic,
				"partition", m.Partition,
				"offset", m.Offset,
				"event_id", env.Metadata.EventID,
			)
			continue
		}
		ops = append(ops, op)
	}
	if len(ops) == 0 {
		return nil
	}

	r.setState(StateForwarding)
	return r.catalog.Apply(ctx, ops)
}

func decodeBatch(msgs []domain.RawMessage) (domain.Batch, error) {
	batch := domain.Batch{Messages: msgs, Events: make([]domain.Envelope, 0, len(msgs))}
	for _, m := range msgs {
		env, err := domain.Decode(m.Value)
		if err != nil {
			var derr *domain.DecodeError
			if errors.As(err, &derr) {
				derr.Offset = m.Offset
			}
			return domain.Batch{}, err
		}
		batch.Events = append(batch.Events, env)
	}
	return batch, nil
}

func (r *Relay) workContext(ctx context.Context) (context.Context, context.CancelFunc) {
	work, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
		}
		r.logger.WarnContext(work, "shutdown requested, finishing batch", "grace", r.opts.ShutdownGrace)

		t := time.NewTimer(r.opts.ShutdownGrace)
		defer t.Stop()
		select {
		case <-done:
		case <-t.C:
			cancel()
		}
	}()

	return work, func() {
		close(done)
		cancel()
	}
}

func fatal(op string, err error) error {
	if errors.Is(err, domain.ErrFatalLog) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrFatalLog, op, err)
}

func positions(offsets map[domain.TopicPartition]int64) map[string]int64 {
	out := make(map[string]int64, len(offsets))
	for tp, off := range offsets {
		out[fmt.Sprintf("%s/%d", tp.Topic, tp.Partition)] = off
	}
	return out
}
