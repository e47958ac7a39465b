package ports

import (
	"context"
	"time"

	"github.com/nimafallahian/catalog-relay/internal/domain"
)

// LogSource is the system boundary to the durable log. Implementations are
// used by a single consumption loop and need not be goroutine-safe.
type LogSource interface {
	// Poll returns up to max messages, waiting at most wait for them. An empty
	// result with a nil error means nothing arrived in time. A per-message read
	// problem is reported by wrapping domain.ErrLogRead, possibly alongside the
	// messages read before it; any other error is fatal.
	Poll(ctx context.Context, max int, wait time.Duration) ([]domain.RawMessage, error)

	// Commit synchronously advances the consumer position past the last
	// message of every partition in msgs. If this consumer no longer owns
	// the partitions the error wraps domain.ErrPartitionsRevoked and the
	// batch is redelivered by the next Poll or by another consumer.
	Commit(ctx context.Context, msgs []domain.RawMessage) error

	// Rewind resets the consumer position to the first message of every
	// partition in msgs, so the next Poll redelivers them. Revocation is
	// reported as for Commit.
	Rewind(ctx context.Context, msgs []domain.RawMessage) error

	Close() error
}
