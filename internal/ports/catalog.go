package ports

import (
	"context"

	"github.com/nimafallahian/catalog-relay/internal/domain"
)

// Catalog defines the system boundary for applying catalog mutations to a
// backend such as a STAC transaction API or a search index.
type Catalog interface {
	// Apply executes ops in order as one unit. A nil error means every
	// operation was confirmed by the backend; any error fails the whole batch.
	Apply(ctx context.Context, ops []domain.Operation) error
}
