package billing

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/medicore/clinic/internal/domain/revenue"
)

type InvoiceRepository interface {
	Create(ctx context.Context, inv *Invoice) error
	GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Invoice, int, error)
	// UpdateStatus moves the invoice only if it is still in from, so each
	// transition happens once.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, approvedAt *time.Time) (*Invoice, error)

	revenue.InvoiceSource
}
