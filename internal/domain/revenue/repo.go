package revenue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Apply upserts the month row and appends the entry in one statement.
	Apply(ctx context.Context, d Delta) (*Month, *Entry, error)
	Get(ctx context.Context, clinicID uuid.UUID, year, month int) (*Month, error)
	ListYear(ctx context.Context, clinicID uuid.UUID, year int) ([]*Month, error)
	Entries(ctx context.Context, revenueID uuid.UUID) ([]Entry, error)
	// NetByInvoice sums signed entry amounts per invoice across all months.
	NetByInvoice(ctx context.Context, clinicID uuid.UUID, invoiceIDs []uuid.UUID) (map[uuid.UUID]int64, error)
}

// InvoiceSource exposes invoices approved within [from, to).
type InvoiceSource interface {
	ApprovedBetween(ctx context.Context, clinicID uuid.UUID, from, to time.Time) ([]InvoiceState, error)
	ClinicsApprovedBetween(ctx context.Context, from, to time.Time) ([]uuid.UUID, error)
}
