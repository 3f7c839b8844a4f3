package revenue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/medicore/clinic/internal/platform/db"
	"github.com/medicore/clinic/internal/platform/telemetry"
	"github.com/medicore/clinic/pkg/apperr"
)

const instrumentation = "github.com/medicore/clinic/revenue"

// Service is the ledger. Months are keyed by the UTC calendar month of the
// moment a delta is recorded.
type Service struct {
	repo     Repository
	invoices InvoiceSource
	tx       db.Transactor
	logger   zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	updates metric.Int64Counter
}

func NewService(repo Repository, tx db.Transactor, logger zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		tx:      tx,
		logger:  logger.With().Str("component", "revenue").Logger(),
		tracer:  otel.Tracer(instrumentation),
		now:     time.Now,
		updates: telemetry.Counter(instrumentation, "revenue.ledger_updates", "ledger entries appended"),
	}
}

func (s *Service) SetInvoiceSource(src InvoiceSource) { s.invoices = src }

func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) AddRevenue(ctx context.Context, clinicID, invoiceID uuid.UUID, amount int64, reason Reason) (*Month, error) {
	return s.apply(ctx, clinicID, invoiceID, amount, ActionAdd, reason)
}

func (s *Service) SubtractRevenue(ctx context.Context, clinicID, invoiceID uuid.UUID, amount int64, reason Reason) (*Month, error) {
	return s.apply(ctx, clinicID, invoiceID, amount, ActionSubtract, reason)
}

func (s *Service) apply(ctx context.Context, clinicID, invoiceID uuid.UUID, amount int64, action Action, reason Reason) (*Month, error) {
	ctx, span := s.tracer.Start(ctx, "revenue."+string(action))
	defer span.End()

	if clinicID == uuid.Nil || invoiceID == uuid.Nil {
		return nil, apperr.InvalidInput("clinic and invoice are required")
	}
	if amount <= 0 {
		return nil, apperr.InvalidInput("amount must be positive, got %d", amount)
	}
	if !reason.Valid() {
		return nil, apperr.InvalidInput("unknown revenue reason %q", reason)
	}

	now := s.now().UTC()
	m, _, err := s.repo.Apply(ctx, Delta{
		ClinicID:  clinicID,
		InvoiceID: invoiceID,
		Year:      now.Year(),
		Month:     int(now.Month()),
		Amount:    amount,
		Action:    action,
		Reason:    reason,
		At:        now,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.updates.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", string(action)),
		attribute.String("reason", string(reason)),
	))
	s.logger.Info().
		Str("clinic_id", clinicID.String()).
		Str("invoice_id", invoiceID.String()).
		Str("action", string(action)).
		Int64("amount", amount).
		Int64("total", m.TotalRevenue).
		Msg("revenue updated")
	return m, nil
}

func (s *Service) summary(ctx context.Context, clinicID uuid.UUID, year, month int) (Summary, error) {
	out := Summary{Year: year, Month: month, MonthLabel: MonthLabel(year, month)}
	m, err := s.repo.Get(ctx, clinicID, year, month)
	if apperr.Is(err, apperr.KindNotFound) {
		return out, nil
	}
	if err != nil {
		return Summary{}, err
	}
	out.Total, out.Count = m.TotalRevenue, m.InvoiceCount
	return out, nil
}

// CurrentMonth reports this month's running total. A month with no
// activity reads as zero.
func (s *Service) CurrentMonth(ctx context.Context, clinicID uuid.UUID) (Summary, error) {
	now := s.now().UTC()
	return s.summary(ctx, clinicID, now.Year(), int(now.Month()))
}

// PreviousMonth returns last month's total.
func (s *Service) PreviousMonth(ctx context.Context, clinicID uuid.UUID) (int64, error) {
	sum, err := s.PreviousMonthSummary(ctx, clinicID)
	return sum.Total, err
}

func (s *Service) PreviousMonthSummary(ctx context.Context, clinicID uuid.UUID) (Summary, error) {
	now := s.now().UTC()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
	return s.summary(ctx, clinicID, first.Year(), int(first.Month()))
}

// YearlyBreakdown always returns twelve entries, January first.
func (s *Service) YearlyBreakdown(ctx context.Context, clinicID uuid.UUID, year int) ([]Summary, error) {
	if year < 1970 || year > 9999 {
		return nil, apperr.InvalidInput("invalid year %d", year)
	}
	rows, err := s.repo.ListYear(ctx, clinicID, year)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 12)
	for i := range out {
		out[i] = Summary{Year: year, Month: i + 1, MonthLabel: MonthLabel(year, i+1)}
	}
	for _, m := range rows {
		if m.Month < 1 || m.Month > 12 {
			continue
		}
		out[m.Month-1].Total = m.TotalRevenue
		out[m.Month-1].Count = m.InvoiceCount
	}
	return out, nil
}

// GetMonth returns the ledger row with its entries.
func (s *Service) GetMonth(ctx context.Context, clinicID uuid.UUID, year, month int) (*Month, error) {
	if month < 1 || month > 12 {
		return nil, apperr.InvalidInput("invalid month %d", month)
	}
	m, err := s.repo.Get(ctx, clinicID, year, month)
	if err != nil {
		return nil, err
	}
	if m.Entries, err = s.repo.Entries(ctx, m.ID); err != nil {
		return nil, err
	}
	return m, nil
}
