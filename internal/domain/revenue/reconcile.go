package revenue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medicore/clinic/pkg/apperr"
)

func monthBounds(year, month int) (time.Time, time.Time) {
	from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 1, 0)
}

// Reconcile compares the ledger with the invoices approved in the given
// month. Invoices still approved or paid must net to their amount; invoices
// rejected or cancelled after approval must net to zero. Each gap becomes
// an adjustment entry on that month's row.
//
// A clinic-month is reconciled by one caller at a time, so an HTTP request
// and the scheduled job never both insert the same adjustment.
func (s *Service) Reconcile(ctx context.Context, clinicID uuid.UUID, year, month int) (*Report, error) {
	ctx, span := s.tracer.Start(ctx, "revenue.Reconcile")
	defer span.End()

	if s.invoices == nil {
		return nil, apperr.InvalidInput("reconciliation is not configured")
	}
	if month < 1 || month > 12 {
		return nil, apperr.InvalidInput("invalid month %d", month)
	}
	report := &Report{ClinicID: clinicID, Year: year, Month: month, Adjustments: []Entry{}}
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.tx.Lock(ctx, reconcileLockKey(clinicID, year, month)); err != nil {
			return err
		}
		return s.reconcileMonth(ctx, report)
	})
	if err != nil {
		span.RecordError(err)
		// Adjustments made before the failure were rolled back with it.
		report.Adjustments = []Entry{}
		return report, err
	}
	for _, e := range report.Adjustments {
		s.logger.Warn().
			Str("clinic_id", clinicID.String()).
			Str("invoice_id", e.InvoiceID.String()).
			Str("action", string(e.Action)).
			Int64("amount", e.Amount).
			Msg("ledger adjusted")
	}
	return report, nil
}

func reconcileLockKey(clinicID uuid.UUID, year, month int) string {
	return fmt.Sprintf("revenue:%s:%04d-%02d", clinicID, year, month)
}

// reconcileMonth fills report; it runs under the clinic-month lock.
func (s *Service) reconcileMonth(ctx context.Context, report *Report) error {
	from, to := monthBounds(report.Year, report.Month)
	invoices, err := s.invoices.ApprovedBetween(ctx, report.ClinicID, from, to)
	if err != nil {
		return err
	}
	ids := make([]uuid.UUID, 0, len(invoices))
	for _, inv := range invoices {
		ids = append(ids, inv.ID)
	}
	net, err := s.repo.NetByInvoice(ctx, report.ClinicID, ids)
	if err != nil {
		return err
	}

	report.Checked = len(invoices)
	for _, inv := range invoices {
		var want int64
		if inv.Counted() {
			want = inv.Amount
		}
		gap := want - net[inv.ID]
		if gap == 0 {
			continue
		}
		d := Delta{
			ClinicID:  report.ClinicID,
			InvoiceID: inv.ID,
			Year:      report.Year,
			Month:     report.Month,
			Amount:    gap,
			Action:    ActionAdd,
			Reason:    ReasonAdjustment,
			At:        s.now().UTC(),
		}
		if gap < 0 {
			d.Amount, d.Action = -gap, ActionSubtract
		}
		_, entry, err := s.repo.Apply(ctx, d)
		if err != nil {
			return err
		}
		report.Adjustments = append(report.Adjustments, *entry)
	}
	return nil
}

// ReconcileAll reconciles every clinic with approvals in the month. A
// failing clinic does not stop the others; all failures are joined.
func (s *Service) ReconcileAll(ctx context.Context, year, month int) ([]*Report, error) {
	if s.invoices == nil {
		return nil, apperr.InvalidInput("reconciliation is not configured")
	}
	if month < 1 || month > 12 {
		return nil, apperr.InvalidInput("invalid month %d", month)
	}
	from, to := monthBounds(year, month)
	clinics, err := s.invoices.ClinicsApprovedBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	var reports []*Report
	var errs []error
	for _, id := range clinics {
		r, err := s.Reconcile(ctx, id, year, month)
		if err != nil {
			s.logger.Error().Err(err).Str("clinic_id", id.String()).Msg("reconciliation failed")
			errs = append(errs, err)
			continue
		}
		reports = append(reports, r)
	}
	return reports, errors.Join(errs...)
}
