package billing

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/medicore/clinic/internal/domain/revenue"
	"github.com/medicore/clinic/internal/platform/auth"
	"github.com/medicore/clinic/internal/platform/telemetry"
	"github.com/medicore/clinic/pkg/apperr"
)

const instrumentation = "github.com/medicore/clinic/billing"

// Ledger receives revenue deltas for approved invoices.
type Ledger interface {
	AddRevenue(ctx context.Context, clinicID, invoiceID uuid.UUID, amount int64, reason revenue.Reason) (*revenue.Month, error)
	SubtractRevenue(ctx context.Context, clinicID, invoiceID uuid.UUID, amount int64, reason revenue.Reason) (*revenue.Month, error)
}

// SessionActivator releases a teleconsultation that was waiting on payment.
type SessionActivator interface {
	ActivateForAppointment(ctx context.Context, appointmentID uuid.UUID) (bool, error)
}

type Service struct {
	invoices  InvoiceRepository
	ledger    Ledger
	sessions  SessionActivator
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	failures  metric.Int64Counter
	approvals metric.Int64Counter
}

func NewService(invoices InvoiceRepository, logger zerolog.Logger) *Service {
	return &Service{
		invoices:  invoices,
		logger:    logger.With().Str("component", "billing").Logger(),
		tracer:    otel.Tracer(instrumentation),
		now:       time.Now,
		failures:  telemetry.Counter(instrumentation, "billing.ledger_failures", "ledger updates that failed after an invoice transition"),
		approvals: telemetry.Counter(instrumentation, "billing.transitions", "invoice status transitions"),
	}
}

func (s *Service) SetLedger(l Ledger) { s.ledger = l }

func (s *Service) SetSessionActivator(a SessionActivator) { s.sessions = a }

func (s *Service) SetClock(now func() time.Time) { s.now = now }

// -- Authorization --

// canManage admits clinic admins and the clinic's own staff.
func canManage(actor auth.Actor, clinicID uuid.UUID) bool {
	if actor.AdministersClinic(clinicID.String()) {
		return true
	}
	return actor.HasRole(auth.RoleStaff) && actor.ClinicID == clinicID.String()
}

func canView(actor auth.Actor, inv *Invoice) bool {
	if canManage(actor, inv.ClinicID) {
		return true
	}
	return actor.HasRole(auth.RolePatient) && actor.UserID == inv.PatientID.String()
}

// -- Operations --

func (s *Service) CreateInvoice(ctx context.Context, actor auth.Actor, req CreateRequest) (*Invoice, error) {
	if req.ClinicID == uuid.Nil || req.PatientID == uuid.Nil {
		return nil, apperr.InvalidInput("clinic_id and patient_id are required")
	}
	if req.Amount <= 0 {
		return nil, apperr.InvalidInput("amount must be positive")
	}
	if !canManage(actor, req.ClinicID) {
		return nil, apperr.Unauthorized("cannot bill for clinic %s", req.ClinicID)
	}
	status := req.Status
	if status == "" {
		status = StatusDraft
	}
	if status != StatusDraft && status != StatusSent {
		return nil, apperr.InvalidInput("new invoices start as draft or sent, not %s", status)
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "INR"
	}
	if len(currency) != 3 {
		return nil, apperr.InvalidInput("currency must be a three letter code")
	}

	inv := &Invoice{
		ClinicID:      req.ClinicID,
		PatientID:     req.PatientID,
		AppointmentID: req.AppointmentID,
		Amount:        req.Amount,
		Currency:      currency,
		Status:        status,
	}
	if err := s.invoices.Create(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Service) GetInvoice(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Invoice, error) {
	inv, err := s.invoices.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canView(actor, inv) {
		return nil, apperr.Unauthorized("cannot view invoice %s", id)
	}
	return inv, nil
}

// ListInvoices pins patients to their own invoices and clinic staff to
// their clinic.
func (s *Service) ListInvoices(ctx context.Context, actor auth.Actor, f Filter, limit, offset int) ([]*Invoice, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apperr.InvalidInput("unknown invoice status %q", f.Status)
	}
	if !actor.HasRole(auth.RoleAdmin) {
		switch {
		case actor.HasRole(auth.RoleClinicAdmin), actor.HasRole(auth.RoleStaff):
			clinicID, err := uuid.Parse(actor.ClinicID)
			if err != nil {
				return nil, 0, apperr.Unauthorized("no clinic assigned")
			}
			f.ClinicID = &clinicID
		default:
			patientID, err := uuid.Parse(actor.UserID)
			if err != nil {
				return nil, 0, apperr.Unauthorized("patient identity is not a valid id")
			}
			f.PatientID = &patientID
		}
	}
	return s.invoices.List(ctx, f, limit, offset)
}

// UpdateStatus applies one invoice transition. Revenue and session side
// effects run after the transition is stored; their failures are logged
// and never undo it.
func (s *Service) UpdateStatus(ctx context.Context, actor auth.Actor, id uuid.UUID, to Status) (*Invoice, error) {
	ctx, span := s.tracer.Start(ctx, "billing.UpdateStatus")
	defer span.End()

	if !to.Valid() {
		return nil, apperr.InvalidInput("unknown invoice status %q", to)
	}
	inv, err := s.invoices.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canManage(actor, inv.ClinicID) {
		return nil, apperr.Unauthorized("cannot change invoice %s", id)
	}
	from := inv.Status
	if !from.CanTransitionTo(to) {
		return nil, apperr.InvalidTransition("invoice %s cannot move from %s to %s", id, from, to)
	}

	var approvedAt *time.Time
	if to == StatusApproved {
		now := s.now().UTC()
		approvedAt = &now
	}
	updated, err := s.invoices.UpdateStatus(ctx, id, from, to, approvedAt)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("from", string(from)), attribute.String("to", string(to)))
	s.approvals.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(to))))

	switch {
	case to == StatusApproved:
		s.recordRevenue(ctx, updated, revenue.ActionAdd, revenue.ReasonApproved)
		s.activateSession(ctx, updated)
	case from == StatusApproved && to == StatusRejected:
		s.recordRevenue(ctx, updated, revenue.ActionSubtract, revenue.ReasonRejected)
	case from == StatusApproved && to == StatusCancelled:
		s.recordRevenue(ctx, updated, revenue.ActionSubtract, revenue.ReasonCancelled)
	}
	return updated, nil
}

func (s *Service) recordRevenue(ctx context.Context, inv *Invoice, action revenue.Action, reason revenue.Reason) {
	if s.ledger == nil {
		return
	}
	var err error
	if action == revenue.ActionAdd {
		_, err = s.ledger.AddRevenue(ctx, inv.ClinicID, inv.ID, inv.Amount, reason)
	} else {
		_, err = s.ledger.SubtractRevenue(ctx, inv.ClinicID, inv.ID, inv.Amount, reason)
	}
	if err != nil {
		s.failures.Add(ctx, 1)
		s.logger.Error().Err(err).
			Str("invoice_id", inv.ID.String()).
			Str("clinic_id", inv.ClinicID.String()).
			Str("action", string(action)).
			Int64("amount", inv.Amount).
			Msg("revenue ledger update failed; reconciliation will repair it")
	}
}

func (s *Service) activateSession(ctx context.Context, inv *Invoice) {
	if s.sessions == nil || inv.AppointmentID == nil {
		return
	}
	activated, err := s.sessions.ActivateForAppointment(ctx, *inv.AppointmentID)
	if err != nil {
		s.logger.Error().Err(err).
			Str("invoice_id", inv.ID.String()).
			Str("appointment_id", inv.AppointmentID.String()).
			Msg("teleconsultation activation failed")
		return
	}
	if activated {
		s.logger.Info().Str("appointment_id", inv.AppointmentID.String()).Msg("teleconsultation activated by payment")
	}
}
