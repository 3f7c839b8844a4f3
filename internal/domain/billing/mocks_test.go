package billing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medicore/clinic/internal/domain/revenue"
	"github.com/medicore/clinic/internal/platform/auth"
	"github.com/medicore/clinic/pkg/apperr"
)

// =========== Invoice repository ===========

type mockInvoiceRepo struct {
	mu    sync.Mutex
	store map[uuid.UUID]*Invoice
}

func newMockInvoiceRepo() *mockInvoiceRepo {
	return &mockInvoiceRepo{store: make(map[uuid.UUID]*Invoice)}
}

func (m *mockInvoiceRepo) Create(_ context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv.ID = uuid.New()
	inv.CreatedAt = time.Now()
	inv.UpdatedAt = inv.CreatedAt
	cp := *inv
	m.store[inv.ID] = &cp
	return nil
}

func (m *mockInvoiceRepo) GetByID(_ context.Context, id uuid.UUID) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.store[id]
	if !ok {
		return nil, apperr.NotFound("invoice %s: not found", id)
	}
	cp := *inv
	return &cp, nil
}

func (m *mockInvoiceRepo) List(_ context.Context, f Filter, limit, offset int) ([]*Invoice, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Invoice
	for _, inv := range m.store {
		if f.ClinicID != nil && inv.ClinicID != *f.ClinicID {
			continue
		}
		if f.PatientID != nil && inv.PatientID != *f.PatientID {
			continue
		}
		if f.Status != "" && inv.Status != f.Status {
			continue
		}
		cp := *inv
		out = append(out, &cp)
	}
	total := len(out)
	if offset >= total {
		return []*Invoice{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (m *mockInvoiceRepo) UpdateStatus(_ context.Context, id uuid.UUID, from, to Status, approvedAt *time.Time) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.store[id]
	if !ok || inv.Status != from {
		return nil, apperr.InvalidTransition("invoice %s is no longer %s", id, from)
	}
	inv.Status = to
	if approvedAt != nil {
		at := *approvedAt
		inv.ApprovedAt = &at
	}
	cp := *inv
	return &cp, nil
}

func (m *mockInvoiceRepo) ApprovedBetween(_ context.Context, clinicID uuid.UUID, from, to time.Time) ([]revenue.InvoiceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []revenue.InvoiceState
	for _, inv := range m.store {
		if inv.ClinicID != clinicID || inv.ApprovedAt == nil {
			continue
		}
		if inv.ApprovedAt.Before(from) || !inv.ApprovedAt.Before(to) {
			continue
		}
		out = append(out, revenue.InvoiceState{ID: inv.ID, ClinicID: inv.ClinicID, Amount: inv.Amount, Status: string(inv.Status)})
	}
	return out, nil
}

func (m *mockInvoiceRepo) ClinicsApprovedBetween(_ context.Context, from, to time.Time) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[uuid.UUID]bool{}
	var out []uuid.UUID
	for _, inv := range m.store {
		if inv.ApprovedAt == nil || inv.ApprovedAt.Before(from) || !inv.ApprovedAt.Before(to) || seen[inv.ClinicID] {
			continue
		}
		seen[inv.ClinicID] = true
		out = append(out, inv.ClinicID)
	}
	return out, nil
}

// =========== Ledger store ===========

type ledgerKey struct {
	clinic      uuid.UUID
	year, month int
}

type memLedgerRepo struct {
	mu      sync.Mutex
	rows    map[ledgerKey]*revenue.Month
	entries []revenue.Entry
}

func newMemLedgerRepo() *memLedgerRepo {
	return &memLedgerRepo{rows: make(map[ledgerKey]*revenue.Month)}
}

func (r *memLedgerRepo) Apply(_ context.Context, d revenue.Delta) (*revenue.Month, *revenue.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := ledgerKey{d.ClinicID, d.Year, d.Month}
	m, ok := r.rows[key]
	if !ok {
		m = &revenue.Month{ID: uuid.New(), ClinicID: d.ClinicID, Year: d.Year, Month: d.Month}
		r.rows[key] = m
	}
	sign := int64(1)
	if d.Action == revenue.ActionSubtract {
		sign = -1
	}
	m.TotalRevenue += sign * d.Amount
	m.InvoiceCount += int(sign)
	m.LastUpdated = d.At
	e := revenue.Entry{ID: uuid.New(), RevenueID: m.ID, InvoiceID: d.InvoiceID, Amount: d.Amount,
		Action: d.Action, Reason: d.Reason, CreatedAt: d.At}
	r.entries = append(r.entries, e)
	cp := *m
	return &cp, &e, nil
}

func (r *memLedgerRepo) Get(_ context.Context, clinicID uuid.UUID, year, month int) (*revenue.Month, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[ledgerKey{clinicID, year, month}]
	if !ok {
		return nil, apperr.NotFound("revenue: not found")
	}
	cp := *m
	return &cp, nil
}

func (r *memLedgerRepo) ListYear(_ context.Context, clinicID uuid.UUID, year int) ([]*revenue.Month, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*revenue.Month
	for k, m := range r.rows {
		if k.clinic == clinicID && k.year == year {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memLedgerRepo) Entries(_ context.Context, revenueID uuid.UUID) ([]revenue.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []revenue.Entry{}
	for _, e := range r.entries {
		if e.RevenueID == revenueID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memLedgerRepo) NetByInvoice(_ context.Context, _ uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wanted := map[uuid.UUID]bool{}
	for _, id := range ids {
		wanted[id] = true
	}
	net := map[uuid.UUID]int64{}
	for _, e := range r.entries {
		if !wanted[e.InvoiceID] {
			continue
		}
		if e.Action == revenue.ActionSubtract {
			net[e.InvoiceID] -= e.Amount
		} else {
			net[e.InvoiceID] += e.Amount
		}
	}
	return net, nil
}

// flakyLedger fails while down is set and otherwise forwards to the real
// ledger.
type flakyLedger struct {
	next  *revenue.Service
	down  bool
	calls int
}

var errLedgerDown = apperr.StoreUnavailable(errors.New("connection reset"), "apply revenue")

func (l *flakyLedger) AddRevenue(ctx context.Context, clinicID, invoiceID uuid.UUID, amount int64, reason revenue.Reason) (*revenue.Month, error) {
	l.calls++
	if l.down {
		return nil, errLedgerDown
	}
	return l.next.AddRevenue(ctx, clinicID, invoiceID, amount, reason)
}

func (l *flakyLedger) SubtractRevenue(ctx context.Context, clinicID, invoiceID uuid.UUID, amount int64, reason revenue.Reason) (*revenue.Month, error) {
	l.calls++
	if l.down {
		return nil, errLedgerDown
	}
	return l.next.SubtractRevenue(ctx, clinicID, invoiceID, amount, reason)
}

// =========== Sessions ===========

type fakeActivator struct {
	activated []uuid.UUID
	err       error
}

func (f *fakeActivator) ActivateForAppointment(_ context.Context, appointmentID uuid.UUID) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.activated = append(f.activated, appointmentID)
	return true, nil
}

// =========== Fixture ===========

var (
	testClinic  = uuid.MustParse("3d1c8f0a-52b7-4e0c-9a61-6b2f7e4d9c10")
	testPatient = uuid.MustParse("9a4e2c7b-1f3d-4b8a-8c5e-0d6f2a1b3c44")
	approvalDay = time.Date(2031, time.November, 3, 11, 0, 0, 0, time.UTC)
)

// passTx runs fn without a transaction.
type passTx struct{}

func (passTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

func (passTx) Lock(context.Context, string) error { return nil }

type fixture struct {
	svc       *Service
	invoices  *mockInvoiceRepo
	ledger    *flakyLedger
	revenue   *revenue.Service
	activator *fakeActivator
}

func newFixture() *fixture {
	invoices := newMockInvoiceRepo()
	rev := revenue.NewService(newMemLedgerRepo(), passTx{}, zerolog.Nop())
	rev.SetInvoiceSource(invoices)
	rev.SetClock(func() time.Time { return approvalDay })

	ledger := &flakyLedger{next: rev}
	activator := &fakeActivator{}
	svc := NewService(invoices, zerolog.Nop())
	svc.SetLedger(ledger)
	svc.SetSessionActivator(activator)
	svc.SetClock(func() time.Time { return approvalDay })
	return &fixture{svc: svc, invoices: invoices, ledger: ledger, revenue: rev, activator: activator}
}

func staffActor() auth.Actor {
	return auth.Actor{UserID: uuid.NewString(), Roles: []string{auth.RoleStaff}, ClinicID: testClinic.String()}
}

func patientActor() auth.Actor {
	return auth.Actor{UserID: testPatient.String(), Roles: []string{auth.RolePatient}}
}

// sentInvoice creates an invoice already sent to the patient.
func (f *fixture) sentInvoice(amount int64, appointmentID *uuid.UUID) *Invoice {
	inv, err := f.svc.CreateInvoice(context.Background(), staffActor(), CreateRequest{
		ClinicID:      testClinic,
		PatientID:     testPatient,
		AppointmentID: appointmentID,
		Amount:        amount,
		Status:        StatusSent,
	})
	if err != nil {
		panic(err)
	}
	return inv
}
