package revenue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medicore/clinic/pkg/apperr"
)

type monthKey struct {
	clinic      uuid.UUID
	year, month int
}

type memRepo struct {
	mu        sync.Mutex
	months    map[monthKey]*Month
	entries   []Entry
	failApply error
}

func newMemRepo() *memRepo {
	return &memRepo{months: make(map[monthKey]*Month)}
}

func (r *memRepo) Apply(_ context.Context, d Delta) (*Month, *Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failApply != nil {
		return nil, nil, r.failApply
	}
	key := monthKey{d.ClinicID, d.Year, d.Month}
	m, ok := r.months[key]
	if !ok {
		m = &Month{ID: uuid.New(), ClinicID: d.ClinicID, Year: d.Year, Month: d.Month}
		r.months[key] = m
	}
	m.TotalRevenue += d.Action.sign() * d.Amount
	m.InvoiceCount += int(d.Action.sign())
	m.LastUpdated = d.At
	e := Entry{ID: uuid.New(), RevenueID: m.ID, InvoiceID: d.InvoiceID, Amount: d.Amount,
		Action: d.Action, Reason: d.Reason, CreatedAt: d.At}
	r.entries = append(r.entries, e)
	cp := *m
	return &cp, &e, nil
}

func (r *memRepo) Get(_ context.Context, clinicID uuid.UUID, year, month int) (*Month, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.months[monthKey{clinicID, year, month}]
	if !ok {
		return nil, apperr.NotFound("revenue %04d-%02d: not found", year, month)
	}
	cp := *m
	return &cp, nil
}

func (r *memRepo) ListYear(_ context.Context, clinicID uuid.UUID, year int) ([]*Month, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Month
	for k, m := range r.months {
		if k.clinic == clinicID && k.year == year {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRepo) Entries(_ context.Context, revenueID uuid.UUID) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Entry{}
	for _, e := range r.entries {
		if e.RevenueID == revenueID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memRepo) NetByInvoice(_ context.Context, clinicID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wanted := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	rowClinic := make(map[uuid.UUID]uuid.UUID)
	for k, m := range r.months {
		rowClinic[m.ID] = k.clinic
	}
	net := make(map[uuid.UUID]int64)
	for _, e := range r.entries {
		if wanted[e.InvoiceID] && rowClinic[e.RevenueID] == clinicID {
			net[e.InvoiceID] += e.Action.sign() * e.Amount
		}
	}
	return net, nil
}

// signedSum folds the stored entries of one row.
func (r *memRepo) signedSum(revenueID uuid.UUID) (int64, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	var count int
	for _, e := range r.entries {
		if e.RevenueID == revenueID {
			total += e.Action.sign() * e.Amount
			count += int(e.Action.sign())
		}
	}
	return total, count
}

// recordingTx runs fn directly and records lock keys. A Lock on a key that
// is already held fails, which is what an overlapping run would block on.
type recordingTx struct {
	mu    sync.Mutex
	held  map[string]bool
	locks []string
}

func newRecordingTx() *recordingTx {
	return &recordingTx{held: make(map[string]bool)}
}

type txLocksKey struct{}

func (t *recordingTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	var taken []string
	err := fn(context.WithValue(ctx, txLocksKey{}, &taken))
	t.mu.Lock()
	for _, k := range taken {
		delete(t.held, k)
	}
	t.mu.Unlock()
	return err
}

func (t *recordingTx) Lock(ctx context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.held[key] {
		return fmt.Errorf("lock %s already held", key)
	}
	t.held[key] = true
	t.locks = append(t.locks, key)
	if taken, ok := ctx.Value(txLocksKey{}).(*[]string); ok {
		*taken = append(*taken, key)
	}
	return nil
}

func (t *recordingTx) isHeld(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.held[key]
}

type approvedInvoice struct {
	InvoiceState
	approvedAt time.Time
}

type memInvoices struct {
	items []approvedInvoice
}

func (m *memInvoices) add(clinicID uuid.UUID, amount int64, status string, approvedAt time.Time) uuid.UUID {
	id := uuid.New()
	m.items = append(m.items, approvedInvoice{
		InvoiceState: InvoiceState{ID: id, ClinicID: clinicID, Amount: amount, Status: status},
		approvedAt:   approvedAt,
	})
	return id
}

func (m *memInvoices) setStatus(id uuid.UUID, status string) {
	for i := range m.items {
		if m.items[i].ID == id {
			m.items[i].Status = status
		}
	}
}

func (m *memInvoices) ApprovedBetween(_ context.Context, clinicID uuid.UUID, from, to time.Time) ([]InvoiceState, error) {
	var out []InvoiceState
	for _, inv := range m.items {
		if inv.ClinicID == clinicID && !inv.approvedAt.Before(from) && inv.approvedAt.Before(to) {
			out = append(out, inv.InvoiceState)
		}
	}
	return out, nil
}

func (m *memInvoices) ClinicsApprovedBetween(_ context.Context, from, to time.Time) ([]uuid.UUID, error) {
	seen := map[uuid.UUID]bool{}
	var out []uuid.UUID
	for _, inv := range m.items {
		if !inv.approvedAt.Before(from) && inv.approvedAt.Before(to) && !seen[inv.ClinicID] {
			seen[inv.ClinicID] = true
			out = append(out, inv.ClinicID)
		}
	}
	return out, nil
}

var (
	clinicA  = uuid.MustParse("0b6f6c1e-7d1a-4a4e-9a55-1f3c2e0a9d11")
	clinicB  = uuid.MustParse("7c0e2b5a-3f4d-4c1b-8e6a-2d9f1b0c3e22")
	fixedNow = time.Date(2031, time.November, 14, 10, 30, 0, 0, time.UTC)
)

func newTestService() (*Service, *memRepo, *memInvoices) {
	repo := newMemRepo()
	invoices := &memInvoices{}
	svc := NewService(repo, newRecordingTx(), zerolog.Nop())
	svc.SetInvoiceSource(invoices)
	svc.SetClock(func() time.Time { return fixedNow })
	return svc, repo, invoices
}
