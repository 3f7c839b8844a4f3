// Package revenue keeps the per-clinic monthly revenue ledger. Every change
// is an appended entry; the monthly totals are the running fold of those
// entries.
package revenue

import (
	"time"

	"github.com/google/uuid"
)

type Action string

const (
	ActionAdd      Action = "add"
	ActionSubtract Action = "subtract"
)

// sign is the direction the action moves the totals.
func (a Action) sign() int64 {
	if a == ActionSubtract {
		return -1
	}
	return 1
}

type Reason string

const (
	ReasonApproved   Reason = "approved"
	ReasonRejected   Reason = "rejected"
	ReasonCancelled  Reason = "cancelled"
	ReasonAdjustment Reason = "adjustment"
)

func (r Reason) Valid() bool {
	switch r {
	case ReasonApproved, ReasonRejected, ReasonCancelled, ReasonAdjustment:
		return true
	}
	return false
}

// Month is one (clinic, year, month) ledger row.
type Month struct {
	ID           uuid.UUID `json:"id"`
	ClinicID     uuid.UUID `json:"clinic_id"`
	Year         int       `json:"year"`
	Month        int       `json:"month"`
	TotalRevenue int64     `json:"total_revenue"`
	InvoiceCount int       `json:"invoice_count"`
	LastUpdated  time.Time `json:"last_updated"`
	Entries      []Entry   `json:"entries,omitempty"`
}

type Entry struct {
	ID        uuid.UUID `json:"id"`
	RevenueID uuid.UUID `json:"revenue_id"`
	InvoiceID uuid.UUID `json:"invoice_id"`
	Amount    int64     `json:"amount"`
	Action    Action    `json:"action"`
	Reason    Reason    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Delta is a single ledger mutation. Amount is always positive; Action
// carries the sign.
type Delta struct {
	ClinicID  uuid.UUID
	InvoiceID uuid.UUID
	Year      int
	Month     int
	Amount    int64
	Action    Action
	Reason    Reason
	At        time.Time
}

// Summary is the headline figure for one month.
type Summary struct {
	Year       int    `json:"year"`
	Month      int    `json:"month"`
	MonthLabel string `json:"month_label"`
	Total      int64  `json:"total"`
	Count      int    `json:"count"`
}

// InvoiceState is what reconciliation needs to know about an invoice.
type InvoiceState struct {
	ID       uuid.UUID
	ClinicID uuid.UUID
	Amount   int64
	Status   string
}

// Counted reports whether the invoice should currently contribute revenue.
func (s InvoiceState) Counted() bool {
	return s.Status == "approved" || s.Status == "paid"
}

// Report describes one reconciliation pass.
type Report struct {
	ClinicID    uuid.UUID `json:"clinic_id"`
	Year        int       `json:"year"`
	Month       int       `json:"month"`
	Checked     int       `json:"checked"`
	Adjustments []Entry   `json:"adjustments"`
}

// MonthLabel renders a ledger month as "November 2031".
func MonthLabel(year, month int) string {
	return time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC).Format("January 2006")
}
