package revenue

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medicore/clinic/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const monthCols = `id, clinic_id, year, month, total_revenue, invoice_count, last_updated`

func scanMonth(row pgx.Row) (*Month, error) {
	var m Month
	err := row.Scan(&m.ID, &m.ClinicID, &m.Year, &m.Month, &m.TotalRevenue, &m.InvoiceCount, &m.LastUpdated)
	return &m, err
}

// applySQL folds the delta into the month row and appends the entry as a
// single data-modifying statement, so concurrent writers never lose an
// increment.
const applySQL = `
WITH upsert AS (
	INSERT INTO monthly_revenue (clinic_id, year, month, total_revenue, invoice_count, last_updated)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (clinic_id, year, month) DO UPDATE SET
		total_revenue = monthly_revenue.total_revenue + EXCLUDED.total_revenue,
		invoice_count = monthly_revenue.invoice_count + EXCLUDED.invoice_count,
		last_updated = EXCLUDED.last_updated
	RETURNING ` + monthCols + `
), entry AS (
	INSERT INTO revenue_entry (revenue_id, invoice_id, amount, action, reason, created_at)
	SELECT id, $7, $8, $9, $10, $6 FROM upsert
	RETURNING id, created_at
)
SELECT u.id, u.clinic_id, u.year, u.month, u.total_revenue, u.invoice_count, u.last_updated, e.id, e.created_at
FROM upsert u, entry e`

func (r *repoPG) Apply(ctx context.Context, d Delta) (*Month, *Entry, error) {
	sign := d.Action.sign()
	var m Month
	e := Entry{InvoiceID: d.InvoiceID, Amount: d.Amount, Action: d.Action, Reason: d.Reason}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, applySQL,
		d.ClinicID, d.Year, d.Month, sign*d.Amount, sign, d.At,
		d.InvoiceID, d.Amount, d.Action, d.Reason,
	).Scan(&m.ID, &m.ClinicID, &m.Year, &m.Month, &m.TotalRevenue, &m.InvoiceCount, &m.LastUpdated, &e.ID, &e.CreatedAt)
	if err != nil {
		return nil, nil, db.Classify(err, fmt.Sprintf("apply revenue %s for invoice %s", d.Action, d.InvoiceID))
	}
	e.RevenueID = m.ID
	return &m, &e, nil
}

func (r *repoPG) Get(ctx context.Context, clinicID uuid.UUID, year, month int) (*Month, error) {
	m, err := scanMonth(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+monthCols+` FROM monthly_revenue WHERE clinic_id = $1 AND year = $2 AND month = $3`,
		clinicID, year, month))
	if err != nil {
		return nil, db.Classify(err, fmt.Sprintf("revenue %04d-%02d", year, month))
	}
	return m, nil
}

func (r *repoPG) ListYear(ctx context.Context, clinicID uuid.UUID, year int) ([]*Month, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+monthCols+` FROM monthly_revenue WHERE clinic_id = $1 AND year = $2 ORDER BY month`,
		clinicID, year)
	if err != nil {
		return nil, db.Classify(err, "list revenue")
	}
	defer rows.Close()
	items := []*Month{}
	for rows.Next() {
		m, err := scanMonth(rows)
		if err != nil {
			return nil, db.Classify(err, "scan revenue")
		}
		items = append(items, m)
	}
	return items, db.Classify(rows.Err(), "list revenue")
}

func (r *repoPG) Entries(ctx context.Context, revenueID uuid.UUID) ([]Entry, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, revenue_id, invoice_id, amount, action, reason, created_at
		FROM revenue_entry WHERE revenue_id = $1
		ORDER BY created_at, id`, revenueID)
	if err != nil {
		return nil, db.Classify(err, "list revenue entries")
	}
	defer rows.Close()
	items := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.RevenueID, &e.InvoiceID, &e.Amount, &e.Action, &e.Reason, &e.CreatedAt); err != nil {
			return nil, db.Classify(err, "scan revenue entry")
		}
		items = append(items, e)
	}
	return items, db.Classify(rows.Err(), "list revenue entries")
}

func (r *repoPG) NetByInvoice(ctx context.Context, clinicID uuid.UUID, invoiceIDs []uuid.UUID) (map[uuid.UUID]int64, error) {
	net := make(map[uuid.UUID]int64, len(invoiceIDs))
	if len(invoiceIDs) == 0 {
		return net, nil
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT e.invoice_id,
			SUM(CASE WHEN e.action = 'add' THEN e.amount ELSE -e.amount END)::bigint
		FROM revenue_entry e
		JOIN monthly_revenue m ON m.id = e.revenue_id
		WHERE m.clinic_id = $1 AND e.invoice_id = ANY($2)
		GROUP BY e.invoice_id`, clinicID, invoiceIDs)
	if err != nil {
		return nil, db.Classify(err, "sum revenue entries")
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		var sum int64
		if err := rows.Scan(&id, &sum); err != nil {
			return nil, db.Classify(err, "scan revenue sum")
		}
		net[id] = sum
	}
	return net, db.Classify(rows.Err(), "sum revenue entries")
}
