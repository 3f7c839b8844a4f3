package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medicore/clinic/internal/domain/revenue"
	"github.com/medicore/clinic/internal/platform/db"
	"github.com/medicore/clinic/pkg/apperr"
)

type invoiceRepoPG struct{ pool *pgxpool.Pool }

func NewInvoiceRepoPG(pool *pgxpool.Pool) InvoiceRepository { return &invoiceRepoPG{pool: pool} }

const invCols = `id, clinic_id, patient_id, appointment_id, amount, currency, status, approved_at, created_at, updated_at`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.ClinicID, &inv.PatientID, &inv.AppointmentID, &inv.Amount, &inv.Currency,
		&inv.Status, &inv.ApprovedAt, &inv.CreatedAt, &inv.UpdatedAt)
	return &inv, err
}

func (r *invoiceRepoPG) Create(ctx context.Context, inv *Invoice) error {
	inv.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO invoice (id, clinic_id, patient_id, appointment_id, amount, currency, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at, updated_at`,
		inv.ID, inv.ClinicID, inv.PatientID, inv.AppointmentID, inv.Amount, inv.Currency, inv.Status,
	).Scan(&inv.CreatedAt, &inv.UpdatedAt)
	return db.Classify(err, "create invoice")
}

func (r *invoiceRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := scanInvoice(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+invCols+` FROM invoice WHERE id = $1`, id))
	if err != nil {
		return nil, db.Classify(err, "invoice "+id.String())
	}
	return inv, nil
}

func (r *invoiceRepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Invoice, int, error) {
	var where []string
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.ClinicID != nil {
		add("clinic_id = $%d", *f.ClinicID)
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM invoice`+cond, args...).Scan(&total); err != nil {
		return nil, 0, db.Classify(err, "count invoices")
	}
	query := fmt.Sprintf(`SELECT %s FROM invoice%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		invCols, cond, len(args)+1, len(args)+2)
	rows, err := conn.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, db.Classify(err, "list invoices")
	}
	defer rows.Close()
	items := []*Invoice{}
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, db.Classify(err, "scan invoice")
		}
		items = append(items, inv)
	}
	return items, total, db.Classify(rows.Err(), "list invoices")
}

func (r *invoiceRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, approvedAt *time.Time) (*Invoice, error) {
	inv, err := scanInvoice(db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE invoice SET
			status = $3,
			approved_at = COALESCE($4, approved_at),
			updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+invCols, id, from, to, approvedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.InvalidTransition("invoice %s is no longer %s", id, from)
	}
	if err != nil {
		return nil, db.Classify(err, "update invoice status")
	}
	return inv, nil
}

func (r *invoiceRepoPG) ApprovedBetween(ctx context.Context, clinicID uuid.UUID, from, to time.Time) ([]revenue.InvoiceState, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, clinic_id, amount, status FROM invoice
		WHERE clinic_id = $1 AND approved_at >= $2 AND approved_at < $3
		ORDER BY approved_at`, clinicID, from, to)
	if err != nil {
		return nil, db.Classify(err, "list approved invoices")
	}
	defer rows.Close()
	items := []revenue.InvoiceState{}
	for rows.Next() {
		var s revenue.InvoiceState
		if err := rows.Scan(&s.ID, &s.ClinicID, &s.Amount, &s.Status); err != nil {
			return nil, db.Classify(err, "scan approved invoice")
		}
		items = append(items, s)
	}
	return items, db.Classify(rows.Err(), "list approved invoices")
}

func (r *invoiceRepoPG) ClinicsApprovedBetween(ctx context.Context, from, to time.Time) ([]uuid.UUID, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT DISTINCT clinic_id FROM invoice
		WHERE approved_at >= $1 AND approved_at < $2`, from, to)
	if err != nil {
		return nil, db.Classify(err, "list clinics with approvals")
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, db.Classify(err, "scan clinic")
		}
		ids = append(ids, id)
	}
	return ids, db.Classify(rows.Err(), "list clinics with approvals")
}
