package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medicore/clinic/internal/platform/db"
	"github.com/medicore/clinic/pkg/apperr"
)

// =========== Clinic / Doctor Repositories ===========

type clinicRepoPG struct{ pool *pgxpool.Pool }

func NewClinicRepoPG(pool *pgxpool.Pool) ClinicRepository { return &clinicRepoPG{pool: pool} }

func (r *clinicRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Clinic, error) {
	var c Clinic
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT id, name, timezone, open_time, close_time FROM clinic WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Timezone, &c.OpenTime, &c.CloseTime)
	if err != nil {
		return nil, db.Classify(err, "clinic "+id.String())
	}
	return &c, nil
}

type doctorRepoPG struct{ pool *pgxpool.Pool }

func NewDoctorRepoPG(pool *pgxpool.Pool) DoctorRepository { return &doctorRepoPG{pool: pool} }

const doctorCols = `id, clinic_id, name, email, specialty`

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(&d.ID, &d.ClinicID, &d.Name, &d.Email, &d.Specialty)
	return &d, err
}

func (r *doctorRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	d, err := scanDoctor(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+doctorCols+` FROM doctor WHERE id = $1`, id))
	if err != nil {
		return nil, db.Classify(err, "doctor "+id.String())
	}
	return d, nil
}

func (r *doctorRepoPG) ListByClinic(ctx context.Context, clinicID uuid.UUID) ([]*Doctor, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+doctorCols+` FROM doctor WHERE clinic_id = $1 ORDER BY name`, clinicID)
	if err != nil {
		return nil, db.Classify(err, "list doctors")
	}
	defer rows.Close()
	var items []*Doctor
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			return nil, db.Classify(err, "scan doctor")
		}
		items = append(items, d)
	}
	return items, db.Classify(rows.Err(), "list doctors")
}

// =========== Weekly Rule Repository ===========

type ruleRepoPG struct{ pool *pgxpool.Pool }

func NewRuleRepoPG(pool *pgxpool.Pool) RuleRepository { return &ruleRepoPG{pool: pool} }

const ruleCols = `id, doctor_id, clinic_id, day_of_week, start_time, end_time, slot_duration_minutes, active, created_at`

func scanRule(row pgx.Row) (*WeeklyRule, error) {
	var r WeeklyRule
	err := row.Scan(&r.ID, &r.DoctorID, &r.ClinicID, &r.DayOfWeek, &r.StartTime, &r.EndTime,
		&r.SlotDuration, &r.Active, &r.CreatedAt)
	return &r, err
}

func (r *ruleRepoPG) list(ctx context.Context, query string, args ...interface{}) ([]*WeeklyRule, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, db.Classify(err, "list rules")
	}
	defer rows.Close()
	items := []*WeeklyRule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, db.Classify(err, "scan rule")
		}
		items = append(items, rule)
	}
	return items, db.Classify(rows.Err(), "list rules")
}

func (r *ruleRepoPG) ListByDoctorDay(ctx context.Context, doctorID uuid.UUID, dayOfWeek int) ([]*WeeklyRule, error) {
	return r.list(ctx, `SELECT `+ruleCols+` FROM weekly_rule
		WHERE doctor_id = $1 AND day_of_week = $2 AND active
		ORDER BY start_time`, doctorID, dayOfWeek)
}

func (r *ruleRepoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*WeeklyRule, error) {
	return r.list(ctx, `SELECT `+ruleCols+` FROM weekly_rule
		WHERE doctor_id = $1 AND active
		ORDER BY day_of_week, start_time`, doctorID)
}

func (r *ruleRepoPG) Replace(ctx context.Context, doctorID uuid.UUID, rules []*WeeklyRule) error {
	conn := db.Conn(ctx, r.pool)
	if _, err := conn.Exec(ctx, `DELETE FROM weekly_rule WHERE doctor_id = $1`, doctorID); err != nil {
		return db.Classify(err, "delete rules")
	}
	for _, rule := range rules {
		rule.ID = uuid.New()
		err := conn.QueryRow(ctx, `
			INSERT INTO weekly_rule (id, doctor_id, clinic_id, day_of_week, start_time, end_time, slot_duration_minutes, active)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			RETURNING created_at`,
			rule.ID, rule.DoctorID, rule.ClinicID, rule.DayOfWeek, rule.StartTime, rule.EndTime,
			rule.SlotDuration, rule.Active).Scan(&rule.CreatedAt)
		if err != nil {
			return db.Classify(err, "insert rule")
		}
	}
	return nil
}

// =========== Exception Repository ===========

type exceptionRepoPG struct{ pool *pgxpool.Pool }

func NewExceptionRepoPG(pool *pgxpool.Pool) ExceptionRepository { return &exceptionRepoPG{pool: pool} }

const exceptionCols = `id, doctor_id, clinic_id, date::text, kind, start_time, end_time, breaks, reason, active, created_at, updated_at`

func scanException(row pgx.Row) (*ScheduleException, error) {
	var e ScheduleException
	var breaks []byte
	err := row.Scan(&e.ID, &e.DoctorID, &e.ClinicID, &e.Date, &e.Kind, &e.StartTime, &e.EndTime,
		&breaks, &e.Reason, &e.Active, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(breaks) > 0 {
		if err := json.Unmarshal(breaks, &e.Breaks); err != nil {
			return nil, fmt.Errorf("decode breaks: %w", err)
		}
	}
	return &e, nil
}

func encodeBreaks(b []TimeRange) ([]byte, error) {
	if b == nil {
		b = []TimeRange{}
	}
	return json.Marshal(b)
}

func (r *exceptionRepoPG) Create(ctx context.Context, e *ScheduleException) error {
	e.ID = uuid.New()
	breaks, err := encodeBreaks(e.Breaks)
	if err != nil {
		return err
	}
	err = db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO schedule_exception (id, doctor_id, clinic_id, date, kind, start_time, end_time, breaks, reason, active)
		VALUES ($1,$2,$3,$4::date,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		e.ID, e.DoctorID, e.ClinicID, e.Date, e.Kind, e.StartTime, e.EndTime, breaks, e.Reason, e.Active).
		Scan(&e.CreatedAt, &e.UpdatedAt)
	return db.Classify(err, "exception for "+e.Date)
}

func (r *exceptionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ScheduleException, error) {
	e, err := scanException(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+exceptionCols+` FROM schedule_exception WHERE id = $1`, id))
	if err != nil {
		return nil, db.Classify(err, "exception "+id.String())
	}
	return e, nil
}

func (r *exceptionRepoPG) ActiveForDate(ctx context.Context, doctorID uuid.UUID, date string) (*ScheduleException, error) {
	e, err := scanException(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+exceptionCols+`
		FROM schedule_exception WHERE doctor_id = $1 AND date = $2::date AND active`, doctorID, date))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, db.Classify(err, "exception lookup")
	}
	return e, nil
}

func (r *exceptionRepoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID, from, to string) ([]*ScheduleException, error) {
	query := `SELECT ` + exceptionCols + ` FROM schedule_exception WHERE doctor_id = $1 AND active`
	args := []interface{}{doctorID}
	idx := 2
	if from != "" {
		query += fmt.Sprintf(` AND date >= $%d::date`, idx)
		args = append(args, from)
		idx++
	}
	if to != "" {
		query += fmt.Sprintf(` AND date <= $%d::date`, idx)
		args = append(args, to)
	}
	query += ` ORDER BY date`

	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, db.Classify(err, "list exceptions")
	}
	defer rows.Close()
	items := []*ScheduleException{}
	for rows.Next() {
		e, err := scanException(rows)
		if err != nil {
			return nil, db.Classify(err, "scan exception")
		}
		items = append(items, e)
	}
	return items, db.Classify(rows.Err(), "list exceptions")
}

func (r *exceptionRepoPG) Update(ctx context.Context, e *ScheduleException) error {
	breaks, err := encodeBreaks(e.Breaks)
	if err != nil {
		return err
	}
	err = db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE schedule_exception SET kind=$2, start_time=$3, end_time=$4, breaks=$5, reason=$6, updated_at=NOW()
		WHERE id = $1 AND active
		RETURNING updated_at`,
		e.ID, e.Kind, e.StartTime, e.EndTime, breaks, e.Reason).Scan(&e.UpdatedAt)
	return db.Classify(err, "exception "+e.ID.String())
}

func (r *exceptionRepoPG) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE schedule_exception SET active = FALSE, updated_at = NOW() WHERE id = $1 AND active`, id)
	if err != nil {
		return db.Classify(err, "deactivate exception")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("exception %s not found", id)
	}
	return nil
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

const apptCols = `id, doctor_id, clinic_id, patient_id, date::text, start_time, duration_minutes,
	status, appointment_type, reason, notes, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.DoctorID, &a.ClinicID, &a.PatientID, &a.Date, &a.StartTime, &a.DurationMinutes,
		&a.Status, &a.Type, &a.Reason, &a.Notes, &a.CreatedAt, &a.UpdatedAt)
	return &a, err
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	a.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO appointment (id, doctor_id, clinic_id, patient_id, date, start_time, duration_minutes,
			status, appointment_type, reason, notes)
		VALUES ($1,$2,$3,$4,$5::date,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		a.ID, a.DoctorID, a.ClinicID, a.PatientID, a.Date, a.StartTime, a.DurationMinutes,
		a.Status, a.Type, a.Reason, a.Notes).Scan(&a.CreatedAt, &a.UpdatedAt)
	return db.Classify(err, "appointment at "+a.Date+" "+a.StartTime)
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
	if err != nil {
		return nil, db.Classify(err, "appointment "+id.String())
	}
	return a, nil
}

func (r *appointmentRepoPG) ListByDoctorDate(ctx context.Context, doctorID uuid.UUID, date string) ([]*Appointment, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+apptCols+` FROM appointment
		WHERE doctor_id = $1 AND date = $2::date ORDER BY start_time`, doctorID, date)
	if err != nil {
		return nil, db.Classify(err, "list appointments")
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, db.Classify(err, "scan appointment")
		}
		items = append(items, a)
	}
	return items, db.Classify(rows.Err(), "list appointments")
}

func (r *appointmentRepoPG) List(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	var where []string
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.DoctorID != nil {
		add("doctor_id = $%d", *f.DoctorID)
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.ClinicID != nil {
		add("clinic_id = $%d", *f.ClinicID)
	}
	if f.Date != "" {
		add("date = $%d::date", f.Date)
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
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM appointment`+cond, args...).Scan(&total); err != nil {
		return nil, 0, db.Classify(err, "count appointments")
	}
	query := fmt.Sprintf(`SELECT %s FROM appointment%s ORDER BY date DESC, start_time LIMIT $%d OFFSET $%d`,
		apptCols, cond, len(args)+1, len(args)+2)
	rows, err := conn.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, db.Classify(err, "list appointments")
	}
	defer rows.Close()
	items := []*Appointment{}
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, 0, db.Classify(err, "scan appointment")
		}
		items = append(items, a)
	}
	return items, total, db.Classify(rows.Err(), "list appointments")
}

func (r *appointmentRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE appointment SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return db.Classify(err, "update appointment status")
	}
	if tag.RowsAffected() == 0 {
		return apperr.InvalidTransition("appointment %s is no longer %s", id, from)
	}
	return nil
}

func (r *appointmentRepoPG) Reschedule(ctx context.Context, a *Appointment) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE appointment SET date = $2::date, start_time = $3, duration_minutes = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		a.ID, a.Date, a.StartTime, a.DurationMinutes).Scan(&a.UpdatedAt)
	return db.Classify(err, "appointment "+a.ID.String())
}
