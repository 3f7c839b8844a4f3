package teleconsult

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medicore/clinic/internal/platform/db"
	"github.com/medicore/clinic/pkg/apperr"
)

// =========== Session Repository ===========

type sessionRepoPG struct{ pool *pgxpool.Pool }

func NewSessionRepoPG(pool *pgxpool.Pool) SessionRepository { return &sessionRepoPG{pool: pool} }

const sessionCols = `id, appointment_id, doctor_id, patient_id, clinic_id, room_name, meeting_id,
	scheduled_date::text, scheduled_time, duration_minutes, moderator_secret, participant_secret, status,
	recording_enabled, password_enforced, notes, diagnosis, prescription, follow_up, cancel_reason,
	started_at, ended_at, created_at, updated_at`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.AppointmentID, &s.DoctorID, &s.PatientID, &s.ClinicID, &s.RoomName, &s.MeetingID,
		&s.ScheduledDate, &s.ScheduledTime, &s.DurationMinutes, &s.ModeratorSecret, &s.ParticipantSecret, &s.Status,
		&s.RecordingEnabled, &s.PasswordEnforced, &s.Notes, &s.Diagnosis, &s.Prescription, &s.FollowUp,
		&s.CancelReason, &s.StartedAt, &s.EndedAt, &s.CreatedAt, &s.UpdatedAt)
	return &s, err
}

func (r *sessionRepoPG) Create(ctx context.Context, s *Session) error {
	s.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO teleconsultation (id, appointment_id, doctor_id, patient_id, clinic_id, room_name, meeting_id,
			scheduled_date, scheduled_time, duration_minutes, moderator_secret, participant_secret, status,
			recording_enabled, password_enforced)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8::date,$9,$10,$11,$12,$13,$14,$15)
		RETURNING created_at, updated_at`,
		s.ID, s.AppointmentID, s.DoctorID, s.PatientID, s.ClinicID, s.RoomName, s.MeetingID,
		s.ScheduledDate, s.ScheduledTime, s.DurationMinutes, s.ModeratorSecret, s.ParticipantSecret, s.Status,
		s.RecordingEnabled, s.PasswordEnforced).Scan(&s.CreatedAt, &s.UpdatedAt)
	return db.Classify(err, "teleconsultation for appointment "+s.AppointmentID.String())
}

func (r *sessionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	s, err := scanSession(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+sessionCols+` FROM teleconsultation WHERE id = $1`, id))
	if err != nil {
		return nil, db.Classify(err, "teleconsultation "+id.String())
	}
	return s, nil
}

func (r *sessionRepoPG) GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Session, error) {
	s, err := scanSession(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+sessionCols+` FROM teleconsultation WHERE appointment_id = $1`, appointmentID))
	if err != nil {
		return nil, db.Classify(err, "teleconsultation for appointment "+appointmentID.String())
	}
	return s, nil
}

func (r *sessionRepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Session, int, error) {
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
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM teleconsultation`+cond, args...).Scan(&total); err != nil {
		return nil, 0, db.Classify(err, "count teleconsultations")
	}
	query := fmt.Sprintf(`SELECT %s FROM teleconsultation%s ORDER BY scheduled_date DESC, scheduled_time DESC LIMIT $%d OFFSET $%d`,
		sessionCols, cond, len(args)+1, len(args)+2)
	rows, err := conn.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, db.Classify(err, "list teleconsultations")
	}
	defer rows.Close()
	items := []*Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, 0, db.Classify(err, "scan teleconsultation")
		}
		items = append(items, s)
	}
	return items, total, db.Classify(rows.Err(), "list teleconsultations")
}

func (r *sessionRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, change StatusChange) error {
	o := change.Outcome
	if o == nil {
		o = &Outcome{}
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE teleconsultation SET
			status = $3,
			started_at = COALESCE($4, started_at),
			ended_at = COALESCE($5, ended_at),
			cancel_reason = COALESCE($6, cancel_reason),
			notes = COALESCE($7, notes),
			diagnosis = COALESCE($8, diagnosis),
			prescription = COALESCE($9, prescription),
			follow_up = COALESCE($10, follow_up),
			updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, from, to, change.StartedAt, change.EndedAt, change.CancelReason,
		o.Notes, o.Diagnosis, o.Prescription, o.FollowUp)
	if err != nil {
		return db.Classify(err, "update teleconsultation status")
	}
	if tag.RowsAffected() == 0 {
		return apperr.InvalidTransition("teleconsultation %s is no longer %s", id, from)
	}
	return nil
}

func (r *sessionRepoPG) UpdateOutcome(ctx context.Context, id uuid.UUID, o Outcome) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE teleconsultation SET
			notes = COALESCE($2, notes),
			diagnosis = COALESCE($3, diagnosis),
			prescription = COALESCE($4, prescription),
			follow_up = COALESCE($5, follow_up),
			updated_at = NOW()
		WHERE id = $1`, id, o.Notes, o.Diagnosis, o.Prescription, o.FollowUp)
	if err != nil {
		return db.Classify(err, "update teleconsultation notes")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("teleconsultation %s not found", id)
	}
	return nil
}

// =========== Participant Repository ===========

type participantRepoPG struct{ pool *pgxpool.Pool }

func NewParticipantRepoPG(pool *pgxpool.Pool) ParticipantRepository {
	return &participantRepoPG{pool: pool}
}

func (r *participantRepoPG) Attached(ctx context.Context, sessionID uuid.UUID) ([]*Participant, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, teleconsultation_id, user_id, role, joined_at, left_at
		FROM teleconsultation_participant
		WHERE teleconsultation_id = $1 AND left_at IS NULL
		ORDER BY joined_at`, sessionID)
	if err != nil {
		return nil, db.Classify(err, "list participants")
	}
	defer rows.Close()
	items := []*Participant{}
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ID, &p.SessionID, &p.UserID, &p.Role, &p.JoinedAt, &p.LeftAt); err != nil {
			return nil, db.Classify(err, "scan participant")
		}
		items = append(items, &p)
	}
	return items, db.Classify(rows.Err(), "list participants")
}

func (r *participantRepoPG) Attach(ctx context.Context, p *Participant) error {
	p.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO teleconsultation_participant (id, teleconsultation_id, user_id, role)
		VALUES ($1,$2,$3,$4)
		RETURNING joined_at`, p.ID, p.SessionID, p.UserID, p.Role).Scan(&p.JoinedAt)
	if err != nil {
		err = db.Classify(err, "attach "+string(p.Role))
		// The partial unique index on (teleconsultation_id, role) backs the
		// service check.
		if apperr.Is(err, apperr.KindConflict) {
			return apperr.RoleConflict("%s role is already taken", p.Role)
		}
	}
	return err
}

func (r *participantRepoPG) Detach(ctx context.Context, sessionID, userID uuid.UUID, at time.Time) (bool, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE teleconsultation_participant SET left_at = $3
		WHERE teleconsultation_id = $1 AND user_id = $2 AND left_at IS NULL`, sessionID, userID, at)
	if err != nil {
		return false, db.Classify(err, "detach participant")
	}
	return tag.RowsAffected() > 0, nil
}

func (r *participantRepoPG) DetachAll(ctx context.Context, sessionID uuid.UUID, at time.Time) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE teleconsultation_participant SET left_at = $2
		WHERE teleconsultation_id = $1 AND left_at IS NULL`, sessionID, at)
	return db.Classify(err, "detach participants")
}
