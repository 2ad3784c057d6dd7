package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edqueue/edqueue/internal/platform/db"
)

const uniqueViolation = "23505"

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// =========== Ticket Repository ===========

type ticketRepoPG struct{ pool *pgxpool.Pool }

func NewTicketRepoPG(pool *pgxpool.Pool) TicketRepository { return &ticketRepoPG{pool: pool} }

func (r *ticketRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const ticketCols = `id, code, patient_id, hospital_id, category_id, raw_priority, validated_priority,
	status, queue_position, estimated_wait_minutes, assigned_room, triage_answers, triage_confidence,
	share_token, share_expires_at, reminder_sent, alert_acknowledged_by, alert_acknowledged_at,
	checked_in_at, treated_by, treated_at, created_at, updated_at`

const queueOrder = `ORDER BY COALESCE(validated_priority, raw_priority), created_at, id`

func (r *ticketRepoPG) scanTicket(row pgx.Row) (*Ticket, error) {
	var t Ticket
	err := row.Scan(&t.ID, &t.Code, &t.PatientID, &t.HospitalID, &t.CategoryID, &t.RawPriority, &t.ValidatedPriority,
		&t.Status, &t.QueuePosition, &t.EstimatedWaitMinutes, &t.AssignedRoom, &t.TriageAnswers, &t.TriageConfidence,
		&t.ShareToken, &t.ShareExpiresAt, &t.ReminderSent, &t.AlertAcknowledgedBy, &t.AlertAcknowledgedAt,
		&t.CheckedInAt, &t.TreatedBy, &t.TreatedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if !t.Status.Valid() {
		return nil, fmt.Errorf("ticket %s has unknown status %q", t.ID, t.Status)
	}
	return &t, nil
}

func (r *ticketRepoPG) scanRows(rows pgx.Rows) ([]*Ticket, error) {
	defer rows.Close()
	var items []*Ticket
	for rows.Next() {
		t, err := r.scanTicket(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (r *ticketRepoPG) Create(ctx context.Context, t *Ticket) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO ticket (id, code, patient_id, hospital_id, category_id, raw_priority, validated_priority,
			status, queue_position, estimated_wait_minutes, assigned_room, triage_answers, triage_confidence,
			share_token, share_expires_at, reminder_sent, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		t.ID, t.Code, t.PatientID, t.HospitalID, t.CategoryID, t.RawPriority, t.ValidatedPriority,
		t.Status, t.QueuePosition, t.EstimatedWaitMinutes, t.AssignedRoom, t.TriageAnswers, t.TriageConfidence,
		t.ShareToken, t.ShareExpiresAt, t.ReminderSent, t.CreatedAt, t.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "ticket_one_open_per_patient" {
		return &ConflictError{Message: "patient already has an open ticket at this hospital"}
	}
	return err
}

func (r *ticketRepoPG) get(ctx context.Context, where string, arg interface{}, notFoundID string) (*Ticket, error) {
	t, err := r.scanTicket(r.conn(ctx).QueryRow(ctx, `SELECT `+ticketCols+` FROM ticket WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Resource: "ticket", ID: notFoundID}
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *ticketRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Ticket, error) {
	return r.get(ctx, `id = $1`, id, id.String())
}

func (r *ticketRepoPG) GetByShareToken(ctx context.Context, token string) (*Ticket, error) {
	return r.get(ctx, `share_token = $1`, token, "for share token")
}

func (r *ticketRepoPG) FindOpen(ctx context.Context, patientID, hospitalID uuid.UUID) (*Ticket, error) {
	t, err := r.scanTicket(r.conn(ctx).QueryRow(ctx, `
		SELECT `+ticketCols+` FROM ticket
		WHERE patient_id = $1 AND hospital_id = $2 AND status NOT IN ('treated', 'completed', 'cancelled')
		LIMIT 1`, patientID, hospitalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Update writes every mutable column except reminder_sent, which only
// ClaimReminder changes.
func (r *ticketRepoPG) Update(ctx context.Context, t *Ticket) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE ticket SET validated_priority=$2, status=$3, queue_position=$4, estimated_wait_minutes=$5,
			assigned_room=$6, share_token=$7, share_expires_at=$8,
			alert_acknowledged_by=$9, alert_acknowledged_at=$10, checked_in_at=$11,
			treated_by=$12, treated_at=$13, updated_at=$14
		WHERE id = $1`,
		t.ID, t.ValidatedPriority, t.Status, t.QueuePosition, t.EstimatedWaitMinutes,
		t.AssignedRoom, t.ShareToken, t.ShareExpiresAt,
		t.AlertAcknowledgedBy, t.AlertAcknowledgedAt, t.CheckedInAt,
		t.TreatedBy, t.TreatedAt, t.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Resource: "ticket", ID: t.ID.String()}
	}
	return nil
}

func (r *ticketRepoPG) ListActive(ctx context.Context, hospitalID uuid.UUID, statuses []Status) ([]*Ticket, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+ticketCols+` FROM ticket
		WHERE hospital_id = $1 AND status = ANY($2) `+queueOrder,
		hospitalID, statusStrings(statuses))
	if err != nil {
		return nil, err
	}
	return r.scanRows(rows)
}

func (r *ticketRepoPG) ListCritical(ctx context.Context, hospitalID uuid.UUID, statuses []Status) ([]*Ticket, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+ticketCols+` FROM ticket
		WHERE hospital_id = $1 AND status = ANY($2) AND COALESCE(validated_priority, raw_priority) <= $3 `+queueOrder,
		hospitalID, statusStrings(statuses), criticalPriority)
	if err != nil {
		return nil, err
	}
	return r.scanRows(rows)
}

func (r *ticketRepoPG) ListOpenByPatient(ctx context.Context, patientID uuid.UUID) ([]*Ticket, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+ticketCols+` FROM ticket
		WHERE patient_id = $1 AND status NOT IN ('treated', 'completed', 'cancelled')
		ORDER BY created_at DESC`, patientID)
	if err != nil {
		return nil, err
	}
	return r.scanRows(rows)
}

func (r *ticketRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Ticket, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM ticket WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+ticketCols+` FROM ticket WHERE patient_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.scanRows(rows)
	return items, total, err
}

func (r *ticketRepoPG) CountTreatedSince(ctx context.Context, hospitalID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM ticket WHERE hospital_id = $1 AND treated_at >= $2`,
		hospitalID, since).Scan(&n)
	return n, err
}

func (r *ticketRepoPG) SavePlacements(ctx context.Context, hospitalID uuid.UUID, placements []Placement) error {
	if len(placements) == 0 {
		return nil
	}
	ids := make([]string, len(placements))
	positions := make([]int32, len(placements))
	waits := make([]int32, len(placements))
	for i, p := range placements {
		ids[i] = p.TicketID.String()
		positions[i] = int32(p.Position)
		waits[i] = int32(p.WaitMinutes)
	}
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE ticket t SET queue_position = v.pos, estimated_wait_minutes = v.wait, updated_at = NOW()
		FROM unnest($2::uuid[], $3::int[], $4::int[]) AS v(id, pos, wait)
		WHERE t.id = v.id AND t.hospital_id = $1`,
		hospitalID, ids, positions, waits)
	if err != nil {
		return fmt.Errorf("save placements: %w", err)
	}
	return nil
}

func (r *ticketRepoPG) ClearInactivePlacements(ctx context.Context, hospitalID uuid.UUID, active []Status) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE ticket SET queue_position = NULL, estimated_wait_minutes = NULL, updated_at = NOW()
		WHERE hospital_id = $1 AND NOT (status = ANY($2))
			AND (queue_position IS NOT NULL OR estimated_wait_minutes IS NOT NULL)`,
		hospitalID, statusStrings(active))
	return err
}

func (r *ticketRepoPG) ListReminderDue(ctx context.Context, thresholdMinutes int) ([]*Ticket, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+ticketCols+` FROM ticket
		WHERE status = 'waiting' AND reminder_sent = FALSE
			AND estimated_wait_minutes > 0 AND estimated_wait_minutes <= $1
		ORDER BY created_at`, thresholdMinutes)
	if err != nil {
		return nil, err
	}
	return r.scanRows(rows)
}

func (r *ticketRepoPG) ClaimReminder(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE ticket SET reminder_sent = TRUE, updated_at = NOW()
		WHERE id = $1 AND reminder_sent = FALSE`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// =========== Hospital Repository ===========

type hospitalRepoPG struct{ pool *pgxpool.Pool }

func NewHospitalRepoPG(pool *pgxpool.Pool) HospitalRepository { return &hospitalRepoPG{pool: pool} }

func (r *hospitalRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

func (r *hospitalRepoPG) Create(ctx context.Context, h *Hospital) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO hospital (id, name, capacity) VALUES ($1, $2, $3)
		RETURNING created_at`, h.ID, h.Name, h.Capacity).Scan(&h.CreatedAt)
}

func (r *hospitalRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Hospital, error) {
	var h Hospital
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, name, capacity, created_at FROM hospital WHERE id = $1`, id).
		Scan(&h.ID, &h.Name, &h.Capacity, &h.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Resource: "hospital", ID: id.String()}
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (r *hospitalRepoPG) List(ctx context.Context) ([]*Hospital, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id, name, capacity, created_at FROM hospital ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Hospital
	for rows.Next() {
		var h Hospital
		if err := rows.Scan(&h.ID, &h.Name, &h.Capacity, &h.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &h)
	}
	return items, rows.Err()
}

// =========== Note Repository ===========

type noteRepoPG struct{ pool *pgxpool.Pool }

func NewNoteRepoPG(pool *pgxpool.Pool) NoteRepository { return &noteRepoPG{pool: pool} }

func (r *noteRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

func (r *noteRepoPG) AddTriageNote(ctx context.Context, n *TriageNote) error {
	n.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO triage_note (id, ticket_id, author_id, note, priority)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		n.ID, n.TicketID, n.AuthorID, n.Note, n.Priority).Scan(&n.CreatedAt)
}

func (r *noteRepoPG) AddDoctorNote(ctx context.Context, n *DoctorNote) error {
	n.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO doctor_note (id, ticket_id, author_id, diagnosis, note)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		n.ID, n.TicketID, n.AuthorID, n.Diagnosis, n.Note).Scan(&n.CreatedAt)
}

func (r *noteRepoPG) AddStatusChange(ctx context.Context, c *StatusChange) error {
	c.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO ticket_status_history (id, ticket_id, from_status, to_status, actor_id, actor_role)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		c.ID, c.TicketID, c.FromStatus, c.ToStatus, c.ActorID, c.ActorRole).Scan(&c.CreatedAt)
}

func (r *noteRepoPG) ListStatusChanges(ctx context.Context, ticketID uuid.UUID) ([]*StatusChange, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, ticket_id, from_status, to_status, actor_id, actor_role, created_at
		FROM ticket_status_history WHERE ticket_id = $1 ORDER BY created_at`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*StatusChange
	for rows.Next() {
		var c StatusChange
		if err := rows.Scan(&c.ID, &c.TicketID, &c.FromStatus, &c.ToStatus, &c.ActorID, &c.ActorRole, &c.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &c)
	}
	return items, rows.Err()
}
