// Package queue owns emergency tickets: intake, the lifecycle state machine,
// per-hospital ordering and the events that keep patients and staff in sync.
package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/edqueue/edqueue/internal/domain/triage"
)

// Status is a ticket lifecycle state.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusCheckedIn  Status = "checked_in"
	StatusTriage     Status = "triage"
	StatusInProgress Status = "in_progress"
	StatusTreated    Status = "treated"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Terminal statuses accept no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Closed statuses free the patient to open a new ticket at the same hospital.
func (s Status) Closed() bool {
	return s == StatusTreated || s.Terminal()
}

func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusCheckedIn, StatusTriage, StatusInProgress,
		StatusTreated, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Hospital maps to the hospital table.
type Hospital struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Capacity  int       `db:"capacity" json:"capacity"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Ticket maps to the ticket table.
type Ticket struct {
	ID                   uuid.UUID      `db:"id" json:"id"`
	Code                 string         `db:"code" json:"code"`
	PatientID            uuid.UUID      `db:"patient_id" json:"patient_id"`
	HospitalID           uuid.UUID      `db:"hospital_id" json:"hospital_id"`
	CategoryID           *string        `db:"category_id" json:"category_id,omitempty"`
	RawPriority          int            `db:"raw_priority" json:"raw_priority"`
	ValidatedPriority    *int           `db:"validated_priority" json:"validated_priority,omitempty"`
	Status               Status         `db:"status" json:"status"`
	QueuePosition        *int           `db:"queue_position" json:"queue_position,omitempty"`
	EstimatedWaitMinutes *int           `db:"estimated_wait_minutes" json:"estimated_wait_minutes,omitempty"`
	AssignedRoom         *string        `db:"assigned_room" json:"assigned_room,omitempty"`
	TriageAnswers        triage.Answers `db:"triage_answers" json:"triage_answers"`
	TriageConfidence     int            `db:"triage_confidence" json:"triage_confidence"`
	ShareToken           *string        `db:"share_token" json:"-"`
	ShareExpiresAt       *time.Time     `db:"share_expires_at" json:"-"`
	ReminderSent         bool           `db:"reminder_sent" json:"reminder_sent"`
	AlertAcknowledgedBy  *uuid.UUID     `db:"alert_acknowledged_by" json:"alert_acknowledged_by,omitempty"`
	AlertAcknowledgedAt  *time.Time     `db:"alert_acknowledged_at" json:"alert_acknowledged_at,omitempty"`
	CheckedInAt          *time.Time     `db:"checked_in_at" json:"checked_in_at,omitempty"`
	TreatedBy            *uuid.UUID     `db:"treated_by" json:"treated_by,omitempty"`
	TreatedAt            *time.Time     `db:"treated_at" json:"treated_at,omitempty"`
	CreatedAt            time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at" json:"updated_at"`
}

// EffectivePriority is the nurse-validated priority when present, otherwise
// the self-assessed one.
func (t *Ticket) EffectivePriority() int {
	if t.ValidatedPriority != nil {
		return *t.ValidatedPriority
	}
	return t.RawPriority
}

// Critical reports whether the ticket belongs on the critical channel.
func (t *Ticket) Critical() bool {
	return t.EffectivePriority() <= criticalPriority
}

func (t *Ticket) clearPlacement() {
	t.QueuePosition = nil
	t.EstimatedWaitMinutes = nil
}

func (t *Ticket) clone() *Ticket {
	c := *t
	return &c
}

// TriageNote maps to the triage_note table.
type TriageNote struct {
	ID        uuid.UUID `db:"id" json:"id"`
	TicketID  uuid.UUID `db:"ticket_id" json:"ticket_id"`
	AuthorID  uuid.UUID `db:"author_id" json:"author_id"`
	Note      *string   `db:"note" json:"note,omitempty"`
	Priority  int       `db:"priority" json:"priority"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// DoctorNote maps to the doctor_note table.
type DoctorNote struct {
	ID        uuid.UUID `db:"id" json:"id"`
	TicketID  uuid.UUID `db:"ticket_id" json:"ticket_id"`
	AuthorID  uuid.UUID `db:"author_id" json:"author_id"`
	Diagnosis *string   `db:"diagnosis" json:"diagnosis,omitempty"`
	Note      *string   `db:"note" json:"note,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// StatusChange maps to the ticket_status_history table.
type StatusChange struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	TicketID   uuid.UUID  `db:"ticket_id" json:"ticket_id"`
	FromStatus *Status    `db:"from_status" json:"from_status,omitempty"`
	ToStatus   Status     `db:"to_status" json:"to_status"`
	ActorID    *uuid.UUID `db:"actor_id" json:"actor_id,omitempty"`
	ActorRole  *string    `db:"actor_role" json:"actor_role,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// Summary is the per-hospital aggregate pushed to staff on every change.
type Summary struct {
	HospitalID         uuid.UUID   `json:"hospital_id"`
	Capacity           int         `json:"capacity"`
	TotalActive        int         `json:"total_active"`
	ByPriority         map[int]int `json:"by_priority"`
	Critical           int         `json:"critical"`
	AverageWaitMinutes int         `json:"average_wait_minutes"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// QueueView is the ordered active queue of one hospital.
type QueueView struct {
	Summary *Summary  `json:"summary"`
	Tickets []*Ticket `json:"tickets"`
}

// SharedStatus is the public projection behind a share link. It carries no
// patient identity.
type SharedStatus struct {
	Code                 string    `json:"code"`
	HospitalName         string    `json:"hospital_name"`
	Status               Status    `json:"status"`
	Priority             int       `json:"priority"`
	PriorityLabel        string    `json:"priority_label"`
	PriorityColor        string    `json:"priority_color"`
	QueuePosition        *int      `json:"queue_position,omitempty"`
	EstimatedWaitMinutes *int      `json:"estimated_wait_minutes,omitempty"`
	AssignedRoom         *string   `json:"assigned_room,omitempty"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// ShareLink is a freshly rotated share token.
type ShareLink struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CheckInCode is the payload encoded in a ticket's QR code.
type CheckInCode struct {
	TicketID   uuid.UUID `json:"ticket_id"`
	HospitalID uuid.UUID `json:"hospital_id"`
	Checksum   string    `json:"checksum"`
}

// OccupiedRoom is a room held by a ticket under treatment.
type OccupiedRoom struct {
	Room     string    `json:"room"`
	TicketID uuid.UUID `json:"ticket_id"`
	Code     string    `json:"code"`
}

// RoomBoard splits a hospital's rooms into free and occupied ones. Occupied
// rooms outside the configured list still appear under Occupied.
type RoomBoard struct {
	HospitalID     uuid.UUID      `json:"hospital_id"`
	Available      []string       `json:"available"`
	Occupied       []OccupiedRoom `json:"occupied"`
	Total          int            `json:"total"`
	AvailableCount int            `json:"available_count"`
}

// HospitalStats is the dashboard view of one hospital.
type HospitalStats struct {
	Hospital     *Hospital `json:"hospital"`
	Queue        *Summary  `json:"queue"`
	TreatedToday int       `json:"treated_today"`
}
