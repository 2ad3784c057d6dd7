package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type TicketRepository interface {
	// Create inserts a ticket. A second open ticket for the same patient and
	// hospital fails with *ConflictError.
	Create(ctx context.Context, t *Ticket) error
	GetByID(ctx context.Context, id uuid.UUID) (*Ticket, error)
	GetByShareToken(ctx context.Context, token string) (*Ticket, error)
	// FindOpen returns the patient's non-closed ticket at a hospital, or nil.
	FindOpen(ctx context.Context, patientID, hospitalID uuid.UUID) (*Ticket, error)
	Update(ctx context.Context, t *Ticket) error
	// ListActive returns the hospital's tickets in the given statuses in
	// queue order.
	ListActive(ctx context.Context, hospitalID uuid.UUID, statuses []Status) ([]*Ticket, error)
	ListCritical(ctx context.Context, hospitalID uuid.UUID, statuses []Status) ([]*Ticket, error)
	ListOpenByPatient(ctx context.Context, patientID uuid.UUID) ([]*Ticket, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Ticket, int, error)
	// CountTreatedSince counts the hospital's tickets whose treatment was
	// recorded at or after since, whatever their status now.
	CountTreatedSince(ctx context.Context, hospitalID uuid.UUID, since time.Time) (int, error)
	SavePlacements(ctx context.Context, hospitalID uuid.UUID, placements []Placement) error
	// ClearInactivePlacements drops position and wait from tickets of the
	// hospital that are not in one of the given statuses.
	ClearInactivePlacements(ctx context.Context, hospitalID uuid.UUID, active []Status) error
	ListReminderDue(ctx context.Context, thresholdMinutes int) ([]*Ticket, error)
	// ClaimReminder marks the reminder as sent and reports whether this call
	// was the one that did it.
	ClaimReminder(ctx context.Context, id uuid.UUID) (bool, error)
}

type HospitalRepository interface {
	Create(ctx context.Context, h *Hospital) error
	GetByID(ctx context.Context, id uuid.UUID) (*Hospital, error)
	List(ctx context.Context) ([]*Hospital, error)
}

type NoteRepository interface {
	AddTriageNote(ctx context.Context, n *TriageNote) error
	AddDoctorNote(ctx context.Context, n *DoctorNote) error
	AddStatusChange(ctx context.Context, c *StatusChange) error
	ListStatusChanges(ctx context.Context, ticketID uuid.UUID) ([]*StatusChange, error)
}

// Transactor runs fn in one transaction holding a lock on lockKey. An error
// from fn rolls back everything fn wrote.
type Transactor interface {
	InTx(ctx context.Context, lockKey string, fn func(ctx context.Context) error) error
}
