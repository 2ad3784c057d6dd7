package queue

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

const criticalPriority = 2

// DefaultWaitPerTicket is the extra wait, in minutes, for every ticket ranked
// ahead. Production deployments tune it with QUEUE_WAIT_PER_TICKET.
const DefaultWaitPerTicket = 10

// baseWait is the wait in minutes before anyone ahead is counted, indexed by
// priority.
var baseWait = [...]int{1: 0, 2: 15, 3: 30, 4: 60, 5: 120}

// WaitPolicy estimates minutes until care.
type WaitPolicy struct {
	PerTicketAhead int
}

func DefaultWaitPolicy() WaitPolicy {
	return WaitPolicy{PerTicketAhead: DefaultWaitPerTicket}
}

// Estimate returns the wait for a ticket of the given priority with ahead
// tickets ranked before it.
func (w WaitPolicy) Estimate(priority, ahead int) int {
	if priority < 1 || priority >= len(baseWait) {
		priority = len(baseWait) - 1
	}
	return baseWait[priority] + ahead*w.PerTicketAhead
}

// Policy holds the ordering rules of a deployment.
type Policy struct {
	Wait WaitPolicy
	// RoomKeepsPosition keeps in_progress tickets in the ranked set instead of
	// dropping them once a room is assigned.
	RoomKeepsPosition bool
}

func DefaultPolicy() Policy {
	return Policy{Wait: DefaultWaitPolicy()}
}

// ActiveStatuses are the statuses that hold a queue position.
func (p Policy) ActiveStatuses() []Status {
	s := []Status{StatusWaiting, StatusCheckedIn, StatusTriage}
	if p.RoomKeepsPosition {
		s = append(s, StatusInProgress)
	}
	return s
}

func (p Policy) Active(s Status) bool {
	for _, a := range p.ActiveStatuses() {
		if a == s {
			return true
		}
	}
	return false
}

// Placement is the computed queue slot of one ticket.
type Placement struct {
	TicketID    uuid.UUID
	PatientID   uuid.UUID
	Position    int
	WaitMinutes int
	// Changed is set when the slot differs from what the ticket held before.
	Changed bool
}

// Rank orders active tickets by effective priority, then arrival, then id,
// and assigns positions 1..N with a wait estimate each. The input slice is
// not modified.
func Rank(tickets []*Ticket, w WaitPolicy) []Placement {
	ordered := make([]*Ticket, len(tickets))
	copy(ordered, tickets)
	sort.SliceStable(ordered, func(i, j int) bool {
		return less(ordered[i], ordered[j])
	})

	out := make([]Placement, len(ordered))
	for i, t := range ordered {
		pos := i + 1
		wait := w.Estimate(t.EffectivePriority(), i)
		changed := t.QueuePosition == nil || *t.QueuePosition != pos ||
			t.EstimatedWaitMinutes == nil || *t.EstimatedWaitMinutes != wait
		out[i] = Placement{
			TicketID:    t.ID,
			PatientID:   t.PatientID,
			Position:    pos,
			WaitMinutes: wait,
			Changed:     changed,
		}
	}
	return out
}

func less(a, b *Ticket) bool {
	pa, pb := a.EffectivePriority(), b.EffectivePriority()
	if pa != pb {
		return pa < pb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// apply copies the placement of t, if any, onto it.
func apply(t *Ticket, placements []Placement) {
	for _, p := range placements {
		if p.TicketID == t.ID {
			pos, wait := p.Position, p.WaitMinutes
			t.QueuePosition = &pos
			t.EstimatedWaitMinutes = &wait
			return
		}
	}
}

// summarize aggregates the active tickets of a hospital.
func summarize(h *Hospital, active []*Ticket, now time.Time) *Summary {
	s := &Summary{
		HospitalID:  h.ID,
		Capacity:    h.Capacity,
		TotalActive: len(active),
		ByPriority:  map[int]int{1: 0, 2: 0, 3: 0, 4: 0, 5: 0},
		UpdatedAt:   now,
	}

	var waitSum, waiting int
	for _, t := range active {
		s.ByPriority[t.EffectivePriority()]++
		if t.Critical() {
			s.Critical++
		}
		if t.Status == StatusWaiting && t.EstimatedWaitMinutes != nil {
			waitSum += *t.EstimatedWaitMinutes
			waiting++
		}
	}
	if waiting > 0 {
		s.AverageWaitMinutes = int(math.Round(float64(waitSum) / float64(waiting)))
	}
	return s
}
