package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edqueue/edqueue/internal/domain/triage"
	"github.com/edqueue/edqueue/internal/platform/websocket"
)

const (
	EventTicketCreated         = "ticket.created"
	EventTicketUpdated         = "ticket.updated"
	EventTicketPriorityChanged = "ticket.priority_changed"
	EventQueueUpdated          = "queue.updated"
	EventAlertCritical         = "alert.critical"
	EventAlertAcknowledged     = "alert.acknowledged"
	EventTicketReminder        = "ticket.reminder"
)

const (
	publishTimeout = 5 * time.Second

	// batchBuffer is how many batches may wait for the publisher before
	// Emit blocks.
	batchBuffer = 256
)

func TicketTopic(id uuid.UUID) string   { return "ticket:" + id.String() }
func PatientTopic(id uuid.UUID) string  { return "patient:" + id.String() }
func HospitalTopic(id uuid.UUID) string { return "hospital:" + id.String() }
func CriticalTopic(id uuid.UUID) string { return "hospital:" + id.String() + ":critical" }

// TicketState is the ticket payload sent to patients and staff.
type TicketState struct {
	TicketID             uuid.UUID `json:"ticket_id"`
	Code                 string    `json:"code"`
	Status               Status    `json:"status"`
	Priority             int       `json:"priority"`
	PriorityLabel        string    `json:"priority_label"`
	QueuePosition        *int      `json:"queue_position,omitempty"`
	EstimatedWaitMinutes *int      `json:"estimated_wait_minutes,omitempty"`
	AssignedRoom         *string   `json:"assigned_room,omitempty"`
}

func stateOf(t *Ticket) TicketState {
	return TicketState{
		TicketID:             t.ID,
		Code:                 t.Code,
		Status:               t.Status,
		Priority:             t.EffectivePriority(),
		PriorityLabel:        triage.Label(t.EffectivePriority()),
		QueuePosition:        t.QueuePosition,
		EstimatedWaitMinutes: t.EstimatedWaitMinutes,
		AssignedRoom:         t.AssignedRoom,
	}
}

// PriorityChange is the payload of ticket.priority_changed.
type PriorityChange struct {
	TicketID uuid.UUID `json:"ticket_id"`
	From     int       `json:"from"`
	To       int       `json:"to"`
}

// CriticalAlert is the payload of alert.critical.
type CriticalAlert struct {
	TicketID      uuid.UUID `json:"ticket_id"`
	Code          string    `json:"code"`
	Priority      int       `json:"priority"`
	PriorityLabel string    `json:"priority_label"`
	Status        Status    `json:"status"`
	CategoryID    *string   `json:"category_id,omitempty"`
}

// Reminder is the payload of ticket.reminder.
type Reminder struct {
	TicketID             uuid.UUID `json:"ticket_id"`
	QueuePosition        *int      `json:"queue_position,omitempty"`
	EstimatedWaitMinutes int       `json:"estimated_wait_minutes"`
	Message              string    `json:"message"`
}

// Broadcaster publishes events without making the caller wait. A single
// worker drains the batches in the order Emit received them, so a client
// never sees an older state of a ticket after a newer one. Publish failures
// are logged and dropped.
type Broadcaster struct {
	pub    websocket.EventPublisher
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	closed  bool
	batches chan batch
	done    chan struct{}
}

// batch is one Emit call. A batch with flushed set carries no events and
// marks a point Wait is waiting for.
type batch struct {
	events  []websocket.Event
	flushed chan struct{}
}

func NewBroadcaster(pub websocket.EventPublisher, logger zerolog.Logger) *Broadcaster {
	b := &Broadcaster{
		pub:     pub,
		logger:  logger.With().Str("component", "broadcaster").Logger(),
		now:     time.Now,
		batches: make(chan batch, batchBuffer),
		done:    make(chan struct{}),
	}
	go b.run()
	return b
}

// Emit queues the events to be published in order after every batch emitted
// before them. It blocks only while the buffer is full.
func (b *Broadcaster) Emit(events ...websocket.Event) {
	if len(events) == 0 {
		return
	}
	if !b.enqueue(batch{events: events}) {
		b.logger.Warn().Int("events", len(events)).Msg("broadcaster closed, events dropped")
	}
}

func (b *Broadcaster) enqueue(bt batch) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.batches <- bt
	return true
}

func (b *Broadcaster) run() {
	defer close(b.done)
	for bt := range b.batches {
		if bt.flushed != nil {
			close(bt.flushed)
			continue
		}
		b.publish(bt.events)
	}
}

func (b *Broadcaster) publish(events []websocket.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	for _, e := range events {
		if err := b.pub.Publish(ctx, e); err != nil {
			b.logger.Warn().Err(err).
				Str("type", e.Type).
				Str("topic", e.Topic).
				Msg("publish event failed")
		}
	}
}

// Wait blocks until every batch emitted before the call has been published.
func (b *Broadcaster) Wait() {
	flushed := make(chan struct{})
	if !b.enqueue(batch{flushed: flushed}) {
		<-b.done
		return
	}
	<-flushed
}

// Close publishes the batches already queued and stops the worker. Events
// emitted afterwards are dropped.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.batches)
	}
	b.mu.Unlock()
	<-b.done
}

// event builds an envelope. A payload that cannot be encoded is logged and
// sent without data.
func (b *Broadcaster) event(typ, topic string, t *Ticket, hospitalID uuid.UUID, payload interface{}) websocket.Event {
	e := websocket.Event{
		ID:         uuid.NewString(),
		Type:       typ,
		Topic:      topic,
		HospitalID: hospitalID.String(),
		Timestamp:  b.now().UTC(),
	}
	if t != nil {
		e.TicketID = t.ID.String()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error().Err(err).Str("type", typ).Msg("encode event payload")
		return e
	}
	e.Data = data
	return e
}

// ticketEvents addresses an event about t to its patient-facing topics and to
// the hospital's staff topic.
func (b *Broadcaster) ticketEvents(typ string, t *Ticket, payload interface{}) []websocket.Event {
	return []websocket.Event{
		b.event(typ, TicketTopic(t.ID), t, t.HospitalID, payload),
		b.event(typ, PatientTopic(t.PatientID), t, t.HospitalID, payload),
		b.event(typ, HospitalTopic(t.HospitalID), t, t.HospitalID, payload),
	}
}

func (b *Broadcaster) patientEvents(typ string, t *Ticket, payload interface{}) []websocket.Event {
	return []websocket.Event{
		b.event(typ, TicketTopic(t.ID), t, t.HospitalID, payload),
		b.event(typ, PatientTopic(t.PatientID), t, t.HospitalID, payload),
	}
}

func (b *Broadcaster) summaryEvent(s *Summary) websocket.Event {
	return b.event(EventQueueUpdated, HospitalTopic(s.HospitalID), nil, s.HospitalID, s)
}

func (b *Broadcaster) criticalEvent(t *Ticket) websocket.Event {
	return b.event(EventAlertCritical, CriticalTopic(t.HospitalID), t, t.HospitalID, CriticalAlert{
		TicketID:      t.ID,
		Code:          t.Code,
		Priority:      t.EffectivePriority(),
		PriorityLabel: triage.Label(t.EffectivePriority()),
		Status:        t.Status,
		CategoryID:    t.CategoryID,
	})
}

// placementEvents notifies the patients whose position or wait moved because
// of a re-rank triggered by someone else's ticket. skip is the ticket that
// caused it; its own update is sent separately.
func (b *Broadcaster) placementEvents(hospitalID uuid.UUID, placements []Placement, skip uuid.UUID) []websocket.Event {
	var out []websocket.Event
	for _, p := range placements {
		if !p.Changed || p.TicketID == skip {
			continue
		}
		payload := map[string]interface{}{
			"ticket_id":              p.TicketID,
			"queue_position":         p.Position,
			"estimated_wait_minutes": p.WaitMinutes,
		}
		t := &Ticket{ID: p.TicketID, PatientID: p.PatientID, HospitalID: hospitalID}
		out = append(out, b.patientEvents(EventTicketUpdated, t, payload)...)
	}
	return out
}
