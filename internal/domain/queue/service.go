package queue

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edqueue/edqueue/internal/domain/triage"
	"github.com/edqueue/edqueue/internal/platform/auth"
	"github.com/edqueue/edqueue/internal/platform/websocket"
)

const (
	DefaultShareTokenTTL = 24 * time.Hour

	shareTokenBytes = 32
	checksumLength  = 16
)

// alertStatuses are the statuses in which a critical ticket still needs
// attention.
var alertStatuses = []Status{StatusWaiting, StatusCheckedIn, StatusTriage, StatusInProgress}

// occupyingStatuses are the statuses in which a ticket holds its room.
var occupyingStatuses = []Status{StatusInProgress}

// DefaultRooms is the room list used when none is configured.
var DefaultRooms = []string{
	"Room 1", "Room 2", "Room 3", "Room 4", "Room 5",
	"Room 6", "Room 7", "Room 8", "Room 9", "Room 10",
	"Trauma 1", "Trauma 2", "Pediatrics 1", "Pediatrics 2",
}

type Config struct {
	Policy        Policy
	ShareTokenTTL time.Duration
	// CheckInSecret keys the checksum printed in check-in QR codes.
	CheckInSecret string
	// Rooms lists the treatment rooms shown on the room board. Nurses may
	// still assign a room outside the list.
	Rooms []string
}

// Service coordinates the ticket lifecycle. Every operation authorizes and
// validates before writing, and every write that can move the queue re-ranks
// the hospital in the same transaction.
type Service struct {
	tickets   TicketRepository
	hospitals HospitalRepository
	notes     NoteRepository
	recalc    *Recalculator
	bcast     *Broadcaster
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(tickets TicketRepository, hospitals HospitalRepository, notes NoteRepository,
	tx Transactor, pub websocket.EventPublisher, cfg Config, logger zerolog.Logger) *Service {
	if cfg.ShareTokenTTL <= 0 {
		cfg.ShareTokenTTL = DefaultShareTokenTTL
	}
	if len(cfg.Rooms) == 0 {
		cfg.Rooms = DefaultRooms
	}
	logger = logger.With().Str("component", "queue").Logger()
	return &Service{
		tickets:   tickets,
		hospitals: hospitals,
		notes:     notes,
		recalc:    NewRecalculator(tickets, tx, cfg.Policy, logger),
		bcast:     NewBroadcaster(pub, logger),
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Broadcaster exposes the service's event publisher to the reminder sweep.
func (s *Service) Broadcaster() *Broadcaster { return s.bcast }

// Recalculator exposes the service's ranking engine.
func (s *Service) Recalculator() *Recalculator { return s.recalc }

// -- Intake --

type CreateTicketRequest struct {
	HospitalID uuid.UUID      `json:"hospital_id"`
	CategoryID string         `json:"category_id"`
	Answers    triage.Answers `json:"answers"`
	// PatientID is required when an admin files on a patient's behalf and
	// ignored otherwise.
	PatientID *uuid.UUID `json:"patient_id,omitempty"`
}

func (s *Service) CreateTicket(ctx context.Context, p auth.Principal, req CreateTicketRequest) (*Ticket, error) {
	if err := authorize(p, ActionCreate, nil); err != nil {
		return nil, err
	}

	patientID := p.ID
	if p.Role == auth.RoleAdmin {
		if req.PatientID == nil || *req.PatientID == uuid.Nil {
			return nil, &ValidationError{Field: "patient_id", Message: "required when filing for a patient"}
		}
		patientID = *req.PatientID
	}
	if req.HospitalID == uuid.Nil {
		return nil, &ValidationError{Field: "hospital_id", Message: "is required"}
	}
	if req.CategoryID != "" {
		if _, ok := triage.LookupCategory(req.CategoryID); !ok {
			return nil, &ValidationError{Field: "category_id", Message: fmt.Sprintf("unknown category %q", req.CategoryID)}
		}
	}
	if err := req.Answers.Validate(); err != nil {
		return nil, &ValidationError{Field: "answers", Message: err.Error()}
	}

	hospital, err := s.hospitals.GetByID(ctx, req.HospitalID)
	if err != nil {
		return nil, err
	}

	result := triage.Score(req.CategoryID, req.Answers)
	now := s.now().UTC()
	t := &Ticket{
		ID:               uuid.New(),
		Code:             newTicketCode(),
		PatientID:        patientID,
		HospitalID:       hospital.ID,
		RawPriority:      result.Priority,
		Status:           StatusWaiting,
		TriageAnswers:    req.Answers,
		TriageConfidence: result.Confidence,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.CategoryID != "" {
		category := req.CategoryID
		t.CategoryID = &category
	}

	_, err = s.recalc.Within(ctx, hospital.ID, func(ctx context.Context) (bool, error) {
		open, err := s.tickets.FindOpen(ctx, patientID, hospital.ID)
		if err != nil {
			return false, fmt.Errorf("find open ticket: %w", err)
		}
		if open != nil {
			return false, &ConflictError{Message: fmt.Sprintf("patient already has open ticket %s at this hospital", open.Code)}
		}
		if err := s.tickets.Create(ctx, t); err != nil {
			return false, err
		}
		return true, s.recordStatus(ctx, t, nil, p)
	}, func(ctx context.Context, placements []Placement) {
		apply(t, placements)
		events := s.bcast.ticketEvents(EventTicketCreated, t, stateOf(t))
		if t.Critical() {
			events = append(events, s.bcast.criticalEvent(t))
		}
		events = append(events, s.bcast.placementEvents(t.HospitalID, placements, t.ID)...)
		s.emitWithSummary(ctx, hospital, events)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("ticket_id", t.ID.String()).
		Str("hospital_id", t.HospitalID.String()).
		Int("priority", t.RawPriority).
		Int("confidence", t.TriageConfidence).
		Msg("ticket created")
	return t, nil
}

// -- Transitions --

// outcome is the result of a committed transition.
type outcome struct {
	before     *Ticket
	after      *Ticket
	placements []Placement
}

// transition moves ticket id through action. mutate applies the
// action-specific fields after the state machine accepted the move and runs
// inside the hospital transaction. The ticket's events, plus whatever extra
// returns, are emitted before the hospital lock is released.
func (s *Service) transition(ctx context.Context, p auth.Principal, action Action, id uuid.UUID,
	mutate func(ctx context.Context, t *Ticket) error, extra func(out *outcome) []websocket.Event) (*outcome, error) {
	current, err := s.tickets.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(p, action, current); err != nil {
		return nil, err
	}

	var out outcome
	_, err = s.recalc.Within(ctx, current.HospitalID, func(ctx context.Context) (bool, error) {
		t, err := s.tickets.GetByID(ctx, id)
		if err != nil {
			return false, err
		}
		to, err := checkTransition(action, t.Status)
		if err != nil {
			return false, err
		}

		before := t.clone()
		t.Status = to
		t.UpdatedAt = s.now().UTC()
		if mutate != nil {
			if err := mutate(ctx, t); err != nil {
				return false, err
			}
		}

		wasActive, isActive := s.cfg.Policy.Active(before.Status), s.cfg.Policy.Active(t.Status)
		if !isActive {
			t.clearPlacement()
		}
		if err := s.tickets.Update(ctx, t); err != nil {
			return false, fmt.Errorf("update ticket: %w", err)
		}
		if err := s.recordStatus(ctx, t, &before.Status, p); err != nil {
			return false, err
		}

		out.before, out.after = before, t
		priorityMoved := before.EffectivePriority() != t.EffectivePriority()
		return wasActive != isActive || (isActive && priorityMoved), nil
	}, func(ctx context.Context, placements []Placement) {
		out.placements = placements
		apply(out.after, placements)
		var events []websocket.Event
		if extra != nil {
			events = extra(&out)
		}
		s.emitTransition(ctx, &out, events...)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("ticket_id", id.String()).
		Str("action", string(action)).
		Str("from", string(out.before.Status)).
		Str("to", string(out.after.Status)).
		Str("actor_role", p.Role).
		Msg("ticket transitioned")
	return &out, nil
}

func (s *Service) recordStatus(ctx context.Context, t *Ticket, from *Status, p auth.Principal) error {
	actorID, role := p.ID, p.Role
	change := &StatusChange{
		TicketID:   t.ID,
		FromStatus: from,
		ToStatus:   t.Status,
		ActorID:    &actorID,
		ActorRole:  &role,
	}
	if err := s.notes.AddStatusChange(ctx, change); err != nil {
		return fmt.Errorf("record status change: %w", err)
	}
	return nil
}

// emitTransition publishes the standard update for a committed transition
// plus any extra events.
func (s *Service) emitTransition(ctx context.Context, out *outcome, extra ...websocket.Event) {
	t := out.after
	events := s.bcast.ticketEvents(EventTicketUpdated, t, stateOf(t))
	events = append(events, extra...)
	events = append(events, s.bcast.placementEvents(t.HospitalID, out.placements, t.ID)...)

	hospital, err := s.hospitals.GetByID(ctx, t.HospitalID)
	if err != nil {
		s.logger.Warn().Err(err).Str("hospital_id", t.HospitalID.String()).Msg("load hospital for summary")
		s.bcast.Emit(events...)
		return
	}
	s.emitWithSummary(ctx, hospital, events)
}

// emitWithSummary appends the hospital's fresh queue summary and publishes.
// Callers hold the hospital lock, so the summary reflects this commit and no
// later one. A summary that cannot be computed is logged and left out.
func (s *Service) emitWithSummary(ctx context.Context, h *Hospital, events []websocket.Event) {
	summary, err := s.summarize(ctx, h)
	if err != nil {
		s.logger.Warn().Err(err).Str("hospital_id", h.ID.String()).Msg("compute queue summary")
	} else {
		events = append(events, s.bcast.summaryEvent(summary))
	}
	s.bcast.Emit(events...)
}

func (s *Service) summarize(ctx context.Context, h *Hospital) (*Summary, error) {
	active, err := s.tickets.ListActive(ctx, h.ID, s.cfg.Policy.ActiveStatuses())
	if err != nil {
		return nil, err
	}
	return summarize(h, active, s.now().UTC()), nil
}

// ValidateTriage records a nurse's priority. It overrides the self-assessed
// one for ordering and may be repeated while the ticket waits.
func (s *Service) ValidateTriage(ctx context.Context, p auth.Principal, id uuid.UUID, priority int, notes string) (*Ticket, error) {
	if err := authorize(p, ActionValidate, nil); err != nil {
		return nil, err
	}
	if priority < triage.MostUrgent || priority > triage.LeastUrgent {
		return nil, &ValidationError{Field: "priority", Message: "must be between 1 and 5"}
	}

	out, err := s.transition(ctx, p, ActionValidate, id, func(ctx context.Context, t *Ticket) error {
		previous := t.EffectivePriority()
		t.ValidatedPriority = &priority
		if priority != previous && priority <= criticalPriority {
			t.AlertAcknowledgedBy = nil
			t.AlertAcknowledgedAt = nil
		}
		if err := s.notes.AddTriageNote(ctx, &TriageNote{
			TicketID: t.ID,
			AuthorID: p.ID,
			Note:     optional(notes),
			Priority: priority,
		}); err != nil {
			return fmt.Errorf("add triage note: %w", err)
		}
		return nil
	}, s.priorityEvents)
	if err != nil {
		return nil, err
	}
	return out.after, nil
}

// priorityEvents announces a changed effective priority, and pages the
// critical channel when the ticket became critical.
func (s *Service) priorityEvents(out *outcome) []websocket.Event {
	from, to := out.before.EffectivePriority(), out.after.EffectivePriority()
	if from == to {
		return nil
	}
	events := s.bcast.ticketEvents(EventTicketPriorityChanged, out.after, PriorityChange{
		TicketID: out.after.ID,
		From:     from,
		To:       to,
	})
	if out.after.Critical() {
		events = append(events, s.bcast.criticalEvent(out.after))
	}
	return events
}

func (s *Service) AssignRoom(ctx context.Context, p auth.Principal, id uuid.UUID, room string) (*Ticket, error) {
	if err := authorize(p, ActionAssignRoom, nil); err != nil {
		return nil, err
	}
	room = strings.TrimSpace(room)
	if room == "" {
		return nil, &ValidationError{Field: "room", Message: "is required"}
	}

	out, err := s.transition(ctx, p, ActionAssignRoom, id, func(ctx context.Context, t *Ticket) error {
		occupant, err := s.roomOccupant(ctx, t.HospitalID, room)
		if err != nil {
			return err
		}
		if occupant != nil && occupant.ID != t.ID {
			return &ConflictError{Message: fmt.Sprintf("room %q is occupied by ticket %s", room, occupant.Code)}
		}
		t.AssignedRoom = &room
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return out.after, nil
}

// roomOccupant returns the in-progress ticket holding room, or nil. Room
// names compare case-insensitively.
func (s *Service) roomOccupant(ctx context.Context, hospitalID uuid.UUID, room string) (*Ticket, error) {
	busy, err := s.tickets.ListActive(ctx, hospitalID, occupyingStatuses)
	if err != nil {
		return nil, fmt.Errorf("list occupied rooms: %w", err)
	}
	for _, t := range busy {
		if t.AssignedRoom != nil && strings.EqualFold(*t.AssignedRoom, room) {
			return t, nil
		}
	}
	return nil, nil
}

type TreatRequest struct {
	Diagnosis string `json:"diagnosis"`
	Notes     string `json:"notes"`
}

func (s *Service) MarkTreated(ctx context.Context, p auth.Principal, id uuid.UUID, req TreatRequest) (*Ticket, error) {
	if err := authorize(p, ActionTreat, nil); err != nil {
		return nil, err
	}

	out, err := s.transition(ctx, p, ActionTreat, id, func(ctx context.Context, t *Ticket) error {
		doctor, at := p.ID, t.UpdatedAt
		t.TreatedBy = &doctor
		t.TreatedAt = &at
		if strings.TrimSpace(req.Diagnosis) == "" && strings.TrimSpace(req.Notes) == "" {
			return nil
		}
		if err := s.notes.AddDoctorNote(ctx, &DoctorNote{
			TicketID:  t.ID,
			AuthorID:  p.ID,
			Diagnosis: optional(req.Diagnosis),
			Note:      optional(req.Notes),
		}); err != nil {
			return fmt.Errorf("add doctor note: %w", err)
		}
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return out.after, nil
}

func (s *Service) CheckIn(ctx context.Context, p auth.Principal, id uuid.UUID) (*Ticket, error) {
	if err := authorize(p, ActionCheckIn, nil); err != nil {
		return nil, err
	}

	out, err := s.transition(ctx, p, ActionCheckIn, id, func(_ context.Context, t *Ticket) error {
		at := t.UpdatedAt
		t.CheckedInAt = &at
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return out.after, nil
}

func (s *Service) Cancel(ctx context.Context, p auth.Principal, id uuid.UUID) (*Ticket, error) {
	if err := authorize(p, ActionCancel, nil); err != nil {
		return nil, err
	}
	out, err := s.transition(ctx, p, ActionCancel, id, nil, nil)
	if err != nil {
		return nil, err
	}
	return out.after, nil
}

// Complete closes a ticket administratively from any non-terminal state.
func (s *Service) Complete(ctx context.Context, p auth.Principal, id uuid.UUID) (*Ticket, error) {
	if err := authorize(p, ActionComplete, nil); err != nil {
		return nil, err
	}
	out, err := s.transition(ctx, p, ActionComplete, id, nil, nil)
	if err != nil {
		return nil, err
	}
	return out.after, nil
}

// -- Queue views --

// GetQueue returns a hospital's active tickets in queue order with its
// summary.
func (s *Service) GetQueue(ctx context.Context, p auth.Principal, hospitalID uuid.UUID) (*QueueView, error) {
	if err := authorize(p, ActionViewQueue, nil); err != nil {
		return nil, err
	}
	hospital, err := s.hospitals.GetByID(ctx, hospitalID)
	if err != nil {
		return nil, err
	}
	active, err := s.tickets.ListActive(ctx, hospitalID, s.cfg.Policy.ActiveStatuses())
	if err != nil {
		return nil, err
	}
	return &QueueView{
		Summary: summarize(hospital, active, s.now().UTC()),
		Tickets: active,
	}, nil
}

// Summary computes a hospital's queue summary.
func (s *Service) Summary(ctx context.Context, hospitalID uuid.UUID) (*Summary, error) {
	hospital, err := s.hospitals.GetByID(ctx, hospitalID)
	if err != nil {
		return nil, err
	}
	return s.summarize(ctx, hospital)
}

// Rooms shows which of the hospital's rooms are free.
func (s *Service) Rooms(ctx context.Context, p auth.Principal, hospitalID uuid.UUID) (*RoomBoard, error) {
	if err := authorize(p, ActionViewQueue, nil); err != nil {
		return nil, err
	}
	if _, err := s.hospitals.GetByID(ctx, hospitalID); err != nil {
		return nil, err
	}
	busy, err := s.tickets.ListActive(ctx, hospitalID, occupyingStatuses)
	if err != nil {
		return nil, err
	}

	board := &RoomBoard{
		HospitalID: hospitalID,
		Available:  []string{},
		Occupied:   []OccupiedRoom{},
		Total:      len(s.cfg.Rooms),
	}
	taken := make(map[string]bool)
	for _, t := range busy {
		if t.AssignedRoom == nil {
			continue
		}
		taken[strings.ToLower(*t.AssignedRoom)] = true
		board.Occupied = append(board.Occupied, OccupiedRoom{Room: *t.AssignedRoom, TicketID: t.ID, Code: t.Code})
	}
	for _, room := range s.cfg.Rooms {
		if !taken[strings.ToLower(room)] {
			board.Available = append(board.Available, room)
		}
	}
	board.AvailableCount = len(board.Available)
	return board, nil
}

// Stats returns the hospital with its queue summary and the number of
// tickets treated since midnight UTC.
func (s *Service) Stats(ctx context.Context, p auth.Principal, hospitalID uuid.UUID) (*HospitalStats, error) {
	if err := authorize(p, ActionViewQueue, nil); err != nil {
		return nil, err
	}
	hospital, err := s.hospitals.GetByID(ctx, hospitalID)
	if err != nil {
		return nil, err
	}
	summary, err := s.summarize(ctx, hospital)
	if err != nil {
		return nil, err
	}
	midnight := s.now().UTC().Truncate(24 * time.Hour)
	treated, err := s.tickets.CountTreatedSince(ctx, hospitalID, midnight)
	if err != nil {
		return nil, fmt.Errorf("count treated tickets: %w", err)
	}
	return &HospitalStats{Hospital: hospital, Queue: summary, TreatedToday: treated}, nil
}

func (s *Service) GetTicket(ctx context.Context, p auth.Principal, id uuid.UUID) (*Ticket, error) {
	if err := authorize(p, ActionView, nil); err != nil {
		return nil, err
	}
	t, err := s.tickets.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(p, ActionView, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ActiveForPatient lists the caller's open tickets across hospitals.
func (s *Service) ActiveForPatient(ctx context.Context, p auth.Principal) ([]*Ticket, error) {
	return s.tickets.ListOpenByPatient(ctx, p.ID)
}

// History pages through every ticket the caller has filed.
func (s *Service) History(ctx context.Context, p auth.Principal, limit, offset int) ([]*Ticket, int, error) {
	return s.tickets.ListByPatient(ctx, p.ID, limit, offset)
}

func (s *Service) StatusHistory(ctx context.Context, p auth.Principal, id uuid.UUID) ([]*StatusChange, error) {
	if _, err := s.GetTicket(ctx, p, id); err != nil {
		return nil, err
	}
	return s.notes.ListStatusChanges(ctx, id)
}

// -- Sharing --

// RotateShareToken issues a new share token for the ticket, invalidating the
// previous one.
func (s *Service) RotateShareToken(ctx context.Context, p auth.Principal, id uuid.UUID) (*ShareLink, error) {
	if err := authorize(p, ActionShare, nil); err != nil {
		return nil, err
	}
	current, err := s.tickets.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(p, ActionShare, current); err != nil {
		return nil, err
	}

	token, err := randomHex(shareTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("generate share token: %w", err)
	}
	expires := s.now().UTC().Add(s.cfg.ShareTokenTTL)

	_, err = s.recalc.Within(ctx, current.HospitalID, func(ctx context.Context) (bool, error) {
		t, err := s.tickets.GetByID(ctx, id)
		if err != nil {
			return false, err
		}
		t.ShareToken = &token
		t.ShareExpiresAt = &expires
		t.UpdatedAt = s.now().UTC()
		return false, s.tickets.Update(ctx, t)
	}, nil)
	if err != nil {
		return nil, err
	}
	return &ShareLink{Token: token, ExpiresAt: expires}, nil
}

// RevokeShareToken invalidates the ticket's share link. Revoking a ticket
// that has none is not an error.
func (s *Service) RevokeShareToken(ctx context.Context, p auth.Principal, id uuid.UUID) error {
	if err := authorize(p, ActionShare, nil); err != nil {
		return err
	}
	current, err := s.tickets.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := authorize(p, ActionShare, current); err != nil {
		return err
	}

	_, err = s.recalc.Within(ctx, current.HospitalID, func(ctx context.Context) (bool, error) {
		t, err := s.tickets.GetByID(ctx, id)
		if err != nil {
			return false, err
		}
		if t.ShareToken == nil && t.ShareExpiresAt == nil {
			return false, nil
		}
		t.ShareToken = nil
		t.ShareExpiresAt = nil
		t.UpdatedAt = s.now().UTC()
		return false, s.tickets.Update(ctx, t)
	}, nil)
	if err != nil {
		return err
	}
	s.logger.Info().Str("ticket_id", id.String()).Msg("share link revoked")
	return nil
}

// GetSharedStatus resolves a share token to the ticket's public projection.
// Unknown and expired tokens are indistinguishable.
func (s *Service) GetSharedStatus(ctx context.Context, token string) (*SharedStatus, error) {
	notFound := &NotFoundError{Resource: "shared ticket", ID: "for token"}
	if token == "" {
		return nil, notFound
	}
	t, err := s.tickets.GetByShareToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if t.ShareExpiresAt == nil || !s.now().Before(*t.ShareExpiresAt) {
		return nil, notFound
	}
	hospital, err := s.hospitals.GetByID(ctx, t.HospitalID)
	if err != nil {
		return nil, err
	}
	priority := t.EffectivePriority()
	return &SharedStatus{
		Code:                 t.Code,
		HospitalName:         hospital.Name,
		Status:               t.Status,
		Priority:             priority,
		PriorityLabel:        triage.Label(priority),
		PriorityColor:        triage.Color(priority),
		QueuePosition:        t.QueuePosition,
		EstimatedWaitMinutes: t.EstimatedWaitMinutes,
		AssignedRoom:         t.AssignedRoom,
		UpdatedAt:            t.UpdatedAt,
	}, nil
}

// -- QR check-in --

func (s *Service) checksum(ticketID, hospitalID uuid.UUID) string {
	mac := hmac.New(sha256.New, []byte(s.cfg.CheckInSecret))
	mac.Write([]byte(ticketID.String() + ":" + hospitalID.String()))
	return hex.EncodeToString(mac.Sum(nil))[:checksumLength]
}

// CheckInCode returns the payload for a ticket's check-in QR code.
func (s *Service) CheckInCode(ctx context.Context, p auth.Principal, id uuid.UUID) (*CheckInCode, error) {
	t, err := s.GetTicket(ctx, p, id)
	if err != nil {
		return nil, err
	}
	return &CheckInCode{
		TicketID:   t.ID,
		HospitalID: t.HospitalID,
		Checksum:   s.checksum(t.ID, t.HospitalID),
	}, nil
}

// ScanCheckIn verifies a scanned QR payload and checks the ticket in.
func (s *Service) ScanCheckIn(ctx context.Context, p auth.Principal, code CheckInCode) (*Ticket, error) {
	if err := authorize(p, ActionCheckIn, nil); err != nil {
		return nil, err
	}
	want := s.checksum(code.TicketID, code.HospitalID)
	if !hmac.Equal([]byte(want), []byte(code.Checksum)) {
		return nil, &ValidationError{Field: "checksum", Message: "does not match ticket"}
	}
	t, err := s.tickets.GetByID(ctx, code.TicketID)
	if err != nil {
		return nil, err
	}
	if t.HospitalID != code.HospitalID {
		return nil, &ValidationError{Field: "hospital_id", Message: "does not match ticket"}
	}
	return s.CheckIn(ctx, p, code.TicketID)
}

// -- Critical alerts --

// ListAlerts returns the hospital's open critical tickets.
func (s *Service) ListAlerts(ctx context.Context, p auth.Principal, hospitalID uuid.UUID) ([]*Ticket, error) {
	if err := authorize(p, ActionAcknowledge, nil); err != nil {
		return nil, err
	}
	if _, err := s.hospitals.GetByID(ctx, hospitalID); err != nil {
		return nil, err
	}
	return s.tickets.ListCritical(ctx, hospitalID, alertStatuses)
}

// AlertAcknowledgement is the payload of alert.acknowledged.
type AlertAcknowledgement struct {
	TicketID       uuid.UUID `json:"ticket_id"`
	AcknowledgedBy uuid.UUID `json:"acknowledged_by"`
	AcknowledgedAt time.Time `json:"acknowledged_at"`
}

// AcknowledgeAlert marks a critical ticket as seen by staff. Acknowledging
// twice keeps the first acknowledgement.
func (s *Service) AcknowledgeAlert(ctx context.Context, p auth.Principal, id uuid.UUID) (*Ticket, error) {
	if err := authorize(p, ActionAcknowledge, nil); err != nil {
		return nil, err
	}
	current, err := s.tickets.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var (
		result *Ticket
		fresh  bool
	)
	_, err = s.recalc.Within(ctx, current.HospitalID, func(ctx context.Context) (bool, error) {
		t, err := s.tickets.GetByID(ctx, id)
		if err != nil {
			return false, err
		}
		if !t.Critical() || t.Status.Closed() {
			return false, &ConflictError{Message: "ticket has no open critical alert"}
		}
		result = t
		if t.AlertAcknowledgedAt != nil {
			return false, nil
		}
		by, at := p.ID, s.now().UTC()
		t.AlertAcknowledgedBy = &by
		t.AlertAcknowledgedAt = &at
		t.UpdatedAt = at
		fresh = true
		return false, s.tickets.Update(ctx, t)
	}, func(context.Context, []Placement) {
		if !fresh {
			return
		}
		s.bcast.Emit(s.bcast.event(EventAlertAcknowledged, CriticalTopic(result.HospitalID), result, result.HospitalID,
			AlertAcknowledgement{
				TicketID:       result.ID,
				AcknowledgedBy: *result.AlertAcknowledgedBy,
				AcknowledgedAt: *result.AlertAcknowledgedAt,
			}))
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// -- helpers --

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// newTicketCode returns a short human-readable ticket code such as
// ED-4F1A9C2B.
func newTicketCode() string {
	code, err := randomHex(4)
	if err != nil {
		code = strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	return "ED-" + strings.ToUpper(code)
}
