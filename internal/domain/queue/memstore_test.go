package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edqueue/edqueue/internal/platform/auth"
	"github.com/edqueue/edqueue/internal/platform/websocket"
)

// memStore implements every repository and the Transactor in memory. A
// failed unit of work restores the snapshot taken when it started.
type memStore struct {
	mu   sync.Mutex
	txMu sync.Mutex

	tickets     map[uuid.UUID]*Ticket
	hospitals   map[uuid.UUID]*Hospital
	triageNotes []*TriageNote
	doctorNotes []*DoctorNote
	history     []*StatusChange

	// failSavePlacements makes the next re-rank fail.
	failSavePlacements error
	lockKeys           []string
}

func newMemStore() *memStore {
	return &memStore{
		tickets:   make(map[uuid.UUID]*Ticket),
		hospitals: make(map[uuid.UUID]*Hospital),
	}
}

type memTxKey struct{}

type memSnapshot struct {
	tickets     map[uuid.UUID]*Ticket
	triageNotes []*TriageNote
	doctorNotes []*DoctorNote
	history     []*StatusChange
}

func (m *memStore) InTx(ctx context.Context, lockKey string, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	m.lockKeys = append(m.lockKeys, lockKey)
	snap := memSnapshot{
		tickets:     make(map[uuid.UUID]*Ticket, len(m.tickets)),
		triageNotes: append([]*TriageNote(nil), m.triageNotes...),
		doctorNotes: append([]*DoctorNote(nil), m.doctorNotes...),
		history:     append([]*StatusChange(nil), m.history...),
	}
	for id, t := range m.tickets {
		snap.tickets[id] = t.clone()
	}
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(context.WithValue(ctx, memTxKey{}, lockKey)); err != nil {
		m.mu.Lock()
		m.tickets = snap.tickets
		m.triageNotes = snap.triageNotes
		m.doctorNotes = snap.doctorNotes
		m.history = snap.history
		m.mu.Unlock()
		return err
	}
	return nil
}

// -- tickets --

func (m *memStore) Create(_ context.Context, t *Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.tickets {
		if other.PatientID == t.PatientID && other.HospitalID == t.HospitalID && !other.Status.Closed() {
			return &ConflictError{Message: "patient already has an open ticket at this hospital"}
		}
	}
	m.tickets[t.ID] = t.clone()
	return nil
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return nil, &NotFoundError{Resource: "ticket", ID: id.String()}
	}
	return t.clone(), nil
}

func (m *memStore) GetByShareToken(_ context.Context, token string) (*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tickets {
		if t.ShareToken != nil && *t.ShareToken == token {
			return t.clone(), nil
		}
	}
	return nil, &NotFoundError{Resource: "ticket", ID: "for share token"}
}

func (m *memStore) FindOpen(_ context.Context, patientID, hospitalID uuid.UUID) (*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tickets {
		if t.PatientID == patientID && t.HospitalID == hospitalID && !t.Status.Closed() {
			return t.clone(), nil
		}
	}
	return nil, nil
}

func (m *memStore) Update(_ context.Context, t *Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.tickets[t.ID]
	if !ok {
		return &NotFoundError{Resource: "ticket", ID: t.ID.String()}
	}
	c := t.clone()
	c.ReminderSent = stored.ReminderSent
	m.tickets[t.ID] = c
	return nil
}

func (m *memStore) filter(keep func(*Ticket) bool) []*Ticket {
	var out []*Ticket
	for _, t := range m.tickets {
		if keep(t) {
			out = append(out, t.clone())
		}
	}
	return out
}

func inStatuses(s Status, statuses []Status) bool {
	for _, x := range statuses {
		if x == s {
			return true
		}
	}
	return false
}

func (m *memStore) ListActive(_ context.Context, hospitalID uuid.UUID, statuses []Status) ([]*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.filter(func(t *Ticket) bool {
		return t.HospitalID == hospitalID && inStatuses(t.Status, statuses)
	})
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out, nil
}

func (m *memStore) ListCritical(ctx context.Context, hospitalID uuid.UUID, statuses []Status) ([]*Ticket, error) {
	active, _ := m.ListActive(ctx, hospitalID, statuses)
	var out []*Ticket
	for _, t := range active {
		if t.Critical() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) ListOpenByPatient(_ context.Context, patientID uuid.UUID) ([]*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.filter(func(t *Ticket) bool { return t.PatientID == patientID && !t.Status.Closed() })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Ticket, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.filter(func(t *Ticket) bool { return t.PatientID == patientID })
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *memStore) CountTreatedSince(_ context.Context, hospitalID uuid.UUID, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tickets {
		if t.HospitalID == hospitalID && t.TreatedAt != nil && !t.TreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) SavePlacements(_ context.Context, hospitalID uuid.UUID, placements []Placement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSavePlacements != nil {
		err := m.failSavePlacements
		m.failSavePlacements = nil
		return err
	}
	for _, p := range placements {
		t, ok := m.tickets[p.TicketID]
		if !ok || t.HospitalID != hospitalID {
			continue
		}
		pos, wait := p.Position, p.WaitMinutes
		t.QueuePosition = &pos
		t.EstimatedWaitMinutes = &wait
	}
	return nil
}

func (m *memStore) ClearInactivePlacements(_ context.Context, hospitalID uuid.UUID, active []Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tickets {
		if t.HospitalID == hospitalID && !inStatuses(t.Status, active) {
			t.clearPlacement()
		}
	}
	return nil
}

func (m *memStore) ListReminderDue(_ context.Context, threshold int) ([]*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.filter(func(t *Ticket) bool {
		return t.Status == StatusWaiting && !t.ReminderSent && t.EstimatedWaitMinutes != nil &&
			*t.EstimatedWaitMinutes > 0 && *t.EstimatedWaitMinutes <= threshold
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) ClaimReminder(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok || t.ReminderSent {
		return false, nil
	}
	t.ReminderSent = true
	return true, nil
}

// -- hospitals --

type memHospitals struct{ *memStore }

func (h memHospitals) Create(_ context.Context, hosp *Hospital) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if hosp.ID == uuid.Nil {
		hosp.ID = uuid.New()
	}
	c := *hosp
	h.hospitals[hosp.ID] = &c
	return nil
}

func (h memHospitals) GetByID(_ context.Context, id uuid.UUID) (*Hospital, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hosp, ok := h.hospitals[id]
	if !ok {
		return nil, &NotFoundError{Resource: "hospital", ID: id.String()}
	}
	c := *hosp
	return &c, nil
}

func (h memHospitals) List(_ context.Context) ([]*Hospital, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*Hospital
	for _, hosp := range h.hospitals {
		c := *hosp
		out = append(out, &c)
	}
	return out, nil
}

// -- notes --

func (m *memStore) AddTriageNote(_ context.Context, n *TriageNote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n.ID = uuid.New()
	m.triageNotes = append(m.triageNotes, n)
	return nil
}

func (m *memStore) AddDoctorNote(_ context.Context, n *DoctorNote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n.ID = uuid.New()
	m.doctorNotes = append(m.doctorNotes, n)
	return nil
}

func (m *memStore) AddStatusChange(_ context.Context, c *StatusChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = uuid.New()
	m.history = append(m.history, c)
	return nil
}

func (m *memStore) ListStatusChanges(_ context.Context, ticketID uuid.UUID) ([]*StatusChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*StatusChange
	for _, c := range m.history {
		if c.TicketID == ticketID {
			out = append(out, c)
		}
	}
	return out, nil
}

// recordingPublisher captures published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, e websocket.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, e)
	return nil
}

func (r *recordingPublisher) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// find returns the events of a type published to a topic.
func (r *recordingPublisher) find(typ, topic string) []websocket.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []websocket.Event
	for _, e := range r.events {
		if e.Type == typ && e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

// statuses decodes the ticket states published with typ on topic, in
// publish order. Position-only notices carry no status and are skipped.
func (r *recordingPublisher) statuses(t *testing.T, typ, topic string) []Status {
	t.Helper()
	var out []Status
	for _, e := range r.find(typ, topic) {
		var state TicketState
		if err := json.Unmarshal(e.Data, &state); err != nil {
			t.Fatalf("decode %s on %s: %v", typ, topic, err)
		}
		if state.Status != "" {
			out = append(out, state.Status)
		}
	}
	return out
}

// -- fixture --

type fixture struct {
	store    *memStore
	pub      *recordingPublisher
	svc      *Service
	hospital *Hospital
	admin    auth.Principal
	nurse    auth.Principal
	doctor   auth.Principal
}

var fixtureBase = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	store := newMemStore()
	pub := &recordingPublisher{}
	svc := NewService(store, memHospitals{store}, store, store, pub, Config{
		Policy:        policy,
		CheckInSecret: "test-secret",
	}, zerolog.Nop())

	var tick int64
	svc.now = func() time.Time {
		return fixtureBase.Add(time.Duration(atomic.AddInt64(&tick, 1)) * time.Second)
	}
	svc.bcast.now = svc.now

	hospital := &Hospital{Name: "Central ED", Capacity: 30}
	if err := (memHospitals{store}).Create(context.Background(), hospital); err != nil {
		t.Fatalf("create hospital: %v", err)
	}

	return &fixture{
		store:    store,
		pub:      pub,
		svc:      svc,
		hospital: hospital,
		admin:    auth.Principal{ID: uuid.New(), Role: auth.RoleAdmin},
		nurse:    auth.Principal{ID: uuid.New(), Role: auth.RoleNurse},
		doctor:   auth.Principal{ID: uuid.New(), Role: auth.RoleDoctor},
	}
}

func newPatient() auth.Principal {
	return auth.Principal{ID: uuid.New(), Role: auth.RolePatient}
}

// intake files a ticket for a fresh patient under the given category.
func (f *fixture) intake(t *testing.T, category string) (*Ticket, auth.Principal) {
	t.Helper()
	p := newPatient()
	tk, err := f.svc.CreateTicket(context.Background(), p, CreateTicketRequest{
		HospitalID: f.hospital.ID,
		CategoryID: category,
	})
	if err != nil {
		t.Fatalf("create ticket (%s): %v", category, err)
	}
	return tk, p
}

func (f *fixture) ticket(t *testing.T, id uuid.UUID) *Ticket {
	t.Helper()
	tk, err := f.store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("load ticket: %v", err)
	}
	return tk
}

// queue returns the hospital's active queue after pending events are out.
func (f *fixture) queue(t *testing.T) *QueueView {
	t.Helper()
	f.svc.bcast.Wait()
	view, err := f.svc.GetQueue(context.Background(), f.nurse, f.hospital.ID)
	if err != nil {
		t.Fatalf("get queue: %v", err)
	}
	return view
}

// assertPositions checks the active queue holds exactly positions 1..N in
// order with non-decreasing effective priority.
func assertPositions(t *testing.T, view *QueueView) {
	t.Helper()
	prev := 0
	for i, tk := range view.Tickets {
		if tk.QueuePosition == nil || *tk.QueuePosition != i+1 {
			t.Fatalf("ticket %d (%s) has position %v, want %d", i, tk.Code, tk.QueuePosition, i+1)
		}
		if tk.EffectivePriority() < prev {
			t.Fatalf("ticket %d priority %d ranked after priority %d", i, tk.EffectivePriority(), prev)
		}
		prev = tk.EffectivePriority()
	}
}

func asError[T error](t *testing.T, err error) T {
	t.Helper()
	var target T
	if !errors.As(err, &target) {
		t.Fatalf("expected %T, got %v", target, err)
	}
	return target
}
