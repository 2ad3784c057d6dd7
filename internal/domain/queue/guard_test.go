package queue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/edqueue/edqueue/internal/platform/auth"
	"github.com/edqueue/edqueue/internal/platform/websocket"
)

func TestParseTopic(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		topic string
		kind  topicKind
		ok    bool
	}{
		{TicketTopic(id), topicTicket, true},
		{PatientTopic(id), topicPatient, true},
		{HospitalTopic(id), topicHospital, true},
		{CriticalTopic(id), topicCritical, true},
		{"hospital:" + id.String() + ":secret", 0, false},
		{"doctor:" + id.String(), 0, false},
		{"ticket:not-a-uuid", 0, false},
		{"ticket", 0, false},
	}
	for _, tt := range tests {
		kind, got, err := parseTopic(tt.topic)
		if (err == nil) != tt.ok {
			t.Errorf("%q: expected ok=%v, got %v", tt.topic, tt.ok, err)
			continue
		}
		if tt.ok && (kind != tt.kind || got != id) {
			t.Errorf("%q: got kind %d id %s", tt.topic, kind, got)
		}
	}
}

func TestSubscriptionGuard_Authorize(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()
	g := NewSubscriptionGuard(f.svc)
	tk, owner := f.intake(t, "minor_injury")
	stranger := newPatient()

	allowed := []struct {
		p     auth.Principal
		topic string
	}{
		{owner, TicketTopic(tk.ID)},
		{owner, PatientTopic(owner.ID)},
		{f.nurse, HospitalTopic(f.hospital.ID)},
		{f.doctor, CriticalTopic(f.hospital.ID)},
		{f.nurse, TicketTopic(tk.ID)},
	}
	for _, a := range allowed {
		if err := g.Authorize(ctx, a.p, a.topic); err != nil {
			t.Errorf("%s on %s: unexpected denial %v", a.p.Role, a.topic, err)
		}
	}

	denied := []struct {
		p     auth.Principal
		topic string
	}{
		{stranger, TicketTopic(tk.ID)},
		{stranger, PatientTopic(owner.ID)},
		{owner, HospitalTopic(f.hospital.ID)},
		{owner, CriticalTopic(f.hospital.ID)},
		{owner, "lobby"},
	}
	for _, d := range denied {
		if err := g.Authorize(ctx, d.p, d.topic); err == nil {
			t.Errorf("%s on %s: expected denial", d.p.Role, d.topic)
		}
	}
}

func TestSubscriptionGuard_DefaultTopics(t *testing.T) {
	g := NewSubscriptionGuard(nil)
	p := newPatient()
	topics := g.DefaultTopics(p)
	if len(topics) != 1 || topics[0] != PatientTopic(p.ID) {
		t.Errorf("unexpected default topics %v", topics)
	}
	if len(g.DefaultTopics(auth.Principal{ID: uuid.New(), Role: auth.RoleNurse})) != 0 {
		t.Error("staff join hospitals explicitly")
	}
}

func TestSubscriptionGuard_JoinedSendsSummary(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	f.intake(t, "chest_pain")
	g := NewSubscriptionGuard(f.svc)

	client := &websocket.Client{ID: "c1", Principal: f.nurse, Send: make(chan []byte, 1)}
	g.Joined(context.Background(), client, HospitalTopic(f.hospital.ID))

	select {
	case data := <-client.Send:
		var e websocket.Event
		if err := json.Unmarshal(data, &e); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if e.Type != EventQueueUpdated {
			t.Errorf("expected queue.updated, got %s", e.Type)
		}
		var s Summary
		if err := json.Unmarshal(e.Data, &s); err != nil {
			t.Fatalf("decode summary: %v", err)
		}
		if s.TotalActive != 1 || s.Critical != 1 {
			t.Errorf("unexpected summary %+v", s)
		}
	default:
		t.Fatal("expected an initial summary")
	}

	g.Joined(context.Background(), client, CriticalTopic(f.hospital.ID))
	if len(client.Send) != 0 {
		t.Error("only hospital topics get an initial summary")
	}
}
