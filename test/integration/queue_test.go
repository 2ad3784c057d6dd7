//go:build integration

package integration

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/edqueue/edqueue/internal/domain/queue"
	"github.com/edqueue/edqueue/internal/domain/triage"
	"github.com/edqueue/edqueue/internal/platform/auth"
	"github.com/edqueue/edqueue/internal/platform/db"
	"github.com/edqueue/edqueue/internal/platform/websocket"
)

func newService(pool *pgxpool.Pool) *queue.Service {
	return queue.NewService(
		queue.NewTicketRepoPG(pool),
		queue.NewHospitalRepoPG(pool),
		queue.NewNoteRepoPG(pool),
		db.NewTxManager(pool),
		websocket.NewHub(zerolog.Nop()),
		queue.Config{Policy: queue.DefaultPolicy(), CheckInSecret: "integration"},
		zerolog.Nop(),
	)
}

func patient() auth.Principal {
	return auth.Principal{ID: uuid.New(), Role: auth.RolePatient}
}

func TestQueue_Lifecycle(t *testing.T) {
	pool := newSchema(t, "lifecycle")
	h := createHospital(t, pool, "North ED")
	svc := newService(pool)
	ctx := context.Background()
	nurse := auth.Principal{ID: uuid.New(), Role: auth.RoleNurse}
	doctor := auth.Principal{ID: uuid.New(), Role: auth.RoleDoctor}

	pain := 3
	p := patient()
	tk, err := svc.CreateTicket(ctx, p, queue.CreateTicketRequest{
		HospitalID: h.ID,
		CategoryID: "minor_injury",
		Answers:    triage.Answers{PainLevel: &pain, Bleeding: triage.BleedingLight},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tk.QueuePosition == nil || *tk.QueuePosition != 1 {
		t.Fatalf("expected position 1, got %v", tk.QueuePosition)
	}

	stored, err := svc.GetTicket(ctx, p, tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.TriageAnswers.PainLevel == nil || *stored.TriageAnswers.PainLevel != 3 {
		t.Errorf("triage answers did not round-trip: %+v", stored.TriageAnswers)
	}

	if _, err := svc.ValidateTriage(ctx, nurse, tk.ID, 3, "stable"); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if _, err := svc.AssignRoom(ctx, nurse, tk.ID, "Bay 4"); err != nil {
		t.Fatalf("assign room: %v", err)
	}
	board, err := svc.Rooms(ctx, nurse, h.ID)
	if err != nil {
		t.Fatalf("rooms: %v", err)
	}
	if len(board.Occupied) != 1 || board.Occupied[0].Room != "Bay 4" || board.Occupied[0].TicketID != tk.ID {
		t.Errorf("expected Bay 4 occupied by %s, got %+v", tk.ID, board.Occupied)
	}
	treated, err := svc.MarkTreated(ctx, doctor, tk.ID, queue.TreatRequest{Diagnosis: "sprain"})
	if err != nil {
		t.Fatalf("treat: %v", err)
	}
	if treated.Status != queue.StatusTreated || treated.QueuePosition != nil {
		t.Errorf("unexpected treated ticket %+v", treated)
	}
	stats, err := svc.Stats(ctx, nurse, h.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TreatedToday != 1 || stats.Queue.TotalActive != 0 {
		t.Errorf("expected 1 treated and an empty queue, got %d treated, %d active", stats.TreatedToday, stats.Queue.TotalActive)
	}

	history, err := svc.StatusHistory(ctx, p, tk.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	want := []queue.Status{queue.StatusWaiting, queue.StatusTriage, queue.StatusInProgress, queue.StatusTreated}
	if len(history) != len(want) {
		t.Fatalf("expected %d status changes, got %d", len(want), len(history))
	}
	for i, s := range want {
		if history[i].ToStatus != s {
			t.Errorf("change %d: expected %s, got %s", i, s, history[i].ToStatus)
		}
	}

	// a treated ticket no longer blocks a new visit
	if _, err := svc.CreateTicket(ctx, p, queue.CreateTicketRequest{HospitalID: h.ID, CategoryID: "consultation"}); err != nil {
		t.Errorf("new visit after treatment: %v", err)
	}
}

func TestTicketRepo_OneOpenTicketConstraint(t *testing.T) {
	pool := newSchema(t, "oneopen")
	h := createHospital(t, pool, "South ED")
	repo := queue.NewTicketRepoPG(pool)
	ctx := context.Background()
	patientID := uuid.New()

	first := &queue.Ticket{ID: uuid.New(), Code: "ED-00000001", PatientID: patientID, HospitalID: h.ID, RawPriority: 4, Status: queue.StatusWaiting}
	if err := repo.Create(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}
	second := &queue.Ticket{ID: uuid.New(), Code: "ED-00000002", PatientID: patientID, HospitalID: h.ID, RawPriority: 4, Status: queue.StatusWaiting}
	var conflict *queue.ConflictError
	if err := repo.Create(ctx, second); !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}

	open, err := repo.FindOpen(ctx, patientID, h.ID)
	if err != nil || open == nil || open.ID != first.ID {
		t.Fatalf("expected first ticket open, got %v (%v)", open, err)
	}
}

func TestQueue_ConcurrentIntakesAcrossInstances(t *testing.T) {
	pool := newSchema(t, "concurrent")
	h := createHospital(t, pool, "East ED")
	// separate services have separate in-process locks, like two server instances
	instances := []*queue.Service{newService(pool), newService(pool)}
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			category := "consultation"
			if i%4 == 0 {
				category = "chest_pain"
			}
			_, err := instances[i%2].CreateTicket(ctx, patient(), queue.CreateTicketRequest{HospitalID: h.ID, CategoryID: category})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("intake: %v", err)
		}
	}

	active, err := queue.NewTicketRepoPG(pool).ListActive(ctx, h.ID, queue.DefaultPolicy().ActiveStatuses())
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != n {
		t.Fatalf("expected %d active tickets, got %d", n, len(active))
	}
	for i, tk := range active {
		if tk.QueuePosition == nil || *tk.QueuePosition != i+1 {
			t.Errorf("ticket %d: expected position %d, got %v", i, i+1, tk.QueuePosition)
		}
		if i > 0 && tk.EffectivePriority() < active[i-1].EffectivePriority() {
			t.Errorf("ticket %d ranked after a less urgent ticket", i)
		}
	}
}

func TestTicketRepo_ClaimReminderOnce(t *testing.T) {
	pool := newSchema(t, "reminder")
	h := createHospital(t, pool, "West ED")
	svc := newService(pool)
	ctx := context.Background()

	tk, err := svc.CreateTicket(ctx, patient(), queue.CreateTicketRequest{HospitalID: h.ID, CategoryID: "high_fever"})
	if err != nil {
		t.Fatal(err)
	}

	repo := queue.NewTicketRepoPG(pool)
	due, err := repo.ListReminderDue(ctx, 45)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != tk.ID {
		t.Fatalf("expected the ticket to be due, got %d", len(due))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.ClaimReminder(ctx, tk.ID)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if claimed != 1 {
		t.Errorf("expected exactly one claim, got %d", claimed)
	}

	due, err = repo.ListReminderDue(ctx, 45)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Errorf("claimed ticket is still due")
	}
}

func TestQueue_SharedStatus(t *testing.T) {
	pool := newSchema(t, "shared")
	h := createHospital(t, pool, "Harbor ED")
	svc := newService(pool)
	ctx := context.Background()
	p := patient()

	tk, err := svc.CreateTicket(ctx, p, queue.CreateTicketRequest{HospitalID: h.ID, CategoryID: "mild_symptoms"})
	if err != nil {
		t.Fatal(err)
	}
	link, err := svc.RotateShareToken(ctx, p, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	shared, err := svc.GetSharedStatus(ctx, link.Token)
	if err != nil {
		t.Fatalf("shared status: %v", err)
	}
	if shared.HospitalName != "Harbor ED" || shared.Code != tk.Code {
		t.Errorf("unexpected shared status %+v", shared)
	}

	if err := svc.RevokeShareToken(ctx, p, tk.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	var nf *queue.NotFoundError
	if _, err := svc.GetSharedStatus(ctx, link.Token); !errors.As(err, &nf) {
		t.Errorf("expected revoked link to be gone, got %v", err)
	}
	stored, err := svc.GetTicket(ctx, p, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ShareToken != nil || stored.ShareExpiresAt != nil {
		t.Errorf("expected share columns cleared, got %v %v", stored.ShareToken, stored.ShareExpiresAt)
	}
}
