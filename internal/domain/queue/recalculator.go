package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// hospitalLocks serializes work per hospital inside one process. Work on
// different hospitals proceeds in parallel. Entries are never removed; the
// map holds one channel per hospital seen, which is a small fixed set.
type hospitalLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]chan struct{}
}

func newHospitalLocks() *hospitalLocks {
	return &hospitalLocks{locks: make(map[uuid.UUID]chan struct{})}
}

// acquire blocks until the hospital's lock is free or ctx is done.
func (l *hospitalLocks) acquire(ctx context.Context, id uuid.UUID) (func(), error) {
	l.mu.Lock()
	ch, ok := l.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[id] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Recalculator re-ranks a hospital's active tickets. Every mutation that can
// change a hospital's ordering runs through Within so that the mutation and
// the new ranking commit together or not at all.
type Recalculator struct {
	tickets TicketRepository
	tx      Transactor
	locks   *hospitalLocks
	policy  Policy
	logger  zerolog.Logger
}

func NewRecalculator(tickets TicketRepository, tx Transactor, policy Policy, logger zerolog.Logger) *Recalculator {
	return &Recalculator{
		tickets: tickets,
		tx:      tx,
		locks:   newHospitalLocks(),
		policy:  policy,
		logger:  logger.With().Str("component", "recalculator").Logger(),
	}
}

// unitOfWork mutates state inside the hospital transaction and reports
// whether the hospital needs re-ranking afterwards.
type unitOfWork func(ctx context.Context) (rerank bool, err error)

// commitHook runs after the transaction committed, still under the
// hospital lock. Its context survives cancellation of the caller's.
type commitHook func(ctx context.Context, placements []Placement)

const commitHookTimeout = 5 * time.Second

func lockKey(hospitalID uuid.UUID) string {
	return "hospital:" + hospitalID.String()
}

// Within runs fn under the hospital lock in a single transaction, re-ranking
// afterwards when fn asks for it. committed, when non-nil, runs once the
// transaction has committed and before the lock is released, so events it
// emits leave in commit order. The returned placements are empty when no
// re-rank happened.
func (r *Recalculator) Within(ctx context.Context, hospitalID uuid.UUID, fn unitOfWork, committed commitHook) ([]Placement, error) {
	release, err := r.locks.acquire(ctx, hospitalID)
	if err != nil {
		return nil, fmt.Errorf("lock hospital %s: %w", hospitalID, err)
	}
	defer release()

	var placements []Placement
	err = r.tx.InTx(ctx, lockKey(hospitalID), func(ctx context.Context) error {
		if fn != nil {
			rerank, err := fn(ctx)
			if err != nil || !rerank {
				return err
			}
		}
		p, err := r.rerank(ctx, hospitalID)
		if err != nil {
			return err
		}
		placements = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	if committed != nil {
		hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitHookTimeout)
		defer cancel()
		committed(hookCtx, placements)
	}
	return placements, nil
}

// Recalculate re-ranks the hospital on its own. Running it twice without an
// intervening change writes the same positions.
func (r *Recalculator) Recalculate(ctx context.Context, hospitalID uuid.UUID) ([]Placement, error) {
	return r.Within(ctx, hospitalID, nil, nil)
}

func (r *Recalculator) rerank(ctx context.Context, hospitalID uuid.UUID) ([]Placement, error) {
	start := time.Now()
	statuses := r.policy.ActiveStatuses()

	active, err := r.tickets.ListActive(ctx, hospitalID, statuses)
	if err != nil {
		return nil, fmt.Errorf("list active tickets: %w", err)
	}
	placements := Rank(active, r.policy.Wait)
	if err := r.tickets.SavePlacements(ctx, hospitalID, placements); err != nil {
		return nil, err
	}
	if err := r.tickets.ClearInactivePlacements(ctx, hospitalID, statuses); err != nil {
		return nil, fmt.Errorf("clear inactive placements: %w", err)
	}

	r.logger.Debug().
		Str("hospital_id", hospitalID.String()).
		Int("active", len(placements)).
		Dur("took", time.Since(start)).
		Msg("queue re-ranked")
	return placements, nil
}
