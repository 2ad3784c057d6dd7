package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultReminderInterval  = time.Minute
	DefaultReminderThreshold = 45
)

// ReminderSweeper tells waiting patients that their turn is near. Each ticket
// is reminded at most once, even with several server instances sweeping.
type ReminderSweeper struct {
	tickets   TicketRepository
	bcast     *Broadcaster
	logger    zerolog.Logger
	Interval  time.Duration
	Threshold int
}

func NewReminderSweeper(tickets TicketRepository, bcast *Broadcaster, logger zerolog.Logger) *ReminderSweeper {
	return &ReminderSweeper{
		tickets:   tickets,
		bcast:     bcast,
		logger:    logger.With().Str("component", "reminders").Logger(),
		Interval:  DefaultReminderInterval,
		Threshold: DefaultReminderThreshold,
	}
}

// Start sweeps on every tick. It blocks until ctx is cancelled.
func (r *ReminderSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error().Err(err).Msg("reminder sweep failed")
			}
		}
	}
}

// Sweep reminds every waiting ticket whose estimate dropped to the threshold
// and returns how many reminders were sent.
func (r *ReminderSweeper) Sweep(ctx context.Context) (int, error) {
	due, err := r.tickets.ListReminderDue(ctx, r.Threshold)
	if err != nil {
		return 0, fmt.Errorf("list reminder candidates: %w", err)
	}

	sent := 0
	for _, t := range due {
		claimed, err := r.tickets.ClaimReminder(ctx, t.ID)
		if err != nil {
			r.logger.Error().Err(err).Str("ticket_id", t.ID.String()).Msg("claim reminder")
			continue
		}
		if !claimed {
			continue
		}

		wait := 0
		if t.EstimatedWaitMinutes != nil {
			wait = *t.EstimatedWaitMinutes
		}
		r.bcast.Emit(r.bcast.patientEvents(EventTicketReminder, t, Reminder{
			TicketID:             t.ID,
			QueuePosition:        t.QueuePosition,
			EstimatedWaitMinutes: wait,
			Message:              fmt.Sprintf("Your turn is coming up in about %d minutes. Please stay close to the emergency department.", wait),
		})...)
		sent++
	}

	if sent > 0 {
		r.logger.Info().Int("sent", sent).Msg("reminders sent")
	}
	return sent, nil
}
