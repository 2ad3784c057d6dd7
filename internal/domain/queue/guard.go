package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/edqueue/edqueue/internal/platform/auth"
	"github.com/edqueue/edqueue/internal/platform/websocket"
)

// SubscriptionGuard decides which queue topics a websocket client may watch.
// Staff may watch hospital topics; patients may watch their own tickets.
type SubscriptionGuard struct {
	svc *Service
}

func NewSubscriptionGuard(svc *Service) *SubscriptionGuard {
	return &SubscriptionGuard{svc: svc}
}

var _ websocket.SubscriptionGuard = (*SubscriptionGuard)(nil)

// DefaultTopics subscribes patients to their own patient topic on connect.
func (g *SubscriptionGuard) DefaultTopics(p auth.Principal) []string {
	if p.Role == auth.RolePatient {
		return []string{PatientTopic(p.ID)}
	}
	return nil
}

type topicKind int

const (
	topicTicket topicKind = iota
	topicPatient
	topicHospital
	topicCritical
)

func parseTopic(topic string) (topicKind, uuid.UUID, error) {
	prefix, rest, ok := strings.Cut(topic, ":")
	if !ok {
		return 0, uuid.Nil, fmt.Errorf("malformed topic %q", topic)
	}
	kind := topicTicket
	switch prefix {
	case "ticket":
	case "patient":
		kind = topicPatient
	case "hospital":
		kind = topicHospital
		if id, suffix, ok := strings.Cut(rest, ":"); ok {
			if suffix != "critical" {
				return 0, uuid.Nil, fmt.Errorf("unknown topic %q", topic)
			}
			kind, rest = topicCritical, id
		}
	default:
		return 0, uuid.Nil, fmt.Errorf("unknown topic %q", topic)
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return 0, uuid.Nil, fmt.Errorf("malformed topic %q", topic)
	}
	return kind, id, nil
}

func (g *SubscriptionGuard) Authorize(ctx context.Context, p auth.Principal, topic string) error {
	kind, id, err := parseTopic(topic)
	if err != nil {
		return &ValidationError{Field: "topic", Message: err.Error()}
	}

	switch kind {
	case topicHospital, topicCritical:
		return authorize(p, ActionViewQueue, nil)
	case topicPatient:
		if p.IsStaff() || p.ID == id {
			return nil
		}
		return &AuthorizationError{Role: p.Role, Action: ActionView}
	default:
		_, err := g.svc.GetTicket(ctx, p, id)
		return err
	}
}

// Joined sends staff the current summary when they join a hospital topic so
// dashboards render without waiting for the next change.
func (g *SubscriptionGuard) Joined(ctx context.Context, c *websocket.Client, topic string) {
	kind, id, err := parseTopic(topic)
	if err != nil || kind != topicHospital {
		return
	}
	summary, err := g.svc.Summary(ctx, id)
	if err != nil {
		g.svc.logger.Warn().Err(err).Str("topic", topic).Msg("initial summary for subscriber")
		return
	}
	c.Deliver(g.svc.bcast.summaryEvent(summary))
}
