package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSRelay relays events over a core NATS subject.
type NATSRelay struct {
	conn    *nats.Conn
	subject string
}

// NewNATSRelay connects to url and logs connection state changes.
func NewNATSRelay(url, subject, name string, logger zerolog.Logger) (*NATSRelay, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSRelay{conn: conn, subject: subject}, nil
}

func (n *NATSRelay) Publish(_ context.Context, payload []byte) error {
	return n.conn.Publish(n.subject, payload)
}

func (n *NATSRelay) Run(ctx context.Context, handler func(payload []byte)) error {
	sub, err := n.conn.Subscribe(n.subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", n.subject, err)
	}
	<-ctx.Done()
	return sub.Unsubscribe()
}

func (n *NATSRelay) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}
