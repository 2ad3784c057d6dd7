package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/edqueue/edqueue/internal/platform/auth"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxMessage = 4096
	sendBuffer = 256
)

// SubscriptionGuard decides which topics a principal may watch.
type SubscriptionGuard interface {
	// DefaultTopics are subscribed on connect.
	DefaultTopics(p auth.Principal) []string
	Authorize(ctx context.Context, p auth.Principal, topic string) error
	// Joined runs after a successful subscribe and may push initial state
	// with Client.Deliver.
	Joined(ctx context.Context, c *Client, topic string)
}

// openGuard allows everything. Used when no guard is configured.
type openGuard struct{}

func (openGuard) DefaultTopics(auth.Principal) []string                   { return nil }
func (openGuard) Authorize(context.Context, auth.Principal, string) error { return nil }
func (openGuard) Joined(context.Context, *Client, string)                 {}

// EventSubscriptionDenied is sent back to a client for each refused topic.
const EventSubscriptionDenied = "subscription.denied"

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler upgrades authenticated requests and routes client messages.
type WebSocketHandler struct {
	hub    *Hub
	guard  SubscriptionGuard
	logger zerolog.Logger
}

func NewWebSocketHandler(hub *Hub, guard SubscriptionGuard, logger zerolog.Logger) *WebSocketHandler {
	if guard == nil {
		guard = openGuard{}
	}
	return &WebSocketHandler{hub: hub, guard: guard, logger: logger.With().Str("component", "ws_handler").Logger()}
}

func (wsh *WebSocketHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	p, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:        uuid.NewString(),
		Principal: p,
		Topics:    append([]string(nil), wsh.guard.DefaultTopics(p)...),
		Send:      make(chan []byte, sendBuffer),
		hub:       wsh.hub,
	}
	wsh.hub.Register(client)
	wsh.logger.Debug().Str("client", client.ID).Str("principal_id", p.ID.String()).Str("role", p.Role).Msg("client connected")

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)
	return nil
}

// HandleMessage applies one client message. Subscriptions are checked
// topic by topic; refused topics are reported back to the client.
func (wsh *WebSocketHandler) HandleMessage(ctx context.Context, client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		for _, topic := range msg.Topics {
			if err := wsh.guard.Authorize(ctx, client.Principal, topic); err != nil {
				client.Deliver(Event{
					ID:        uuid.NewString(),
					Type:      EventSubscriptionDenied,
					Topic:     topic,
					Timestamp: time.Now().UTC(),
				})
				continue
			}
			wsh.hub.Subscribe(client, []string{topic})
			wsh.guard.Joined(ctx, client, topic)
		}
	case "unsubscribe":
		wsh.hub.Unsubscribe(client, msg.Topics)
	}
}

func (wsh *WebSocketHandler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
		wsh.logger.Debug().Str("client", client.ID).Msg("client disconnected")
	}()

	ws.SetReadLimit(maxMessage)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		wsh.HandleMessage(ctx, client, msg)
		cancel()
	}
}

func (wsh *WebSocketHandler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
