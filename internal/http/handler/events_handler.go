package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/sandeepkv93/sso-session-core/internal/domain"
	"github.com/sandeepkv93/sso-session-core/internal/http/middleware"
	"github.com/sandeepkv93/sso-session-core/internal/http/response"
)

const (
	eventsSubprotocol = "sessiond.events.v1"

	eventsBuffer        = 256
	eventsWriteTimeout  = 5 * time.Second
	eventsPingInterval  = 30 * time.Second
	eventsPingTimeout   = 10 * time.Second
	eventsMaxPingMisses = 3
)

// EventSource is satisfied by the lifecycle event bus.
type EventSource interface {
	Subscribe(buffer int, types ...domain.EventType) (<-chan domain.Event, func())
}

// EventsHandler streams lifecycle events to websocket clients. Events a
// slow client cannot absorb are dropped by the bus, never queued here.
type EventsHandler struct {
	source         EventSource
	logger         *slog.Logger
	originPatterns []string
	pingInterval   time.Duration
}

func NewEventsHandler(source EventSource, logger *slog.Logger, originPatterns []string) *EventsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventsHandler{
		source:         source,
		logger:         logger.With("component", "events_ws"),
		originPatterns: originPatterns,
		pingInterval:   eventsPingInterval,
	}
}

func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	types, err := parseEventTypes(r.URL.Query().Get("types"))
	if err != nil {
		response.FromError(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{eventsSubprotocol},
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn("ws.accept.fail", "error", err, "remote", r.RemoteAddr)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	// Clients only listen; CloseRead handles control frames and cancels ctx
	// once the peer goes away.
	ctx := conn.CloseRead(r.Context())

	events, cancel := h.source.Subscribe(eventsBuffer, types...)
	defer cancel()

	actor := middleware.Actor(r.Context())
	h.logger.Info("ws.subscribe", "actor", actor, "types", types, "remote", r.RemoteAddr)

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()
	misses := 0

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("ws.unsubscribe", "actor", actor, "close_status", websocket.CloseStatus(context.Cause(ctx)))
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				h.logger.Info("ws.write.fail", "actor", actor, "error", err)
				_ = conn.Close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		case <-ping.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, eventsPingTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err == nil {
				misses = 0
				continue
			}
			misses++
			if misses >= eventsMaxPingMisses {
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
		}
	}
}

func writeEvent(parent context.Context, conn *websocket.Conn, ev domain.Event) error {
	ctx, cancel := context.WithTimeout(parent, eventsWriteTimeout)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

var knownEventTypes = map[domain.EventType]struct{}{
	domain.EventSessionCreated:   {},
	domain.EventSessionRefreshed: {},
	domain.EventSessionExpired:   {},
	domain.EventSessionRevoked:   {},
	domain.EventSessionExpiring:  {},
	domain.EventRefreshNeeded:    {},
	domain.EventRefreshFailed:    {},
}

func parseEventTypes(raw string) ([]domain.EventType, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []domain.EventType
	for _, part := range strings.Split(raw, ",") {
		t := domain.EventType(strings.TrimSpace(part))
		if t == "" {
			continue
		}
		if _, ok := knownEventTypes[t]; !ok {
			return nil, fmt.Errorf("%w: unknown event type %q", domain.ErrInvalidArgument, t)
		}
		out = append(out, t)
	}
	return out, nil
}
