package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"bustrack/internal/hub"
	"bustrack/internal/store"
)

type WSHandler struct {
	hub    *hub.Hub
	store  *store.Store
	logger *slog.Logger
}

func NewWSHandler(h *hub.Hub, s *store.Store, logger *slog.Logger) *WSHandler {
	return &WSHandler{hub: h, store: s, logger: logger.With("component", "ws_handler")}
}

type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RoutesPayload is the body of subscribe and unsubscribe messages. The
// route id "*" stands for every route.
type RoutesPayload struct {
	RouteIDs []string `json:"routeIds"`
}

type PongMessage struct {
	Type string `json:"type"`
}

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}

	clientID := uuid.New().String()
	client := hub.NewClient(clientID, 64)

	h.hub.Register(client)
	ServerStats.IncWSConnections()
	defer ServerStats.DecWSConnections()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.writeLoop(ctx, conn, client)

	h.readLoop(ctx, conn, client)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	defer func() {
		h.hub.Unregister(client)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				h.logger.Debug("websocket read error", "client_id", client.ID, "error", err)
			}
			return
		}

		if msgType != websocket.MessageText {
			continue
		}
		ServerStats.IncWSMessagesIn()

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("invalid message format", "client_id", client.ID, "error", err)
			continue
		}

		switch msg.Type {
		case "subscribe":
			var payload RoutesPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				continue
			}
			if len(payload.RouteIDs) > 0 {
				h.hub.Subscribe(client, payload.RouteIDs)
				h.sendSnapshots(client, payload.RouteIDs)
			}

		case "unsubscribe":
			var payload RoutesPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				continue
			}
			if len(payload.RouteIDs) > 0 {
				h.hub.Unsubscribe(client, payload.RouteIDs)
			}

		case "ping":
			h.sendPong(client)
		}
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-client.Send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
			ServerStats.IncWSMessagesOut()

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// sendSnapshots primes a new subscription with the current state of each
// route, so clients do not wait for the next poll.
func (h *WSHandler) sendSnapshots(client *hub.Client, routeIDs []string) {
	seen := make(map[string]struct{})
	for _, id := range routeIDs {
		opts := store.ListOptions{RouteID: id}
		if id == hub.AllRoutes {
			opts.RouteID = ""
		}
		for _, snap := range h.store.List(opts) {
			if _, ok := seen[snap.RouteID]; ok {
				continue
			}
			seen[snap.RouteID] = struct{}{}

			data, err := hub.EncodeSnapshot("snapshot", snap)
			if err != nil {
				continue
			}
			select {
			case client.Send <- data:
			default:
				h.logger.Debug("failed to send snapshot, buffer full", "client_id", client.ID)
			}
		}
	}
}

func (h *WSHandler) sendPong(client *hub.Client) {
	msg := PongMessage{Type: "pong"}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	select {
	case client.Send <- data:
	default:
	}
}
