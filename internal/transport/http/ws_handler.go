package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"classroom-round-service/internal/app"
	"classroom-round-service/internal/domain"
	"github.com/gorilla/websocket"
)

type WSHandler struct {
	service  *app.GameService
	upgrader websocket.Upgrader
}

func NewWSHandler(service *app.GameService) *WSHandler {
	return &WSHandler{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	Answer string `json:"answer"`
}

type powerPayload struct {
	Modifier string `json:"modifier"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

func rejection(err error) outboundMessage[any] {
	return outboundMessage[any]{Type: "rejected", Payload: errorPayload{Kind: domain.ErrorKind(err), Message: err.Error()}}
}

// connection serialises writes to a websocket through a single writer goroutine.
type connection struct {
	conn         *websocket.Conn
	send         chan outboundMessage[any]
	closeSignals chan struct{}
	writerDone   chan struct{}
}

func newConnection(conn *websocket.Conn) *connection {
	c := &connection{
		conn:         conn,
		send:         make(chan outboundMessage[any], 16),
		closeSignals: make(chan struct{}),
		writerDone:   make(chan struct{}),
	}
	go func() {
		defer close(c.writerDone)
		for msg := range c.send {
			if err := conn.WriteJSON(msg); err != nil {
				slog.Warn("ws: write failed", "error", err)
				return
			}
		}
	}()
	return c
}

// push queues a message unless the connection is shutting down.
func (c *connection) push(msg outboundMessage[any]) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.closeSignals:
		return false
	case <-c.writerDone:
		return false
	}
}

// forward relays updates until the source closes or the connection shuts down.
func forward[T any](c *connection, updates <-chan T, typ string) chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				if !c.push(outboundMessage[any]{Type: typ, Payload: update}) {
					return
				}
			case <-c.closeSignals:
				return
			}
		}
	}()
	return done
}

// shutdown stops the relays, then the writer.
func (c *connection) shutdown(relays ...chan struct{}) {
	close(c.closeSignals)
	for _, done := range relays {
		<-done
	}
	close(c.send)
	<-c.writerDone
}

// ServePlay upgrades a participant connection. Participants see the shared
// session document and may answer or pick a power-up. Rejected submissions
// are reported as answerIgnored, never as errors.
func (h *WSHandler) ServePlay(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	userID := r.URL.Query().Get("userId")
	displayName := r.URL.Query().Get("name")
	if sessionID == "" || userID == "" || displayName == "" {
		http.Error(w, "missing sessionId, userId, or name", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancelCtx := context.WithCancel(r.Context())
	defer cancelCtx()

	joined, err := h.service.Join(ctx, sessionID, userID, displayName)
	if err != nil && !errors.Is(err, domain.ErrDuplicateParticipant) {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Kind: domain.ErrorKind(err), Message: err.Error()}})
		return
	}

	// The store may call back from its own goroutine; keep only the newest document.
	docs := make(chan any, 1)
	unsubscribe, err := h.service.SubscribeDocument(ctx, sessionID, func(doc any) {
		select {
		case docs <- doc:
		default:
			select {
			case <-docs:
			default:
			}
			select {
			case docs <- doc:
			default:
			}
		}
	})
	if err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Kind: domain.ErrorKind(err), Message: err.Error()}})
		return
	}
	defer unsubscribe()

	c := newConnection(conn)
	c.push(outboundMessage[any]{Type: "joined", Payload: joined})
	relay := forward(c, docs, "document")

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		switch inbound.Type {
		case "answer":
			var payload answerPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				c.push(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "invalid answer payload"}})
				continue
			}
			if err := h.service.SubmitAnswer(ctx, sessionID, userID, payload.Answer); err != nil {
				c.push(outboundMessage[any]{Type: "answerIgnored", Payload: errorPayload{Kind: domain.ErrorKind(err), Message: err.Error()}})
				continue
			}
			c.push(outboundMessage[any]{Type: "answerLocked", Payload: payload})
		case "power":
			var payload powerPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				c.push(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "invalid power payload"}})
				continue
			}
			if err := h.service.PickModifier(ctx, sessionID, userID, payload.Modifier); err != nil {
				c.push(rejection(err))
				continue
			}
			c.push(outboundMessage[any]{Type: "powerPicked", Payload: payload})
		case "leave":
			h.service.Leave(ctx, sessionID, userID)
		default:
			c.push(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "unsupported message type"}})
		}
	}

	c.shutdown(relay)
}

// ServePresent upgrades the presenter connection. The presenter receives a
// snapshot after every change and drives the round with commands.
func (h *WSHandler) ServePresent(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	updates, cancel, err := h.service.Watch(ctx, sessionID)
	if err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Kind: domain.ErrorKind(err), Message: err.Error()}})
		return
	}
	defer cancel()

	c := newConnection(conn)
	relay := forward(c, updates, "snapshot")

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		var cmdErr error
		switch inbound.Type {
		case "advance":
			_, cmdErr = h.service.Advance(ctx, sessionID)
		case "reveal":
			_, cmdErr = h.service.ForceReveal(ctx, sessionID)
		case "next":
			_, cmdErr = h.service.NextRound(ctx, sessionID)
		case "skip":
			_, cmdErr = h.service.SkipTimer(ctx, sessionID)
		case "end":
			cmdErr = h.service.EndSession(ctx, sessionID)
		default:
			c.push(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "unsupported message type"}})
			continue
		}
		if cmdErr != nil {
			slog.Info("ws: presenter command rejected", "session", sessionID, "command", inbound.Type, "error", cmdErr)
			c.push(rejection(cmdErr))
		}
	}

	c.shutdown(relay)
}
