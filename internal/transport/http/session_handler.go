package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"classroom-round-service/internal/app"
	"classroom-round-service/internal/domain"
)

// SessionHandler creates sessions over plain HTTP.
type SessionHandler struct {
	service *app.GameService
}

func NewSessionHandler(service *app.GameService) *SessionHandler {
	return &SessionHandler{service: service}
}

type gameSettingsRequest struct {
	ListenMs      int64 `json:"listenMs"`
	RevealHoldMs  int64 `json:"revealHoldMs"`
	AutoRevealMs  int64 `json:"autoRevealMs"`
	PowerPickMs   int64 `json:"powerPickMs"`
	PowerPick     bool  `json:"powerPick"`
	SpeedWindowMs int64 `json:"speedWindowMs"`
}

type createSessionRequest struct {
	SessionID   string               `json:"sessionId"`
	DeckID      string               `json:"deckId"`
	TotalRounds int                  `json:"totalRounds"`
	Game        *gameSettingsRequest `json:"game"`
}

type createSessionResponse struct {
	SessionID   string `json:"sessionId"`
	TotalRounds int    `json:"totalRounds"`
}

// ServeCreate handles POST /sessions.
func (h *SessionHandler) ServeCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var body createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if body.DeckID == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing deckId"))
		return
	}

	req := app.StartSessionRequest{
		SessionID:   body.SessionID,
		DeckID:      body.DeckID,
		TotalRounds: body.TotalRounds,
	}
	if g := body.Game; g != nil {
		req.Settings = &app.GameSettings{
			Timing: app.Timing{
				Listen:     time.Duration(g.ListenMs) * time.Millisecond,
				RevealHold: time.Duration(g.RevealHoldMs) * time.Millisecond,
				AutoReveal: time.Duration(g.AutoRevealMs) * time.Millisecond,
				PowerPick:  time.Duration(g.PowerPickMs) * time.Millisecond,
			},
			PowerPick:   g.PowerPick,
			SpeedWindow: time.Duration(g.SpeedWindowMs) * time.Millisecond,
		}
	}

	snap, err := h.service.StartSession(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{SessionID: snap.SessionID, TotalRounds: snap.TotalRounds})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrDeckNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSessionExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidRoundCount):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		slog.Error("http: request failed", "error", err)
	}
	writeJSON(w, status, errorPayload{Kind: domain.ErrorKind(err), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
