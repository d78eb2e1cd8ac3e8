package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"classroom-round-service/internal/app"
	"classroom-round-service/internal/domain"
	"classroom-round-service/internal/infra/memory"
	"github.com/gorilla/websocket"
)

func TestWebSocketRoundFlow(t *testing.T) {
	service := newTestService()
	server := newTestServer(service)
	defer server.Close()

	startSession(t, server, `{"sessionId":"s1","deckId":"instruments","totalRounds":2,"game":{"powerPick":false}}`)

	player := dial(t, server, "/ws/play?sessionId=s1&userId=u1&name=Alice")
	defer player.Close()
	typ, payload := readNext(player, t, "joined")
	if payload["id"] != "u1" {
		t.Fatalf("expected joined u1, got %s %v", typ, payload)
	}

	presenter := dial(t, server, "/ws/present?sessionId=s1")
	defer presenter.Close()
	readUntilPhase(presenter, t, domain.PhaseSetup)

	send(t, presenter, "advance", nil)
	readUntilPhase(presenter, t, domain.PhaseListening)
	send(t, presenter, "advance", nil)
	readUntilPhase(presenter, t, domain.PhaseGuessing)

	send(t, player, "answer", map[string]any{"answer": "Violin"})
	readUntilType(player, t, "answerLocked")

	send(t, player, "answer", map[string]any{"answer": "viola"})
	_, ignored := readUntilType(player, t, "answerIgnored")
	if ignored["kind"] != "AlreadyLockedIn" {
		t.Fatalf("expected AlreadyLockedIn, got %v", ignored)
	}

	send(t, presenter, "reveal", nil)
	snap := readUntilPhase(presenter, t, domain.PhaseRevealing)
	if snap["correctAnswer"] != "violin" {
		t.Fatalf("expected correct answer revealed, got %v", snap["correctAnswer"])
	}
	board, _ := snap["leaderboard"].([]any)
	if len(board) != 1 {
		t.Fatalf("expected one leaderboard entry, got %v", snap["leaderboard"])
	}
	if score := board[0].(map[string]any)["score"]; score != float64(25) {
		t.Fatalf("expected fast correct answer to score 25, got %v", score)
	}

	send(t, presenter, "reveal", nil)
	_, rejected := readUntilType(presenter, t, "rejected")
	if rejected["kind"] != "InvalidPhaseTransition" {
		t.Fatalf("expected InvalidPhaseTransition, got %v", rejected)
	}

	send(t, player, "answer", map[string]any{"answer": "violin"})
	_, late := readUntilType(player, t, "answerIgnored")
	if late["kind"] != "RoundNotAccepting" {
		t.Fatalf("expected RoundNotAccepting, got %v", late)
	}
}

func TestWebSocketParticipantSeesDocumentWithoutAnswer(t *testing.T) {
	service := newTestService()
	server := newTestServer(service)
	defer server.Close()

	startSession(t, server, `{"sessionId":"s2","deckId":"instruments"}`)
	if _, err := service.Advance(context.Background(), "s2"); err != nil {
		t.Fatalf("advance: %v", err)
	}

	player := dial(t, server, "/ws/play?sessionId=s2&userId=u1&name=Alice")
	defer player.Close()
	readNext(player, t, "joined")

	_, doc := readUntil(player, t, func(typ string, payload map[string]any) bool {
		return typ == "document" && payload["phase"] == string(domain.PhaseListening)
	})
	if _, leaked := doc["correctAnswer"]; leaked {
		t.Fatalf("correct answer leaked during listening: %v", doc)
	}
	if doc["prompt"] != "clips/violin-01.mp3" {
		t.Fatalf("expected prompt in document, got %v", doc["prompt"])
	}
}

func TestPlayRequiresIdentity(t *testing.T) {
	server := newTestServer(newTestService())
	defer server.Close()

	resp, err := http.Get(server.URL + "/ws/play?sessionId=s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestPresentUnknownSession(t *testing.T) {
	server := newTestServer(newTestService())
	defer server.Close()

	conn := dial(t, server, "/ws/present?sessionId=missing")
	defer conn.Close()
	_, payload := readNext(conn, t, "error")
	if payload["kind"] != "SessionNotFound" {
		t.Fatalf("expected SessionNotFound, got %v", payload)
	}
}

func newTestService() *app.GameService {
	decks := memory.NewDeckRepository(memory.NewStaticDeckLoader(sampleDecks()), time.Minute)
	return app.NewGameService(memory.NewSessionStore(), decks, memory.NewStateStore())
}

func newTestServer(service *app.GameService) *httptest.Server {
	wsHandler := NewWSHandler(service)
	sessions := NewSessionHandler(service)

	mux := http.NewServeMux()
	mux.HandleFunc("/sessions", sessions.ServeCreate)
	mux.HandleFunc("/ws/play", wsHandler.ServePlay)
	mux.HandleFunc("/ws/present", wsHandler.ServePresent)
	return httptest.NewServer(mux)
}

func startSession(t *testing.T, server *httptest.Server, body string) {
	t.Helper()
	resp, err := http.Post(server.URL+"/sessions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
}

func dial(t *testing.T, server *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	u := "ws" + server.URL[len("http"):] + path
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"type": typ, "payload": payload}); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func readNext(conn *websocket.Conn, t *testing.T, expect string) (string, map[string]any) {
	t.Helper()
	var msg struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read json: %v", err)
	}
	if expect != "" && msg.Type != expect {
		t.Fatalf("expected type %s, got %s", expect, msg.Type)
	}
	return msg.Type, msg.Payload
}

func readUntil(conn *websocket.Conn, t *testing.T, match func(string, map[string]any) bool) (string, map[string]any) {
	t.Helper()
	for i := 0; i < 50; i++ {
		typ, payload := readNext(conn, t, "")
		if match(typ, payload) {
			return typ, payload
		}
	}
	t.Fatalf("no matching message")
	return "", nil
}

func readUntilType(conn *websocket.Conn, t *testing.T, typ string) (string, map[string]any) {
	t.Helper()
	return readUntil(conn, t, func(got string, _ map[string]any) bool { return got == typ })
}

func readUntilPhase(conn *websocket.Conn, t *testing.T, phase domain.Phase) map[string]any {
	t.Helper()
	_, payload := readUntil(conn, t, func(typ string, payload map[string]any) bool {
		return typ == "snapshot" && payload["phase"] == string(phase)
	})
	return payload
}

func sampleDecks() map[string]domain.Deck {
	return map[string]domain.Deck{
		"instruments": {
			ID: "instruments",
			Rounds: []domain.RoundContent{
				{Prompt: "clips/violin-01.mp3", CorrectAnswer: "violin"},
				{Prompt: "clips/tuba-02.mp3", CorrectAnswer: "tuba"},
			},
		},
	}
}
