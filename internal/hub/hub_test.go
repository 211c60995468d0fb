package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"

	"github.com/seednode/spektrum/internal/catalog"
	"github.com/seednode/spektrum/internal/config"
	"github.com/seednode/spektrum/internal/lobby"
	"github.com/seednode/spektrum/internal/registry"
	"github.com/seednode/spektrum/internal/token"
)

type memLoader struct{ raw catalog.Raw }

func (m memLoader) Load(context.Context) (catalog.Raw, error) { return m.raw, nil }
func (m memLoader) Save(context.Context, catalog.Raw) error   { return nil }

func testSnapshot(t *testing.T) catalog.Snapshot {
	t.Helper()
	raw := catalog.Raw{
		Questions: []catalog.Question{{ID: "q1", Kind: catalog.KindText, MediaID: "m1", Active: true}},
		Options: []catalog.QuestionOption{
			{ID: "o1", QuestionID: "q1", Text: "Correct", IsCorrect: true},
			{ID: "o2", QuestionID: "q1", Text: "Wrong", IsCorrect: false},
		},
	}
	c := catalog.New(memLoader{raw: raw})
	require.NoError(t, c.Load(context.Background()))
	return c.Pin()
}

func newTestServer(t *testing.T) (*httptest.Server, *registry.Registry, *token.Mint) {
	t.Helper()
	cfg := &config.Config{
		ConnIdleTTL:    2 * time.Second,
		HeartbeatEvery: 500 * time.Millisecond,
	}
	mint := token.New("test-secret", time.Hour)
	regs := registry.New(mint)
	h := New(cfg, regs, mint)

	mux := httprouter.New()
	mux.GET("/ws", h.ServeWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, regs, mint
}

func dial(t *testing.T, srv *httptest.Server, tok string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + tok
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestServeWSRejectsMissingToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeWSAttachSendsFullStateThenAnswerFlow(t *testing.T) {
	srv, regs, mint := newTestServer(t)
	snap := testSnapshot(t)

	lobbyID, _, hostToken, err := regs.Create("Host", snap, lobby.Config{RoundDurationMS: 30_000})
	require.NoError(t, err)

	l, err := regs.Lookup(lobbyID)
	require.NoError(t, err)

	require.NoError(t, l.Join("p1", "Alice"))
	playerToken, err := mint.Issue(lobbyID, "p1", token.RolePlayer)
	require.NoError(t, err)

	conn := dial(t, srv, hostToken)

	var state lobby.FullState
	require.NoError(t, conn.ReadJSON(&state))
	require.Equal(t, lobby.PhaseLobby, state.Phase)

	require.NoError(t, conn.WriteJSON(map[string]string{
		"type":   "AdminAction",
		"action": "StartGame",
	}))

	playerConn := dial(t, srv, playerToken)
	var playerState lobby.FullState
	require.NoError(t, playerConn.ReadJSON(&playerState))

	drainUntil(t, conn, "PhaseChanged")

	require.NoError(t, conn.WriteJSON(map[string]string{
		"type":   "AdminAction",
		"action": "StartRound",
	}))

	drainUntil(t, playerConn, "RoundStarted")

	require.NoError(t, playerConn.WriteJSON(map[string]string{
		"type": "Answer",
		"text": "Correct",
	}))

	drainUntil(t, conn, "AnswerReceived")
}

// drainUntil reads frames off conn until one with the given "type" field
// arrives, or the deadline passes.
func drainUntil(t *testing.T, conn *websocket.Conn, wantType string) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var env struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Type == wantType {
			return
		}
	}
}

func TestServeWSViewerCannotAnswer(t *testing.T) {
	srv, regs, mint := newTestServer(t)
	snap := testSnapshot(t)

	lobbyID, _, _, err := regs.Create("Host", snap, lobby.Config{RoundDurationMS: 30_000})
	require.NoError(t, err)

	l, err := regs.Lookup(lobbyID)
	require.NoError(t, err)
	require.NoError(t, l.Join("viewer-1", "Viewer"))

	viewerToken, err := mint.Issue(lobbyID, "viewer-1", token.RoleViewer)
	require.NoError(t, err)

	conn := dial(t, srv, viewerToken)
	var state lobby.FullState
	require.NoError(t, conn.ReadJSON(&state))

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "Answer", "text": "Correct"}))

	drainUntil(t, conn, "Error")
}
