// Package hub manages one persistent duplex connection per attached
// participant: it upgrades HTTP requests to websockets, serializes
// outbound deltas onto each connection's own bounded queue, and routes
// parsed inbound commands to the owning lobby.
package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/time/rate"

	"github.com/seednode/spektrum/internal/config"
	"github.com/seednode/spektrum/internal/lobby"
	"github.com/seednode/spektrum/internal/registry"
	"github.com/seednode/spektrum/internal/token"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub wires the registry and the token mint together to serve the
// websocket endpoint. It holds no per-connection state itself -- each
// upgraded connection runs its own pair of pumps.
type Hub struct {
	cfg  *config.Config
	regs *registry.Registry
	mint *token.Mint
}

func New(cfg *config.Config, regs *registry.Registry, mint *token.Mint) *Hub {
	return &Hub{cfg: cfg, regs: regs, mint: mint}
}

// inboundEnvelope is the wire shape of every client->server message; the
// Type tag selects which of the optional fields apply.
type inboundEnvelope struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`                  // Answer
	Action   string `json:"action,omitempty"`                // AdminAction
	SetID    string `json:"set_id,omitempty"`                // AdminAction(StartGame)
	TargetID string `json:"target_participant_id,omitempty"` // AdminAction(RemoveParticipant)
}

const (
	inboundAnswer      = "Answer"
	inboundLeave       = "Leave"
	inboundAdminAction = "AdminAction"
	inboundHeartbeat   = "Heartbeat"
)

const (
	actionStartGame    = "StartGame"
	actionStartRound   = "StartRound"
	actionEndRound     = "EndRound"
	actionSkipQuestion = "SkipQuestion"
	actionEndGame      = "EndGame"
	actionCloseGame    = "CloseGame"
	actionRemove       = "RemoveParticipant"
)

// ServeWS upgrades the request to a websocket, resolves the caller's
// token, attaches to the target lobby, and pumps until the connection
// drops. The token is carried as a query parameter since the browser
// websocket API cannot set request headers.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	tok := r.URL.Query().Get("token")
	if tok == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	binding, err := h.mint.Resolve(tok)
	if err != nil {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	l, err := h.regs.Lookup(binding.LobbyID)
	if err != nil {
		http.Error(w, "lobby not found", http.StatusGone)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	outbound := make(chan lobby.Delta, config.DefaultOutboundBuffer)

	state, err := l.Attach(binding.ParticipantID, outbound)
	if err != nil {
		_ = conn.WriteJSON(map[string]string{"type": "Error", "code": "AttachFailed", "message": err.Error()})
		_ = conn.Close()
		return
	}

	c := &connection{
		hub:           h,
		conn:          conn,
		outbound:      outbound,
		lobby:         l,
		participantID: binding.ParticipantID,
		role:          binding.Role,
		limiter:       rate.NewLimiter(rate.Limit(config.DefaultInboundRateHz), config.DefaultInboundRateHz*2),
	}

	if err := conn.WriteJSON(state); err != nil {
		_ = conn.Close()
		return
	}

	go c.writePump()
	c.readPump()
}

// connection is one attached participant's live duplex link. It never
// touches lobby state directly -- every mutation request is routed
// through the owning lobby's public, channel-backed methods.
type connection struct {
	hub  *Hub
	conn *websocket.Conn

	outbound chan lobby.Delta
	lobby    *lobby.Lobby

	participantID string
	role          token.Role

	limiter *rate.Limiter
}

func (c *connection) readPump() {
	defer func() {
		c.lobby.Detach(c.participantID)
		_ = c.conn.Close()
	}()

	idleTTL := c.hub.cfg.ConnIdleTTL
	c.conn.SetReadLimit(config.DefaultInboundMaxSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(idleTTL))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idleTTL))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		if !c.limiter.Allow() {
			c.sendError(errRateLimited, "slow down")
			continue
		}

		var env inboundEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.sendError(errMalformed, "could not parse message")
			continue
		}

		c.handle(env)
	}
}

var (
	errRateLimited = errors.New("RateLimited")
	errMalformed   = errors.New("MalformedMessage")
)

func (c *connection) handle(env inboundEnvelope) {
	switch env.Type {
	case inboundAnswer:
		c.submitAnswer(env.Text)
	case inboundLeave:
		c.lobby.Detach(c.participantID)
	case inboundAdminAction:
		c.adminAction(env)
	case inboundHeartbeat:
		select {
		case c.outbound <- lobby.Pong{Type: "Pong"}:
		default:
		}
	default:
		c.sendError(errMalformed, "unknown message type")
	}
}

func (c *connection) submitAnswer(text string) {
	if c.role == token.RoleViewer {
		c.sendError(lobby.ErrUnauthorized, "viewers cannot answer")
		return
	}
	if err := c.lobby.SubmitAnswer(c.participantID, text, time.Now().UnixMilli()); err != nil {
		c.sendError(err, err.Error())
	}
}

func (c *connection) adminAction(env inboundEnvelope) {
	if c.role == token.RoleViewer {
		c.sendError(lobby.ErrUnauthorized, "viewers cannot issue admin actions")
		return
	}

	var err error
	switch env.Action {
	case actionStartGame:
		err = c.lobby.StartGame(c.participantID, env.SetID)
	case actionStartRound:
		err = c.lobby.StartRound(c.participantID)
	case actionEndRound:
		err = c.lobby.EndRound(c.participantID)
	case actionSkipQuestion:
		err = c.lobby.SkipQuestion(c.participantID)
	case actionEndGame:
		err = c.lobby.EndGame(c.participantID)
	case actionCloseGame:
		err = c.lobby.CloseLobby(c.participantID, "closed by host")
		if err == nil {
			c.hub.mint.RevokeLobby(c.lobby.ID)
		}
	case actionRemove:
		err = c.lobby.RemoveParticipant(c.participantID, env.TargetID)
	default:
		c.sendError(errMalformed, "unknown admin action")
		return
	}
	if err != nil {
		c.sendError(err, err.Error())
	}
}

// sendError writes directly to this connection's outbound queue rather
// than going through the lobby, since lobby.sendError only applies to
// errors surfaced while a command is in flight inside the actor.
func (c *connection) sendError(sentinel error, msg string) {
	select {
	case c.outbound <- lobby.NewErrorDelta(sentinel.Error(), msg):
	default:
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(c.hub.cfg.HeartbeatEvery)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case d, ok := <-c.outbound:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(d); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
