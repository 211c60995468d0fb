// Package adminapi exposes the stateless, password-gated request/response
// surface used to provision lobbies and admit players, ahead of the
// persistent duplex connection ConnectionHub takes over afterward.
package adminapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"

	"github.com/seednode/spektrum/internal/catalog"
	"github.com/seednode/spektrum/internal/config"
	"github.com/seednode/spektrum/internal/lobby"
	"github.com/seednode/spektrum/internal/registry"
	"github.com/seednode/spektrum/internal/token"
)

// API bundles the collaborators AdminAPI's handlers need: the catalog to
// read question sets from, the registry to create/resolve lobbies in,
// and the token mint to issue host/player credentials.
type API struct {
	cfg  *config.Config
	cat  *catalog.Catalog
	regs *registry.Registry
	mint *token.Mint
}

func New(cfg *config.Config, cat *catalog.Catalog, regs *registry.Registry, mint *token.Mint) *API {
	return &API{cfg: cfg, cat: cat, regs: regs, mint: mint}
}

// Register wires every AdminAPI route onto mux under prefix.
func (a *API) Register(mux *httprouter.Router, prefix string) {
	mux.GET(prefix+"/api/list-sets", a.listSets)
	mux.POST(prefix+"/api/create-lobby", a.createLobby)
	mux.POST(prefix+"/api/join-lobby", a.joinLobby)
	mux.GET(prefix+"/api/lobby/:joinCode/qr", a.qrCode)
}

func (a *API) listSets(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, a.cat.ListSets())
}

type createLobbyRequest struct {
	AdminPassword   string `json:"admin_password"`
	SetID           string `json:"set_id,omitempty"`
	HostName        string `json:"host_name"`
	RoundDurationMS int64  `json:"round_duration_ms,omitempty"`
}

type createLobbyResponse struct {
	LobbyID   string `json:"lobby_id"`
	JoinCode  string `json:"join_code"`
	HostToken string `json:"host_token"`
}

func (a *API) createLobby(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req createLobbyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidConfig", "malformed request body")
		return
	}

	if !a.passwordAccepted(req.AdminPassword) {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "invalid admin password")
		return
	}

	if err := lobby.ValidateName(req.HostName); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidConfig", "invalid host name")
		return
	}

	cfg := lobby.Config{
		RoundDurationMS: a.cfg.RoundDuration.Milliseconds(),
		DefaultSetID:    req.SetID,
	}
	if req.RoundDurationMS > 0 {
		cfg.RoundDurationMS = req.RoundDurationMS
	}

	snap := a.cat.Pin()

	lobbyID, joinCode, hostToken, err := a.regs.Create(req.HostName, snap, cfg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "CreateFailed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, createLobbyResponse{
		LobbyID:   lobbyID,
		JoinCode:  joinCode,
		HostToken: hostToken,
	})
}

type joinLobbyRequest struct {
	JoinCode string `json:"join_code"`
	Name     string `json:"name"`
}

type joinLobbyResponse struct {
	SessionToken  string `json:"session_token"`
	ParticipantID string `json:"participant_id"`
	JoinCode      string `json:"join_code"`
}

func (a *API) joinLobby(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req joinLobbyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidConfig", "malformed request body")
		return
	}

	l, err := a.regs.LookupByJoinCode(req.JoinCode)
	if err != nil {
		writeError(w, http.StatusNotFound, "NotFound", "no lobby with that join code")
		return
	}

	participantID := uuid.NewString()

	if err := l.Join(participantID, req.Name); err != nil {
		status, code := mapJoinError(err)
		writeError(w, status, code, err.Error())
		return
	}

	sessionToken, err := a.mint.Issue(l.ID, participantID, token.RolePlayer)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "TokenIssueFailed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, joinLobbyResponse{
		SessionToken:  sessionToken,
		ParticipantID: participantID,
		JoinCode:      l.JoinCode,
	})
}

func mapJoinError(err error) (int, string) {
	switch {
	case errors.Is(err, lobby.ErrInvalidName):
		return http.StatusUnprocessableEntity, "InvalidName"
	case errors.Is(err, lobby.ErrNameTaken):
		return http.StatusConflict, "NameTaken"
	case errors.Is(err, lobby.ErrLobbyNotJoinable):
		return http.StatusForbidden, "LobbyNotJoinable"
	default:
		return http.StatusInternalServerError, "JoinFailed"
	}
}

// qrCode renders a PNG QR code pointing at the join-code's public URL, so
// a host's screen can display a scannable code alongside the digits.
func (a *API) qrCode(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	joinCode := ps.ByName("joinCode")

	if _, err := a.regs.ResolveByJoinCode(joinCode); err != nil {
		writeError(w, http.StatusNotFound, "NotFound", "no lobby with that join code")
		return
	}

	scheme := a.cfg.Scheme()
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	url := scheme + "://" + r.Host + a.cfg.Prefix + "/join/" + joinCode

	const qrSize = 320
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "QRFailed", "could not render qr code")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

// passwordAccepted compares against every configured admin password in
// constant time, without returning early on a match: every configured
// password is compared before the result is reported.
func (a *API) passwordAccepted(candidate string) bool {
	matched := 0
	for _, want := range a.cfg.AdminPasswords {
		matched |= subtle.ConstantTimeCompare([]byte(candidate), []byte(want))
	}
	return matched == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}
