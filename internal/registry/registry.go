// Package registry holds every live lobby in the process, keyed by both
// its opaque ID and its short public join code, and garbage-collects
// lobbies that have gone idle or finished long ago.
package registry

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seednode/spektrum/internal/catalog"
	"github.com/seednode/spektrum/internal/lobby"
	"github.com/seednode/spektrum/internal/token"
)

var (
	ErrNotFound      = errors.New("registry: lobby not found")
	ErrJoinCodeSpace = errors.New("registry: exhausted join-code space")
)

const maxJoinCodeAttempts = 64

// Registry holds every live lobby, keyed by both lobby ID and join code.
// Readers and writers coordinate with a single RWMutex over the two index
// maps; mutating an individual lobby's own state never goes through here
// -- that happens entirely inside the lobby's own actor loop.
type Registry struct {
	mints *token.Mint

	mu     sync.RWMutex
	byID   map[string]*lobby.Lobby
	byCode map[string]string // join_code -> lobby_id
}

func New(mint *token.Mint) *Registry {
	return &Registry{
		mints:  mint,
		byID:   make(map[string]*lobby.Lobby),
		byCode: make(map[string]string),
	}
}

// Create starts a new lobby with a freshly generated join code and host,
// returning the lobby ID, its join code, and a signed host token.
func (r *Registry) Create(hostName string, snap catalog.Snapshot, cfg lobby.Config) (lobbyID, joinCode, hostToken string, err error) {
	lobbyID = uuid.NewString()
	hostID := uuid.NewString()

	joinCode, err = r.reserveJoinCode()
	if err != nil {
		return "", "", "", err
	}

	l := lobby.New(lobbyID, joinCode, hostID, hostName, snap, cfg)
	go l.Run()

	r.mu.Lock()
	r.byID[lobbyID] = l
	r.byCode[joinCode] = lobbyID
	r.mu.Unlock()

	hostToken, err = r.mints.Issue(lobbyID, hostID, token.RoleHost)
	if err != nil {
		return "", "", "", err
	}

	return lobbyID, joinCode, hostToken, nil
}

// reserveJoinCode generates a numeric join code not colliding with any
// live lobby, widening the digit count if the 6-digit space is exhausted.
func (r *Registry) reserveJoinCode() (string, error) {
	for digits := 6; digits <= 16; digits++ {
		for attempt := 0; attempt < maxJoinCodeAttempts; attempt++ {
			code, err := randomDigits(digits)
			if err != nil {
				return "", err
			}

			r.mu.RLock()
			_, taken := r.byCode[code]
			r.mu.RUnlock()

			if !taken {
				return code, nil
			}
		}
	}
	return "", ErrJoinCodeSpace
}

func randomDigits(n int) (string, error) {
	max := big.NewInt(10)
	out := make([]byte, n)
	for i := range out {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = byte('0' + v.Int64())
	}
	return string(out), nil
}

// Lookup returns the live lobby for an opaque lobby ID.
func (r *Registry) Lookup(lobbyID string) (*lobby.Lobby, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.byID[lobbyID]
	if !ok {
		return nil, ErrNotFound
	}
	return l, nil
}

// ResolveByJoinCode maps a public join code to its lobby ID.
func (r *Registry) ResolveByJoinCode(code string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byCode[code]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

// LookupByJoinCode is a convenience wrapper combining ResolveByJoinCode
// and Lookup, used by the join-lobby HTTP handler.
func (r *Registry) LookupByJoinCode(code string) (*lobby.Lobby, error) {
	id, err := r.ResolveByJoinCode(code)
	if err != nil {
		return nil, err
	}
	return r.Lookup(id)
}

// GCSweep closes and evicts lobbies whose last activity exceeds
// idleTTL, or whose phase is GameOver and whose last activity exceeds
// gameOverTTL. Returns the number of lobbies removed. Exported so the
// sweep can be driven deterministically in tests as well as from a
// background ticker.
func (r *Registry) GCSweep(now time.Time, idleTTL, gameOverTTL time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, l := range r.byID {
		info, ok := l.Info()
		if !ok {
			// Already closed its command loop; evict it here too.
			delete(r.byID, id)
			delete(r.byCode, l.JoinCode)
			removed++
			continue
		}

		idleFor := now.Sub(info.LastActivity)

		stale := idleFor > idleTTL
		finishedLongAgo := info.Phase == lobby.PhaseGameOver && idleFor > gameOverTTL

		if !stale && !finishedLongAgo {
			continue
		}

		_ = l.CloseLobby(info.HostID, "lobby garbage-collected")
		r.mints.RevokeLobby(id)
		delete(r.byID, id)
		delete(r.byCode, l.JoinCode)
		removed++
	}
	return removed
}

// Count reports how many lobbies are currently live, for diagnostics.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *Registry) String() string {
	return fmt.Sprintf("registry{lobbies=%d}", r.Count())
}
