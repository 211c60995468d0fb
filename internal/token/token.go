// Package token mints and resolves the opaque session credentials that
// admit a participant's duplex connection to a lobby.
package token

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrExpired = errors.New("token: expired")
	ErrUnknown = errors.New("token: unknown")
)

type Role string

const (
	RoleHost   Role = "host"
	RolePlayer Role = "player"
	// RoleViewer is a read-only attachment used by stream-overlay and
	// admin-panel clients; it can Attach but every command it issues
	// fails Unauthorized.
	RoleViewer Role = "viewer"
)

// Binding is what a token resolves to.
type Binding struct {
	LobbyID       string
	ParticipantID string
	Role          Role
	IssuedAt      time.Time
	ExpiresAt     time.Time
}

type claims struct {
	jwt.RegisteredClaims
	LobbyID       string `json:"lid"`
	ParticipantID string `json:"pid"`
	Role          Role   `json:"role"`
}

// entry is the mint's own record of a jti, used for O(1) revocation and
// idle-TTL sliding expiry independent of the signed exp claim.
type entry struct {
	binding Binding
	revoked bool
}

// Mint issues and resolves signed session tokens. The JWT signature and
// exp claim are self-describing so resolution never needs to consult
// another process, but the entries map is the source of truth for
// revocation and is the only place an expiry sweep needs to look.
type Mint struct {
	key []byte
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]*entry // jti -> entry
}

func New(secret string, ttl time.Duration) *Mint {
	return &Mint{
		key:     []byte(secret),
		ttl:     ttl,
		entries: make(map[string]*entry),
	}
}

// farFuture stands in for the JWT's own exp claim. The spec's 24h
// expiry is a sliding idle-timeout, not a fixed token lifetime, so the
// signed claim must never itself expire the token - that job belongs
// entirely to the entries map's ExpiresAt, which Resolve slides forward
// on every use and Sweep enforces.
const farFuture = 100 * 365 * 24 * time.Hour

// Issue mints a new signed token bound to (lobby, participant, role).
func (m *Mint) Issue(lobbyID, participantID string, role Role) (string, error) {
	now := time.Now()
	exp := now.Add(m.ttl)
	jti := uuid.NewString()

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(farFuture)),
		},
		LobbyID:       lobbyID,
		ParticipantID: participantID,
		Role:          role,
	})

	signed, err := tok.SignedString(m.key)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.entries[jti] = &entry{binding: Binding{
		LobbyID:       lobbyID,
		ParticipantID: participantID,
		Role:          role,
		IssuedAt:      now,
		ExpiresAt:     exp,
	}}
	m.mu.Unlock()

	return signed, nil
}

// Resolve validates the token's signature and expiry, then checks it has
// not been explicitly revoked. Resolving a valid token refreshes its
// idle-TTL window, the "24h of inactivity" rule from the spec.
func (m *Mint) Resolve(token string) (Binding, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("token: unexpected signing method")
		}
		return m.key, nil
	})
	if err != nil || !parsed.Valid {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Binding{}, ErrExpired
		}
		return Binding{}, ErrUnknown
	}

	c, ok := parsed.Claims.(*claims)
	if !ok {
		return Binding{}, ErrUnknown
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[c.ID]
	if !ok || e.revoked {
		return Binding{}, ErrUnknown
	}
	if time.Now().After(e.binding.ExpiresAt) {
		delete(m.entries, c.ID)
		return Binding{}, ErrExpired
	}

	e.binding.ExpiresAt = time.Now().Add(m.ttl)

	return e.binding, nil
}

// Revoke invalidates a single token immediately. No code path in this
// module calls it: a Leave message only detaches the connection, and
// RemoveParticipant does not revoke the removed participant's token.
func (m *Mint) Revoke(token string) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, &claims{})
	if err != nil {
		return
	}
	c, ok := parsed.Claims.(*claims)
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[c.ID]; ok {
		e.revoked = true
	}
}

// RevokeLobby revokes every token issued for a given lobby, used when a
// lobby is closed (the host's CloseGame action or the registry's GC
// sweep) to sever reattachment for good.
func (m *Mint) RevokeLobby(lobbyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.binding.LobbyID == lobbyID {
			e.revoked = true
		}
	}
}

// Sweep drops expired or revoked entries from the map. Intended to run
// on a periodic ticker; exported so tests can invoke it deterministically.
func (m *Mint) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for jti, e := range m.entries {
		if e.revoked || now.After(e.binding.ExpiresAt) {
			delete(m.entries, jti)
			removed++
		}
	}
	return removed
}
