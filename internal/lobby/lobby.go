// Package lobby implements the authoritative, single-actor state machine
// for one game room: participants, the upcoming question queue, round
// timing, and arrival-time scoring.
package lobby

import (
	"errors"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/seednode/spektrum/internal/catalog"
)

// Phase is the lobby's top-level state.
type Phase string

const (
	PhaseLobby    Phase = "Lobby"
	PhaseQuestion Phase = "Question"
	PhaseScore    Phase = "Score"
	PhaseGameOver Phase = "GameOver"
)

// Typed errors surfaced in Error deltas / command replies. Stable codes,
// matching spec.md §7's taxonomy.
var (
	ErrParticipantUnknown = errors.New("ParticipantUnknown")
	ErrInvalidPhase       = errors.New("InvalidPhase")
	ErrAlreadyAnswered    = errors.New("AlreadyAnswered")
	ErrUnknownAlternative = errors.New("UnknownAlternative")
	ErrEmptyCatalog       = errors.New("EmptyCatalog")
	ErrNoMoreQuestions    = errors.New("NoMoreQuestions")
	ErrLobbyClosed        = errors.New("LobbyClosed")
	ErrInvalidName        = errors.New("InvalidName")
	ErrNameTaken          = errors.New("NameTaken")
	ErrUnauthorized       = errors.New("Unauthorized")
	ErrLobbyNotJoinable   = errors.New("LobbyNotJoinable")
)

var nameRe = regexp.MustCompile(`^[\p{L}\p{N}\s._-]{2,16}$`)

// ValidateName applies spec.md §3's name rule: 2-16 chars, unicode
// letters/digits/space/._- , after trim.
func ValidateName(name string) error {
	if !nameRe.MatchString(strings.TrimSpace(name)) {
		return ErrInvalidName
	}
	return nil
}

type Participant struct {
	ID             string
	Name           string
	Score          int
	LastRoundScore int
	IsHost         bool
	IsAttached     bool
}

type Answer struct {
	ParticipantID string
	OptionText    string
	ArrivalMS     int64
	Correct       bool
	AwardedPoints int
	sequence      uint64 // command-queue order, the tiebreaker for same-ms arrivals
}

type Round struct {
	QuestionID            string
	DisplayedAlternatives []string
	StartedAt             time.Time
	DurationMS            int64
	Answers               map[string]*Answer // participant_id -> answer, append-only
}

// Config bundles the per-lobby tunables that the registry/AdminAPI pick
// at creation time.
type Config struct {
	RoundDurationMS int64

	// DefaultSetID is the question set chosen at lobby creation
	// (AdminAPI's create-lobby set_id). StartGame falls back to it when
	// the host doesn't name a set explicitly.
	DefaultSetID string
}

// attachment is a live outbound channel for a participant's connection.
// The lobby never talks websockets; ConnectionHub pumps whatever arrives
// on Outbound to the wire.
type attachment struct {
	participantID string
	outbound      chan Delta
}

// Lobby is one live game room, run as a single serial actor: every
// mutation happens inside Run(), so no lock is needed on the state
// below it.
type Lobby struct {
	ID       string
	JoinCode string

	cfg Config

	catalog catalog.Snapshot

	cmds chan command

	createdAt    time.Time
	lastActivity time.Time

	phase        Phase
	participants map[string]*Participant
	hostID       string

	upcoming []string // ordered question IDs not yet served

	current *Round

	attachments map[string]*attachment

	seq uint64 // monotonic command sequence, the answer tiebreaker

	roundTimer *time.Timer
	terminated bool
}

// New constructs a lobby in Lobby phase with its host already seated.
// The actor loop is started by Run, which the registry calls in its own
// goroutine.
func New(id, joinCode, hostID, hostName string, snap catalog.Snapshot, cfg Config) *Lobby {
	now := time.Now()
	if cfg.RoundDurationMS <= 0 {
		cfg.RoundDurationMS = 30_000
	}

	l := &Lobby{
		ID:           id,
		JoinCode:     joinCode,
		cfg:          cfg,
		catalog:      snap,
		cmds:         make(chan command, 64),
		createdAt:    now,
		lastActivity: now,
		phase:        PhaseLobby,
		participants: make(map[string]*Participant),
		hostID:       hostID,
		attachments:  make(map[string]*attachment),
	}

	l.participants[hostID] = &Participant{ID: hostID, Name: hostName, IsHost: true}

	return l
}

// Run drives the lobby's command loop until CloseLobby is applied. It must be started in its own goroutine, and a
// lobby must never have more than one Run in flight.
func (l *Lobby) Run() {
	for {
		select {
		case cmd, ok := <-l.cmds:
			if !ok {
				return
			}
			l.dispatch(cmd)
			if l.terminated {
				return
			}
		case <-l.roundTimerC():
			l.handleTick(time.Now())
		}
	}
}

// roundTimerC returns the active round timer's channel, or nil (which
// blocks forever in a select) when no round is running.
func (l *Lobby) roundTimerC() <-chan time.Time {
	if l.roundTimer == nil {
		return nil
	}
	return l.roundTimer.C
}

func (l *Lobby) dispatch(cmd command) {
	// The GC sweep's own Info read must not make an idle lobby look active.
	if _, isInfo := cmd.(infoCmd); !isInfo {
		l.lastActivity = time.Now()
	}
	l.seq++
	cmd.apply(l, l.seq)
}

// Info is the read-only metadata snapshot the registry's GC sweep needs.
// It is assembled by infoCmd inside the actor loop, the same way every
// other external read of lobby state is handled, so it never races the
// mutations Run() makes to createdAt/lastActivity/phase/hostID. Unlike
// every other command, infoCmd does not count as lobby activity.
type Info struct {
	CreatedAt    time.Time
	LastActivity time.Time
	Phase        Phase
	HostID       string
}

type infoCmd struct{ reply chan Info }

func (c infoCmd) apply(l *Lobby, _ uint64) {
	c.reply <- Info{
		CreatedAt:    l.createdAt,
		LastActivity: l.lastActivity,
		Phase:        l.phase,
		HostID:       l.hostID,
	}
}

// Info fetches a point-in-time snapshot of the lobby's GC-relevant
// metadata. It returns ok=false if the lobby has already closed its
// command channel (CloseLobby applied), in which case the registry
// should treat it as already gone.
func (l *Lobby) Info() (Info, bool) {
	reply := make(chan Info, 1)
	if !l.send(infoCmd{reply: reply}) {
		return Info{}, false
	}
	return <-reply, true
}

// HostID reports the lobby's host participant ID. The host is assigned
// once at construction and never changes afterward, but it is still
// served through Info so callers get it the same way as every other
// piece of lobby metadata.
func (l *Lobby) HostID() string {
	info, ok := l.Info()
	if !ok {
		return l.hostID
	}
	return info.HostID
}

// awardPoints implements spec.md §4.3's scoring contract exactly:
// round(5000 * (1 - t/duration)) for a correct answer, t clamped to
// [0, duration].
func awardPoints(arrivalOffsetMS, durationMS int64) int {
	if arrivalOffsetMS < 0 {
		arrivalOffsetMS = 0
	}
	if arrivalOffsetMS > durationMS {
		arrivalOffsetMS = durationMS
	}
	if durationMS == 0 {
		return 0
	}
	fraction := 1 - float64(arrivalOffsetMS)/float64(durationMS)
	return int(math.Round(5000 * fraction))
}
