package lobby

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seednode/spektrum/internal/catalog"
)

type memLoader struct{ raw catalog.Raw }

func (m memLoader) Load(context.Context) (catalog.Raw, error) { return m.raw, nil }
func (m memLoader) Save(context.Context, catalog.Raw) error   { return nil }

func testCatalog(t *testing.T) catalog.Snapshot {
	t.Helper()
	raw := catalog.Raw{
		Questions: []catalog.Question{
			{ID: "q1", Kind: catalog.KindColor, MediaID: "m1", Active: true},
		},
		Options: []catalog.QuestionOption{
			{ID: "o1", QuestionID: "q1", Text: "Red", IsCorrect: true},
			{ID: "o2", QuestionID: "q1", Text: "Blue", IsCorrect: false},
			{ID: "o3", QuestionID: "q1", Text: "Green", IsCorrect: false},
			{ID: "o4", QuestionID: "q1", Text: "Yellow", IsCorrect: false},
			{ID: "o5", QuestionID: "q1", Text: "Pink", IsCorrect: false},
			{ID: "o6", QuestionID: "q1", Text: "Gold", IsCorrect: false},
		},
		Sets: []catalog.QuestionSet{
			{ID: "s1", Name: "All", QuestionIDs: []string{"q1"}},
		},
	}
	c := catalog.New(memLoader{raw: raw})
	require.NoError(t, c.Load(context.Background()))
	return c.Pin()
}

func newTestLobby(t *testing.T) (*Lobby, string) {
	t.Helper()
	snap := testCatalog(t)
	l := New("lobby-1", "123456", "host-1", "Host", snap, Config{RoundDurationMS: 30_000})
	go l.Run()
	t.Cleanup(func() { _ = l.CloseLobby("host-1", "test teardown") })
	return l, "host-1"
}

func attachParticipant(t *testing.T, l *Lobby, id string) chan Delta {
	t.Helper()
	ch := make(chan Delta, 32)
	_, err := l.Attach(id, ch)
	require.NoError(t, err)
	return ch
}

func TestPerfectScoreRoundScenario(t *testing.T) {
	l, host := newTestLobby(t)

	require.NoError(t, l.Join("alice", "alice"))
	require.NoError(t, l.Join("bob", "bob"))

	attachParticipant(t, l, host)
	attachParticipant(t, l, "alice")
	attachParticipant(t, l, "bob")

	require.NoError(t, l.StartGame(host, ""))
	require.NoError(t, l.StartRound(host))

	t0 := time.Now().UnixMilli()

	// alice answers correctly at the instant the round opens (t=0): full
	// 5000 points. bob answers correctly right at the deadline (t=duration):
	// zero points.
	require.NoError(t, l.SubmitAnswer("alice", "Red", t0))
	require.NoError(t, l.SubmitAnswer("bob", "Red", t0+30_000))

	require.NoError(t, l.EndRound(host))

	state, err := l.Attach("alice", make(chan Delta, 32))
	require.NoError(t, err)

	scores := make(map[string]int, len(state.Participants))
	for _, p := range state.Participants {
		scores[p.ParticipantID] = p.Score
	}
	assert.Equal(t, 5000, scores["alice"])
	assert.Equal(t, 0, scores["bob"])
	assert.Equal(t, PhaseScore, state.Phase)
}

func TestAwardPointsBoundaries(t *testing.T) {
	assert.Equal(t, 5000, awardPoints(0, 30_000))
	assert.Equal(t, 0, awardPoints(30_000, 30_000))
	assert.Equal(t, 2500, awardPoints(15_000, 30_000))
}

func TestDoubleSubmissionRejected(t *testing.T) {
	l, host := newTestLobby(t)
	require.NoError(t, l.Join("alice", "alice"))
	attachParticipant(t, l, "alice")

	require.NoError(t, l.StartGame(host, ""))
	require.NoError(t, l.StartRound(host))

	now := time.Now().UnixMilli()
	require.NoError(t, l.SubmitAnswer("alice", "Red", now))

	err := l.SubmitAnswer("alice", "Blue", now+10)
	assert.ErrorIs(t, err, ErrAlreadyAnswered)
}

func TestSubmitAnswerWrongPhaseRejected(t *testing.T) {
	l, _ := newTestLobby(t)
	require.NoError(t, l.Join("alice", "alice"))

	err := l.SubmitAnswer("alice", "Red", time.Now().UnixMilli())
	assert.ErrorIs(t, err, ErrInvalidPhase)
}

func TestTimedOutRoundAutoEnds(t *testing.T) {
	snap := testCatalog(t)
	l := New("lobby-2", "654321", "host-1", "Host", snap, Config{RoundDurationMS: 20})
	go l.Run()
	defer func() { _ = l.CloseLobby("host-1", "teardown") }()

	require.NoError(t, l.Join("alice", "alice"))
	ch := attachParticipant(t, l, "alice")

	require.NoError(t, l.StartGame("host-1", ""))
	require.NoError(t, l.StartRound("host-1"))

	var sawRoundEnded bool
	deadline := time.After(2 * time.Second)
loop:
	for {
		select {
		case d := <-ch:
			if _, ok := d.(RoundEnded); ok {
				sawRoundEnded = true
				break loop
			}
		case <-deadline:
			break loop
		}
	}
	assert.True(t, sawRoundEnded, "expected an automatic RoundEnded delta after the timer fired")
}

func TestDoubleEndRoundIsIdempotent(t *testing.T) {
	l, host := newTestLobby(t)
	require.NoError(t, l.Join("alice", "alice"))
	attachParticipant(t, l, "alice")

	require.NoError(t, l.StartGame(host, ""))
	require.NoError(t, l.StartRound(host))
	require.NoError(t, l.SubmitAnswer("alice", "Red", time.Now().UnixMilli()))

	require.NoError(t, l.EndRound(host))
	require.NoError(t, l.EndRound(host)) // no-op, must not double-score

	// Scoring happened exactly once: re-attach and check that alice's score
	// is a single round's worth and the phase is still Score.
	state, err := l.Attach("alice", make(chan Delta, 32))
	require.NoError(t, err)

	var aliceScore int
	for _, p := range state.Participants {
		if p.ParticipantID == "alice" {
			aliceScore = p.Score
		}
	}
	assert.Equal(t, 5000, aliceScore)
	assert.Equal(t, PhaseScore, state.Phase)
}

func TestReconnectPreservesScore(t *testing.T) {
	l, host := newTestLobby(t)
	require.NoError(t, l.Join("alice", "alice"))
	attachParticipant(t, l, "alice")

	require.NoError(t, l.StartGame(host, ""))
	require.NoError(t, l.StartRound(host))
	require.NoError(t, l.SubmitAnswer("alice", "Red", time.Now().UnixMilli()))
	require.NoError(t, l.EndRound(host))

	l.Detach("alice")

	state, err := l.Attach("alice", make(chan Delta, 32))
	require.NoError(t, err)

	var aliceScore int
	for _, p := range state.Participants {
		if p.ParticipantID == "alice" {
			aliceScore = p.Score
		}
	}
	assert.Equal(t, 5000, aliceScore)
	assert.Equal(t, PhaseScore, state.Phase)
}

func TestHostLeavesLobbyStaysOpen(t *testing.T) {
	l, host := newTestLobby(t)
	ch := attachParticipant(t, l, host)

	l.Detach(host)
	close(ch)

	// Host can reattach and regain full control.
	_, err := l.Attach(host, make(chan Delta, 32))
	require.NoError(t, err)

	require.NoError(t, l.Join("alice", "alice"))
	require.NoError(t, l.StartGame(host, ""))
}

func TestJoinNameValidation(t *testing.T) {
	l, _ := newTestLobby(t)

	assert.ErrorIs(t, l.Join("p1", "a"), ErrInvalidName)
	assert.ErrorIs(t, l.Join("p1", "aaaaaaaaaaaaaaaaaaa"), ErrInvalidName)
	assert.NoError(t, l.Join("p1", "ab"))
	assert.ErrorIs(t, l.Join("p2", "ab"), ErrNameTaken)
}

func TestGameOverBlocksFurtherMutation(t *testing.T) {
	l, host := newTestLobby(t)
	require.NoError(t, l.Join("alice", "alice"))

	require.NoError(t, l.EndGame(host))

	err := l.RemoveParticipant(host, "alice")
	assert.ErrorIs(t, err, ErrInvalidPhase)
}

func TestSkipQuestionOnlyInLobbyOrScore(t *testing.T) {
	l, host := newTestLobby(t)
	require.NoError(t, l.StartGame(host, ""))
	require.NoError(t, l.StartRound(host))

	err := l.SkipQuestion(host)
	assert.ErrorIs(t, err, ErrInvalidPhase)
}
