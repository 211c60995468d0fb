package lobby

import "time"

// Delta is the marker interface every outbound, typed state-change
// message implements. ConnectionHub only ever forwards these to the
// wire as JSON; it never inspects their fields.
type Delta interface {
	deltaType() string
}

type ParticipantView struct {
	ParticipantID string `json:"participant_id"`
	Name          string `json:"name"`
	Score         int    `json:"score"`
	IsHost        bool   `json:"is_host"`
	IsAttached    bool   `json:"is_attached"`
}

// FullState is sent to a participant immediately on Attach, before any
// deltas, so a reconnecting client's view always starts consistent.
type FullState struct {
	Type            string            `json:"type"`
	LobbyID         string            `json:"lobby_id"`
	JoinCode        string            `json:"join_code"`
	Phase           Phase             `json:"phase"`
	Participants    []ParticipantView `json:"participants"`
	YourParticipant string            `json:"your_participant_id"`
	Round           *RoundStarted     `json:"round,omitempty"`
	RoundDurationMS int64             `json:"round_duration_ms"`
}

func (FullState) deltaType() string { return "FullState" }

type PhaseChanged struct {
	Type  string `json:"type"`
	Phase Phase  `json:"phase"`
}

func (PhaseChanged) deltaType() string { return "PhaseChanged" }

type ParticipantJoined struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participant_id"`
	Name          string `json:"name"`
}

func (ParticipantJoined) deltaType() string { return "ParticipantJoined" }

type ParticipantLeft struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participant_id"`
}

func (ParticipantLeft) deltaType() string { return "ParticipantLeft" }

type AnswerReceived struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participant_id"`
}

func (AnswerReceived) deltaType() string { return "AnswerReceived" }

type RoundStarted struct {
	Type            string    `json:"type"`
	QuestionID      string    `json:"question_id"`
	Alternatives    []string  `json:"alternatives"`
	DurationMS      int64     `json:"duration_ms"`
	ServerStartedAt time.Time `json:"server_started_at"`
}

func (RoundStarted) deltaType() string { return "RoundStarted" }

type PerParticipantScore struct {
	ParticipantID string `json:"participant_id"`
	Delta         int    `json:"delta"`
	Total         int    `json:"total"`
}

type RoundEnded struct {
	Type           string                `json:"type"`
	CorrectOptions []string              `json:"correct_options"`
	PerParticipant []PerParticipantScore `json:"per_participant"`
}

func (RoundEnded) deltaType() string { return "RoundEnded" }

type FinalScore struct {
	ParticipantID string `json:"participant_id"`
	Name          string `json:"name"`
	Score         int    `json:"score"`
}

type GameEnded struct {
	Type  string       `json:"type"`
	Final []FinalScore `json:"final"`
}

func (GameEnded) deltaType() string { return "GameEnded" }

type LobbyClosed struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func (LobbyClosed) deltaType() string { return "LobbyClosed" }

// ErrorDelta is delivered only to the command's originating connection,
// never broadcast.
type ErrorDelta struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (ErrorDelta) deltaType() string { return "Error" }

func newError(code, message string) ErrorDelta {
	return ErrorDelta{Type: "Error", Code: code, Message: message}
}

// NewErrorDelta lets ConnectionHub report connection-level errors (rate
// limiting, malformed frames, unauthorized viewer actions) that never
// reach the lobby's own command dispatch.
func NewErrorDelta(code, message string) ErrorDelta {
	return newError(code, message)
}

// Pong answers a client Heartbeat.
type Pong struct {
	Type string `json:"type"`
}

func (Pong) deltaType() string { return "Pong" }
