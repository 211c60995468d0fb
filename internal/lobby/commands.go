package lobby

import (
	"sort"
	"strings"
	"time"

	"github.com/seednode/spektrum/internal/catalog"
)

// command is the sum type every inbound lobby operation implements.
// Lobby.dispatch calls each command's apply method directly - no
// reflection, no stringly-typed routing.
type command interface {
	apply(l *Lobby, seq uint64)
}

// --- Attach -----------------------------------------------------------

type attachCmd struct {
	participantID string
	outbound      chan Delta
	reply         chan attachResult
}

type attachResult struct {
	state FullState
	err   error
}

// Attach registers a connection's outbound channel with the lobby and
// returns the full-state snapshot the connection must send first. It is
// the only lobby operation that carries the connection's outbound
// channel, which must be wired in before anything else can be delivered.
func (l *Lobby) Attach(participantID string, outbound chan Delta) (FullState, error) {
	reply := make(chan attachResult, 1)
	if !l.send(attachCmd{participantID: participantID, outbound: outbound, reply: reply}) {
		return FullState{}, ErrLobbyClosed
	}
	res := <-reply
	return res.state, res.err
}

func (c attachCmd) apply(l *Lobby, _ uint64) {
	p, ok := l.participants[c.participantID]
	if !ok {
		c.reply <- attachResult{err: ErrParticipantUnknown}
		return
	}

	p.IsAttached = true
	l.attachments[c.participantID] = &attachment{participantID: c.participantID, outbound: c.outbound}

	c.reply <- attachResult{state: l.fullStateFor(c.participantID)}
}

func (l *Lobby) fullStateFor(participantID string) FullState {
	views := make([]ParticipantView, 0, len(l.participants))
	for _, p := range l.participants {
		views = append(views, ParticipantView{
			ParticipantID: p.ID, Name: p.Name, Score: p.Score,
			IsHost: p.IsHost, IsAttached: p.IsAttached,
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ParticipantID < views[j].ParticipantID })

	var round *RoundStarted
	if l.current != nil {
		round = &RoundStarted{
			Type:            "RoundStarted",
			QuestionID:      l.current.QuestionID,
			Alternatives:    l.current.DisplayedAlternatives,
			DurationMS:      l.current.DurationMS,
			ServerStartedAt: l.current.StartedAt,
		}
	}

	return FullState{
		Type:            "FullState",
		LobbyID:         l.ID,
		JoinCode:        l.JoinCode,
		Phase:           l.phase,
		Participants:    views,
		YourParticipant: participantID,
		Round:           round,
		RoundDurationMS: l.cfg.RoundDurationMS,
	}
}

// --- Join ---------------------------------------------------------------

type joinCmd struct {
	participantID string // pre-allocated by the caller (AdminAPI), so the
	// token can be minted before the lobby actor confirms the join
	name  string
	reply chan error
}

// Join admits a new player participant by name. AdminAPI's join-lobby
// handler calls this after it has generated a participant ID, so that a
// successful reply and a minted token are never observed out of step by
// the caller.
func (l *Lobby) Join(participantID, name string) error {
	reply := make(chan error, 1)
	if !l.send(joinCmd{participantID: participantID, name: name, reply: reply}) {
		return ErrLobbyClosed
	}
	return <-reply
}

func (c joinCmd) apply(l *Lobby, _ uint64) {
	if l.phase != PhaseLobby {
		c.reply <- ErrLobbyNotJoinable
		return
	}
	name := strings.TrimSpace(c.name)
	if err := ValidateName(name); err != nil {
		c.reply <- err
		return
	}
	for _, p := range l.participants {
		if p.Name == name {
			c.reply <- ErrNameTaken
			return
		}
	}

	l.participants[c.participantID] = &Participant{ID: c.participantID, Name: name}
	c.reply <- nil

	l.broadcast(ParticipantJoined{Type: "ParticipantJoined", ParticipantID: c.participantID, Name: name})
}

// --- Detach -------------------------------------------------------------

type detachCmd struct{ participantID string }

// Detach marks a participant disconnected without removing them -
// fire-and-forget, called by ConnectionHub when a websocket dies.
func (l *Lobby) Detach(participantID string) {
	l.send(detachCmd{participantID: participantID})
}

func (c detachCmd) apply(l *Lobby, _ uint64) {
	if p, ok := l.participants[c.participantID]; ok {
		p.IsAttached = false
	}
	delete(l.attachments, c.participantID)
}

// --- SubmitAnswer ---------------------------------------------------------

type submitAnswerCmd struct {
	participantID string
	text          string
	arrivalMS     int64 // caller-supplied now, relative to Unix epoch in ms
	reply         chan error
}

func (l *Lobby) SubmitAnswer(participantID, text string, arrivalUnixMS int64) error {
	reply := make(chan error, 1)
	if !l.send(submitAnswerCmd{participantID: participantID, text: text, arrivalMS: arrivalUnixMS, reply: reply}) {
		return ErrLobbyClosed
	}
	return <-reply
}

func (c submitAnswerCmd) apply(l *Lobby, seq uint64) {
	if l.phase != PhaseQuestion || l.current == nil {
		l.replyErr(c.reply, ErrInvalidPhase, c.participantID, "not accepting answers right now")
		return
	}
	if _, ok := l.participants[c.participantID]; !ok {
		l.replyErr(c.reply, ErrParticipantUnknown, c.participantID, "unknown participant")
		return
	}
	if _, already := l.current.Answers[c.participantID]; already {
		l.replyErr(c.reply, ErrAlreadyAnswered, c.participantID, "you already answered this round")
		return
	}

	found := false
	for _, alt := range l.current.DisplayedAlternatives {
		if alt == c.text {
			found = true
			break
		}
	}
	if !found {
		l.replyErr(c.reply, ErrUnknownAlternative, c.participantID, "that is not one of the displayed alternatives")
		return
	}

	if _, err := l.catalog.LookupQuestion(l.current.QuestionID); err != nil {
		l.replyErr(c.reply, ErrNoMoreQuestions, c.participantID, "question no longer available")
		return
	}

	correct := false
	for _, o := range l.catalog.OptionsFor(l.current.QuestionID) {
		if o.Text == c.text && o.IsCorrect {
			correct = true
			break
		}
	}

	l.current.Answers[c.participantID] = &Answer{
		ParticipantID: c.participantID,
		OptionText:    c.text,
		ArrivalMS:     c.arrivalMS,
		Correct:       correct,
		sequence:      seq,
	}

	c.reply <- nil

	l.broadcast(AnswerReceived{Type: "AnswerReceived", ParticipantID: c.participantID})
}

func (l *Lobby) replyErr(reply chan error, sentinel error, participantID, msg string) {
	reply <- sentinel
	l.sendError(participantID, sentinel, msg)
}

func (l *Lobby) sendError(participantID string, sentinel error, msg string) {
	att, ok := l.attachments[participantID]
	if !ok {
		return
	}
	select {
	case att.outbound <- newError(sentinel.Error(), msg):
	default:
	}
}

// --- StartGame ------------------------------------------------------------

type startGameCmd struct {
	requesterID string
	setID       string // empty = entire catalog
	reply       chan error
}

func (l *Lobby) StartGame(requesterID, setID string) error {
	reply := make(chan error, 1)
	if !l.send(startGameCmd{requesterID: requesterID, setID: setID, reply: reply}) {
		return ErrLobbyClosed
	}
	return <-reply
}

func (c startGameCmd) apply(l *Lobby, _ uint64) {
	if !l.requireHost(c.requesterID, c.reply) {
		return
	}
	if l.phase != PhaseLobby {
		l.replyErr(c.reply, ErrInvalidPhase, c.requesterID, "game already started")
		return
	}

	setID := c.setID
	if setID == "" {
		setID = l.cfg.DefaultSetID
	}

	var ids []string
	var err error
	if setID != "" {
		ids, err = l.catalog.SetQuestionIDs(setID)
		if err != nil {
			l.replyErr(c.reply, ErrEmptyCatalog, c.requesterID, "unknown question set")
			return
		}
	} else {
		ids = l.catalog.AllQuestionIDs()
	}
	if len(ids) == 0 {
		l.replyErr(c.reply, ErrEmptyCatalog, c.requesterID, "no questions available")
		return
	}

	shuffled, err := catalog.ShuffleQuestionIDs(ids)
	if err != nil {
		l.replyErr(c.reply, ErrEmptyCatalog, c.requesterID, "failed to build question order")
		return
	}
	l.upcoming = shuffled

	l.phase = PhaseScore
	c.reply <- nil
	l.broadcast(PhaseChanged{Type: "PhaseChanged", Phase: l.phase})
}

func (l *Lobby) requireHost(requesterID string, reply chan error) bool {
	p, ok := l.participants[requesterID]
	if !ok {
		l.replyErr(reply, ErrParticipantUnknown, requesterID, "unknown participant")
		return false
	}
	if !p.IsHost {
		l.replyErr(reply, ErrUnauthorized, requesterID, "only the host may do that")
		return false
	}
	return true
}

// --- StartRound -------------------------------------------------------------

type startRoundCmd struct {
	requesterID string
	reply       chan error
}

func (l *Lobby) StartRound(requesterID string) error {
	reply := make(chan error, 1)
	if !l.send(startRoundCmd{requesterID: requesterID, reply: reply}) {
		return ErrLobbyClosed
	}
	return <-reply
}

func (c startRoundCmd) apply(l *Lobby, _ uint64) {
	if !l.requireHost(c.requesterID, c.reply) {
		return
	}
	if l.phase != PhaseLobby && l.phase != PhaseScore {
		l.replyErr(c.reply, ErrInvalidPhase, c.requesterID, "cannot start a round from this phase")
		return
	}
	if len(l.upcoming) == 0 {
		l.replyErr(c.reply, ErrNoMoreQuestions, c.requesterID, "no more questions queued")
		return
	}

	questionID := l.upcoming[0]
	l.upcoming = l.upcoming[1:]

	alts, err := l.catalog.SampleAlternatives(questionID, 6)
	if err != nil || len(alts) == 0 {
		l.replyErr(c.reply, ErrNoMoreQuestions, c.requesterID, "question could not be prepared")
		return
	}

	now := time.Now()
	l.current = &Round{
		QuestionID:            questionID,
		DisplayedAlternatives: alts,
		StartedAt:             now,
		DurationMS:            l.cfg.RoundDurationMS,
		Answers:               make(map[string]*Answer),
	}
	l.phase = PhaseQuestion

	l.resetRoundTimer(l.cfg.RoundDurationMS)

	c.reply <- nil

	l.broadcast(PhaseChanged{Type: "PhaseChanged", Phase: l.phase})
	l.broadcast(RoundStarted{
		Type: "RoundStarted", QuestionID: questionID, Alternatives: alts,
		DurationMS: l.cfg.RoundDurationMS, ServerStartedAt: now,
	})
}

func (l *Lobby) resetRoundTimer(durationMS int64) {
	if l.roundTimer != nil {
		l.roundTimer.Stop()
	}
	l.roundTimer = time.NewTimer(time.Duration(durationMS) * time.Millisecond)
}

func (l *Lobby) stopRoundTimer() {
	if l.roundTimer != nil {
		l.roundTimer.Stop()
		l.roundTimer = nil
	}
}

// --- EndRound ---------------------------------------------------------------

type endRoundCmd struct {
	requesterID string
	reply       chan error
}

func (l *Lobby) EndRound(requesterID string) error {
	reply := make(chan error, 1)
	if !l.send(endRoundCmd{requesterID: requesterID, reply: reply}) {
		return ErrLobbyClosed
	}
	return <-reply
}

func (c endRoundCmd) apply(l *Lobby, _ uint64) {
	if !l.requireHost(c.requesterID, c.reply) {
		return
	}
	if l.phase != PhaseQuestion {
		// Idempotent: a second EndRound after the first already moved
		// the phase to Score is a silent no-op, not an error.
		c.reply <- nil
		return
	}

	c.reply <- nil
	l.endCurrentRound()
}

// endCurrentRound is shared by the explicit host EndRound command and
// the internal Tick timer firing.
func (l *Lobby) endCurrentRound() {
	if l.current == nil {
		return
	}

	round := l.current
	l.stopRoundTimer()

	correctTexts := l.correctOptionTexts(round.QuestionID)

	// Order answers by arrival time, with command-queue sequence as the
	// deterministic tiebreaker for identical millisecond arrivals.
	answers := make([]*Answer, 0, len(round.Answers))
	for _, a := range round.Answers {
		answers = append(answers, a)
	}
	sort.Slice(answers, func(i, j int) bool {
		if answers[i].ArrivalMS != answers[j].ArrivalMS {
			return answers[i].ArrivalMS < answers[j].ArrivalMS
		}
		return answers[i].sequence < answers[j].sequence
	})

	perParticipant := make([]PerParticipantScore, 0, len(answers))
	for _, a := range answers {
		offset := a.ArrivalMS - round.StartedAt.UnixMilli()
		points := 0
		if a.Correct {
			points = awardPoints(offset, round.DurationMS)
		}
		a.AwardedPoints = points

		p := l.participants[a.ParticipantID]
		if p == nil {
			continue
		}
		p.Score += points
		p.LastRoundScore = points

		perParticipant = append(perParticipant, PerParticipantScore{
			ParticipantID: a.ParticipantID, Delta: points, Total: p.Score,
		})
	}

	// Participants who never answered get a zero delta entry too, so
	// clients can distinguish "answered wrong" from "didn't answer".
	for id, p := range l.participants {
		if p.IsHost {
			continue
		}
		if _, answered := round.Answers[id]; answered {
			continue
		}
		p.LastRoundScore = 0
		perParticipant = append(perParticipant, PerParticipantScore{ParticipantID: id, Delta: 0, Total: p.Score})
	}

	sort.Slice(perParticipant, func(i, j int) bool {
		return perParticipant[i].ParticipantID < perParticipant[j].ParticipantID
	})

	l.current = nil
	l.phase = PhaseScore

	l.broadcast(RoundEnded{Type: "RoundEnded", CorrectOptions: correctTexts, PerParticipant: perParticipant})
	l.broadcast(PhaseChanged{Type: "PhaseChanged", Phase: l.phase})
}

func (l *Lobby) correctOptionTexts(questionID string) []string {
	var out []string
	for _, o := range l.catalog.OptionsFor(questionID) {
		if o.IsCorrect {
			out = append(out, o.Text)
		}
	}
	return out
}

// --- SkipQuestion -------------------------------------------------------

type skipQuestionCmd struct {
	requesterID string
	reply       chan error
}

func (l *Lobby) SkipQuestion(requesterID string) error {
	reply := make(chan error, 1)
	if !l.send(skipQuestionCmd{requesterID: requesterID, reply: reply}) {
		return ErrLobbyClosed
	}
	return <-reply
}

func (c skipQuestionCmd) apply(l *Lobby, _ uint64) {
	if !l.requireHost(c.requesterID, c.reply) {
		return
	}
	// Restricted to Lobby/Score: the spec flags SkipQuestion-in-Question
	// as ambiguous in the source and pins it to Lobby/Score only.
	if l.phase != PhaseLobby && l.phase != PhaseScore {
		l.replyErr(c.reply, ErrInvalidPhase, c.requesterID, "cannot skip from this phase")
		return
	}
	if len(l.upcoming) > 0 {
		l.upcoming = l.upcoming[1:]
	}
	c.reply <- nil
}

// --- EndGame -----------------------------------------------------------

type endGameCmd struct {
	requesterID string
	reply       chan error
}

func (l *Lobby) EndGame(requesterID string) error {
	reply := make(chan error, 1)
	if !l.send(endGameCmd{requesterID: requesterID, reply: reply}) {
		return ErrLobbyClosed
	}
	return <-reply
}

func (c endGameCmd) apply(l *Lobby, _ uint64) {
	if !l.requireHost(c.requesterID, c.reply) {
		return
	}
	if l.phase == PhaseGameOver {
		c.reply <- nil
		return
	}

	l.stopRoundTimer()
	l.current = nil
	l.phase = PhaseGameOver

	c.reply <- nil

	final := make([]FinalScore, 0, len(l.participants))
	for _, p := range l.participants {
		final = append(final, FinalScore{ParticipantID: p.ID, Name: p.Name, Score: p.Score})
	}
	sort.Slice(final, func(i, j int) bool { return final[i].Score > final[j].Score })

	l.broadcast(PhaseChanged{Type: "PhaseChanged", Phase: l.phase})
	l.broadcast(GameEnded{Type: "GameEnded", Final: final})
}

// --- RemoveParticipant ---------------------------------------------------

type removeParticipantCmd struct {
	requesterID string
	targetID    string
	reply       chan error
}

func (l *Lobby) RemoveParticipant(requesterID, targetID string) error {
	reply := make(chan error, 1)
	if !l.send(removeParticipantCmd{requesterID: requesterID, targetID: targetID, reply: reply}) {
		return ErrLobbyClosed
	}
	return <-reply
}

func (c removeParticipantCmd) apply(l *Lobby, _ uint64) {
	if !l.requireHost(c.requesterID, c.reply) {
		return
	}
	if l.phase == PhaseGameOver {
		l.replyErr(c.reply, ErrInvalidPhase, c.requesterID, "game has ended")
		return
	}
	p, ok := l.participants[c.targetID]
	if !ok {
		l.replyErr(c.reply, ErrParticipantUnknown, c.requesterID, "unknown participant")
		return
	}
	if p.IsHost {
		l.replyErr(c.reply, ErrUnauthorized, c.requesterID, "cannot remove the host")
		return
	}

	if l.current != nil {
		delete(l.current.Answers, c.targetID)
	}
	delete(l.participants, c.targetID)

	if att, ok := l.attachments[c.targetID]; ok {
		close(att.outbound)
		delete(l.attachments, c.targetID)
	}

	c.reply <- nil

	l.broadcast(ParticipantLeft{Type: "ParticipantLeft", ParticipantID: c.targetID})
}

// --- CloseLobby ----------------------------------------------------------

type closeLobbyCmd struct {
	requesterID string
	reason      string
	reply       chan error
}

func (l *Lobby) CloseLobby(requesterID, reason string) error {
	reply := make(chan error, 1)
	if !l.send(closeLobbyCmd{requesterID: requesterID, reason: reason, reply: reply}) {
		return ErrLobbyClosed
	}
	return <-reply
}

func (c closeLobbyCmd) apply(l *Lobby, _ uint64) {
	if !l.requireHost(c.requesterID, c.reply) {
		return
	}

	l.stopRoundTimer()

	reason := c.reason
	if reason == "" {
		reason = "host closed the lobby"
	}
	l.broadcast(LobbyClosed{Type: "LobbyClosed", Reason: reason})

	for _, att := range l.attachments {
		close(att.outbound)
	}
	l.attachments = map[string]*attachment{}

	c.reply <- nil

	l.terminated = true
	close(l.cmds)
}

// --- internal Tick ---------------------------------------------------------

// handleTick is invoked directly from Run's select on the round timer,
// not routed through the command channel, since it originates inside
// the actor itself.
func (l *Lobby) handleTick(now time.Time) {
	if l.phase != PhaseQuestion || l.current == nil {
		return
	}
	deadline := l.current.StartedAt.Add(time.Duration(l.current.DurationMS) * time.Millisecond)
	if now.Before(deadline) {
		return
	}
	l.endCurrentRound()
}

// --- plumbing ---------------------------------------------------------

// send enqueues cmd on the lobby's command channel, returning false if
// the lobby has already closed its channel (CloseLobby applied). Sending
// on a closed channel panics; recover and report it as LobbyClosed
// instead, since CloseLobby racing with an in-flight command is
// expected, not exceptional.
func (l *Lobby) send(cmd command) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	l.cmds <- cmd
	return true
}
