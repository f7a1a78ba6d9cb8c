package room

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ludus-app/ludus-server/internal/game"
	"github.com/ludus-app/ludus-server/internal/wire"
)

const gradeTimeout = 60 * time.Second

// startGame creates a fresh session in generating. Any previous session
// is superseded: its pending timers are retired and never fire into the
// new one.
func (r *Room) startGame(hostID string) StartResult {
	if _, ok := r.members[hostID]; !ok {
		return StartResult{Err: ErrNotMember}
	}
	r.retireTimer()
	participants := make([]string, 0, len(r.members))
	for id := range r.members {
		participants = append(participants, id)
	}
	s := game.NewSession(uuid.NewString(), r.info.ID, hostID, participants)
	r.session = &s
	r.broadcast(r.gameStatusEvent())
	r.systemMessage("Generating questions... hang tight.")
	return StartResult{SessionID: s.ID}
}

func (r *Room) questionsReady(msg QuestionsReady) {
	if r.session == nil || r.session.ID != msg.SessionID {
		r.log.Debug("questions for superseded session discarded", zap.String("session_id", msg.SessionID))
		return
	}
	events, next, err := game.Apply(*r.session, game.Command{Type: game.CmdQuestionsReady, Questions: msg.Questions})
	if err != nil {
		r.log.Warn("questions ready rejected", zap.Error(err))
		return
	}
	r.session = &next
	r.handleGameEvents(events)
	// Start is server-issued as soon as generation completes.
	r.autoStart(msg.SessionID)
}

func (r *Room) autoStart(sessionID string) {
	if r.session == nil || r.session.ID != sessionID {
		return
	}
	events, next, err := game.Apply(*r.session, game.Command{Type: game.CmdStart})
	if err != nil {
		r.log.Warn("game start rejected", zap.Error(err))
		return
	}
	r.session = &next
	r.systemMessage("Game on! First correct answer scores.")
	r.handleGameEvents(events)
}

func (r *Room) generationFailed(msg GenerationFailed) {
	if r.session == nil || r.session.ID != msg.SessionID {
		return
	}
	r.log.Error("question generation failed", zap.Error(msg.Err))
	r.systemMessage("Question generation failed. Start a new game to retry.")
	r.session = nil
}

// gradeAsync calls the grading collaborator off the loop so a slow grader
// never blocks the countdown or other rooms' traffic.
func (r *Room) gradeAsync(member Member, messageID, text string) {
	if r.deps.Grader == nil {
		return
	}
	q, ok := r.session.CurrentQuestion()
	if !ok {
		return
	}
	sessionID := r.session.ID
	index := r.session.Current
	go func() {
		ctx, cancel := context.WithTimeout(r.ctx, gradeTimeout)
		defer cancel()
		result, err := r.deps.Grader.GradeAnswer(ctx, q, text)
		select {
		case r.inbox <- gradingDone{
			sessionID:     sessionID,
			questionIndex: index,
			member:        member,
			messageID:     messageID,
			result:        result,
			err:           err,
		}:
		case <-r.ctx.Done():
		}
	}()
}

func (r *Room) finishGrading(msg gradingDone) {
	if r.session == nil || r.session.ID != msg.sessionID {
		// Session superseded while grading was in flight; stale, discard.
		return
	}
	grading := wire.GradingResult{
		MessageID: msg.messageID,
		UserID:    msg.member.ID,
		UserName:  msg.member.Name,
		IsCorrect: msg.result.IsCorrect,
		Score:     msg.result.Score,
		Feedback:  msg.result.Feedback,
	}
	if msg.err != nil {
		// Per-message failure: the timer keeps running, the game is untouched.
		r.log.Warn("grading failed", zap.String("message_id", msg.messageID), zap.Error(msg.err))
		grading.Err = "grading failed"
		r.broadcast(wire.Event{Type: wire.EventGradingResult, Grading: &grading})
		return
	}
	if err := r.deps.Messages.AttachGrading(r.ctx, r.info.ID, msg.messageID, grading); err != nil {
		r.log.Warn("attach grading failed", zap.Error(err))
	}
	events, next, err := game.Apply(*r.session, game.Command{
		Type:          game.CmdGraded,
		Participant:   msg.member.ID,
		MessageID:     msg.messageID,
		QuestionIndex: msg.questionIndex,
		Result:        msg.result,
	})
	if err != nil {
		// Question already closed; the result still belongs to the message.
		r.broadcast(wire.Event{Type: wire.EventGradingResult, Grading: &grading})
		return
	}
	r.session = &next
	r.handleGameEvents(events)
}

func (r *Room) handleGameEvents(events []game.Event) {
	for _, ev := range events {
		switch ev.Type {
		case game.EvtStatusChanged:
			r.broadcast(r.gameStatusEvent())
		case game.EvtQuestionOpened:
			r.openQuestion(ev.QuestionIndex)
		case game.EvtGraded:
			r.broadcast(wire.Event{Type: wire.EventGradingResult, Grading: &wire.GradingResult{
				MessageID: ev.MessageID,
				UserID:    ev.Participant,
				UserName:  r.members[ev.Participant].Name,
				IsCorrect: ev.Result.IsCorrect,
				Score:     ev.Result.Score,
				Feedback:  ev.Result.Feedback,
			}})
		case game.EvtQuestionClosed:
			r.closeQuestion(ev)
		case game.EvtFinished:
			r.systemMessage(formatRanking(ev.Ranking, r.members))
		}
	}
}

func (r *Room) openQuestion(index int) {
	q, ok := r.session.CurrentQuestion()
	if !ok {
		return
	}
	total := len(r.session.Questions)
	r.broadcast(wire.Event{Type: wire.EventGameQuestion, Question: &wire.Question{
		ID:     q.ID,
		Index:  index,
		Total:  total,
		Prompt: q.Prompt,
	}})
	r.systemMessage(fmt.Sprintf("Question %d/%d\n\n%s", index+1, total, q.Prompt))

	r.remaining = r.deps.Timing.QuestionBudget
	gen := r.retireTimer()
	r.broadcast(wire.Event{Type: wire.EventGameTimer, Timer: &wire.Timer{Remaining: r.remaining}})
	r.schedule(r.deps.Timing.Tick, timerTick{gen: gen})
}

func (r *Room) tick(gen uint64) {
	if gen != r.timerGen {
		return // retired countdown, a transition already happened
	}
	if r.session == nil || r.session.Status != game.StatusPlaying {
		return
	}
	r.remaining--
	if r.remaining <= 0 {
		events, next, err := game.Apply(*r.session, game.Command{Type: game.CmdDeadline})
		if err != nil {
			r.log.Warn("deadline rejected", zap.Error(err))
			return
		}
		r.session = &next
		r.handleGameEvents(events)
		return
	}
	r.broadcast(wire.Event{Type: wire.EventGameTimer, Timer: &wire.Timer{Remaining: r.remaining}})
	if r.remaining == r.deps.Timing.HintAt {
		if q, ok := r.session.CurrentQuestion(); ok && q.Hint != "" {
			r.broadcast(wire.Event{Type: wire.EventGameHint, Hint: &wire.Hint{QuestionID: q.ID, Text: q.Hint}})
			r.systemMessage("Hint: " + q.Hint)
		}
	}
	r.schedule(r.deps.Timing.Tick, timerTick{gen: gen})
}

// closeQuestion runs after the state machine already left playing. The
// countdown is retired before anything else so a tick in flight cannot
// land on the new state.
func (r *Room) closeQuestion(ev game.Event) {
	gen := r.retireTimer()
	q := r.session.Questions[ev.QuestionIndex]

	var b strings.Builder
	if ev.Reason == game.ReasonAnswered {
		fmt.Fprintf(&b, "Correct! %s got it.\n\n", r.memberName(ev.Participant))
	} else {
		b.WriteString("Time's up!\n\n")
	}
	fmt.Fprintf(&b, "Answer: %s", q.ReferenceAnswer)
	if q.Explanation != "" {
		fmt.Fprintf(&b, "\n\n%s", q.Explanation)
	}
	r.systemMessage(b.String())

	if r.session.Status != game.StatusWaitingNext {
		return
	}
	settle := r.deps.Timing.SettleTimeout
	if ev.Reason == game.ReasonAnswered {
		settle = r.deps.Timing.SettleCorrect
	}
	r.schedule(settle, advanceNext{gen: gen})
}

func (r *Room) advance(gen uint64) {
	if gen != r.timerGen {
		return
	}
	if r.session == nil || r.session.Status != game.StatusWaitingNext {
		return
	}
	events, next, err := game.Apply(*r.session, game.Command{Type: game.CmdAdvance})
	if err != nil {
		r.log.Warn("advance rejected", zap.Error(err))
		return
	}
	r.session = &next
	r.handleGameEvents(events)
}

// retireTimer invalidates every scheduled tick and advance issued so far.
// Cancellation is idempotent: a stale message is simply dropped on
// arrival.
func (r *Room) retireTimer() uint64 {
	r.timerGen++
	return r.timerGen
}

func (r *Room) gameStatusEvent() wire.Event {
	status := &wire.GameStatus{
		SessionID:       r.session.ID,
		Status:          string(r.session.Status),
		CurrentQuestion: r.session.Current,
		TotalQuestions:  len(r.session.Questions),
		Scores:          r.session.Scores(),
	}
	if r.session.Status == game.StatusFinished {
		for _, e := range r.session.Ranking() {
			status.Ranking = append(status.Ranking, wire.RankEntry{
				UserID:   e.UserID,
				Name:     r.memberName(e.UserID),
				Score:    e.Score,
				Correct:  e.Correct,
				Position: e.Position,
			})
		}
	}
	return wire.Event{Type: wire.EventGameStatus, GameStatus: status}
}

func (r *Room) memberName(userID string) string {
	if m, ok := r.members[userID]; ok && m.Name != "" {
		return m.Name
	}
	return userID
}

func formatRanking(ranking []game.RankEntry, members map[string]Member) string {
	var b strings.Builder
	b.WriteString("Final ranking:")
	for _, e := range ranking {
		name := e.UserID
		if m, ok := members[e.UserID]; ok && m.Name != "" {
			name = m.Name
		}
		fmt.Fprintf(&b, "\n%d. %s - %d pts (%d correct)", e.Position, name, e.Score, e.Correct)
	}
	return b.String()
}
