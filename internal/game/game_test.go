package game

import (
	"errors"
	"testing"
)

func twoQuestions() []Question {
	return []Question{
		{ID: "q1", Prompt: "capital of France?", ReferenceAnswer: "Paris", Hint: "city of light"},
		{ID: "q2", Prompt: "2+2?", ReferenceAnswer: "4"},
	}
}

func containsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

func playingSession(t *testing.T) Session {
	t.Helper()
	s := NewSession("g1", "r1", "alice", []string{"alice", "bob"})
	_, s, err := Apply(s, Command{Type: CmdQuestionsReady, Questions: twoQuestions()})
	if err != nil {
		t.Fatalf("questions ready: %v", err)
	}
	_, s, err = Apply(s, Command{Type: CmdStart})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return s
}

func TestApply_StatusTransitions(t *testing.T) {
	cases := []struct {
		name    string
		status  Status
		cmd     Command
		wantErr error
	}{
		{
			name:    "questions ready only while generating",
			status:  StatusReady,
			cmd:     Command{Type: CmdQuestionsReady, Questions: twoQuestions()},
			wantErr: ErrWrongStatus,
		},
		{
			name:    "start only while ready",
			status:  StatusGenerating,
			cmd:     Command{Type: CmdStart},
			wantErr: ErrWrongStatus,
		},
		{
			name:    "no answers while waiting for the next question",
			status:  StatusWaitingNext,
			cmd:     Command{Type: CmdGraded, Participant: "bob", Result: GradingResult{Score: 90, IsCorrect: true}},
			wantErr: ErrNotAcceptingAnswers,
		},
		{
			name:    "advance only while waiting",
			status:  StatusPlaying,
			cmd:     Command{Type: CmdAdvance},
			wantErr: ErrWrongStatus,
		},
		{
			name:    "empty question set rejected",
			status:  StatusGenerating,
			cmd:     Command{Type: CmdQuestionsReady},
			wantErr: ErrNoQuestions,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewSession("g1", "r1", "alice", []string{"alice"})
			s.Status = tc.status
			s.Questions = twoQuestions()
			_, after, err := Apply(s, tc.cmd)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("want %v, got %v", tc.wantErr, err)
			}
			if after.Status != tc.status {
				t.Fatalf("errored command must not change status: %v -> %v", tc.status, after.Status)
			}
		})
	}
}

func TestApply_FinishedSessionRejectsEverything(t *testing.T) {
	s := NewSession("g1", "r1", "alice", []string{"alice"})
	s.Status = StatusFinished
	for _, cmd := range []CommandType{CmdQuestionsReady, CmdStart, CmdGraded, CmdDeadline, CmdAdvance} {
		if _, _, err := Apply(s, Command{Type: cmd}); !errors.Is(err, ErrSessionFinished) {
			t.Fatalf("%s: want ErrSessionFinished, got %v", cmd, err)
		}
	}
}

func TestApply_CorrectAnswerScoresAndShortCircuits(t *testing.T) {
	s := playingSession(t)

	events, s, err := Apply(s, Command{
		Type:        CmdGraded,
		Participant: "bob",
		MessageID:   "m1",
		Result:      GradingResult{IsCorrect: true, Score: 85},
	})
	if err != nil {
		t.Fatalf("graded: %v", err)
	}
	if s.Score("bob") != 85 {
		t.Fatalf("want bob score 85, got %d", s.Score("bob"))
	}
	if !containsEvent(events, EvtQuestionClosed) {
		t.Fatalf("correct answer must close the question, got %+v", events)
	}
	if s.Status != StatusWaitingNext {
		t.Fatalf("want waiting_next after first question, got %s", s.Status)
	}
}

func TestApply_LeavesInputSessionUntouched(t *testing.T) {
	s := playingSession(t)

	// "bob" is already registered, so the score write lands on a map the
	// input session also holds.
	_, next, err := Apply(s, Command{
		Type:        CmdGraded,
		Participant: "bob",
		Result:      GradingResult{IsCorrect: true, Score: 85},
	})
	if err != nil {
		t.Fatalf("graded: %v", err)
	}
	if s.Score("bob") != 0 {
		t.Fatalf("input session mutated: bob score %d", s.Score("bob"))
	}
	if next.Score("bob") != 85 {
		t.Fatalf("want bob score 85 on the returned session, got %d", next.Score("bob"))
	}
}

func TestApply_IncorrectAnswerKeepsQuestionOpen(t *testing.T) {
	s := playingSession(t)

	events, s, err := Apply(s, Command{
		Type:        CmdGraded,
		Participant: "bob",
		Result:      GradingResult{IsCorrect: false, Score: 40},
	})
	if err != nil {
		t.Fatalf("graded: %v", err)
	}
	if s.Score("bob") != 0 {
		t.Fatalf("incorrect answers must not score, got %d", s.Score("bob"))
	}
	if containsEvent(events, EvtQuestionClosed) {
		t.Fatalf("incorrect answer must not close the question")
	}
	if s.Status != StatusPlaying {
		t.Fatalf("want playing, got %s", s.Status)
	}
}

func TestApply_StaleQuestionIndexRejected(t *testing.T) {
	s := playingSession(t)
	_, s, err := Apply(s, Command{Type: CmdDeadline})
	if err != nil {
		t.Fatalf("deadline: %v", err)
	}
	_, s, err = Apply(s, Command{Type: CmdAdvance})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}

	// A grading result for question 0 lands after the advance to 1.
	_, _, err = Apply(s, Command{
		Type:          CmdGraded,
		Participant:   "bob",
		QuestionIndex: 0,
		Result:        GradingResult{IsCorrect: true, Score: 100},
	})
	if !errors.Is(err, ErrStaleQuestion) {
		t.Fatalf("want ErrStaleQuestion, got %v", err)
	}
}

func TestApply_DeadlineOnLastQuestionFinishes(t *testing.T) {
	s := playingSession(t)
	_, s, _ = Apply(s, Command{Type: CmdDeadline})
	_, s, _ = Apply(s, Command{Type: CmdAdvance})

	events, s, err := Apply(s, Command{Type: CmdDeadline})
	if err != nil {
		t.Fatalf("final deadline: %v", err)
	}
	if s.Status != StatusFinished {
		t.Fatalf("want finished, got %s", s.Status)
	}
	if !containsEvent(events, EvtFinished) {
		t.Fatalf("want EvtFinished, got %+v", events)
	}
}

func TestRanking_OrderAndTies(t *testing.T) {
	s := playingSession(t)

	_, s, _ = Apply(s, Command{Type: CmdGraded, Participant: "bob", QuestionIndex: 0, Result: GradingResult{IsCorrect: true, Score: 80}})
	_, s, _ = Apply(s, Command{Type: CmdAdvance})
	_, s, _ = Apply(s, Command{Type: CmdGraded, Participant: "alice", QuestionIndex: 1, Result: GradingResult{IsCorrect: true, Score: 80}})

	ranking := s.Ranking()
	if len(ranking) != 2 {
		t.Fatalf("want 2 entries, got %d", len(ranking))
	}
	// Equal totals keep first-participation order: alice joined first.
	if ranking[0].UserID != "alice" || ranking[1].UserID != "bob" {
		t.Fatalf("tie must keep participation order, got %+v", ranking)
	}
	if ranking[0].Position != 1 || ranking[1].Position != 2 {
		t.Fatalf("positions must be 1-based, got %+v", ranking)
	}
	if ranking[0].Correct != 1 {
		t.Fatalf("want 1 correct for alice, got %d", ranking[0].Correct)
	}
}

func TestWithParticipant_Idempotent(t *testing.T) {
	s := NewSession("g1", "r1", "alice", []string{"alice"})
	s = s.WithParticipant("alice")
	s = s.WithParticipant("bob")
	s = s.WithParticipant("bob")
	if got := len(s.Scores()); got != 2 {
		t.Fatalf("want 2 participants, got %d", got)
	}
}
