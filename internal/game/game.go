// Package game holds the quiz session state machine. The package is
// deliberately free of I/O: transitions are expressed as
// Apply(session, command) -> (events, session, error) and the room actor
// interprets the events into broadcasts and timers.
package game

import (
	"errors"
	"sort"
	"time"
)

var (
	ErrWrongStatus         = errors.New("command not valid in current status")
	ErrNoQuestions         = errors.New("no questions generated")
	ErrNotAcceptingAnswers = errors.New("not accepting answers")
	ErrStaleQuestion       = errors.New("answer targets a closed question")
	ErrSessionFinished     = errors.New("session already finished")
	ErrUnsupportedCommand  = errors.New("unsupported command")
)

type Status string

const (
	StatusGenerating  Status = "generating"
	StatusReady       Status = "ready"
	StatusPlaying     Status = "playing"
	StatusWaitingNext Status = "waiting_next"
	StatusFinished    Status = "finished"
)

// Reference timing, lifted from the observed behavior: 20s per question,
// hint once 10s remain, short settle windows before the next question.
const (
	QuestionBudgetSec = 20
	HintAtRemaining   = 10
)

const (
	SettleAfterCorrect = 5 * time.Second
	SettleAfterTimeout = 3 * time.Second
)

type Question struct {
	ID              string
	Prompt          string
	ReferenceAnswer string
	Hint            string
	Explanation     string
	ProblemType     string
}

type GradingResult struct {
	IsCorrect bool
	Score     int
	Feedback  string
}

type participantScore struct {
	Total   int
	Correct int
}

// Session is one run of a quiz in a room. Scores map participant id to
// cumulative score; order preserves first-seen participants so ranking
// ties stay stable.
type Session struct {
	ID        string
	RoomID    string
	HostID    string
	Status    Status
	Questions []Question
	Current   int
	scores    map[string]participantScore
	order     []string
}

func NewSession(id, roomID, hostID string, participants []string) Session {
	s := Session{
		ID:     id,
		RoomID: roomID,
		HostID: hostID,
		Status: StatusGenerating,
		scores: map[string]participantScore{},
	}
	for _, p := range participants {
		s = s.WithParticipant(p)
	}
	return s
}

// WithParticipant registers a participant with a zero score. Late joiners
// are added the first time they answer; re-adding is a no-op.
func (s Session) WithParticipant(id string) Session {
	if _, ok := s.scores[id]; ok {
		return s
	}
	scores := make(map[string]participantScore, len(s.scores)+1)
	for k, v := range s.scores {
		scores[k] = v
	}
	scores[id] = participantScore{}
	s.scores = scores
	s.order = append(append([]string(nil), s.order...), id)
	return s
}

func (s Session) Score(id string) int { return s.scores[id].Total }

func (s Session) Scores() map[string]int {
	out := make(map[string]int, len(s.scores))
	for k, v := range s.scores {
		out[k] = v.Total
	}
	return out
}

func (s Session) CurrentQuestion() (Question, bool) {
	if s.Current < 0 || s.Current >= len(s.Questions) {
		return Question{}, false
	}
	return s.Questions[s.Current], true
}

type RankEntry struct {
	UserID   string
	Score    int
	Correct  int
	Position int
}

// Ranking sorts participants by cumulative score descending. Ties keep
// first-participation order.
func (s Session) Ranking() []RankEntry {
	out := make([]RankEntry, 0, len(s.order))
	for _, id := range s.order {
		sc := s.scores[id]
		out = append(out, RankEntry{UserID: id, Score: sc.Total, Correct: sc.Correct})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	for i := range out {
		out[i].Position = i + 1
	}
	return out
}

type CommandType string

const (
	CmdQuestionsReady CommandType = "QuestionsReady"
	CmdStart          CommandType = "Start"
	CmdGraded         CommandType = "Graded"
	CmdDeadline       CommandType = "Deadline"
	CmdAdvance        CommandType = "Advance"
)

type Command struct {
	Type          CommandType
	Questions     []Question // QuestionsReady
	Participant   string     // Graded
	MessageID     string     // Graded
	QuestionIndex int        // Graded
	Result        GradingResult
}

type EventType string

const (
	EvtStatusChanged  EventType = "StatusChanged"
	EvtQuestionOpened EventType = "QuestionOpened"
	EvtGraded         EventType = "Graded"
	EvtQuestionClosed EventType = "QuestionClosed"
	EvtFinished       EventType = "Finished"
)

type CloseReason string

const (
	ReasonAnswered CloseReason = "answered"
	ReasonTimeout  CloseReason = "timeout"
)

type Event struct {
	Type          EventType
	Status        Status
	QuestionIndex int
	Participant   string
	MessageID     string
	Result        GradingResult
	Reason        CloseReason
	Ranking       []RankEntry
}

// Apply runs one command against the session. On error the returned
// session equals the input and no events are emitted. Status transitions
// are monotonic apart from the waiting_next -> playing loop.
func Apply(s Session, cmd Command) ([]Event, Session, error) {
	if s.Status == StatusFinished {
		return nil, s, ErrSessionFinished
	}

	switch cmd.Type {
	case CmdQuestionsReady:
		if s.Status != StatusGenerating {
			return nil, s, ErrWrongStatus
		}
		if len(cmd.Questions) == 0 {
			return nil, s, ErrNoQuestions
		}
		s.Questions = cmd.Questions
		s.Status = StatusReady
		return []Event{{Type: EvtStatusChanged, Status: StatusReady}}, s, nil

	case CmdStart:
		if s.Status != StatusReady {
			return nil, s, ErrWrongStatus
		}
		s.Status = StatusPlaying
		s.Current = 0
		return []Event{
			{Type: EvtStatusChanged, Status: StatusPlaying},
			{Type: EvtQuestionOpened, QuestionIndex: 0},
		}, s, nil

	case CmdGraded:
		if s.Status != StatusPlaying {
			return nil, s, ErrNotAcceptingAnswers
		}
		if cmd.QuestionIndex != s.Current {
			return nil, s, ErrStaleQuestion
		}
		s = s.WithParticipant(cmd.Participant)
		events := []Event{{
			Type:          EvtGraded,
			QuestionIndex: s.Current,
			Participant:   cmd.Participant,
			MessageID:     cmd.MessageID,
			Result:        cmd.Result,
		}}
		if !cmd.Result.IsCorrect {
			return events, s, nil
		}
		// Correct answers score and short-circuit the countdown. The score
		// map is copied before the write so the caller's session is never
		// mutated through the shared map.
		scores := make(map[string]participantScore, len(s.scores))
		for k, v := range s.scores {
			scores[k] = v
		}
		sc := scores[cmd.Participant]
		sc.Total += cmd.Result.Score
		sc.Correct++
		scores[cmd.Participant] = sc
		s.scores = scores
		events = append(events, Event{
			Type:          EvtQuestionClosed,
			QuestionIndex: s.Current,
			Participant:   cmd.Participant,
			Reason:        ReasonAnswered,
		})
		events, s = settle(events, s)
		return events, s, nil

	case CmdDeadline:
		if s.Status != StatusPlaying {
			return nil, s, ErrWrongStatus
		}
		events := []Event{{
			Type:          EvtQuestionClosed,
			QuestionIndex: s.Current,
			Reason:        ReasonTimeout,
		}}
		events, s = settle(events, s)
		return events, s, nil

	case CmdAdvance:
		if s.Status != StatusWaitingNext {
			return nil, s, ErrWrongStatus
		}
		s.Current++
		s.Status = StatusPlaying
		return []Event{
			{Type: EvtStatusChanged, Status: StatusPlaying},
			{Type: EvtQuestionOpened, QuestionIndex: s.Current},
		}, s, nil

	default:
		return nil, s, ErrUnsupportedCommand
	}
}

// settle moves a session whose question just closed to waiting_next, or
// to finished when the question set is exhausted.
func settle(events []Event, s Session) ([]Event, Session) {
	if s.Current+1 >= len(s.Questions) {
		s.Status = StatusFinished
		events = append(events,
			Event{Type: EvtStatusChanged, Status: StatusFinished},
			Event{Type: EvtFinished, Ranking: s.Ranking()},
		)
		return events, s
	}
	s.Status = StatusWaitingNext
	events = append(events, Event{Type: EvtStatusChanged, Status: StatusWaitingNext})
	return events, s
}
