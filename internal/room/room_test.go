package room

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ludus-app/ludus-server/internal/game"
	"github.com/ludus-app/ludus-server/internal/llm"
	"github.com/ludus-app/ludus-server/internal/store"
	"github.com/ludus-app/ludus-server/internal/wire"
)

// fastTiming keeps the settle delays in the low milliseconds while the
// countdown stays far enough away that it never expires mid-test.
func fastTiming() Timing {
	return Timing{
		QuestionBudget: 500,
		HintAt:         250,
		Tick:           10 * time.Millisecond,
		SettleCorrect:  20 * time.Millisecond,
		SettleTimeout:  20 * time.Millisecond,
	}
}

// expiringTiming makes the countdown run out almost immediately.
func expiringTiming() Timing {
	t := fastTiming()
	t.QuestionBudget = 3
	t.HintAt = 2
	return t
}

// scriptGrader returns the same result for every answer.
type scriptGrader struct {
	result game.GradingResult
	err    error
}

func (g scriptGrader) GradeAnswer(context.Context, game.Question, string) (game.GradingResult, error) {
	return g.result, g.err
}

var alice = Member{ID: "u-alice", Name: "Alice"}
var bob = Member{ID: "u-bob", Name: "Bob"}

func newTestRoom(t *testing.T, info Info, grader llm.Grader, timing Timing) *Room {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if info.ID == "" {
		info.ID = "room-1"
	}
	if info.Capacity == 0 {
		info.Capacity = 5
	}
	if info.Visibility == "" {
		info.Visibility = "public"
	}
	return New(ctx, info, alice, Deps{
		Messages: store.NewMemoryMessageStore(),
		Grader:   grader,
		Timing:   timing,
	})
}

// helper: receive one event with a timeout so tests never hang
func recvEvent(t *testing.T, ch <-chan wire.Event, within time.Duration) wire.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("outbox closed unexpectedly")
		}
		return ev
	case <-time.After(within):
		t.Fatalf("timed out waiting for event")
		return wire.Event{} // unreachable
	}
}

// helper: skip events until pred matches
func waitForEvent(t *testing.T, ch <-chan wire.Event, within time.Duration, pred func(wire.Event) bool) wire.Event {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("outbox closed while waiting")
			}
			if pred(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for matching event")
		}
	}
}

func gameStatus(status game.Status) func(wire.Event) bool {
	return func(ev wire.Event) bool {
		return ev.Type == wire.EventGameStatus && ev.GameStatus.Status == string(status)
	}
}

func attach(t *testing.T, r *Room, userID, channelID string, buf int) chan wire.Event {
	t.Helper()
	out := make(chan wire.Event, buf)
	reply := make(chan error, 1)
	r.Inbox() <- Join{ChannelID: channelID, UserID: userID, Outbox: out, Reply: reply}
	if err := <-reply; err != nil {
		t.Fatalf("join: %v", err)
	}
	return out
}

func stateOf(t *testing.T, r *Room) View {
	t.Helper()
	reply := make(chan View, 1)
	r.Inbox() <- GetState{Reply: reply}
	select {
	case v := <-reply:
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for view")
		return View{} // unreachable
	}
}

func TestRoom_JoinRequiresMembership(t *testing.T) {
	r := newTestRoom(t, Info{}, nil, fastTiming())

	out := make(chan wire.Event, 1)
	reply := make(chan error, 1)
	r.Inbox() <- Join{ChannelID: "ch1", UserID: "stranger", Outbox: out, Reply: reply}
	if err := <-reply; !errors.Is(err, ErrNotMember) {
		t.Fatalf("want ErrNotMember, got %v", err)
	}
}

func TestRoom_MessagesCarryIncreasingSeq(t *testing.T) {
	r := newTestRoom(t, Info{}, nil, fastTiming())
	out := attach(t, r, alice.ID, "ch1", 8)

	for i := 0; i < 3; i++ {
		reply := make(chan PostResult, 1)
		r.Inbox() <- PostMessage{Author: &alice, Content: "hello", Reply: reply}
		if res := <-reply; res.Err != nil {
			t.Fatalf("post %d: %v", i, res.Err)
		}
	}

	var last int64
	for i := 0; i < 3; i++ {
		ev := recvEvent(t, out, time.Second)
		if ev.Type != wire.EventMessage {
			t.Fatalf("want message event, got %s", ev.Type)
		}
		if ev.Message.Seq <= last {
			t.Fatalf("seq must increase: %d after %d", ev.Message.Seq, last)
		}
		last = ev.Message.Seq
	}
}

func TestRoom_DropSlowChannel(t *testing.T) {
	r := newTestRoom(t, Info{}, nil, fastTiming())
	attach(t, r, alice.ID, "ch-slow", 1)

	// The first post fills the buffer; the second finds it full and the
	// channel is dropped rather than blocking the room.
	for i := 0; i < 2; i++ {
		reply := make(chan PostResult, 1)
		r.Inbox() <- PostMessage{Author: &alice, Content: "spam", Reply: reply}
		<-reply
	}

	if v := stateOf(t, r); v.NumChannels != 0 {
		t.Fatalf("expected slow channel to be dropped; NumChannels=%d", v.NumChannels)
	}
}

func TestRoom_AddMember_CapacityAndIdempotence(t *testing.T) {
	r := newTestRoom(t, Info{Capacity: 1}, nil, fastTiming())

	reply := make(chan error, 1)
	r.Inbox() <- AddMember{Member: bob, Reply: reply}
	if err := <-reply; !errors.Is(err, ErrRoomFull) {
		t.Fatalf("want ErrRoomFull, got %v", err)
	}

	// Re-adding an existing member succeeds even at capacity.
	r.Inbox() <- AddMember{Member: alice, Reply: reply}
	if err := <-reply; err != nil {
		t.Fatalf("re-add creator: %v", err)
	}
}

func TestRoom_AddMember_Passcode(t *testing.T) {
	hash, err := HashPasscode("sesame")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	r := newTestRoom(t, Info{Visibility: "passcode", PasscodeHash: hash}, nil, fastTiming())

	reply := make(chan error, 1)
	r.Inbox() <- AddMember{Member: bob, Passcode: "wrong", Reply: reply}
	if err := <-reply; !errors.Is(err, ErrBadPasscode) {
		t.Fatalf("want ErrBadPasscode, got %v", err)
	}

	r.Inbox() <- AddMember{Member: bob, Passcode: "sesame", Reply: reply}
	if err := <-reply; err != nil {
		t.Fatalf("correct passcode: %v", err)
	}
	if v := stateOf(t, r); len(v.Members) != 2 {
		t.Fatalf("want 2 members, got %d", len(v.Members))
	}
}

func TestRoom_LastLeaveReportsEmptied(t *testing.T) {
	emptied := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r := New(ctx, Info{ID: "room-1", Capacity: 5, Visibility: "public"}, alice, Deps{
		Messages: store.NewMemoryMessageStore(),
		Timing:   fastTiming(),
		OnEmpty:  func(id string) { emptied <- id },
	})

	reply := make(chan bool, 1)
	r.Inbox() <- RemoveMember{UserID: alice.ID, Reply: reply}
	if !<-reply {
		t.Fatalf("removing the last member must report emptied")
	}
	select {
	case id := <-emptied:
		if id != "room-1" {
			t.Fatalf("OnEmpty got %q", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("OnEmpty was not called")
	}
}

func TestRoom_GameFlow_CorrectAnswerShortCircuits(t *testing.T) {
	r := newTestRoom(t, Info{}, scriptGrader{result: game.GradingResult{IsCorrect: true, Score: 90, Feedback: "nailed it"}}, fastTiming())
	out := attach(t, r, alice.ID, "ch1", 128)

	start := make(chan StartResult, 1)
	r.Inbox() <- StartGame{HostID: alice.ID, Reply: start}
	res := <-start
	if res.Err != nil {
		t.Fatalf("start: %v", res.Err)
	}

	waitForEvent(t, out, time.Second, gameStatus(game.StatusGenerating))

	r.Inbox() <- QuestionsReady{SessionID: res.SessionID, Questions: []game.Question{
		{ID: "q1", Prompt: "capital of France?", ReferenceAnswer: "Paris"},
		{ID: "q2", Prompt: "2+2?", ReferenceAnswer: "4"},
	}}

	waitForEvent(t, out, time.Second, gameStatus(game.StatusPlaying))
	q := waitForEvent(t, out, time.Second, func(ev wire.Event) bool { return ev.Type == wire.EventGameQuestion })
	if q.Question.Index != 0 || q.Question.Total != 2 {
		t.Fatalf("want question 0 of 2, got %+v", q.Question)
	}

	reply := make(chan PostResult, 1)
	r.Inbox() <- PostMessage{Author: &alice, Content: "Paris", Reply: reply}
	if res := <-reply; res.Err != nil {
		t.Fatalf("answer: %v", res.Err)
	}

	grading := waitForEvent(t, out, time.Second, func(ev wire.Event) bool { return ev.Type == wire.EventGradingResult })
	if !grading.Grading.IsCorrect || grading.Grading.Score != 90 {
		t.Fatalf("unexpected grading %+v", grading.Grading)
	}
	waitForEvent(t, out, time.Second, gameStatus(game.StatusWaitingNext))

	// The settle delay elapses and the second question opens on its own.
	q2 := waitForEvent(t, out, time.Second, func(ev wire.Event) bool {
		return ev.Type == wire.EventGameQuestion && ev.Question.Index == 1
	})
	if q2.Question.ID != "q2" {
		t.Fatalf("want q2, got %+v", q2.Question)
	}

	// Answering the last question finishes the session.
	r.Inbox() <- PostMessage{Author: &alice, Content: "4", Reply: reply}
	if res := <-reply; res.Err != nil {
		t.Fatalf("answer q2: %v", res.Err)
	}
	fin := waitForEvent(t, out, 2*time.Second, gameStatus(game.StatusFinished))
	if len(fin.GameStatus.Ranking) != 1 || fin.GameStatus.Ranking[0].UserID != alice.ID {
		t.Fatalf("want alice ranked first, got %+v", fin.GameStatus.Ranking)
	}
	if fin.GameStatus.Scores[alice.ID] != 180 {
		t.Fatalf("want 180 points over two questions, got %+v", fin.GameStatus.Scores)
	}
}

func TestRoom_GameFlow_TimeoutRevealsAnswer(t *testing.T) {
	r := newTestRoom(t, Info{}, nil, expiringTiming())
	out := attach(t, r, alice.ID, "ch1", 128)

	start := make(chan StartResult, 1)
	r.Inbox() <- StartGame{HostID: alice.ID, Reply: start}
	res := <-start

	r.Inbox() <- QuestionsReady{SessionID: res.SessionID, Questions: []game.Question{
		{ID: "q1", Prompt: "capital of France?", ReferenceAnswer: "Paris", Hint: "city of light"},
	}}

	waitForEvent(t, out, time.Second, gameStatus(game.StatusPlaying))
	hint := waitForEvent(t, out, time.Second, func(ev wire.Event) bool { return ev.Type == wire.EventGameHint })
	if hint.Hint.Text != "city of light" {
		t.Fatalf("unexpected hint %+v", hint.Hint)
	}
	reveal := waitForEvent(t, out, time.Second, func(ev wire.Event) bool {
		return ev.Type == wire.EventMessage && ev.Message.Author == nil &&
			len(ev.Message.Content) > 0 && ev.Message.Content[0] == 'T' // "Time's up!"
	})
	if reveal.Message.Content == "" {
		t.Fatalf("expected reveal message")
	}
	waitForEvent(t, out, time.Second, gameStatus(game.StatusFinished))
}

func TestRoom_TimerCountsDownAndClosesOnce(t *testing.T) {
	timing := fastTiming()
	timing.QuestionBudget = 5
	timing.HintAt = 3
	r := newTestRoom(t, Info{}, nil, timing)
	out := attach(t, r, alice.ID, "ch1", 128)

	start := make(chan StartResult, 1)
	r.Inbox() <- StartGame{HostID: alice.ID, Reply: start}
	res := <-start

	// A single question with no hint, so the outbox carries nothing but
	// timer and status traffic besides the system messages.
	r.Inbox() <- QuestionsReady{SessionID: res.SessionID, Questions: []game.Question{
		{ID: "q1", Prompt: "capital of France?", ReferenceAnswer: "Paris"},
	}}

	var timers []int
	var waiting, finished int
	deadline := time.After(2 * time.Second)
	for finished == 0 {
		select {
		case ev, ok := <-out:
			if !ok {
				t.Fatalf("outbox closed mid-countdown")
			}
			switch ev.Type {
			case wire.EventGameTimer:
				timers = append(timers, ev.Timer.Remaining)
			case wire.EventGameStatus:
				switch ev.GameStatus.Status {
				case string(game.StatusWaitingNext):
					waiting++
				case string(game.StatusFinished):
					finished++
				}
			}
		case <-deadline:
			t.Fatalf("countdown never finished; timers %v", timers)
		}
	}

	// The countdown opens at the budget and loses exactly one per tick;
	// remaining 0 closes the question instead of broadcasting.
	want := []int{5, 4, 3, 2, 1}
	if len(timers) != len(want) {
		t.Fatalf("want timer values %v, got %v", want, timers)
	}
	for i := range want {
		if timers[i] != want[i] {
			t.Fatalf("want timer values %v, got %v", want, timers)
		}
	}
	if waiting != 0 {
		t.Fatalf("a single-question game must close straight to finished, saw %d waiting_next", waiting)
	}

	// Exactly one transition: nothing else may arrive after finished.
	time.Sleep(100 * time.Millisecond)
	for {
		select {
		case ev := <-out:
			if ev.Type == wire.EventGameTimer || ev.Type == wire.EventGameStatus {
				t.Fatalf("event after the close: %+v", ev)
			}
		default:
			return
		}
	}
}

func TestRoom_EarlyAnswerStopsTimer(t *testing.T) {
	r := newTestRoom(t, Info{}, scriptGrader{result: game.GradingResult{IsCorrect: true, Score: 100}}, fastTiming())
	out := attach(t, r, alice.ID, "ch1", 128)

	start := make(chan StartResult, 1)
	r.Inbox() <- StartGame{HostID: alice.ID, Reply: start}
	res := <-start

	r.Inbox() <- QuestionsReady{SessionID: res.SessionID, Questions: []game.Question{
		{ID: "q1", Prompt: "capital of France?", ReferenceAnswer: "Paris"},
	}}
	waitForEvent(t, out, time.Second, gameStatus(game.StatusPlaying))

	reply := make(chan PostResult, 1)
	r.Inbox() <- PostMessage{Author: &alice, Content: "Paris", Reply: reply}
	if res := <-reply; res.Err != nil {
		t.Fatalf("answer: %v", res.Err)
	}
	waitForEvent(t, out, time.Second, gameStatus(game.StatusFinished))

	// Broadcasts are serialized, so anything read past the finished status
	// was sent after the close. Ten tick periods is plenty of room for a
	// leaked countdown to show itself.
	time.Sleep(100 * time.Millisecond)
	for {
		select {
		case ev := <-out:
			if ev.Type == wire.EventGameTimer {
				t.Fatalf("timer tick after the question closed: %+v", ev.Timer)
			}
		default:
			return
		}
	}
}

func TestRoom_EventsDoNotCrossRooms(t *testing.T) {
	r1 := newTestRoom(t, Info{ID: "room-1"}, nil, fastTiming())
	r2 := newTestRoom(t, Info{ID: "room-2"}, nil, fastTiming())
	out1 := attach(t, r1, alice.ID, "ch1", 16)
	out2 := attach(t, r2, alice.ID, "ch2", 16)

	reply := make(chan PostResult, 1)
	r1.Inbox() <- PostMessage{Author: &alice, Content: "only for room 1", Reply: reply}
	if res := <-reply; res.Err != nil {
		t.Fatalf("post: %v", res.Err)
	}
	start := make(chan StartResult, 1)
	r1.Inbox() <- StartGame{HostID: alice.ID, Reply: start}
	<-start

	if ev := recvEvent(t, out1, time.Second); ev.Message.RoomID != "room-1" {
		t.Fatalf("message carries wrong room: %+v", ev.Message)
	}
	waitForEvent(t, out1, time.Second, gameStatus(game.StatusGenerating))

	select {
	case ev := <-out2:
		t.Fatalf("room-1 traffic reached a room-2 channel: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	r2.Inbox() <- PostMessage{Author: &alice, Content: "room 2", Reply: reply}
	<-reply
	if ev := recvEvent(t, out2, time.Second); ev.Message.RoomID != "room-2" {
		t.Fatalf("message carries wrong room: %+v", ev.Message)
	}
}

func TestRoom_StartGameSupersedesRunningSession(t *testing.T) {
	r := newTestRoom(t, Info{}, nil, fastTiming())

	start := make(chan StartResult, 1)
	r.Inbox() <- StartGame{HostID: alice.ID, Reply: start}
	first := <-start

	r.Inbox() <- QuestionsReady{SessionID: first.SessionID, Questions: []game.Question{
		{ID: "q1", Prompt: "capital of France?", ReferenceAnswer: "Paris"},
	}}
	// Wait for the countdown to be running.
	for i := 0; i < 100; i++ {
		if stateOf(t, r).GameStatus == game.StatusPlaying {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	r.Inbox() <- StartGame{HostID: alice.ID, Reply: start}
	second := <-start
	if second.SessionID == first.SessionID {
		t.Fatalf("new start must produce a new session")
	}

	// Ticks in flight from the superseded countdown must not advance or
	// finish the new session.
	time.Sleep(100 * time.Millisecond)
	v := stateOf(t, r)
	if v.SessionID != second.SessionID || v.GameStatus != game.StatusGenerating {
		t.Fatalf("superseded timers leaked into new session: %+v", v)
	}

	// Late question delivery for the old session is discarded too.
	r.Inbox() <- QuestionsReady{SessionID: first.SessionID, Questions: []game.Question{
		{ID: "stale", Prompt: "stale?", ReferenceAnswer: "stale"},
	}}
	if v := stateOf(t, r); v.GameStatus != game.StatusGenerating {
		t.Fatalf("stale questions must be discarded, got %s", v.GameStatus)
	}
}

func TestRoom_AnswersIgnoredBetweenQuestions(t *testing.T) {
	graded := make(chan struct{}, 1)
	grader := funcGrader(func() { graded <- struct{}{} })
	r := newTestRoom(t, Info{}, grader, fastTiming())

	start := make(chan StartResult, 1)
	r.Inbox() <- StartGame{HostID: alice.ID, Reply: start}
	<-start

	// No questions yet: posting is plain chat, the grader is never called.
	reply := make(chan PostResult, 1)
	r.Inbox() <- PostMessage{Author: &alice, Content: "Paris", Reply: reply}
	if res := <-reply; res.Err != nil {
		t.Fatalf("post: %v", res.Err)
	}
	select {
	case <-graded:
		t.Fatalf("grader must not run outside playing")
	case <-time.After(50 * time.Millisecond):
	}
}

// funcGrader invokes fn on every grade call, then reports incorrect.
type funcGrader func()

func (g funcGrader) GradeAnswer(context.Context, game.Question, string) (game.GradingResult, error) {
	g()
	return game.GradingResult{}, nil
}
