// Package room runs one actor goroutine per room. The loop serializes
// every mutation for the room (membership, the message sequence, game
// transitions) so broadcast order always matches mutation order.
// Different rooms run fully in parallel.
package room

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ludus-app/ludus-server/internal/game"
	"github.com/ludus-app/ludus-server/internal/llm"
	"github.com/ludus-app/ludus-server/internal/store"
	"github.com/ludus-app/ludus-server/internal/wire"
)

var (
	ErrRoomFull     = errors.New("room is at capacity")
	ErrBadPasscode  = errors.New("wrong passcode")
	ErrNotMember    = errors.New("not a member of this room")
	ErrNoActiveGame = errors.New("no active game")
)

type Member struct {
	ID      string
	Name    string
	Picture string
}

type Info struct {
	ID           string
	Title        string
	Visibility   string // "public" | "passcode"
	Capacity     int
	CreatorID    string
	PasscodeHash []byte
	CreatedAt    time.Time
}

// Timing collects every scheduled-work parameter so tests can shrink the
// clock without touching the reference values.
type Timing struct {
	QuestionBudget int // seconds on the countdown
	HintAt         int // remaining seconds when the hint goes out
	Tick           time.Duration
	SettleCorrect  time.Duration
	SettleTimeout  time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		QuestionBudget: game.QuestionBudgetSec,
		HintAt:         game.HintAtRemaining,
		Tick:           time.Second,
		SettleCorrect:  game.SettleAfterCorrect,
		SettleTimeout:  game.SettleAfterTimeout,
	}
}

type Deps struct {
	Rooms    store.RoomStore // optional; membership persisted best-effort
	Messages store.MessageStore
	Grader   llm.Grader
	Log      *zap.Logger
	Timing   Timing
	Notify   func(wire.Event) // directory feed, optional
	OnEmpty  func(roomID string)
}

type Msg interface{ isRoomMsg() }

// Join attaches an event channel. The channel only carries events from
// this point forward; history comes from the snapshot fetch.
type Join struct {
	ChannelID string
	UserID    string
	Outbox    chan wire.Event
	Reply     chan error
}

type Leave struct{ ChannelID string }

type AddMember struct {
	Member   Member
	Passcode string
	Reply    chan error
}

// RemoveMember replies true when the last member left and the room is
// being torn down.
type RemoveMember struct {
	UserID string
	Reply  chan bool
}

type PostMessage struct {
	Author  *Member
	Content string
	Docs    []wire.DocRef
	Reply   chan PostResult
}

type PostResult struct {
	Message wire.Message
	Err     error
}

type StartGame struct {
	HostID string
	Reply  chan StartResult
}

type StartResult struct {
	SessionID string
	Err       error
}

// QuestionsReady and GenerationFailed arrive from the generation worker.
type QuestionsReady struct {
	SessionID string
	Questions []game.Question
}

type GenerationFailed struct {
	SessionID string
	Err       error
}

type GetState struct{ Reply chan View }

type Shutdown struct{}

// internal timer and grading messages
type timerTick struct{ gen uint64 }
type advanceNext struct{ gen uint64 }
type gradingDone struct {
	sessionID     string
	questionIndex int
	member        Member
	messageID     string
	result        game.GradingResult
	err           error
}

func (Join) isRoomMsg()             {}
func (Leave) isRoomMsg()            {}
func (AddMember) isRoomMsg()        {}
func (RemoveMember) isRoomMsg()     {}
func (PostMessage) isRoomMsg()      {}
func (StartGame) isRoomMsg()        {}
func (QuestionsReady) isRoomMsg()   {}
func (GenerationFailed) isRoomMsg() {}
func (GetState) isRoomMsg()         {}
func (Shutdown) isRoomMsg()         {}
func (timerTick) isRoomMsg()        {}
func (advanceNext) isRoomMsg()      {}
func (gradingDone) isRoomMsg()      {}

// View reflects internal state without data races; used by the HTTP
// layer and tests.
type View struct {
	Info        Info
	Members     []Member
	NumChannels int
	Seq         int64
	SessionID   string
	GameStatus  game.Status
	Current     int
	Total       int
	Remaining   int
	Scores      map[string]int
	Ranking     []game.RankEntry
}

func (v View) IsMember(userID string) bool {
	for _, m := range v.Members {
		if m.ID == userID {
			return true
		}
	}
	return false
}

type Room struct {
	inbox     chan Msg
	info      Info
	members   map[string]Member
	channels  map[string]chan wire.Event
	seq       int64
	session   *game.Session
	timerGen  uint64
	remaining int
	deps      Deps
	log       *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
}

func New(parent context.Context, info Info, creator Member, deps Deps) *Room {
	return newRoom(parent, info, map[string]Member{creator.ID: creator}, deps)
}

// Restore rebuilds an actor from persisted state. The members already
// passed the join checks when they were persisted, so they are seeded
// directly instead of going through AddMember.
func Restore(parent context.Context, info Info, members []Member, deps Deps) *Room {
	set := make(map[string]Member, len(members))
	for _, m := range members {
		set[m.ID] = m
	}
	return newRoom(parent, info, set, deps)
}

func newRoom(parent context.Context, info Info, members map[string]Member, deps Deps) *Room {
	ctx, cancel := context.WithCancel(parent)
	if deps.Timing.Tick == 0 {
		deps.Timing = DefaultTiming()
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	r := &Room{
		inbox:    make(chan Msg, 64),
		info:     info,
		members:  members,
		channels: make(map[string]chan wire.Event),
		deps:     deps,
		log:      log.With(zap.String("room_id", info.ID)),
		ctx:      ctx,
		cancel:   cancel,
	}
	go r.loop()
	return r
}

func (r *Room) Inbox() chan<- Msg { return r.inbox }

func (r *Room) ID() string { return r.info.ID }

func (r *Room) loop() {
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Join:
				r.handleJoin(msg)
			case Leave:
				if ch, ok := r.channels[msg.ChannelID]; ok {
					close(ch)
					delete(r.channels, msg.ChannelID)
				}
			case AddMember:
				msg.Reply <- r.addMember(msg)
			case RemoveMember:
				msg.Reply <- r.removeMember(msg.UserID)
			case PostMessage:
				r.handlePost(msg)
			case StartGame:
				msg.Reply <- r.startGame(msg.HostID)
			case QuestionsReady:
				r.questionsReady(msg)
			case GenerationFailed:
				r.generationFailed(msg)
			case timerTick:
				r.tick(msg.gen)
			case advanceNext:
				r.advance(msg.gen)
			case gradingDone:
				r.finishGrading(msg)
			case GetState:
				msg.Reply <- r.view()
			case Shutdown:
				r.shutdown()
				return
			}
		}
	}
}

func (r *Room) handleJoin(msg Join) {
	if _, ok := r.members[msg.UserID]; !ok {
		msg.Reply <- ErrNotMember
		return
	}
	r.channels[msg.ChannelID] = msg.Outbox
	msg.Reply <- nil
}

func (r *Room) addMember(msg AddMember) error {
	if _, ok := r.members[msg.Member.ID]; ok {
		return nil
	}
	if len(r.members) >= r.info.Capacity {
		return ErrRoomFull
	}
	if r.info.Visibility == "passcode" {
		if bcrypt.CompareHashAndPassword(r.info.PasscodeHash, []byte(msg.Passcode)) != nil {
			return ErrBadPasscode
		}
	}
	r.members[msg.Member.ID] = msg.Member
	if r.deps.Rooms != nil {
		err := r.deps.Rooms.AddMember(r.ctx, store.RoomMember{
			RoomID:  r.info.ID,
			UserID:  msg.Member.ID,
			Name:    msg.Member.Name,
			Picture: msg.Member.Picture,
		})
		if err != nil {
			r.log.Warn("persist member failed", zap.Error(err))
		}
	}
	r.notifyUpdated()
	return nil
}

func (r *Room) removeMember(userID string) bool {
	if _, ok := r.members[userID]; !ok {
		return false
	}
	delete(r.members, userID)
	if r.deps.Rooms != nil {
		if err := r.deps.Rooms.RemoveMember(r.ctx, r.info.ID, userID); err != nil {
			r.log.Warn("remove member failed", zap.Error(err))
		}
	}
	if len(r.members) == 0 {
		if r.deps.OnEmpty != nil {
			r.deps.OnEmpty(r.info.ID)
		}
		return true
	}
	r.notifyUpdated()
	return false
}

func (r *Room) notifyUpdated() {
	if r.deps.Notify == nil {
		return
	}
	r.deps.Notify(wire.Event{
		Type: wire.EventRoomUpdated,
		Room: &wire.RoomInfo{ID: r.info.ID, MemberCount: len(r.members)},
	})
}

func (r *Room) handlePost(msg PostMessage) {
	m, err := r.acceptMessage(msg.Author, msg.Content, msg.Docs)
	if err != nil {
		msg.Reply <- PostResult{Err: err}
		return
	}
	// While a question is open, every member message is also an answer.
	if msg.Author != nil && r.session != nil && r.session.Status == game.StatusPlaying {
		r.gradeAsync(*msg.Author, m.ID, msg.Content)
	}
	msg.Reply <- PostResult{Message: m}
}

// acceptMessage assigns identity and order, persists, and broadcasts. A
// nil author marks a server-authored message.
func (r *Room) acceptMessage(author *Member, content string, docs []wire.DocRef) (wire.Message, error) {
	r.seq++
	m := wire.Message{
		ID:             uuid.NewString(),
		Seq:            r.seq,
		RoomID:         r.info.ID,
		Content:        content,
		ReferencedDocs: docs,
		CreatedAt:      time.Now().UTC(),
	}
	if author != nil {
		m.Author = &wire.Author{ID: author.ID, Name: author.Name, Picture: author.Picture}
	}
	if err := r.deps.Messages.Append(r.ctx, m); err != nil {
		return wire.Message{}, err
	}
	r.broadcast(wire.Event{Type: wire.EventMessage, Message: &m})
	return m, nil
}

func (r *Room) systemMessage(content string) {
	if _, err := r.acceptMessage(nil, content, nil); err != nil {
		r.log.Warn("system message failed", zap.Error(err))
	}
}

// broadcast fans an event out to every attached channel. A full outbox
// drops that channel; one slow client never stalls the room.
func (r *Room) broadcast(ev wire.Event) {
	for id, ch := range r.channels {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(r.channels, id)
			r.log.Debug("dropped slow channel", zap.String("channel_id", id))
		}
	}
}

func (r *Room) view() View {
	v := View{
		Info:        r.info,
		NumChannels: len(r.channels),
		Seq:         r.seq,
		Remaining:   r.remaining,
	}
	for _, m := range r.members {
		v.Members = append(v.Members, m)
	}
	if r.session != nil {
		v.SessionID = r.session.ID
		v.GameStatus = r.session.Status
		v.Current = r.session.Current
		v.Total = len(r.session.Questions)
		v.Scores = r.session.Scores()
		if r.session.Status == game.StatusFinished {
			v.Ranking = r.session.Ranking()
		}
	}
	return v
}

func (r *Room) shutdown() {
	for id, ch := range r.channels {
		close(ch)
		delete(r.channels, id)
	}
	r.cancel()
}

// schedule posts msg back into the inbox after d, unless the room is
// already gone.
func (r *Room) schedule(d time.Duration, msg Msg) {
	time.AfterFunc(d, func() {
		select {
		case r.inbox <- msg:
		case <-r.ctx.Done():
		}
	})
}

// HashPasscode is used at room-creation time.
func HashPasscode(passcode string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(passcode), bcrypt.DefaultCost)
}
