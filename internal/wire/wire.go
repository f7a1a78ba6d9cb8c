// Package wire defines the typed JSON events exchanged over an event
// channel. Every frame carries a "type" discriminator; exactly one of the
// payload fields is set for a given type.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type EventType string

const (
	EventMessage       EventType = "message"
	EventGameStatus    EventType = "game_status_update"
	EventGameQuestion  EventType = "game_question"
	EventGameHint      EventType = "game_hint"
	EventGameTimer     EventType = "game_timer"
	EventGradingResult EventType = "game_grading_result"
	EventRoomCreated   EventType = "room_created"
	EventRoomUpdated   EventType = "room_updated"
	EventRoomDeleted   EventType = "room_deleted"
	EventPing          EventType = "ping"
	EventPong          EventType = "pong"
)

var ErrUnknownEvent = errors.New("unknown event type")

// Author identifies who wrote a message. A nil Author on a Message means
// the server wrote it (game announcements, rankings).
type Author struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Picture string `json:"picture,omitempty"`
}

type DocRef struct {
	DocID string `json:"doc_id"`
	Title string `json:"title,omitempty"`
}

// Message is the authoritative chat record for a room. ID is the sole
// de-duplication key; Seq is the room-local order assigned at accept time.
// A message is immutable once accepted except for the later attachment of
// a grading result.
type Message struct {
	ID             string         `json:"id"`
	Seq            int64          `json:"seq"`
	RoomID         string         `json:"room_id"`
	Author         *Author        `json:"author,omitempty"`
	Content        string         `json:"content"`
	ReferencedDocs []DocRef       `json:"referenced_docs,omitempty"`
	Grading        *GradingResult `json:"grading,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// GameStatus is the session snapshot broadcast on every transition.
// Ranking is only present once the session is finished.
type GameStatus struct {
	SessionID       string         `json:"game_id"`
	Status          string         `json:"status"`
	CurrentQuestion int            `json:"current_question_index"`
	TotalQuestions  int            `json:"total_questions"`
	Scores          map[string]int `json:"scores,omitempty"`
	Ranking         []RankEntry    `json:"ranking,omitempty"`
}

type RankEntry struct {
	UserID   string `json:"user_id"`
	Name     string `json:"user_name,omitempty"`
	Score    int    `json:"total_score"`
	Correct  int    `json:"correct_answers"`
	Position int    `json:"rank"`
}

// Question is the client-facing view of the active question. The
// reference answer never crosses the wire.
type Question struct {
	ID     string `json:"id"`
	Index  int    `json:"question_index"`
	Total  int    `json:"total_questions"`
	Prompt string `json:"question"`
}

type Hint struct {
	QuestionID string `json:"question_id"`
	Text       string `json:"hint"`
}

type Timer struct {
	Remaining int `json:"time_remaining"`
}

// GradingResult is scoped to the message that carried the answer. Err is
// set when the grading collaborator failed for this one submission.
type GradingResult struct {
	MessageID string `json:"message_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	UserName  string `json:"user_name,omitempty"`
	IsCorrect bool   `json:"is_correct"`
	Score     int    `json:"score"`
	Feedback  string `json:"feedback,omitempty"`
	Err       string `json:"error,omitempty"`
}

// RoomInfo rides on the directory feed.
type RoomInfo struct {
	ID          string    `json:"id"`
	Title       string    `json:"title,omitempty"`
	Visibility  string    `json:"visibility,omitempty"`
	Capacity    int       `json:"capacity,omitempty"`
	MemberCount int       `json:"member_count"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
}

type Event struct {
	Type       EventType      `json:"type"`
	Message    *Message       `json:"message,omitempty"`
	GameStatus *GameStatus    `json:"game_status,omitempty"`
	Question   *Question      `json:"question,omitempty"`
	Hint       *Hint          `json:"hint,omitempty"`
	Timer      *Timer         `json:"timer,omitempty"`
	Grading    *GradingResult `json:"grading,omitempty"`
	Room       *RoomInfo      `json:"room,omitempty"`
	RoomID     string         `json:"room_id,omitempty"` // room_deleted
}

// Decode parses a wire frame. Callers drop (and log) the frame on error;
// a bad payload never tears the channel down.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("wire: decode: %w", err)
	}
	switch ev.Type {
	case EventMessage, EventGameStatus, EventGameQuestion, EventGameHint,
		EventGameTimer, EventGradingResult, EventRoomCreated,
		EventRoomUpdated, EventRoomDeleted, EventPing, EventPong:
		return ev, nil
	default:
		return Event{}, fmt.Errorf("wire: %q: %w", ev.Type, ErrUnknownEvent)
	}
}

func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}
