package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_RejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"mystery"}`))
	require.ErrorIs(t, err, ErrUnknownEvent)

	_, err = Decode([]byte(`{`))
	require.Error(t, err)
}

func TestDecode_MessageRoundTrip(t *testing.T) {
	in := Event{
		Type: EventMessage,
		Message: &Message{
			ID:        "m1",
			Seq:       7,
			RoomID:    "r1",
			Author:    &Author{ID: "u1", Name: "Alice"},
			Content:   "hello",
			Grading:   &GradingResult{MessageID: "m1", IsCorrect: true, Score: 88},
			CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		},
	}
	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecode_SystemMessageHasNoAuthor(t *testing.T) {
	data := []byte(`{"type":"message","message":{"id":"m1","seq":1,"room_id":"r1","content":"Game on!"}}`)
	ev, err := Decode(data)
	require.NoError(t, err)
	assert.Nil(t, ev.Message.Author)
}

func TestDecode_GameStatusCarriesRankingOnlyWhenSet(t *testing.T) {
	data, err := Encode(Event{Type: EventGameStatus, GameStatus: &GameStatus{
		SessionID: "g1",
		Status:    "playing",
	}})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "ranking")
}
