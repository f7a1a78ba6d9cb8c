package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ludus-app/ludus-server/internal/wire"
)

func appendN(t *testing.T, s MessageStore, roomID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := s.Append(context.Background(), wire.Message{
			ID:      fmt.Sprintf("%s-m%d", roomID, i),
			Seq:     int64(i + 1),
			RoomID:  roomID,
			Content: fmt.Sprintf("msg %d", i),
		})
		require.NoError(t, err)
	}
}

func TestMemoryMessageStore_HistoryPagination(t *testing.T) {
	s := NewMemoryMessageStore()
	appendN(t, s, "r1", 5)

	page, err := s.History(context.Background(), "r1", 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(2), page[0].Seq)
	assert.Equal(t, int64(3), page[1].Seq)

	// Offset past the end is empty, not an error.
	page, err = s.History(context.Background(), "r1", 10, 99)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestMemoryMessageStore_RoomsAreIsolated(t *testing.T) {
	s := NewMemoryMessageStore()
	appendN(t, s, "r1", 2)
	appendN(t, s, "r2", 3)

	page, err := s.History(context.Background(), "r1", 50, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	for _, m := range page {
		assert.Equal(t, "r1", m.RoomID)
	}
}

func TestMemoryMessageStore_AttachGrading(t *testing.T) {
	s := NewMemoryMessageStore()
	appendN(t, s, "r1", 1)

	g := wire.GradingResult{MessageID: "r1-m0", IsCorrect: true, Score: 95}
	require.NoError(t, s.AttachGrading(context.Background(), "r1", "r1-m0", g))

	page, err := s.History(context.Background(), "r1", 1, 0)
	require.NoError(t, err)
	require.NotNil(t, page[0].Grading)
	assert.Equal(t, 95, page[0].Grading.Score)

	err = s.AttachGrading(context.Background(), "r1", "missing", g)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestMemoryMessageStore_DeleteRoom(t *testing.T) {
	s := NewMemoryMessageStore()
	appendN(t, s, "r1", 3)

	require.NoError(t, s.DeleteRoom(context.Background(), "r1"))
	page, err := s.History(context.Background(), "r1", 50, 0)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestMemoryRoomStore_Lifecycle(t *testing.T) {
	s := NewMemoryRoomStore()
	ctx := context.Background()

	rec := Room{ID: "r1", Title: "quiz night", Visibility: "public", Capacity: 5, CreatorID: "u1"}
	require.NoError(t, s.CreateRoom(ctx, rec, RoomMember{UserID: "u1", Name: "Alice"}))

	_, members, err := s.GetRoom(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, members, 1)

	require.NoError(t, s.AddMember(ctx, RoomMember{RoomID: "r1", UserID: "u2", Name: "Bob"}))
	require.NoError(t, s.AddMember(ctx, RoomMember{RoomID: "r1", UserID: "u2", Name: "Bob"}))
	_, members, err = s.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, members, 2, "re-adding a member must be a no-op")

	sums, err := s.ListRooms(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, 2, sums[0].MemberCount)

	require.NoError(t, s.RemoveMember(ctx, "r1", "u2"))
	require.NoError(t, s.DeleteRoom(ctx, "r1"))
	_, _, err = s.GetRoom(ctx, "r1")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}
