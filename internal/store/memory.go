package store

import (
	"context"
	"sync"

	"github.com/ludus-app/ludus-server/internal/wire"
)

// MemoryMessageStore is the MessageStore used in tests and when REDIS_URL
// is not configured.
type MemoryMessageStore struct {
	mu    sync.Mutex
	byID  map[string]*wire.Message
	order map[string][]string // room id -> message ids, append order
}

func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		byID:  map[string]*wire.Message{},
		order: map[string][]string{},
	}
}

var _ MessageStore = (*MemoryMessageStore)(nil)

func (s *MemoryMessageStore) Append(_ context.Context, m wire.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := m
	s.byID[m.ID] = &cp
	s.order[m.RoomID] = append(s.order[m.RoomID], m.ID)
	return nil
}

func (s *MemoryMessageStore) History(_ context.Context, roomID string, limit, offset int) ([]wire.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.order[roomID]
	if offset >= len(ids) {
		return nil, nil
	}
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}
	out := make([]wire.Message, 0, end-offset)
	for _, id := range ids[offset:end] {
		out = append(out, *s.byID[id])
	}
	return out, nil
}

func (s *MemoryMessageStore) AttachGrading(_ context.Context, _, messageID string, g wire.GradingResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	m.Grading = &g
	return nil
}

func (s *MemoryMessageStore) DeleteRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order[roomID] {
		delete(s.byID, id)
	}
	delete(s.order, roomID)
	return nil
}

// MemoryRoomStore mirrors GormRoomStore for tests.
type MemoryRoomStore struct {
	mu      sync.Mutex
	rooms   map[string]Room
	members map[string][]RoomMember
}

func NewMemoryRoomStore() *MemoryRoomStore {
	return &MemoryRoomStore{rooms: map[string]Room{}, members: map[string][]RoomMember{}}
}

var _ RoomStore = (*MemoryRoomStore)(nil)

func (s *MemoryRoomStore) CreateRoom(_ context.Context, r Room, creator RoomMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[r.ID] = r
	creator.RoomID = r.ID
	s.members[r.ID] = []RoomMember{creator}
	return nil
}

func (s *MemoryRoomStore) GetRoom(_ context.Context, id string) (Room, []RoomMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return Room{}, nil, ErrRoomNotFound
	}
	return r, append([]RoomMember(nil), s.members[id]...), nil
}

func (s *MemoryRoomStore) ListRooms(_ context.Context, limit int) ([]RoomSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RoomSummary, 0, len(s.rooms))
	for id, r := range s.rooms {
		out = append(out, RoomSummary{Room: r, MemberCount: len(s.members[id])})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryRoomStore) AddMember(_ context.Context, m RoomMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.members[m.RoomID] {
		if existing.UserID == m.UserID {
			return nil
		}
	}
	s.members[m.RoomID] = append(s.members[m.RoomID], m)
	return nil
}

func (s *MemoryRoomStore) RemoveMember(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.members[roomID]
	for i, m := range members {
		if m.UserID == userID {
			s.members[roomID] = append(members[:i], members[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryRoomStore) DeleteRoom(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, id)
	delete(s.members, id)
	return nil
}
