// Package store holds the persistence adapters behind the room hub: room
// and membership records in Postgres, message history in Redis (or in
// memory when Redis is not configured).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ludus-app/ludus-server/internal/wire"
)

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrMessageNotFound = errors.New("message not found")
)

// Room is the persisted room record. CreatorID is the first member to
// join; PasscodeHash is a bcrypt hash, nil for public rooms.
type Room struct {
	ID           string `gorm:"primaryKey"`
	Title        string `gorm:"not null"`
	Visibility   string `gorm:"not null;default:public"`
	PasscodeHash []byte
	Capacity     int    `gorm:"not null;default:5"`
	CreatorID    string `gorm:"not null"`
	CreatedAt    time.Time
}

type RoomMember struct {
	RoomID   string `gorm:"primaryKey"`
	UserID   string `gorm:"primaryKey"`
	Name     string
	Picture  string
	JoinedAt time.Time
}

// RoomSummary is a listing row with the live member count folded in.
type RoomSummary struct {
	Room
	MemberCount int
}

type RoomStore interface {
	CreateRoom(ctx context.Context, r Room, creator RoomMember) error
	GetRoom(ctx context.Context, id string) (Room, []RoomMember, error)
	ListRooms(ctx context.Context, limit int) ([]RoomSummary, error) // limit <= 0: no limit
	AddMember(ctx context.Context, m RoomMember) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	DeleteRoom(ctx context.Context, id string) error
}

// MessageStore owns the authoritative message history of every room,
// ordered ascending by the room-assigned sequence number.
type MessageStore interface {
	Append(ctx context.Context, m wire.Message) error
	History(ctx context.Context, roomID string, limit, offset int) ([]wire.Message, error)
	AttachGrading(ctx context.Context, roomID, messageID string, g wire.GradingResult) error
	DeleteRoom(ctx context.Context, roomID string) error
}
