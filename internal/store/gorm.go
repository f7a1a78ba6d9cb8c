package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// GormRoomStore keeps room and membership records in Postgres.
type GormRoomStore struct {
	db *gorm.DB
}

func NewGormRoomStore(dsn string) (*GormRoomStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.AutoMigrate(&Room{}, &RoomMember{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &GormRoomStore{db: db}, nil
}

var _ RoomStore = (*GormRoomStore)(nil)

func (s *GormRoomStore) CreateRoom(ctx context.Context, r Room, creator RoomMember) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&r).Error; err != nil {
			return err
		}
		creator.RoomID = r.ID
		if creator.JoinedAt.IsZero() {
			creator.JoinedAt = time.Now()
		}
		return tx.Create(&creator).Error
	})
}

func (s *GormRoomStore) GetRoom(ctx context.Context, id string) (Room, []RoomMember, error) {
	var r Room
	err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, nil, ErrRoomNotFound
	}
	if err != nil {
		return Room{}, nil, err
	}
	var members []RoomMember
	if err := s.db.WithContext(ctx).
		Where("room_id = ?", id).
		Order("joined_at").
		Find(&members).Error; err != nil {
		return Room{}, nil, err
	}
	return r, members, nil
}

func (s *GormRoomStore) ListRooms(ctx context.Context, limit int) ([]RoomSummary, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rooms []Room
	if err := q.Find(&rooms).Error; err != nil {
		return nil, err
	}
	out := make([]RoomSummary, 0, len(rooms))
	for _, r := range rooms {
		var count int64
		if err := s.db.WithContext(ctx).
			Model(&RoomMember{}).
			Where("room_id = ?", r.ID).
			Count(&count).Error; err != nil {
			return nil, err
		}
		out = append(out, RoomSummary{Room: r, MemberCount: int(count)})
	}
	return out, nil
}

func (s *GormRoomStore) AddMember(ctx context.Context, m RoomMember) error {
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now()
	}
	// Idempotent: joining twice is not an error.
	err := s.db.WithContext(ctx).Create(&m).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	return err
}

func (s *GormRoomStore) RemoveMember(ctx context.Context, roomID, userID string) error {
	return s.db.WithContext(ctx).
		Delete(&RoomMember{}, "room_id = ? AND user_id = ?", roomID, userID).Error
}

func (s *GormRoomStore) DeleteRoom(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&RoomMember{}, "room_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&Room{}, "id = ?", id).Error
	})
}
