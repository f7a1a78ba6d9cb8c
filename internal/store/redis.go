package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ludus-app/ludus-server/internal/wire"
)

// RedisMessageStore keeps each message under message:{id} with the room's
// ordering in room:{id}:messages. The room actor is the only writer for a
// given room, so read-modify-write on grading attachment is safe.
type RedisMessageStore struct {
	client *redis.Client
}

func NewRedisMessageStore(url string) (*RedisMessageStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}
	return &RedisMessageStore{client: c}, nil
}

var _ MessageStore = (*RedisMessageStore)(nil)

func messageKey(id string) string      { return "message:" + id }
func roomListKey(roomID string) string { return "room:" + roomID + ":messages" }

func (s *RedisMessageStore) Append(ctx context.Context, m wire.Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, messageKey(m.ID), payload, 0)
	pipe.RPush(ctx, roomListKey(m.RoomID), m.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisMessageStore) History(ctx context.Context, roomID string, limit, offset int) ([]wire.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.LRange(ctx, roomListKey(roomID), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]wire.Message, 0, len(ids))
	for _, id := range ids {
		raw, err := s.client.Get(ctx, messageKey(id)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var m wire.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisMessageStore) AttachGrading(ctx context.Context, roomID, messageID string, g wire.GradingResult) error {
	raw, err := s.client.Get(ctx, messageKey(messageID)).Result()
	if err == redis.Nil {
		return ErrMessageNotFound
	}
	if err != nil {
		return err
	}
	var m wire.Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return err
	}
	m.Grading = &g
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, messageKey(messageID), payload, 0).Err()
}

func (s *RedisMessageStore) DeleteRoom(ctx context.Context, roomID string) error {
	ids, err := s.client.LRange(ctx, roomListKey(roomID), 0, -1).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, messageKey(id))
	}
	keys = append(keys, roomListKey(roomID))
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisMessageStore) Close() error { return s.client.Close() }
