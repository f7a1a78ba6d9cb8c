// Package hub owns the registry of live room actors and the room
// directory feed. The hub actor serializes registry mutation; everything
// inside a room is serialized by that room's own loop.
package hub

import (
	"context"

	"go.uber.org/zap"

	"github.com/ludus-app/ludus-server/internal/llm"
	"github.com/ludus-app/ludus-server/internal/room"
	"github.com/ludus-app/ludus-server/internal/store"
	"github.com/ludus-app/ludus-server/internal/wire"
)

type HubMsg interface{ isHubMsg() }

type CreateRoom struct {
	Info    room.Info
	Creator room.Member
	Reply   chan *room.Room
}

type GetRoom struct {
	ID    string
	Reply chan *room.Room
}

// RestoreRoom spawns an actor for a room that already exists in the
// store, seeding the full persisted member set. Unlike CreateRoom it
// emits no room_created: the room is old news, not a new room.
type RestoreRoom struct {
	Info    room.Info
	Members []room.Member
	Reply   chan *room.Room
}

type RemoveRoom struct{ ID string }

// WatchDirectory attaches a channel to the room-directory feed. Watchers
// receive room_created/room_updated/room_deleted only.
type WatchDirectory struct {
	ID     string
	Outbox chan wire.Event
}

type UnwatchDirectory struct{ ID string }

type DirectoryEvent struct{ Event wire.Event }

type ShutdownHub struct{}

func (CreateRoom) isHubMsg()       {}
func (RestoreRoom) isHubMsg()      {}
func (GetRoom) isHubMsg()          {}
func (RemoveRoom) isHubMsg()       {}
func (WatchDirectory) isHubMsg()   {}
func (UnwatchDirectory) isHubMsg() {}
func (DirectoryEvent) isHubMsg()   {}
func (ShutdownHub) isHubMsg()      {}

// Deps is handed to every room the hub spawns.
type Deps struct {
	Rooms    store.RoomStore
	Messages store.MessageStore
	Grader   llm.Grader
	Log      *zap.Logger
	Timing   room.Timing
}

type Hub struct {
	inbox    chan HubMsg
	rooms    map[string]*room.Room
	watchers map[string]chan wire.Event
	deps     Deps
	log      *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewHub(parent context.Context, deps Deps) *Hub {
	ctx, cancel := context.WithCancel(parent)
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	h := &Hub{
		inbox:    make(chan HubMsg, 64),
		rooms:    make(map[string]*room.Room),
		watchers: make(map[string]chan wire.Event),
		deps:     deps,
		log:      deps.Log.Named("hub"),
		ctx:      ctx,
		cancel:   cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Room is a convenience wrapper over GetRoom for request handlers.
func (h *Hub) Room(id string) *room.Room {
	reply := make(chan *room.Room, 1)
	h.inbox <- GetRoom{ID: id, Reply: reply}
	return <-reply
}

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateRoom:
				if rm := h.rooms[msg.Info.ID]; rm != nil {
					msg.Reply <- rm
					break
				}
				rm := h.spawn(msg.Info, msg.Creator)
				h.rooms[msg.Info.ID] = rm
				h.fanout(wire.Event{Type: wire.EventRoomCreated, Room: &wire.RoomInfo{
					ID:          msg.Info.ID,
					Title:       msg.Info.Title,
					Visibility:  msg.Info.Visibility,
					Capacity:    msg.Info.Capacity,
					MemberCount: 1,
					CreatedAt:   msg.Info.CreatedAt,
				}})
				msg.Reply <- rm

			case RestoreRoom:
				if rm := h.rooms[msg.Info.ID]; rm != nil {
					msg.Reply <- rm
					break
				}
				rm := room.Restore(h.ctx, msg.Info, msg.Members, h.roomDeps())
				h.rooms[msg.Info.ID] = rm
				msg.Reply <- rm

			case GetRoom:
				msg.Reply <- h.rooms[msg.ID] // may be nil

			case RemoveRoom:
				rm := h.rooms[msg.ID]
				if rm == nil {
					break
				}
				delete(h.rooms, msg.ID)
				rm.Inbox() <- room.Shutdown{}
				h.fanout(wire.Event{Type: wire.EventRoomDeleted, RoomID: msg.ID})

			case WatchDirectory:
				h.watchers[msg.ID] = msg.Outbox

			case UnwatchDirectory:
				if ch, ok := h.watchers[msg.ID]; ok {
					close(ch)
					delete(h.watchers, msg.ID)
				}

			case DirectoryEvent:
				h.fanout(msg.Event)

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) spawn(info room.Info, creator room.Member) *room.Room {
	return room.New(h.ctx, info, creator, h.roomDeps())
}

func (h *Hub) roomDeps() room.Deps {
	return room.Deps{
		Rooms:    h.deps.Rooms,
		Messages: h.deps.Messages,
		Grader:   h.deps.Grader,
		Log:      h.deps.Log,
		Timing:   h.deps.Timing,
		Notify: func(ev wire.Event) {
			select {
			case h.inbox <- DirectoryEvent{Event: ev}:
			case <-h.ctx.Done():
			}
		},
		OnEmpty: func(roomID string) {
			select {
			case h.inbox <- RemoveRoom{ID: roomID}:
			case <-h.ctx.Done():
			}
		},
	}
}

// Rehydrate respawns an actor for every room in the store so the
// directory listing and the live registry agree after a restart. Returns
// the number of rooms restored.
func (h *Hub) Rehydrate(ctx context.Context, rooms store.RoomStore) (int, error) {
	summaries, err := rooms.ListRooms(ctx, 0)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, summary := range summaries {
		rec, members, err := rooms.GetRoom(ctx, summary.ID)
		if err != nil {
			h.log.Warn("skipping room on rehydrate", zap.String("room_id", summary.ID), zap.Error(err))
			continue
		}
		if len(members) == 0 {
			// An empty room would be torn down on the next leave anyway.
			continue
		}
		info := room.Info{
			ID:           rec.ID,
			Title:        rec.Title,
			Visibility:   rec.Visibility,
			Capacity:     rec.Capacity,
			CreatorID:    rec.CreatorID,
			PasscodeHash: rec.PasscodeHash,
			CreatedAt:    rec.CreatedAt,
		}
		seed := make([]room.Member, 0, len(members))
		for _, m := range members {
			seed = append(seed, room.Member{ID: m.UserID, Name: m.Name, Picture: m.Picture})
		}
		reply := make(chan *room.Room, 1)
		select {
		case h.inbox <- RestoreRoom{Info: info, Members: seed, Reply: reply}:
			<-reply
			restored++
		case <-h.ctx.Done():
			return restored, h.ctx.Err()
		}
	}
	return restored, nil
}

// fanout delivers a directory event to every watcher; a full watcher
// outbox drops that watcher, same policy as room broadcast.
func (h *Hub) fanout(ev wire.Event) {
	for id, ch := range h.watchers {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(h.watchers, id)
			h.log.Debug("dropped slow directory watcher", zap.String("watcher_id", id))
		}
	}
}

func (h *Hub) shutdown() {
	for id, rm := range h.rooms {
		rm.Inbox() <- room.Shutdown{}
		delete(h.rooms, id)
	}
	for id, ch := range h.watchers {
		close(ch)
		delete(h.watchers, id)
	}
	h.cancel()
}
