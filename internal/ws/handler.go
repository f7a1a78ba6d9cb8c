// Package ws attaches event channels (websockets) to a room or to the
// room directory. A channel carries events from the moment of attachment
// onward; history comes from a separate fetch.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ludus-app/ludus-server/internal/httpapi/identity"
	"github.com/ludus-app/ludus-server/internal/hub"
	"github.com/ludus-app/ludus-server/internal/room"
	"github.com/ludus-app/ludus-server/internal/wire"
)

const (
	writeTimeout   = 3 * time.Second
	pingInterval   = 30 * time.Second
	pingTimeout    = 10 * time.Second
	maxMissedPings = 3
	outboxSize     = 32
)

// RoomHandler upgrades GET /ws?room={id}. The caller must already be a
// member of the room; Join enforces that atomically with registration.
func RoomHandler(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := r.URL.Query().Get("room")
		if roomID == "" {
			http.Error(w, "missing room", http.StatusBadRequest)
			return
		}
		who, ok := identity.FromContext(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		rm := h.Room(roomID)
		if rm == nil {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		out := make(chan wire.Event, outboxSize)
		channelID := uuid.NewString()
		joined := make(chan error, 1)
		rm.Inbox() <- room.Join{ChannelID: channelID, UserID: who.ID, Outbox: out, Reply: joined}
		if err := <-joined; err != nil {
			conn.Close(websocket.StatusPolicyViolation, "not a member")
			return
		}
		// Leave deregisters the channel atomically with the close.
		defer func() { rm.Inbox() <- room.Leave{ChannelID: channelID} }()

		serve(r.Context(), conn, out, log.With(
			zap.String("room_id", roomID),
			zap.String("channel_id", channelID),
		))
	}
}

// DirectoryHandler upgrades GET /ws/rooms, the room-directory feed for
// clients not currently inside a room.
func DirectoryHandler(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		out := make(chan wire.Event, outboxSize)
		watcherID := uuid.NewString()
		h.Inbox() <- hub.WatchDirectory{ID: watcherID, Outbox: out}
		defer func() { h.Inbox() <- hub.UnwatchDirectory{ID: watcherID} }()

		serve(r.Context(), conn, out, log.With(zap.String("watcher_id", watcherID)))
	}
}

// serve runs the writer, heartbeat, and reader for one channel and
// returns when any of them ends.
func serve(parent context.Context, conn *websocket.Conn, out <-chan wire.Event, log *zap.Logger) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// Writer: drains the outbox. The owning hub closes the outbox when it
	// drops us, which ends this goroutine.
	go func() {
		defer cancel()
		for ev := range out {
			payload, err := wire.Encode(ev)
			if err != nil {
				log.Warn("encode event", zap.Error(err))
				continue
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(wctx, websocket.MessageText, payload)
			wcancel()
			if err != nil {
				return
			}
		}
	}()

	// Heartbeat: protocol-level ping at a fixed interval, independent of
	// message traffic. Three consecutive misses force-close the channel.
	go func() {
		defer cancel()
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		missed := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pctx, pcancel := context.WithTimeout(ctx, pingTimeout)
				err := conn.Ping(pctx)
				pcancel()
				if err != nil {
					missed++
					if missed >= maxMissedPings {
						conn.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
						return
					}
					continue
				}
				missed = 0
			}
		}
	}()

	// Reader: application-level ping frames get a pong; anything
	// malformed is dropped and logged, never fatal.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				log.Debug("channel read ended", zap.Error(err))
			}
			return
		}
		ev, err := wire.Decode(data)
		if err != nil {
			log.Debug("dropped bad frame", zap.Error(err))
			continue
		}
		if ev.Type == wire.EventPing {
			payload, _ := wire.Encode(wire.Event{Type: wire.EventPong})
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			_ = conn.Write(wctx, websocket.MessageText, payload)
			wcancel()
		}
	}
}
