// Package client maintains a resilient attachment to one room: it
// merges the fetched history with the live event channel, survives
// reconnects, and fails over across server targets.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/ludus-app/ludus-server/internal/wire"
)

// State is the connection lifecycle reported through OnState.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateBackoff      State = "backoff"
)

const attemptsPerTarget = 5

var ErrAlreadyAttached = errors.New("client: already attached")

type Options struct {
	// Targets are tried in order; each gets attemptsPerTarget connection
	// attempts before the next one is promoted.
	Targets []string
	Token   string
	Log     *zap.Logger
	// OnState observes lifecycle transitions; may be nil. Called from the
	// client goroutine, so it must not block.
	OnState func(State)
	HTTP    *http.Client
}

type Client struct {
	opts   Options
	log    *zap.Logger
	events chan wire.Event

	mu       sync.Mutex
	attached bool
	cancel   context.CancelFunc
	done     chan struct{}
	seen     map[string]struct{}
	history  []wire.Message
	state    State
}

func New(opts Options) *Client {
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{Timeout: 10 * time.Second}
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		opts:   opts,
		log:    log,
		events: make(chan wire.Event, 64),
		seen:   make(map[string]struct{}),
		state:  StateDisconnected,
	}
}

// Events carries deduplicated room events from attachment onward. The
// channel closes when every target is exhausted or Close is called; a
// later AttachRoom starts a fresh channel, so call Events again after
// re-attaching.
func (c *Client) Events() <-chan wire.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

// Messages returns the merged history snapshot in arrival order.
func (c *Client) Messages() []wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.Message, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AttachRoom starts the attachment loop for one room. Only one
// attachment runs at a time; once it resolves (Close, or every target
// exhausted) the client may attach again. The merged history and the
// dedup set survive re-attachment.
func (c *Client) AttachRoom(ctx context.Context, roomID string) error {
	c.mu.Lock()
	if c.attached {
		c.mu.Unlock()
		return ErrAlreadyAttached
	}
	if len(c.opts.Targets) == 0 {
		c.mu.Unlock()
		return errors.New("client: no targets")
	}
	if c.done != nil {
		// A previous attachment already closed its event channel.
		c.events = make(chan wire.Event, 64)
	}
	c.attached = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.run(ctx, roomID)
	return nil
}

// Close stops the loop, including any pending backoff wait.
func (c *Client) Close() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Client) run(ctx context.Context, roomID string) {
	c.mu.Lock()
	done, events := c.done, c.events
	c.mu.Unlock()
	defer func() {
		close(events)
		c.setState(StateDisconnected)
		c.mu.Lock()
		c.attached = false
		c.mu.Unlock()
		close(done)
	}()

	for _, target := range c.opts.Targets {
		bo := newBackoff()
		for attempt := 1; attempt <= attemptsPerTarget; attempt++ {
			c.setState(StateConnecting)
			err := c.attachOnce(ctx, target, roomID)
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("attachment lost",
				zap.String("target", target),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			if attempt == attemptsPerTarget {
				break
			}
			c.setState(StateBackoff)
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return
			}
		}
		c.log.Warn("target exhausted, promoting next", zap.String("target", target))
	}
}

// newBackoff builds the per-target reconnect schedule. Jitter is
// disabled so the delays are predictable: 2s, 4s, 8s, 16s, capped at 30s.
func newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.RandomizationFactor = 0
	return bo
}

// attachOnce fetches history, opens the event channel, and reads until
// the connection drops. History is re-fetched on every attempt so
// messages accepted during the outage are merged in.
func (c *Client) attachOnce(ctx context.Context, target, roomID string) error {
	if err := c.fetchHistory(ctx, target, roomID); err != nil {
		return err
	}

	wsURL := fmt.Sprintf("%s/ws?room=%s&token=%s", httpToWS(target), roomID, c.opts.Token)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	c.setState(StateOpen)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		ev, err := wire.Decode(data)
		if err != nil {
			c.log.Debug("dropped bad frame", zap.Error(err))
			continue
		}
		c.deliver(ev)
	}
}

func (c *Client) fetchHistory(ctx context.Context, target, roomID string) error {
	url := fmt.Sprintf("%s/rooms/%s/messages", strings.TrimRight(target, "/"), roomID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	resp, err := c.opts.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("history: status %d", resp.StatusCode)
	}
	var msgs []wire.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return fmt.Errorf("history: decode: %w", err)
	}
	for _, m := range msgs {
		if c.merge(m) {
			c.deliverMessage(m)
		}
	}
	return nil
}

// deliver routes one live event; message events go through the merge so
// a frame replayed after reconnect is not emitted twice.
func (c *Client) deliver(ev wire.Event) {
	if ev.Type == wire.EventMessage && ev.Message != nil {
		if !c.merge(*ev.Message) {
			return
		}
	}
	select {
	case c.eventsCh() <- ev:
	default:
		c.log.Warn("event consumer too slow, dropping", zap.String("type", string(ev.Type)))
	}
}

func (c *Client) deliverMessage(m wire.Message) {
	select {
	case c.eventsCh() <- wire.Event{Type: wire.EventMessage, Message: &m}:
	default:
		c.log.Warn("event consumer too slow, dropping", zap.String("type", string(wire.EventMessage)))
	}
}

func (c *Client) eventsCh() chan wire.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

// merge records a message by ID. The first copy seen wins; later copies
// of the same ID report false and are never re-emitted.
func (c *Client) merge(m wire.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[m.ID]; ok {
		return false
	}
	c.seen[m.ID] = struct{}{}
	c.history = append(c.history, m)
	return true
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.opts.OnState != nil {
		c.opts.OnState(s)
	}
}

func httpToWS(target string) string {
	switch {
	case strings.HasPrefix(target, "https://"):
		return "wss://" + strings.TrimPrefix(target, "https://")
	case strings.HasPrefix(target, "http://"):
		return "ws://" + strings.TrimPrefix(target, "http://")
	default:
		return target
	}
}
