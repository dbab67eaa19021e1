// Package push maintains the session's authenticated websocket to the backend.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-inbox/internal/metrics"
	"github.com/vovakirdan/wirechat-inbox/internal/proto"
)

var (
	// ErrNotConnected is returned by writes while the socket is down.
	ErrNotConnected = errors.New("push: not connected")
	// ErrUnauthorized means the server rejected the token; the channel will not reconnect.
	ErrUnauthorized = errors.New("push: unauthorized")
)

// Kind classifies what the channel delivers.
type Kind int

const (
	KindEvent Kind = iota
	KindError
	KindConnected
	KindDisconnected
	KindAuthLost
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindError:
		return "error"
	case KindConnected:
		return "connected"
	case KindDisconnected:
		return "disconnected"
	case KindAuthLost:
		return "auth_lost"
	}
	return "unknown"
}

// Event is a server event or a connection lifecycle change.
type Event struct {
	Kind Kind
	Name string
	Data json.RawMessage
	Err  error
}

// TokenSource yields the bearer token for the upgrade request.
type TokenSource interface {
	Token() (string, error)
}

// Config configures a Channel.
type Config struct {
	URL        string
	Tokens     TokenSource
	QueueSize  int
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Clock      clock.Clock
	Logger     *zerolog.Logger
}

// Channel is one websocket per session with reference-counted thread rooms.
// It reconnects with exponential backoff until the context ends or the
// server rejects the token.
type Channel struct {
	cfg    Config
	logger *zerolog.Logger
	events chan Event

	mu    sync.Mutex
	conn  *websocket.Conn
	rooms map[int64]int
}

// New builds a channel; Run starts it.
func New(cfg Config) *Channel {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Channel{
		cfg:    cfg,
		logger: logger,
		events: make(chan Event, cfg.QueueSize),
		rooms:  make(map[int64]int),
	}
}

// Events delivers server events and lifecycle changes in order. A full queue
// stalls the reader rather than dropping events. It is closed when Run returns.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Connected reports whether the socket is currently up.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run dials and serves the socket until ctx ends or authentication is lost.
func (c *Channel) Run(ctx context.Context) error {
	defer close(c.events)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.MinBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	attempt := 0
	for {
		if attempt > 0 {
			metrics.Reconnects.Inc()
		}
		attempt++

		err := c.session(ctx, b)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrUnauthorized) {
			c.logger.Warn().Err(err).Msg("push channel rejected, not reconnecting")
			c.emit(ctx, Event{Kind: KindAuthLost, Err: err})
			return err
		}

		wait := b.NextBackOff()
		c.logger.Debug().Err(err).Dur("backoff", wait).Msg("push channel down")

		timer := c.cfg.Clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session runs one connection from dial to close.
func (c *Channel) session(ctx context.Context, b backoff.BackOff) error {
	token, err := c.cfg.Tokens.Token()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	conn, resp, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	defer conn.CloseNow()

	rooms := c.attach(conn)
	for _, threadID := range rooms {
		if err := c.write(ctx, conn, proto.InboundTypeJoin, proto.ThreadRef{ThreadID: threadID}); err != nil {
			c.detach(conn)
			return fmt.Errorf("rejoin thread %d: %w", threadID, err)
		}
	}
	b.Reset()
	c.logger.Info().Str("url", c.cfg.URL).Int("rooms", len(rooms)).Msg("push channel connected")
	c.emit(ctx, Event{Kind: KindConnected})

	err = c.readLoop(ctx, conn)
	c.detach(conn)
	c.emit(ctx, Event{Kind: KindDisconnected, Err: err})

	if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return err
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var frame proto.Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return err
		}
		switch frame.Type {
		case proto.OutboundTypeEvent:
			c.emit(ctx, Event{Kind: KindEvent, Name: frame.Event, Data: frame.Data})
		case proto.OutboundTypeError:
			srvErr := &ServerError{Code: "unknown"}
			if frame.Error != nil {
				srvErr.Code, srvErr.Msg = frame.Error.Code, frame.Error.Msg
			}
			c.emit(ctx, Event{Kind: KindError, Err: srvErr})
		default:
			c.logger.Debug().Str("type", frame.Type).Msg("ignoring unknown frame")
		}
	}
}

// emit blocks while the queue is full.
func (c *Channel) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *Channel) attach(conn *websocket.Conn) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	rooms := make([]int64, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	return rooms
}

func (c *Channel) detach(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
}

// Join takes a reference on a thread room; the first reference sends thread:join.
func (c *Channel) Join(ctx context.Context, threadID int64) error {
	c.mu.Lock()
	c.rooms[threadID]++
	first := c.rooms[threadID] == 1
	conn := c.conn
	c.mu.Unlock()

	if !first || conn == nil {
		return nil
	}
	return c.write(ctx, conn, proto.InboundTypeJoin, proto.ThreadRef{ThreadID: threadID})
}

// Leave drops a reference; the last one sends thread:leave.
func (c *Channel) Leave(ctx context.Context, threadID int64) error {
	c.mu.Lock()
	refs, ok := c.rooms[threadID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	last := refs <= 1
	if last {
		delete(c.rooms, threadID)
	} else {
		c.rooms[threadID] = refs - 1
	}
	conn := c.conn
	c.mu.Unlock()

	if !last || conn == nil {
		return nil
	}
	return c.write(ctx, conn, proto.InboundTypeLeave, proto.ThreadRef{ThreadID: threadID})
}

// Rooms returns the reference count of every joined thread.
func (c *Channel) Rooms() map[int64]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int64]int, len(c.rooms))
	for id, n := range c.rooms {
		out[id] = n
	}
	return out
}

// SendTyping transmits a typing transition.
func (c *Channel) SendTyping(ctx context.Context, threadID int64, typing bool) error {
	typ := proto.InboundTypeTypingStop
	if typing {
		typ = proto.InboundTypeTypingStart
	}
	return c.Send(ctx, typ, proto.ThreadRef{ThreadID: threadID})
}

// AnnounceRead transmits thread:read.
func (c *Channel) AnnounceRead(ctx context.Context, threadID, upToMessageID int64) error {
	return c.Send(ctx, proto.InboundTypeRead, proto.ReadData{ThreadID: threadID, UpToMessageID: upToMessageID})
}

// Send writes a client event, failing fast while disconnected.
func (c *Channel) Send(ctx context.Context, typ string, data any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(ctx, conn, typ, data)
}

func (c *Channel) write(ctx context.Context, conn *websocket.Conn, typ string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", typ, err)
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: typ, Data: payload}); err != nil {
		return fmt.Errorf("write %s: %w", typ, err)
	}
	return nil
}

// ServerError is an error frame sent by the backend.
type ServerError struct {
	Code string
	Msg  string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("push: server error %s: %s", e.Code, e.Msg)
}
