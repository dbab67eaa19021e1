package core

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-inbox/internal/metrics"
)

type clientCommand struct {
	client *Client
	cmd    *Command
}

type publication struct {
	userIDs  []int64
	threadID int64
	event    *Event
}

// Hub owns connected clients and thread rooms. All state is touched only by
// the Run goroutine; other goroutines talk to it through channels.
type Hub struct {
	log *zerolog.Logger

	register   chan *Client
	unregister chan *Client
	commands   chan clientCommand
	publish    chan publication
	done       chan struct{}

	clients map[*Client]struct{}
	users   map[int64]map[*Client]struct{}
	rooms   map[int64]*Room
}

// NewHub creates a hub. A nil logger disables logging.
func NewHub(logger *zerolog.Logger) *Hub {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Hub{
		log:        logger,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		commands:   make(chan clientCommand, 64),
		publish:    make(chan publication, 256),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		users:      make(map[int64]map[*Client]struct{}),
		rooms:      make(map[int64]*Room),
	}
}

// Run processes registrations, commands, and publications until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.remove(c)
			}
			return
		case c := <-h.register:
			h.add(ctx, c)
		case c := <-h.unregister:
			h.remove(c)
		case cc := <-h.commands:
			h.handleCommand(cc.client, cc.cmd)
		case p := <-h.publish:
			h.deliver(p)
		}
	}
}

// RegisterClient attaches a connection. Events published after it returns
// reach the client. Its Commands are consumed by the hub until
// UnregisterClient, after which Events is closed.
func (h *Hub) RegisterClient(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

// UnregisterClient detaches a connection and leaves all its rooms.
func (h *Hub) UnregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// PublishToUsers delivers a named event to every connection of the users.
func (h *Hub) PublishToUsers(userIDs []int64, name string, data any) {
	h.enqueue(publication{userIDs: userIDs, event: &Event{Kind: EventPush, Name: name, Data: data}})
}

// PublishToThread delivers a named event to the connections in a thread room.
func (h *Hub) PublishToThread(threadID int64, name string, data any) {
	h.enqueue(publication{threadID: threadID, event: &Event{Kind: EventPush, Name: name, ThreadID: threadID, Data: data}})
}

func (h *Hub) enqueue(p publication) {
	select {
	case h.publish <- p:
	case <-h.done:
	}
}

func (h *Hub) add(ctx context.Context, c *Client) {
	if _, ok := h.clients[c]; ok {
		return
	}
	h.clients[c] = struct{}{}
	conns := h.users[c.UserID]
	if conns == nil {
		conns = make(map[*Client]struct{})
		h.users[c.UserID] = conns
	}
	conns[c] = struct{}{}
	metrics.WSConnections.Inc()
	h.log.Debug().Str("client_id", c.ID).Int64("user_id", c.UserID).Msg("client registered")

	go h.pump(ctx, c)
}

// pump forwards one client's commands into the hub loop.
func (h *Hub) pump(ctx context.Context, c *Client) {
	for {
		select {
		case cmd := <-c.Commands:
			if cmd == nil {
				continue
			}
			select {
			case h.commands <- clientCommand{client: c, cmd: cmd}:
			case <-c.done:
				return
			case <-ctx.Done():
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) remove(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	for threadID := range c.Threads {
		if room := h.rooms[threadID]; room != nil {
			room.RemoveClient(c)
			if room.Empty() {
				delete(h.rooms, threadID)
			}
		}
	}
	c.Threads = make(map[int64]struct{})

	delete(h.clients, c)
	if conns := h.users[c.UserID]; conns != nil {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.users, c.UserID)
		}
	}
	close(c.done)
	close(c.Events)
	metrics.WSConnections.Dec()
	h.log.Debug().Str("client_id", c.ID).Int64("user_id", c.UserID).Msg("client unregistered")
}

func (h *Hub) handleCommand(c *Client, cmd *Command) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	switch cmd.Kind {
	case CommandJoinThread:
		if _, joined := c.Threads[cmd.ThreadID]; joined {
			h.sendError(c, coreError(ErrCodeAlreadyJoined, ErrAlreadyJoined.Error()))
			return
		}
		room := h.rooms[cmd.ThreadID]
		if room == nil {
			room = NewRoom(cmd.ThreadID)
			h.rooms[cmd.ThreadID] = room
		}
		room.AddClient(c)
		c.Threads[cmd.ThreadID] = struct{}{}
		h.reply(c, &Event{Kind: EventJoined, ThreadID: cmd.ThreadID})
	case CommandLeaveThread:
		if _, joined := c.Threads[cmd.ThreadID]; !joined {
			h.sendError(c, coreError(ErrCodeNotInThread, ErrNotInThread.Error()))
			return
		}
		delete(c.Threads, cmd.ThreadID)
		if room := h.rooms[cmd.ThreadID]; room != nil {
			room.RemoveClient(c)
			if room.Empty() {
				delete(h.rooms, cmd.ThreadID)
			}
		}
		h.reply(c, &Event{Kind: EventLeft, ThreadID: cmd.ThreadID})
	default:
		h.sendError(c, coreError(ErrCodeBadRequest, "unknown command"))
	}
}

func (h *Hub) deliver(p publication) {
	dropped := 0
	if p.userIDs == nil {
		if room := h.rooms[p.threadID]; room != nil {
			dropped = room.Broadcast(p.event)
		}
	} else {
		for _, userID := range p.userIDs {
			for c := range h.users[userID] {
				if !deliver(c, p.event) {
					dropped++
				}
			}
		}
	}
	if dropped > 0 {
		metrics.EventsDropped.Add(float64(dropped))
		h.log.Warn().Str("event", p.event.Name).Int("dropped", dropped).Msg("slow consumers missed an event")
	}
}

func (h *Hub) sendError(c *Client, err *CoreError) {
	h.reply(c, &Event{Kind: EventError, Error: err})
}

func (h *Hub) reply(c *Client, event *Event) {
	if !deliver(c, event) {
		metrics.EventsDropped.Inc()
	}
}
