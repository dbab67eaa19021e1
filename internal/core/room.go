package core

// Room groups the clients that joined one thread.
type Room struct {
	ThreadID int64
	clients  map[*Client]struct{}
}

// NewRoom creates an empty room for a thread.
func NewRoom(threadID int64) *Room {
	return &Room{
		ThreadID: threadID,
		clients:  make(map[*Client]struct{}),
	}
}

// AddClient inserts a client into the room. Returns true if newly added.
func (r *Room) AddClient(c *Client) bool {
	if _, exists := r.clients[c]; exists {
		return false
	}
	r.clients[c] = struct{}{}
	return true
}

// RemoveClient deletes a client from the room. Returns true if removed.
func (r *Room) RemoveClient(c *Client) bool {
	if _, exists := r.clients[c]; !exists {
		return false
	}
	delete(r.clients, c)
	return true
}

// Broadcast sends an event to all clients in the room and returns how many
// slow consumers missed it.
func (r *Room) Broadcast(event *Event) int {
	dropped := 0
	for client := range r.clients {
		if !deliver(client, event) {
			dropped++
		}
	}
	return dropped
}

// Empty returns true if no clients are in the room.
func (r *Room) Empty() bool {
	return len(r.clients) == 0
}

func deliver(c *Client, event *Event) bool {
	select {
	case c.Events <- event:
		return true
	default:
		// Drop if slow consumer.
		return false
	}
}
