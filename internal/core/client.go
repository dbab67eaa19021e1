package core

// Client is one push connection as seen by the hub. A user may hold several.
type Client struct {
	ID       string
	UserID   int64
	Name     string
	Commands chan *Command
	Events   chan *Event
	Threads  map[int64]struct{}

	done chan struct{}
}

// NewClient constructs a client with initialized channels.
func NewClient(id, name string, userID int64) *Client {
	if name == "" {
		name = id
	}
	return &Client{
		ID:       id,
		UserID:   userID,
		Name:     name,
		Commands: make(chan *Command, 8),
		Events:   make(chan *Event, 64),
		Threads:  make(map[int64]struct{}),
		done:     make(chan struct{}),
	}
}
