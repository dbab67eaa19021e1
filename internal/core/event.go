package core

// EventKind is a notification the core emits to clients.
type EventKind int

const (
	// EventPush carries a named push event (message:new, typing, ...).
	EventPush EventKind = iota
	// EventJoined confirms a thread room subscription.
	EventJoined
	// EventLeft confirms a thread room unsubscription.
	EventLeft
	// EventError notifies the client about a rejected command.
	EventError
)

// Event is sent to clients to describe what happened in the system.
type Event struct {
	Kind     EventKind
	Name     string
	ThreadID int64
	Data     any
	Error    *CoreError
}
