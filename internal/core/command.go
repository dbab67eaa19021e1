package core

// CommandKind describes what the client wants to do.
type CommandKind int

const (
	// CommandJoinThread subscribes the client to a thread room.
	CommandJoinThread CommandKind = iota
	// CommandLeaveThread unsubscribes the client from a thread room.
	CommandLeaveThread
)

// Command represents an action requested by a client.
type Command struct {
	Kind     CommandKind
	ThreadID int64
}
