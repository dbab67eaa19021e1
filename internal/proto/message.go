package proto

import (
	"encoding/json"
	"time"
)

// Inbound is the envelope for messages coming from the client.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	ProtocolVersion = 1

	InboundTypeJoin        = "thread:join"
	InboundTypeLeave       = "thread:leave"
	InboundTypeTypingStart = "typing:start"
	InboundTypeTypingStop  = "typing:stop"
	InboundTypeRead        = "thread:read"

	OutboundTypeEvent = "event"
	OutboundTypeError = "error"

	EventReady         = "ready"
	EventMessageNew    = "message:new"
	EventThreadUpdated = "thread:updated"
	EventUnreadCount   = "unread:count"
	EventReadUpdated   = "read:updated"
	EventTyping        = "typing"
	EventThreadJoined  = "thread:joined"
	EventThreadLeft    = "thread:left"
)

// ThreadRef addresses a thread room (join, leave, typing).
type ThreadRef struct {
	ThreadID int64 `json:"threadId"`
}

// ReadData acknowledges messages up to and including UpToMessageID.
type ReadData struct {
	ThreadID      int64 `json:"threadId"`
	UpToMessageID int64 `json:"upToMessageId"`
}

// Outbound is the envelope for messages sent to the client.
type Outbound struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// Frame is Outbound as read by a client, with the payload left undecoded.
type Frame struct {
	Type  string          `json:"type"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// EventReadyData confirms an authenticated connection.
type EventReadyData struct {
	UserID   int64 `json:"userId"`
	Protocol int   `json:"protocol"`
}

// EventMessageNewData carries a persisted message and the thread revision it produced.
type EventMessageNewData struct {
	Message
	Revision int64 `json:"revision"`
}

// EventThreadUpdatedData patches thread summary fields. Absent fields are left untouched.
type EventThreadUpdatedData struct {
	ThreadID    int64      `json:"threadId"`
	LastMessage *Message   `json:"lastMessage,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
	Title       *string    `json:"title,omitempty"`
	Revision    int64      `json:"revision,omitempty"`
}

// EventUnreadCountData is the viewer's total unread count.
type EventUnreadCountData struct {
	Count int `json:"count"`
}

// EventReadUpdatedData moves a participant's read watermark.
type EventReadUpdatedData struct {
	ThreadID      int64 `json:"threadId"`
	UserID        int64 `json:"userId"`
	UpToMessageID int64 `json:"upToMessageId"`
	Revision      int64 `json:"revision,omitempty"`
}

// EventTypingData starts (On) or stops typing for UserIDs.
type EventTypingData struct {
	ThreadID int64   `json:"threadId"`
	UserIDs  []int64 `json:"userIds"`
	On       bool    `json:"on"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}
