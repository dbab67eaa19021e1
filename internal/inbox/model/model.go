// Package model holds the client-side view of threads and messages.
package model

import (
	"strconv"
	"time"
)

// Status is the client-derived delivery state of a message. It is never persisted.
type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusRead    Status = "read"
	StatusFailed  Status = "failed"
)

// Kind distinguishes user-authored messages from system notices.
type Kind string

const (
	KindText   Kind = "text"
	KindSystem Kind = "system"
)

// Attachment is a file reference carried by a message.
type Attachment struct {
	ID   int64
	Name string
	Size int64
}

// Participant is a member of a thread as seen by the viewing user.
type Participant struct {
	UserID            int64
	DisplayName       string
	IsCurrentUser     bool
	LastReadMessageID int64
}

// Message is either server-confirmed (ID != 0) or pending (TempID set, ID == 0).
type Message struct {
	ID               int64
	TempID           string
	CorrelationToken string
	ThreadID         int64
	SenderID         int64
	SenderName       string
	Kind             Kind
	Text             string
	Attachments      []Attachment
	CreatedAt        time.Time
	Status           Status
	ReadBy           []int64
}

// Pending reports whether the message still waits for server confirmation.
func (m Message) Pending() bool {
	return m.ID == 0
}

// Key identifies the message inside a timeline: the server id once confirmed,
// the temporary id before that.
func (m Message) Key() string {
	if m.ID != 0 {
		return "m:" + strconv.FormatInt(m.ID, 10)
	}
	return "t:" + m.TempID
}

// Thread is a conversation summary.
type Thread struct {
	ID           int64
	Title        string
	IsGroup      bool
	Participants []Participant
	LastMessage  *Message
	UpdatedAt    time.Time
	UnreadCount  int
	Revision     int64
}

// Pagination describes a page of the thread list.
type Pagination struct {
	Page     int
	PageSize int
	Total    int
}

// MessagePage is one backward page of history. An empty NextCursor means the
// beginning of the thread was reached.
type MessagePage struct {
	Messages   []Message
	NextCursor string
}
