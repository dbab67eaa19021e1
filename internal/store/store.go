package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// MessageKind distinguishes user text from system notes.
type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindSystem MessageKind = "system"
)

// User represents a registered account.
type User struct {
	ID           int64
	Username     string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
}

// Name returns the display name, falling back to the username.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// Thread is a conversation between two or more users.
// Revision grows with every stored message and every read watermark advance.
type Thread struct {
	ID         int64
	Title      string
	IsGroup    bool
	CreatedBy  int64
	Revision   int64
	UpdatedAt  time.Time
	ArchivedAt *time.Time
	CreatedAt  time.Time
}

// Participant is a thread member with its read watermark.
type Participant struct {
	ThreadID          int64
	UserID            int64
	Username          string
	DisplayName       string
	LastReadMessageID int64
}

// Attachment is a file reference stored with a message.
type Attachment struct {
	ID   int64
	Name string
	Size int64
}

// Message is a persisted thread message.
type Message struct {
	ID          int64
	ThreadID    int64
	SenderID    int64
	SenderName  string
	Kind        MessageKind
	Body        string
	ClientToken string
	Attachments []Attachment
	CreatedAt   time.Time
}

// NewThread describes a thread created together with its first message.
type NewThread struct {
	Title          string
	IsGroup        bool
	CreatedBy      int64
	ParticipantIDs []int64
	First          NewMessage
}

// NewMessage is a message to persist.
type NewMessage struct {
	ThreadID    int64
	SenderID    int64
	Kind        MessageKind
	Body        string
	ClientToken string
	Attachments []Attachment
}

// ThreadSummary is a thread as listed for one viewer.
type ThreadSummary struct {
	Thread
	LastMessage *Message
	UnreadCount int
}

// UserStore manages accounts.
type UserStore interface {
	CreateUser(ctx context.Context, username, displayName, passwordHash string) (*User, error)
	GetUserByID(ctx context.Context, id int64) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	SearchUsers(ctx context.Context, query string, limit int) ([]*User, error)
}

// ThreadStore manages threads and their participants.
type ThreadStore interface {
	// CreateThread stores the thread, its participants, and the first message in one transaction.
	CreateThread(ctx context.Context, in NewThread) (*Thread, *Message, error)
	GetThread(ctx context.Context, id int64) (*Thread, error)
	ListParticipants(ctx context.Context, threadID int64) ([]Participant, error)
	IsParticipant(ctx context.Context, threadID, userID int64) (bool, error)
	// ListThreads returns the viewer's non-archived threads, most recent first, and the total count.
	ListThreads(ctx context.Context, userID int64, search string, limit, offset int) ([]ThreadSummary, int, error)
	ArchiveThread(ctx context.Context, id int64) error
}

// MessageStore manages thread messages.
type MessageStore interface {
	// SaveMessage stores a message and bumps the thread revision. A repeated
	// client token from the same sender returns the existing message with created=false.
	SaveMessage(ctx context.Context, in NewMessage) (msg *Message, revision int64, created bool, err error)
	// ListMessages returns up to limit messages older than beforeID (or the newest
	// when beforeID is nil), oldest first.
	ListMessages(ctx context.Context, threadID int64, beforeID *int64, limit int) ([]*Message, error)
	LastMessage(ctx context.Context, threadID int64) (*Message, error)
}

// ReadStore manages read watermarks.
type ReadStore interface {
	// MarkRead moves the user's watermark forward to upTo, clamped to the newest
	// message. advanced is false when the watermark was already there.
	MarkRead(ctx context.Context, threadID, userID, upTo int64) (watermark, revision int64, advanced bool, err error)
	UnreadCount(ctx context.Context, threadID, userID int64) (int, error)
	TotalUnread(ctx context.Context, userID int64) (int, error)
}

// Store combines all storage interfaces.
type Store interface {
	UserStore
	ThreadStore
	MessageStore
	ReadStore
	Close() error
}
