package proto

import "time"

// Attachment is a file reference on a message.
type Attachment struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// User is a compact user reference.
type User struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Participant is a thread member as seen by the requesting user.
type Participant struct {
	UserID            int64  `json:"userId"`
	DisplayName       string `json:"displayName"`
	IsCurrentUser     bool   `json:"isCurrentUser"`
	LastReadMessageID int64  `json:"lastReadMessageId"`
}

// Message is a persisted message.
type Message struct {
	ID                     int64        `json:"id"`
	ThreadID               int64        `json:"threadId"`
	Sender                 User         `json:"sender"`
	Kind                   string       `json:"kind"`
	Text                   string       `json:"text"`
	Attachments            []Attachment `json:"attachments,omitempty"`
	CreatedAt              time.Time    `json:"createdAt"`
	ReadBy                 []int64      `json:"readBy,omitempty"`
	ClientCorrelationToken string       `json:"clientCorrelationToken,omitempty"`
}

// Thread is a conversation summary for the requesting user.
type Thread struct {
	ID           int64         `json:"id"`
	Title        string        `json:"title,omitempty"`
	IsGroup      bool          `json:"isGroup"`
	Participants []Participant `json:"participants"`
	LastMessage  *Message      `json:"lastMessage,omitempty"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	UnreadCount  int           `json:"unreadCount"`
	Revision     int64         `json:"revision"`
}

// Pagination describes a page of a list response.
type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
	Total    int `json:"total"`
}

// ThreadListResponse is returned by GET /messages/threads.
type ThreadListResponse struct {
	Data       []Thread   `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// ThreadResponse is returned by GET /messages/threads/:id.
type ThreadResponse struct {
	Data Thread `json:"data"`
}

// MessagePageResponse is returned by GET /messages/threads/:id/messages.
// An empty NextCursor means history is exhausted.
type MessagePageResponse struct {
	Data       []Message `json:"data"`
	NextCursor string    `json:"nextCursor,omitempty"`
}

// MessageResponse wraps a single message.
type MessageResponse struct {
	Data Message `json:"data"`
}

// SendMessageRequest is the body of POST /messages/threads/:id/messages.
type SendMessageRequest struct {
	Text                   string       `json:"text"`
	Attachments            []Attachment `json:"attachments,omitempty"`
	ClientCorrelationToken string       `json:"clientCorrelationToken"`
}

// CreateThreadRequest is the body of POST /messages/threads.
type CreateThreadRequest struct {
	ParticipantIDs []int64 `json:"participantIds"`
	Title          string  `json:"title,omitempty"`
	Text           string  `json:"text"`
	IsGroup        bool    `json:"isGroup"`
	// ClientCorrelationToken tags the first message like a regular send.
	ClientCorrelationToken string `json:"clientCorrelationToken,omitempty"`
}

// CreatedThread is the payload of a create-thread response.
type CreatedThread struct {
	Thread  Thread  `json:"thread"`
	Message Message `json:"message"`
}

// CreateThreadResponse is returned by POST /messages/threads.
type CreateThreadResponse struct {
	Data CreatedThread `json:"data"`
}

// MarkReadRequest is the body of POST /messages/threads/:id/read.
type MarkReadRequest struct {
	UpToMessageID int64 `json:"upToMessageId"`
}

// TypingRequest is the body of POST /messages/threads/:id/typing.
type TypingRequest struct {
	IsTyping bool `json:"isTyping"`
}

// TypingState lists who is typing in a thread.
type TypingState struct {
	ThreadID int64   `json:"threadId"`
	UserIDs  []int64 `json:"userIds"`
}

// TypingResponse is returned by GET|POST /messages/threads/:id/typing.
type TypingResponse struct {
	Data TypingState `json:"data"`
}

// Ack is a bare acknowledgement.
type Ack struct {
	OK bool `json:"ok"`
}

// Profile describes a user account.
type Profile struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}
