// Package outbox runs optimistic sends: a pending entry is shown immediately
// and later confirmed or failed by the REST call.
package outbox

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/vovakirdan/wirechat-inbox/internal/inbox/api"
	"github.com/vovakirdan/wirechat-inbox/internal/inbox/model"
)

var (
	// ErrEmptyText rejects a send before any network call.
	ErrEmptyText = errors.New("outbox: message text is empty")
	// ErrNotFound is returned for unknown temporary ids.
	ErrNotFound = errors.New("outbox: no such pending message")
	// ErrNotFailed is returned when retrying an entry that is still sending.
	ErrNotFailed = errors.New("outbox: message is not failed")
	// ErrNotRetryable is returned for entries the server refused for good.
	ErrNotRetryable = errors.New("outbox: message cannot be retried")
)

// Sender is the REST call behind the outbox.
type Sender interface {
	SendMessage(ctx context.Context, threadID int64, text string, attachments []model.Attachment, token string) (model.Message, error)
}

// Entry is one outstanding send.
type Entry struct {
	Message   model.Message
	Attempts  int
	Retryable bool
	Err       error
}

// Listener receives the lifecycle of every entry. Calls arrive on the poster.
type Listener interface {
	OnPending(e Entry)
	OnConfirmed(e Entry, confirmed model.Message)
	OnFailed(e Entry)
}

// Poster schedules fn on the caller's event loop.
type Poster func(fn func())

// Author identifies the sending user on pending entries.
type Author struct {
	ID   int64
	Name string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for pending timestamps.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clock = clk }
}

// WithIDs replaces the temporary id and token generator.
func WithIDs(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// Manager tracks pending sends until they are confirmed.
type Manager struct {
	sender   Sender
	listener Listener
	post     Poster
	author   Author
	clock    clock.Clock
	newID    func() string

	mu      sync.Mutex
	entries map[string]*Entry
}

// New builds a Manager. Completions are delivered to listener through post.
func New(sender Sender, listener Listener, post Poster, author Author, opts ...Option) *Manager {
	if post == nil {
		post = func(fn func()) { fn() }
	}
	m := &Manager{
		sender:   sender,
		listener: listener,
		post:     post,
		author:   author,
		clock:    clock.New(),
		newID:    uuid.NewString,
		entries:  make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Send validates the text, inserts a pending entry and starts the REST call.
// It returns the pending message.
func (m *Manager) Send(ctx context.Context, threadID int64, text string, attachments []model.Attachment) (model.Message, error) {
	if strings.TrimSpace(text) == "" {
		return model.Message{}, ErrEmptyText
	}

	msg := model.Message{
		TempID:           m.newID(),
		CorrelationToken: m.newID(),
		ThreadID:         threadID,
		SenderID:         m.author.ID,
		SenderName:       m.author.Name,
		Kind:             model.KindText,
		Text:             text,
		Attachments:      attachments,
		CreatedAt:        m.clock.Now(),
		Status:           model.StatusSending,
	}
	e := &Entry{Message: msg, Retryable: true}

	m.mu.Lock()
	m.entries[msg.TempID] = e
	m.mu.Unlock()

	m.listener.OnPending(*e)
	m.dispatch(ctx, e)
	return msg, nil
}

// Retry re-enters sending for a failed entry with the same text and token.
func (m *Manager) Retry(ctx context.Context, tempID string) error {
	m.mu.Lock()
	e, ok := m.entries[tempID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if e.Message.Status != model.StatusFailed {
		m.mu.Unlock()
		return ErrNotFailed
	}
	if !e.Retryable {
		m.mu.Unlock()
		return ErrNotRetryable
	}
	e.Message.Status = model.StatusSending
	e.Err = nil
	snapshot := *e
	m.mu.Unlock()

	m.listener.OnPending(snapshot)
	m.dispatch(ctx, e)
	return nil
}

// Discard drops a failed entry the user gave up on.
func (m *Manager) Discard(tempID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[tempID]
	if !ok {
		return ErrNotFound
	}
	if e.Message.Status != model.StatusFailed {
		return ErrNotFailed
	}
	delete(m.entries, tempID)
	return nil
}

// Entry returns the outstanding entry tempID.
func (m *Manager) Entry(tempID string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[tempID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Outstanding lists the entries of a thread that are sending or failed.
func (m *Manager) Outstanding(threadID int64) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Entry
	for _, e := range m.entries {
		if e.Message.ThreadID == threadID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Message.CreatedAt.Before(out[j].Message.CreatedAt)
	})
	return out
}

func (m *Manager) dispatch(ctx context.Context, e *Entry) {
	m.mu.Lock()
	e.Attempts++
	msg := e.Message
	m.mu.Unlock()

	go func() {
		confirmed, err := m.sender.SendMessage(ctx, msg.ThreadID, msg.Text, msg.Attachments, msg.CorrelationToken)
		m.post(func() { m.complete(msg.TempID, confirmed, err) })
	}()
}

func (m *Manager) complete(tempID string, confirmed model.Message, err error) {
	m.mu.Lock()
	e, ok := m.entries[tempID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if err == nil {
		delete(m.entries, tempID)
		snapshot := *e
		m.mu.Unlock()

		if confirmed.CorrelationToken == "" {
			confirmed.CorrelationToken = snapshot.Message.CorrelationToken
		}
		confirmed.TempID = tempID
		confirmed.Status = model.StatusSent
		m.listener.OnConfirmed(snapshot, confirmed)
		return
	}

	e.Message.Status = model.StatusFailed
	e.Err = err
	e.Retryable = !api.IsConflict(err)
	snapshot := *e
	m.mu.Unlock()

	m.listener.OnFailed(snapshot)
}
