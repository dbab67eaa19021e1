// Package receipts tracks per-thread read watermarks and derives read marks.
package receipts

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vovakirdan/wirechat-inbox/internal/inbox/model"
)

// Confirmer records the viewer's watermark durably (the REST call).
type Confirmer interface {
	MarkRead(ctx context.Context, threadID, upToMessageID int64) error
}

// Announcer fans the watermark out over the push channel. It returns an error
// when the channel is down; the REST call remains the durable record.
type Announcer interface {
	AnnounceRead(ctx context.Context, threadID, upToMessageID int64) error
}

type threadMarks struct {
	users   map[int64]int64
	durable int64
}

// Ceiling returns the newest message id known in a thread, or 0 when unknown.
type Ceiling func(threadID int64) int64

// Option configures a Tracker.
type Option func(*Tracker)

// WithCeiling clamps the viewer's acknowledgements to the newest known
// message, the way the server clamps its stored watermark.
func WithCeiling(fn Ceiling) Option {
	return func(t *Tracker) { t.ceiling = fn }
}

// Tracker keeps read watermarks for every participant of every known thread.
type Tracker struct {
	self      int64
	confirmer Confirmer
	announcer Announcer
	ceiling   Ceiling

	mu      sync.Mutex
	threads map[int64]*threadMarks
}

// New builds a tracker for the viewing user.
func New(self int64, confirmer Confirmer, announcer Announcer, opts ...Option) *Tracker {
	t := &Tracker{
		self:      self,
		confirmer: confirmer,
		announcer: announcer,
		threads:   make(map[int64]*threadMarks),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Self returns the viewing user's id.
func (t *Tracker) Self() int64 {
	return t.self
}

func (t *Tracker) marks(threadID int64) *threadMarks {
	tm, ok := t.threads[threadID]
	if !ok {
		tm = &threadMarks{users: make(map[int64]int64)}
		t.threads[threadID] = tm
	}
	return tm
}

// Watermark returns the highest message id userID acknowledged in threadID.
func (t *Tracker) Watermark(threadID, userID int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tm, ok := t.threads[threadID]; ok {
		return tm.users[userID]
	}
	return 0
}

// Advance moves userID's watermark forward. Lower or equal values are ignored;
// it reports whether anything changed.
func (t *Tracker) Advance(threadID, userID, upTo int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	tm := t.marks(threadID)
	if upTo <= tm.users[userID] {
		return false
	}
	tm.users[userID] = upTo
	if userID == t.self && upTo > tm.durable {
		tm.durable = upTo
	}
	return true
}

// Seed loads watermarks from a thread refetch. Server values only move marks forward.
func (t *Tracker) Seed(thread model.Thread) bool {
	changed := false
	for _, p := range thread.Participants {
		if t.Advance(thread.ID, p.UserID, p.LastReadMessageID) {
			changed = true
		}
	}
	return changed
}

// MarkRead advances the viewer's watermark to upTo, announces it over the push
// channel and confirms it over REST. Calls at or below the current watermark
// are no-ops and report false. When the REST confirmation fails the watermark
// rolls back to the last durable value so a later call retries.
func (t *Tracker) MarkRead(ctx context.Context, threadID, upTo int64) (bool, error) {
	if t.ceiling != nil {
		if newest := t.ceiling(threadID); newest > 0 && upTo > newest {
			upTo = newest
		}
	}

	t.mu.Lock()
	tm := t.marks(threadID)
	prev := tm.users[t.self]
	if upTo <= prev {
		t.mu.Unlock()
		return false, nil
	}
	tm.users[t.self] = upTo
	t.mu.Unlock()

	if t.announcer != nil {
		// Best effort: the REST call below is the durable record.
		_ = t.announcer.AnnounceRead(ctx, threadID, upTo)
	}

	if err := t.confirmer.MarkRead(ctx, threadID, upTo); err != nil {
		t.mu.Lock()
		if tm.users[t.self] == upTo {
			tm.users[t.self] = tm.durable
		}
		t.mu.Unlock()
		return false, fmt.Errorf("confirm read: %w", err)
	}

	t.mu.Lock()
	if upTo > tm.durable {
		tm.durable = upTo
	}
	t.mu.Unlock()
	return true, nil
}

// ReadBy lists the other participants whose watermark covers messageID.
func (t *Tracker) ReadBy(threadID, messageID int64) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	tm, ok := t.threads[threadID]
	if !ok {
		return nil
	}
	var out []int64
	for userID, mark := range tm.users {
		if userID != t.self && mark >= messageID {
			out = append(out, userID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Decorate fills ReadBy and derives the bubble status: the viewer's own
// confirmed messages are read once another participant's watermark covers them.
func (t *Tracker) Decorate(m model.Message) model.Message {
	if m.Pending() {
		return m
	}
	readBy := t.ReadBy(m.ThreadID, m.ID)
	if len(readBy) > 0 {
		m.ReadBy = readBy
	}
	if m.SenderID == t.self {
		if len(m.ReadBy) > 0 {
			m.Status = model.StatusRead
		} else {
			m.Status = model.StatusSent
		}
	}
	return m
}
