package timeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vovakirdan/wirechat-inbox/internal/inbox/model"
)

// Snapshot is an immutable view of one thread's timeline. Callers must not
// modify the slices it exposes.
type Snapshot struct {
	ThreadID  int64
	Confirmed []model.Message
	Pending   []model.Message
	Messages  []model.Message
	Entries   []Entry
}

// Decorator derives per-message presentation state (status, readBy) at render time.
type Decorator func(model.Message) model.Message

// AuditFunc is told about every pending message collapsed by the heuristic match.
type AuditFunc func(threadID int64, tempID string, messageID int64)

// Option configures a Store.
type Option func(*Store)

// WithLocation sets the time zone used for date separators.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) { s.loc = loc }
}

// WithFallbackWindow sets the proximity window of the heuristic match.
func WithFallbackWindow(d time.Duration) Option {
	return func(s *Store) { s.window = d }
}

// WithDecorator installs the render-time decorator.
func WithDecorator(d Decorator) Option {
	return func(s *Store) { s.decorate = d }
}

// WithAudit installs the heuristic-match audit hook.
func WithAudit(fn AuditFunc) Option {
	return func(s *Store) { s.audit = fn }
}

// Store owns the rendered ordering of one thread. Mutations are serialized and
// each produces a new Snapshot; readers never observe a partially applied change.
type Store struct {
	threadID int64
	loc      *time.Location
	window   time.Duration
	decorate Decorator
	audit    AuditFunc

	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]
}

// NewStore builds an empty timeline for a thread.
func NewStore(threadID int64, opts ...Option) *Store {
	s := &Store{
		threadID: threadID,
		loc:      time.Local,
		window:   DefaultFallbackWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.snap.Store(&Snapshot{ThreadID: threadID})
	return s
}

// ThreadID returns the thread this store renders.
func (s *Store) ThreadID() int64 {
	return s.threadID
}

// Snapshot returns the current immutable view.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// AddConfirmed merges server-confirmed messages (history pages, REST responses,
// push events, polling results). It returns the temporary ids the new messages
// replaced.
func (s *Store) AddConfirmed(msgs ...model.Message) map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	return s.apply([][]model.Message{cur.Confirmed, msgs}, cur.Pending)
}

// Rebase replaces the confirmed history with msgs. Loaded messages at or above
// the oldest of msgs stay; everything older is dropped. Pending entries stay.
func (s *Store) Rebase(msgs ...model.Message) map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var floor int64
	for _, m := range msgs {
		if m.ID != 0 && (floor == 0 || m.ID < floor) {
			floor = m.ID
		}
	}
	cur := s.snap.Load()
	kept := make([]model.Message, 0, len(cur.Confirmed))
	for _, m := range cur.Confirmed {
		if m.ID >= floor {
			kept = append(kept, m)
		}
	}
	return s.apply([][]model.Message{kept, msgs}, cur.Pending)
}

// AddPending inserts an optimistic message. An entry with the same temporary id is replaced.
func (s *Store) AddPending(m model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	pending := make([]model.Message, 0, len(cur.Pending)+1)
	for _, p := range cur.Pending {
		if p.TempID != m.TempID {
			pending = append(pending, p)
		}
	}
	pending = append(pending, m)
	s.apply([][]model.Message{cur.Confirmed}, pending)
}

// UpdatePending rewrites a pending entry in place. It reports false when the
// entry is gone, which happens once it was reconciled.
func (s *Store) UpdatePending(tempID string, fn func(*model.Message)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	found := false
	pending := make([]model.Message, len(cur.Pending))
	for i, p := range cur.Pending {
		if p.TempID == tempID {
			fn(&p)
			found = true
		}
		pending[i] = p
	}
	if !found {
		return false
	}
	s.apply([][]model.Message{cur.Confirmed}, pending)
	return true
}

// RemovePending drops a pending entry, e.g. a failed send the user discarded.
func (s *Store) RemovePending(tempID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	pending := make([]model.Message, 0, len(cur.Pending))
	for _, p := range cur.Pending {
		if p.TempID != tempID {
			pending = append(pending, p)
		}
	}
	if len(pending) == len(cur.Pending) {
		return false
	}
	s.apply([][]model.Message{cur.Confirmed}, pending)
	return true
}

// Confirm replaces the pending entry tempID with its server-confirmed message in
// one step. If a push event already collapsed the entry, the confirmed message is
// deduplicated by id.
func (s *Store) Confirm(tempID string, m model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	pending := make([]model.Message, 0, len(cur.Pending))
	for _, p := range cur.Pending {
		if p.TempID == tempID {
			if m.CorrelationToken == "" {
				m.CorrelationToken = p.CorrelationToken
			}
			continue
		}
		pending = append(pending, p)
	}
	if m.TempID == "" {
		m.TempID = tempID
	}
	s.apply([][]model.Message{cur.Confirmed, {m}}, pending)
}

// Refresh re-renders with the current decorator, e.g. after a read watermark moved.
func (s *Store) Refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	s.apply([][]model.Message{cur.Confirmed}, cur.Pending)
}

// Pending returns the pending entry tempID.
func (s *Store) Pending(tempID string) (model.Message, bool) {
	for _, p := range s.snap.Load().Pending {
		if p.TempID == tempID {
			return p, true
		}
	}
	return model.Message{}, false
}

// Oldest returns the oldest confirmed message id, or 0 when nothing is loaded.
func (s *Store) Oldest() int64 {
	cur := s.snap.Load()
	if len(cur.Confirmed) == 0 {
		return 0
	}
	return cur.Confirmed[0].ID
}

// Newest returns the newest confirmed message, if any.
func (s *Store) Newest() (model.Message, bool) {
	cur := s.snap.Load()
	if len(cur.Confirmed) == 0 {
		return model.Message{}, false
	}
	return cur.Confirmed[len(cur.Confirmed)-1], true
}

// apply must be called with mu held.
func (s *Store) apply(pages [][]model.Message, pending []model.Message) map[string]int64 {
	r := Reconcile(pages, pending, s.window)

	messages := r.Messages
	if s.decorate != nil {
		messages = make([]model.Message, len(r.Messages))
		for i, m := range r.Messages {
			if m.Pending() {
				messages[i] = m
				continue
			}
			messages[i] = s.decorate(m)
		}
	}

	s.snap.Store(&Snapshot{
		ThreadID:  s.threadID,
		Confirmed: r.Confirmed,
		Pending:   r.Pending,
		Messages:  messages,
		Entries:   WithDateSeparators(messages, s.loc),
	})

	if s.audit != nil {
		for _, tempID := range r.Heuristic {
			s.audit(s.threadID, tempID, r.Collapsed[tempID])
		}
	}
	return r.Collapsed
}
