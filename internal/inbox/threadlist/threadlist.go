// Package threadlist caches the viewer's thread summaries ordered by recency.
package threadlist

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vovakirdan/wirechat-inbox/internal/inbox/model"
)

// Patch carries the summary fields of a thread:updated event. Nil fields are
// left untouched.
type Patch struct {
	ThreadID    int64
	Title       *string
	LastMessage *model.Message
	UpdatedAt   *time.Time
	UnreadCount *int
	Revision    int64
}

// Snapshot is an immutable view of the list.
type Snapshot struct {
	Threads     []model.Thread
	Pagination  model.Pagination
	UnreadTotal int
	// Stale is set when an event referenced a thread the cache does not know.
	Stale bool
}

// Find returns the summary of threadID.
func (s *Snapshot) Find(threadID int64) (model.Thread, bool) {
	for _, t := range s.Threads {
		if t.ID == threadID {
			return t, true
		}
	}
	return model.Thread{}, false
}

// Cache owns the summary view. Mutations are serialized and publish a new Snapshot.
type Cache struct {
	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]
}

// New returns an empty cache.
func New() *Cache {
	c := &Cache{}
	c.snap.Store(&Snapshot{})
	return c
}

// Snapshot returns the current view.
func (c *Cache) Snapshot() *Snapshot {
	return c.snap.Load()
}

// Get returns the cached summary of threadID.
func (c *Cache) Get(threadID int64) (model.Thread, bool) {
	return c.snap.Load().Find(threadID)
}

// Replace installs a fresh REST list. It is the source of truth and clears the
// stale flag.
func (c *Cache) Replace(threads []model.Thread, page model.Pagination) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.snap.Load()
	next := make([]model.Thread, len(threads))
	copy(next, threads)
	c.publish(&Snapshot{
		Threads:     next,
		Pagination:  page,
		UnreadTotal: cur.UnreadTotal,
	})
}

// Upsert stores a single thread, e.g. after a create-thread call or a refetch.
// A refetched thread never moves the summary backwards.
func (c *Cache) Upsert(t model.Thread) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.snap.Load()
	next := cur.clone()
	for i, existing := range next.Threads {
		if existing.ID != t.ID {
			continue
		}
		if existing.LastMessage != nil && (t.LastMessage == nil || t.LastMessage.ID < existing.LastMessage.ID) {
			t.LastMessage = existing.LastMessage
		}
		if existing.UpdatedAt.After(t.UpdatedAt) {
			t.UpdatedAt = existing.UpdatedAt
		}
		if existing.Revision > t.Revision {
			t.Revision = existing.Revision
		}
		next.Threads[i] = t
		c.publish(next)
		return
	}
	next.Threads = append(next.Threads, t)
	c.publish(next)
}

// ApplyMessage folds a message:new event into the summary. The unread count
// grows only for messages from others in threads that are not open, and only
// once per message. It reports false when the thread is unknown.
func (c *Cache) ApplyMessage(m model.Message, viewer int64, open bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.snap.Load()
	next := cur.clone()
	i := next.index(m.ThreadID)
	if i < 0 {
		c.markStale(next)
		return false
	}
	t := next.Threads[i]
	if t.LastMessage != nil && t.LastMessage.ID >= m.ID {
		return true
	}
	msg := m
	t.LastMessage = &msg
	if m.CreatedAt.After(t.UpdatedAt) {
		t.UpdatedAt = m.CreatedAt
	}
	if m.SenderID != viewer && !open {
		t.UnreadCount++
	}
	next.Threads[i] = t
	c.publish(next)
	return true
}

// Apply patches only the fields the event carries. It reports false when the
// thread is unknown.
func (c *Cache) Apply(p Patch) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.snap.Load().clone()
	i := next.index(p.ThreadID)
	if i < 0 {
		c.markStale(next)
		return false
	}
	t := next.Threads[i]
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.LastMessage != nil && (t.LastMessage == nil || p.LastMessage.ID >= t.LastMessage.ID) {
		msg := *p.LastMessage
		t.LastMessage = &msg
	}
	if p.UpdatedAt != nil && p.UpdatedAt.After(t.UpdatedAt) {
		t.UpdatedAt = *p.UpdatedAt
	}
	if p.UnreadCount != nil {
		t.UnreadCount = *p.UnreadCount
	}
	if p.Revision > t.Revision {
		t.Revision = p.Revision
	}
	next.Threads[i] = t
	c.publish(next)
	return true
}

// ApplyRead handles a read watermark advance. When the acknowledging user is
// the viewer the thread's unread count drops to zero.
func (c *Cache) ApplyRead(threadID, userID, viewer int64) bool {
	if userID != viewer {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.snap.Load().clone()
	i := next.index(threadID)
	if i < 0 || next.Threads[i].UnreadCount == 0 {
		return false
	}
	next.Threads[i].UnreadCount = 0
	c.publish(next)
	return true
}

// SetRevision records the latest revision seen for a thread.
func (c *Cache) SetRevision(threadID, revision int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.snap.Load().clone()
	i := next.index(threadID)
	if i < 0 || next.Threads[i].Revision >= revision {
		return
	}
	next.Threads[i].Revision = revision
	c.publish(next)
}

// SetUnreadTotal updates the total unread badge.
func (c *Cache) SetUnreadTotal(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.snap.Load().clone()
	if next.UnreadTotal == n {
		return
	}
	next.UnreadTotal = n
	c.publish(next)
}

// MarkStale flags the list for a refetch.
func (c *Cache) MarkStale() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markStale(c.snap.Load().clone())
}

func (c *Cache) markStale(next *Snapshot) {
	if next.Stale {
		return
	}
	next.Stale = true
	c.publish(next)
}

// publish must be called with mu held.
func (c *Cache) publish(s *Snapshot) {
	sort.SliceStable(s.Threads, func(i, j int) bool {
		a, b := s.Threads[i], s.Threads[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID > b.ID
	})
	c.snap.Store(s)
}

func (s *Snapshot) clone() *Snapshot {
	out := *s
	out.Threads = make([]model.Thread, len(s.Threads))
	copy(out.Threads, s.Threads)
	return &out
}

func (s *Snapshot) index(threadID int64) int {
	for i, t := range s.Threads {
		if t.ID == threadID {
			return i
		}
	}
	return -1
}
