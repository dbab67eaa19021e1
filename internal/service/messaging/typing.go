package messaging

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// typingSet tracks who is typing per thread. Entries lapse after ttl unless renewed.
type typingSet struct {
	mu      sync.Mutex
	clock   clock.Clock
	ttl     time.Duration
	threads map[int64]map[int64]time.Time
}

func newTypingSet(clk clock.Clock, ttl time.Duration) *typingSet {
	return &typingSet{
		clock:   clk,
		ttl:     ttl,
		threads: make(map[int64]map[int64]time.Time),
	}
}

// set records a start or stop. It reports whether the user was typing before.
func (t *typingSet) set(threadID, userID int64, on bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	users := t.threads[threadID]
	until, ok := users[userID]
	was := ok && now.Before(until)

	if on {
		if users == nil {
			users = make(map[int64]time.Time)
			t.threads[threadID] = users
		}
		users[userID] = now.Add(t.ttl)
		return was
	}

	if ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(t.threads, threadID)
		}
	}
	return was
}

// active lists the users typing in a thread, pruning lapsed entries.
func (t *typingSet) active(threadID int64) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	users := t.threads[threadID]
	ids := make([]int64, 0, len(users))
	for userID, until := range users {
		if !now.Before(until) {
			delete(users, userID)
			continue
		}
		ids = append(ids, userID)
	}
	if len(users) == 0 {
		delete(t.threads, threadID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
