// Package typing tracks who is typing in a thread and debounces the local
// typing signal into start/stop transitions.
package typing

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// DefaultIdle is the silence after which the local user stops typing.
	DefaultIdle = 1500 * time.Millisecond
	// DefaultExpiry clears a remote typer that never sent a stop.
	DefaultExpiry = 6 * time.Second
)

// Set is the expiring per-thread set of remote typers.
type Set struct {
	clock    clock.Clock
	expiry   time.Duration
	onChange func(threadID int64)

	mu      sync.Mutex
	threads map[int64]map[int64]*clock.Timer
}

// NewSet builds a Set. onChange runs after every membership change, including
// expiries, and must not call back into the Set synchronously.
func NewSet(clk clock.Clock, expiry time.Duration, onChange func(threadID int64)) *Set {
	if clk == nil {
		clk = clock.New()
	}
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	if onChange == nil {
		onChange = func(int64) {}
	}
	return &Set{
		clock:    clk,
		expiry:   expiry,
		onChange: onChange,
		threads:  make(map[int64]map[int64]*clock.Timer),
	}
}

// Start marks userID as typing and re-arms its expiry.
func (s *Set) Start(threadID, userID int64) {
	s.mu.Lock()
	users, ok := s.threads[threadID]
	if !ok {
		users = make(map[int64]*clock.Timer)
		s.threads[threadID] = users
	}
	prev, existed := users[userID]
	if existed {
		prev.Stop()
	}
	var timer *clock.Timer
	timer = s.clock.AfterFunc(s.expiry, func() {
		s.mu.Lock()
		removed := s.remove(threadID, userID, timer)
		s.mu.Unlock()
		if removed {
			s.onChange(threadID)
		}
	})
	users[userID] = timer
	s.mu.Unlock()

	if !existed {
		s.onChange(threadID)
	}
}

// Stop removes userID from the thread's typers.
func (s *Set) Stop(threadID, userID int64) {
	s.mu.Lock()
	removed := s.remove(threadID, userID, nil)
	s.mu.Unlock()

	if removed {
		s.onChange(threadID)
	}
}

// Clear drops every typer of a thread.
func (s *Set) Clear(threadID int64) {
	s.mu.Lock()
	users := s.threads[threadID]
	for _, timer := range users {
		timer.Stop()
	}
	delete(s.threads, threadID)
	s.mu.Unlock()

	if len(users) > 0 {
		s.onChange(threadID)
	}
}

// Typers returns the user ids currently typing, sorted.
func (s *Set) Typers(threadID int64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := s.threads[threadID]
	out := make([]int64, 0, len(users))
	for id := range users {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// remove must be called with mu held. A non-nil timer only removes the entry it armed.
func (s *Set) remove(threadID, userID int64, timer *clock.Timer) bool {
	users, ok := s.threads[threadID]
	if !ok {
		return false
	}
	cur, ok := users[userID]
	if !ok || (timer != nil && cur != timer) {
		return false
	}
	cur.Stop()
	delete(users, userID)
	if len(users) == 0 {
		delete(s.threads, threadID)
	}
	return true
}

// Transmitter sends local typing transitions. It is called with the debouncer's
// lock held and must not block or call back into the Debouncer.
type Transmitter func(threadID int64, typing bool)

type localState struct {
	typing bool
	timer  *clock.Timer
}

// Debouncer turns composer input into start/stop transitions.
type Debouncer struct {
	clock    clock.Clock
	idle     time.Duration
	transmit Transmitter

	mu      sync.Mutex
	threads map[int64]*localState
}

// NewDebouncer builds a Debouncer that stops typing after idle without input.
func NewDebouncer(clk clock.Clock, idle time.Duration, transmit Transmitter) *Debouncer {
	if clk == nil {
		clk = clock.New()
	}
	if idle <= 0 {
		idle = DefaultIdle
	}
	return &Debouncer{
		clock:    clk,
		idle:     idle,
		transmit: transmit,
		threads:  make(map[int64]*localState),
	}
}

// Input is called on every composer change with the full current text.
func (d *Debouncer) Input(threadID int64, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if strings.TrimSpace(text) == "" {
		d.stopLocked(threadID)
		return
	}

	st, ok := d.threads[threadID]
	if !ok {
		st = &localState{}
		d.threads[threadID] = st
	}
	if !st.typing {
		st.typing = true
		d.transmit(threadID, true)
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	var timer *clock.Timer
	timer = d.clock.AfterFunc(d.idle, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if cur, ok := d.threads[threadID]; ok && cur.timer == timer {
			d.stopLocked(threadID)
		}
	})
	st.timer = timer
}

// Sent stops typing after a successful send.
func (d *Debouncer) Sent(threadID int64) {
	d.Stop(threadID)
}

// Stop ends typing for a thread, transmitting a stop if a start was sent.
func (d *Debouncer) Stop(threadID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked(threadID)
}

// Typing reports the local typing state of a thread.
func (d *Debouncer) Typing(threadID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.threads[threadID]
	return ok && st.typing
}

func (d *Debouncer) stopLocked(threadID int64) {
	st, ok := d.threads[threadID]
	if !ok {
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	delete(d.threads, threadID)
	if st.typing {
		d.transmit(threadID, false)
	}
}
