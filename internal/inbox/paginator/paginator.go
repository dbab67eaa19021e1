// Package paginator drives backward history fetches for open threads.
package paginator

import (
	"context"
	"errors"
	"sync"

	"github.com/vovakirdan/wirechat-inbox/internal/inbox/model"
)

var (
	// ErrInFlight is returned when a fetch for the thread is already running.
	ErrInFlight = errors.New("paginator: fetch already in flight")
	// ErrExhausted is returned once the beginning of the thread was reached.
	ErrExhausted = errors.New("paginator: history exhausted")
)

// Fetcher is the REST call behind the paginator.
type Fetcher interface {
	FetchOlder(ctx context.Context, threadID int64, cursor string, limit int) (model.MessagePage, error)
}

// Result is delivered once a fetch completes.
type Result struct {
	ThreadID  int64
	Page      model.MessagePage
	Exhausted bool
	Err       error
	// Stale is set when Seed replaced the thread's state while the fetch ran.
	// The page no longer continues the loaded history.
	Stale bool
}

// Poster schedules fn on the caller's event loop.
type Poster func(fn func())

// State is the paginator's view of one thread.
type State struct {
	Cursor    string
	Started   bool
	InFlight  bool
	Exhausted bool
	LastErr   error
}

// Paginator enforces at most one in-flight backward fetch per thread. Failed
// fetches leave the cursor untouched and are retried only on the next trigger.
type Paginator struct {
	fetcher   Fetcher
	post      Poster
	limit     int
	threshold int

	mu     sync.Mutex
	states map[int64]*State
}

// New builds a paginator. limit is the page size, threshold the distance from
// the top of the loaded window (in rows) that triggers a fetch.
func New(fetcher Fetcher, post Poster, limit, threshold int) *Paginator {
	if post == nil {
		post = func(fn func()) { fn() }
	}
	return &Paginator{
		fetcher:   fetcher,
		post:      post,
		limit:     limit,
		threshold: threshold,
		states:    make(map[int64]*State),
	}
}

// State returns a copy of the thread's pagination state.
func (p *Paginator) State(threadID int64) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.states[threadID]; ok {
		return *st
	}
	return State{}
}

// Exhausted reports whether the thread's history is fully loaded.
func (p *Paginator) Exhausted(threadID int64) bool {
	return p.State(threadID).Exhausted
}

// Seed restarts the thread's history at cursor, as if the page above it had
// just been fetched. An in-flight fetch completes as Stale and moves nothing.
func (p *Paginator) Seed(threadID int64, cursor string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[threadID] = &State{Started: true, Cursor: cursor, Exhausted: cursor == ""}
}

// OnScroll is the viewport trigger: rowsFromTop is how far the first visible row
// is from the top of the loaded window.
func (p *Paginator) OnScroll(ctx context.Context, threadID int64, rowsFromTop int, done func(Result)) bool {
	if rowsFromTop > p.threshold {
		return false
	}
	return p.Request(ctx, threadID, done) == nil
}

// Request starts a fetch of the page before the current cursor (the newest page
// on first use). done runs on the poster once the fetch completes.
func (p *Paginator) Request(ctx context.Context, threadID int64, done func(Result)) error {
	p.mu.Lock()
	st, ok := p.states[threadID]
	if !ok {
		st = &State{}
		p.states[threadID] = st
	}
	if st.InFlight {
		p.mu.Unlock()
		return ErrInFlight
	}
	if st.Exhausted {
		p.mu.Unlock()
		return ErrExhausted
	}
	st.InFlight = true
	cursor := st.Cursor
	p.mu.Unlock()

	go func() {
		page, err := p.fetcher.FetchOlder(ctx, threadID, cursor, p.limit)
		p.post(func() {
			res := p.complete(threadID, st, page, err)
			if done != nil {
				done(res)
			}
		})
	}()
	return nil
}

func (p *Paginator) complete(threadID int64, st *State, page model.MessagePage, err error) Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.states[threadID] != st {
		return Result{ThreadID: threadID, Page: page, Err: err, Stale: true}
	}
	st.InFlight = false
	if err != nil {
		st.LastErr = err
		return Result{ThreadID: threadID, Err: err}
	}
	st.LastErr = nil
	st.Started = true
	st.Cursor = page.NextCursor
	st.Exhausted = page.NextCursor == ""
	return Result{ThreadID: threadID, Page: page, Exhausted: st.Exhausted}
}
