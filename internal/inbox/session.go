// Package inbox keeps a signed-in user's threads and open timelines in sync
// with the messaging backend over REST, the push channel and polling.
//
// A Session owns one event loop goroutine. Every cache mutation runs on it in
// arrival order; network calls run on their own goroutines and post their
// completions back. Readers get immutable snapshots and may call the accessors
// from any goroutine.
package inbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/wirechat-inbox/internal/config"
	"github.com/vovakirdan/wirechat-inbox/internal/inbox/api"
	"github.com/vovakirdan/wirechat-inbox/internal/inbox/model"
	"github.com/vovakirdan/wirechat-inbox/internal/inbox/outbox"
	"github.com/vovakirdan/wirechat-inbox/internal/inbox/paginator"
	"github.com/vovakirdan/wirechat-inbox/internal/inbox/poll"
	"github.com/vovakirdan/wirechat-inbox/internal/inbox/push"
	"github.com/vovakirdan/wirechat-inbox/internal/inbox/receipts"
	"github.com/vovakirdan/wirechat-inbox/internal/inbox/threadlist"
	"github.com/vovakirdan/wirechat-inbox/internal/inbox/timeline"
	"github.com/vovakirdan/wirechat-inbox/internal/inbox/typing"
	"github.com/vovakirdan/wirechat-inbox/internal/metrics"
)

var (
	// ErrClosed is returned once the session's event loop has stopped.
	ErrClosed = errors.New("inbox: session closed")
	// ErrNoRecipients rejects a new thread without other participants.
	ErrNoRecipients = errors.New("inbox: thread needs at least one recipient")
	// ErrEmptyText rejects a message without text.
	ErrEmptyText = outbox.ErrEmptyText
)

// Identity is the signed-in user.
type Identity struct {
	UserID int64
	Name   string
}

// Option configures a Session.
type Option func(*Session)

// WithClock replaces the clock behind typing timers and polling.
func WithClock(clk clock.Clock) Option {
	return func(s *Session) { s.clock = clk }
}

// WithLocation sets the time zone of date separators.
func WithLocation(loc *time.Location) Option {
	return func(s *Session) { s.loc = loc }
}

// WithLogger sets the session logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(s *Session) { s.log = logger }
}

type typingSignal struct {
	threadID int64
	on       bool
}

// Session is the session-scoped owner of the sync engine.
type Session struct {
	cfg   config.ClientConfig
	self  Identity
	api   *api.Client
	log   *zerolog.Logger
	clock clock.Clock
	loc   *time.Location
	ctx   context.Context

	channel   *push.Channel
	paginator *paginator.Paginator
	outbox    *outbox.Manager
	threads   *threadlist.Cache
	receipts  *receipts.Tracker
	typers    *typing.Set
	debouncer *typing.Debouncer
	poller    *poll.Poller

	loop       chan func()
	done       chan struct{}
	typingQ    chan typingSignal
	updates    chan struct{}
	notices    chan Notice
	refreshing atomic.Bool

	mu        sync.RWMutex
	timelines map[int64]*timeline.Store
	open      map[int64]int
	// heads holds, per thread, the newest message id known to be contiguous
	// with the loaded history. gaps freezes a head until a catch-up lands.
	heads map[int64]int64
	gaps  map[int64]bool

	// revisions is only touched on the event loop.
	revisions map[int64]int64
}

// New builds a session for self. Run starts it.
func New(cfg config.ClientConfig, client *api.Client, tokens api.TokenSource, self Identity, opts ...Option) *Session {
	s := &Session{
		cfg:       cfg,
		self:      self,
		api:       client,
		clock:     clock.New(),
		loc:       time.Local,
		ctx:       context.Background(),
		loop:      make(chan func(), 64),
		done:      make(chan struct{}),
		typingQ:   make(chan typingSignal, 64),
		updates:   make(chan struct{}, 1),
		notices:   make(chan Notice, 32),
		timelines: make(map[int64]*timeline.Store),
		open:      make(map[int64]int),
		heads:     make(map[int64]int64),
		gaps:      make(map[int64]bool),
		revisions: make(map[int64]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		nop := zerolog.Nop()
		s.log = &nop
	}

	s.channel = push.New(push.Config{
		URL:        pushURL(cfg),
		Tokens:     tokens,
		QueueSize:  cfg.EventQueue,
		MinBackoff: cfg.MinBackoff,
		MaxBackoff: cfg.MaxBackoff,
		Clock:      s.clock,
		Logger:     s.log,
	})
	s.threads = threadlist.New()
	s.receipts = receipts.New(self.UserID, client, s.channel, receipts.WithCeiling(s.newestKnown))
	s.typers = typing.NewSet(s.clock, cfg.TypingExpiry, func(int64) { s.notify() })
	s.debouncer = typing.NewDebouncer(s.clock, cfg.TypingIdle, s.queueTyping)
	s.paginator = paginator.New(client, s.post, cfg.PageSize, cfg.ScrollThreshold)
	s.outbox = outbox.New(client, sendListener{s}, s.post, outbox.Author{ID: self.UserID, Name: self.Name}, outbox.WithClock(s.clock))
	s.poller = poll.New(s.clock, cfg.PollInterval, cfg.PollFailureThreshold, s.pollRound, s.onOffline)
	return s
}

func pushURL(cfg config.ClientConfig) string {
	if cfg.PushURL != "" {
		return cfg.PushURL
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

// Run drives the session until ctx ends. A rejected push token does not stop
// the session; it keeps serving cached state and polling.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.ctx = ctx

	// Polling runs until the channel reports its first connection.
	s.poller.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.channel.Run(gctx)
		if errors.Is(err, push.ErrUnauthorized) || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return s.run(gctx)
	})
	g.Go(func() error {
		s.transmit(gctx)
		return nil
	})

	go s.catchUp()

	err := g.Wait()
	s.poller.Stop()
	return err
}

func (s *Session) run(ctx context.Context) error {
	defer close(s.done)

	events := s.channel.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-s.loop:
			fn()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.handle(ev)
			s.notify()
		}
	}
}

// post schedules fn on the event loop. It must not be called from the loop itself.
func (s *Session) post(fn func()) {
	select {
	case s.loop <- fn:
	case <-s.done:
	}
}

// do runs fn on the event loop and waits for it.
func (s *Session) do(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case s.loop <- func() { errCh <- fn() }:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errCh:
		return err
	case <-s.done:
		select {
		case err := <-errCh:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// Updates signals that some snapshot changed. Signals are coalesced.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// Self returns the signed-in user.
func (s *Session) Self() Identity {
	return s.self
}

// Connected reports whether the push channel is up.
func (s *Session) Connected() bool {
	return s.channel.Connected()
}

// Threads returns the thread list snapshot.
func (s *Session) Threads() *threadlist.Snapshot {
	return s.threads.Snapshot()
}

// Timeline returns the snapshot of a loaded thread, or nil.
func (s *Session) Timeline(threadID int64) *timeline.Snapshot {
	s.mu.RLock()
	st := s.timelines[threadID]
	s.mu.RUnlock()
	if st == nil {
		return nil
	}
	return st.Snapshot()
}

// Typers lists the other users typing in a thread.
func (s *Session) Typers(threadID int64) []int64 {
	return s.typers.Typers(threadID)
}

// Pagination returns the history state of a thread.
func (s *Session) Pagination(threadID int64) paginator.State {
	return s.paginator.State(threadID)
}

// Outstanding lists the sends of a thread that are not confirmed yet.
func (s *Session) Outstanding(threadID int64) []outbox.Entry {
	return s.outbox.Outstanding(threadID)
}

// IsOpen reports whether the thread is open.
func (s *Session) IsOpen(threadID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open[threadID] > 0
}

func (s *Session) openThreads() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.open))
	for id := range s.open {
		ids = append(ids, id)
	}
	return ids
}

// timeline returns the thread's store, creating it on first use. Loop only.
func (s *Session) timeline(threadID int64) *timeline.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.timelines[threadID]
	if !ok {
		st = timeline.NewStore(threadID,
			timeline.WithLocation(s.loc),
			timeline.WithFallbackWindow(s.cfg.FallbackWindow),
			timeline.WithDecorator(s.receipts.Decorate),
			timeline.WithAudit(s.auditHeuristic),
		)
		s.timelines[threadID] = st
	}
	return st
}

func (s *Session) loadedTimeline(threadID int64) *timeline.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timelines[threadID]
}

// newestKnown is the newest message id the session has seen in a thread.
func (s *Session) newestKnown(threadID int64) int64 {
	var newest int64
	if st := s.loadedTimeline(threadID); st != nil {
		if m, ok := st.Newest(); ok {
			newest = m.ID
		}
	}
	if t, ok := s.threads.Get(threadID); ok && t.LastMessage != nil && t.LastMessage.ID > newest {
		newest = t.LastMessage.ID
	}
	return newest
}

func (s *Session) auditHeuristic(threadID int64, tempID string, messageID int64) {
	metrics.HeuristicMatches.Inc()
	s.log.Warn().
		Int64("thread_id", threadID).
		Str("temp_id", tempID).
		Int64("message_id", messageID).
		Msg("pending message reconciled without correlation token")
}

// sendListener feeds outbox lifecycle changes into the timeline and thread list.
type sendListener struct {
	s *Session
}

func (l sendListener) OnPending(e outbox.Entry) {
	l.s.timeline(e.Message.ThreadID).AddPending(e.Message)
	l.s.notify()
}

func (l sendListener) OnConfirmed(e outbox.Entry, confirmed model.Message) {
	s := l.s
	metrics.Sends.WithLabelValues("sent").Inc()
	s.timeline(confirmed.ThreadID).Confirm(e.Message.TempID, confirmed)
	if !s.threads.ApplyMessage(confirmed, s.self.UserID, true) {
		go s.refreshThreadsQuietly()
	}
	s.debouncer.Sent(confirmed.ThreadID)
	s.notify()
}

func (l sendListener) OnFailed(e outbox.Entry) {
	s := l.s
	metrics.Sends.WithLabelValues("failed").Inc()
	s.log.Warn().Err(e.Err).
		Int64("thread_id", e.Message.ThreadID).
		Str("temp_id", e.Message.TempID).
		Bool("retryable", e.Retryable).
		Msg("send failed")

	updated := s.timeline(e.Message.ThreadID).UpdatePending(e.Message.TempID, func(m *model.Message) {
		m.Status = model.StatusFailed
	})
	if !updated {
		// A push event already confirmed it.
		_ = s.outbox.Discard(e.Message.TempID)
		return
	}
	if !e.Retryable {
		s.notice(Notice{Kind: NoticeSendRejected, ThreadID: e.Message.ThreadID, TempID: e.Message.TempID, Err: e.Err})
	}
	s.notify()
}
