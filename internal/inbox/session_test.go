package inbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirechat-inbox/internal/auth"
	"github.com/vovakirdan/wirechat-inbox/internal/config"
	"github.com/vovakirdan/wirechat-inbox/internal/core"
	"github.com/vovakirdan/wirechat-inbox/internal/inbox/api"
	"github.com/vovakirdan/wirechat-inbox/internal/inbox/model"
	"github.com/vovakirdan/wirechat-inbox/internal/inbox/outbox"
	"github.com/vovakirdan/wirechat-inbox/internal/inbox/paginator"
	"github.com/vovakirdan/wirechat-inbox/internal/inbox/push"
	"github.com/vovakirdan/wirechat-inbox/internal/proto"
	"github.com/vovakirdan/wirechat-inbox/internal/service/messaging"
	"github.com/vovakirdan/wirechat-inbox/internal/store"
	"github.com/vovakirdan/wirechat-inbox/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/wirechat-inbox/internal/transport/http"
)

const waitFor = 3 * time.Second

// backend is a real messaging server on an in-memory database.
type backend struct {
	server *httptest.Server
	gate   *socketGate
	store  *sqlite.SQLiteStore
	auth   *auth.Service
	svc    *messaging.Service
}

// socketGate sits in front of the backend. Cutting it closes the live
// websockets and refuses new ones until it is opened again.
type socketGate struct {
	next   http.Handler
	closed atomic.Bool

	mu    sync.Mutex
	conns []net.Conn
}

func (g *socketGate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/ws" {
		g.next.ServeHTTP(w, r)
		return
	}
	if g.closed.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	g.next.ServeHTTP(&trackedWriter{ResponseWriter: w, gate: g}, r)
}

func (g *socketGate) cut() {
	g.closed.Store(true)
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.conns {
		_ = c.Close()
	}
	g.conns = nil
}

func (g *socketGate) open() {
	g.closed.Store(false)
}

// trackedWriter records hijacked connections so the gate can close them.
type trackedWriter struct {
	http.ResponseWriter
	gate *socketGate
}

func (w *trackedWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		return nil, nil, err
	}
	w.gate.mu.Lock()
	w.gate.conns = append(w.gate.conns, conn)
	w.gate.mu.Unlock()
	return conn, rw, nil
}

type account struct {
	id    int64
	name  string
	token string
}

func newBackend(t *testing.T) *backend {
	t.Helper()

	st, err := sqlite.NewWithSetup(":memory:", sqlite.Migrate)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	logger := zerolog.Nop()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := core.NewHub(&logger)
	go hub.Run(ctx)

	authService := auth.NewService(st, &auth.JWTConfig{
		Secret:   []byte("session-test"),
		Issuer:   "test",
		Audience: "test",
		TTL:      time.Hour,
	})
	svc := messaging.New(st, hub, messaging.Config{
		ThreadPageSize:   cfg.ThreadPageSize,
		MessagePageLimit: cfg.MessagePageLimit,
		TypingTTL:        cfg.TypingTTL,
	}, &logger)

	router := transporthttp.NewRouter(transporthttp.Deps{Hub: hub, Messaging: svc, Auth: authService, Users: st}, &cfg, &logger)
	gate := &socketGate{next: router}
	srv := httptest.NewServer(gate)
	t.Cleanup(srv.Close)

	return &backend{server: srv, gate: gate, store: st, auth: authService, svc: svc}
}

func (b *backend) signup(t *testing.T, username, displayName string) account {
	t.Helper()

	token, err := b.auth.Register(context.Background(), username, "password123", displayName)
	require.NoError(t, err)
	claims, err := b.auth.ValidateToken(token)
	require.NoError(t, err)
	return account{id: claims.UserID, name: claims.Name, token: token}
}

func (b *backend) thread(t *testing.T, from account, to ...account) int64 {
	t.Helper()

	ids := make([]int64, 0, len(to))
	for _, a := range to {
		ids = append(ids, a.id)
	}
	created, err := b.svc.CreateThread(context.Background(), from.id, proto.CreateThreadRequest{
		ParticipantIDs: ids,
		Text:           "Welcome to the programme",
	})
	require.NoError(t, err)
	return created.Thread.ID
}

func (b *backend) send(t *testing.T, from account, threadID int64, text string) proto.Message {
	t.Helper()

	msg, err := b.svc.SendMessage(context.Background(), from.id, threadID, proto.SendMessageRequest{Text: text})
	require.NoError(t, err)
	return msg
}

// flakyTransport fails every REST call while down is set.
type flakyTransport struct {
	down atomic.Bool
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if f.down.Load() {
		return nil, errors.New("network unreachable")
	}
	return http.DefaultTransport.RoundTrip(req)
}

// lossyTransport delivers the next message POST to the server and then
// reports a network error, as if the response was lost.
type lossyTransport struct {
	lose atomic.Bool
}

func (l *lossyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := http.DefaultTransport.RoundTrip(req)
	if err == nil && req.Method == http.MethodPost && strings.HasSuffix(req.URL.Path, "/messages") && l.lose.CompareAndSwap(true, false) {
		_ = resp.Body.Close()
		return nil, errors.New("connection reset by peer")
	}
	return resp, err
}

type sessionOptions struct {
	mutate    func(*config.ClientConfig)
	transport http.RoundTripper
}

func startSession(t *testing.T, b *backend, who account, opts sessionOptions) *Session {
	t.Helper()

	cfg := config.DefaultClient()
	cfg.BaseURL = b.server.URL
	cfg.MinBackoff = 20 * time.Millisecond
	cfg.MaxBackoff = 200 * time.Millisecond
	if opts.mutate != nil {
		opts.mutate(&cfg)
	}

	var clientOpts []api.Option
	if opts.transport != nil {
		clientOpts = append(clientOpts, api.WithHTTPClient(&http.Client{Transport: opts.transport, Timeout: 5 * time.Second}))
	}
	tokens := api.StaticToken(who.token)
	client := api.New(cfg.BaseURL, tokens, clientOpts...)
	s := New(cfg, client, tokens, Identity{UserID: who.id, Name: who.name})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(waitFor):
			t.Error("session did not stop")
		}
	})
	return s
}

func waitConnected(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, s.Connected, waitFor, 10*time.Millisecond, "push channel never connected")
}

func messagesWithText(s *Session, threadID int64, text string) []model.Message {
	snap := s.Timeline(threadID)
	if snap == nil {
		return nil
	}
	var out []model.Message
	for _, m := range snap.Messages {
		if m.Text == text {
			out = append(out, m)
		}
	}
	return out
}

func timelineLen(s *Session, threadID int64) int {
	snap := s.Timeline(threadID)
	if snap == nil {
		return 0
	}
	return len(snap.Messages)
}

func TestSessionSendCollapsesIntoOneConfirmedMessage(t *testing.T) {
	b := newBackend(t)
	admin := b.signup(t, "admin", "Program Admin")
	edu := b.signup(t, "educator", "Dana Educator")
	threadID := b.thread(t, admin, edu)

	s := startSession(t, b, admin, sessionOptions{})
	waitConnected(t, s)
	ctx := context.Background()
	require.NoError(t, s.OpenThread(ctx, threadID))
	require.Eventually(t, func() bool { return timelineLen(s, threadID) == 1 }, waitFor, 10*time.Millisecond)

	pending, err := s.Send(ctx, threadID, "Schedule is posted", nil)
	require.NoError(t, err)
	assert.True(t, pending.Pending())
	assert.Equal(t, model.StatusSending, pending.Status)
	assert.NotEmpty(t, pending.TempID)

	require.Eventually(t, func() bool {
		got := messagesWithText(s, threadID, "Schedule is posted")
		return len(got) == 1 && !got[0].Pending() && len(s.Outstanding(threadID)) == 0
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, 2, timelineLen(s, threadID))

	require.Eventually(t, func() bool {
		summary, ok := s.Threads().Find(threadID)
		return ok && summary.LastMessage != nil && summary.LastMessage.Text == "Schedule is posted"
	}, waitFor, 10*time.Millisecond)

	_, err = s.Send(ctx, threadID, "   ", nil)
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestSessionReceivesPushAndMarksRead(t *testing.T) {
	b := newBackend(t)
	admin := b.signup(t, "admin", "Program Admin")
	edu := b.signup(t, "educator", "Dana Educator")
	threadID := b.thread(t, admin, edu)

	adminSession := startSession(t, b, admin, sessionOptions{})
	eduSession := startSession(t, b, edu, sessionOptions{})
	waitConnected(t, adminSession)
	waitConnected(t, eduSession)

	ctx := context.Background()
	require.NoError(t, adminSession.OpenThread(ctx, threadID))
	require.NoError(t, eduSession.OpenThread(ctx, threadID))
	require.Eventually(t, func() bool { return timelineLen(adminSession, threadID) == 1 }, waitFor, 10*time.Millisecond)

	reply := b.send(t, edu, threadID, "Can I bring a guest?")

	require.Eventually(t, func() bool {
		return len(messagesWithText(adminSession, threadID, reply.Text)) == 1
	}, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool { return adminSession.Threads().UnreadTotal == 1 }, waitFor, 10*time.Millisecond)

	require.NoError(t, adminSession.MarkRead(ctx, threadID, reply.ID))
	// Repeated and lower acknowledgements are no-ops.
	require.NoError(t, adminSession.MarkRead(ctx, threadID, reply.ID))
	require.NoError(t, adminSession.MarkRead(ctx, threadID, reply.ID-1))

	thread, err := b.svc.GetThread(ctx, admin.id, threadID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, thread.Revision)
	for _, p := range thread.Participants {
		if p.UserID == admin.id {
			assert.Equal(t, reply.ID, p.LastReadMessageID)
		}
	}

	require.Eventually(t, func() bool { return adminSession.Threads().UnreadTotal == 0 }, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		got := messagesWithText(eduSession, threadID, reply.Text)
		return len(got) == 1 && got[0].Status == model.StatusRead
	}, waitFor, 10*time.Millisecond)
}

func TestSessionFailedSendRetriesWithSameToken(t *testing.T) {
	b := newBackend(t)
	admin := b.signup(t, "admin", "Program Admin")
	edu := b.signup(t, "educator", "Dana Educator")
	threadID := b.thread(t, admin, edu)

	flaky := &flakyTransport{}
	s := startSession(t, b, admin, sessionOptions{transport: flaky})
	waitConnected(t, s)
	ctx := context.Background()
	require.NoError(t, s.OpenThread(ctx, threadID))
	require.Eventually(t, func() bool { return timelineLen(s, threadID) == 1 }, waitFor, 10*time.Millisecond)

	flaky.down.Store(true)
	pending, err := s.Send(ctx, threadID, "Reminder: forms due Friday", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got := messagesWithText(s, threadID, pending.Text)
		return len(got) == 1 && got[0].Status == model.StatusFailed
	}, waitFor, 10*time.Millisecond)
	outstanding := s.Outstanding(threadID)
	require.Len(t, outstanding, 1)
	assert.True(t, outstanding[0].Retryable)

	flaky.down.Store(false)
	require.NoError(t, s.Retry(ctx, pending.TempID))

	require.Eventually(t, func() bool {
		got := messagesWithText(s, threadID, pending.Text)
		return len(got) == 1 && !got[0].Pending() && len(s.Outstanding(threadID)) == 0
	}, waitFor, 10*time.Millisecond)

	stored, _, err := b.svc.ListMessages(ctx, admin.id, threadID, "", 0)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestSessionPollsWhenPushIsUnavailable(t *testing.T) {
	b := newBackend(t)
	admin := b.signup(t, "admin", "Program Admin")
	edu := b.signup(t, "educator", "Dana Educator")
	threadID := b.thread(t, admin, edu)

	s := startSession(t, b, admin, sessionOptions{mutate: func(cfg *config.ClientConfig) {
		cfg.PushURL = "ws" + b.server.URL[len("http"):] + "/no-such-socket"
		cfg.PollInterval = 50 * time.Millisecond
	}})
	ctx := context.Background()
	require.NoError(t, s.OpenThread(ctx, threadID))
	require.Eventually(t, func() bool { return timelineLen(s, threadID) == 1 }, waitFor, 10*time.Millisecond)

	b.send(t, edu, threadID, "Anyone there?")

	require.Eventually(t, func() bool {
		return len(messagesWithText(s, threadID, "Anyone there?")) == 1
	}, waitFor, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		summary, ok := s.Threads().Find(threadID)
		return ok && summary.UnreadCount == 1
	}, waitFor, 20*time.Millisecond)
	assert.False(t, s.Connected())
}

func TestSessionPaginatesLongThread(t *testing.T) {
	b := newBackend(t)
	admin := b.signup(t, "admin", "Program Admin")
	edu := b.signup(t, "educator", "Dana Educator")
	threadID := b.thread(t, admin, edu)
	for i := 1; i < 120; i++ {
		b.send(t, edu, threadID, fmt.Sprintf("update %d", i))
	}

	s := startSession(t, b, admin, sessionOptions{mutate: func(cfg *config.ClientConfig) {
		cfg.PageSize = 50
	}})
	waitConnected(t, s)
	ctx := context.Background()
	require.NoError(t, s.OpenThread(ctx, threadID))
	require.Eventually(t, func() bool {
		return timelineLen(s, threadID) == 50 && !s.Pagination(threadID).InFlight
	}, waitFor, 10*time.Millisecond)

	// Far from the top nothing is fetched.
	started, err := s.ScrollNearTop(ctx, threadID, 40)
	require.NoError(t, err)
	assert.False(t, started)

	started, err = s.ScrollNearTop(ctx, threadID, 2)
	require.NoError(t, err)
	assert.True(t, started)
	require.Eventually(t, func() bool {
		return timelineLen(s, threadID) == 100 && !s.Pagination(threadID).InFlight
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, s.LoadOlder(ctx, threadID))
	require.Eventually(t, func() bool { return s.Pagination(threadID).Exhausted }, waitFor, 10*time.Millisecond)
	assert.Equal(t, 120, timelineLen(s, threadID))

	snap := s.Timeline(threadID)
	assert.Equal(t, "Welcome to the programme", snap.Messages[0].Text)
	assert.Equal(t, "update 119", snap.Messages[len(snap.Messages)-1].Text)

	assert.ErrorIs(t, s.LoadOlder(ctx, threadID), paginator.ErrExhausted)
}

func TestSessionShowsRemoteTyping(t *testing.T) {
	b := newBackend(t)
	admin := b.signup(t, "admin", "Program Admin")
	edu := b.signup(t, "educator", "Dana Educator")
	threadID := b.thread(t, admin, edu)

	adminSession := startSession(t, b, admin, sessionOptions{})
	eduSession := startSession(t, b, edu, sessionOptions{})
	waitConnected(t, adminSession)
	waitConnected(t, eduSession)

	ctx := context.Background()
	require.NoError(t, adminSession.OpenThread(ctx, threadID))
	require.NoError(t, eduSession.OpenThread(ctx, threadID))
	require.Eventually(t, func() bool {
		return timelineLen(adminSession, threadID) == 1 && timelineLen(eduSession, threadID) == 1
	}, waitFor, 10*time.Millisecond)
	// Room joins are acknowledged asynchronously.
	time.Sleep(100 * time.Millisecond)

	eduSession.Input(threadID, "Hel")
	require.Eventually(t, func() bool {
		typers := adminSession.Typers(threadID)
		return len(typers) == 1 && typers[0] == edu.id
	}, waitFor, 10*time.Millisecond)

	_, err := eduSession.Send(ctx, threadID, "Hello!", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(adminSession.Typers(threadID)) == 0 }, waitFor, 10*time.Millisecond)
}

func TestSessionCreateThreadValidates(t *testing.T) {
	b := newBackend(t)
	admin := b.signup(t, "admin", "Program Admin")
	edu := b.signup(t, "educator", "Dana Educator")

	s := startSession(t, b, admin, sessionOptions{})
	ctx := context.Background()

	_, err := s.CreateThread(ctx, NewThread{ParticipantIDs: []int64{admin.id}, Text: "hi"})
	assert.ErrorIs(t, err, ErrNoRecipients)
	_, err = s.CreateThread(ctx, NewThread{ParticipantIDs: []int64{edu.id}, Text: " "})
	assert.ErrorIs(t, err, ErrEmptyText)

	thread, err := s.CreateThread(ctx, NewThread{ParticipantIDs: []int64{edu.id, edu.id}, Title: "Onboarding", Text: "Hi Dana"})
	require.NoError(t, err)
	assert.False(t, thread.IsGroup)
	assert.Len(t, thread.Participants, 2)

	got := messagesWithText(s, thread.ID, "Hi Dana")
	require.Len(t, got, 1)
	summary, ok := s.Threads().Find(thread.ID)
	require.True(t, ok)
	assert.Equal(t, "Onboarding", summary.Title)
}

// loadAllHistory pages backward until the beginning of the thread.
func loadAllHistory(t *testing.T, s *Session, threadID int64) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		err := s.LoadOlder(ctx, threadID)
		if errors.Is(err, paginator.ErrExhausted) {
			return
		}
		if err != nil && !errors.Is(err, paginator.ErrInFlight) {
			require.NoError(t, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("history never exhausted")
}

func confirmedIDs(s *Session, threadID int64) []int64 {
	snap := s.Timeline(threadID)
	if snap == nil {
		return nil
	}
	ids := make([]int64, 0, len(snap.Confirmed))
	for _, m := range snap.Confirmed {
		ids = append(ids, m.ID)
	}
	return ids
}

func storedIDs(t *testing.T, b *backend, viewer account, threadID int64) []int64 {
	t.Helper()
	var (
		ids    []int64
		cursor string
	)
	for {
		page, next, err := b.svc.ListMessages(context.Background(), viewer.id, threadID, cursor, 0)
		require.NoError(t, err)
		older := make([]int64, 0, len(page)+len(ids))
		for _, m := range page {
			older = append(older, m.ID)
		}
		ids = append(older, ids...)
		if next == "" {
			return ids
		}
		cursor = next
	}
}

func TestSessionCatchUpLeavesNoHoleInHistory(t *testing.T) {
	for _, tc := range []struct {
		name  string
		burst int
	}{
		{name: "walks back to the loaded head", burst: 20},
		{name: "rebases when the gap is too wide", burst: 40},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := newBackend(t)
			admin := b.signup(t, "admin", "Program Admin")
			edu := b.signup(t, "educator", "Dana Educator")
			threadID := b.thread(t, admin, edu)
			for i := 1; i < 10; i++ {
				b.send(t, edu, threadID, fmt.Sprintf("early %d", i))
			}

			s := startSession(t, b, admin, sessionOptions{mutate: func(cfg *config.ClientConfig) {
				cfg.PushURL = "ws" + b.server.URL[len("http"):] + "/no-such-socket"
				cfg.PollInterval = time.Hour
				cfg.PageSize = 5
			}})
			ctx := context.Background()
			require.NoError(t, s.OpenThread(ctx, threadID))
			require.Eventually(t, func() bool {
				return timelineLen(s, threadID) == 5 && !s.Pagination(threadID).InFlight
			}, waitFor, 10*time.Millisecond)

			var last proto.Message
			for i := 0; i < tc.burst; i++ {
				last = b.send(t, edu, threadID, fmt.Sprintf("new %d", i))
			}
			require.NoError(t, s.pollRound(ctx))
			require.Eventually(t, func() bool {
				return len(messagesWithText(s, threadID, last.Text)) == 1
			}, waitFor, 10*time.Millisecond)

			loadAllHistory(t, s, threadID)

			want := storedIDs(t, b, admin, threadID)
			require.Len(t, want, 10+tc.burst)
			require.Eventually(t, func() bool {
				return assert.ObjectsAreEqual(want, confirmedIDs(s, threadID))
			}, waitFor, 10*time.Millisecond)
		})
	}
}

func TestSessionReconnectMatchesRESTState(t *testing.T) {
	b := newBackend(t)
	admin := b.signup(t, "admin", "Program Admin")
	edu := b.signup(t, "educator", "Dana Educator")
	threadID := b.thread(t, admin, edu)

	s := startSession(t, b, admin, sessionOptions{mutate: func(cfg *config.ClientConfig) {
		cfg.PollInterval = time.Hour
		cfg.PageSize = 5
	}})
	waitConnected(t, s)
	ctx := context.Background()
	require.NoError(t, s.OpenThread(ctx, threadID))
	require.Eventually(t, func() bool { return timelineLen(s, threadID) == 1 }, waitFor, 10*time.Millisecond)

	b.gate.cut()
	require.Eventually(t, func() bool { return !s.Connected() }, waitFor, 10*time.Millisecond)

	var last proto.Message
	for i := 0; i < 12; i++ {
		last = b.send(t, edu, threadID, fmt.Sprintf("while away %d", i))
	}
	require.NoError(t, b.svc.MarkRead(ctx, edu.id, threadID, last.ID))

	b.gate.open()
	waitConnected(t, s)

	want := storedIDs(t, b, admin, threadID)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, confirmedIDs(s, threadID))
	}, waitFor, 10*time.Millisecond)

	threads, _, err := b.svc.ListThreads(ctx, admin.id, 1, "")
	require.NoError(t, err)
	require.Len(t, threads, 1)
	require.Eventually(t, func() bool {
		summary, ok := s.Threads().Find(threadID)
		return ok && summary.UnreadCount == threads[0].UnreadCount && summary.Revision == threads[0].Revision
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, 12, threads[0].UnreadCount)

	// The educator's watermark, missed while away, marks the welcome message read.
	require.Eventually(t, func() bool {
		got := messagesWithText(s, threadID, "Welcome to the programme")
		return len(got) == 1 && got[0].Status == model.StatusRead
	}, waitFor, 10*time.Millisecond)
}

func TestSessionRefetchesOnRevisionGap(t *testing.T) {
	b := newBackend(t)
	admin := b.signup(t, "admin", "Program Admin")
	edu := b.signup(t, "educator", "Dana Educator")
	threadID := b.thread(t, admin, edu)

	s := startSession(t, b, admin, sessionOptions{})
	waitConnected(t, s)
	ctx := context.Background()
	require.NoError(t, s.OpenThread(ctx, threadID))
	require.Eventually(t, func() bool {
		summary, ok := s.Threads().Find(threadID)
		return ok && summary.Revision == 1 && timelineLen(s, threadID) == 1
	}, waitFor, 10*time.Millisecond)

	// Stored without any push: the session never hears about them.
	for _, text := range []string{"first unseen", "second unseen", "third unseen"} {
		_, _, _, err := b.store.SaveMessage(ctx, store.NewMessage{
			ThreadID: threadID,
			SenderID: edu.id,
			Kind:     store.MessageKindText,
			Body:     text,
		})
		require.NoError(t, err)
	}
	page, _, err := b.svc.ListMessages(ctx, admin.id, threadID, "", 0)
	require.NoError(t, err)
	newest := page[len(page)-1]
	require.Equal(t, "third unseen", newest.Text)

	data, err := json.Marshal(proto.EventMessageNewData{Message: newest, Revision: 4})
	require.NoError(t, err)
	require.NoError(t, s.do(ctx, func() error {
		s.handle(push.Event{Kind: push.KindEvent, Name: proto.EventMessageNew, Data: data})
		return nil
	}))

	require.Eventually(t, func() bool {
		return len(messagesWithText(s, threadID, "first unseen")) == 1 &&
			len(messagesWithText(s, threadID, "second unseen")) == 1 &&
			len(messagesWithText(s, threadID, "third unseen")) == 1
	}, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		summary, ok := s.Threads().Find(threadID)
		return ok && summary.Revision == 4
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, 4, timelineLen(s, threadID))
}

func TestSessionSettlesFailedSendConfirmedLater(t *testing.T) {
	b := newBackend(t)
	admin := b.signup(t, "admin", "Program Admin")
	edu := b.signup(t, "educator", "Dana Educator")
	threadID := b.thread(t, admin, edu)

	lossy := &lossyTransport{}
	s := startSession(t, b, admin, sessionOptions{
		transport: lossy,
		mutate:    func(cfg *config.ClientConfig) { cfg.PollInterval = time.Hour },
	})
	waitConnected(t, s)
	ctx := context.Background()
	require.NoError(t, s.OpenThread(ctx, threadID))
	require.Eventually(t, func() bool { return timelineLen(s, threadID) == 1 }, waitFor, 10*time.Millisecond)

	b.gate.cut()
	require.Eventually(t, func() bool { return !s.Connected() }, waitFor, 10*time.Millisecond)

	lossy.lose.Store(true)
	pending, err := s.Send(ctx, threadID, "Pickup moved to 4pm", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		out := s.Outstanding(threadID)
		return len(out) == 1 && out[0].Message.Status == model.StatusFailed
	}, waitFor, 10*time.Millisecond)

	// The server did store it; the catch-up after reconnecting brings it back.
	b.gate.open()
	waitConnected(t, s)

	require.Eventually(t, func() bool {
		got := messagesWithText(s, threadID, pending.Text)
		return len(got) == 1 && !got[0].Pending() && len(s.Outstanding(threadID)) == 0
	}, waitFor, 10*time.Millisecond)
	assert.ErrorIs(t, s.Retry(ctx, pending.TempID), outbox.ErrNotFound)
}

func TestSessionStopsPollingOnceConnected(t *testing.T) {
	b := newBackend(t)
	admin := b.signup(t, "admin", "Program Admin")

	s := startSession(t, b, admin, sessionOptions{mutate: func(cfg *config.ClientConfig) {
		cfg.PollInterval = 20 * time.Millisecond
	}})
	waitConnected(t, s)
	require.Eventually(t, func() bool { return !s.poller.Running() }, waitFor, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.False(t, s.poller.Running())
}

func TestSessionClampsReadToNewestMessage(t *testing.T) {
	b := newBackend(t)
	admin := b.signup(t, "admin", "Program Admin")
	edu := b.signup(t, "educator", "Dana Educator")
	threadID := b.thread(t, admin, edu)
	first := b.send(t, edu, threadID, "Field trip on Monday")

	s := startSession(t, b, admin, sessionOptions{})
	waitConnected(t, s)
	ctx := context.Background()
	require.NoError(t, s.OpenThread(ctx, threadID))
	require.Eventually(t, func() bool { return timelineLen(s, threadID) == 2 }, waitFor, 10*time.Millisecond)

	require.NoError(t, s.MarkRead(ctx, threadID, first.ID+1000))
	assert.Equal(t, first.ID, s.receipts.Watermark(threadID, admin.id))

	second := b.send(t, edu, threadID, "Bring a packed lunch")
	require.Eventually(t, func() bool {
		return len(messagesWithText(s, threadID, second.Text)) == 1
	}, waitFor, 10*time.Millisecond)
	require.NoError(t, s.MarkRead(ctx, threadID, second.ID))
	assert.Equal(t, second.ID, s.receipts.Watermark(threadID, admin.id))

	thread, err := b.svc.GetThread(ctx, admin.id, threadID)
	require.NoError(t, err)
	for _, p := range thread.Participants {
		if p.UserID == admin.id {
			assert.Equal(t, second.ID, p.LastReadMessageID)
		}
	}
}
