package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirechat-inbox/internal/proto"
	"github.com/vovakirdan/wirechat-inbox/internal/store/sqlite"
)

type published struct {
	users    []int64
	threadID int64
	name     string
	data     any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) PublishToUsers(userIDs []int64, name string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{users: append([]int64(nil), userIDs...), name: name, data: data})
}

func (p *recordingPublisher) PublishToThread(threadID int64, name string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{threadID: threadID, name: name, data: data})
}

func (p *recordingPublisher) named(name string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, e := range p.events {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

type fixture struct {
	svc   *Service
	pub   *recordingPublisher
	clock *clock.Mock
	admin int64
	edu   int64
	other int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := sqlite.NewWithSetup(":memory:", sqlite.Migrate)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	ids := make([]int64, 0, 3)
	for _, name := range []string{"admin", "educator", "outsider"} {
		u, err := st.CreateUser(ctx, name, "", "hash")
		require.NoError(t, err)
		ids = append(ids, u.ID)
	}

	pub := &recordingPublisher{}
	mock := clock.NewMock()
	svc := New(st, pub, Config{ThreadPageSize: 10, MessagePageLimit: 3, TypingTTL: 6 * time.Second, Clock: mock}, nil)
	return &fixture{svc: svc, pub: pub, clock: mock, admin: ids[0], edu: ids[1], other: ids[2]}
}

func (f *fixture) thread(t *testing.T) proto.CreatedThread {
	t.Helper()
	created, err := f.svc.CreateThread(context.Background(), f.admin, proto.CreateThreadRequest{
		ParticipantIDs: []int64{f.edu},
		Title:          "Weekly plan",
		Text:           "hello",
	})
	require.NoError(t, err)
	return created
}

func TestCreateThreadValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateThread(ctx, f.admin, proto.CreateThreadRequest{ParticipantIDs: []int64{f.admin}, Text: "hi"})
	assert.ErrorIs(t, err, ErrNoRecipients)

	_, err = f.svc.CreateThread(ctx, f.admin, proto.CreateThreadRequest{ParticipantIDs: []int64{f.edu}, Text: "  "})
	assert.ErrorIs(t, err, ErrEmptyText)

	_, err = f.svc.CreateThread(ctx, f.admin, proto.CreateThreadRequest{ParticipantIDs: []int64{999}, Text: "hi"})
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestCreateThreadAnnouncesToParticipants(t *testing.T) {
	f := newFixture(t)
	created := f.thread(t)

	assert.Equal(t, int64(1), created.Thread.Revision)
	assert.Len(t, created.Thread.Participants, 2)
	assert.Equal(t, "hello", created.Message.Text)

	news := f.pub.named(proto.EventMessageNew)
	require.Len(t, news, 1)
	assert.ElementsMatch(t, []int64{f.admin, f.edu}, news[0].users)
	assert.Equal(t, int64(1), news[0].data.(proto.EventMessageNewData).Revision)

	updates := f.pub.named(proto.EventThreadUpdated)
	require.Len(t, updates, 1)
	data := updates[0].data.(proto.EventThreadUpdatedData)
	require.NotNil(t, data.Title)
	assert.Equal(t, "Weekly plan", *data.Title)

	unread := f.pub.named(proto.EventUnreadCount)
	require.Len(t, unread, 1)
	assert.Equal(t, []int64{f.edu}, unread[0].users)
	assert.Equal(t, 1, unread[0].data.(proto.EventUnreadCountData).Count)
}

func TestSendMessageRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.thread(t)
	threadID := created.Thread.ID

	_, err := f.svc.SendMessage(ctx, f.other, threadID, proto.SendMessageRequest{Text: "hi"})
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = f.svc.SendMessage(ctx, f.edu, 404, proto.SendMessageRequest{Text: "hi"})
	assert.ErrorIs(t, err, ErrThreadNotFound)

	f.pub.reset()
	req := proto.SendMessageRequest{Text: "reply", ClientCorrelationToken: "tok"}
	first, err := f.svc.SendMessage(ctx, f.edu, threadID, req)
	require.NoError(t, err)
	assert.Equal(t, "tok", first.ClientCorrelationToken)
	require.Len(t, f.pub.named(proto.EventMessageNew), 1)

	again, err := f.svc.SendMessage(ctx, f.edu, threadID, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Len(t, f.pub.named(proto.EventMessageNew), 1, "a replayed token must not announce twice")

	require.NoError(t, f.svc.ArchiveThread(ctx, f.admin, threadID))
	_, err = f.svc.SendMessage(ctx, f.edu, threadID, proto.SendMessageRequest{Text: "late"})
	assert.ErrorIs(t, err, ErrThreadArchived)
}

func TestListMessagesCursorWalk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	threadID := f.thread(t).Thread.ID
	for i := 0; i < 4; i++ {
		_, err := f.svc.SendMessage(ctx, f.edu, threadID, proto.SendMessageRequest{Text: "m"})
		require.NoError(t, err)
	}

	newest, cursor, err := f.svc.ListMessages(ctx, f.admin, threadID, "", 0)
	require.NoError(t, err)
	require.Len(t, newest, 3)
	require.NotEmpty(t, cursor)

	older, cursor, err := f.svc.ListMessages(ctx, f.admin, threadID, cursor, 0)
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Empty(t, cursor, "history exhausted")
	assert.Less(t, older[1].ID, newest[0].ID)

	_, _, err = f.svc.ListMessages(ctx, f.admin, threadID, "!!", 0)
	assert.ErrorIs(t, err, ErrBadCursor)
}

func TestMarkReadEmitsOnlyOnAdvance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.thread(t)
	threadID := created.Thread.ID
	f.pub.reset()

	require.NoError(t, f.svc.MarkRead(ctx, f.edu, threadID, created.Message.ID))
	require.NoError(t, f.svc.MarkRead(ctx, f.edu, threadID, created.Message.ID))

	reads := f.pub.named(proto.EventReadUpdated)
	require.Len(t, reads, 1)
	data := reads[0].data.(proto.EventReadUpdatedData)
	assert.Equal(t, f.edu, data.UserID)
	assert.Equal(t, created.Message.ID, data.UpToMessageID)
	assert.Equal(t, int64(2), data.Revision)
	assert.ElementsMatch(t, []int64{f.admin, f.edu}, reads[0].users)

	msgs, _, err := f.svc.ListMessages(ctx, f.admin, threadID, "", 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{f.edu}, msgs[0].ReadBy)
}

func TestTypingExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	threadID := f.thread(t).Thread.ID

	ids, err := f.svc.SetTyping(ctx, f.edu, threadID, true)
	require.NoError(t, err)
	assert.Equal(t, []int64{f.edu}, ids)
	require.Len(t, f.pub.named(proto.EventTyping), 1)

	f.clock.Add(7 * time.Second)
	ids, err = f.svc.Typing(ctx, f.admin, threadID)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = f.svc.Typing(ctx, f.other, threadID)
	assert.ErrorIs(t, err, ErrNotParticipant)
}
