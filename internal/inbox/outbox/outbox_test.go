package outbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirechat-inbox/internal/inbox/api"
	"github.com/vovakirdan/wirechat-inbox/internal/inbox/model"
)

type scriptedSender struct {
	mu     sync.Mutex
	errs   []error
	tokens []string
	nextID int64
}

func (s *scriptedSender) SendMessage(ctx context.Context, threadID int64, text string, attachments []model.Attachment, token string) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, token)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return model.Message{}, err
		}
	}
	s.nextID++
	return model.Message{ID: s.nextID, ThreadID: threadID, Text: text, CorrelationToken: token}, nil
}

type event struct {
	kind  string
	entry Entry
	msg   model.Message
}

type recordingListener struct {
	ch chan event
}

func newListener() *recordingListener {
	return &recordingListener{ch: make(chan event, 16)}
}

func (l *recordingListener) OnPending(e Entry) { l.ch <- event{kind: "pending", entry: e} }
func (l *recordingListener) OnConfirmed(e Entry, m model.Message) {
	l.ch <- event{kind: "confirmed", entry: e, msg: m}
}
func (l *recordingListener) OnFailed(e Entry) { l.ch <- event{kind: "failed", entry: e} }

func (l *recordingListener) next(t *testing.T) event {
	t.Helper()
	select {
	case ev := <-l.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no outbox event")
		return event{}
	}
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func TestSendRejectsEmptyText(t *testing.T) {
	sender := &scriptedSender{}
	m := New(sender, newListener(), nil, Author{ID: 1})

	_, err := m.Send(context.Background(), 42, "  \n", nil)
	assert.ErrorIs(t, err, ErrEmptyText)
	assert.Empty(t, sender.tokens, "no network call")
}

func TestSendConfirms(t *testing.T) {
	sender := &scriptedSender{}
	l := newListener()
	mock := clock.NewMock()
	m := New(sender, l, nil, Author{ID: 1, Name: "Ana"}, WithClock(mock), WithIDs(sequentialIDs()))

	pending, err := m.Send(context.Background(), 42, "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "id-1", pending.TempID)
	assert.Equal(t, "id-2", pending.CorrelationToken)
	assert.Equal(t, model.StatusSending, pending.Status)
	assert.Equal(t, mock.Now(), pending.CreatedAt)

	assert.Equal(t, "pending", l.next(t).kind)
	ev := l.next(t)
	assert.Equal(t, "confirmed", ev.kind)
	assert.Equal(t, "id-1", ev.msg.TempID)
	assert.Equal(t, "id-2", ev.msg.CorrelationToken)
	assert.Equal(t, model.StatusSent, ev.msg.Status)

	_, ok := m.Entry("id-1")
	assert.False(t, ok)
}

func TestFailedSendRetriesWithSameToken(t *testing.T) {
	sender := &scriptedSender{errs: []error{errors.New("connection refused")}}
	l := newListener()
	m := New(sender, l, nil, Author{ID: 1}, WithIDs(sequentialIDs()))

	pending, err := m.Send(context.Background(), 42, "hello", nil)
	require.NoError(t, err)
	l.next(t)

	failed := l.next(t)
	require.Equal(t, "failed", failed.kind)
	assert.Equal(t, model.StatusFailed, failed.entry.Message.Status)
	assert.True(t, failed.entry.Retryable)

	require.NoError(t, m.Retry(context.Background(), pending.TempID))
	retried := l.next(t)
	assert.Equal(t, "pending", retried.kind)
	assert.Equal(t, model.StatusSending, retried.entry.Message.Status)

	confirmed := l.next(t)
	assert.Equal(t, "confirmed", confirmed.kind)
	assert.Equal(t, 2, confirmed.entry.Attempts)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Equal(t, []string{pending.CorrelationToken, pending.CorrelationToken}, sender.tokens)
}

func TestConflictIsNotRetryable(t *testing.T) {
	sender := &scriptedSender{errs: []error{&api.Error{Status: http.StatusForbidden, Message: "not a participant"}}}
	l := newListener()
	m := New(sender, l, nil, Author{ID: 1})

	pending, err := m.Send(context.Background(), 42, "hello", nil)
	require.NoError(t, err)
	l.next(t)
	failed := l.next(t)
	require.Equal(t, "failed", failed.kind)
	assert.False(t, failed.entry.Retryable)

	assert.ErrorIs(t, m.Retry(context.Background(), pending.TempID), ErrNotRetryable)
	require.NoError(t, m.Discard(pending.TempID))
	assert.ErrorIs(t, m.Retry(context.Background(), pending.TempID), ErrNotFound)
}

func TestRetryRequiresFailedEntry(t *testing.T) {
	block := make(chan struct{})
	l := newListener()
	m := New(blockingSender{block}, l, nil, Author{ID: 1})

	pending, err := m.Send(context.Background(), 42, "hello", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Retry(context.Background(), pending.TempID), ErrNotFailed)
	assert.Len(t, m.Outstanding(42), 1)
	close(block)
}

type blockingSender struct{ block chan struct{} }

func (b blockingSender) SendMessage(ctx context.Context, threadID int64, text string, attachments []model.Attachment, token string) (model.Message, error) {
	<-b.block
	return model.Message{ID: 1, ThreadID: threadID}, nil
}
