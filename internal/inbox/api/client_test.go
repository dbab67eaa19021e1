package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirechat-inbox/internal/inbox/model"
	"github.com/vovakirdan/wirechat-inbox/internal/proto"
)

func TestFetchOlderSendsCursorAndConverts(t *testing.T) {
	created := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages/threads/42/messages", r.URL.Path)
		assert.Equal(t, "abc", r.URL.Query().Get("cursor"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		_ = json.NewEncoder(w).Encode(proto.MessagePageResponse{
			Data: []proto.Message{{
				ID:                     7,
				ThreadID:               42,
				Sender:                 proto.User{ID: 3, Name: "Dana"},
				Text:                   "hi",
				CreatedAt:              created,
				ClientCorrelationToken: "c-7",
				Attachments:            []proto.Attachment{{ID: 1, Name: "form.pdf", Size: 2048}},
			}},
			NextCursor: "def",
		})
	}))
	defer srv.Close()

	page, err := New(srv.URL, StaticToken("tok")).FetchOlder(context.Background(), 42, "abc", 50)
	require.NoError(t, err)
	assert.Equal(t, "def", page.NextCursor)
	require.Len(t, page.Messages, 1)

	m := page.Messages[0]
	assert.Equal(t, int64(7), m.ID)
	assert.Equal(t, "c-7", m.CorrelationToken)
	assert.Equal(t, "Dana", m.SenderName)
	assert.Equal(t, model.KindText, m.Kind)
	assert.Equal(t, model.StatusSent, m.Status)
	assert.True(t, m.CreatedAt.Equal(created))
	assert.Equal(t, []model.Attachment{{ID: 1, Name: "form.pdf", Size: 2048}}, m.Attachments)
}

func TestErrorClassification(t *testing.T) {
	statuses := map[string]int{
		"/messages/threads/1": http.StatusForbidden,
		"/messages/threads/2": http.StatusNotFound,
		"/messages/threads/3": http.StatusGone,
		"/messages/threads/4": http.StatusUnauthorized,
		"/messages/threads/5": http.StatusBadRequest,
		"/messages/threads/6": http.StatusInternalServerError,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(statuses[r.URL.Path])
		_, _ = w.Write([]byte(`{"error":"nope"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, StaticToken("tok"))
	ctx := context.Background()
	cases := []struct {
		id           int64
		conflict     bool
		unauthorized bool
		validation   bool
	}{
		{id: 1, conflict: true},
		{id: 2, conflict: true},
		{id: 3, conflict: true},
		{id: 4, unauthorized: true},
		{id: 5, validation: true},
		{id: 6},
	}
	for _, tc := range cases {
		_, err := c.GetThread(ctx, tc.id)
		require.Error(t, err)
		var apiErr *Error
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "nope", apiErr.Message)
		assert.Equal(t, tc.conflict, IsConflict(err), "thread %d", tc.id)
		assert.Equal(t, tc.unauthorized, IsUnauthorized(err), "thread %d", tc.id)
		assert.Equal(t, tc.validation, IsValidation(err), "thread %d", tc.id)
	}
}

func TestMissingTokenFailsBeforeRequest(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	_, _, err := New(srv.URL, StaticToken("")).ListThreads(context.Background(), 1, "")
	assert.ErrorIs(t, err, ErrNoToken)
	assert.False(t, called)
}

func TestSendMessageCarriesCorrelationToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req proto.SendMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "token-1", req.ClientCorrelationToken)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(proto.MessageResponse{Data: proto.Message{
			ID: 11, ThreadID: 5, Text: req.Text, ClientCorrelationToken: req.ClientCorrelationToken,
		}})
	}))
	defer srv.Close()

	msg, err := New(srv.URL+"/", StaticToken("tok")).SendMessage(context.Background(), 5, "hello", nil, "token-1")
	require.NoError(t, err)
	assert.Equal(t, int64(11), msg.ID)
	assert.Equal(t, "token-1", msg.CorrelationToken)
}
