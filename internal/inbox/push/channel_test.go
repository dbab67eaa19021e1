package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirechat-inbox/internal/proto"
)

type staticToken string

func (s staticToken) Token() (string, error) { return string(s), nil }

func wsServer(t *testing.T, handle func(ctx context.Context, conn *websocket.Conn, n int32)) *httptest.Server {
	t.Helper()
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handle(r.Context(), conn, conns.Add(1))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "events closed")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no event from channel")
		return Event{}
	}
}

func TestChannelRejoinsRoomsAfterReconnect(t *testing.T) {
	joins := make(chan proto.ThreadRef, 4)
	srv := wsServer(t, func(ctx context.Context, conn *websocket.Conn, n int32) {
		var in proto.Inbound
		if err := wsjson.Read(ctx, conn, &in); err != nil {
			return
		}
		if in.Type == proto.InboundTypeJoin {
			var ref proto.ThreadRef
			_ = json.Unmarshal(in.Data, &ref)
			joins <- ref
		}
		_ = wsjson.Write(ctx, conn, proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: proto.EventReady,
			Data:  proto.EventReadyData{UserID: 7, Protocol: proto.ProtocolVersion},
		})
		if n == 1 {
			conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		<-ctx.Done()
	})

	ch := New(Config{URL: wsURL(srv), Tokens: staticToken("good"), MinBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond})
	require.NoError(t, ch.Join(context.Background(), 42))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()

	assert.Equal(t, KindConnected, nextEvent(t, ch.Events()).Kind)
	ready := nextEvent(t, ch.Events())
	assert.Equal(t, KindEvent, ready.Kind)
	assert.Equal(t, proto.EventReady, ready.Name)
	assert.Equal(t, KindDisconnected, nextEvent(t, ch.Events()).Kind)
	assert.Equal(t, KindConnected, nextEvent(t, ch.Events()).Kind)

	for i := 0; i < 2; i++ {
		select {
		case ref := <-joins:
			assert.Equal(t, int64(42), ref.ThreadID)
		case <-time.After(3 * time.Second):
			t.Fatalf("join %d not received", i+1)
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestChannelStopsOnAuthRejection(t *testing.T) {
	srv := wsServer(t, func(ctx context.Context, conn *websocket.Conn, n int32) {})

	ch := New(Config{URL: wsURL(srv), Tokens: staticToken("expired"), MinBackoff: time.Millisecond})
	err := ch.Run(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)

	ev := nextEvent(t, ch.Events())
	assert.Equal(t, KindAuthLost, ev.Kind)
	_, ok := <-ch.Events()
	assert.False(t, ok)
}

func TestChannelDeliversServerErrors(t *testing.T) {
	srv := wsServer(t, func(ctx context.Context, conn *websocket.Conn, n int32) {
		_ = wsjson.Write(ctx, conn, proto.Outbound{
			Type:  proto.OutboundTypeError,
			Error: &proto.Error{Code: "not_participant", Msg: "not a participant"},
		})
		<-ctx.Done()
	})

	ch := New(Config{URL: wsURL(srv), Tokens: staticToken("good")})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ch.Run(ctx) }()

	assert.Equal(t, KindConnected, nextEvent(t, ch.Events()).Kind)
	ev := nextEvent(t, ch.Events())
	require.Equal(t, KindError, ev.Kind)
	var srvErr *ServerError
	require.ErrorAs(t, ev.Err, &srvErr)
	assert.Equal(t, "not_participant", srvErr.Code)
}

func TestRoomsAreReferenceCounted(t *testing.T) {
	ch := New(Config{URL: "ws://unused", Tokens: staticToken("good")})
	ctx := context.Background()

	require.NoError(t, ch.Join(ctx, 1))
	require.NoError(t, ch.Join(ctx, 1))
	require.NoError(t, ch.Join(ctx, 2))
	require.NoError(t, ch.Leave(ctx, 1))
	assert.Equal(t, map[int64]int{1: 1, 2: 1}, ch.Rooms())

	require.NoError(t, ch.Leave(ctx, 1))
	require.NoError(t, ch.Leave(ctx, 1))
	assert.Equal(t, map[int64]int{2: 1}, ch.Rooms())

	assert.ErrorIs(t, ch.SendTyping(ctx, 2, true), ErrNotConnected)
	assert.ErrorIs(t, ch.AnnounceRead(ctx, 2, 10), ErrNotConnected)
	assert.False(t, ch.Connected())
}
