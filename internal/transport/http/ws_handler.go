package http

import (
	"context"
	"errors"
	"io"
	stdhttp "net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/vovakirdan/wirechat-inbox/internal/auth"
	"github.com/vovakirdan/wirechat-inbox/internal/core"
	"github.com/vovakirdan/wirechat-inbox/internal/proto"
	"github.com/vovakirdan/wirechat-inbox/internal/service/messaging"
)

const wsReadLimit = 64 << 10

// WSHandler authenticates and upgrades push connections and bridges them to
// the hub and the messaging service.
type WSHandler struct {
	hub       *core.Hub
	svc       *messaging.Service
	auth      *auth.Service
	rateLimit rate.Limit
	rateBurst int
	log       *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler. A non-positive limit disables
// inbound rate limiting.
func NewWSHandler(hub *core.Hub, svc *messaging.Service, authService *auth.Service, limit float64, burst int, logger *zerolog.Logger) *WSHandler {
	rl := rate.Inf
	if limit > 0 {
		rl = rate.Limit(limit)
	}
	if burst <= 0 {
		burst = 1
	}
	return &WSHandler{hub: hub, svc: svc, auth: authService, rateLimit: rl, rateBurst: burst, log: logger}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	// The token is checked before the upgrade so a rejected client sees a 401.
	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		token = r.URL.Query().Get("token")
	}
	claims, err := h.auth.ValidateToken(token)
	if token == "" || err != nil {
		h.log.Debug().Err(err).Msg("ws rejected: invalid token")
		stdhttp.Error(w, "unauthorized", stdhttp.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(wsReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := core.NewClient(uuid.NewString(), claims.Name, claims.UserID)
	h.hub.RegisterClient(client)
	defer h.hub.UnregisterClient(client)

	logger := h.log.With().Str("client_id", client.ID).Int64("user_id", client.UserID).Logger()
	logger.Info().Msg("ws connected")

	ready := proto.Outbound{
		Type:  proto.OutboundTypeEvent,
		Event: proto.EventReady,
		Data:  proto.EventReadyData{UserID: claims.UserID, Protocol: proto.ProtocolVersion},
	}
	if err := wsjson.Write(ctx, conn, ready); err != nil {
		logger.Warn().Err(err).Msg("write ready")
		return
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, client, &logger)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, client, &logger)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != -1 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = "connection error"
			logger.Warn().Err(err).Msg("ws connection closed with error")
		}
	}
	logger.Info().Msg("ws disconnected")

	conn.Close(status, reason)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *core.Client, logger *zerolog.Logger) error {
	limiter := rate.NewLimiter(h.rateLimit, h.rateBurst)
	for {
		var inbound proto.Inbound
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			return err
		}

		if !limiter.Allow() {
			if err := writeError(ctx, conn, &proto.Error{Code: core.ErrCodeRateLimited, Msg: "too many messages"}); err != nil {
				return err
			}
			continue
		}

		action, protoErr := inboundToAction(inbound)
		if protoErr == nil {
			protoErr = h.apply(ctx, client, action, logger)
		}
		if protoErr != nil {
			if err := writeError(ctx, conn, protoErr); err != nil {
				return err
			}
		}
	}
}

// apply executes one inbound action. Room commands go through the hub; typing
// and reads go through the messaging service, which publishes the results.
func (h *WSHandler) apply(ctx context.Context, client *core.Client, action *inboundAction, logger *zerolog.Logger) *proto.Error {
	switch {
	case action.cmd != nil:
		if action.cmd.Kind == core.CommandJoinThread {
			if err := h.svc.CanJoin(ctx, client.UserID, action.cmd.ThreadID); err != nil {
				logger.Debug().Err(err).Int64("thread_id", action.cmd.ThreadID).Msg("join refused")
				return protoError(err)
			}
		}
		select {
		case client.Commands <- action.cmd:
		case <-ctx.Done():
		}
	case action.typing != nil:
		if _, err := h.svc.SetTyping(ctx, client.UserID, action.typing.threadID, action.typing.on); err != nil {
			return protoError(err)
		}
	case action.read != nil:
		if err := h.svc.MarkRead(ctx, client.UserID, action.read.ThreadID, action.read.UpToMessageID); err != nil {
			logger.Warn().Err(err).Int64("thread_id", action.read.ThreadID).Msg("mark read over ws failed")
			return protoError(err)
		}
	}
	return nil
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *core.Client, logger *zerolog.Logger) error {
	for {
		select {
		case event, ok := <-client.Events:
			if !ok {
				return nil
			}
			if err := wsjson.Write(ctx, conn, outboundFromEvent(event)); err != nil {
				logger.Error().Err(err).Msg("write ws event")
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func writeError(ctx context.Context, conn *websocket.Conn, protoErr *proto.Error) error {
	return wsjson.Write(ctx, conn, proto.Outbound{Type: proto.OutboundTypeError, Error: protoErr})
}
