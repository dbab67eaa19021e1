package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-inbox/internal/proto"
	"github.com/vovakirdan/wirechat-inbox/internal/service/messaging"
)

// ThreadHandlers serves the /messages REST surface.
type ThreadHandlers struct {
	svc *messaging.Service
	log *zerolog.Logger
}

// NewThreadHandlers creates thread handlers.
func NewThreadHandlers(svc *messaging.Service, logger *zerolog.Logger) *ThreadHandlers {
	return &ThreadHandlers{svc: svc, log: logger}
}

// statusFor maps messaging errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, messaging.ErrThreadNotFound):
		return http.StatusNotFound
	case errors.Is(err, messaging.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, messaging.ErrThreadArchived):
		return http.StatusGone
	case errors.Is(err, messaging.ErrUnknownUser):
		return http.StatusUnprocessableEntity
	case errors.Is(err, messaging.ErrEmptyText),
		errors.Is(err, messaging.ErrTextTooLong),
		errors.Is(err, messaging.ErrNoRecipients),
		errors.Is(err, messaging.ErrBadCursor):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *ThreadHandlers) fail(c *gin.Context, err error, msg string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg(msg)
		c.JSON(status, ErrorResponse{Error: "internal server error"})
		return
	}
	c.JSON(status, ErrorResponse{Error: err.Error()})
}

// request resolves the caller and the :id thread parameter.
func (h *ThreadHandlers) request(c *gin.Context) (userID, threadID int64, ok bool) {
	userID, ok = currentUserID(c, h.log)
	if !ok {
		return 0, 0, false
	}
	threadID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || threadID <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid thread id"})
		return 0, 0, false
	}
	return userID, threadID, true
}

// ListThreads returns one page of the caller's threads.
// GET /messages/threads?page&search
func (h *ThreadHandlers) ListThreads(c *gin.Context) {
	uid, ok := currentUserID(c, h.log)
	if !ok {
		return
	}
	page := 1
	if raw := c.Query("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid page"})
			return
		}
		page = n
	}

	threads, pagination, err := h.svc.ListThreads(c.Request.Context(), uid, page, c.Query("search"))
	if err != nil {
		h.fail(c, err, "failed to list threads")
		return
	}
	c.JSON(http.StatusOK, proto.ThreadListResponse{Data: threads, Pagination: pagination})
}

// GetThread returns a thread with participants and read watermarks.
// GET /messages/threads/:id
func (h *ThreadHandlers) GetThread(c *gin.Context) {
	uid, threadID, ok := h.request(c)
	if !ok {
		return
	}
	thread, err := h.svc.GetThread(c.Request.Context(), uid, threadID)
	if err != nil {
		h.fail(c, err, "failed to get thread")
		return
	}
	c.JSON(http.StatusOK, proto.ThreadResponse{Data: thread})
}

// ListMessages returns the page of messages preceding cursor.
// GET /messages/threads/:id/messages?cursor&limit
func (h *ThreadHandlers) ListMessages(c *gin.Context) {
	uid, threadID, ok := h.request(c)
	if !ok {
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}

	msgs, next, err := h.svc.ListMessages(c.Request.Context(), uid, threadID, c.Query("cursor"), limit)
	if err != nil {
		h.fail(c, err, "failed to list messages")
		return
	}
	c.JSON(http.StatusOK, proto.MessagePageResponse{Data: msgs, NextCursor: next})
}

// SendMessage stores a message.
// POST /messages/threads/:id/messages
func (h *ThreadHandlers) SendMessage(c *gin.Context) {
	uid, threadID, ok := h.request(c)
	if !ok {
		return
	}
	var req proto.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid send message request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	msg, err := h.svc.SendMessage(c.Request.Context(), uid, threadID, req)
	if err != nil {
		h.fail(c, err, "failed to send message")
		return
	}
	c.JSON(http.StatusCreated, proto.MessageResponse{Data: msg})
}

// CreateThread starts a thread with its first message.
// POST /messages/threads
func (h *ThreadHandlers) CreateThread(c *gin.Context) {
	uid, ok := currentUserID(c, h.log)
	if !ok {
		return
	}
	var req proto.CreateThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid create thread request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	created, err := h.svc.CreateThread(c.Request.Context(), uid, req)
	if err != nil {
		h.fail(c, err, "failed to create thread")
		return
	}
	c.JSON(http.StatusCreated, proto.CreateThreadResponse{Data: created})
}

// MarkRead moves the caller's read watermark.
// POST /messages/threads/:id/read
func (h *ThreadHandlers) MarkRead(c *gin.Context) {
	uid, threadID, ok := h.request(c)
	if !ok {
		return
	}
	var req proto.MarkReadRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UpToMessageID <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	if err := h.svc.MarkRead(c.Request.Context(), uid, threadID, req.UpToMessageID); err != nil {
		h.fail(c, err, "failed to mark read")
		return
	}
	c.JSON(http.StatusOK, proto.Ack{OK: true})
}

// Typing lists who is typing.
// GET /messages/threads/:id/typing
func (h *ThreadHandlers) Typing(c *gin.Context) {
	uid, threadID, ok := h.request(c)
	if !ok {
		return
	}
	ids, err := h.svc.Typing(c.Request.Context(), uid, threadID)
	if err != nil {
		h.fail(c, err, "failed to read typing state")
		return
	}
	c.JSON(http.StatusOK, proto.TypingResponse{Data: proto.TypingState{ThreadID: threadID, UserIDs: ids}})
}

// SetTyping records a typing start or stop for clients without a push channel.
// POST /messages/threads/:id/typing
func (h *ThreadHandlers) SetTyping(c *gin.Context) {
	uid, threadID, ok := h.request(c)
	if !ok {
		return
	}
	var req proto.TypingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	ids, err := h.svc.SetTyping(c.Request.Context(), uid, threadID, req.IsTyping)
	if err != nil {
		h.fail(c, err, "failed to set typing state")
		return
	}
	c.JSON(http.StatusOK, proto.TypingResponse{Data: proto.TypingState{ThreadID: threadID, UserIDs: ids}})
}

// ArchiveThread hides a thread from listings.
// POST /messages/threads/:id/archive
func (h *ThreadHandlers) ArchiveThread(c *gin.Context) {
	uid, threadID, ok := h.request(c)
	if !ok {
		return
	}
	if err := h.svc.ArchiveThread(c.Request.Context(), uid, threadID); err != nil {
		h.fail(c, err, "failed to archive thread")
		return
	}
	c.JSON(http.StatusOK, proto.Ack{OK: true})
}
