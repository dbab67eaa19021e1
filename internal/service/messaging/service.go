// Package messaging implements thread and message rules on top of the store
// and fans the resulting events out through a Publisher.
package messaging

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-inbox/internal/metrics"
	"github.com/vovakirdan/wirechat-inbox/internal/proto"
	"github.com/vovakirdan/wirechat-inbox/internal/store"
)

// MaxTextLength bounds a message body in characters.
const MaxTextLength = 4000

// Common errors for messaging operations.
var (
	ErrThreadNotFound = errors.New("thread not found")
	ErrNotParticipant = errors.New("not a participant of this thread")
	ErrThreadArchived = errors.New("thread is archived")
	ErrEmptyText      = errors.New("message text is empty")
	ErrTextTooLong    = errors.New("message text is too long")
	ErrNoRecipients   = errors.New("thread needs at least one other participant")
	ErrUnknownUser    = errors.New("unknown participant")
	ErrBadCursor      = errors.New("malformed cursor")
)

// Publisher delivers push events. PublishToUsers reaches every connection of
// the given users; PublishToThread reaches connections that joined the thread room.
type Publisher interface {
	PublishToUsers(userIDs []int64, name string, data any)
	PublishToThread(threadID int64, name string, data any)
}

// Config tunes paging and typing expiry.
type Config struct {
	ThreadPageSize   int
	MessagePageLimit int
	TypingTTL        time.Duration
	Clock            clock.Clock
}

// Service provides messaging business logic.
type Service struct {
	store  store.Store
	pub    Publisher
	cfg    Config
	typing *typingSet
	log    *zerolog.Logger
}

// New creates a messaging service.
func New(st store.Store, pub Publisher, cfg Config, logger *zerolog.Logger) *Service {
	if cfg.ThreadPageSize <= 0 {
		cfg.ThreadPageSize = 20
	}
	if cfg.MessagePageLimit <= 0 {
		cfg.MessagePageLimit = 50
	}
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = 6 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Service{
		store:  st,
		pub:    pub,
		cfg:    cfg,
		typing: newTypingSet(cfg.Clock, cfg.TypingTTL),
		log:    logger,
	}
}

// authorize loads a thread the user participates in.
func (s *Service) authorize(ctx context.Context, userID, threadID int64) (*store.Thread, []store.Participant, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrThreadNotFound
		}
		return nil, nil, fmt.Errorf("get thread: %w", err)
	}
	participants, err := s.store.ListParticipants(ctx, threadID)
	if err != nil {
		return nil, nil, fmt.Errorf("list participants: %w", err)
	}
	for _, p := range participants {
		if p.UserID == userID {
			return thread, participants, nil
		}
	}
	return nil, nil, ErrNotParticipant
}

// CanJoin checks that a user may subscribe to a thread room.
func (s *Service) CanJoin(ctx context.Context, userID, threadID int64) error {
	_, _, err := s.authorize(ctx, userID, threadID)
	return err
}

// ListThreads returns one page of the user's threads, most recently updated first.
func (s *Service) ListThreads(ctx context.Context, userID int64, page int, search string) ([]proto.Thread, proto.Pagination, error) {
	if page < 1 {
		page = 1
	}
	size := s.cfg.ThreadPageSize
	summaries, total, err := s.store.ListThreads(ctx, userID, search, size, (page-1)*size)
	if err != nil {
		return nil, proto.Pagination{}, fmt.Errorf("list threads: %w", err)
	}

	threads := make([]proto.Thread, 0, len(summaries))
	for i := range summaries {
		sum := &summaries[i]
		participants, err := s.store.ListParticipants(ctx, sum.ID)
		if err != nil {
			return nil, proto.Pagination{}, fmt.Errorf("list participants: %w", err)
		}
		threads = append(threads, threadToProto(&sum.Thread, participants, sum.LastMessage, sum.UnreadCount, userID))
	}
	return threads, proto.Pagination{Page: page, PageSize: size, Total: total}, nil
}

// GetThread returns a thread with its participants and read watermarks.
func (s *Service) GetThread(ctx context.Context, userID, threadID int64) (proto.Thread, error) {
	thread, participants, err := s.authorize(ctx, userID, threadID)
	if err != nil {
		return proto.Thread{}, err
	}
	return s.describe(ctx, thread, participants, userID)
}

func (s *Service) describe(ctx context.Context, thread *store.Thread, participants []store.Participant, viewerID int64) (proto.Thread, error) {
	last, err := s.store.LastMessage(ctx, thread.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return proto.Thread{}, fmt.Errorf("last message: %w", err)
	}
	unread, err := s.store.UnreadCount(ctx, thread.ID, viewerID)
	if err != nil {
		return proto.Thread{}, fmt.Errorf("unread count: %w", err)
	}
	return threadToProto(thread, participants, last, unread, viewerID), nil
}

// ListMessages returns the page of messages preceding cursor, oldest first.
// An empty cursor selects the newest page; an empty next cursor means the
// beginning of the thread was reached.
func (s *Service) ListMessages(ctx context.Context, userID, threadID int64, cursor string, limit int) ([]proto.Message, string, error) {
	_, participants, err := s.authorize(ctx, userID, threadID)
	if err != nil {
		return nil, "", err
	}

	var before *int64
	if cursor != "" {
		id, err := DecodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		before = &id
	}
	if limit <= 0 || limit > s.cfg.MessagePageLimit {
		limit = s.cfg.MessagePageLimit
	}

	// One extra row tells whether older history remains.
	msgs, err := s.store.ListMessages(ctx, threadID, before, limit+1)
	if err != nil {
		return nil, "", fmt.Errorf("list messages: %w", err)
	}
	next := ""
	if len(msgs) > limit {
		msgs = msgs[1:]
		next = EncodeCursor(msgs[0].ID)
	}

	out := make([]proto.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageToProto(m, participants))
	}
	return out, next, nil
}

func validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	if utf8.RuneCountInString(text) > MaxTextLength {
		return ErrTextTooLong
	}
	return nil
}

// SendMessage stores a message from userID. Repeating a client correlation
// token returns the stored message without emitting events again.
func (s *Service) SendMessage(ctx context.Context, userID, threadID int64, req proto.SendMessageRequest) (proto.Message, error) {
	if err := validateText(req.Text); err != nil {
		return proto.Message{}, err
	}
	thread, participants, err := s.authorize(ctx, userID, threadID)
	if err != nil {
		return proto.Message{}, err
	}
	if thread.ArchivedAt != nil {
		return proto.Message{}, ErrThreadArchived
	}

	msg, revision, created, err := s.store.SaveMessage(ctx, store.NewMessage{
		ThreadID:    threadID,
		SenderID:    userID,
		Kind:        store.MessageKindText,
		Body:        req.Text,
		ClientToken: req.ClientCorrelationToken,
		Attachments: attachmentsFromProto(req.Attachments),
	})
	if err != nil {
		return proto.Message{}, fmt.Errorf("save message: %w", err)
	}
	out := messageToProto(msg, participants)
	if !created {
		metrics.MessagesStored.WithLabelValues("replay").Inc()
		s.log.Debug().Int64("thread_id", threadID).Int64("message_id", msg.ID).Msg("client token replayed")
		return out, nil
	}
	metrics.MessagesStored.WithLabelValues("send").Inc()

	if s.typing.set(threadID, userID, false) {
		s.pub.PublishToThread(threadID, proto.EventTyping, proto.EventTypingData{ThreadID: threadID, UserIDs: []int64{userID}})
	}
	s.announceMessage(ctx, participants, out, revision, nil)
	return out, nil
}

// CreateThread creates a thread with its first message.
func (s *Service) CreateThread(ctx context.Context, userID int64, req proto.CreateThreadRequest) (proto.CreatedThread, error) {
	recipients := make([]int64, 0, len(req.ParticipantIDs))
	seen := map[int64]bool{userID: true}
	for _, id := range req.ParticipantIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		recipients = append(recipients, id)
	}
	if len(recipients) == 0 {
		return proto.CreatedThread{}, ErrNoRecipients
	}
	if err := validateText(req.Text); err != nil {
		return proto.CreatedThread{}, err
	}
	for _, id := range recipients {
		if _, err := s.store.GetUserByID(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return proto.CreatedThread{}, fmt.Errorf("%w: %d", ErrUnknownUser, id)
			}
			return proto.CreatedThread{}, fmt.Errorf("get user: %w", err)
		}
	}

	thread, first, err := s.store.CreateThread(ctx, store.NewThread{
		Title:          strings.TrimSpace(req.Title),
		IsGroup:        req.IsGroup || len(recipients) > 1,
		CreatedBy:      userID,
		ParticipantIDs: recipients,
		First: store.NewMessage{
			Kind:        store.MessageKindText,
			Body:        req.Text,
			ClientToken: req.ClientCorrelationToken,
		},
	})
	if err != nil {
		return proto.CreatedThread{}, fmt.Errorf("create thread: %w", err)
	}
	metrics.MessagesStored.WithLabelValues("create_thread").Inc()

	participants, err := s.store.ListParticipants(ctx, thread.ID)
	if err != nil {
		return proto.CreatedThread{}, fmt.Errorf("list participants: %w", err)
	}
	view, err := s.describe(ctx, thread, participants, userID)
	if err != nil {
		return proto.CreatedThread{}, err
	}
	msg := messageToProto(first, participants)

	s.log.Info().Int64("thread_id", thread.ID).Int64("creator_id", userID).Int("participants", len(participants)).Msg("thread created")
	var title *string
	if thread.Title != "" {
		title = &thread.Title
	}
	s.announceMessage(ctx, participants, msg, thread.Revision, title)
	return proto.CreatedThread{Thread: view, Message: msg}, nil
}

// announceMessage tells every participant about a stored message and refreshes
// the unread totals of the recipients.
func (s *Service) announceMessage(ctx context.Context, participants []store.Participant, msg proto.Message, revision int64, title *string) {
	members := userIDs(participants)
	s.pub.PublishToUsers(members, proto.EventMessageNew, proto.EventMessageNewData{Message: msg, Revision: revision})

	updatedAt := msg.CreatedAt
	s.pub.PublishToUsers(members, proto.EventThreadUpdated, proto.EventThreadUpdatedData{
		ThreadID:    msg.ThreadID,
		LastMessage: &msg,
		UpdatedAt:   &updatedAt,
		Title:       title,
		Revision:    revision,
	})

	for _, id := range members {
		if id == msg.Sender.ID {
			continue
		}
		s.announceUnread(ctx, id)
	}
}

func (s *Service) announceUnread(ctx context.Context, userID int64) {
	total, err := s.store.TotalUnread(ctx, userID)
	if err != nil {
		s.log.Warn().Err(err).Int64("user_id", userID).Msg("failed to count unread")
		return
	}
	s.pub.PublishToUsers([]int64{userID}, proto.EventUnreadCount, proto.EventUnreadCountData{Count: total})
}

// MarkRead moves the user's watermark up to upTo. Repeated or lower calls
// change nothing and emit nothing.
func (s *Service) MarkRead(ctx context.Context, userID, threadID, upTo int64) error {
	_, participants, err := s.authorize(ctx, userID, threadID)
	if err != nil {
		return err
	}
	watermark, revision, advanced, err := s.store.MarkRead(ctx, threadID, userID, upTo)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if !advanced {
		return nil
	}

	s.pub.PublishToUsers(userIDs(participants), proto.EventReadUpdated, proto.EventReadUpdatedData{
		ThreadID:      threadID,
		UserID:        userID,
		UpToMessageID: watermark,
		Revision:      revision,
	})
	s.announceUnread(ctx, userID)
	return nil
}

// SetTyping records a typing start or stop and tells the thread room.
func (s *Service) SetTyping(ctx context.Context, userID, threadID int64, on bool) ([]int64, error) {
	if _, _, err := s.authorize(ctx, userID, threadID); err != nil {
		return nil, err
	}
	was := s.typing.set(threadID, userID, on)
	if on || was {
		s.pub.PublishToThread(threadID, proto.EventTyping, proto.EventTypingData{
			ThreadID: threadID,
			UserIDs:  []int64{userID},
			On:       on,
		})
	}
	return s.typing.active(threadID), nil
}

// Typing lists the users currently typing in a thread.
func (s *Service) Typing(ctx context.Context, userID, threadID int64) ([]int64, error) {
	if _, _, err := s.authorize(ctx, userID, threadID); err != nil {
		return nil, err
	}
	return s.typing.active(threadID), nil
}

// ArchiveThread hides a thread from every participant's list. History stays
// readable but no new messages are accepted.
func (s *Service) ArchiveThread(ctx context.Context, userID, threadID int64) error {
	if _, _, err := s.authorize(ctx, userID, threadID); err != nil {
		return err
	}
	if err := s.store.ArchiveThread(ctx, threadID); err != nil {
		return fmt.Errorf("archive thread: %w", err)
	}
	s.log.Info().Int64("thread_id", threadID).Int64("user_id", userID).Msg("thread archived")
	return nil
}

// EncodeCursor builds the opaque cursor for messages older than beforeID.
func EncodeCursor(beforeID int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(beforeID, 10)))
}

// DecodeCursor reverses EncodeCursor.
func DecodeCursor(cursor string) (int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, ErrBadCursor
	}
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrBadCursor
	}
	return id, nil
}
