package inbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/vovakirdan/wirechat-inbox/internal/inbox/api"
	"github.com/vovakirdan/wirechat-inbox/internal/inbox/model"
	"github.com/vovakirdan/wirechat-inbox/internal/inbox/paginator"
	"github.com/vovakirdan/wirechat-inbox/internal/metrics"
)

// OpenThread takes an open reference on a thread: the first one joins the
// thread room, hydrates the timeline and loads read watermarks.
func (s *Session) OpenThread(ctx context.Context, threadID int64) error {
	return s.do(ctx, func() error {
		s.mu.Lock()
		s.open[threadID]++
		first := s.open[threadID] == 1
		s.mu.Unlock()

		s.timeline(threadID)
		if !first {
			return nil
		}

		if err := s.channel.Join(s.ctx, threadID); err != nil {
			s.log.Debug().Err(err).Int64("thread_id", threadID).Msg("join deferred until reconnect")
		}

		started := s.paginator.State(threadID).Started
		if !started {
			if err := s.paginator.Request(s.ctx, threadID, s.onPage); err != nil && !errors.Is(err, paginator.ErrInFlight) {
				return fmt.Errorf("load thread %d: %w", threadID, err)
			}
		}
		go s.resync(threadID, started)
		return nil
	})
}

// CloseThread drops an open reference. The last one leaves the room and stops
// typing; in-flight sends still reconcile into the cached timeline.
func (s *Session) CloseThread(ctx context.Context, threadID int64) error {
	return s.do(ctx, func() error {
		s.mu.Lock()
		refs := s.open[threadID]
		if refs == 0 {
			s.mu.Unlock()
			return nil
		}
		if refs == 1 {
			delete(s.open, threadID)
		} else {
			s.open[threadID] = refs - 1
		}
		s.mu.Unlock()
		if refs > 1 {
			return nil
		}

		s.debouncer.Stop(threadID)
		s.typers.Clear(threadID)
		if err := s.channel.Leave(s.ctx, threadID); err != nil {
			s.log.Debug().Err(err).Int64("thread_id", threadID).Msg("leave not sent")
		}
		return nil
	})
}

// ScrollNearTop reports the viewport position; a fetch of older history starts
// when the first visible row is close enough to the top.
func (s *Session) ScrollNearTop(ctx context.Context, threadID int64, rowsFromTop int) (bool, error) {
	var started bool
	err := s.do(ctx, func() error {
		started = s.paginator.OnScroll(s.ctx, threadID, rowsFromTop, s.onPage)
		return nil
	})
	return started, err
}

// LoadOlder explicitly requests the next older page.
func (s *Session) LoadOlder(ctx context.Context, threadID int64) error {
	return s.do(ctx, func() error {
		return s.paginator.Request(s.ctx, threadID, s.onPage)
	})
}

func (s *Session) onPage(res paginator.Result) {
	if res.Stale {
		return
	}
	if res.Err != nil {
		s.log.Warn().Err(res.Err).Int64("thread_id", res.ThreadID).Msg("history fetch failed")
		s.notice(Notice{Kind: NoticeFetchFailed, ThreadID: res.ThreadID, Err: res.Err})
		return
	}
	s.settle(s.timeline(res.ThreadID).AddConfirmed(res.Page.Messages...))
	s.seedHead(res.ThreadID, newestID(res.Page.Messages))
	s.notify()
}

// Send shows msg as pending right away and confirms it over REST.
func (s *Session) Send(ctx context.Context, threadID int64, text string, attachments []model.Attachment) (model.Message, error) {
	var pending model.Message
	err := s.do(ctx, func() error {
		var err error
		pending, err = s.outbox.Send(s.ctx, threadID, text, attachments)
		return err
	})
	if errors.Is(err, ErrEmptyText) {
		metrics.Sends.WithLabelValues("rejected").Inc()
	}
	return pending, err
}

// Retry resends a failed message with its original correlation token.
func (s *Session) Retry(ctx context.Context, tempID string) error {
	return s.do(ctx, func() error {
		return s.outbox.Retry(s.ctx, tempID)
	})
}

// Discard drops a failed message from its timeline.
func (s *Session) Discard(ctx context.Context, threadID int64, tempID string) error {
	return s.do(ctx, func() error {
		if err := s.outbox.Discard(tempID); err != nil {
			return err
		}
		s.timeline(threadID).RemovePending(tempID)
		s.notify()
		return nil
	})
}

// NewThread describes a thread to start.
type NewThread struct {
	ParticipantIDs []int64
	Title          string
	Text           string
	IsGroup        bool
}

// CreateThread creates a thread together with its first message.
func (s *Session) CreateThread(ctx context.Context, in NewThread) (model.Thread, error) {
	recipients := make([]int64, 0, len(in.ParticipantIDs))
	seen := make(map[int64]bool, len(in.ParticipantIDs))
	for _, id := range in.ParticipantIDs {
		if id == s.self.UserID || seen[id] {
			continue
		}
		seen[id] = true
		recipients = append(recipients, id)
	}
	if len(recipients) == 0 {
		return model.Thread{}, ErrNoRecipients
	}
	if strings.TrimSpace(in.Text) == "" {
		return model.Thread{}, ErrEmptyText
	}

	thread, first, err := s.api.CreateThread(ctx, api.NewThread{
		ParticipantIDs:   recipients,
		Title:            in.Title,
		Text:             in.Text,
		IsGroup:          in.IsGroup || len(recipients) > 1,
		CorrelationToken: uuid.NewString(),
	})
	if err != nil {
		return model.Thread{}, fmt.Errorf("create thread: %w", err)
	}

	err = s.do(ctx, func() error {
		s.applyThread(thread)
		s.timeline(thread.ID).AddConfirmed(first)
		s.seedHead(thread.ID, first.ID)
		s.threads.ApplyMessage(first, s.self.UserID, true)
		s.notify()
		return nil
	})
	return thread, err
}

// MarkRead acknowledges messages up to upTo. Calls at or below the current
// watermark do nothing.
func (s *Session) MarkRead(ctx context.Context, threadID, upTo int64) error {
	changed, err := s.receipts.MarkRead(ctx, threadID, upTo)
	if err != nil || !changed {
		return err
	}
	return s.do(ctx, func() error {
		s.threads.ApplyRead(threadID, s.self.UserID, s.self.UserID)
		s.notify()
		return nil
	})
}

// MarkLatestRead acknowledges the newest confirmed message of a loaded thread.
func (s *Session) MarkLatestRead(ctx context.Context, threadID int64) error {
	st := s.loadedTimeline(threadID)
	if st == nil {
		return nil
	}
	newest, ok := st.Newest()
	if !ok {
		return nil
	}
	return s.MarkRead(ctx, threadID, newest.ID)
}

// Input feeds composer text into the typing debouncer.
func (s *Session) Input(threadID int64, text string) {
	s.debouncer.Input(threadID, text)
}

// RefreshThreads reloads the first page of the thread list.
func (s *Session) RefreshThreads(ctx context.Context) error {
	threads, page, err := s.api.ListThreads(ctx, 1, "")
	if err != nil {
		return fmt.Errorf("list threads: %w", err)
	}
	return s.do(ctx, func() error {
		s.applyThreadList(threads, page, nil)
		s.notify()
		return nil
	})
}

// SearchThreads queries threads without touching the cached list.
func (s *Session) SearchThreads(ctx context.Context, query string) ([]model.Thread, error) {
	threads, _, err := s.api.ListThreads(ctx, 1, query)
	if err != nil {
		return nil, fmt.Errorf("search threads: %w", err)
	}
	return threads, nil
}

// queueTyping is the debouncer's transmitter. It runs under the debouncer lock
// and hands the transition to the transmit goroutine, keeping their order.
func (s *Session) queueTyping(threadID int64, on bool) {
	select {
	case s.typingQ <- typingSignal{threadID: threadID, on: on}:
	default:
		s.log.Debug().Int64("thread_id", threadID).Bool("on", on).Msg("typing signal dropped")
	}
}

func (s *Session) transmit(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-s.typingQ:
			err := s.channel.SendTyping(ctx, sig.threadID, sig.on)
			if err != nil {
				err = s.api.SetTyping(ctx, sig.threadID, sig.on)
			}
			if err != nil {
				s.log.Debug().Err(err).Int64("thread_id", sig.threadID).Msg("typing not delivered")
			}
		}
	}
}
