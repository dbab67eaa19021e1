package inbox

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/wirechat-inbox/internal/inbox/api"
	"github.com/vovakirdan/wirechat-inbox/internal/inbox/model"
)

// maxCatchUpPages bounds the backward walk that reconnects the newest messages
// of a thread with its loaded history.
const maxCatchUpPages = 5

// headPage is the newest history of a thread, fetched back far enough to meet
// the loaded head. A detached page did not meet it within maxCatchUpPages; it
// replaces the loaded window and Cursor continues its history.
type headPage struct {
	Messages []model.Message
	Cursor   string
	Detached bool
}

// fetchHead loads the newest messages of a thread and walks backward until
// they overlap the contiguous head of the loaded history.
func (s *Session) fetchHead(ctx context.Context, threadID int64) (headPage, error) {
	known := s.head(threadID)

	var (
		out    headPage
		cursor string
	)
	for i := 0; i < maxCatchUpPages; i++ {
		page, err := s.api.FetchOlder(ctx, threadID, cursor, s.cfg.PageSize)
		if err != nil {
			return headPage{}, err
		}
		out.Messages = append(out.Messages, page.Messages...)
		out.Cursor = page.NextCursor
		if known == 0 || page.NextCursor == "" || reaches(page.Messages, known) {
			return out, nil
		}
		cursor = page.NextCursor
	}
	out.Detached = true
	return out, nil
}

func reaches(msgs []model.Message, id int64) bool {
	for _, m := range msgs {
		if m.ID != 0 && m.ID <= id {
			return true
		}
	}
	return false
}

func newestID(msgs []model.Message) int64 {
	var newest int64
	for _, m := range msgs {
		if m.ID > newest {
			newest = m.ID
		}
	}
	return newest
}

// head returns the newest message id known to be contiguous with the loaded
// history of a thread, or 0 when nothing is loaded.
func (s *Session) head(threadID int64) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id := s.heads[threadID]; id != 0 {
		return id
	}
	if st := s.timelines[threadID]; st != nil {
		if m, ok := st.Newest(); ok {
			return m.ID
		}
	}
	return 0
}

// advanceHead moves the contiguous head to id unless a gap is pending or no
// head was established yet.
func (s *Session) advanceHead(threadID, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gaps[threadID] || s.heads[threadID] == 0 || id <= s.heads[threadID] {
		return
	}
	s.heads[threadID] = id
}

// seedHead establishes the head from the first page of history.
func (s *Session) seedHead(threadID, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heads[threadID] == 0 {
		s.heads[threadID] = id
	}
}

func (s *Session) markGap(threadID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gaps[threadID] = true
}

// applyHead folds a fetched head into the thread's timeline. Loop only.
func (s *Session) applyHead(threadID int64, h headPage) {
	st := s.timeline(threadID)
	if h.Detached {
		s.log.Info().Int64("thread_id", threadID).Int("messages", len(h.Messages)).Msg("history gap too wide, rebasing timeline")
		s.settle(st.Rebase(h.Messages...))
		s.paginator.Seed(threadID, h.Cursor)
	} else {
		s.settle(st.AddConfirmed(h.Messages...))
	}

	s.mu.Lock()
	delete(s.gaps, threadID)
	if newest := newestID(h.Messages); newest > s.heads[threadID] {
		s.heads[threadID] = newest
	}
	s.mu.Unlock()
}

// settle drops the outbox entries of pending messages a confirmed copy
// replaced. Entries still sending settle when their REST call returns.
func (s *Session) settle(collapsed map[string]int64) {
	for tempID := range collapsed {
		_ = s.outbox.Discard(tempID)
	}
}

// pollRound refreshes the thread list and, for every open thread, its newest
// messages and typers. Results are applied on the event loop.
func (s *Session) pollRound(ctx context.Context) error {
	threads, page, err := s.api.ListThreads(ctx, 1, "")
	if err != nil {
		return fmt.Errorf("poll thread list: %w", err)
	}

	var (
		mu     sync.Mutex
		heads  = make(map[int64]headPage)
		typers = make(map[int64][]int64)
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, threadID := range s.openThreads() {
		threadID := threadID
		g.Go(func() error {
			h, err := s.fetchHead(gctx, threadID)
			if err != nil {
				return fmt.Errorf("poll thread %d: %w", threadID, err)
			}
			ids, err := s.api.Typing(gctx, threadID)
			if err != nil {
				ids = nil
			}
			mu.Lock()
			heads[threadID] = h
			if ids != nil {
				typers[threadID] = ids
			}
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()

	go s.post(func() {
		s.applyThreadList(threads, page, heads)
		for threadID, h := range heads {
			s.applyHead(threadID, h)
		}
		for threadID, ids := range typers {
			for _, userID := range ids {
				if userID != s.self.UserID {
					s.typers.Start(threadID, userID)
				}
			}
		}
		s.notify()
	})
	return err
}

// catchUp runs one polling pass right after (re)connecting.
func (s *Session) catchUp() {
	if err := s.pollRound(s.ctx); err != nil && s.ctx.Err() == nil {
		s.log.Warn().Err(err).Msg("catch-up failed")
	}
}

func (s *Session) onOffline(offline bool) {
	if offline {
		s.notice(Notice{Kind: NoticeOffline})
		return
	}
	s.notice(Notice{Kind: NoticeOnline})
}

// resync refetches a thread's details and read watermarks, and its newest
// messages when withPage is set.
func (s *Session) resync(threadID int64, withPage bool) {
	ctx := s.ctx
	thread, err := s.api.GetThread(ctx, threadID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Warn().Err(err).Int64("thread_id", threadID).Msg("thread refetch failed")
		if api.IsConflict(err) {
			s.notice(Notice{Kind: NoticeThreadUnavailable, ThreadID: threadID, Err: err})
		}
		return
	}

	var h headPage
	if withPage {
		h, err = s.fetchHead(ctx, threadID)
		if err != nil {
			s.log.Warn().Err(err).Int64("thread_id", threadID).Msg("newest page refetch failed")
			withPage = false
		}
	}

	s.post(func() {
		s.applyThread(thread)
		if withPage {
			s.applyHead(threadID, h)
		}
		s.notify()
	})
}

func (s *Session) refreshThreadsQuietly() {
	if !s.refreshing.CompareAndSwap(false, true) {
		return
	}
	defer s.refreshing.Store(false)

	ctx := s.ctx
	threads, page, err := s.api.ListThreads(ctx, 1, "")
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("thread list refresh failed")
		}
		return
	}
	s.post(func() {
		s.applyThreadList(threads, page, nil)
		s.notify()
	})
}

// applyThread folds a refetched thread into the caches. Loop only.
func (s *Session) applyThread(t model.Thread) {
	s.noteRevision(t.ID, t.Revision)
	s.threads.Upsert(t)
	if s.receipts.Seed(t) {
		if st := s.loadedTimeline(t.ID); st != nil {
			st.Refresh()
		}
	}
}

// applyThreadList installs a REST list as the source of truth. Loaded
// timelines whose thread moved on unobserved are refetched, except those in
// fetched, whose newest messages arrived with the list. Loop only.
func (s *Session) applyThreadList(threads []model.Thread, page model.Pagination, fetched map[int64]headPage) {
	for _, t := range threads {
		known := s.revisions[t.ID]
		_, synced := fetched[t.ID]
		if known != 0 && t.Revision > known && !synced && s.loadedTimeline(t.ID) != nil {
			s.markGap(t.ID)
			go s.resync(t.ID, true)
		}
		s.noteRevision(t.ID, t.Revision)
		if s.receipts.Seed(t) {
			if st := s.loadedTimeline(t.ID); st != nil {
				st.Refresh()
			}
		}
	}
	s.threads.Replace(threads, page)
}
