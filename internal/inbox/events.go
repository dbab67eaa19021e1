package inbox

import (
	"encoding/json"
	"fmt"

	"github.com/vovakirdan/wirechat-inbox/internal/inbox/api"
	"github.com/vovakirdan/wirechat-inbox/internal/inbox/model"
	"github.com/vovakirdan/wirechat-inbox/internal/inbox/push"
	"github.com/vovakirdan/wirechat-inbox/internal/inbox/threadlist"
	"github.com/vovakirdan/wirechat-inbox/internal/proto"
)

func (s *Session) handle(ev push.Event) {
	switch ev.Kind {
	case push.KindConnected:
		s.poller.Stop()
		go s.catchUp()
	case push.KindDisconnected:
		s.log.Info().Err(ev.Err).Msg("push channel lost, polling")
		s.poller.Start(s.ctx)
	case push.KindAuthLost:
		s.notice(Notice{Kind: NoticeAuthLost, Err: ev.Err})
	case push.KindError:
		s.log.Warn().Err(ev.Err).Msg("push channel error")
		s.notice(Notice{Kind: NoticeServerError, Err: ev.Err})
	case push.KindEvent:
		if err := s.dispatch(ev.Name, ev.Data); err != nil {
			s.log.Warn().Err(err).Str("event", ev.Name).Msg("bad push event")
		}
	}
}

func (s *Session) dispatch(name string, data json.RawMessage) error {
	switch name {
	case proto.EventReady:
		var d proto.EventReadyData
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("decode %s: %w", name, err)
		}
		s.log.Debug().Int64("user_id", d.UserID).Int("protocol", d.Protocol).Msg("push channel ready")

	case proto.EventMessageNew:
		var d proto.EventMessageNewData
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("decode %s: %w", name, err)
		}
		s.applyMessage(api.MessageFromProto(d.Message), d.Revision)

	case proto.EventThreadUpdated:
		var d proto.EventThreadUpdatedData
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("decode %s: %w", name, err)
		}
		patch := threadlist.Patch{ThreadID: d.ThreadID, Title: d.Title, UpdatedAt: d.UpdatedAt, Revision: d.Revision}
		if d.LastMessage != nil {
			m := api.MessageFromProto(*d.LastMessage)
			patch.LastMessage = &m
		}
		s.checkRevision(d.ThreadID, d.Revision)
		if !s.threads.Apply(patch) {
			go s.refreshThreadsQuietly()
		}

	case proto.EventUnreadCount:
		var d proto.EventUnreadCountData
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("decode %s: %w", name, err)
		}
		s.threads.SetUnreadTotal(d.Count)

	case proto.EventReadUpdated:
		var d proto.EventReadUpdatedData
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("decode %s: %w", name, err)
		}
		s.checkRevision(d.ThreadID, d.Revision)
		s.applyRead(d.ThreadID, d.UserID, d.UpToMessageID)

	case proto.EventTyping:
		var d proto.EventTypingData
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("decode %s: %w", name, err)
		}
		for _, userID := range d.UserIDs {
			if userID == s.self.UserID {
				continue
			}
			if d.On {
				s.typers.Start(d.ThreadID, userID)
			} else {
				s.typers.Stop(d.ThreadID, userID)
			}
		}

	case proto.EventThreadJoined, proto.EventThreadLeft:
		s.log.Debug().Str("event", name).RawJSON("data", data).Msg("room membership confirmed")

	default:
		s.log.Debug().Str("event", name).Msg("ignoring unknown event")
	}
	return nil
}

func (s *Session) applyMessage(m model.Message, revision int64) {
	inOrder := s.checkRevision(m.ThreadID, revision)
	if st := s.loadedTimeline(m.ThreadID); st != nil {
		s.settle(st.AddConfirmed(m))
		if inOrder {
			s.advanceHead(m.ThreadID, m.ID)
		}
	}
	if !s.threads.ApplyMessage(m, s.self.UserID, s.IsOpen(m.ThreadID)) {
		go s.refreshThreadsQuietly()
	}
	if m.SenderID != s.self.UserID {
		s.typers.Stop(m.ThreadID, m.SenderID)
	}
}

func (s *Session) applyRead(threadID, userID, upTo int64) {
	if s.receipts.Advance(threadID, userID, upTo) {
		if st := s.loadedTimeline(threadID); st != nil {
			st.Refresh()
		}
	}
	s.threads.ApplyRead(threadID, userID, s.self.UserID)
}

// checkRevision records the thread revision carried by an event. A jump of
// more than one means events were missed and the thread is refetched. It
// reports whether the event directly follows the last known revision.
func (s *Session) checkRevision(threadID, revision int64) bool {
	if revision == 0 {
		return false
	}
	last := s.revisions[threadID]
	if revision <= last {
		return false
	}
	s.revisions[threadID] = revision
	s.threads.SetRevision(threadID, revision)

	if last != 0 && revision > last+1 {
		s.log.Info().
			Int64("thread_id", threadID).
			Int64("last", last).
			Int64("revision", revision).
			Msg("revision gap, refetching thread")
		s.markGap(threadID)
		go s.resync(threadID, true)
		go s.refreshThreadsQuietly()
		return false
	}
	return last != 0
}

// noteRevision raises the known revision without gap detection.
func (s *Session) noteRevision(threadID, revision int64) {
	if revision > s.revisions[threadID] {
		s.revisions[threadID] = revision
	}
}
