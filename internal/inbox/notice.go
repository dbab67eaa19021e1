package inbox

// NoticeKind classifies a non-blocking user notice.
type NoticeKind string

const (
	NoticeOffline           NoticeKind = "offline"
	NoticeOnline            NoticeKind = "online"
	NoticeSendRejected      NoticeKind = "send_rejected"
	NoticeFetchFailed       NoticeKind = "fetch_failed"
	NoticeThreadUnavailable NoticeKind = "thread_unavailable"
	NoticeAuthLost          NoticeKind = "auth_lost"
	NoticeServerError       NoticeKind = "server_error"
)

// Notice is a banner-level message for the user. None of them is fatal.
type Notice struct {
	Kind     NoticeKind
	ThreadID int64
	TempID   string
	Err      error
}

// Notices delivers notices. Notices are dropped when nobody reads them.
func (s *Session) Notices() <-chan Notice {
	return s.notices
}

func (s *Session) notice(n Notice) {
	select {
	case s.notices <- n:
	default:
		s.log.Debug().Str("kind", string(n.Kind)).Msg("notice dropped")
	}
}
