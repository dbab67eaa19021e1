// Package timeline merges confirmed and pending messages of one thread into
// an ordered render list.
package timeline

import (
	"sort"
	"time"

	"github.com/vovakirdan/wirechat-inbox/internal/inbox/model"
)

// DefaultFallbackWindow bounds the createdAt distance for the heuristic match
// between a pending message and a confirmed message that carries no token.
const DefaultFallbackWindow = 30 * time.Second

// EntryType tags a render list entry.
type EntryType string

const (
	EntryDate    EntryType = "date"
	EntryMessage EntryType = "message"
)

// Entry is one row of the render list.
type Entry struct {
	Type    EntryType
	Day     time.Time // midnight of the calendar day, set for date entries
	Message model.Message
}

// Reconciliation is the result of merging confirmed pages with pending messages.
type Reconciliation struct {
	// Confirmed holds the deduplicated server messages in render order.
	Confirmed []model.Message
	// Pending holds the optimistic messages that found no confirmed counterpart.
	Pending []model.Message
	// Messages is Confirmed and Pending interleaved in render order.
	Messages []model.Message
	// Collapsed maps temporary ids to the server id that replaced them.
	Collapsed map[string]int64
	// Heuristic lists temporary ids matched without a correlation token.
	Heuristic []string
}

// Merge is the timeline contract: union, reconcile, sort, and insert date separators.
func Merge(serverPages [][]model.Message, pending []model.Message) []Entry {
	r := Reconcile(serverPages, pending, DefaultFallbackWindow)
	return WithDateSeparators(r.Messages, time.Local)
}

// Reconcile unions confirmed pages keyed by server id and pending messages keyed
// by temporary id. A pending message is replaced by the confirmed message with the
// same correlation token; when no token matches and the confirmed message has no
// token at all, sender, text and createdAt proximity (within window) are used instead.
func Reconcile(serverPages [][]model.Message, pending []model.Message, window time.Duration) Reconciliation {
	confirmed := make(map[int64]model.Message)
	for _, page := range serverPages {
		for _, m := range page {
			if m.ID == 0 {
				continue
			}
			if prev, ok := confirmed[m.ID]; ok {
				m = mergeConfirmed(prev, m)
			}
			confirmed[m.ID] = m
		}
	}

	byToken := make(map[string]int64, len(confirmed))
	for id, m := range confirmed {
		if m.CorrelationToken != "" {
			byToken[m.CorrelationToken] = id
		}
	}

	pendingByTemp := make(map[string]model.Message, len(pending))
	tempOrder := make([]string, 0, len(pending))
	for _, p := range pending {
		if p.TempID == "" {
			continue
		}
		if _, seen := pendingByTemp[p.TempID]; !seen {
			tempOrder = append(tempOrder, p.TempID)
		}
		pendingByTemp[p.TempID] = p
	}

	r := Reconciliation{Collapsed: make(map[string]int64)}
	claimed := make(map[int64]bool)
	for _, tempID := range tempOrder {
		p := pendingByTemp[tempID]
		if p.CorrelationToken != "" {
			if id, ok := byToken[p.CorrelationToken]; ok {
				r.Collapsed[tempID] = id
				claimed[id] = true
				continue
			}
		}
		if id, ok := heuristicMatch(p, confirmed, claimed, window); ok {
			r.Collapsed[tempID] = id
			r.Heuristic = append(r.Heuristic, tempID)
			claimed[id] = true
			continue
		}
		r.Pending = append(r.Pending, p)
	}

	for tempID, id := range r.Collapsed {
		m := confirmed[id]
		if m.TempID == "" {
			m.TempID = tempID
		}
		if m.CorrelationToken == "" {
			m.CorrelationToken = pendingByTemp[tempID].CorrelationToken
		}
		confirmed[id] = m
	}

	r.Confirmed = make([]model.Message, 0, len(confirmed))
	for _, m := range confirmed {
		if m.Status == "" || m.Status == model.StatusSending || m.Status == model.StatusFailed {
			m.Status = model.StatusSent
		}
		r.Confirmed = append(r.Confirmed, m)
	}
	sortMessages(r.Confirmed)
	sortMessages(r.Pending)

	r.Messages = make([]model.Message, 0, len(r.Confirmed)+len(r.Pending))
	r.Messages = append(r.Messages, r.Confirmed...)
	r.Messages = append(r.Messages, r.Pending...)
	sortMessages(r.Messages)
	return r
}

// WithDateSeparators interleaves a date entry before the first message and
// whenever the calendar day (in loc) changes between consecutive messages.
func WithDateSeparators(messages []model.Message, loc *time.Location) []Entry {
	if loc == nil {
		loc = time.Local
	}
	entries := make([]Entry, 0, len(messages)+1)
	var prevDay time.Time
	for i, m := range messages {
		day := dayOf(m.CreatedAt, loc)
		if i == 0 || !day.Equal(prevDay) {
			entries = append(entries, Entry{Type: EntryDate, Day: day})
			prevDay = day
		}
		entries = append(entries, Entry{Type: EntryMessage, Message: m})
	}
	return entries
}

func dayOf(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// mergeConfirmed keeps the newer copy but does not lose the token or the
// temporary id a previous copy was reconciled with.
func mergeConfirmed(prev, next model.Message) model.Message {
	if next.CorrelationToken == "" {
		next.CorrelationToken = prev.CorrelationToken
	}
	if next.TempID == "" {
		next.TempID = prev.TempID
	}
	if len(next.ReadBy) == 0 {
		next.ReadBy = prev.ReadBy
	}
	return next
}

func heuristicMatch(p model.Message, confirmed map[int64]model.Message, claimed map[int64]bool, window time.Duration) (int64, bool) {
	var (
		bestID   int64
		bestDist time.Duration = -1
	)
	for id, c := range confirmed {
		if claimed[id] || c.CorrelationToken != "" {
			continue
		}
		if c.SenderID != p.SenderID || c.Text != p.Text {
			continue
		}
		dist := c.CreatedAt.Sub(p.CreatedAt)
		if dist < 0 {
			dist = -dist
		}
		if dist > window {
			continue
		}
		if bestDist < 0 || dist < bestDist || (dist == bestDist && id < bestID) {
			bestID, bestDist = id, dist
		}
	}
	return bestID, bestDist >= 0
}

// sortMessages orders by createdAt; ties put confirmed before pending, then by id.
func sortMessages(ms []model.Message) {
	sort.SliceStable(ms, func(i, j int) bool {
		a, b := ms[i], ms[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.Pending() != b.Pending() {
			return !a.Pending()
		}
		if !a.Pending() {
			return a.ID < b.ID
		}
		return a.TempID < b.TempID
	})
}
