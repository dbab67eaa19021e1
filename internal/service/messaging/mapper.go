package messaging

import (
	"github.com/vovakirdan/wirechat-inbox/internal/proto"
	"github.com/vovakirdan/wirechat-inbox/internal/store"
)

func messageToProto(m *store.Message, participants []store.Participant) proto.Message {
	out := proto.Message{
		ID:                     m.ID,
		ThreadID:               m.ThreadID,
		Sender:                 proto.User{ID: m.SenderID, Name: m.SenderName},
		Kind:                   string(m.Kind),
		Text:                   m.Body,
		CreatedAt:              m.CreatedAt,
		ClientCorrelationToken: m.ClientToken,
	}
	for _, a := range m.Attachments {
		out.Attachments = append(out.Attachments, proto.Attachment{ID: a.ID, Name: a.Name, Size: a.Size})
	}
	for _, p := range participants {
		if p.UserID != m.SenderID && p.LastReadMessageID >= m.ID {
			out.ReadBy = append(out.ReadBy, p.UserID)
		}
	}
	return out
}

func participantsToProto(participants []store.Participant, viewerID int64) []proto.Participant {
	out := make([]proto.Participant, 0, len(participants))
	for _, p := range participants {
		name := p.DisplayName
		if name == "" {
			name = p.Username
		}
		out = append(out, proto.Participant{
			UserID:            p.UserID,
			DisplayName:       name,
			IsCurrentUser:     p.UserID == viewerID,
			LastReadMessageID: p.LastReadMessageID,
		})
	}
	return out
}

func threadToProto(t *store.Thread, participants []store.Participant, last *store.Message, unread int, viewerID int64) proto.Thread {
	out := proto.Thread{
		ID:           t.ID,
		Title:        t.Title,
		IsGroup:      t.IsGroup,
		Participants: participantsToProto(participants, viewerID),
		UpdatedAt:    t.UpdatedAt,
		UnreadCount:  unread,
		Revision:     t.Revision,
	}
	if last != nil {
		m := messageToProto(last, participants)
		out.LastMessage = &m
	}
	return out
}

func attachmentsFromProto(in []proto.Attachment) []store.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]store.Attachment, 0, len(in))
	for _, a := range in {
		out = append(out, store.Attachment{ID: a.ID, Name: a.Name, Size: a.Size})
	}
	return out
}

func userIDs(participants []store.Participant) []int64 {
	ids := make([]int64, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.UserID)
	}
	return ids
}
