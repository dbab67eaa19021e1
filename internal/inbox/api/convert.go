package api

import (
	"github.com/vovakirdan/wirechat-inbox/internal/inbox/model"
	"github.com/vovakirdan/wirechat-inbox/internal/proto"
)

// MessageFromProto converts a wire message into the client model. The status
// starts as sent; read marks are derived later from watermarks.
func MessageFromProto(m proto.Message) model.Message {
	out := model.Message{
		ID:               m.ID,
		CorrelationToken: m.ClientCorrelationToken,
		ThreadID:         m.ThreadID,
		SenderID:         m.Sender.ID,
		SenderName:       m.Sender.Name,
		Kind:             model.Kind(m.Kind),
		Text:             m.Text,
		CreatedAt:        m.CreatedAt,
		Status:           model.StatusSent,
		ReadBy:           m.ReadBy,
	}
	if out.Kind == "" {
		out.Kind = model.KindText
	}
	for _, a := range m.Attachments {
		out.Attachments = append(out.Attachments, model.Attachment{ID: a.ID, Name: a.Name, Size: a.Size})
	}
	return out
}

// ThreadFromProto converts a wire thread into the client model.
func ThreadFromProto(t proto.Thread) model.Thread {
	out := model.Thread{
		ID:          t.ID,
		Title:       t.Title,
		IsGroup:     t.IsGroup,
		UpdatedAt:   t.UpdatedAt,
		UnreadCount: t.UnreadCount,
		Revision:    t.Revision,
	}
	for _, p := range t.Participants {
		out.Participants = append(out.Participants, model.Participant{
			UserID:            p.UserID,
			DisplayName:       p.DisplayName,
			IsCurrentUser:     p.IsCurrentUser,
			LastReadMessageID: p.LastReadMessageID,
		})
	}
	if t.LastMessage != nil {
		m := MessageFromProto(*t.LastMessage)
		out.LastMessage = &m
	}
	return out
}

func attachmentsToProto(in []model.Attachment) []proto.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]proto.Attachment, 0, len(in))
	for _, a := range in {
		out = append(out, proto.Attachment{ID: a.ID, Name: a.Name, Size: a.Size})
	}
	return out
}
