package http

import (
	"encoding/json"
	"errors"

	"github.com/vovakirdan/wirechat-inbox/internal/core"
	"github.com/vovakirdan/wirechat-inbox/internal/proto"
	"github.com/vovakirdan/wirechat-inbox/internal/service/messaging"
)

// inboundAction is a decoded client frame. Exactly one of cmd, typing, read is set.
type inboundAction struct {
	cmd    *core.Command
	typing *typingAction
	read   *proto.ReadData
}

type typingAction struct {
	threadID int64
	on       bool
}

func badRequest(msg string) *proto.Error {
	return &proto.Error{Code: core.ErrCodeBadRequest, Msg: msg}
}

func inboundToAction(inbound proto.Inbound) (*inboundAction, *proto.Error) {
	switch inbound.Type {
	case proto.InboundTypeJoin, proto.InboundTypeLeave:
		var ref proto.ThreadRef
		if err := json.Unmarshal(inbound.Data, &ref); err != nil || ref.ThreadID <= 0 {
			return nil, badRequest("threadId is required")
		}
		kind := core.CommandJoinThread
		if inbound.Type == proto.InboundTypeLeave {
			kind = core.CommandLeaveThread
		}
		return &inboundAction{cmd: &core.Command{Kind: kind, ThreadID: ref.ThreadID}}, nil
	case proto.InboundTypeTypingStart, proto.InboundTypeTypingStop:
		var ref proto.ThreadRef
		if err := json.Unmarshal(inbound.Data, &ref); err != nil || ref.ThreadID <= 0 {
			return nil, badRequest("threadId is required")
		}
		return &inboundAction{typing: &typingAction{
			threadID: ref.ThreadID,
			on:       inbound.Type == proto.InboundTypeTypingStart,
		}}, nil
	case proto.InboundTypeRead:
		var read proto.ReadData
		if err := json.Unmarshal(inbound.Data, &read); err != nil || read.ThreadID <= 0 || read.UpToMessageID <= 0 {
			return nil, badRequest("threadId and upToMessageId are required")
		}
		return &inboundAction{read: &read}, nil
	default:
		return nil, &proto.Error{Code: "invalid_message", Msg: "unknown message type"}
	}
}

// protoError maps a service error to an error frame.
func protoError(err error) *proto.Error {
	switch {
	case errors.Is(err, messaging.ErrThreadNotFound):
		return &proto.Error{Code: core.ErrCodeThreadNotFound, Msg: err.Error()}
	case errors.Is(err, messaging.ErrNotParticipant):
		return &proto.Error{Code: core.ErrCodeForbidden, Msg: err.Error()}
	default:
		return &proto.Error{Code: core.ErrCodeInternal, Msg: "internal error"}
	}
}

func outboundFromEvent(event *core.Event) proto.Outbound {
	switch event.Kind {
	case core.EventPush:
		return proto.Outbound{Type: proto.OutboundTypeEvent, Event: event.Name, Data: event.Data}
	case core.EventJoined:
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: proto.EventThreadJoined,
			Data:  proto.ThreadRef{ThreadID: event.ThreadID},
		}
	case core.EventLeft:
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: proto.EventThreadLeft,
			Data:  proto.ThreadRef{ThreadID: event.ThreadID},
		}
	case core.EventError:
		if event.Error == nil {
			return proto.Outbound{Type: proto.OutboundTypeError, Error: &proto.Error{Code: "unknown", Msg: "unknown error"}}
		}
		return proto.Outbound{
			Type:  proto.OutboundTypeError,
			Error: &proto.Error{Code: event.Error.Code, Msg: event.Error.Message},
		}
	default:
		return proto.Outbound{Type: proto.OutboundTypeEvent}
	}
}
