package sip

import (
	"log/slog"
	"strings"
)

// ReplyKind names the error conditions the engine materializes as
// synthetic responses. Feeding them through the normal reply paths keeps
// state machine and timer cleanup uniform.
type ReplyKind string

const (
	ReplyTemporarilyUnavailable ReplyKind = "temporarily_unavailable"
	ReplyTooManyHops            ReplyKind = "too_many_hops"
	ReplyInvalidRequest         ReplyKind = "invalid_request"
	ReplyBadExtension           ReplyKind = "bad_extension"
	ReplyLoopDetected           ReplyKind = "loop_detected"
	ReplyExtensionRequired      ReplyKind = "extension_required"
	ReplyForbidden              ReplyKind = "forbidden"
	ReplyFlowFailed             ReplyKind = "flow_failed"
	ReplyRequestPending         ReplyKind = "request_pending"
	ReplyUnknownDialog          ReplyKind = "unknown_dialog"
	ReplyNetworkError           ReplyKind = "network_error"
	ReplyServiceUnavailable     ReplyKind = "service_unavailable"
	ReplyTimeout                ReplyKind = "timeout"
	ReplyInternalError          ReplyKind = "internal_error"
)

var replyStatuses = map[ReplyKind]ResponseStatus{
	ReplyTemporarilyUnavailable: ResponseStatusTemporarilyUnavailable,
	ReplyTooManyHops:            ResponseStatusTooManyHops,
	ReplyInvalidRequest:         ResponseStatusBadRequest,
	ReplyBadExtension:           ResponseStatusBadExtension,
	ReplyLoopDetected:           ResponseStatusLoopDetected,
	ReplyExtensionRequired:      ResponseStatusExtensionRequired,
	ReplyForbidden:              ResponseStatusForbidden,
	ReplyFlowFailed:             ResponseStatusFlowFailed,
	ReplyRequestPending:         ResponseStatusRequestPending,
	ReplyUnknownDialog:          ResponseStatusCallTransactionDoesNotExist,
	ReplyNetworkError:           ResponseStatusServiceUnavailable,
	ReplyServiceUnavailable:     ResponseStatusServiceUnavailable,
	ReplyTimeout:                ResponseStatusRequestTimeout,
	ReplyInternalError:          ResponseStatusServerInternalError,
}

// Status returns the response status the kind materializes as.
func (k ReplyKind) Status() ResponseStatus {
	if s, ok := replyStatuses[k]; ok {
		return s
	}
	return ResponseStatusServerInternalError
}

// NewResponseFrom builds a synthetic response answering req. The Via
// stack, From, To, Call-ID and CSeq are copied from the request per
// RFC 3261 §8.2.6.2.
func NewResponseFrom(req *Request, status ResponseStatus, reason string) *Response {
	if reason == "" {
		reason = string(status.Reason())
	}
	return &Response{
		Status:    status,
		Reason:    reason,
		Via:       cloneSlice(req.Via),
		From:      req.From.Clone(),
		To:        req.To.Clone(),
		CallID:    req.CallID,
		CSeq:      req.CSeq,
		Proto:     req.Proto,
		MsgID:     NewMsgID(),
		Synthetic: true,
	}
}

// SynthesizeReply materializes an error kind as a synthetic response to
// req. detail carries kind-specific payload: the unsupported tokens for
// bad_extension, the required option tag for extension_required, the
// reason text for timeout.
func SynthesizeReply(req *Request, kind ReplyKind, detail ...string) *Response {
	res := NewResponseFrom(req, kind.Status(), "")
	switch kind {
	case ReplyBadExtension:
		if len(detail) > 0 {
			res.Headers = append(res.Headers, HeaderField{Name: "Unsupported", Value: strings.Join(detail, ", ")})
		}
	case ReplyExtensionRequired:
		if len(detail) > 0 {
			res.Headers = append(res.Headers, HeaderField{Name: "Require", Value: detail[0]})
		}
	case ReplyTimeout:
		if len(detail) > 0 {
			res.Reason = detail[0]
		}
	}
	return res
}

// UserEventKind discriminates the user-facing result event.
type UserEventKind string

const (
	UserEventRequest  UserEventKind = "request"
	UserEventResponse UserEventKind = "response"
	UserEventError    UserEventKind = "error"
	UserEventOk       UserEventKind = "ok"
)

// UserEvent is the single sum-typed result delivered to user callbacks
// instead of replicating the async/get_request/get_response/fields
// option matrix at every call site.
type UserEvent struct {
	Kind     UserEventKind
	Request  *Request
	Response *Response
	Err      error
	Status   ResponseStatus
	MsgID    string
	Fields   map[string]string
}

// LogValue implements [slog.LogValuer].
func (ev UserEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", string(ev.Kind)),
		slog.Any("status", uint(ev.Status)),
		slog.String("msg_id", ev.MsgID),
	)
}

// userEventForResponse computes the event shape for a received response
// once from the options.
func userEventForResponse(opts *Options, req *Request, res *Response) UserEvent {
	ev := UserEvent{Kind: UserEventOk, Status: res.Status}
	if opts != nil {
		if opts.GetResponse {
			ev.Kind = UserEventResponse
			ev.Response = res
		}
		if opts.GetRequest {
			ev.Kind = UserEventRequest
			ev.Request = req
		}
		if len(opts.Fields) > 0 {
			ev.Fields = responseFields(res, opts.Fields)
		}
	}
	return ev
}

func responseFields(res *Response, names []string) map[string]string {
	fields := make(map[string]string, len(names))
	for _, name := range names {
		switch strings.ToLower(name) {
		case "call_id":
			fields[name] = res.CallID
		case "reason":
			fields[name] = res.Reason
		case "to_tag":
			fields[name] = res.ToTag()
		default:
			if vals := res.HeaderValues(name); len(vals) > 0 {
				fields[name] = strings.Join(vals, ", ")
			}
		}
	}
	return fields
}
