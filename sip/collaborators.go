package sip

import (
	"context"

	"github.com/sipward/sipward/internal/errorutil"
)

// FlowHandle identifies an established transport connection that a
// request or its replies can be pinned to (RFC 5626 flows).
type FlowHandle string

// Collaborator errors surfaced into the engine.
const (
	// ErrRequestPending is returned by the dialog layer when a request
	// collides with one still in progress (RFC 3261 §14.1).
	ErrRequestPending errorutil.Error = "request pending"
	// ErrUnknownDialog is returned by the dialog layer when the request
	// references a dialog this process does not know.
	ErrUnknownDialog errorutil.Error = "unknown dialog"
	// ErrFlowFailed is returned by the transport when a flow handle
	// cannot be resolved to a live connection.
	ErrFlowFailed errorutil.Error = "flow failed"
	// ErrNetwork reports a transport send failure.
	ErrNetwork errorutil.Error = "network error"
)

// Transport sends parsed messages. Wire formatting, sockets and RFC 3263
// target resolution live behind it.
type Transport interface {
	// SendRequest sends the request to the destination its request-URI
	// and Route set resolve to.
	SendRequest(ctx context.Context, req *Request, opts *Options) error
	// ResendRequest sends the request reusing the branch and target of
	// the original send (CANCEL and retransmissions).
	ResendRequest(ctx context.Context, req *Request, opts *Options) error
	// SendResponse sends the response along its Via stack.
	SendResponse(ctx context.Context, res *Response, opts *Options) error
	// AddVia pushes a top Via with the given branch onto the request.
	AddVia(req *Request, branch string)
	// GetConnected resolves a flow handle to a live connection.
	GetConnected(handle FlowHandle) (bool, error)
	// IsLocal reports whether the URI names this application.
	IsLocal(uri URI) bool
	// IsLocalRoute reports whether the route entry names this application.
	IsLocalRoute(route NameAddr) bool
	// Reliable reports whether the transport family retransmits on its own.
	Reliable(proto TransportProto) bool
}

// Dialog is the dialog-layer collaborator. Its methods are synchronous
// and non-blocking relative to the Call task.
type Dialog interface {
	// Request admits an outbound request into dialog state. It may
	// refuse with [ErrRequestPending] or [ErrUnknownDialog].
	Request(req *Request, opts *Options) error
	// Response feeds a received response into dialog state.
	Response(req *Request, res *Response, opts *Options)
	// ACK feeds a sent ACK into dialog state.
	ACK(req *Request, opts *Options)
	// NewLocalSeq allocates a fresh local CSeq number for the dialog the
	// request belongs to.
	NewLocalSeq(req *Request) (uint32, error)
}

// Auth is the authentication collaborator.
type Auth interface {
	// MakeRequest builds an authorized copy of req answering the
	// challenge in res. It returns (nil, false, nil) when no credentials
	// apply and an error when the challenge is malformed.
	MakeRequest(req *Request, res *Response, opts *Options) (*Request, bool, error)
	// UpdateCache records authentication state from a 2xx response.
	UpdateCache(req *Request, res *Response)
}

// UASBridge delivers a response upstream to the UAS transaction that
// originated a proxied request.
type UASBridge interface {
	Reply(ctx context.Context, uasID TransactionID, res *Response) error
}

// SessionTimerVerdict is the outcome of session-timer admission: both
// fields nil means continue unchanged, Request rewrites the request,
// Reply answers immediately.
type SessionTimerVerdict struct {
	Request *Request
	Reply   *Response
}

// SessionTimerFilter is the RFC 4028 admission collaborator.
type SessionTimerFilter interface {
	Admit(req *Request, opts *Options) SessionTimerVerdict
}
