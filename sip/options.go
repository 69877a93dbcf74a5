package sip

import (
	"log/slog"
)

// Options is the option vocabulary accepted by the proxy router and the
// UAC send path. The zero value means "no options".
type Options struct {
	// Stateless proxies the request without creating a fork.
	Stateless bool
	// RecordRoute asks the proxy to stay in the dialog path.
	RecordRoute bool
	// FollowRedirects makes the fork launch the Contacts of a 3xx
	// response instead of reporting it.
	FollowRedirects bool
	// MakePath enables RFC 3327 Path handling for REGISTER.
	MakePath bool
	// RemoveRoutes clears the request's Route set before forwarding.
	RemoveRoutes bool
	// RemoveHeaders clears the request's extra headers before forwarding.
	RemoveHeaders bool
	// Headers are appended to the request.
	Headers []HeaderField
	// Route entries are parsed and prepended to the request's Route set.
	// Values that do not parse leave the routes unchanged.
	Route []string
	// Flow pins the request or its replies to an existing connection.
	Flow FlowHandle
	// NoDialog skips the dialog layer for this transaction.
	NoDialog bool
	// UpdateDialog forces a dialog update on responses.
	UpdateDialog bool
	// Async acknowledges the user immediately and delivers the outcome
	// through Callback.
	Async bool
	// GetRequest includes the sent request in the user event.
	GetRequest bool
	// GetResponse includes the received response in the user event.
	GetResponse bool
	// Fields selects named response fields for the user event.
	Fields []string
	// Callback receives the user events for this operation.
	Callback func(UserEvent)
	// MakeContact asks the send path to generate a local Contact.
	MakeContact bool
}

// Clone returns a shallow copy safe for per-branch mutation.
func (o *Options) Clone() *Options {
	if o == nil {
		return nil
	}
	o2 := *o
	return &o2
}

func (o *Options) stateless() bool       { return o != nil && o.Stateless }
func (o *Options) followRedirects() bool { return o != nil && o.FollowRedirects }
func (o *Options) noDialog() bool        { return o != nil && o.NoDialog }
func (o *Options) async() bool           { return o != nil && o.Async }
func (o *Options) flow() FlowHandle {
	if o == nil {
		return ""
	}
	return o.Flow
}

func (o *Options) callback(ev UserEvent) bool {
	if o == nil || o.Callback == nil {
		return false
	}
	o.Callback(ev)
	return true
}

// LogValue implements [slog.LogValuer].
func (o *Options) LogValue() slog.Value {
	if o == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Bool("stateless", o.Stateless),
		slog.Bool("record_route", o.RecordRoute),
		slog.Bool("follow_redirects", o.FollowRedirects),
		slog.Bool("async", o.Async),
	)
}
