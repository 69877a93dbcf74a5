package sip

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"
)

// flowTokenPrefix marks a flow token in the user part of a Route entry
// this proxy record-routed earlier (RFC 5626 §5.3).
const flowTokenPrefix = "NkF"

// EncodeFlowToken renders a flow handle as a Route user part.
func EncodeFlowToken(handle FlowHandle) string {
	return flowTokenPrefix + base64.RawURLEncoding.EncodeToString([]byte(handle))
}

// DecodeFlowToken parses a Route user part into a flow handle.
func DecodeFlowToken(user string) (FlowHandle, bool) {
	if !strings.HasPrefix(user, flowTokenPrefix) {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(user[len(flowTokenPrefix):])
	if err != nil {
		return "", false
	}
	return FlowHandle(raw), true
}

// dialogMethods are the dialog-forming and in-dialog methods for which
// an ob Route parameter additionally requests record-routing.
var dialogMethods = []RequestMethod{
	RequestMethodInvite,
	RequestMethodSubscribe,
	RequestMethodRefer,
	RequestMethodBye,
	RequestMethodInfo,
	RequestMethodPrack,
	RequestMethodUpdate,
	RequestMethodNotify,
}

func isDialogMethod(m RequestMethod) bool {
	for _, dm := range dialogMethods {
		if m.Equal(dm) {
			return true
		}
	}
	return false
}

// pathOutbound implements RFC 3327 Path and RFC 5626 outbound handling.
// It mutates opts in place and returns a response only when the request
// must be answered instead of forwarded.
func (c *Call) pathOutbound(ctx context.Context, req *Request, opts *Options) *Response {
	if req.Method.Equal(RequestMethodRegister) {
		return c.pathRegister(ctx, req, opts)
	}
	return c.outboundRoute(ctx, req, opts)
}

// pathRegister handles REGISTER with the make_path option: the UA must
// advertise path support, and a reg-id Contact over a direct connection
// pins the registration's replies to that flow.
func (c *Call) pathRegister(ctx context.Context, req *Request, opts *Options) *Response {
	if opts == nil || !opts.MakePath {
		return nil
	}
	if !req.SupportsExtension("path") {
		return SynthesizeReply(req, ReplyExtensionRequired, "path")
	}

	if len(req.Contacts) != 1 || !req.Contacts[0].Params.Has("reg-id") {
		return nil
	}
	if !c.supportsExtension("outbound") || !req.SupportsExtension("outbound") {
		return nil
	}
	// A single Via means the UA connected to us directly, so the flow
	// the request arrived over is the one to pin.
	if len(req.Via) != 1 || req.Flow == "" {
		return nil
	}
	opts.Flow = req.Flow
	c.log.LogAttrs(ctx, slog.LevelDebug, "outbound flow pinned",
		slog.Any("request", req), slog.String("flow", string(req.Flow)))
	return nil
}

// outboundRoute decodes a flow token from a local top Route entry and
// pins the request to that connection. An invalid token is forbidden,
// a dead flow is flow_failed.
func (c *Call) outboundRoute(ctx context.Context, req *Request, opts *Options) *Response {
	if len(req.Routes) == 0 {
		return nil
	}
	top := req.Routes[0]
	if !c.engine.col.Transport.IsLocalRoute(top) {
		return nil
	}
	if !strings.HasPrefix(top.URI.User, flowTokenPrefix) {
		return nil
	}

	handle, ok := DecodeFlowToken(top.URI.User)
	if !ok {
		return SynthesizeReply(req, ReplyForbidden)
	}
	alive, err := c.engine.col.Transport.GetConnected(handle)
	if err != nil || !alive {
		return SynthesizeReply(req, ReplyFlowFailed)
	}

	if opts != nil {
		opts.Flow = handle
		if top.URI.Params.Has("ob") && isDialogMethod(req.Method) && req.To.Tag() == "" {
			opts.RecordRoute = true
		}
	}
	c.log.LogAttrs(ctx, slog.LevelDebug, "flow token resolved",
		slog.Any("request", req), slog.String("flow", string(handle)))
	return nil
}

// supportsExtension reports whether this application implements the
// option tag.
func (c *Call) supportsExtension(tag string) bool {
	for _, s := range c.cfg.supported() {
		if strings.EqualFold(s, tag) {
			return true
		}
	}
	return false
}
