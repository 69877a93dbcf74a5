package sip

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"braces.dev/errtrace"

	"github.com/sipward/sipward/internal/errorutil"
	"github.com/sipward/sipward/internal/util"
)

// UASContext identifies the upstream UAS transaction a request is being
// proxied for. The fork spawned for it reuses the id, binding fork and
// caller together.
type UASContext struct {
	ID      TransactionID
	Request *Request
}

// RouteOutcome discriminates what the router did with a request.
type RouteOutcome string

const (
	// RouteForked means a fork was created; responses flow upstream
	// through the UAS bridge.
	RouteForked RouteOutcome = "forked"
	// RouteStateless means the request was forwarded once with no state.
	RouteStateless RouteOutcome = "stateless"
	// RouteReplied means the router answered immediately.
	RouteReplied RouteOutcome = "replied"
)

// RouteResult is the router's verdict.
type RouteResult struct {
	Outcome RouteOutcome
	// Reply is set when Outcome is RouteReplied.
	Reply *Response
	// Fork is the fork id when Outcome is RouteForked.
	Fork TransactionID
}

func replied(res *Response) RouteResult {
	return RouteResult{Outcome: RouteReplied, Reply: res}
}

// ProxyRoute preprocesses a received request and dispatches it to the
// stateless fast path or the fork controller, per RFC 3261 §16.
func (c *Call) ProxyRoute(ctx context.Context, uas *UASContext, uriset any, opts *Options) (RouteResult, error) {
	c.mu.Lock()
	result, err := c.proxyRoute(ctx, uas, uriset, opts)
	c.collect()
	c.mu.Unlock()
	c.engine.dropIfEmpty(c)
	return result, errtrace.Wrap(err)
}

func (c *Call) proxyRoute(ctx context.Context, uas *UASContext, uriset any, opts *Options) (RouteResult, error) {
	if uas == nil || uas.Request == nil {
		return RouteResult{}, errtrace.Wrap(errorutil.NewInvalidArgumentError("invalid uas transaction"))
	}
	req := uas.Request.Clone()

	set := NormalizeURISet(uriset)
	if set.IsEmpty() {
		return replied(SynthesizeReply(req, ReplyTemporarilyUnavailable)), nil
	}

	if res := c.checkHops(req); res != nil {
		return replied(res), nil
	}

	// Session-timer admission may rewrite the request or answer it.
	if st := c.engine.col.SessionTimer; st != nil {
		verdict := st.Admit(req, opts)
		if verdict.Reply != nil {
			return replied(verdict.Reply), nil
		}
		if verdict.Request != nil {
			req = verdict.Request
		}
	}

	c.preprocess(req, opts)

	// ACK skips Proxy-Require and outbound handling; it cannot be
	// answered anymore.
	if req.Method.Equal(RequestMethodAck) {
		return c.routeACK(ctx, uas, req, set, opts)
	}

	if unsupported := c.unsupportedProxyRequire(req); len(unsupported) > 0 {
		return replied(SynthesizeReply(req, ReplyBadExtension, unsupported...)), nil
	}

	if res := c.pathOutbound(ctx, req, opts); res != nil {
		return replied(res), nil
	}

	c.popLocalRoutes(req)

	if opts.stateless() {
		return c.routeStateless(ctx, req, set, opts)
	}
	if err := c.forkStart(ctx, uas.ID, req, set, opts); err != nil {
		return RouteResult{}, errtrace.Wrap(err)
	}
	return RouteResult{Outcome: RouteForked, Fork: uas.ID}, nil
}

// checkHops validates Max-Forwards. At zero, OPTIONS is answered with
// the application's capabilities; everything else has travelled too far.
func (c *Call) checkHops(req *Request) *Response {
	if req.MaxForwards == nil {
		return nil
	}
	switch {
	case *req.MaxForwards < 0:
		return SynthesizeReply(req, ReplyInvalidRequest)
	case *req.MaxForwards > 0:
		return nil
	case req.Method.Equal(RequestMethodOptions):
		res := NewResponseFrom(req, ResponseStatusOK, "Max Forwards")
		res.Headers = append(res.Headers, c.capabilityHeaders()...)
		return res
	default:
		return SynthesizeReply(req, ReplyTooManyHops)
	}
}

func (c *Call) capabilityHeaders() []HeaderField {
	var hdrs []HeaderField
	if allow := c.cfg.allow(); len(allow) > 0 {
		vals := make([]string, len(allow))
		for i, m := range allow {
			vals[i] = string(m)
		}
		hdrs = append(hdrs, HeaderField{Name: "Allow", Value: strings.Join(vals, ", ")})
	}
	if supported := c.cfg.supported(); len(supported) > 0 {
		hdrs = append(hdrs, HeaderField{Name: "Supported", Value: strings.Join(supported, ", ")})
	}
	return hdrs
}

// preprocess applies the caller's request edits and burns one hop.
func (c *Call) preprocess(req *Request, opts *Options) {
	hops := 70
	if req.MaxForwards != nil {
		hops = *req.MaxForwards
	}
	hops--
	req.MaxForwards = &hops

	if opts == nil {
		return
	}
	if opts.RemoveRoutes {
		req.Routes = nil
	}
	if opts.RemoveHeaders {
		req.Headers = nil
	}
	req.Headers = append(req.Headers, opts.Headers...)

	if len(opts.Route) > 0 {
		routes := make([]NameAddr, 0, len(opts.Route))
		for _, raw := range opts.Route {
			uri, err := ParseURI(raw)
			if err != nil {
				// A route that does not parse leaves the set unchanged.
				routes = nil
				break
			}
			routes = append(routes, NameAddr{URI: uri})
		}
		if len(routes) > 0 {
			req.Routes = append(routes, req.Routes...)
		}
	}
}

// routeACK forwards an ACK: once and blind in stateless mode, through
// the fork controller in stateful mode.
func (c *Call) routeACK(ctx context.Context, uas *UASContext, req *Request, set URISet, opts *Options) (RouteResult, error) {
	if opts.stateless() {
		uri := set[0][0]
		req.URI = uri.bareRequestURI()
		c.engine.col.Transport.AddVia(req, NewBranch())
		if err := c.engine.col.Transport.SendRequest(ctx, req, opts); err != nil {
			c.log.LogAttrs(ctx, slog.LevelWarn, "stateless ack failed", slog.Any("error", err))
		}
		return RouteResult{Outcome: RouteStateless}, nil
	}
	if err := c.forkStart(ctx, uas.ID, req, set, opts); err != nil {
		return RouteResult{}, errtrace.Wrap(err)
	}
	return RouteResult{Outcome: RouteForked, Fork: uas.ID}, nil
}

// unsupportedProxyRequire returns the Proxy-Require tokens this
// application does not implement.
func (c *Call) unsupportedProxyRequire(req *Request) []string {
	supported := c.cfg.supported()
	var unsupported []string
	for _, token := range req.ProxyRequire {
		ok := slices.ContainsFunc(supported, func(s string) bool { return util.EqFold(s, token) })
		if !ok {
			unsupported = append(unsupported, token)
		}
	}
	return unsupported
}

// popLocalRoutes strips leading Route entries that point at this
// application.
func (c *Call) popLocalRoutes(req *Request) {
	tp := c.engine.col.Transport
	for len(req.Routes) > 0 && tp.IsLocalRoute(req.Routes[0]) {
		req.Routes = req.Routes[1:]
	}
}

// routeStateless forwards the request once to the first target with no
// transaction state. A target resolving to this application is a loop.
func (c *Call) routeStateless(ctx context.Context, req *Request, set URISet, opts *Options) (RouteResult, error) {
	uri := set[0][0]
	if c.engine.col.Transport.IsLocal(uri) {
		return replied(SynthesizeReply(req, ReplyLoopDetected)), nil
	}
	req.URI = uri.bareRequestURI()
	c.engine.col.Transport.AddVia(req, NewBranch())
	if err := c.engine.col.Transport.SendRequest(ctx, req, opts); err != nil {
		c.log.LogAttrs(ctx, slog.LevelWarn, "stateless forward failed", slog.Any("error", err))
		return replied(SynthesizeReply(req, ReplyServiceUnavailable)), nil
	}
	return RouteResult{Outcome: RouteStateless}, nil
}
