package sip

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"braces.dev/errtrace"

	"github.com/sipward/sipward/internal/errorutil"
)

// ErrForkNotFound is returned when a fork id resolves to nothing.
const ErrForkNotFound errorutil.Error = "fork not found"

// ForkFinal is the final latch: once set, no further upstream response
// is sent for the fork.
type ForkFinal string

const (
	ForkFinalNone ForkFinal = ""
	ForkFinal2xx  ForkFinal = "2xx"
	ForkFinal6xx  ForkFinal = "6xx"
)

// Fork drives one upstream request across its parallel and serial
// destination groups: it spawns one UAC per URI, collects the branch
// responses and commits exactly one final response upstream. Its id
// equals the upstream UAS transaction id, which is how the reply
// adapter finds its way back.
type Fork struct {
	id      TransactionID
	method  RequestMethod
	opts    *Options
	req     *Request
	uriset  URISet
	uacs    []TransactionID
	pending []TransactionID
	// responses accumulates non-2xx finals for best-response selection.
	responses []*Response
	final     ForkFinal
	started   time.Time
}

// ID returns the fork id.
func (f *Fork) ID() TransactionID { return f.id }

// Final returns the final latch state.
func (f *Fork) Final() ForkFinal { return f.final }

// LogValue implements [slog.LogValuer].
func (f *Fork) LogValue() slog.Value {
	if f == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("id", f.id.String()),
		slog.String("method", string(f.method)),
		slog.Int("pending", len(f.pending)),
		slog.Int("groups_left", len(f.uriset)),
		slog.String("final", string(f.final)),
	)
}

func (f *Fork) isPending(id TransactionID) bool {
	return slices.Contains(f.pending, id)
}

func (f *Fork) removePending(id TransactionID) {
	f.pending = slices.DeleteFunc(f.pending, func(p TransactionID) bool { return p == id })
}

// ForkStart creates a fork bound to the UAS transaction id and launches
// the first parallel group.
func (c *Call) ForkStart(ctx context.Context, uasID TransactionID, req *Request, uriset URISet, opts *Options) error {
	c.mu.Lock()
	err := c.forkStart(ctx, uasID, req, uriset, opts)
	c.collect()
	c.mu.Unlock()
	c.engine.dropIfEmpty(c)
	return errtrace.Wrap(err)
}

func (c *Call) forkStart(ctx context.Context, uasID TransactionID, req *Request, uriset URISet, opts *Options) error {
	if req == nil {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("invalid request"))
	}
	if _, dup := c.fork(uasID); dup {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("fork already exists"))
	}
	// The fork id comes from the upstream UAS transaction; keep the
	// Call's counter ahead of it so branch ids never collide.
	if uasID > c.next {
		c.next = uasID
	}
	f := &Fork{
		id:      uasID,
		method:  req.Method.ToUpper(),
		opts:    opts,
		req:     req.Clone(),
		uriset:  uriset.Clone(),
		started: now(),
	}
	c.addFork(f)
	if m := c.cfg.metrics(); m != nil {
		m.ForksStarted.Inc()
	}
	c.log.LogAttrs(ctx, slog.LevelDebug, "fork started", slog.Any("fork", f))
	c.forkNext(ctx, f)
	return nil
}

// forkNext advances the fork: waits while branches are pending, then
// either launches the next serial group or terminates, computing the
// best response when no final has been committed yet.
func (c *Call) forkNext(ctx context.Context, f *Fork) {
	if len(f.pending) > 0 {
		return
	}
	switch {
	case f.final != ForkFinalNone:
		c.forkDelete(ctx, f)
	case len(f.uriset) == 0 && f.method.Equal(RequestMethodAck):
		c.forkDelete(ctx, f)
	case len(f.uriset) == 0:
		best := c.forkBestResponse(f)
		c.forkReplyUpstream(ctx, f, best)
		c.forkDelete(ctx, f)
	default:
		group := f.uriset[0]
		f.uriset = f.uriset[1:]
		c.forkLaunch(ctx, f, group)
		// An all-failed group falls straight through to the next one.
		c.forkNext(ctx, f)
	}
}

// forkLaunch clones the stored request once per URI of the group and
// starts the branch UACs. A per-URI failure contributes a synthetic
// response and the loop continues.
func (c *Call) forkLaunch(ctx context.Context, f *Fork, group []URI) {
	col := c.engine.col
	for _, uri := range group {
		routes := uri.embeddedRoutes()

		req := f.req.Clone()
		req.URI = uri.bareRequestURI()
		req.MsgID = NewMsgID()
		if len(routes) > 0 {
			req.Routes = append(routes, req.Routes...)
		}

		if col.Transport.IsLocal(req.URI) {
			c.log.LogAttrs(ctx, slog.LevelDebug, "branch target is local",
				slog.Any("fork", f), slog.Any("uri", uri))
			f.responses = append(f.responses, SynthesizeReply(req, ReplyLoopDetected))
			continue
		}

		id, err := c.uacRequest(ctx, req, f.opts, ForkOrigin(f.id), 0)
		if err != nil {
			c.log.LogAttrs(ctx, slog.LevelWarn, "branch launch failed",
				slog.Any("fork", f), slog.Any("uri", uri), slog.Any("error", err))
			f.responses = append(f.responses, SynthesizeReply(req, ReplyInternalError))
			continue
		}
		f.uacs = append(f.uacs, id)
		if f.method.Equal(RequestMethodAck) {
			continue
		}
		// A branch can die inside the send path (dialog refusal,
		// transport error fed back as synthetic 503). Its final then
		// predates the pending registration and must be captured here
		// rather than awaited.
		if tx, ok := c.transaction(id); ok && tx.Status().IsTerminal() {
			if tx.resp != nil && tx.resp.Status.IsFinal() {
				f.responses = append(f.responses, tx.resp)
			}
			continue
		}
		f.pending = append(f.pending, id)
	}
}

// ForkResponse feeds a branch response into the fork.
func (c *Call) ForkResponse(ctx context.Context, forkID, uacID TransactionID, res *Response) error {
	c.mu.Lock()
	err := c.forkResponseChecked(ctx, forkID, uacID, res)
	c.collect()
	c.mu.Unlock()
	c.engine.dropIfEmpty(c)
	return errtrace.Wrap(err)
}

func (c *Call) forkResponseChecked(ctx context.Context, forkID, uacID TransactionID, res *Response) error {
	if _, ok := c.fork(forkID); !ok {
		return errtrace.Wrap(ErrForkNotFound)
	}
	c.forkResponse(ctx, forkID, uacID, res)
	return nil
}

// forkResponse is the fork-level response dispatch of RFC 3261 §16.7.
// Caller holds the mutex.
func (c *Call) forkResponse(ctx context.Context, forkID, uacID TransactionID, res *Response) {
	if res.Status < 101 {
		return
	}
	f, ok := c.fork(forkID)
	if !ok {
		c.log.LogAttrs(ctx, slog.LevelDebug, "response for unknown fork dropped",
			slog.String("fork", forkID.String()), slog.Any("response", res))
		return
	}

	if !f.isPending(uacID) {
		if slices.Contains(f.uacs, uacID) && res.Status.IsSuccessful() {
			// Late-arriving fork 2xx still travels upstream.
			c.forkReplyUpstream(ctx, f, res)
			return
		}
		if !slices.Contains(f.uacs, uacID) {
			c.log.LogAttrs(ctx, slog.LevelDebug, "response from unknown branch ignored",
				slog.Any("fork", f), slog.String("uac", uacID.String()))
		}
		return
	}

	switch {
	case res.Status.IsProvisional():
		if f.final == ForkFinalNone {
			c.forkForwardUpstream(ctx, f, res)
		}

	case res.Status.IsSuccessful():
		f.removePending(uacID)
		f.uriset = nil
		// The latch strictly precedes the CANCELs it causes, so a late
		// 2xx from a sibling can never displace this one.
		latched := f.final == ForkFinalNone
		if latched {
			f.final = ForkFinal2xx
		}
		c.forkCancelPending(ctx, f, cancelReason(ResponseStatusOK, "Call completed elsewhere"))
		if latched {
			c.forkForwardUpstream(ctx, f, res)
		}
		c.forkNext(ctx, f)

	case res.Status.IsRedirection():
		f.removePending(uacID)
		if f.opts.followRedirects() && f.final == ForkFinalNone && len(res.Contacts) > 0 {
			if group := f.redirectGroup(res); len(group) > 0 {
				f.uriset = append(URISet{group}, f.uriset...)
				c.forkNext(ctx, f)
				return
			}
		}
		f.responses = append(f.responses, res)
		c.forkNext(ctx, f)

	case res.Status.IsGlobalFailure():
		f.removePending(uacID)
		f.uriset = nil
		latched := f.final == ForkFinalNone
		if latched {
			f.final = ForkFinal6xx
		}
		c.forkCancelPending(ctx, f, cancelReason(res.Status, ""))
		if latched {
			c.forkForwardUpstream(ctx, f, res)
		}
		c.forkNext(ctx, f)

	default: // 4xx / 5xx
		f.removePending(uacID)
		f.responses = append(f.responses, res)
		c.forkNext(ctx, f)
	}
}

// redirectGroup extracts the next parallel group from a 3xx response's
// Contacts. When the original request-URI was sips, only sips Contacts
// survive.
func (f *Fork) redirectGroup(res *Response) []URI {
	sipsOnly := f.req.URI.IsSIPS()
	var group []URI
	for _, contact := range res.Contacts {
		if sipsOnly && !contact.URI.IsSIPS() {
			continue
		}
		group = append(group, contact.URI.asRequestURI())
	}
	return group
}

// ForkCancel cancels the fork: no further groups are launched and, for
// INVITE, every pending branch is cancelled.
func (c *Call) ForkCancel(ctx context.Context, forkID TransactionID) error {
	c.mu.Lock()
	f, ok := c.fork(forkID)
	if ok {
		c.forkCancel(ctx, f)
	}
	c.collect()
	c.mu.Unlock()
	c.engine.dropIfEmpty(c)
	if !ok {
		return errtrace.Wrap(ErrForkNotFound)
	}
	return nil
}

func (c *Call) forkCancel(ctx context.Context, f *Fork) {
	c.log.LogAttrs(ctx, slog.LevelDebug, "fork cancel", slog.Any("fork", f))
	f.uriset = nil
	if f.method.Equal(RequestMethodInvite) {
		c.forkCancelPending(ctx, f, "")
	}
}

// cancelReason renders an RFC 3326 Reason header value.
func cancelReason(status ResponseStatus, text string) string {
	reason := "SIP;cause=" + strconv.Itoa(int(status))
	if text != "" {
		reason += ";text=\"" + text + "\""
	}
	return reason
}

// forkCancelPending cancels every pending branch with the Reason value.
func (c *Call) forkCancelPending(ctx context.Context, f *Fork, reason string) {
	for _, id := range slices.Clone(f.pending) {
		tx, ok := c.transaction(id)
		if !ok {
			continue
		}
		c.uacCancel(ctx, tx, reason)
	}
}

// forkForwardUpstream sends one response upstream without ending the
// fork (provisionals and the latched final).
func (c *Call) forkForwardUpstream(ctx context.Context, f *Fork, res *Response) {
	if err := c.engine.col.UAS.Reply(ctx, f.id, res); err != nil {
		c.log.LogAttrs(ctx, slog.LevelWarn, "upstream reply failed",
			slog.Any("fork", f), slog.Any("error", err))
		return
	}
	if m := c.cfg.metrics(); m != nil && res.Status.IsFinal() {
		m.UpstreamReplies.WithLabelValues(strconv.Itoa(int(res.Status) / 100)).Inc()
	}
}

// forkReplyUpstream commits a final response upstream.
func (c *Call) forkReplyUpstream(ctx context.Context, f *Fork, res *Response) {
	c.log.LogAttrs(ctx, slog.LevelDebug, "fork reply upstream",
		slog.Any("fork", f), slog.Any("response", res))
	c.forkForwardUpstream(ctx, f, res)
}

func (c *Call) forkDelete(ctx context.Context, f *Fork) {
	c.log.LogAttrs(ctx, slog.LevelDebug, "fork terminated", slog.Any("fork", f))
	c.removeFork(f.id)
}

// --- best response -----------------------------------------------------

// bestResponseRank orders accumulated finals per RFC 3261 §16.7 point 6,
// with the local refinements: authentication challenges first so they can be
// aggregated, the unhelpful 415/420/484 next, 503 downgraded below any
// other 4xx, 6xx by own code, everything else by 10x code.
func bestResponseRank(status ResponseStatus) int {
	switch {
	case status == ResponseStatusUnauthorized || status == ResponseStatusProxyAuthenticationRequired:
		return 3999
	case status == ResponseStatusUnsupportedMediaType ||
		status == ResponseStatusBadExtension ||
		status == ResponseStatusAddressIncomplete:
		return 4000
	case status == ResponseStatusServiceUnavailable:
		return 5000
	case status.IsGlobalFailure():
		return int(status)
	default:
		return 10 * int(status)
	}
}

// forkBestResponse selects the single response to return upstream when
// every branch has failed. Ties break by arrival order.
func (c *Call) forkBestResponse(f *Fork) *Response {
	if len(f.responses) == 0 {
		return SynthesizeReply(f.req, ReplyTemporarilyUnavailable)
	}

	ranked := slices.Clone(f.responses)
	slices.SortStableFunc(ranked, func(a, b *Response) int {
		return bestResponseRank(a.Status) - bestResponseRank(b.Status)
	})
	best := ranked[0]

	switch {
	case bestResponseRank(best.Status) == 3999:
		best = mergeAuthChallenges(best, f.responses)
	case best.Status == ResponseStatusServiceUnavailable:
		// A lone 503 must not tell the upstream that this proxy is down.
		best = best.Clone()
		best.Status = ResponseStatusServerInternalError
		best.Reason = string(ResponseStatusServerInternalError.Reason())
	}
	return best
}

// mergeAuthChallenges folds every WWW-Authenticate and
// Proxy-Authenticate of all 401/407 responses into the winner, so the
// upstream can answer any branch's challenge.
func mergeAuthChallenges(winner *Response, all []*Response) *Response {
	winner = winner.Clone()
	winner.RemoveHeaders("WWW-Authenticate")
	winner.RemoveHeaders("Proxy-Authenticate")
	for _, res := range all {
		if res.Status != ResponseStatusUnauthorized && res.Status != ResponseStatusProxyAuthenticationRequired {
			continue
		}
		for _, name := range []string{"WWW-Authenticate", "Proxy-Authenticate"} {
			for _, val := range res.HeaderValues(name) {
				winner.Headers = append(winner.Headers, HeaderField{Name: name, Value: val})
			}
		}
	}
	return winner
}
