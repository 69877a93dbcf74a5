package sip

import (
	"context"
	"errors"
	"log/slog"

	"braces.dev/errtrace"

	"github.com/sipward/sipward/internal/errorutil"
)

// UACRequest launches a new client transaction for the request and
// returns its id. The request is cloned; the engine owns the copy.
func (c *Call) UACRequest(ctx context.Context, req *Request, opts *Options, origin Origin) (TransactionID, error) {
	c.mu.Lock()
	id, err := c.uacRequest(ctx, req, opts, origin, 0)
	c.collect()
	c.mu.Unlock()
	c.engine.dropIfEmpty(c)
	return id, errtrace.Wrap(err)
}

// uacRequest is the send path of RFC 3261 §17.1: mint a branch, allocate the
// transaction, run the ACK or regular send flow, arm timers.
// Caller holds the mutex.
func (c *Call) uacRequest(ctx context.Context, req *Request, opts *Options, origin Origin, iter int) (TransactionID, error) {
	if req == nil || req.Method == "" {
		return 0, errtrace.Wrap(errorutil.NewInvalidArgumentError("invalid request"))
	}
	req = req.Clone()
	if req.MsgID == "" {
		req.MsgID = NewMsgID()
	}

	col := c.engine.col
	isCancel := req.Method.Equal(RequestMethodCancel)
	if !isCancel {
		col.Transport.AddVia(req, NewBranch())
	}

	tx := newUAC(c, c.nextID(), req, opts, origin, iter)
	c.addTransaction(tx)
	c.indexMsg(req.MsgID, tx.id, "")
	if m := c.cfg.metrics(); m != nil {
		m.TransactionsStarted.WithLabelValues(string(tx.method)).Inc()
	}

	c.log.LogAttrs(ctx, slog.LevelDebug, "uac request", slog.Any("transaction", tx), slog.Any("request", req))

	// Asynchronous user origins are acknowledged before any network IO.
	if origin.Kind == OriginKindUser && opts.async() {
		ev := UserEvent{Kind: UserEventOk}
		if !tx.method.Equal(RequestMethodAck) {
			ev.MsgID = req.MsgID
		}
		origin.User.callback(ev)
	}

	if tx.method.Equal(RequestMethodAck) {
		c.sendACK(ctx, tx)
		return tx.id, nil
	}

	// The dialog layer may refuse before anything hits the wire.
	if !opts.noDialog() {
		if err := col.Dialog.Request(req, opts); err != nil {
			kind := ReplyInternalError
			switch {
			case errors.Is(err, ErrRequestPending):
				kind = ReplyRequestPending
			case errors.Is(err, ErrUnknownDialog):
				kind = ReplyUnknownDialog
			}
			tx.recvResponse(ctx, SynthesizeReply(req, kind))
			return tx.id, nil
		}
	}

	var err error
	if isCancel {
		// CANCEL reuses the branch and target of the request it cancels.
		err = col.Transport.ResendRequest(ctx, req, opts)
	} else {
		err = col.Transport.SendRequest(ctx, req, opts)
	}
	if err != nil {
		// A transport failure becomes a synthetic 503 fed through the
		// receive path, reusing the full response machinery.
		c.log.LogAttrs(ctx, slog.LevelWarn, "send failed",
			slog.Any("transaction", tx), slog.Any("error", err))
		tx.recvResponse(ctx, SynthesizeReply(req, ReplyServiceUnavailable))
		return tx.id, nil
	}

	tx.startTimers(ctx)
	return tx.id, nil
}

// sendACK runs the ACK branch of the send path: straight to transport,
// then dialog and auth bookkeeping, terminal immediately.
func (c *Call) sendACK(ctx context.Context, tx *UAC) {
	col := c.engine.col
	if err := col.Transport.SendRequest(ctx, tx.req, tx.opts); err != nil {
		c.log.LogAttrs(ctx, slog.LevelWarn, "ack send failed",
			slog.Any("transaction", tx), slog.Any("error", err))
		tx.deliverError(ctx, errorutil.NewWrapperError(ErrNetwork, err))
		tx.fire(ctx, txEvtFinish)
		return
	}
	if !tx.opts.noDialog() {
		col.Dialog.ACK(tx.req, tx.opts)
	}
	col.Auth.UpdateCache(tx.req, nil)
	tx.fire(ctx, txEvtFinish)
}

// UACResponse feeds an inbound response into the transaction that sent
// the matching request. Responses that match nothing are logged and
// dropped.
func (c *Call) UACResponse(ctx context.Context, res *Response) error {
	c.mu.Lock()
	err := c.uacResponse(ctx, res)
	c.collect()
	c.mu.Unlock()
	c.engine.dropIfEmpty(c)
	return errtrace.Wrap(err)
}

func (c *Call) uacResponse(ctx context.Context, res *Response) error {
	var key TransactionKey
	if err := key.FillFromResponse(c.appID, res); err != nil {
		return errtrace.Wrap(err)
	}
	tx, ok := c.transactionByKey(key)
	if !ok {
		c.log.LogAttrs(ctx, slog.LevelDebug, "response matched no transaction",
			slog.Any("key", key), slog.Any("response", res))
		return nil
	}
	tx.recvResponse(ctx, res)
	return nil
}

// UACCancel cancels the INVITE transaction. Before the first
// provisional the cancel is deferred; past proceeding it is a no-op.
func (c *Call) UACCancel(ctx context.Context, id TransactionID, reason string) error {
	c.mu.Lock()
	tx, ok := c.transaction(id)
	if ok {
		c.uacCancel(ctx, tx, reason)
	}
	c.collect()
	c.mu.Unlock()
	c.engine.dropIfEmpty(c)
	if !ok {
		return errtrace.Wrap(ErrTransactionNotFound)
	}
	return nil
}

// uacCancel implements RFC 3261 §9.1: CANCEL only applies to INVITE and
// must wait for a provisional response. Caller holds the mutex.
func (c *Call) uacCancel(ctx context.Context, tx *UAC, reason string) {
	if !tx.method.Equal(RequestMethodInvite) {
		return
	}
	switch tx.Status() {
	case StatusInviteCalling:
		tx.cancel = CancelToCancel
		tx.cancelReason = reason
	case StatusInviteProceeding:
		tx.cancelReason = reason
		c.sendCancel(ctx, tx)
	default:
	}
}

// sendCancel builds a CANCEL from the stored request and launches it as
// its own transaction, detached from any dialog and origin.
func (c *Call) sendCancel(ctx context.Context, tx *UAC) {
	tx.cancel = CancelCancelled

	cancel := &Request{
		Method: RequestMethodCancel,
		URI:    tx.ruri.Clone(),
		From:   tx.req.From.Clone(),
		To:     tx.req.To.Clone(),
		CallID: tx.req.CallID,
		CSeq:   CSeq{Seq: tx.req.CSeq.Seq, Method: RequestMethodCancel},
		Routes: cloneSlice(tx.req.Routes),
		Proto:  tx.proto,
	}
	if via, ok := tx.req.TopVia(); ok {
		cancel.Via = []Via{via.Clone()}
	}
	if tx.cancelReason != "" {
		cancel.Headers = append(cancel.Headers, HeaderField{Name: "Reason", Value: tx.cancelReason})
	}

	if _, err := c.uacRequest(ctx, cancel, &Options{NoDialog: true}, NoOrigin(), 0); err != nil {
		c.log.LogAttrs(ctx, slog.LevelWarn, "cancel launch failed",
			slog.Any("transaction", tx), slog.Any("error", err))
	}
}

// UACTimer is the timer-fire event entry. It re-resolves the
// transaction by id; timers of collected transactions fall through.
func (c *Call) UACTimer(kind TimerKind, id TransactionID) {
	ctx := context.Background()
	c.mu.Lock()
	if tx, ok := c.transaction(id); ok {
		tx.handleTimer(ctx, kind)
	}
	c.collect()
	c.mu.Unlock()
	c.engine.dropIfEmpty(c)
}

// maybeAuthRetry re-issues the request with credentials when the
// terminal response is an authentication challenge and the retry budget
// allows. Caller holds the mutex.
func (c *Call) maybeAuthRetry(ctx context.Context, tx *UAC, res *Response) bool {
	if res.Status != ResponseStatusUnauthorized && res.Status != ResponseStatusProxyAuthenticationRequired {
		return false
	}
	if tx.iter >= c.cfg.maxAuthRetries()-1 {
		return false
	}
	if tx.method.Equal(RequestMethodCancel) || tx.method.Equal(RequestMethodAck) {
		return false
	}
	if tx.origin.Kind == OriginKindFork {
		return false
	}

	col := c.engine.col
	req, ok, err := col.Auth.MakeRequest(tx.req, res, tx.opts)
	if err != nil || !ok || req == nil {
		if err != nil {
			c.log.LogAttrs(ctx, slog.LevelWarn, "auth request build failed",
				slog.Any("transaction", tx), slog.Any("error", err))
		}
		return false
	}

	seq, err := col.Dialog.NewLocalSeq(req)
	if err != nil {
		c.log.LogAttrs(ctx, slog.LevelWarn, "auth retry seq allocation failed",
			slog.Any("transaction", tx), slog.Any("error", err))
		return false
	}
	req = req.Clone()
	req.CSeq = CSeq{Seq: seq, Method: tx.method}
	// The stale Via goes away; the send path adds a fresh branch.
	if len(req.Via) > 0 {
		req.Via = req.Via[1:]
	}
	req.MsgID = ""

	opts := tx.opts.Clone()
	if opts != nil {
		opts.MakeContact = false
	}

	if m := c.cfg.metrics(); m != nil {
		m.AuthRetries.Inc()
	}
	if _, err := c.uacRequest(ctx, req, opts, tx.origin, tx.iter+1); err != nil {
		c.log.LogAttrs(ctx, slog.LevelWarn, "auth retry launch failed",
			slog.Any("transaction", tx), slog.Any("error", err))
		return false
	}
	return true
}
