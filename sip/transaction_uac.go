package sip

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/sipward/sipward/internal/errorutil"
	"github.com/sipward/sipward/internal/timeutil"
)

// ErrTransactionNotFound is returned when an id or key resolves to no
// live transaction.
const ErrTransactionNotFound errorutil.Error = "transaction not found"

// FSM triggers shared by the INVITE and non-INVITE tables.
const (
	txEvtRecv1xx   = "recv_1xx"
	txEvtRecv2xx   = "recv_2xx"
	txEvtRecvFinal = "recv_final"
	txEvtFinish    = "finish"
)

// UAC is one client transaction: one downstream request, its state
// machine, timers, authentication retry counter and the response pair.
// All methods require the owning Call's mutex unless noted otherwise;
// the timer slots are atomic because timer goroutines stop them.
type UAC struct {
	id     TransactionID
	call   *Call
	fsm    *stateless.StateMachine
	req    *Request
	resp   *Response
	method RequestMethod
	ruri   URI
	proto  TransportProto
	opts   *Options
	origin Origin
	key    TransactionKey
	iter   int
	cancel CancelState
	// cancelReason is the Reason header value for an emitted CANCEL.
	cancelReason string
	toTags       []string
	started      time.Time

	tmrRetrans atomic.Pointer[timeutil.SerializableTimer]
	tmrTimeout atomic.Pointer[timeutil.SerializableTimer]
	tmrExpire  atomic.Pointer[timeutil.SerializableTimer]

	log *slog.Logger
}

func newUAC(c *Call, id TransactionID, req *Request, opts *Options, origin Origin, iter int) *UAC {
	tx := &UAC{
		id:      id,
		call:    c,
		req:     req,
		method:  req.Method.ToUpper(),
		ruri:    req.URI.Clone(),
		proto:   req.Proto,
		opts:    opts,
		origin:  origin,
		iter:    iter,
		cancel:  CancelNone,
		started: now(),
		log:     c.log.With(slog.String("uac", id.String())),
	}
	tx.key.FillFromRequest(c.appID, req) //nolint:errcheck
	tx.initFSM(initialStatus(tx.method))
	return tx
}

// Status returns the current state machine state.
func (tx *UAC) Status() TransactionStatus {
	return tx.fsm.MustState().(TransactionStatus) //nolint:forcetypeassert
}

// ID returns the transaction id.
func (tx *UAC) ID() TransactionID { return tx.id }

// Key returns the transaction key.
func (tx *UAC) Key() TransactionKey { return tx.key }

// LogValue implements [slog.LogValuer].
func (tx *UAC) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("id", tx.id.String()),
		slog.String("method", string(tx.method)),
		slog.String("status", string(tx.Status())),
		slog.Any("origin", tx.origin),
	)
}

func (tx *UAC) unreliable() bool {
	return !tx.call.engine.col.Transport.Reliable(tx.proto)
}

func (tx *UAC) timings() TimingConfig { return tx.call.cfg.timings() }

func (tx *UAC) initFSM(start TransactionStatus) {
	fsm := stateless.NewStateMachine(start)
	resType := reflect.TypeOf((*Response)(nil))
	fsm.SetTriggerParameters(txEvtRecv1xx, resType)
	fsm.SetTriggerParameters(txEvtRecv2xx, resType)
	fsm.SetTriggerParameters(txEvtRecvFinal, resType)

	switch start {
	case StatusInviteCalling:
		fsm.Configure(StatusInviteCalling).
			Permit(txEvtRecv1xx, StatusInviteProceeding).
			Permit(txEvtRecv2xx, StatusInviteAccepted).
			Permit(txEvtRecvFinal, StatusInviteCompleted).
			Permit(txEvtFinish, StatusFinished)

		fsm.Configure(StatusInviteProceeding).
			OnEntry(tx.actProceeding).
			Permit(txEvtRecv2xx, StatusInviteAccepted).
			Permit(txEvtRecvFinal, StatusInviteCompleted).
			Permit(txEvtFinish, StatusFinished)

		fsm.Configure(StatusInviteAccepted).
			OnEntry(tx.actAccepted).
			Permit(txEvtFinish, StatusFinished)

		fsm.Configure(StatusInviteCompleted).
			OnEntry(tx.actInviteCompleted).
			Permit(txEvtFinish, StatusFinished)

	case StatusTrying:
		fsm.Configure(StatusTrying).
			Permit(txEvtRecv1xx, StatusProceeding).
			Permit(txEvtRecvFinal, StatusCompleted).
			Permit(txEvtFinish, StatusFinished)

		fsm.Configure(StatusProceeding).
			OnEntry(tx.actProceeding).
			Permit(txEvtRecvFinal, StatusCompleted).
			Permit(txEvtFinish, StatusFinished)

		fsm.Configure(StatusCompleted).
			OnEntry(tx.actNonInviteCompleted).
			Permit(txEvtFinish, StatusFinished)

	case StatusAck:
		fsm.Configure(StatusAck).
			Permit(txEvtFinish, StatusFinished)
	}

	fsm.Configure(StatusFinished).
		OnEntry(tx.actFinished)

	tx.fsm = fsm
}

func (tx *UAC) fire(ctx context.Context, trigger string, args ...any) {
	if err := tx.fsm.FireCtx(ctx, trigger, args...); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", trigger, tx.Status(), err))
	}
}

// --- FSM entry actions -------------------------------------------------

// actProceeding runs on the first provisional: stop the retransmission
// timer and, for INVITE, replace timer B with timer C in the timeout
// slot. A non-INVITE keeps timer F running.
func (tx *UAC) actProceeding(ctx context.Context, _ ...any) error {
	tx.stopTimer(ctx, &tx.tmrRetrans, "retransmission")
	if tx.method.Equal(RequestMethodInvite) {
		tx.resetTimeout(ctx, TimerC, tx.timings().TimeC())
	}
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx))
	return nil
}

// actAccepted absorbs 2xx retransmits and forked 2xx for timer M.
func (tx *UAC) actAccepted(ctx context.Context, _ ...any) error {
	tx.stopTimer(ctx, &tx.tmrRetrans, "retransmission")
	tx.stopTimer(ctx, &tx.tmrExpire, "expire")
	tx.resetTimeout(ctx, TimerM, tx.timings().TimeM())
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction accepted", slog.Any("transaction", tx))
	return nil
}

// actInviteCompleted lingers in invite_completed for timer D on
// unreliable transport so retransmitted errors re-trigger the ACK.
func (tx *UAC) actInviteCompleted(ctx context.Context, _ ...any) error {
	tx.stopTimer(ctx, &tx.tmrRetrans, "retransmission")
	tx.stopTimer(ctx, &tx.tmrExpire, "expire")
	tx.resetTimeout(ctx, TimerD, tx.timings().TimeD())
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))
	return nil
}

// actNonInviteCompleted lingers for timer K. The request and response
// buffers are wiped; only the headers needed for retransmit detection
// stay.
func (tx *UAC) actNonInviteCompleted(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, &tx.tmrRetrans, "retransmission")
	tx.stopTimer(ctx, &tx.tmrExpire, "expire")
	if len(args) > 0 {
		if res, ok := args[0].(*Response); ok {
			tx.recordToTag(res.ToTag())
		}
	}
	tx.req.Body = nil
	if tx.resp != nil {
		tx.resp.Body = nil
	}
	tx.resetTimeout(ctx, TimerK, tx.timings().TimeK())
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))
	return nil
}

func (tx *UAC) actFinished(ctx context.Context, _ ...any) error {
	tx.stopTimers()
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction finished", slog.Any("transaction", tx))
	return nil
}

// --- timers ------------------------------------------------------------

// startTimers arms the per-method timers after a successful send.
func (tx *UAC) startTimers(ctx context.Context) {
	tm := tx.timings()
	if tx.method.Equal(RequestMethodInvite) {
		tx.resetTimeout(ctx, TimerB, tm.TimeB())
		if tx.req.Expires != nil && *tx.req.Expires > 0 {
			tx.startTimer(ctx, &tx.tmrExpire, TimerExpire, time.Duration(*tx.req.Expires)*time.Second)
		}
		if tx.unreliable() {
			tx.startTimer(ctx, &tx.tmrRetrans, TimerA, tm.TimeA())
		}
		return
	}
	tx.resetTimeout(ctx, TimerF, tm.TimeF())
	if tx.unreliable() {
		tx.startTimer(ctx, &tx.tmrRetrans, TimerE, tm.TimeE())
	}
}

// startTimer arms one slot. The callback re-resolves the transaction
// through the Call by (call, id, kind); it never holds the UAC itself.
func (tx *UAC) startTimer(ctx context.Context, slot *atomic.Pointer[timeutil.SerializableTimer], kind TimerKind, d time.Duration) {
	call, id := tx.call, tx.id
	tmr := timeutil.AfterFunc(d, func() { call.UACTimer(kind, id) })
	if old := slot.Swap(tmr); old != nil {
		old.Stop()
	}
	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"timer started",
		slog.Any("transaction", tx),
		slog.String("kind", string(kind)),
		slog.Time("expires_at", now().Add(tmr.Left())),
	)
}

// resetTimeout repurposes the shared timeout slot for the phase the
// transaction just entered (B, C, D, F, K or M).
func (tx *UAC) resetTimeout(ctx context.Context, kind TimerKind, d time.Duration) {
	tx.startTimer(ctx, &tx.tmrTimeout, kind, d)
}

func (tx *UAC) stopTimer(ctx context.Context, slot *atomic.Pointer[timeutil.SerializableTimer], name string) {
	if tmr := slot.Swap(nil); tmr != nil && tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer stopped",
			slog.Any("transaction", tx), slog.String("kind", name))
	}
}

// stopTimers stops every timer slot. Idempotent.
func (tx *UAC) stopTimers() {
	for _, slot := range []*atomic.Pointer[timeutil.SerializableTimer]{&tx.tmrRetrans, &tx.tmrTimeout, &tx.tmrExpire} {
		if tmr := slot.Swap(nil); tmr != nil {
			tmr.Stop()
		}
	}
}

// handleTimer dispatches a fired timer. Caller holds the Call mutex.
func (tx *UAC) handleTimer(ctx context.Context, kind TimerKind) {
	status := tx.Status()
	switch kind {
	case TimerA, TimerE:
		if status != StatusInviteCalling && status != StatusTrying {
			return
		}
		tx.retransmit(ctx, kind)
	case TimerB, TimerF:
		if status != StatusInviteCalling && status != StatusTrying && status != StatusProceeding {
			return
		}
		tx.recvResponse(ctx, SynthesizeReply(tx.req, ReplyTimeout, "Transaction Timeout"))
	case TimerC:
		if status != StatusInviteProceeding {
			return
		}
		tx.recvResponse(ctx, SynthesizeReply(tx.req, ReplyTimeout, "Timer C Timeout"))
	case TimerD:
		if status == StatusInviteCompleted {
			tx.fire(ctx, txEvtFinish)
		}
	case TimerK:
		if status == StatusCompleted {
			tx.fire(ctx, txEvtFinish)
		}
	case TimerM:
		if status == StatusInviteAccepted {
			tx.fire(ctx, txEvtFinish)
		}
	case TimerExpire:
		if status == StatusInviteCalling || status == StatusInviteProceeding {
			tx.call.uacCancel(ctx, tx, "")
		}
	}
}

// retransmit resends the request and doubles the interval; timer E is
// clamped at T2.
func (tx *UAC) retransmit(ctx context.Context, kind TimerKind) {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "retransmit request",
		slog.Any("transaction", tx), slog.String("kind", string(kind)))

	if err := tx.call.engine.col.Transport.ResendRequest(ctx, tx.req, tx.opts); err != nil {
		tx.log.LogAttrs(ctx, slog.LevelWarn, "retransmit failed",
			slog.Any("transaction", tx), slog.Any("error", err))
	}
	if m := tx.call.cfg.metrics(); m != nil {
		m.Retransmissions.Inc()
	}

	if tmr := tx.tmrRetrans.Load(); tmr != nil {
		next := 2 * tmr.Duration()
		if kind == TimerE && next > tx.timings().T2() {
			next = tx.timings().T2()
		}
		tmr.Reset(next)
	}
}

// --- receive path ------------------------------------------------------

// recvResponse drives the state machine with a response, real or
// synthetic. Caller holds the Call mutex.
func (tx *UAC) recvResponse(ctx context.Context, res *Response) {
	status := tx.Status()
	if status.IsTerminal() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "response for terminal transaction dropped",
			slog.Any("transaction", tx), slog.Any("response", res))
		return
	}

	// Hard wall-clock ceiling: an overdue response is replaced with a
	// synthetic 408 whatever it was.
	if now().Sub(tx.started) > tx.timings().MaxTransTime() {
		res = SynthesizeReply(tx.req, ReplyTimeout, "Transaction Timeout")
	}

	col := tx.call.engine.col
	if res.Status.IsSuccessful() {
		col.Auth.UpdateCache(tx.req, res)
	}
	if !tx.opts.noDialog() {
		col.Dialog.Response(tx.req, res, tx.opts)
	}
	// invite_completed keeps the error that completed the transaction so
	// retransmissions are compared against it.
	if status != StatusInviteCompleted {
		tx.resp = res
	}

	switch status {
	case StatusInviteCalling:
		// First response of any class also stops retransmission, then
		// the proceeding rules apply.
		tx.stopTimer(ctx, &tx.tmrRetrans, "retransmission")
		tx.recvInvite(ctx, res, true)
	case StatusInviteProceeding:
		tx.recvInvite(ctx, res, false)
	case StatusInviteAccepted:
		tx.recvInviteAccepted(ctx, res)
	case StatusInviteCompleted:
		tx.recvInviteCompleted(ctx, res)
	case StatusTrying:
		tx.stopTimer(ctx, &tx.tmrRetrans, "retransmission")
		tx.recvNonInvite(ctx, res, true)
	case StatusProceeding:
		tx.recvNonInvite(ctx, res, false)
	case StatusCompleted:
		tx.recvNonInviteCompleted(ctx, res)
	}
}

// recvInvite handles responses in invite_calling and invite_proceeding.
func (tx *UAC) recvInvite(ctx context.Context, res *Response, calling bool) {
	switch {
	case res.Status.IsProvisional():
		if calling {
			tx.fire(ctx, txEvtRecv1xx, res)
		} else {
			// Timer C restarts on every provisional.
			tx.resetTimeout(ctx, TimerC, tx.timings().TimeC())
		}
		tx.forward(ctx, res)
		if tx.cancel == CancelToCancel {
			tx.call.sendCancel(ctx, tx)
		}

	case res.Status.IsSuccessful():
		tx.fire(ctx, txEvtRecv2xx, res)
		tx.recordToTag(res.ToTag())
		tx.cancel = CancelNone
		tx.forward(ctx, res)

	case res.Synthetic:
		tx.forward(ctx, res)
		tx.fire(ctx, txEvtFinish)

	default:
		// A real error response acknowledges per RFC 3261 §17.1.1.3:
		// the stored request learns the response's To so the ACK and any
		// later CANCEL carry the remote tag.
		tx.req.To = res.To.Clone()
		tx.recordToTag(res.ToTag())
		tx.sendInviteErrorACK(ctx, res)
		if tx.unreliable() {
			tx.fire(ctx, txEvtRecvFinal, res)
		} else {
			tx.fire(ctx, txEvtFinish)
		}
		tx.finishWithAuthRetry(ctx, res)
	}
}

// recvInviteAccepted absorbs 2xx retransmits and catches forked 2xx
// with a new to-tag.
func (tx *UAC) recvInviteAccepted(ctx context.Context, res *Response) {
	if res.Status.IsProvisional() {
		return
	}
	if tag := res.ToTag(); len(tx.toTags) > 0 && tag == tx.toTags[0] {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "2xx retransmission absorbed",
			slog.Any("transaction", tx))
		return
	}
	tx.recvSecondary(ctx, res)
}

// recvInviteCompleted handles retransmitted error responses: same code
// re-triggers the ACK, a different code with the same tag is a peer bug,
// a new tag is a late fork response.
func (tx *UAC) recvInviteCompleted(ctx context.Context, res *Response) {
	tag := res.ToTag()
	if len(tx.toTags) > 0 && tag == tx.toTags[0] {
		if tx.resp != nil && res.Status == tx.resp.Status {
			tx.sendInviteErrorACK(ctx, res)
			return
		}
		tx.log.LogAttrs(ctx, slog.LevelDebug, "mismatched retransmission ignored",
			slog.Any("transaction", tx), slog.Any("response", res))
		return
	}
	tx.recvSecondary(ctx, res)
}

// recvNonInvite handles responses in trying and proceeding.
func (tx *UAC) recvNonInvite(ctx context.Context, res *Response, trying bool) {
	switch {
	case res.Status.IsProvisional():
		if trying {
			tx.fire(ctx, txEvtRecv1xx, res)
		}
		tx.forward(ctx, res)

	case res.Synthetic:
		tx.forward(ctx, res)
		tx.fire(ctx, txEvtFinish)

	default:
		if tx.unreliable() {
			tx.fire(ctx, txEvtRecvFinal, res)
		} else {
			tx.fire(ctx, txEvtFinish)
		}
		tx.finishWithAuthRetry(ctx, res)
	}
}

// recvNonInviteCompleted drops retransmissions and records fresh tags.
func (tx *UAC) recvNonInviteCompleted(ctx context.Context, res *Response) {
	tag := res.ToTag()
	if slices.Contains(tx.toTags, tag) {
		return
	}
	tx.recordToTag(tag)
}

func (tx *UAC) recordToTag(tag string) {
	if tag == "" || slices.Contains(tx.toTags, tag) {
		return
	}
	tx.toTags = append(tx.toTags, tag)
}

// sendInviteErrorACK acknowledges a non-2xx INVITE response inside the
// transaction, per RFC 3261 §17.1.1.3.
func (tx *UAC) sendInviteErrorACK(ctx context.Context, res *Response) {
	ack := &Request{
		Method: RequestMethodAck,
		URI:    tx.ruri.Clone(),
		From:   tx.req.From.Clone(),
		To:     res.To.Clone(),
		CallID: tx.req.CallID,
		CSeq:   CSeq{Seq: tx.req.CSeq.Seq, Method: RequestMethodAck},
		Routes: cloneSlice(tx.req.Routes),
		Proto:  tx.proto,
		MsgID:  NewMsgID(),
	}
	if via, ok := tx.req.TopVia(); ok {
		ack.Via = []Via{via.Clone()}
	}
	if err := tx.call.engine.col.Transport.ResendRequest(ctx, ack, tx.opts); err != nil {
		tx.log.LogAttrs(ctx, slog.LevelWarn, "error ack send failed",
			slog.Any("transaction", tx), slog.Any("error", err))
	}
}

// finishWithAuthRetry evaluates the authentication retry rule after a
// real terminal response; when no retry happens the original response is
// delivered to the origin.
func (tx *UAC) finishWithAuthRetry(ctx context.Context, res *Response) {
	if !tx.call.maybeAuthRetry(ctx, tx, res) {
		tx.forward(ctx, res)
	}
}

// forward routes a response to the transaction's origin.
func (tx *UAC) forward(ctx context.Context, res *Response) {
	switch tx.origin.Kind {
	case OriginKindFork:
		tx.call.forkResponse(ctx, tx.origin.Fork, tx.id, res)
	case OriginKindUser:
		ev := userEventForResponse(tx.origin.User, tx.req, res)
		ev.MsgID = tx.req.MsgID
		if !tx.origin.User.callback(ev) {
			tx.log.LogAttrs(ctx, slog.LevelDebug, "response without callback dropped",
				slog.Any("transaction", tx), slog.Any("response", res))
		}
	default:
		tx.log.LogAttrs(ctx, slog.LevelDebug, "response for detached transaction dropped",
			slog.Any("transaction", tx), slog.Any("response", res))
	}
}

// deliverError routes an error to a user origin.
func (tx *UAC) deliverError(ctx context.Context, err error) {
	if tx.origin.Kind != OriginKindUser {
		return
	}
	if !tx.origin.User.callback(UserEvent{Kind: UserEventError, Err: errtrace.Wrap(err), MsgID: tx.req.MsgID}) {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "error without callback dropped",
			slog.Any("transaction", tx), slog.Any("error", err))
	}
}

// recvSecondary handles a final response with an unseen to-tag past
// invite_proceeding: the engine cannot form a proper dialog anymore, so
// a detached task acknowledges and immediately tears the leg down.
func (tx *UAC) recvSecondary(ctx context.Context, res *Response) {
	tag := res.ToTag()
	tx.recordToTag(tag)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "secondary response",
		slog.Any("transaction", tx), slog.Any("response", res))

	if res.Status.IsSuccessful() {
		tx.ackAndByeDetached(res)
		if tx.origin.Kind == OriginKindFork {
			// A late fork 2xx still travels upstream; the fork decides.
			tx.call.forkResponse(ctx, tx.origin.Fork, tx.id, res)
		}
	}
}

// ackAndByeDetached issues ACK then BYE against the dialog the response
// denotes, best effort, off the Call task.
func (tx *UAC) ackAndByeDetached(res *Response) {
	target := tx.ruri.Clone()
	if len(res.Contacts) > 0 {
		target = res.Contacts[0].URI.Clone()
	}
	from := tx.req.From.Clone()
	to := res.To.Clone()
	callID := tx.req.CallID
	seq := tx.req.CSeq.Seq
	proto := tx.proto
	tp := tx.call.engine.col.Transport
	logger := tx.log

	go func() {
		ctx := context.Background()
		ack := &Request{
			Method: RequestMethodAck,
			URI:    target,
			Via:    []Via{{Proto: proto, Params: make(Values).Set("branch", NewBranch())}},
			From:   from,
			To:     to,
			CallID: callID,
			CSeq:   CSeq{Seq: seq, Method: RequestMethodAck},
			Proto:  proto,
			MsgID:  NewMsgID(),
		}
		if err := tp.SendRequest(ctx, ack, nil); err != nil {
			logger.LogAttrs(ctx, slog.LevelWarn, "secondary ack failed", slog.Any("error", err))
			return
		}
		bye := &Request{
			Method: RequestMethodBye,
			URI:    target.Clone(),
			Via:    []Via{{Proto: proto, Params: make(Values).Set("branch", NewBranch())}},
			From:   from.Clone(),
			To:     to.Clone(),
			CallID: callID,
			CSeq:   CSeq{Seq: seq + 1, Method: RequestMethodBye},
			Proto:  proto,
			MsgID:  NewMsgID(),
		}
		if err := tp.SendRequest(ctx, bye, nil); err != nil {
			logger.LogAttrs(ctx, slog.LevelWarn, "secondary bye failed", slog.Any("error", err))
		}
	}()
}
