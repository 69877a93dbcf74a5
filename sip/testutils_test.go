package sip_test

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/sipward/sipward/sip"
)

// fastTimings keeps timer-driven tests under a second.
func fastTimings(t1 time.Duration) sip.TimingConfig {
	return sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute)
}

type sentRequest struct {
	req    *sip.Request
	resend bool
}

// stubTransport records every send and can be scripted to fail.
type stubTransport struct {
	mu        sync.Mutex
	reqs      []sentRequest
	responses []*sip.Response
	reqCh     chan sentRequest

	reliable bool
	failNext bool
	local    map[string]bool
	flows    map[sip.FlowHandle]bool
}

func newStubTransport(reliable bool) *stubTransport {
	return &stubTransport{
		reqCh:    make(chan sentRequest, 64),
		reliable: reliable,
		local:    make(map[string]bool),
		flows:    make(map[sip.FlowHandle]bool),
	}
}

func (tp *stubTransport) record(req *sip.Request, resend bool) error {
	tp.mu.Lock()
	fail := tp.failNext
	tp.failNext = false
	if !fail {
		tp.reqs = append(tp.reqs, sentRequest{req, resend})
	}
	tp.mu.Unlock()
	if fail {
		return errSendFailed
	}
	tp.reqCh <- sentRequest{req, resend}
	return nil
}

const errSendFailed = stubErr("send failed")

type stubErr string

func (e stubErr) Error() string { return string(e) }

func (tp *stubTransport) SendRequest(_ context.Context, req *sip.Request, _ *sip.Options) error {
	return tp.record(req, false)
}

func (tp *stubTransport) ResendRequest(_ context.Context, req *sip.Request, _ *sip.Options) error {
	return tp.record(req, true)
}

func (tp *stubTransport) SendResponse(_ context.Context, res *sip.Response, _ *sip.Options) error {
	tp.mu.Lock()
	tp.responses = append(tp.responses, res)
	tp.mu.Unlock()
	return nil
}

func (tp *stubTransport) AddVia(req *sip.Request, branch string) {
	via := sip.Via{
		Proto:  req.Proto,
		SentBy: "proxy.test:5060",
		Params: make(sip.Values).Set("branch", branch),
	}
	req.Via = append([]sip.Via{via}, req.Via...)
}

func (tp *stubTransport) GetConnected(handle sip.FlowHandle) (bool, error) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.flows[handle], nil
}

func (tp *stubTransport) IsLocal(uri sip.URI) bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.local[uri.Host]
}

func (tp *stubTransport) IsLocalRoute(route sip.NameAddr) bool {
	return tp.IsLocal(route.URI)
}

func (tp *stubTransport) Reliable(sip.TransportProto) bool { return tp.reliable }

func (tp *stubTransport) sent() []sentRequest {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return slices.Clone(tp.reqs)
}

// sentByMethod filters recorded sends.
func (tp *stubTransport) sentByMethod(method sip.RequestMethod) []sentRequest {
	var out []sentRequest
	for _, s := range tp.sent() {
		if s.req.Method.Equal(method) {
			out = append(out, s)
		}
	}
	return out
}

func (tp *stubTransport) waitSend(t *testing.T, timeout time.Duration) sentRequest {
	t.Helper()
	select {
	case s := <-tp.reqCh:
		return s
	case <-time.After(timeout):
		t.Fatalf("no request sent within %v", timeout)
		return sentRequest{}
	}
}

func (tp *stubTransport) drainSends() {
	for {
		select {
		case <-tp.reqCh:
		default:
			return
		}
	}
}

func (tp *stubTransport) ensureNoSend(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case s := <-tp.reqCh:
		t.Fatalf("unexpected %q request sent", s.req.Method)
	case <-time.After(d):
	}
}

// stubDialog accepts everything unless scripted to refuse.
type stubDialog struct {
	mu     sync.Mutex
	refuse error
	seq    uint32
	acks   int
}

func (d *stubDialog) Request(*sip.Request, *sip.Options) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.refuse
}

func (d *stubDialog) Response(*sip.Request, *sip.Response, *sip.Options) {}

func (d *stubDialog) ACK(*sip.Request, *sip.Options) {
	d.mu.Lock()
	d.acks++
	d.mu.Unlock()
}

func (d *stubDialog) NewLocalSeq(*sip.Request) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq += 100
	return d.seq, nil
}

// stubAuth answers challenges when armed with credentials.
type stubAuth struct {
	mu          sync.Mutex
	credentials bool
	cacheHits   int
}

func (a *stubAuth) MakeRequest(req *sip.Request, _ *sip.Response, _ *sip.Options) (*sip.Request, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.credentials {
		return nil, false, nil
	}
	authorized := req.Clone()
	authorized.Headers = append(authorized.Headers, sip.HeaderField{Name: "Authorization", Value: "Digest stub"})
	return authorized, true, nil
}

func (a *stubAuth) UpdateCache(*sip.Request, *sip.Response) {
	a.mu.Lock()
	a.cacheHits++
	a.mu.Unlock()
}

// stubUAS records upstream replies.
type stubUAS struct {
	mu      sync.Mutex
	replies []*sip.Response
}

func (u *stubUAS) Reply(_ context.Context, _ sip.TransactionID, res *sip.Response) error {
	u.mu.Lock()
	u.replies = append(u.replies, res)
	u.mu.Unlock()
	return nil
}

func (u *stubUAS) all() []*sip.Response {
	u.mu.Lock()
	defer u.mu.Unlock()
	return slices.Clone(u.replies)
}

func (u *stubUAS) statuses() []sip.ResponseStatus {
	var out []sip.ResponseStatus
	for _, res := range u.all() {
		out = append(out, res.Status)
	}
	return out
}

type testEnv struct {
	engine *sip.Engine
	tp     *stubTransport
	dlg    *stubDialog
	auth   *stubAuth
	uas    *stubUAS
}

func newTestEnv(t *testing.T, reliable bool, t1 time.Duration) *testEnv {
	t.Helper()
	env := &testEnv{
		tp:   newStubTransport(reliable),
		dlg:  &stubDialog{},
		auth: &stubAuth{},
		uas:  &stubUAS{},
	}
	engine, err := sip.NewEngine(sip.Collaborators{
		Transport: env.tp,
		Dialog:    env.dlg,
		Auth:      env.auth,
		UAS:       env.uas,
	}, &sip.Config{
		AppID:     "test",
		Timings:   fastTimings(t1),
		Supported: []string{"path", "outbound", "100rel"},
		Allow:     []sip.RequestMethod{sip.RequestMethodInvite, sip.RequestMethodAck, sip.RequestMethodCancel, sip.RequestMethodBye, sip.RequestMethodOptions},
	})
	if err != nil {
		t.Fatalf("sip.NewEngine(col, cfg) error = %v, want nil", err)
	}
	env.engine = engine
	return env
}

func mustURI(t *testing.T, s string) sip.URI {
	t.Helper()
	u, err := sip.ParseURI(s)
	if err != nil {
		t.Fatalf("sip.ParseURI(%q) error = %v, want nil", s, err)
	}
	return u
}

// newInviteReq builds the upstream request template for a proxied call.
func newInviteReq(t *testing.T, callID string) *sip.Request {
	t.Helper()
	hops := 70
	return &sip.Request{
		Method: sip.RequestMethodInvite,
		URI:    mustURI(t, "sip:callee@example.com"),
		Via: []sip.Via{{
			Proto:  sip.TransportUDP,
			SentBy: "caller.test:5060",
			Params: make(sip.Values).Set("branch", sip.MagicCookie+".upstream"),
		}},
		From:        sip.NameAddr{URI: mustURI(t, "sip:caller@example.com")}.WithTag("from-tag"),
		To:          sip.NameAddr{URI: mustURI(t, "sip:callee@example.com")},
		CallID:      callID,
		CSeq:        sip.CSeq{Seq: 1, Method: sip.RequestMethodInvite},
		MaxForwards: &hops,
		Proto:       sip.TransportUDP,
	}
}

func newReq(t *testing.T, method sip.RequestMethod, callID string) *sip.Request {
	t.Helper()
	req := newInviteReq(t, callID)
	req.Method = method
	req.CSeq.Method = method
	return req
}

// resFor builds a downstream response answering a request the stub
// transport captured.
func resFor(req *sip.Request, status sip.ResponseStatus, toTag string) *sip.Response {
	to := req.To.Clone()
	if toTag != "" {
		to = to.WithTag(toTag)
	}
	return &sip.Response{
		Status: status,
		Reason: string(status.Reason()),
		Via:    slices.Clone(req.Via),
		From:   req.From.Clone(),
		To:     to,
		CallID: req.CallID,
		CSeq:   req.CSeq,
		Proto:  req.Proto,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not reached within %v", timeout)
}
