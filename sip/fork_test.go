package sip_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sipward/sipward/sip"
)

const forkT1 = 20 * time.Millisecond

func routeFork(t *testing.T, env *testEnv, callID string, req *sip.Request, uriset any, opts *sip.Options) *sip.Call {
	t.Helper()
	call := env.engine.Call(callID)
	result, err := call.ProxyRoute(context.Background(), &sip.UASContext{ID: 1000, Request: req}, uriset, opts)
	if err != nil {
		t.Fatalf("call.ProxyRoute() error = %v, want nil", err)
	}
	if result.Outcome != sip.RouteForked {
		t.Fatalf("result.Outcome = %q, want %q", result.Outcome, sip.RouteForked)
	}
	return call
}

func finalStatuses(uas *stubUAS) []sip.ResponseStatus {
	var out []sip.ResponseStatus
	for _, s := range uas.statuses() {
		if s.IsFinal() {
			out = append(out, s)
		}
	}
	return out
}

// Parallel fork, one branch answers: the 200 wins, the siblings are
// cancelled with "Call completed elsewhere" and their late errors are
// absorbed silently.
func TestFork_ParallelOneAnswers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, false, forkT1)
	req := newInviteReq(t, "fork-parallel")

	routeFork(t, env, "fork-parallel", req, []string{"sip:a@a.test", "sip:b@b.test", "sip:c@c.test"}, nil)

	invites := env.tp.sentByMethod(sip.RequestMethodInvite)
	if len(invites) != 3 {
		t.Fatalf("branch INVITEs sent = %d, want 3", len(invites))
	}

	// Everyone rings so the siblings are cancellable immediately.
	for i, tag := range []string{"tag-a", "tag-b", "tag-c"} {
		if err := env.engine.RecvResponse(ctx, resFor(invites[i].req, sip.ResponseStatusRinging, tag)); err != nil {
			t.Fatalf("RecvResponse(180) error = %v, want nil", err)
		}
	}
	if got := len(env.uas.all()); got != 3 {
		t.Fatalf("upstream provisionals = %d, want 3", got)
	}

	if err := env.engine.RecvResponse(ctx, resFor(invites[0].req, sip.ResponseStatusOK, "tag-a")); err != nil {
		t.Fatalf("RecvResponse(200) error = %v, want nil", err)
	}

	finals := finalStatuses(env.uas)
	if len(finals) != 1 || finals[0] != sip.ResponseStatusOK {
		t.Fatalf("upstream finals = %v, want [200]", finals)
	}

	cancels := env.tp.sentByMethod(sip.RequestMethodCancel)
	if len(cancels) != 2 {
		t.Fatalf("CANCELs sent = %d, want 2", len(cancels))
	}
	for _, cancel := range cancels {
		var reason string
		for _, h := range cancel.req.Headers {
			if h.Name == "Reason" {
				reason = h.Value
			}
		}
		if want := `SIP;cause=200;text="Call completed elsewhere"`; reason != want {
			t.Fatalf("CANCEL Reason = %q, want %q", reason, want)
		}
	}

	// Late branch errors are absorbed without another upstream final.
	if err := env.engine.RecvResponse(ctx, resFor(invites[1].req, sip.ResponseStatusBusyHere, "tag-b")); err != nil {
		t.Fatalf("RecvResponse(486) error = %v, want nil", err)
	}
	if err := env.engine.RecvResponse(ctx, resFor(invites[2].req, sip.ResponseStatusRequestTerminated, "tag-c")); err != nil {
		t.Fatalf("RecvResponse(487) error = %v, want nil", err)
	}
	if finals := finalStatuses(env.uas); len(finals) != 1 {
		t.Fatalf("upstream finals after late errors = %v, want [200]", finals)
	}
}

// Serial groups: the second group launches only after the first fails,
// and the best response wins (404 over 486).
func TestFork_SerialAllFail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, false, forkT1)
	req := newInviteReq(t, "fork-serial")

	uriset := sip.URISet{
		{mustURI(t, "sip:a@a.test")},
		{mustURI(t, "sip:b@b.test")},
	}
	routeFork(t, env, "fork-serial", req, uriset, nil)

	invites := env.tp.sentByMethod(sip.RequestMethodInvite)
	if len(invites) != 1 {
		t.Fatalf("initial INVITEs = %d, want 1 (serial groups)", len(invites))
	}

	if err := env.engine.RecvResponse(ctx, resFor(invites[0].req, sip.ResponseStatusBusyHere, "tag-a")); err != nil {
		t.Fatalf("RecvResponse(486) error = %v, want nil", err)
	}

	invites = env.tp.sentByMethod(sip.RequestMethodInvite)
	if len(invites) != 2 {
		t.Fatalf("INVITEs after first failure = %d, want 2", len(invites))
	}
	if got, want := invites[1].req.URI.Host, "b.test"; got != want {
		t.Fatalf("second branch host = %q, want %q", got, want)
	}

	if err := env.engine.RecvResponse(ctx, resFor(invites[1].req, sip.ResponseStatusNotFound, "tag-b")); err != nil {
		t.Fatalf("RecvResponse(404) error = %v, want nil", err)
	}

	finals := finalStatuses(env.uas)
	if len(finals) != 1 || finals[0] != sip.ResponseStatusNotFound {
		t.Fatalf("upstream finals = %v, want [404]", finals)
	}
}

// Aggregated authentication: the earliest challenge wins and carries
// every branch's challenge headers.
func TestFork_AggregatedAuthChallenge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, false, forkT1)
	req := newInviteReq(t, "fork-auth")

	routeFork(t, env, "fork-auth", req, []string{"sip:a@a.test", "sip:b@b.test"}, nil)

	invites := env.tp.sentByMethod(sip.RequestMethodInvite)
	if len(invites) != 2 {
		t.Fatalf("branch INVITEs = %d, want 2", len(invites))
	}

	res401 := resFor(invites[0].req, sip.ResponseStatusUnauthorized, "tag-a")
	res401.Headers = append(res401.Headers, sip.HeaderField{Name: "WWW-Authenticate", Value: "Digest realm=\"w1\""})
	res407 := resFor(invites[1].req, sip.ResponseStatusProxyAuthenticationRequired, "tag-b")
	res407.Headers = append(res407.Headers, sip.HeaderField{Name: "Proxy-Authenticate", Value: "Digest realm=\"p1\""})

	if err := env.engine.RecvResponse(ctx, res401); err != nil {
		t.Fatalf("RecvResponse(401) error = %v, want nil", err)
	}
	if err := env.engine.RecvResponse(ctx, res407); err != nil {
		t.Fatalf("RecvResponse(407) error = %v, want nil", err)
	}

	finals := env.uas.all()
	if len(finals) != 1 {
		t.Fatalf("upstream finals = %d, want 1", len(finals))
	}
	winner := finals[0]
	if winner.Status != sip.ResponseStatusUnauthorized {
		t.Fatalf("winner.Status = %d, want 401", winner.Status)
	}
	www := winner.HeaderValues("WWW-Authenticate")
	proxy := winner.HeaderValues("Proxy-Authenticate")
	if len(www) != 1 || !strings.Contains(www[0], "w1") {
		t.Fatalf("WWW-Authenticate = %v, want the 401's challenge", www)
	}
	if len(proxy) != 1 || !strings.Contains(proxy[0], "p1") {
		t.Fatalf("Proxy-Authenticate = %v, want the 407's challenge aggregated in", proxy)
	}
}

// Every branch 503: the winner is downgraded to 500 before going
// upstream.
func TestFork_503Downgrade(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, false, forkT1)
	req := newInviteReq(t, "fork-503")

	routeFork(t, env, "fork-503", req, []string{"sip:a@a.test", "sip:b@b.test"}, nil)

	invites := env.tp.sentByMethod(sip.RequestMethodInvite)
	for i, tag := range []string{"tag-a", "tag-b"} {
		if err := env.engine.RecvResponse(ctx, resFor(invites[i].req, sip.ResponseStatusServiceUnavailable, tag)); err != nil {
			t.Fatalf("RecvResponse(503) error = %v, want nil", err)
		}
	}

	finals := finalStatuses(env.uas)
	if len(finals) != 1 || finals[0] != sip.ResponseStatusServerInternalError {
		t.Fatalf("upstream finals = %v, want [500]", finals)
	}
}

// Redirect following with sips filtering: only sips Contacts of the 302
// become the next group.
func TestFork_FollowRedirectsSIPSFilter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, false, forkT1)
	req := newInviteReq(t, "fork-redirect")
	req.URI = mustURI(t, "sips:x@x.test")

	routeFork(t, env, "fork-redirect", req, []string{"sips:a@a.test"}, &sip.Options{FollowRedirects: true})

	invites := env.tp.sentByMethod(sip.RequestMethodInvite)
	if len(invites) != 1 {
		t.Fatalf("initial INVITEs = %d, want 1", len(invites))
	}

	res := resFor(invites[0].req, sip.ResponseStatusMovedTemporarily, "tag-a")
	res.Contacts = []sip.NameAddr{
		{URI: mustURI(t, "sips:y@y.test")},
		{URI: mustURI(t, "sip:z@z.test")},
	}
	if err := env.engine.RecvResponse(ctx, res); err != nil {
		t.Fatalf("RecvResponse(302) error = %v, want nil", err)
	}

	invites = env.tp.sentByMethod(sip.RequestMethodInvite)
	if len(invites) != 2 {
		t.Fatalf("INVITEs after redirect = %d, want 2 (only the sips Contact)", len(invites))
	}
	if got, want := invites[1].req.URI.Host, "y.test"; got != want {
		t.Fatalf("redirected branch host = %q, want %q", got, want)
	}
	if got, want := invites[1].req.URI.Scheme, "sips"; got != want {
		t.Fatalf("redirected branch scheme = %q, want %q", got, want)
	}
	if finals := finalStatuses(env.uas); len(finals) != 0 {
		t.Fatalf("upstream finals during redirect = %v, want none yet", finals)
	}
}

// A late 2xx with a fresh to-tag on an already-answered branch: the
// engine tears the surplus dialog down with ACK+BYE and still forwards
// the 2xx upstream while the fork lives.
func TestFork_LateSecondary2xx(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, false, forkT1)
	req := newInviteReq(t, "fork-late")

	routeFork(t, env, "fork-late", req, []string{"sip:a@a.test", "sip:b@b.test"}, nil)

	invites := env.tp.sentByMethod(sip.RequestMethodInvite)
	if len(invites) != 2 {
		t.Fatalf("branch INVITEs = %d, want 2", len(invites))
	}

	// Both ring; A answers. B stays pending so the fork survives.
	for i, tag := range []string{"tag-a1", "tag-b"} {
		if err := env.engine.RecvResponse(ctx, resFor(invites[i].req, sip.ResponseStatusRinging, tag)); err != nil {
			t.Fatalf("RecvResponse(180) error = %v, want nil", err)
		}
	}
	if err := env.engine.RecvResponse(ctx, resFor(invites[0].req, sip.ResponseStatusOK, "tag-a1")); err != nil {
		t.Fatalf("RecvResponse(200) error = %v, want nil", err)
	}
	env.tp.drainSends()

	// A second 200 from a different leg of A's downstream fork.
	late := resFor(invites[0].req, sip.ResponseStatusOK, "tag-a2")
	late.Contacts = []sip.NameAddr{{URI: mustURI(t, "sip:a2@a.test")}}
	if err := env.engine.RecvResponse(ctx, late); err != nil {
		t.Fatalf("RecvResponse(late 200) error = %v, want nil", err)
	}

	// The detached task acknowledges and hangs the surplus leg up.
	var sawAck, sawBye bool
	deadline := time.After(time.Second)
	for !(sawAck && sawBye) {
		select {
		case s := <-env.tp.reqCh:
			switch {
			case s.req.Method.Equal(sip.RequestMethodAck):
				sawAck = true
			case s.req.Method.Equal(sip.RequestMethodBye):
				sawBye = true
			}
		case <-deadline:
			t.Fatalf("ACK+BYE not sent for surplus 2xx (ack=%v bye=%v)", sawAck, sawBye)
		}
	}

	finals := finalStatuses(env.uas)
	if len(finals) != 2 || finals[0] != sip.ResponseStatusOK || finals[1] != sip.ResponseStatusOK {
		t.Fatalf("upstream finals = %v, want [200 200] (latched + late fork 2xx)", finals)
	}
}

// User-initiated fork cancel: INVITE branches are cancelled, the uriset
// is dropped.
func TestFork_Cancel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, false, forkT1)
	req := newInviteReq(t, "fork-cancel")

	call := routeFork(t, env, "fork-cancel", req, sip.URISet{
		{mustURI(t, "sip:a@a.test")},
		{mustURI(t, "sip:b@b.test")},
	}, nil)

	invites := env.tp.sentByMethod(sip.RequestMethodInvite)
	if err := env.engine.RecvResponse(ctx, resFor(invites[0].req, sip.ResponseStatusRinging, "tag-a")); err != nil {
		t.Fatalf("RecvResponse(180) error = %v, want nil", err)
	}

	if err := call.ForkCancel(ctx, 1000); err != nil {
		t.Fatalf("call.ForkCancel() error = %v, want nil", err)
	}

	cancels := env.tp.sentByMethod(sip.RequestMethodCancel)
	if len(cancels) != 1 {
		t.Fatalf("CANCELs = %d, want 1", len(cancels))
	}
	// The second serial group must never launch.
	if err := env.engine.RecvResponse(ctx, resFor(invites[0].req, sip.ResponseStatusRequestTerminated, "tag-a")); err != nil {
		t.Fatalf("RecvResponse(487) error = %v, want nil", err)
	}
	if got := len(env.tp.sentByMethod(sip.RequestMethodInvite)); got != 1 {
		t.Fatalf("INVITEs after cancel = %d, want 1 (no next group)", got)
	}
	finals := finalStatuses(env.uas)
	if len(finals) != 1 || finals[0] != sip.ResponseStatusRequestTerminated {
		t.Fatalf("upstream finals = %v, want [487]", finals)
	}
}
