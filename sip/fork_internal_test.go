package sip

import (
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBestResponseRank(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status ResponseStatus
		want   int
	}{
		{ResponseStatusUnauthorized, 3999},
		{ResponseStatusProxyAuthenticationRequired, 3999},
		{ResponseStatusUnsupportedMediaType, 4000},
		{ResponseStatusBadExtension, 4000},
		{ResponseStatusAddressIncomplete, 4000},
		{ResponseStatusServiceUnavailable, 5000},
		{600, 600},
		{603, 603},
		{ResponseStatusNotFound, 4040},
		{ResponseStatusBusyHere, 4860},
		{ResponseStatusServerInternalError, 5000},
	}
	for _, tt := range tests {
		if got := bestResponseRank(tt.status); got != tt.want {
			t.Errorf("bestResponseRank(%d) = %d, want %d", tt.status, got, tt.want)
		}
	}

	// A 6xx always beats any ranked 4xx/5xx.
	if bestResponseRank(600) >= bestResponseRank(ResponseStatusNotFound) {
		t.Errorf("6xx must outrank 404")
	}
}

func TestForkBestResponse_StableByArrival(t *testing.T) {
	t.Parallel()

	res := func(status ResponseStatus, tag string) *Response {
		return &Response{Status: status, To: NameAddr{Params: make(Values).Set("tag", tag)}}
	}

	c := &Call{}
	f := &Fork{req: &Request{Method: RequestMethodInvite}}
	f.responses = []*Response{
		res(ResponseStatusBusyHere, "first-486"),
		res(ResponseStatusNotFound, "first-404"),
		res(ResponseStatusBusyHere, "second-486"),
		res(ResponseStatusNotFound, "second-404"),
	}

	best := c.forkBestResponse(f)
	if best.Status != ResponseStatusNotFound {
		t.Fatalf("best.Status = %d, want 404", best.Status)
	}
	if got, want := best.ToTag(), "first-404"; got != want {
		t.Fatalf("best is %q, want the earliest-arrived 404 %q", got, want)
	}

	// The winner must not depend on arrival order of other ranks.
	slices.Reverse(f.responses)
	best = c.forkBestResponse(f)
	if best.Status != ResponseStatusNotFound {
		t.Fatalf("best.Status after reorder = %d, want 404", best.Status)
	}
	if got, want := best.ToTag(), "second-404"; got != want {
		t.Fatalf("best after reorder = %q, want the now-earliest 404 %q", got, want)
	}
}

func TestForkBestResponse_Empty(t *testing.T) {
	t.Parallel()

	c := &Call{}
	f := &Fork{req: &Request{Method: RequestMethodInvite}}
	best := c.forkBestResponse(f)
	if best.Status != ResponseStatusTemporarilyUnavailable {
		t.Fatalf("best.Status = %d, want 480", best.Status)
	}
	if !best.Synthetic {
		t.Fatal("synthesized 480 must be marked synthetic")
	}
}

func TestForkBestResponse_503Downgrade(t *testing.T) {
	t.Parallel()

	c := &Call{}
	f := &Fork{req: &Request{Method: RequestMethodInvite}}
	f.responses = []*Response{
		{Status: ResponseStatusServiceUnavailable},
		{Status: ResponseStatusServiceUnavailable},
	}
	best := c.forkBestResponse(f)
	if best.Status != ResponseStatusServerInternalError {
		t.Fatalf("best.Status = %d, want 500 (503 rewritten)", best.Status)
	}
}

func TestMergeAuthChallenges(t *testing.T) {
	t.Parallel()

	winner := &Response{
		Status: ResponseStatusUnauthorized,
		Headers: []HeaderField{
			{Name: "WWW-Authenticate", Value: "stale"},
		},
	}
	all := []*Response{
		winner,
		{Status: ResponseStatusProxyAuthenticationRequired, Headers: []HeaderField{
			{Name: "Proxy-Authenticate", Value: "p1"},
		}},
		{Status: ResponseStatusNotFound, Headers: []HeaderField{
			{Name: "WWW-Authenticate", Value: "never"},
		}},
	}

	merged := mergeAuthChallenges(winner, all)

	want := []string{"stale"}
	if diff := cmp.Diff(want, merged.HeaderValues("WWW-Authenticate")); diff != "" {
		t.Errorf("WWW-Authenticate mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"p1"}, merged.HeaderValues("Proxy-Authenticate")); diff != "" {
		t.Errorf("Proxy-Authenticate mismatch (-want +got):\n%s", diff)
	}
	// The original response must not be mutated.
	if len(winner.Headers) != 1 {
		t.Errorf("winner mutated: %v", winner.Headers)
	}
}

func TestCancelReason(t *testing.T) {
	t.Parallel()

	if got, want := cancelReason(ResponseStatusOK, "Call completed elsewhere"), `SIP;cause=200;text="Call completed elsewhere"`; got != want {
		t.Errorf("cancelReason() = %q, want %q", got, want)
	}
	if got, want := cancelReason(603, ""), "SIP;cause=603"; got != want {
		t.Errorf("cancelReason() = %q, want %q", got, want)
	}
}

func TestTransactionKeyDerivation(t *testing.T) {
	t.Parallel()

	req := &Request{
		Method: RequestMethodInvite,
		CallID: "key-call",
		CSeq:   CSeq{Seq: 7, Method: RequestMethodInvite},
		Via: []Via{{
			Proto:  TransportUDP,
			Params: make(Values).Set("branch", MagicCookie+".abc"),
		}},
	}

	var k1, k2 TransactionKey
	if err := k1.FillFromRequest("app", req); err != nil {
		t.Fatalf("FillFromRequest error = %v, want nil", err)
	}
	if err := k2.FillFromRequest("app", req.Clone()); err != nil {
		t.Fatalf("FillFromRequest error = %v, want nil", err)
	}
	if !k1.Equal(k2) {
		t.Fatalf("keys differ for identical requests: %s vs %s", k1, k2)
	}

	res := &Response{
		Status: ResponseStatusOK,
		CallID: "key-call",
		CSeq:   CSeq{Seq: 7, Method: RequestMethodInvite},
		Via:    req.Via,
	}
	var k3 TransactionKey
	if err := k3.FillFromResponse("app", res); err != nil {
		t.Fatalf("FillFromResponse error = %v, want nil", err)
	}
	if !k1.Equal(k3) {
		t.Fatalf("request and response keys differ: %s vs %s", k1, k3)
	}

	var k4 TransactionKey
	data, err := k1.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary error = %v, want nil", err)
	}
	if err := k4.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary error = %v, want nil", err)
	}
	if !k1.Equal(k4) {
		t.Fatalf("binary round trip lost data: %s vs %s", k1, k4)
	}
}
