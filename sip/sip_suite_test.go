package sip_test

import (
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Detached secondary-response tasks may still be draining when a
		// test returns; they hold no state and exit on their own.
		goleak.IgnoreTopFunction("github.com/sipward/sipward/sip.(*UAC).ackAndByeDetached.func1"),
	)
}
