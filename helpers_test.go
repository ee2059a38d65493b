package alpaca

import (
	"testing"
	"time"
)

// waitFor polls cond until it holds or the deadline passes. Used where a
// background goroutine needs a scheduling turn after a mock clock advance.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
