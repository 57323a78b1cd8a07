package testenv

import (
	"testing"
	"time"
)

// WaitFor polls cond every few milliseconds until it holds or timeout
// elapses, failing the test in the latter case.
func WaitFor(t testing.TB, timeout time.Duration, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			if len(msgAndArgs) > 0 {
				if format, ok := msgAndArgs[0].(string); ok {
					t.Fatalf("condition not met within %s: "+format, append([]any{timeout}, msgAndArgs[1:]...)...)
				}
			}
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
