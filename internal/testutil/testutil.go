// Package testutil holds helpers shared by package tests.
package testutil

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTimeout bounds Eventually when callers pass zero.
const DefaultTimeout = 5 * time.Second

const pollInterval = 5 * time.Millisecond

// Eventually polls cond until it returns true or timeout elapses, then fails
// the test with the formatted message.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	if !Poll(timeout, cond) {
		t.Fatalf("condition not met within %s: "+format, append([]any{timeout}, args...)...)
	}
}

// Poll is Eventually without the test: it reports whether cond became true.
func Poll(timeout time.Duration, cond func() bool) bool {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}

// Never asserts that cond stays false for the whole window.
func Never(t testing.TB, window time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		if cond() {
			t.Fatalf("condition unexpectedly met: "+format, args...)
		}
		time.Sleep(pollInterval)
	}
}

// Logger returns a logger that discards everything, or writes to the test
// log when BROOKLYN_TEST_LOGS is set.
func Logger(t testing.TB) zerolog.Logger {
	if testing.Verbose() && lookupEnv("BROOKLYN_TEST_LOGS") {
		return zerolog.New(zerolog.NewTestWriter(t)).With().Timestamp().Logger()
	}
	return zerolog.New(nil).Level(zerolog.Disabled)
}
