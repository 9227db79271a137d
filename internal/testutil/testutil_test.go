package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestPoll(t *testing.T) {
	var n atomic.Int32
	go func() {
		time.Sleep(20 * time.Millisecond)
		n.Store(1)
	}()
	if !Poll(time.Second, func() bool { return n.Load() == 1 }) {
		t.Fatal("Poll() = false, want true")
	}
	if Poll(20*time.Millisecond, func() bool { return false }) {
		t.Fatal("Poll() = true for a condition that never holds")
	}
}

func TestEventuallyAndNever(t *testing.T) {
	start := time.Now()
	Eventually(t, time.Second, func() bool { return time.Since(start) > 10*time.Millisecond }, "clock")
	Never(t, 20*time.Millisecond, func() bool { return false }, "constant false")
}
