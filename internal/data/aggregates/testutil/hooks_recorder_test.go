package testutil

import (
	"sync"
	"testing"
	"time"
)

func TestHooksRecorderCapturesConcurrentSignals(t *testing.T) {
	h := &HooksRecorder{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.ObserveOperation("Notifications.Group.ApplyGroup", "success", time.Millisecond)
		}()
	}
	wg.Wait()
	h.ObserveOperation("Notifications.Group.RetireOrphan", "conflict", time.Millisecond)
	h.IncConflict("Notifications.Group.RetireOrphan")
	h.IncRetry("Notifications.Group.ApplyGroup")

	if got := len(h.Statuses("Notifications.Group.ApplyGroup")); got != 8 {
		t.Fatalf("apply statuses: want=8 got=%d", got)
	}
	if got := h.Statuses("Notifications.Group.RetireOrphan"); len(got) != 1 || got[0] != "conflict" {
		t.Fatalf("retire statuses: %v", got)
	}
	if len(h.Conflicts) != 1 || len(h.Retries) != 1 {
		t.Fatalf("counters: conflicts=%v retries=%v", h.Conflicts, h.Retries)
	}
}
