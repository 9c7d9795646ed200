package hipaa

import (
	"testing"
	"time"
)

func TestBruteForceTracker_Threshold(t *testing.T) {
	tracker := NewBruteForceTracker()

	for i := 0; i < bruteForceThreshold-1; i++ {
		if tracker.RecordFailure("10.0.0.1") {
			t.Fatalf("threshold fired early at failure %d", i+1)
		}
	}
	if !tracker.RecordFailure("10.0.0.1") {
		t.Errorf("expected threshold at failure %d", bruteForceThreshold)
	}
}

func TestBruteForceTracker_WindowExpiry(t *testing.T) {
	tracker := NewBruteForceTracker()
	current := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return current }

	for i := 0; i < bruteForceThreshold-1; i++ {
		tracker.RecordFailure("10.0.0.1")
	}

	// Old failures fall out of the 5-minute window.
	current = current.Add(bruteForceWindow + time.Second)
	if tracker.RecordFailure("10.0.0.1") {
		t.Error("expected expired failures to not count toward threshold")
	}
}

func TestBruteForceTracker_PerIP(t *testing.T) {
	tracker := NewBruteForceTracker()

	for i := 0; i < bruteForceThreshold-1; i++ {
		tracker.RecordFailure("10.0.0.1")
	}
	if tracker.RecordFailure("10.0.0.2") {
		t.Error("expected independent counts per IP")
	}
}

func TestBruteForceTracker_SuccessResets(t *testing.T) {
	tracker := NewBruteForceTracker()

	for i := 0; i < bruteForceThreshold-1; i++ {
		tracker.RecordFailure("10.0.0.1")
	}
	tracker.RecordSuccess("10.0.0.1")
	if tracker.RecordFailure("10.0.0.1") {
		t.Error("expected success to clear failure history")
	}
}
