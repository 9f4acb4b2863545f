package exam

import (
	"encoding/json"
	"testing"
)

func TestTestStatusTransitions(t *testing.T) {
	all := []TestStatus{TestDraft, TestScheduled, TestPublished, TestUnpublished, TestArchived}
	allowed := map[TestStatus][]TestStatus{
		TestDraft:       {TestScheduled, TestPublished, TestArchived},
		TestScheduled:   {TestScheduled, TestPublished, TestUnpublished, TestArchived},
		TestPublished:   {TestPublished, TestUnpublished, TestArchived},
		TestUnpublished: {TestScheduled, TestPublished, TestArchived},
		TestArchived:    nil,
	}
	for _, from := range all {
		ok := map[TestStatus]bool{}
		for _, to := range allowed[from] {
			ok[to] = true
		}
		for _, to := range all {
			if got := from.CanTransition(to); got != ok[to] {
				t.Errorf("%s -> %s = %v, want %v", from, to, got, ok[to])
			}
		}
	}
}

func TestSessionStatusTransitions(t *testing.T) {
	for _, to := range []SessionStatus{SessionSubmitted, SessionExpired, SessionAbandoned} {
		if !SessionInProgress.CanTransition(to) {
			t.Errorf("in_progress -> %s should be allowed", to)
		}
		if !to.Terminal() {
			t.Errorf("%s should be terminal", to)
		}
		for _, again := range []SessionStatus{SessionInProgress, SessionSubmitted, SessionExpired, SessionAbandoned} {
			if to.CanTransition(again) {
				t.Errorf("%s -> %s should be rejected", to, again)
			}
		}
	}
	if SessionInProgress.Terminal() {
		t.Error("in_progress is not terminal")
	}
	if SessionAbandoned.ConsumesAttempt() || !SessionExpired.ConsumesAttempt() || !SessionInProgress.ConsumesAttempt() {
		t.Error("only abandoned sessions give back their attempt")
	}
}

func TestStatusDecodeRejectsUnknown(t *testing.T) {
	var tst Test
	if err := json.Unmarshal([]byte(`{"status":"live"}`), &tst); err == nil {
		t.Fatal("expected unknown test status to fail decoding")
	}
	if err := json.Unmarshal([]byte(`{"status":"scheduled"}`), &tst); err != nil || tst.Status != TestScheduled {
		t.Fatalf("decode scheduled: %v %q", err, tst.Status)
	}
	var s Session
	if err := json.Unmarshal([]byte(`{"status":"paused"}`), &s); err == nil {
		t.Fatal("expected unknown session status to fail decoding")
	}
}
