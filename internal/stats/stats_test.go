package stats

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSinkCounterIsAdditive(t *testing.T) {
	s := New(nil)
	s.Counter("iterated", 3)
	s.Counter("iterated", 4)

	got := s.Counters()["iterated"]
	if got != 7 {
		t.Fatalf("expected iterated=7, got %d", got)
	}
}

func TestSinkCounterAllowsNegativeDelta(t *testing.T) {
	s := New(nil)
	s.Counter("recovered_bytes", 100)
	s.Counter("recovered_bytes", -40)

	if got := s.Counters()["recovered_bytes"]; got != 60 {
		t.Fatalf("expected recovered_bytes=60, got %d", got)
	}
}

func TestSinkTimeRecordsDurationAndPropagatesError(t *testing.T) {
	s := New(nil)
	wantErr := errors.New("boom")

	err := s.Time("sort", func() error {
		time.Sleep(time.Millisecond)
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected Time to propagate the callback's error, got %v", err)
	}

	if s.timers["sort"] <= 0 {
		t.Fatalf("expected sort timer to have elapsed, got %s", s.timers["sort"])
	}
}

func TestSinkRangeReturnsSameChildOnRepeatedCalls(t *testing.T) {
	s := New(nil)
	a := s.Range("0000-ffff")
	b := s.Range("0000-ffff")
	if a != b {
		t.Fatalf("expected Range to return the same child sink for the same name")
	}

	a.Counter("recovered", 1)
	if got := s.Range("0000-ffff").Counters()["recovered"]; got != 1 {
		t.Fatalf("expected child counter update to be visible through Range, got %d", got)
	}
}

func TestSinkTextIncludesChildRanges(t *testing.T) {
	s := New(nil)
	s.Counter("iterated", 2)
	child := s.Range("r1")
	child.Counter("recovered", 5)

	text := s.Text()
	if !strings.Contains(text, "iterated: 2") {
		t.Fatalf("expected root counter in text dump, got:\n%s", text)
	}
	if !strings.Contains(text, "range r1:") {
		t.Fatalf("expected a range r1 section in text dump, got:\n%s", text)
	}
	if !strings.Contains(text, "recovered: 5") {
		t.Fatalf("expected child counter in text dump, got:\n%s", text)
	}
}

func TestSinkRangeCounterFoldsIntoRoot(t *testing.T) {
	s := New(nil)
	a := s.Range("0000-7fff")
	b := s.Range("8000-ffff")

	a.Counter("iterated_keys", 3)
	b.Counter("iterated_keys", 4)
	a.Counter("recovered", 1)

	if got := s.Counters()["iterated_keys"]; got != 7 {
		t.Fatalf("expected root iterated_keys=7, got %d", got)
	}
	if got := s.Counters()["recovered"]; got != 1 {
		t.Fatalf("expected root recovered=1, got %d", got)
	}
	if got := a.Counters()["iterated_keys"]; got != 3 {
		t.Fatalf("expected child a iterated_keys=3, got %d", got)
	}
}

func TestSinkRangeTimerFoldsIntoRoot(t *testing.T) {
	s := New(nil)
	child := s.Range("0000-ffff")
	child.Timer("sort", 5*time.Millisecond)

	if s.timers["sort"] != 5*time.Millisecond {
		t.Fatalf("expected root sort timer to include child's duration, got %s", s.timers["sort"])
	}
}

func TestSinkConcurrentCounterUpdates(t *testing.T) {
	s := New(nil)
	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		go func() {
			s.Counter("iterated", 1)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 50; i++ {
		<-done
	}
	if got := s.Counters()["iterated"]; got != 50 {
		t.Fatalf("expected iterated=50 after concurrent updates, got %d", got)
	}
}
