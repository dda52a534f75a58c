package session

import (
	"fmt"
	"testing"
	"time"
)

func sized(n int64) *int64 { return &n }

func makeEvents(count int) []*ArtifactEvent {
	events := make([]*ArtifactEvent, count)
	for i := range events {
		events[i] = &ArtifactEvent{
			EventID:  fmt.Sprintf("e%d", i),
			NodeID:   "node1",
			FileName: fmt.Sprintf("file%d.txt", i),
			MimeType: "text/plain",
		}
	}
	return events
}

func TestQueueSequencesAreMonotonic(t *testing.T) {
	q := NewArtifactQueue(10)
	q.AppendMany(makeEvents(3))
	q.AppendMany(makeEvents(2))

	events, next := q.Snapshot(0, ArtifactFilter{}, 50)
	if len(events) != 5 {
		t.Fatalf("got %d events", len(events))
	}
	for i, event := range events {
		if event.Sequence != int64(i+1) {
			t.Errorf("event %d has sequence %d", i, event.Sequence)
		}
	}
	if next != 5 {
		t.Errorf("next cursor = %d, want 5", next)
	}
}

func TestQueueEvictionKeepsCapacityAndMinSequence(t *testing.T) {
	q := NewArtifactQueue(5)
	q.AppendMany(makeEvents(12))

	if q.Len() != 5 {
		t.Errorf("len = %d, want 5", q.Len())
	}
	// last_sequence - max_events + 1
	if q.MinSequence() != 12-5+1 {
		t.Errorf("min sequence = %d, want 8", q.MinSequence())
	}
	if q.LastSequence() != 12 {
		t.Errorf("last sequence = %d, want 12", q.LastSequence())
	}

	// A stale cursor is clamped to the eviction floor, so the reader sees the
	// retained suffix rather than an empty page.
	events, next := q.Snapshot(0, ArtifactFilter{}, 50)
	if len(events) != 5 || events[0].Sequence != 8 {
		t.Errorf("events after eviction: len=%d first=%v", len(events), events)
	}
	if next != 12 {
		t.Errorf("next = %d", next)
	}
}

func TestSnapshotCursorAdvancesPastFilteredEvents(t *testing.T) {
	q := NewArtifactQueue(10)
	q.AppendMany([]*ArtifactEvent{
		{FileName: "small.txt", Size: sized(100)},
		{FileName: "medium.txt", Size: sized(1000)},
		{FileName: "large.txt", Size: sized(10000)},
	})

	events, next := q.Snapshot(0, ArtifactFilter{MaxSize: 500}, 25)
	if len(events) != 1 || events[0].FileName != "small.txt" {
		t.Fatalf("events = %v", events)
	}
	if next != 3 {
		t.Errorf("next cursor = %d, want 3 (highest scanned)", next)
	}
}

func TestSnapshotLimitClamping(t *testing.T) {
	q := NewArtifactQueue(300)
	q.AppendMany(makeEvents(250))

	events, _ := q.Snapshot(0, ArtifactFilter{}, 0)
	if len(events) != 1 {
		t.Errorf("limit 0 should clamp to 1, got %d", len(events))
	}
	events, _ = q.Snapshot(0, ArtifactFilter{}, 10000)
	if len(events) != 200 {
		t.Errorf("limit should clamp to 200, got %d", len(events))
	}
}

func TestFilterMimeAndExt(t *testing.T) {
	event := &ArtifactEvent{FileName: "chart.PNG", MimeType: "Image/PNG"}

	if !(ArtifactFilter{IncludeMime: []string{"image/"}}).Matches(event) {
		t.Error("mime prefix should match case-insensitively")
	}
	if !(ArtifactFilter{IncludeMime: []string{"IMAGE/PNG"}}).Matches(event) {
		t.Error("exact mime should match case-insensitively")
	}
	if (ArtifactFilter{IncludeMime: []string{"text/"}}).Matches(event) {
		t.Error("non-matching mime must be rejected")
	}
	if !(ArtifactFilter{IncludeExt: []string{".png"}}).Matches(event) {
		t.Error("leading dot should be tolerated")
	}
	if !(ArtifactFilter{IncludeExt: []string{"png"}}).Matches(event) {
		t.Error("bare extension should match")
	}
	if (ArtifactFilter{IncludeExt: []string{"txt"}}).Matches(event) {
		t.Error("non-matching extension must be rejected")
	}
}

func TestFilterUnknownSizePasses(t *testing.T) {
	event := &ArtifactEvent{FileName: "a.bin"}
	if !(ArtifactFilter{MaxSize: 10}).Matches(event) {
		t.Error("events with unknown size must pass max_size filters")
	}
}

func TestWaitForEventsTimesOut(t *testing.T) {
	q := NewArtifactQueue(10)
	start := time.Now()
	events, next, timedOut := q.WaitForEvents(0, ArtifactFilter{}, 25, 100*time.Millisecond)
	elapsed := time.Since(start)

	if !timedOut || len(events) != 0 || next != 0 {
		t.Errorf("got events=%v next=%d timedOut=%v", events, next, timedOut)
	}
	if elapsed < 90*time.Millisecond || elapsed > time.Second {
		t.Errorf("wait returned after %v", elapsed)
	}
}

func TestWaitForEventsWakesOnAppend(t *testing.T) {
	q := NewArtifactQueue(10)
	go func() {
		time.Sleep(50 * time.Millisecond)
		q.AppendMany(makeEvents(1))
	}()

	events, next, timedOut := q.WaitForEvents(0, ArtifactFilter{}, 25, 5*time.Second)
	if timedOut || len(events) != 1 || next != 1 {
		t.Errorf("got events=%d next=%d timedOut=%v", len(events), next, timedOut)
	}
}

func TestWaitForEventsIgnoresNonMatchingAppends(t *testing.T) {
	q := NewArtifactQueue(10)
	go func() {
		time.Sleep(30 * time.Millisecond)
		q.AppendMany([]*ArtifactEvent{{FileName: "big.bin", Size: sized(999)}})
	}()

	_, _, timedOut := q.WaitForEvents(0, ArtifactFilter{MaxSize: 10}, 25, 200*time.Millisecond)
	if !timedOut {
		t.Error("filtered-out appends must not satisfy the wait")
	}
}

func TestRepeatedSnapshotsDrainQueue(t *testing.T) {
	q := NewArtifactQueue(100)
	q.AppendMany(makeEvents(30))

	var cursor int64
	var total int
	for {
		events, next := q.Snapshot(cursor, ArtifactFilter{}, 7)
		if next < cursor {
			t.Fatalf("cursor went backwards: %d -> %d", cursor, next)
		}
		total += len(events)
		if len(events) == 0 {
			break
		}
		cursor = next
	}
	if total != 30 {
		t.Errorf("drained %d events, want 30", total)
	}
}
