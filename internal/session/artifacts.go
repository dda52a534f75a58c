package session

import (
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultMaxEvents bounds each session's artifact queue.
const DefaultMaxEvents = 2000

const (
	snapshotLimitMin = 1
	snapshotLimitMax = 200
)

// ArtifactEvent describes a file surfaced during workflow execution.
type ArtifactEvent struct {
	EventID       string         `json:"event_id"`
	Sequence      int64          `json:"sequence"`
	NodeID        string         `json:"node_id"`
	AttachmentID  string         `json:"attachment_id"`
	FileName      string         `json:"file_name"`
	RelativePath  string         `json:"relative_path"`
	WorkspacePath string         `json:"workspace_path"`
	MimeType      string         `json:"mime_type,omitempty"`
	Size          *int64         `json:"size,omitempty"`
	SHA256        string         `json:"sha256,omitempty"`
	DataURI       string         `json:"data_uri,omitempty"`
	CreatedAt     float64        `json:"created_at"`
	ChangeType    string         `json:"change_type"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// ArtifactFilter narrows which events a reader receives. All conditions are
// combined with AND; zero values leave a condition unset.
type ArtifactFilter struct {
	// IncludeMime passes events whose mime type equals or is prefixed by any
	// entry (case-insensitive).
	IncludeMime []string
	// IncludeExt passes events whose file extension is listed. A leading dot
	// is tolerated and comparison is case-insensitive.
	IncludeExt []string
	// MaxSize drops events larger than this many bytes. Events with unknown
	// size always pass. Zero means unbounded.
	MaxSize int64
}

// Matches reports whether the event passes the filter.
func (f ArtifactFilter) Matches(event *ArtifactEvent) bool {
	if f.MaxSize > 0 && event.Size != nil && *event.Size > f.MaxSize {
		return false
	}

	if len(f.IncludeMime) > 0 {
		mime := strings.ToLower(event.MimeType)
		matched := false
		for _, want := range f.IncludeMime {
			want = strings.ToLower(strings.TrimSpace(want))
			if want == "" {
				continue
			}
			if mime == want || (mime != "" && strings.HasPrefix(mime, want)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(f.IncludeExt) > 0 {
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(event.FileName), "."))
		matched := false
		for _, want := range f.IncludeExt {
			want = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(want), "."))
			if want != "" && want == ext {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	return true
}

// ArtifactQueue is a bounded, monotonically sequenced per-session event log
// with blocking waiters. Eviction may drop events a slow reader has not
// fetched; readers detect the gap through min-sequence jumps.
type ArtifactQueue struct {
	mu        sync.Mutex
	events    []*ArtifactEvent
	maxEvents int
	lastSeq   int64
	minSeq    int64
	// notify is closed and replaced on every append, waking all waiters.
	notify chan struct{}
}

// NewArtifactQueue returns an empty queue holding at most maxEvents entries.
func NewArtifactQueue(maxEvents int) *ArtifactQueue {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &ArtifactQueue{
		maxEvents: maxEvents,
		minSeq:    1,
		notify:    make(chan struct{}),
	}
}

// AppendMany assigns sequences to the events in order, pushes them, evicts
// the oldest beyond capacity and wakes every waiter.
func (q *ArtifactQueue) AppendMany(events []*ArtifactEvent) {
	filtered := events[:0:0]
	for _, event := range events {
		if event != nil {
			filtered = append(filtered, event)
		}
	}
	if len(filtered) == 0 {
		return
	}

	q.mu.Lock()
	for _, event := range filtered {
		q.lastSeq++
		event.Sequence = q.lastSeq
		q.events = append(q.events, event)
	}
	if excess := len(q.events) - q.maxEvents; excess > 0 {
		q.events = append(q.events[:0], q.events[excess:]...)
		if min := q.lastSeq - int64(len(q.events)) + 1; min > q.minSeq {
			q.minSeq = min
		}
	}
	close(q.notify)
	q.notify = make(chan struct{})
	q.mu.Unlock()
}

// Snapshot returns events with sequence > max(after, minSeq-1) that match the
// filter, capped at limit (clamped to [1, 200]). The returned cursor is the
// highest sequence scanned, not just matched, so callers advance past events
// the filter rejected.
func (q *ArtifactQueue) Snapshot(after int64, filter ArtifactFilter, limit int) ([]*ArtifactEvent, int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked(after, filter, limit)
}

func (q *ArtifactQueue) snapshotLocked(after int64, filter ArtifactFilter, limit int) ([]*ArtifactEvent, int64) {
	if limit < snapshotLimitMin {
		limit = snapshotLimitMin
	}
	if limit > snapshotLimitMax {
		limit = snapshotLimitMax
	}
	start := after
	if floor := q.minSeq - 1; start < floor {
		start = floor
	}

	var matched []*ArtifactEvent
	next := start
	for _, event := range q.events {
		if event.Sequence <= start {
			continue
		}
		next = event.Sequence
		if filter.Matches(event) {
			matched = append(matched, event)
			if len(matched) >= limit {
				break
			}
		}
	}
	return matched, next
}

// WaitForEvents blocks until matching events appear or the timeout expires.
// It returns the matched events, the advancing cursor, and whether the wait
// timed out without producing anything.
func (q *ArtifactQueue) WaitForEvents(after int64, filter ArtifactFilter, limit int, timeout time.Duration) ([]*ArtifactEvent, int64, bool) {
	if timeout < 0 {
		timeout = 0
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		events, next := q.snapshotLocked(after, filter, limit)
		notify := q.notify
		q.mu.Unlock()

		if len(events) > 0 {
			return events, next, false
		}

		select {
		case <-notify:
		case <-deadline.C:
			if next < after {
				next = after
			}
			return nil, next, true
		}
	}
}

// LastSequence returns the most recently assigned sequence number.
func (q *ArtifactQueue) LastSequence() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastSeq
}

// MinSequence returns the earliest still-retained sequence number.
func (q *ArtifactQueue) MinSequence() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.minSeq
}

// Len returns the number of retained events.
func (q *ArtifactQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
