package kmsg

import (
	"strings"
	"testing"
	"time"
)

func newTestRing(cap int) *Ring {
	r := New(cap)
	r.now = func() time.Time { return time.Unix(0, 0) }
	return r
}

func TestReadAdvancesSeq(t *testing.T) {
	r := newTestRing(4)
	r.Write(LevelInfo, "sched", "thread %d started", 3)
	r.Write(LevelWarn, "vmm", "fault at %#x", 0xdead)

	var seq uint64
	lines := r.Read(&seq, 10)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if seq != 2 {
		t.Fatalf("expected seq to advance to 2, got %d", seq)
	}
	if !strings.Contains(lines[0], "thread 3 started") {
		t.Fatalf("unexpected first line: %s", lines[0])
	}

	more := r.Read(&seq, 10)
	if len(more) != 0 {
		t.Fatalf("expected no new lines, got %d", len(more))
	}
}

func TestOverflowDropsOldestAndBumpsFirstSeq(t *testing.T) {
	r := newTestRing(2)
	r.Write(LevelInfo, "sched", "a")
	r.Write(LevelInfo, "sched", "b")
	r.Write(LevelInfo, "sched", "c")

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected ring capped at 2 entries, got %d", len(snap))
	}
	if snap[0].Text != "b" || snap[1].Text != "c" {
		t.Fatalf("expected oldest entry dropped, got %+v", snap)
	}

	var seq uint64
	lines := r.Read(&seq, 10)
	if len(lines) != 2 {
		t.Fatalf("expected reader to resume from firstSeq, got %d lines", len(lines))
	}
}

func TestMaxLimitsBatchSize(t *testing.T) {
	r := newTestRing(10)
	for i := 0; i < 5; i++ {
		r.Write(LevelDebug, "ipc", "msg %d", i)
	}
	var seq uint64
	lines := r.Read(&seq, 2)
	if len(lines) != 2 {
		t.Fatalf("expected batch capped at 2, got %d", len(lines))
	}
	if seq != 2 {
		t.Fatalf("expected seq 2 after partial read, got %d", seq)
	}
}
