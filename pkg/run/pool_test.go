package run

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bundlekit/bundlekit/pkg/manifest"
	"github.com/bundlekit/bundlekit/pkg/probe"
)

func testEntries(n int) []manifest.Entry {
	entries := make([]manifest.Entry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, manifest.Entry{
			Name:   fmt.Sprintf("entry-%02d", i),
			Source: fmt.Sprintf("https://example.com/entry-%02d", i),
		})
	}
	return entries
}

func TestProcess_RecordsEveryEntry(t *testing.T) {
	entries := testEntries(10)

	records := Process(context.Background(), 4, entries, func(_ context.Context, e manifest.Entry) Record {
		return Record{Name: e.Name, Action: ActionSkipped}
	})

	if len(records) != len(entries) {
		t.Fatalf("got %d records for %d entries", len(records), len(entries))
	}
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		seen[rec.Name] = true
	}
	for _, e := range entries {
		if !seen[e.Name] {
			t.Errorf("no record for %s", e.Name)
		}
	}
}

func TestProcess_BoundsConcurrency(t *testing.T) {
	const limit = 2
	entries := testEntries(8)

	var active, peak atomic.Int64
	records := Process(context.Background(), limit, entries, func(_ context.Context, e manifest.Entry) Record {
		now := active.Add(1)
		for {
			p := peak.Load()
			if now <= p || peak.CompareAndSwap(p, now) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return Record{Name: e.Name, Action: ActionSkipped}
	})

	if len(records) != len(entries) {
		t.Fatalf("got %d records for %d entries", len(records), len(entries))
	}
	if peak.Load() > limit {
		t.Errorf("observed %d concurrent workers, limit is %d", peak.Load(), limit)
	}
}

func TestProcess_FailuresDoNotAbortBatch(t *testing.T) {
	entries := testEntries(5)

	records := Process(context.Background(), 2, entries, func(_ context.Context, e manifest.Entry) Record {
		if e.Name == "entry-02" {
			return Fail(e.Name, probe.StateAbsent, ReasonNetworkFailure, fmt.Errorf("boom"))
		}
		return Record{Name: e.Name, Action: ActionSkipped}
	})

	failed := 0
	for _, rec := range records {
		if rec.Failed() {
			failed++
			if rec.Name != "entry-02" {
				t.Errorf("unexpected failure for %s", rec.Name)
			}
		}
	}
	if failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
	if len(records) != len(entries) {
		t.Errorf("got %d records for %d entries", len(records), len(entries))
	}
}

func TestProcess_CancelledContextRecordsEverything(t *testing.T) {
	entries := testEntries(6)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var started atomic.Int64
	records := Process(ctx, 2, entries, func(_ context.Context, e manifest.Entry) Record {
		started.Add(1)
		return Record{Name: e.Name, Action: ActionSkipped}
	})

	if len(records) != len(entries) {
		t.Fatalf("got %d records for %d entries, every input must be accounted for", len(records), len(entries))
	}
	for _, rec := range records {
		if !rec.Failed() || rec.Reason != ReasonCancelled {
			t.Errorf("%s: expected cancelled record, got %v/%s", rec.Name, rec.Action, rec.Reason)
		}
	}
	if started.Load() != 0 {
		t.Errorf("%d entries started after cancellation", started.Load())
	}
}

func TestProcess_MidRunCancellation(t *testing.T) {
	entries := testEntries(8)
	ctx, cancel := context.WithCancel(context.Background())

	var once sync.Once
	records := Process(ctx, 1, entries, func(_ context.Context, e manifest.Entry) Record {
		once.Do(cancel)
		return Record{Name: e.Name, Action: ActionSkipped}
	})

	if len(records) != len(entries) {
		t.Fatalf("got %d records for %d entries", len(records), len(entries))
	}
	cancelled := 0
	for _, rec := range records {
		if rec.Reason == ReasonCancelled {
			cancelled++
		}
	}
	if cancelled == 0 {
		t.Error("expected unstarted entries to be recorded as cancelled")
	}
}

func TestProcess_ZeroConcurrencyStillRuns(t *testing.T) {
	entries := testEntries(3)
	records := Process(context.Background(), 0, entries, func(_ context.Context, e manifest.Entry) Record {
		return Record{Name: e.Name, Action: ActionSkipped}
	})
	if len(records) != len(entries) {
		t.Fatalf("got %d records for %d entries", len(records), len(entries))
	}
}
