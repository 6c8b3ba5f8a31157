package run

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bundlekit/bundlekit/pkg/manifest"
)

// EntryFunc processes a single manifest entry. Implementations must be safe
// to call concurrently; entries are directory-disjoint so they never contend
// on the same subtree.
type EntryFunc func(ctx context.Context, entry manifest.Entry) Record

// Process runs fn over all entries with at most concurrency workers. Entry
// failures are captured in their records, never propagated as errors, so one
// bad entry cannot abort the batch. When ctx is cancelled, no new entries are
// started; unstarted entries are recorded as failed/cancelled so the reporter
// can account for every input.
func Process(ctx context.Context, concurrency int, entries []manifest.Entry, fn EntryFunc) []Record {
	if concurrency <= 0 {
		concurrency = 1
	}

	var (
		mu      sync.Mutex
		records = make([]Record, 0, len(entries))
	)
	append1 := func(rec Record) {
		mu.Lock()
		records = append(records, rec)
		mu.Unlock()
	}

	g := new(errgroup.Group)
	g.SetLimit(concurrency)

	for _, entry := range entries {
		entry := entry
		if ctx.Err() != nil {
			append1(Fail(entry.Name, "", ReasonCancelled, ctx.Err()))
			continue
		}

		g.Go(func() error {
			if ctx.Err() != nil {
				append1(Fail(entry.Name, "", ReasonCancelled, ctx.Err()))
				return nil
			}
			append1(fn(ctx, entry))
			return nil
		})
	}

	_ = g.Wait()
	return records
}
