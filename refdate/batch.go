package refdate

import (
	"context"
	"log"
	"runtime"
	"sync"
)

// =============================================================================
// BATCH RESOLUTION
// =============================================================================

// BatchRequest is a full-year (or partial) bulk resolution request.
type BatchRequest struct {
	TargetYear      int
	BaseOffsetYears int // zero means DefaultBaseOffsetYears
	Scopes          []Query
}

// BatchError records a tuple that could not be resolved.
type BatchError struct {
	Scope Query
	Kind  ErrorKind
	Err   error
}

// BatchResult holds every resolved tuple plus the per-tuple failures.
type BatchResult struct {
	TargetYear      int
	BaseOffsetYears int
	Results         []ResolutionResult
	Errors          []BatchError
}

type partitionKey struct {
	store   string
	channel Channel
}

type partition struct {
	queries []Query
	results []ResolutionResult
	errors  []BatchError
}

// ResolveBatch resolves every scope against one snapshot. Tuples are
// partitioned by (store, channel) and partitions run in parallel; outputs are
// concatenated in order of each partition's first appearance.
//
// A failing tuple never aborts the batch. If ctx is cancelled the partial
// result is returned together with ctx.Err().
func (r *Resolver) ResolveBatch(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	offset := req.BaseOffsetYears
	if offset == 0 {
		offset = DefaultBaseOffsetYears
	}
	if offset < 1 {
		return nil, ErrInvalidOffset
	}

	snap, idx, err := r.load(ctx, req.TargetYear, offset)
	if err != nil {
		return nil, err
	}

	out := ResolveAll(ctx, snap, idx, req.TargetYear, offset, req.Scopes, r.workers)
	log.Printf("[Batch] year=%d offset=%d tuples=%d resolved=%d errors=%d",
		req.TargetYear, offset, len(req.Scopes), len(out.Results), len(out.Errors))
	return out, ctx.Err()
}

// ResolveAll is the pure, parallel core of ResolveBatch.
func ResolveAll(ctx context.Context, snap *Snapshot, idx *GroupIndex, targetYear, offset int, scopes []Query, workers int) *BatchResult {
	var (
		order []partitionKey
		parts = make(map[partitionKey]*partition)
	)
	for _, q := range scopes {
		k := partitionKey{store: NormalizeStoreCode(q.StoreCode), channel: q.Channel}
		p, ok := parts[k]
		if !ok {
			p = &partition{}
			parts[k] = p
			order = append(order, k)
		}
		p.queries = append(p.queries, q)
	}

	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(order) {
		workers = len(order)
	}

	jobs := make(chan *partition)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range jobs {
				resolvePartition(ctx, snap, idx, targetYear, offset, p)
			}
		}()
	}

feed:
	for _, k := range order {
		select {
		case jobs <- parts[k]:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	out := &BatchResult{TargetYear: targetYear, BaseOffsetYears: offset}
	for _, k := range order {
		p := parts[k]
		out.Results = append(out.Results, p.results...)
		out.Errors = append(out.Errors, p.errors...)
	}
	return out
}

func resolvePartition(ctx context.Context, snap *Snapshot, idx *GroupIndex, targetYear, offset int, p *partition) {
	for _, q := range p.queries {
		if ctx.Err() != nil {
			return
		}
		if q.Date.Year() != targetYear {
			p.errors = append(p.errors, BatchError{Scope: q, Kind: KindInvalidInput, Err: ErrDateOutsideYear})
			continue
		}
		res, err := Resolve(snap, idx, q, offset)
		if err != nil {
			p.errors = append(p.errors, BatchError{Scope: q, Kind: KindOf(err), Err: err})
			continue
		}
		p.results = append(p.results, res)
	}
}

// FullYearScopes builds every (day x store x channel) tuple of a year.
func FullYearScopes(year int, stores []string, channels []Channel) []Query {
	days := DaysOfYear(year)
	out := make([]Query, 0, len(days)*len(stores)*len(channels))
	for _, s := range stores {
		for _, ch := range channels {
			for _, d := range days {
				out = append(out, Query{Date: d, StoreCode: s, Channel: ch})
			}
		}
	}
	return out
}
