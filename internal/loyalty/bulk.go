package loyalty

import (
	"context"
	"sync"
)

// defaultBulkWorkers bounds fan-out for bulk assignment. Transitions for
// different members are independent, so they may run in parallel; a single
// member is never touched by two workers.
const defaultBulkWorkers = 8

// BulkOrchestrator applies one assignment across a set of members,
// collecting per-member success or failure. One member failing never blocks
// or rolls back the others.
type BulkOrchestrator struct {
	resolver *Resolver
	workers  int
}

// BulkOption configures a BulkOrchestrator.
type BulkOption func(*BulkOrchestrator)

// WithBulkWorkers sets the worker pool size. Values below one keep the
// default.
func WithBulkWorkers(n int) BulkOption {
	return func(b *BulkOrchestrator) {
		if n >= 1 {
			b.workers = n
		}
	}
}

// NewBulkOrchestrator constructs the orchestrator with the default worker
// count.
func NewBulkOrchestrator(resolver *Resolver, opts ...BulkOption) *BulkOrchestrator {
	b := &BulkOrchestrator{resolver: resolver, workers: defaultBulkWorkers}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BulkItem is one member's outcome within a bulk run.
type BulkItem struct {
	MemberID string  `json:"member_id"`
	Result   *Result `json:"result,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// BulkSummary reports a whole bulk run. Items preserve input order.
type BulkSummary struct {
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
	Items     []BulkItem `json:"items"`

	Effects []Effect `json:"-"`
}

// AssignAll applies req to every member id, fanning out across a bounded
// worker pool. The MemberID field of req is ignored; each worker sets its
// own.
func (b *BulkOrchestrator) AssignAll(ctx context.Context, memberIDs []string, req AssignRequest) BulkSummary {
	sum := BulkSummary{Items: make([]BulkItem, len(memberIDs))}
	if len(memberIDs) == 0 {
		return sum
	}

	workers := b.workers
	if workers > len(memberIDs) {
		workers = len(memberIDs)
	}
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	for i, id := range memberIDs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, id string) {
			defer wg.Done()
			defer func() { <-sem }()
			itemReq := req
			itemReq.MemberID = id
			res, err := b.resolver.AssignTier(ctx, itemReq)
			if err != nil {
				sum.Items[i] = BulkItem{MemberID: id, Error: err.Error()}
				return
			}
			sum.Items[i] = BulkItem{MemberID: id, Result: res}
		}(i, id)
	}
	wg.Wait()

	for _, item := range sum.Items {
		if item.Error != "" {
			sum.Failed++
			continue
		}
		sum.Succeeded++
		if item.Result != nil {
			sum.Effects = append(sum.Effects, item.Result.Effects...)
		}
	}
	return sum
}

// RemoveAll clears the tier for every member id, sequentially; removals are
// cheap and a bounded pool buys little here.
func (b *BulkOrchestrator) RemoveAll(ctx context.Context, memberIDs []string, req RemoveRequest) BulkSummary {
	sum := BulkSummary{Items: make([]BulkItem, 0, len(memberIDs))}
	for _, id := range memberIDs {
		itemReq := req
		itemReq.MemberID = id
		res, err := b.resolver.RemoveTier(ctx, itemReq)
		if err != nil {
			sum.Failed++
			sum.Items = append(sum.Items, BulkItem{MemberID: id, Error: err.Error()})
			continue
		}
		sum.Succeeded++
		sum.Items = append(sum.Items, BulkItem{MemberID: id, Result: res})
		sum.Effects = append(sum.Effects, res.Effects...)
	}
	return sum
}
