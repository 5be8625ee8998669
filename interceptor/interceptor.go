// Package interceptor implements the ordered request/response/error
// transformer pipeline the orchestrator runs every attempt through.
//
// Design Notes:
//   - Request hooks run weight-descending; response hooks run
//     weight-ascending, so the interceptor that wrapped outermost on the
//     way out unwraps last on the way back, the usual wrap-unwrap
//     middleware idiom.
//   - Error hooks run in reverse registration order, best-effort: a
//     panicking or erroring onError hook is swallowed so that one badly
//     written observability hook can never mask the real failure.
package interceptor

import (
	"context"
	"sort"
)

// Interceptor is an ordered pipeline stage. Any hook may be nil.
type Interceptor struct {
	// Weight orders dispatch: request hooks run weight-descending,
	// response hooks weight-ascending.
	Weight int

	OnRequest  func(ctx context.Context, req any) (any, error)
	OnResponse func(ctx context.Context, res any) (any, error)
	OnError    func(ctx context.Context, err error) error
}

// Pipeline holds interceptors in registration order; Use appends, the
// returned disposer removes by identity.
type Pipeline struct {
	entries []*entry
	seq     int
}

type entry struct {
	seq int
	it  *Interceptor
}

// New creates an empty pipeline.
func New() *Pipeline {
	return &Pipeline{}
}

// Use registers an interceptor and returns a disposer that removes it.
func (p *Pipeline) Use(it *Interceptor) func() {
	e := &entry{seq: p.seq, it: it}
	p.seq++
	p.entries = append(p.entries, e)
	return func() {
		for i, cur := range p.entries {
			if cur == e {
				p.entries = append(p.entries[:i], p.entries[i+1:]...)
				return
			}
		}
	}
}

// Len reports the number of registered interceptors.
func (p *Pipeline) Len() int { return len(p.entries) }

func (p *Pipeline) sortedByWeight(descending bool) []*Interceptor {
	snapshot := make([]*entry, len(p.entries))
	copy(snapshot, p.entries)
	sort.SliceStable(snapshot, func(i, j int) bool {
		wi, wj := snapshot[i].it.Weight, snapshot[j].it.Weight
		if wi == wj {
			return snapshot[i].seq < snapshot[j].seq
		}
		if descending {
			return wi > wj
		}
		return wi < wj
	})
	out := make([]*Interceptor, len(snapshot))
	for i, e := range snapshot {
		out[i] = e.it
	}
	return out
}

// RunRequest runs every onRequest hook, weight-descending, threading the
// (possibly transformed) request through each. A hook returning a nil
// value leaves the current request unchanged.
func (p *Pipeline) RunRequest(ctx context.Context, req any) (any, error) {
	for _, it := range p.sortedByWeight(true) {
		if it.OnRequest == nil {
			continue
		}
		next, err := it.OnRequest(ctx, req)
		if err != nil {
			return req, err
		}
		if next != nil {
			req = next
		}
	}
	return req, nil
}

// RunResponse runs every onResponse hook, weight-ascending.
func (p *Pipeline) RunResponse(ctx context.Context, res any) (any, error) {
	for _, it := range p.sortedByWeight(false) {
		if it.OnResponse == nil {
			continue
		}
		next, err := it.OnResponse(ctx, res)
		if err != nil {
			return res, err
		}
		if next != nil {
			res = next
		}
	}
	return res, nil
}

// RunError runs every onError hook in reverse registration order,
// best-effort: a hook that panics or returns an error is swallowed and
// dispatch continues to the next hook with the error unchanged by it.
func (p *Pipeline) RunError(ctx context.Context, err error) error {
	entries := make([]*entry, len(p.entries))
	copy(entries, p.entries)

	for i := len(entries) - 1; i >= 0; i-- {
		it := entries[i].it
		if it.OnError == nil {
			continue
		}
		func() {
			defer func() { recover() }()
			_ = it.OnError(ctx, err)
		}()
	}
	return err
}
