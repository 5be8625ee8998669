// Package eventbus implements a typed, pattern-aware publish/subscribe
// bus with two ordered middleware chains, used by the request
// orchestrator for lifecycle notifications and by any other component
// that wants to observe them without coupling to the orchestrator's
// internals.
//
// Design Notes:
//   - Exact, any, and pattern subscriptions are tracked separately so
//     that dispatch order (exact, then any, then pattern) never needs a
//     type switch on the hot path.
//   - The global middleware chain wraps every emission; the pattern
//     middleware chain wraps only the pattern-handler dispatch that
//     follows it, mirroring the two-chain design of the teacher's
//     request/response interceptor idiom.
//   - A handler's panic or returned error never stops its siblings or
//     aborts the chain: it is recovered, then handed to the bus's error
//     sink on its own goroutine, the way an unhandled promise rejection
//     would surface independently of the call that triggered it.
package eventbus

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrDuplicateNext is returned when a middleware calls next() more than
// once during a single emission. This is a programming error: it aborts
// the emission rather than being swallowed.
var ErrDuplicateNext = stderrors.New("eventbus: next() called more than once in the same middleware")

// Handler processes a single event payload. A returned error is never
// propagated to the emitter; it is reported to the bus's ErrorSink.
type Handler func(ctx context.Context, payload any) error

// Context is the mutable state threaded through one emission's
// middleware chains.
type Context struct {
	Event   string
	Payload any
	Matched string // set while running the pattern-middleware chain: the pattern that matched
	Meta    map[string]any
	Blocked bool
}

// Next continues to the next middleware, or to handler dispatch if this
// is the last one in the chain. Calling it twice from the same
// middleware invocation is a programming error (ErrDuplicateNext).
type Next func(ctx context.Context) error

// Middleware wraps handler dispatch. Setting mctx.Blocked skips the
// remainder of the chain and any handlers not yet called.
type Middleware func(ctx context.Context, mctx *Context, next Next) error

// ErrorSink receives errors from handler panics/returns and from a
// duplicate-next programming error surfaced by Emit (fire-and-forget
// has no return value to carry it).
type ErrorSink func(err error)

type subscription struct {
	id       string
	handler  Handler
	once     bool
	priority int
	pattern  string // only set for pattern subscriptions
	seq      uint64
	disposed atomic.Bool
}

// Bus is a typed pub/sub bus with exact, any, and pattern subscriptions.
type Bus struct {
	mu        sync.Mutex
	exact     map[string][]*subscription
	any       []*subscription
	pattern   []*subscription
	globalMW  []*mwEntry
	patternMW []*mwEntry
	errorSink ErrorSink
	seq       uint64
}

type mwEntry struct {
	id string
	mw Middleware
}

// New creates an empty event bus. sink receives handler/pipeline errors
// that are never returned to the emitter; pass nil to discard them.
func New(sink ErrorSink) *Bus {
	if sink == nil {
		sink = func(error) {}
	}
	return &Bus{
		exact:     make(map[string][]*subscription),
		errorSink: sink,
	}
}

func (b *Bus) nextSeq() uint64 {
	b.seq++
	return b.seq
}

// On subscribes handler to the exact event name. The returned Disposer
// removes the subscription.
func (b *Bus) On(event string, handler Handler) func() {
	return b.subscribeExact(event, handler, false)
}

// Once subscribes handler to the exact event name; it is automatically
// disposed after its first invocation, successful or not.
func (b *Bus) Once(event string, handler Handler) func() {
	return b.subscribeExact(event, handler, true)
}

func (b *Bus) subscribeExact(event string, handler Handler, once bool) func() {
	b.mu.Lock()
	sub := &subscription{id: uuid.NewString(), handler: handler, once: once, seq: b.nextSeq()}
	b.exact[event] = append(b.exact[event], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.exact[event]
		for i, s := range subs {
			if s == sub {
				b.exact[event] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// OnAny subscribes handler to every emission, regardless of event name.
func (b *Bus) OnAny(handler Handler) func() {
	b.mu.Lock()
	sub := &subscription{id: uuid.NewString(), handler: handler, seq: b.nextSeq()}
	b.any = append(b.any, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.any {
			if s == sub {
				b.any = append(b.any[:i], b.any[i+1:]...)
				break
			}
		}
	}
}

// PatternOption configures a pattern subscription.
type PatternOption func(*subscription)

// WithPriority sets the dispatch priority of a pattern subscription;
// higher values run first. Ties keep insertion order.
func WithPriority(priority int) PatternOption {
	return func(s *subscription) { s.priority = priority }
}

// WithOnce disposes the pattern subscription after its first invocation.
func WithOnce() PatternOption {
	return func(s *subscription) { s.once = true }
}

// OnPattern subscribes handler to every event matching pattern.
// pattern must be "*" (matches everything) or "prefix:*" (matches
// "prefix" itself or anything beginning with "prefix:"); any other
// pattern literal is rejected.
func (b *Bus) OnPattern(pattern string, handler Handler, opts ...PatternOption) (func(), error) {
	if err := validateEventPattern(pattern); err != nil {
		return nil, err
	}

	sub := &subscription{id: uuid.NewString(), handler: handler, pattern: pattern}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	sub.seq = b.nextSeq()
	b.pattern = append(b.pattern, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.pattern {
			if s == sub {
				b.pattern = append(b.pattern[:i], b.pattern[i+1:]...)
				break
			}
		}
	}, nil
}

// Use registers a global middleware, run around every emission.
func (b *Bus) Use(mw Middleware) func() {
	entry := &mwEntry{id: uuid.NewString(), mw: mw}
	b.mu.Lock()
	b.globalMW = append(b.globalMW, entry)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.globalMW {
			if e == entry {
				b.globalMW = append(b.globalMW[:i], b.globalMW[i+1:]...)
				break
			}
		}
	}
}

// UsePattern registers a middleware run only around pattern-handler
// dispatch, after the global chain and exact/any handlers have run.
func (b *Bus) UsePattern(mw Middleware) func() {
	entry := &mwEntry{id: uuid.NewString(), mw: mw}
	b.mu.Lock()
	b.patternMW = append(b.patternMW, entry)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.patternMW {
			if e == entry {
				b.patternMW = append(b.patternMW[:i], b.patternMW[i+1:]...)
				break
			}
		}
	}
}

// validateEventPattern enforces the "*" / "prefix:*" pattern grammar.
func validateEventPattern(pattern string) error {
	if pattern == "*" {
		return nil
	}
	if strings.HasSuffix(pattern, ":*") && len(pattern) > 2 {
		return nil
	}
	return fmt.Errorf("eventbus: invalid pattern %q: must be \"*\" or \"prefix:*\"", pattern)
}

func matchesEventPattern(pattern, event string) bool {
	if pattern == "*" {
		return true
	}
	prefix := strings.TrimSuffix(pattern, "*")
	return event == strings.TrimSuffix(prefix, ":") || strings.HasPrefix(event, prefix)
}

// Emit dispatches event fire-and-forget: it runs the full chain
// synchronously (so a sync handler observes its effects before Emit
// returns) but discards the pipeline outcome — any pipeline-level
// failure (e.g. a duplicate next()) goes to the error sink instead of
// being returned, matching a caller that does not await the result.
func (b *Bus) Emit(event string, payload any) {
	if err := b.dispatch(context.Background(), event, payload); err != nil {
		b.reportAsync(err)
	}
}

// EmitAsync dispatches event and returns once the chain and all
// (synchronous) handlers have completed, surfacing any pipeline-level
// failure directly to the caller.
func (b *Bus) EmitAsync(ctx context.Context, event string, payload any) error {
	return b.dispatch(ctx, event, payload)
}

func (b *Bus) dispatch(ctx context.Context, event string, payload any) (err error) {
	mctx := &Context{Event: event, Payload: payload}

	defer func() {
		if r := recover(); r != nil {
			if perr, ok := r.(error); ok && stderrors.Is(perr, ErrDuplicateNext) {
				err = perr
				return
			}
			err = fmt.Errorf("eventbus: panic during emission of %q: %v", event, r)
		}
	}()

	final := func(ctx context.Context) error {
		b.dispatchExactAndAny(ctx, mctx)
		return b.runChain(b.patternMiddlewares(), ctx, mctx, func(ctx context.Context) error {
			b.dispatchPattern(ctx, mctx)
			return nil
		})
	}

	return b.runChain(b.globalMiddlewares(), ctx, mctx, final)
}

func (b *Bus) globalMiddlewares() []Middleware {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Middleware, len(b.globalMW))
	for i, e := range b.globalMW {
		out[i] = e.mw
	}
	return out
}

func (b *Bus) patternMiddlewares() []Middleware {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Middleware, len(b.patternMW))
	for i, e := range b.patternMW {
		out[i] = e.mw
	}
	return out
}

func (b *Bus) runChain(mws []Middleware, ctx context.Context, mctx *Context, final Next) error {
	if mctx.Blocked {
		return nil
	}
	if len(mws) == 0 {
		return final(ctx)
	}

	mw := mws[0]
	rest := mws[1:]

	var called bool
	next := func(ctx context.Context) error {
		if called {
			panic(ErrDuplicateNext)
		}
		called = true
		if mctx.Blocked {
			return nil
		}
		return b.runChain(rest, ctx, mctx, final)
	}

	return mw(ctx, mctx, next)
}

func (b *Bus) dispatchExactAndAny(ctx context.Context, mctx *Context) {
	b.mu.Lock()
	exact := append([]*subscription(nil), b.exact[mctx.Event]...)
	any := append([]*subscription(nil), b.any...)
	b.mu.Unlock()

	for _, sub := range exact {
		b.invoke(ctx, mctx.Event, mctx.Payload, sub)
	}
	for _, sub := range any {
		b.invoke(ctx, mctx.Event, mctx.Payload, sub)
	}
}

func (b *Bus) dispatchPattern(ctx context.Context, mctx *Context) {
	b.mu.Lock()
	candidates := make([]*subscription, 0, len(b.pattern))
	for _, sub := range b.pattern {
		if matchesEventPattern(sub.pattern, mctx.Event) {
			candidates = append(candidates, sub)
		}
	}
	b.mu.Unlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority > candidates[j].priority
		}
		return candidates[i].seq < candidates[j].seq
	})

	for _, sub := range candidates {
		mctx.Matched = sub.pattern
		b.invoke(ctx, mctx.Event, mctx.Payload, sub)
	}
}

func (b *Bus) invoke(ctx context.Context, event string, payload any, sub *subscription) {
	if sub.once && !sub.disposed.CompareAndSwap(false, true) {
		return
	}
	if sub.once {
		defer b.disposeOnce(sub)
	}

	defer func() {
		if r := recover(); r != nil {
			b.reportAsync(fmt.Errorf("eventbus: handler for %q panicked: %v", event, r))
		}
	}()

	if err := sub.handler(ctx, payload); err != nil {
		b.reportAsync(err)
	}
}

func (b *Bus) disposeOnce(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for event, subs := range b.exact {
		for i, s := range subs {
			if s == sub {
				b.exact[event] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
	for i, s := range b.any {
		if s == sub {
			b.any = append(b.any[:i], b.any[i+1:]...)
			return
		}
	}
	for i, s := range b.pattern {
		if s == sub {
			b.pattern = append(b.pattern[:i], b.pattern[i+1:]...)
			return
		}
	}
}

func (b *Bus) reportAsync(err error) {
	sink := b.errorSink
	go func() {
		defer func() { recover() }()
		sink(err)
	}()
}
