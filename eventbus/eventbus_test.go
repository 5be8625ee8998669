package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestExactHandlerAndMiddlewareOrdering(t *testing.T) {
	bus := New(nil)
	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	bus.Use(func(ctx context.Context, mctx *Context, next Next) error {
		record("m1:before")
		err := next(ctx)
		record("m1:after")
		return err
	})
	bus.Use(func(ctx context.Context, mctx *Context, next Next) error {
		record("m2:before")
		err := next(ctx)
		record("m2:after")
		return err
	})
	bus.On("x", func(ctx context.Context, payload any) error {
		record("h")
		return nil
	})

	if err := bus.EmitAsync(context.Background(), "x", nil); err != nil {
		t.Fatalf("EmitAsync error: %v", err)
	}

	want := []string{"m1:before", "m2:before", "h", "m2:after", "m1:after"}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q (full: %v)", i, order[i], want[i], order)
		}
	}
}

func TestPatternSubscription(t *testing.T) {
	bus := New(nil)
	var calls int
	var lastEvent string
	_, err := bus.OnPattern("user:*", func(ctx context.Context, payload any) error {
		calls++
		lastEvent = payload.(string)
		return nil
	})
	if err != nil {
		t.Fatalf("OnPattern error: %v", err)
	}

	bus.Emit("user:create", "user:create")
	bus.Emit("order:create", "order:create")

	if calls != 1 {
		t.Fatalf("expected pattern handler invoked exactly once, got %d", calls)
	}
	if lastEvent != "user:create" {
		t.Errorf("expected matched event user:create, got %q", lastEvent)
	}
}

func TestEmit_CallsExactHandlersSynchronously(t *testing.T) {
	bus := New(nil)
	called := false
	bus.On("sync", func(ctx context.Context, payload any) error {
		called = true
		return nil
	})
	bus.Emit("sync", nil)
	if !called {
		t.Fatalf("expected exact handler to run before Emit returns when there is no async middleware")
	}
}

func TestDuplicateNext_AbortsEmission(t *testing.T) {
	bus := New(nil)
	bus.Use(func(ctx context.Context, mctx *Context, next Next) error {
		_ = next(ctx)
		return next(ctx) // second call: programming error
	})
	handlerCalled := false
	bus.On("x", func(ctx context.Context, payload any) error {
		handlerCalled = true
		return nil
	})

	err := bus.EmitAsync(context.Background(), "x", nil)
	if err == nil || !errors.Is(err, ErrDuplicateNext) {
		t.Fatalf("expected ErrDuplicateNext, got %v", err)
	}
	if !handlerCalled {
		t.Errorf("expected handler to have run once before the duplicate next() was detected")
	}
}

func TestBlocked_SkipsRemainderAndHandlers(t *testing.T) {
	bus := New(nil)
	bus.Use(func(ctx context.Context, mctx *Context, next Next) error {
		mctx.Blocked = true
		return nil
	})
	handlerCalled := false
	bus.On("x", func(ctx context.Context, payload any) error {
		handlerCalled = true
		return nil
	})
	if err := bus.EmitAsync(context.Background(), "x", nil); err != nil {
		t.Fatalf("EmitAsync error: %v", err)
	}
	if handlerCalled {
		t.Errorf("expected handler to be skipped once ctx.Blocked is set")
	}
}

func TestHandlerPanic_DoesNotStopSiblings(t *testing.T) {
	bus := New(func(err error) {})
	secondCalled := false
	bus.On("x", func(ctx context.Context, payload any) error {
		panic("boom")
	})
	bus.On("x", func(ctx context.Context, payload any) error {
		secondCalled = true
		return nil
	})
	if err := bus.EmitAsync(context.Background(), "x", nil); err != nil {
		t.Fatalf("EmitAsync should not surface a handler panic: %v", err)
	}
	if !secondCalled {
		t.Errorf("expected sibling handler to still run after a panicking handler")
	}
}

func TestHandlerError_ReportedToErrorSink(t *testing.T) {
	var mu sync.Mutex
	var got error
	done := make(chan struct{})
	bus := New(func(err error) {
		mu.Lock()
		got = err
		mu.Unlock()
		close(done)
	})
	sentinel := errors.New("handler failed")
	bus.On("x", func(ctx context.Context, payload any) error {
		return sentinel
	})
	bus.Emit("x", nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error sink")
	}

	mu.Lock()
	defer mu.Unlock()
	if !errors.Is(got, sentinel) {
		t.Errorf("expected error sink to receive the handler's error, got %v", got)
	}
}

func TestOnce_FiresAtMostOnce(t *testing.T) {
	bus := New(nil)
	calls := 0
	bus.Once("x", func(ctx context.Context, payload any) error {
		calls++
		return nil
	})
	bus.Emit("x", nil)
	bus.Emit("x", nil)
	if calls != 1 {
		t.Errorf("expected once handler to fire exactly once, got %d", calls)
	}
}

func TestPatternPriority_HighestFirst(t *testing.T) {
	bus := New(nil)
	var order []string
	bus.OnPattern("*", func(ctx context.Context, payload any) error {
		order = append(order, "low")
		return nil
	}, WithPriority(0))
	bus.OnPattern("*", func(ctx context.Context, payload any) error {
		order = append(order, "high")
		return nil
	}, WithPriority(10))

	if err := bus.EmitAsync(context.Background(), "x", nil); err != nil {
		t.Fatalf("EmitAsync error: %v", err)
	}
	if len(order) != 2 || order[0] != "high" || order[1] != "low" {
		t.Errorf("expected high-priority pattern handler first, got %v", order)
	}
}

func TestValidateEventPattern(t *testing.T) {
	bus := New(nil)
	if _, err := bus.OnPattern("user:*", noop); err != nil {
		t.Errorf("user:* should be a valid pattern: %v", err)
	}
	if _, err := bus.OnPattern("*", noop); err != nil {
		t.Errorf("* should be a valid pattern: %v", err)
	}
	if _, err := bus.OnPattern("user", noop); err == nil {
		t.Errorf("expected plain literal pattern to be rejected")
	}
	if _, err := bus.OnPattern(":*", noop); err == nil {
		t.Errorf("expected empty-prefix pattern to be rejected")
	}
}

func noop(ctx context.Context, payload any) error { return nil }

func TestDispose_RemovesSubscription(t *testing.T) {
	bus := New(nil)
	calls := 0
	dispose := bus.On("x", func(ctx context.Context, payload any) error {
		calls++
		return nil
	})
	bus.Emit("x", nil)
	dispose()
	bus.Emit("x", nil)
	if calls != 1 {
		t.Errorf("expected handler to stop firing after dispose, got %d calls", calls)
	}
}
