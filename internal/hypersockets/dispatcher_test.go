package hypersockets

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestDispatcherRoutesMessagesToCorrectHandler(t *testing.T) {
	t.Parallel()

	var aCount, bCount atomic.Int32
	handlers := map[string]Handler{
		"a": HandlerFunc(func(msg any) error { aCount.Add(1); return nil }),
		"b": HandlerFunc(func(msg any) error { bCount.Add(1); return nil }),
	}
	d := newDispatcher(handlers, nil, discardLogger())
	defer d.Close()

	for i := 0; i < 10; i++ {
		d.Dispatch("a", i)
	}
	for i := 0; i < 5; i++ {
		d.Dispatch("b", i)
	}

	deadline := time.Now().Add(time.Second)
	for (aCount.Load() != 10 || bCount.Load() != 5) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if got := aCount.Load(); got != 10 {
		t.Errorf("route a handled %d messages, want 10", got)
	}
	if got := bCount.Load(); got != 5 {
		t.Errorf("route b handled %d messages, want 5", got)
	}
}

func TestDispatcherDifferentKeysRunIndependently(t *testing.T) {
	t.Parallel()

	blockA := make(chan struct{})
	var bDone atomic.Bool

	handlers := map[string]Handler{
		"slow": HandlerFunc(func(msg any) error {
			<-blockA
			return nil
		}),
		"fast": HandlerFunc(func(msg any) error {
			bDone.Store(true)
			return nil
		}),
	}
	d := newDispatcher(handlers, nil, discardLogger())
	defer func() {
		close(blockA)
		d.Close()
	}()

	d.Dispatch("slow", 1)
	d.Dispatch("fast", 1)

	deadline := time.Now().Add(time.Second)
	for !bDone.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !bDone.Load() {
		t.Fatal("fast route should not be blocked by slow route's handler")
	}
}

func TestDispatcherRecoversFromHandlerPanic(t *testing.T) {
	t.Parallel()

	var afterPanic atomic.Bool
	calls := 0
	var mu sync.Mutex

	handlers := map[string]Handler{
		"r": HandlerFunc(func(msg any) error {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n == 1 {
				panic("boom")
			}
			afterPanic.Store(true)
			return nil
		}),
	}
	d := newDispatcher(handlers, nil, discardLogger())
	defer d.Close()

	d.Dispatch("r", 1)
	d.Dispatch("r", 2)

	deadline := time.Now().Add(time.Second)
	for !afterPanic.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !afterPanic.Load() {
		t.Fatal("handler thread should survive a panic and keep processing")
	}
}

func TestDispatcherCloseDrainsAndStops(t *testing.T) {
	t.Parallel()

	var processed atomic.Int32
	handlers := map[string]Handler{
		"r": HandlerFunc(func(msg any) error { processed.Add(1); return nil }),
	}
	d := newDispatcher(handlers, nil, discardLogger())

	for i := 0; i < 100; i++ {
		d.Dispatch("r", i)
	}
	d.Close()

	if got := processed.Load(); got != 100 {
		t.Errorf("processed %d of 100 messages before Close returned", got)
	}
}

func TestDispatcherUnknownRouteDropsSilently(t *testing.T) {
	t.Parallel()

	d := newDispatcher(map[string]Handler{}, nil, discardLogger())
	defer d.Close()

	d.Dispatch("missing", "whatever")
}

func TestDispatcherFallsBackToDefaultHandlerPerKey(t *testing.T) {
	t.Parallel()

	var tokenACount, tokenBCount atomic.Int32
	defaultHandler := HandlerFunc(func(msg any) error {
		switch msg.(string) {
		case "token-a":
			tokenACount.Add(1)
		case "token-b":
			tokenBCount.Add(1)
		}
		return nil
	})
	d := newDispatcher(map[string]Handler{}, defaultHandler, discardLogger())
	defer d.Close()

	for i := 0; i < 5; i++ {
		d.Dispatch("token-a", "token-a")
	}
	for i := 0; i < 3; i++ {
		d.Dispatch("token-b", "token-b")
	}

	deadline := time.Now().Add(time.Second)
	for (tokenACount.Load() != 5 || tokenBCount.Load() != 3) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := tokenACount.Load(); got != 5 {
		t.Errorf("token-a handled %d messages via default handler, want 5", got)
	}
	if got := tokenBCount.Load(); got != 3 {
		t.Errorf("token-b handled %d messages via default handler, want 3", got)
	}

	d.mu.Lock()
	n := len(d.queues)
	d.mu.Unlock()
	if n != 2 {
		t.Errorf("expected a distinct queue per runtime-discovered key, got %d", n)
	}
}

func TestRouteQueuePushPopOrder(t *testing.T) {
	t.Parallel()

	q := newRouteQueue("test", discardLogger())
	for i := 0; i < 5; i++ {
		q.push(i)
	}
	for i := 0; i < 5; i++ {
		v, ok := q.pop()
		if !ok {
			t.Fatalf("pop %d: expected ok", i)
		}
		if v.(int) != i {
			t.Errorf("pop %d: got %v, want %d", i, v, i)
		}
	}
}

func TestRouteQueueCloseUnblocksPop(t *testing.T) {
	t.Parallel()

	q := newRouteQueue("test", discardLogger())
	done := make(chan struct{})
	go func() {
		_, ok := q.pop()
		if ok {
			t.Error("pop after close should return ok=false")
		}
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	q.close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pop did not unblock after close")
	}
}

func TestRouteQueuePushAfterCloseIsNoOp(t *testing.T) {
	t.Parallel()

	q := newRouteQueue("test", discardLogger())
	q.close()
	q.push("dropped")

	_, ok := q.pop()
	if ok {
		t.Error("expected no items after pushing to a closed queue")
	}
}

func ExampleHandlerFunc() {
	d := newDispatcher(map[string]Handler{
		"echo": HandlerFunc(func(msg any) error {
			fmt.Println(msg)
			return nil
		}),
	}, nil, discardLogger())
	d.Dispatch("echo", "hi")
	time.Sleep(10 * time.Millisecond)
	d.Close()
	// Output: hi
}
