package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"polymarket-mm/internal/solver"
	"polymarket-mm/pkg/types"
)

// fakeExchange records the order of calls the executor makes and returns
// canned responses.
type fakeExchange struct {
	mu    sync.Mutex
	calls []string

	postErr   error
	postResps []types.OrderResponse
}

func (f *fakeExchange) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeExchange) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeExchange) PostOrders(_ context.Context, orders []types.UserOrder, _ bool) ([]types.OrderResponse, error) {
	f.record("post")
	if f.postErr != nil {
		return nil, f.postErr
	}
	if f.postResps != nil {
		return f.postResps, nil
	}
	resps := make([]types.OrderResponse, len(orders))
	for i := range orders {
		resps[i] = types.OrderResponse{Success: true, OrderID: fmt.Sprintf("oid-%d", i), Status: "live"}
	}
	return resps, nil
}

func (f *fakeExchange) CancelOrders(_ context.Context, ids []string) (*types.CancelResponse, error) {
	f.record("cancel")
	return &types.CancelResponse{Canceled: ids}, nil
}

func (f *fakeExchange) CancelAll(context.Context) (*types.CancelResponse, error) {
	f.record("cancel_all")
	return &types.CancelResponse{Canceled: []string{"a", "b"}}, nil
}

func (f *fakeExchange) CancelMarketOrders(_ context.Context, market string) (*types.CancelResponse, error) {
	f.record("cancel_market:" + market)
	return &types.CancelResponse{}, nil
}

func (f *fakeExchange) CancelTokenOrders(_ context.Context, token string) (*types.CancelResponse, error) {
	f.record("cancel_token:" + token)
	return &types.CancelResponse{}, nil
}

func testExecutor(f *fakeExchange) *Executor {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewExecutor(f, logger)
}

func runExecutor(t *testing.T, x *Executor) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		x.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func awaitResult(t *testing.T, x *Executor) ExecutorResult {
	t.Helper()
	select {
	case res := <-x.Results():
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for executor result")
		return ExecutorResult{}
	}
}

func TestExecutorBatchCancelsBeforePlacing(t *testing.T) {
	t.Parallel()
	f := &fakeExchange{}
	x := testExecutor(f)
	runExecutor(t, x)

	x.Submit(ExecutorCommand{
		Kind:          CmdExecuteBatch,
		Cancellations: []string{"old-1", "old-2"},
		Placements: []types.UserOrder{
			{TokenID: "tok", Side: types.BUY, Price: 0.53, Size: 10, OrderType: types.OrderTypeGTC},
		},
	})

	res := awaitResult(t, x)
	if len(res.CancelledIDs) != 2 {
		t.Errorf("CancelledIDs = %v, want both", res.CancelledIDs)
	}
	if len(res.Placed) != 1 || res.Placed[0].OrderID != "oid-0" {
		t.Fatalf("Placed = %+v, want one live order", res.Placed)
	}

	calls := f.callLog()
	if len(calls) != 2 || calls[0] != "cancel" || calls[1] != "post" {
		t.Errorf("call order = %v, want cancellations strictly before placements", calls)
	}
}

func TestExecutorPreservesSubmissionOrder(t *testing.T) {
	t.Parallel()
	f := &fakeExchange{}
	x := testExecutor(f)
	runExecutor(t, x)

	x.Submit(ExecutorCommand{Kind: CmdCancelAllForMarket, Market: "m1"})
	x.Submit(ExecutorCommand{Kind: CmdCancelAllForToken, TokenID: "t1"})
	x.Submit(ExecutorCommand{Kind: CmdCancelAll})

	for i := 0; i < 3; i++ {
		awaitResult(t, x)
	}
	calls := f.callLog()
	want := []string{"cancel_market:m1", "cancel_token:t1", "cancel_all"}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}

func TestExecutorRejectionSurfacesOrderError(t *testing.T) {
	t.Parallel()
	f := &fakeExchange{postResps: []types.OrderResponse{
		{Success: false, ErrorMsg: "not enough balance"},
	}}
	x := testExecutor(f)
	runExecutor(t, x)

	order := types.UserOrder{TokenID: "tok", Side: types.BUY, Price: 0.40, Size: 5}
	x.Submit(ExecutorCommand{Kind: CmdPlaceLimit, Placements: []types.UserOrder{order}})

	res := awaitResult(t, x)
	if len(res.Placed) != 0 {
		t.Errorf("expected no placements, got %+v", res.Placed)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("expected exactly one error, got %v", res.Errors)
	}
	var oe *OrderError
	if !errors.As(res.Errors[0], &oe) {
		t.Fatalf("error %v is not an *OrderError", res.Errors[0])
	}
	if oe.Order.TokenID != order.TokenID {
		t.Errorf("OrderError carries wrong order: %+v", oe.Order)
	}
}

func TestExecutorTransportErrorFailsEverySlot(t *testing.T) {
	t.Parallel()
	f := &fakeExchange{postErr: errors.New("connection reset")}
	x := testExecutor(f)
	runExecutor(t, x)

	x.Submit(ExecutorCommand{Kind: CmdExecuteBatch, Placements: []types.UserOrder{
		{TokenID: "a", Side: types.BUY, Price: 0.50, Size: 1},
		{TokenID: "b", Side: types.BUY, Price: 0.45, Size: 1},
	}})

	res := awaitResult(t, x)
	if len(res.Errors) != 2 {
		t.Errorf("want one OrderError per slot, got %v", res.Errors)
	}
}

func TestExecutorShutdownCommandStopsLoop(t *testing.T) {
	t.Parallel()
	f := &fakeExchange{}
	x := testExecutor(f)

	done := make(chan struct{})
	go func() {
		defer close(done)
		x.Run(context.Background())
	}()

	x.Submit(ExecutorCommand{Kind: CmdShutdown})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not exit on Shutdown command")
	}
}

func TestInFlightTrackerSuppressesDuplicates(t *testing.T) {
	t.Parallel()
	tr := NewInFlightTracker()
	key := inFlightKey{TokenID: "tok", Side: types.BUY, PriceMicros: 530_000}

	if !tr.TryAcquire(key) {
		t.Fatal("first acquire should succeed")
	}
	if tr.TryAcquire(key) {
		t.Fatal("second acquire of the same slot should be suppressed")
	}
	other := inFlightKey{TokenID: "tok", Side: types.BUY, PriceMicros: 540_000}
	if !tr.TryAcquire(other) {
		t.Fatal("different price level must be an independent slot")
	}

	tr.Release(key)
	if !tr.TryAcquire(key) {
		t.Fatal("released slot should be acquirable again")
	}
}

func TestMakerSubmitFiltersInFlightSlots(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	info := testMarketInfo()
	m := setupMaker(cfg, info)
	seedBook(m, "0.49", "0.51")
	f := &fakeExchange{}
	m.executor = testExecutor(f)

	out := solver.Output{
		Cancellations: []string{"stale-1"},
		LimitOrders: []solver.LimitOrder{
			{TokenID: info.YesTokenID, PriceMicros: 530_000, SizeMicros: 10_000_000},
			{TokenID: info.NoTokenID, PriceMicros: 430_000, SizeMicros: 10_000_000},
		},
	}
	m.submitSolverOutput(out)
	m.submitSolverOutput(out) // same diff again, before any result came back

	// Only the first submission may carry work; the second tick's
	// cancellation is pending and both its placements are in flight, so it
	// never reaches the executor.
	m.executor.queue.mu.Lock()
	queued := len(m.executor.queue.items)
	m.executor.queue.mu.Unlock()
	if queued != 1 {
		t.Fatalf("queued commands = %d, want 1 (duplicate tick suppressed)", queued)
	}
}
