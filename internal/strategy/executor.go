package strategy

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"polymarket-mm/pkg/types"
)

// CommandKind discriminates ExecutorCommand variants.
type CommandKind int

const (
	CmdExecuteBatch CommandKind = iota
	CmdCancelOrders
	CmdCancelAllForMarket
	CmdCancelAllForToken
	CmdCancelAll
	CmdPlaceLimit
	CmdExecuteTaker
	CmdShutdown
)

func (k CommandKind) String() string {
	switch k {
	case CmdExecuteBatch:
		return "execute_batch"
	case CmdCancelOrders:
		return "cancel_orders"
	case CmdCancelAllForMarket:
		return "cancel_all_for_market"
	case CmdCancelAllForToken:
		return "cancel_all_for_token"
	case CmdCancelAll:
		return "cancel_all"
	case CmdPlaceLimit:
		return "place_limit"
	case CmdExecuteTaker:
		return "execute_taker"
	case CmdShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// ExecutorCommand is one unit of work for the Executor. Which fields are
// read depends on Kind: ExecuteBatch uses Cancellations+Placements+Takers,
// CancelOrders uses Cancellations, CancelAllForMarket uses Market,
// CancelAllForToken uses TokenID, PlaceLimit/ExecuteTaker use Placements/
// Takers with exactly one entry.
type ExecutorCommand struct {
	Kind          CommandKind
	Cancellations []string
	Placements    []types.UserOrder
	Takers        []types.UserOrder
	Market        string // condition ID, CancelAllForMarket
	TokenID       string // CancelAllForToken
	NegRisk       bool
}

// PlacedOrder pairs an exchange-assigned order ID with the order we sent,
// so the maker can record it in its active set before the user WS channel
// confirms the placement.
type PlacedOrder struct {
	OrderID string
	Status  string
	Order   types.UserOrder
}

// ExecutorResult reports what one command actually did. Errors are
// collected, not fatal: a rejected placement or an already-filled cancel
// shows up here and the executor keeps processing.
type ExecutorResult struct {
	Kind         CommandKind
	CancelledIDs []string
	Placed       []PlacedOrder
	TakerCount   int
	Errors       []error
}

// inFlightKey identifies one quote slot. Price is keyed in integer micros
// so float noise between two ticks cannot produce two distinct keys for
// the same level.
type inFlightKey struct {
	TokenID     string
	Side        types.Side
	PriceMicros int64
}

// inFlightTTL bounds how long a lost result can suppress a quote slot.
// Well above the REST timeout so a slow response never double-places, but
// finite so an executor error cannot wedge a price level forever.
const inFlightTTL = 30 * time.Second

// InFlightTracker suppresses duplicate placements for a quote slot whose
// previous placement has been submitted but not yet acknowledged. The
// maker acquires a slot when it hands a placement to the executor and
// releases it when the result comes back.
type InFlightTracker struct {
	mu      sync.Mutex
	entries map[inFlightKey]time.Time
}

func NewInFlightTracker() *InFlightTracker {
	return &InFlightTracker{entries: make(map[inFlightKey]time.Time)}
}

// TryAcquire returns false if the slot is already in flight (and not
// expired). On true, the caller owns the slot until Release.
func (t *InFlightTracker) TryAcquire(key inFlightKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if at, ok := t.entries[key]; ok && time.Since(at) < inFlightTTL {
		return false
	}
	t.entries[key] = time.Now()
	return true
}

func (t *InFlightTracker) Release(key inFlightKey) {
	t.mu.Lock()
	delete(t.entries, key)
	t.mu.Unlock()
}

// Len reports how many slots are currently held (expired entries included
// until their keys are next touched).
func (t *InFlightTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func orderKey(o types.UserOrder) inFlightKey {
	return inFlightKey{TokenID: o.TokenID, Side: o.Side, PriceMicros: toMicros(o.Price)}
}

// executorClient is the slice of the exchange client the executor drives.
// *exchange.Client satisfies it; tests substitute a recorder.
type executorClient interface {
	PostOrders(ctx context.Context, orders []types.UserOrder, negRisk bool) ([]types.OrderResponse, error)
	CancelOrders(ctx context.Context, orderIDs []string) (*types.CancelResponse, error)
	CancelAll(ctx context.Context) (*types.CancelResponse, error)
	CancelMarketOrders(ctx context.Context, conditionID string) (*types.CancelResponse, error)
	CancelTokenOrders(ctx context.Context, tokenID string) (*types.CancelResponse, error)
}

// cmdQueue is the unbounded FIFO feeding the executor thread. Submit never
// blocks the strategy tick, whatever the exchange latency is.
type cmdQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []ExecutorCommand
	closed bool
}

func newCmdQueue() *cmdQueue {
	q := &cmdQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *cmdQueue) push(cmd ExecutorCommand) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, cmd)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *cmdQueue) pop() (ExecutorCommand, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return ExecutorCommand{}, false
	}
	cmd := q.items[0]
	q.items = q.items[1:]
	return cmd, true
}

func (q *cmdQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Executor owns the REST side of one market's quoting: the maker submits
// commands over an unbounded queue and reads results back over a channel,
// so a slow exchange call never stalls the tick loop or the WS handlers.
// Commands run strictly in submission order on one dedicated thread;
// within a batch, cancellations always go out before placements (freeing
// risk before adding it) and takers last.
type Executor struct {
	client  executorClient
	queue   *cmdQueue
	results chan ExecutorResult
	logger  *slog.Logger

	perRequestTimeout time.Duration
}

func NewExecutor(client executorClient, logger *slog.Logger) *Executor {
	return &Executor{
		client:            client,
		queue:             newCmdQueue(),
		results:           make(chan ExecutorResult, 64),
		logger:            logger.With("component", "executor"),
		perRequestTimeout: 15 * time.Second,
	}
}

// Submit enqueues a command. Never blocks. Safe after shutdown (the
// command is silently dropped once the queue is closed).
func (x *Executor) Submit(cmd ExecutorCommand) {
	x.queue.push(cmd)
}

// Results delivers one ExecutorResult per executed command, in execution
// order. The channel is buffered; if the consumer falls 64 commands
// behind, Run drops the oldest unread result rather than stalling.
func (x *Executor) Results() <-chan ExecutorResult {
	return x.results
}

// Run processes commands until ctx is cancelled or a Shutdown command is
// dequeued. It pins its OS thread: every exchange call this market makes
// leaves the runtime's shared threads alone.
func (x *Executor) Run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	stop := context.AfterFunc(ctx, x.queue.close)
	defer stop()
	defer close(x.results)

	for {
		cmd, ok := x.queue.pop()
		if !ok {
			return
		}
		if cmd.Kind == CmdShutdown {
			return
		}
		res := x.execute(ctx, cmd)
		select {
		case x.results <- res:
		default:
			select {
			case <-x.results: // drop oldest
			default:
			}
			x.results <- res
			x.logger.Warn("result consumer behind, dropped oldest result")
		}
	}
}

func (x *Executor) execute(parent context.Context, cmd ExecutorCommand) ExecutorResult {
	res := ExecutorResult{Kind: cmd.Kind}
	ctx, cancel := context.WithTimeout(parent, x.perRequestTimeout)
	defer cancel()

	switch cmd.Kind {
	case CmdExecuteBatch:
		x.doCancel(ctx, cmd.Cancellations, &res)
		x.doPlace(ctx, cmd.Placements, cmd.NegRisk, &res)
		x.doTake(ctx, cmd.Takers, cmd.NegRisk, &res)
	case CmdCancelOrders:
		x.doCancel(ctx, cmd.Cancellations, &res)
	case CmdCancelAllForMarket:
		x.collectCancel(&res)(x.client.CancelMarketOrders(ctx, cmd.Market))
	case CmdCancelAllForToken:
		x.collectCancel(&res)(x.client.CancelTokenOrders(ctx, cmd.TokenID))
	case CmdCancelAll:
		x.collectCancel(&res)(x.client.CancelAll(ctx))
	case CmdPlaceLimit:
		x.doPlace(ctx, cmd.Placements, cmd.NegRisk, &res)
	case CmdExecuteTaker:
		x.doTake(ctx, cmd.Takers, cmd.NegRisk, &res)
	}

	for _, err := range res.Errors {
		x.logger.Error("executor command error", "kind", cmd.Kind.String(), "error", err)
	}
	return res
}

func (x *Executor) doCancel(ctx context.Context, ids []string, res *ExecutorResult) {
	if len(ids) == 0 {
		return
	}
	resp, err := x.client.CancelOrders(ctx, ids)
	if err != nil {
		res.Errors = append(res.Errors, err)
		return
	}
	res.CancelledIDs = append(res.CancelledIDs, resp.Canceled...)
}

func (x *Executor) collectCancel(res *ExecutorResult) func(*types.CancelResponse, error) {
	return func(resp *types.CancelResponse, err error) {
		if err != nil {
			res.Errors = append(res.Errors, err)
			return
		}
		res.CancelledIDs = append(res.CancelledIDs, resp.Canceled...)
	}
}

func (x *Executor) doPlace(ctx context.Context, orders []types.UserOrder, negRisk bool, res *ExecutorResult) {
	placed := x.post(ctx, orders, negRisk, res)
	res.Placed = append(res.Placed, placed...)
}

func (x *Executor) doTake(ctx context.Context, orders []types.UserOrder, negRisk bool, res *ExecutorResult) {
	placed := x.post(ctx, orders, negRisk, res)
	res.Placed = append(res.Placed, placed...)
	res.TakerCount += len(placed)
}

func (x *Executor) post(ctx context.Context, orders []types.UserOrder, negRisk bool, res *ExecutorResult) []PlacedOrder {
	if len(orders) == 0 {
		return nil
	}
	responses, err := x.client.PostOrders(ctx, orders, negRisk)
	if err != nil {
		// The whole request failed; every slot in it is dead.
		for _, o := range orders {
			res.Errors = append(res.Errors, &OrderError{Order: o, Err: err})
		}
		return nil
	}
	var placed []PlacedOrder
	for i, r := range responses {
		if i >= len(orders) {
			break
		}
		if r.Success && r.OrderID != "" {
			placed = append(placed, PlacedOrder{OrderID: r.OrderID, Status: r.Status, Order: orders[i]})
		} else {
			res.Errors = append(res.Errors, &OrderError{Order: orders[i], Reason: r.ErrorMsg})
		}
	}
	return placed
}

// OrderError attaches the order that failed to the transport error or the
// exchange's rejection reason, so the maker can release its in-flight slot.
type OrderError struct {
	Order  types.UserOrder
	Reason string
	Err    error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return "order failed: " + e.Err.Error()
	}
	return "order rejected: " + e.Reason
}

func (e *OrderError) Unwrap() error { return e.Err }
