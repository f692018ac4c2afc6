package hypersockets

import (
	"log/slog"
	"runtime"
	"sync"
)

// queueWarnThreshold is the backlog size at which a handler route logs a
// warning that it cannot keep up. This never applies backpressure — the
// queue keeps growing — it only makes a slow handler visible.
const queueWarnThreshold = 10_000

// routeQueue is an unbounded, growable FIFO feeding one handler goroutine.
// A real lock-free MPMC channel is not expressible directly in Go; this
// approximates its contract (never blocks the producer) with a
// mutex-guarded slice and a condition variable, which is the standard Go
// substitute when "unbounded channel" is the actual requirement.
type routeQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []any
	closed  bool
	logger  *slog.Logger
	warned  bool
	routeID string
}

func newRouteQueue(routeID string, logger *slog.Logger) *routeQueue {
	q := &routeQueue{logger: logger, routeID: routeID}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *routeQueue) push(v any) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, v)
	n := len(q.items)
	q.mu.Unlock()
	q.cond.Signal()

	if n >= queueWarnThreshold && !q.warned {
		q.warned = true
		q.logger.Warn("hypersockets: handler backlog growing, handler may be stuck",
			"route", q.routeID, "queued", n)
	}
}

// pop blocks until an item is available or the queue is closed, in which
// case it returns (nil, false).
func (q *routeQueue) pop() (any, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	v := q.items[0]
	q.items = q.items[1:]
	return v, true
}

func (q *routeQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// dispatcher owns one routeQueue and handler goroutine per route key,
// discovered lazily as new keys appear. Messages for the same key are
// strictly ordered; different keys proceed fully independently.
type dispatcher struct {
	mu             sync.Mutex
	queues         map[string]*routeQueue
	handlers       map[string]Handler
	defaultHandler Handler
	logger         *slog.Logger
	wg             sync.WaitGroup
}

func newDispatcher(handlers map[string]Handler, defaultHandler Handler, logger *slog.Logger) *dispatcher {
	return &dispatcher{
		queues:         make(map[string]*routeQueue),
		handlers:       handlers,
		defaultHandler: defaultHandler,
		logger:         logger,
	}
}

// Dispatch enqueues msg for routeKey, spawning its dedicated handler
// goroutine on first sight of that key. A key with no exact entry in
// handlers falls back to defaultHandler (if set) so runtime-discovered
// keys — e.g. a token ID learned from a subscription — still get their
// own ordered, independent queue.
func (d *dispatcher) Dispatch(routeKey string, msg any) {
	handler, ok := d.handlers[routeKey]
	if !ok {
		handler = d.defaultHandler
		ok = handler != nil
	}
	if !ok {
		d.logger.Debug("hypersockets: no handler registered for route, dropping message", "route", routeKey)
		return
	}

	d.mu.Lock()
	q, exists := d.queues[routeKey]
	if !exists {
		q = newRouteQueue(routeKey, d.logger)
		d.queues[routeKey] = q
		d.wg.Add(1)
		go d.runHandlerThread(routeKey, q, handler)
	}
	d.mu.Unlock()

	q.push(msg)
}

// runHandlerThread is the dedicated-thread handler loop: one OS thread
// per route key, so a blocking handler for one key never delays another.
// A panic in Handle is caught and logged; the loop continues reading.
func (d *dispatcher) runHandlerThread(routeKey string, q *routeQueue, handler Handler) {
	defer d.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		msg, ok := q.pop()
		if !ok {
			return
		}
		d.safeHandle(routeKey, handler, msg)
	}
}

func (d *dispatcher) safeHandle(routeKey string, handler Handler, msg any) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("hypersockets: handler panicked, continuing", "route", routeKey, "panic", r)
		}
	}()
	if err := handler.Handle(msg); err != nil {
		d.logger.Error("hypersockets: handler returned error", "route", routeKey, "error", err)
	}
}

// Close stops every handler goroutine and waits for them to drain.
func (d *dispatcher) Close() {
	d.mu.Lock()
	queues := make([]*routeQueue, 0, len(d.queues))
	for _, q := range d.queues {
		queues = append(queues, q)
	}
	d.mu.Unlock()

	for _, q := range queues {
		q.close()
	}
	d.wg.Wait()
}
