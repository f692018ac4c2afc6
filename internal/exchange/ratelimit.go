// ratelimit.go paces requests to the Polymarket CLOB API.
//
// The exchange enforces per-category limits measured in requests per
// 10-second window. Rather than counting requests in discrete windows
// (which lets a caller burn the whole window's budget in a spike and then
// starve), each category is paced by a virtual-scheduling limiter (GCRA):
// every grant pushes a theoretical-arrival-time forward by one emission
// interval, and a request conforms while that time hasn't drifted more
// than the burst tolerance ahead of the wall clock. The effect is a
// token bucket with continuous refill, but the state is two time values
// instead of a fractional token count — no accumulation, no clamping.
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket grants request slots at a steady rate with a bounded burst.
// Callers block in Wait until a slot is available or ctx is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	interval time.Duration // time between grants at the steady rate
	tol      time.Duration // how far tat may run ahead of now: (capacity-1) intervals
	tat      time.Time     // theoretical arrival time of the next grant
}

// NewTokenBucket creates a limiter allowing `capacity` immediate grants
// and `ratePerSecond` sustained throughput thereafter.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	interval := time.Duration(float64(time.Second) / ratePerSecond)
	tol := time.Duration((capacity - 1) * float64(time.Second) / ratePerSecond)
	if tol < 0 {
		tol = 0
	}
	return &TokenBucket{
		interval: interval,
		tol:      tol,
		tat:      time.Now(),
	}
}

// Wait blocks until a request slot is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		if tb.tat.Before(now) {
			// Idle time never banks more than the burst tolerance: the
			// schedule restarts from now.
			tb.tat = now
		}
		readyAt := tb.tat.Add(-tb.tol)
		if !readyAt.After(now) {
			tb.tat = tb.tat.Add(tb.interval)
			tb.mu.Unlock()
			return nil
		}
		wait := readyAt.Sub(now)
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RateLimiter groups limiters by CLOB endpoint category. Each operation
// calls the matching bucket's Wait before issuing its HTTP request.
type RateLimiter struct {
	Order  *TokenBucket // POST /orders — placing new orders
	Cancel *TokenBucket // DELETE /orders, /cancel-all, /cancel-market-orders
	Book   *TokenBucket // GET /book — order book reads
	Query  *TokenBucket // GET /orders, /trades, /balance-allowance, /neg-risk — account reads
}

// NewRateLimiter creates limiters tuned to the exchange's published
// per-10-second allowances, with burst set to a tenth of each window budget
// and the sustained per-second rate shown beside it.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  NewTokenBucket(350, 50), // 3500 per 10s window
		Cancel: NewTokenBucket(300, 30), // 3000 per 10s window
		Book:   NewTokenBucket(150, 15), // 1500 per 10s window
		Query:  NewTokenBucket(150, 15), // 1500 per 10s window
	}
}
