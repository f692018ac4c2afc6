// Package exchange implements the Polymarket CLOB REST and WebSocket clients.
//
// The REST client (Client) talks to the Polymarket CLOB API for order management:
//   - GetOrderBook:       GET  /book               — fetch L2 book for a token
//   - PostOrders:         POST /orders              — batch-place up to 15 signed orders
//   - CancelOrders:       DELETE /orders            — cancel specific orders by ID
//   - CancelAll:          DELETE /cancel-all         — emergency cancel everything
//   - CancelMarketOrders: DELETE /cancel-market-orders — cancel one market's orders
//   - DeriveAPIKey:       GET  /auth/derive-api-key — bootstrap L2 creds from L1 wallet
//
// Every request is rate-limited via per-category TokenBuckets, automatically retried
// on 5xx errors, and authenticated with L2 HMAC headers (except book reads).
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"polymarket-mm/internal/config"
	"polymarket-mm/internal/eip712"
	"polymarket-mm/internal/xerrors"
	"polymarket-mm/pkg/types"
)

// cancelJob is one request queued to the dedicated cancellation thread.
type cancelJob struct {
	ctx      context.Context
	orderIDs []string
	reply    chan cancelResult
}

type cancelResult struct {
	resp *types.CancelResponse
	err  error
}

// Client is the Polymarket CLOB REST API client.
// It wraps a resty HTTP client with rate limiting, retry, and auth.
type Client struct {
	http   *resty.Client // HTTP client with retry + base URL
	auth   *Auth         // L1/L2 auth provider for request signing
	rl     *RateLimiter  // per-endpoint-category rate limiting
	dryRun bool          // when true, mutating methods return fake success without HTTP calls
	logger *slog.Logger

	// cancelJobs feeds a dedicated, LockOSThread-pinned goroutine that
	// performs blocking cancel HTTP calls in isolation from the rest of the
	// runtime, replying over each job's one-shot channel.
	cancelJobs chan cancelJob
	closeOnce  func()
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.CLOBBaseURL).
		SetTimeout(15*time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	c := &Client{
		http:       httpClient,
		auth:       auth,
		rl:         NewRateLimiter(),
		dryRun:     cfg.DryRun,
		logger:     logger,
		cancelJobs: make(chan cancelJob, 64),
	}

	done := make(chan struct{})
	c.closeOnce = sync.OnceFunc(func() { close(done) })
	go c.cancelThread(done)

	return c
}

// Close stops the dedicated cancellation thread. Safe to call multiple times.
func (c *Client) Close() {
	c.closeOnce()
}

// requestID generates a per-call correlation ID for the mutating
// order/cancel/merge endpoints, so a request's submit/retry/response log
// lines can be tied together even when several calls are in flight
// concurrently across markets.
func requestID() string {
	return uuid.NewString()
}

// cancelThread is pinned to its OS thread for its entire lifetime so a slow
// or blocking cancel call never competes with the Go scheduler's other
// goroutines for that thread, isolating cancel latency.
func (c *Client) cancelThread(done <-chan struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case <-done:
			return
		case job := <-c.cancelJobs:
			resp, err := c.cancelOrdersSync(job.ctx, job.orderIDs)
			job.reply <- cancelResult{resp: resp, err: err}
		}
	}
}

// GetOrderBook fetches the order book for a single token.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.BookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// buildOrderPayload converts a high-level UserOrder into the on-chain
// SignedOrder + metadata the REST API expects. It converts human-readable
// price/size to big.Int maker/taker amounts at the market's tick precision,
// sets the maker to the funder wallet (proxy), the signer to the EOA, and
// the taker to the zero address (open order, anyone can fill), then signs
// the resulting order struct with the EIP-712 CTF Exchange domain
// (internal/eip712) so the payload carries a real maker signature rather
// than being sent unsigned.
func (c *Client) buildOrderPayload(order types.UserOrder, negRisk bool) (types.OrderPayload, error) {
	tickSize := order.TickSize
	if tickSize == "" {
		tickSize = types.Tick001
	}
	makerAmt, takerAmt := PriceToAmounts(order.Price, order.Size, order.Side, tickSize)

	tokenIDBig, ok := new(big.Int).SetString(order.TokenID, 10)
	if !ok {
		return types.OrderPayload{}, fmt.Errorf("build order payload: invalid token id %q", order.TokenID)
	}

	side := eip712.SideBuy
	if order.Side == types.SELL {
		side = eip712.SideSell
	}

	salt := eip712.NewSalt()
	eOrder := eip712.Order{
		Salt:          salt,
		Maker:         c.auth.FunderAddress(),
		Signer:        c.auth.Address(),
		Taker:         common.Address{},
		TokenID:       tokenIDBig,
		MakerAmount:   makerAmt,
		TakerAmount:   takerAmt,
		Expiration:    big.NewInt(order.Expiration),
		Nonce:         big.NewInt(0),
		FeeRateBps:    big.NewInt(int64(order.FeeRateBps)),
		Side:          side,
		SignatureType: eip712.SignatureType(c.auth.sigType),
	}

	sig, err := c.auth.SignOrder(eOrder, negRisk)
	if err != nil {
		return types.OrderPayload{}, fmt.Errorf("build order payload: %w", err)
	}

	return types.OrderPayload{
		Order: types.SignedOrder{
			Salt:          types.NewBigIntNumber(salt),
			Maker:         c.auth.FunderAddress().Hex(),
			Signer:        c.auth.Address().Hex(),
			Taker:         "0x0000000000000000000000000000000000000000",
			TokenID:       order.TokenID,
			MakerAmount:   makerAmt,
			TakerAmount:   takerAmt,
			Side:          order.Side,
			Expiration:    fmt.Sprintf("%d", order.Expiration),
			Nonce:         "0",
			FeeRateBps:    fmt.Sprintf("%d", order.FeeRateBps),
			SignatureType: c.auth.sigType,
			Signature:     sig,
		},
		Owner:     c.auth.creds.ApiKey,
		OrderType: order.OrderType,
	}, nil
}

// PostOrders places up to 15 orders in a batch.
func (c *Client) PostOrders(ctx context.Context, orders []types.UserOrder, negRisk bool) ([]types.OrderResponse, error) {
	if len(orders) == 0 {
		return nil, nil
	}
	if len(orders) > 15 {
		return nil, fmt.Errorf("batch limit is 15 orders, got %d", len(orders))
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would post orders", "count", len(orders))
		results := make([]types.OrderResponse, len(orders))
		for i := range orders {
			results[i] = types.OrderResponse{Success: true, OrderID: fmt.Sprintf("dry-run-%d", i), Status: "live"}
		}
		return results, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	reqID := requestID()

	payloads := make([]types.OrderPayload, len(orders))
	for i, order := range orders {
		payload, err := c.buildOrderPayload(order, negRisk)
		if err != nil {
			return nil, fmt.Errorf("build order %d: %w", i, err)
		}
		payloads[i] = payload
	}

	body, err := json.Marshal(payloads)
	if err != nil {
		return nil, fmt.Errorf("marshal orders: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/orders", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}
	headers["X-Request-Id"] = reqID

	var results []types.OrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(payloads).
		SetResult(&results).
		Post("/orders")
	if err != nil {
		return nil, fmt.Errorf("post orders [%s]: %w", reqID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("post orders [%s]: status %d: %s", reqID, resp.StatusCode(), resp.String())
	}

	c.logger.Info("orders posted", "request_id", reqID, "count", len(orders))
	return results, nil
}

// CancelOrders cancels multiple orders by ID.
func (c *Client) CancelOrders(ctx context.Context, orderIDs []string) (*types.CancelResponse, error) {
	if c.cancelJobs == nil {
		// No dedicated thread running (e.g. a Client built without NewClient,
		// as in tests) — fall back to calling the endpoint directly.
		return c.cancelOrdersSync(ctx, orderIDs)
	}

	reply := make(chan cancelResult, 1)
	job := cancelJob{ctx: ctx, orderIDs: orderIDs, reply: reply}

	select {
	case c.cancelJobs <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-reply:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// cancelOrdersSync performs the actual cancel HTTP call. It runs on the
// dedicated cancel thread (see cancelThread), or directly in the caller's
// goroutine when the Client has no cancel thread (see CancelOrders).
func (c *Client) cancelOrdersSync(ctx context.Context, orderIDs []string) (*types.CancelResponse, error) {
	if len(orderIDs) == 0 {
		return &types.CancelResponse{}, nil
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel orders", "count", len(orderIDs))
		return &types.CancelResponse{Canceled: orderIDs}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	reqID := requestID()

	payload := struct {
		OrderIDs []string `json:"orderIDs"`
	}{OrderIDs: orderIDs}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal cancel request: %w", err)
	}
	headers, err := c.auth.L2Headers("DELETE", "/orders", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}
	headers["X-Request-Id"] = reqID

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/orders")
	if err != nil {
		return nil, xerrors.NewTransport("exchange.CancelOrders", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, xerrors.NewApi("exchange.CancelOrders", resp.StatusCode(), resp.String())
	}

	c.logger.Info("orders cancelled", "request_id", reqID, "count", len(result.Canceled))
	return &result, nil
}

// CancelAll cancels every open order across all markets.
func (c *Client) CancelAll(ctx context.Context) (*types.CancelResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel all orders")
		return &types.CancelResponse{}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	reqID := requestID()

	headers, err := c.auth.L2Headers("DELETE", "/cancel-all", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}
	headers["X-Request-Id"] = reqID

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Delete("/cancel-all")
	if err != nil {
		return nil, fmt.Errorf("cancel all [%s]: %w", reqID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel all [%s]: status %d: %s", reqID, resp.StatusCode(), resp.String())
	}

	c.logger.Warn("all orders cancelled", "request_id", reqID, "count", len(result.Canceled))
	return &result, nil
}

// CancelMarketOrders cancels all orders for a specific market.
func (c *Client) CancelMarketOrders(ctx context.Context, conditionID string) (*types.CancelResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel market orders", "market", conditionID)
		return &types.CancelResponse{}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	body := fmt.Sprintf(`{"market":"%s"}`, conditionID)
	headers, err := c.auth.L2Headers("DELETE", "/cancel-market-orders", body)
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}
	reqID := requestID()
	headers["X-Request-Id"] = reqID

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/cancel-market-orders")
	if err != nil {
		return nil, fmt.Errorf("cancel market orders [%s]: %w", reqID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel market orders [%s]: status %d: %s", reqID, resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// CancelTokenOrders cancels all orders resting on a single outcome token.
// Same endpoint as CancelMarketOrders; the exchange scopes by asset_id
// when one is supplied instead of a market.
func (c *Client) CancelTokenOrders(ctx context.Context, tokenID string) (*types.CancelResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel token orders", "token", tokenID)
		return &types.CancelResponse{}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	body := fmt.Sprintf(`{"asset_id":"%s"}`, tokenID)
	headers, err := c.auth.L2Headers("DELETE", "/cancel-market-orders", body)
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}
	reqID := requestID()
	headers["X-Request-Id"] = reqID

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/cancel-market-orders")
	if err != nil {
		return nil, xerrors.NewTransport("exchange.CancelTokenOrders", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, xerrors.NewApi("exchange.CancelTokenOrders", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// DeriveAPIKey derives L2 API credentials via L1 authentication.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}

// CreateAPIKey asks the exchange to mint a brand new L2 API key rather than
// deterministically re-deriving the one tied to this wallet. Distinct from
// DeriveAPIKey: derive is idempotent, create is not — it should only be
// called once per desired credential set.
func (c *Client) CreateAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Post("/auth/api-key")
	if err != nil {
		return nil, xerrors.NewTransport("exchange.CreateAPIKey", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, xerrors.NewApi("exchange.CreateAPIKey", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key created", "api_key", result.ApiKey)
	return &result, nil
}

// ListOrders fetches one page of open orders, cursor-paginated per
// types.CursorStart/CursorEnd. Pass types.CursorStart for the first page;
// stop once the returned NextCursor equals types.CursorEnd.
func (c *Client) ListOrders(ctx context.Context, cursor string) (*types.OrdersPage, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	if cursor == "" {
		cursor = types.CursorStart
	}

	headers, err := c.auth.L2Headers("GET", "/orders", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.OrdersPage
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("next_cursor", cursor).
		SetResult(&result).
		Get("/orders")
	if err != nil {
		return nil, xerrors.NewTransport("exchange.ListOrders", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, xerrors.NewApi("exchange.ListOrders", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// ListAllOrders drains every page of ListOrders into a single slice. Used by
// the reconciliation task, which needs the full live order set each pass.
func (c *Client) ListAllOrders(ctx context.Context) ([]types.OpenOrder, error) {
	var all []types.OpenOrder
	cursor := types.CursorStart
	for {
		page, err := c.ListOrders(ctx, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Orders...)
		if page.NextCursor == "" || page.NextCursor == types.CursorEnd {
			break
		}
		cursor = page.NextCursor
	}
	return all, nil
}

// GetOrder fetches a single order by ID.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*types.OpenOrder, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.L2Headers("GET", "/data/order/"+orderID, "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.OpenOrder
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/data/order/" + orderID)
	if err != nil {
		return nil, xerrors.NewTransport("exchange.GetOrder", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, xerrors.NewApi("exchange.GetOrder", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// ListTrades fetches one page of this account's matched trades.
func (c *Client) ListTrades(ctx context.Context, cursor string) (*types.TradesPage, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	if cursor == "" {
		cursor = types.CursorStart
	}

	headers, err := c.auth.L2Headers("GET", "/data/trades", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.TradesPage
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("next_cursor", cursor).
		SetResult(&result).
		Get("/data/trades")
	if err != nil {
		return nil, xerrors.NewTransport("exchange.ListTrades", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, xerrors.NewApi("exchange.ListTrades", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// GetBalanceAllowance fetches the account's collateral balance and
// allowance for the given asset type ("COLLATERAL" or "CONDITIONAL") and,
// for conditional assets, token ID.
func (c *Client) GetBalanceAllowance(ctx context.Context, assetType, tokenID string) (*types.BalanceAllowance, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.L2Headers("GET", "/balance-allowance", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("asset_type", assetType)
	if tokenID != "" {
		req.SetQueryParam("token_id", tokenID)
	}

	var result types.BalanceAllowance
	resp, err := req.SetResult(&result).Get("/balance-allowance")
	if err != nil {
		return nil, xerrors.NewTransport("exchange.GetBalanceAllowance", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, xerrors.NewApi("exchange.GetBalanceAllowance", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// GetNegRisk reports whether a token belongs to a neg-risk market, which
// selects the EIP-712 verifying contract used to sign orders for it.
func (c *Client) GetNegRisk(ctx context.Context, tokenID string) (bool, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return false, err
	}

	var result struct {
		NegRisk bool `json:"neg_risk"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/neg-risk")
	if err != nil {
		return false, xerrors.NewTransport("exchange.GetNegRisk", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return false, xerrors.NewApi("exchange.GetNegRisk", resp.StatusCode(), resp.String())
	}
	return result.NegRisk, nil
}

// MergePositions asks the exchange to merge equal-sized YES+NO holdings in
// a condition back into collateral at par, for the position merger.
func (c *Client) MergePositions(ctx context.Context, conditionID string, size float64) (*types.MergeResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would merge positions", "market", conditionID, "size", size)
		return &types.MergeResponse{Success: true}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	payload := types.MergeRequest{
		ConditionID: conditionID,
		Size:        fmt.Sprintf("%.6f", size),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal merge request: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/merge", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}
	reqID := requestID()
	headers["X-Request-Id"] = reqID

	var result types.MergeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/merge")
	if err != nil {
		return nil, xerrors.NewTransport("exchange.MergePositions", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, xerrors.NewApi("exchange.MergePositions", resp.StatusCode(), resp.String())
	}

	c.logger.Info("positions merged", "request_id", reqID, "market", conditionID, "size", size, "tx", result.TxHash)
	return &result, nil
}
