package sniper

import (
	"context"
	"testing"
	"time"

	"polymarket-mm/internal/config"
	"polymarket-mm/internal/market"
	"polymarket-mm/pkg/types"
)

type fakeOracle struct {
	bps float64
	ok  bool
}

func (f fakeOracle) BpsAway(symbol string, target float64) (float64, bool) {
	return f.bps, f.ok
}

type fakeSnipeClient struct {
	balance string
	orders  []types.UserOrder
	resp    []types.OrderResponse
	err     error
}

func (f *fakeSnipeClient) PostOrders(ctx context.Context, orders []types.UserOrder, negRisk bool) ([]types.OrderResponse, error) {
	f.orders = orders
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeSnipeClient) GetBalanceAllowance(ctx context.Context, assetType, tokenID string) (*types.BalanceAllowance, error) {
	return &types.BalanceAllowance{Balance: f.balance}, nil
}

func bookWithBidOnly(yesToken, noToken string) *market.Book {
	b := market.NewBook("mkt-1", yesToken, noToken)
	b.ApplyBookResponse(&types.BookResponse{
		AssetID: yesToken,
		Bids:    []types.PriceLevel{{Price: "0.98", Size: "100"}},
		Asks:    nil,
	})
	return b
}

func baseSniperCfg() config.SniperConfig {
	return config.SniperConfig{
		Enabled:              true,
		PollInterval:         time.Second,
		ExpiringWithin:       5 * time.Minute,
		DynamicThresholdMin:  1 * time.Second,
		DynamicThresholdMax:  30 * time.Second,
		DynamicThresholdTau:  30 * time.Second,
		FinalSecondsBypass:   5 * time.Second,
		OracleBpsThreshold:   50,
		GuardianSafetyBps:    10,
		OrderPctOfCollateral: 0.05,
	}
}

func TestEvaluateSkipsMarketNotYetNearResolution(t *testing.T) {
	t.Parallel()

	client := &fakeSnipeClient{}
	m := New(baseSniperCfg(), client, fakeOracle{bps: 1000, ok: true}, nil, nil)

	w := &watch{
		info: types.MarketInfo{
			ConditionID: "c1",
			EndDate:     time.Now().Add(time.Hour),
			AssetSymbol: "BTC",
			PriceToBeat: 100,
		},
		book:        bookWithBidOnly("yes", "no"),
		lastAskSeen: time.Now().Add(-time.Hour),
	}
	m.evaluate(context.Background(), w)

	if len(client.orders) != 0 {
		t.Fatal("expected no order for a market far from resolution")
	}
}

func TestEvaluateSkipsWhenAskStillResting(t *testing.T) {
	t.Parallel()

	client := &fakeSnipeClient{}
	m := New(baseSniperCfg(), client, fakeOracle{bps: 1000, ok: true}, nil, nil)

	book := market.NewBook("mkt-1", "yes", "no")
	book.ApplyBookResponse(&types.BookResponse{
		AssetID: "yes",
		Bids:    []types.PriceLevel{{Price: "0.98", Size: "100"}},
		Asks:    []types.PriceLevel{{Price: "0.99", Size: "100"}},
	})

	w := &watch{
		info: types.MarketInfo{
			ConditionID: "c1",
			EndDate:     time.Now().Add(10 * time.Second),
			AssetSymbol: "BTC",
			PriceToBeat: 100,
		},
		book:        book,
		lastAskSeen: time.Now().Add(-time.Hour),
	}
	m.evaluate(context.Background(), w)

	if len(client.orders) != 0 {
		t.Fatal("expected no order while an ask is still resting")
	}
}

func TestEvaluateSkipsWhenOracleNotFarEnough(t *testing.T) {
	t.Parallel()

	client := &fakeSnipeClient{}
	m := New(baseSniperCfg(), client, fakeOracle{bps: 5, ok: true}, nil, nil)

	w := &watch{
		info: types.MarketInfo{
			ConditionID: "c1",
			EndDate:     time.Now().Add(10 * time.Second),
			AssetSymbol: "BTC",
			PriceToBeat: 100,
		},
		book:        bookWithBidOnly("yes", "no"),
		lastAskSeen: time.Now().Add(-time.Hour),
	}
	m.evaluate(context.Background(), w)

	if len(client.orders) != 0 {
		t.Fatal("expected no order when oracle distance is below threshold")
	}
}

func TestEvaluateBypassesDynamicThresholdInFinalSeconds(t *testing.T) {
	t.Parallel()

	client := &fakeSnipeClient{
		balance: "1000",
		resp:    []types.OrderResponse{{Success: true, OrderID: "o1"}},
	}
	cfg := baseSniperCfg()
	m := New(cfg, client, fakeOracle{bps: 1000, ok: true}, nil, nil)

	w := &watch{
		info: types.MarketInfo{
			ConditionID: "c1",
			YesTokenID:  "yes",
			EndDate:     time.Now().Add(2 * time.Second), // inside FinalSecondsBypass (5s)
			AssetSymbol: "BTC",
			PriceToBeat: 100,
		},
		book: bookWithBidOnly("yes", "no"),
		// lastAskSeen just now: outside the bypass window, the dynamic
		// threshold (>= DynamicThresholdMin=1s) would still block this.
		lastAskSeen: time.Now(),
	}
	m.evaluate(context.Background(), w)

	if len(client.orders) != 1 {
		t.Fatalf("expected the final-seconds bypass to skip the dynamic-threshold wait and fire, got %d orders", len(client.orders))
	}
}

func TestEvaluateStillAppliesGuardianInFinalSeconds(t *testing.T) {
	t.Parallel()

	client := &fakeSnipeClient{balance: "1000"}
	cfg := baseSniperCfg()
	// Guardian band (threshold+safety) is 60bps; oracle sits inside it.
	m := New(cfg, client, fakeOracle{bps: 30, ok: true}, nil, nil)

	w := &watch{
		info: types.MarketInfo{
			ConditionID: "c1",
			YesTokenID:  "yes",
			EndDate:     time.Now().Add(2 * time.Second),
			AssetSymbol: "BTC",
			PriceToBeat: 100,
		},
		book:        bookWithBidOnly("yes", "no"),
		lastAskSeen: time.Now(),
	}
	m.evaluate(context.Background(), w)

	if len(client.orders) != 0 {
		t.Fatal("guardian safety margin must never be bypassed, even in the final-seconds window")
	}
}

func TestEvaluateFiresWhenAllConditionsHold(t *testing.T) {
	t.Parallel()

	client := &fakeSnipeClient{
		balance: "1000",
		resp:    []types.OrderResponse{{Success: true, OrderID: "o1"}},
	}
	m := New(baseSniperCfg(), client, fakeOracle{bps: 1000, ok: true}, nil, nil)

	w := &watch{
		info: types.MarketInfo{
			ConditionID: "c1",
			YesTokenID:  "yes",
			EndDate:     time.Now().Add(10 * time.Second),
			AssetSymbol: "BTC",
			PriceToBeat: 100,
		},
		book:        bookWithBidOnly("yes", "no"),
		lastAskSeen: time.Now().Add(-time.Hour),
	}
	m.evaluate(context.Background(), w)

	if len(client.orders) != 1 {
		t.Fatalf("expected 1 FOK order, got %d", len(client.orders))
	}
	if client.orders[0].OrderType != types.OrderTypeFOK {
		t.Errorf("OrderType = %v, want FOK", client.orders[0].OrderType)
	}
	if w.firedAt.IsZero() {
		t.Error("expected firedAt to be set after a successful fire")
	}
}

func TestEvaluateInvokesOnFireCallback(t *testing.T) {
	t.Parallel()

	client := &fakeSnipeClient{
		balance: "1000",
		resp:    []types.OrderResponse{{Success: true, OrderID: "o1"}},
	}
	var firedMarket string
	var firedPrice, firedSize float64
	m := New(baseSniperCfg(), client, fakeOracle{bps: 1000, ok: true}, nil,
		func(conditionID string, price, size float64) {
			firedMarket = conditionID
			firedPrice = price
			firedSize = size
		})

	w := &watch{
		info: types.MarketInfo{
			ConditionID: "c1",
			YesTokenID:  "yes",
			EndDate:     time.Now().Add(10 * time.Second),
			AssetSymbol: "BTC",
			PriceToBeat: 100,
		},
		book:        bookWithBidOnly("yes", "no"),
		lastAskSeen: time.Now().Add(-time.Hour),
	}
	m.evaluate(context.Background(), w)

	if firedMarket != "c1" {
		t.Fatalf("onFire market = %q, want c1", firedMarket)
	}
	if firedPrice <= 0 || firedSize <= 0 {
		t.Fatalf("onFire price/size = %v/%v, want positive", firedPrice, firedSize)
	}
}

func TestEvaluateDoesNotDoubleFire(t *testing.T) {
	t.Parallel()

	client := &fakeSnipeClient{balance: "1000", resp: []types.OrderResponse{{Success: true}}}
	m := New(baseSniperCfg(), client, fakeOracle{bps: 1000, ok: true}, nil, nil)

	w := &watch{
		info: types.MarketInfo{
			ConditionID: "c1",
			YesTokenID:  "yes",
			EndDate:     time.Now().Add(10 * time.Second),
			AssetSymbol: "BTC",
			PriceToBeat: 100,
		},
		book:        bookWithBidOnly("yes", "no"),
		lastAskSeen: time.Now().Add(-time.Hour),
		firedAt:     time.Now(),
	}
	m.evaluate(context.Background(), w)

	if len(client.orders) != 0 {
		t.Fatal("expected no second order once firedAt is already set")
	}
}

func TestDynamicThresholdDecaysTowardMin(t *testing.T) {
	t.Parallel()

	m := New(baseSniperCfg(), &fakeSnipeClient{}, fakeOracle{}, nil, nil)

	near := m.dynamicThreshold(0)
	far := m.dynamicThreshold(time.Hour)

	if near >= far {
		t.Errorf("expected threshold near resolution (%v) < threshold far from resolution (%v)", near, far)
	}
	if near < m.cfg.DynamicThresholdMin || near > m.cfg.DynamicThresholdMin+time.Second {
		t.Errorf("threshold at x=0 should be near Min, got %v", near)
	}
}

func TestRunIsNoOpWhenDisabled(t *testing.T) {
	t.Parallel()

	cfg := baseSniperCfg()
	cfg.Enabled = false
	m := New(cfg, &fakeSnipeClient{}, fakeOracle{}, nil, nil)
	m.Run(context.Background())
}
