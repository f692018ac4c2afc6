package market

import (
	"math"
	"testing"
	"time"

	"polymarket-mm/internal/config"
)

func testScannerConfig() config.ScannerConfig {
	return config.ScannerConfig{
		MinLiquidity:   1000,
		MinVolume24h:   500,
		MinSpread:      0.01,
		MaxEndDateDays: 90,
		ExcludeSlugs:   []string{"excluded-slug"},
	}
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxMarketsActive:     3,
		MaxPositionPerMarket: 100,
	}
}

func baseMarket() GammaMarket {
	endDate := time.Now().Add(30 * 24 * time.Hour).Format(time.RFC3339)
	return GammaMarket{
		ID:              "m1",
		ConditionID:     "cond1",
		Slug:            "test-market",
		Active:          true,
		Closed:          false,
		AcceptingOrders: true,
		EnableOrderBook: true,
		EndDate:         endDate,
		Liquidity:       "5000",
		Volume24hr:      1000,
		Spread:          0.05,
		ClobTokenIds:    `["yes-token","no-token"]`,
	}
}

func newTestScanner() *Scanner {
	return &Scanner{
		cfg:     testScannerConfig(),
		riskCfg: testRiskConfig(),
	}
}

func TestFilterMarkets(t *testing.T) {
	t.Parallel()
	s := newTestScanner()

	// Each case mutates one field of an otherwise-passing market; "valid"
	// proves the base actually passes so every rejection below is caused by
	// its own mutation and nothing else.
	cases := []struct {
		name   string
		mutate func(*GammaMarket)
		pass   bool
	}{
		{"valid", func(*GammaMarket) {}, true},
		{"inactive", func(m *GammaMarket) { m.Active = false }, false},
		{"closed", func(m *GammaMarket) { m.Closed = true }, false},
		{"not accepting orders", func(m *GammaMarket) { m.AcceptingOrders = false }, false},
		{"liquidity below floor", func(m *GammaMarket) { m.Liquidity = "100" }, false},
		{"volume below floor", func(m *GammaMarket) { m.Volume24hr = 100 }, false},
		{"spread too tight to quote", func(m *GammaMarket) { m.Spread = 0.005 }, false},
		{"operator-excluded slug", func(m *GammaMarket) { m.Slug = "excluded-slug" }, false},
		{"already resolved", func(m *GammaMarket) {
			m.EndDate = time.Now().Add(-24 * time.Hour).Format(time.RFC3339)
		}, false},
		{"resolves beyond horizon", func(m *GammaMarket) {
			m.EndDate = time.Now().Add(365 * 24 * time.Hour).Format(time.RFC3339)
		}, false},
		{"missing clob token ids", func(m *GammaMarket) { m.ClobTokenIds = "" }, false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := baseMarket()
			tc.mutate(&m)
			got := len(s.filterMarkets([]GammaMarket{m}))
			if tc.pass && got != 1 {
				t.Errorf("market filtered out, want it kept")
			}
			if !tc.pass && got != 0 {
				t.Errorf("market kept, want it filtered out")
			}
		})
	}
}

func TestRankMarketsScoring(t *testing.T) {
	t.Parallel()
	s := newTestScanner()

	m1 := baseMarket()
	m1.ID = "high-score"
	m1.Spread = 0.10
	m1.Volume24hr = 10000
	m1.Liquidity = "50000"

	m2 := baseMarket()
	m2.ID = "low-score"
	m2.Spread = 0.02
	m2.Volume24hr = 100
	m2.Liquidity = "2000"

	ranked := s.rankMarkets([]GammaMarket{m2, m1})

	if len(ranked) != 2 {
		t.Fatalf("expected 2 ranked markets, got %d", len(ranked))
	}
	if ranked[0].Market.ID != "high-score" {
		t.Errorf("top market should be high-score, got %s", ranked[0].Market.ID)
	}
	if ranked[0].Score <= ranked[1].Score {
		t.Errorf("scores not sorted descending: %v <= %v", ranked[0].Score, ranked[1].Score)
	}
}

func TestRankMarketsLiquidityCap(t *testing.T) {
	t.Parallel()
	s := newTestScanner()

	// Two markets with same spread/volume but different liquidity above 10k
	m1 := baseMarket()
	m1.Liquidity = "20000"
	m1.Spread = 0.05
	m1.Volume24hr = 1000

	m2 := baseMarket()
	m2.Liquidity = "50000"
	m2.Spread = 0.05
	m2.Volume24hr = 1000

	ranked := s.rankMarkets([]GammaMarket{m1, m2})

	// Both above 10k → liquidityFactor capped at 1.0 → same score
	if math.Abs(ranked[0].Score-ranked[1].Score) > 1e-10 {
		t.Errorf("scores should be equal when both above liquidity cap: %v vs %v",
			ranked[0].Score, ranked[1].Score)
	}
}

func TestDeriveOracleBinding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		slug      string
		question  string
		symbol    string
		timeframe string
		strike    float64
	}{
		{
			name:     "bitcoin strike market",
			slug:     "will-bitcoin-be-above-100000-on-december-31",
			question: "Will Bitcoin be above $100,000 on December 31?",
			symbol:   "BTC",
			strike:   100000,
		},
		{
			name:      "eth hourly up-or-down has no strike",
			slug:      "ethereum-up-or-down-hourly",
			question:  "Ethereum Up or Down?",
			symbol:    "ETH",
			timeframe: "hourly",
		},
		{
			name:     "sol with decimal strike",
			slug:     "solana-above-150",
			question: "Will Solana be above $150.50?",
			symbol:   "SOL",
			strike:   150.50,
		},
		{
			name:     "election market has no oracle binding",
			slug:     "who-wins-the-election",
			question: "Who wins the election?",
		},
		{
			name:     "eth must not match inside another word",
			slug:     "something-methane-related",
			question: "Will methane levels rise?",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gm := GammaMarket{Slug: tt.slug, Question: tt.question}
			symbol, timeframe, strike := deriveOracleBinding(gm)
			if symbol != tt.symbol {
				t.Errorf("symbol = %q, want %q", symbol, tt.symbol)
			}
			if timeframe != tt.timeframe {
				t.Errorf("timeframe = %q, want %q", timeframe, tt.timeframe)
			}
			if strike != tt.strike {
				t.Errorf("strike = %v, want %v", strike, tt.strike)
			}
		})
	}
}

func TestConvertToMarketInfoCarriesOracleBinding(t *testing.T) {
	t.Parallel()
	gm := baseMarket()
	gm.Slug = "will-bitcoin-be-above-100000"
	gm.Question = "Will Bitcoin be above $100,000?"

	info := convertToMarketInfo(gm)
	if info.AssetSymbol != "BTC" || info.PriceToBeat != 100000 {
		t.Errorf("oracle binding not attached at discovery: %+v", info)
	}
}
