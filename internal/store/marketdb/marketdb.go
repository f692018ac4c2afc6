// Package marketdb is a small read-only Postgres lookup the sniper's
// market-discovery path uses to find markets expiring within a horizon.
// It is deliberately narrow: one query surface, no writes, no migrations —
// the bot does not own this schema, it only reads from it.
package marketdb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"polymarket-mm/internal/config"
)

// MarketRow is one row of the external markets table relevant to sniping:
// enough to reconstruct the condition/token identifiers and the strike
// price the opportunity monitor compares the book against.
type MarketRow struct {
	ConditionID string
	Slug        string
	Question    string
	YesTokenID  string
	NoTokenID   string
	AssetSymbol string
	Timeframe   string
	PriceToBeat float64
	EndDate     time.Time
}

// DB wraps a pgxpool.Pool scoped to the market-metadata lookup. It never
// writes; Close releases the pool on shutdown.
type DB struct {
	pool *pgxpool.Pool
}

// Open connects to the configured DSN and pings it to fail fast on
// misconfiguration, matching the teacher's postgres.Client.New style.
func Open(ctx context.Context, cfg config.MarketDBConfig) (*DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("marketdb: dsn is empty")
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("marketdb: parse config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("marketdb: connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("marketdb: ping: %w", err)
	}

	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

const marketCols = `condition_id, slug, question, yes_token_id, no_token_id,
	asset_symbol, timeframe, price_to_beat, end_date`

// ListMarketsExpiringWithin returns every market whose end_date falls
// between now and now+delta, ordered soonest-first. The sniper polls this
// on SniperConfig.PollInterval to keep its watch list current.
func (db *DB) ListMarketsExpiringWithin(ctx context.Context, delta time.Duration) ([]MarketRow, error) {
	query := `SELECT ` + marketCols + `
		FROM markets
		WHERE end_date > NOW() AND end_date <= NOW() + make_interval(secs => $1)
		ORDER BY end_date ASC`

	rows, err := db.pool.Query(ctx, query, delta.Seconds())
	if err != nil {
		return nil, fmt.Errorf("marketdb: list expiring markets: %w", err)
	}
	defer rows.Close()

	var out []MarketRow
	for rows.Next() {
		var m MarketRow
		if err := rows.Scan(
			&m.ConditionID, &m.Slug, &m.Question,
			&m.YesTokenID, &m.NoTokenID,
			&m.AssetSymbol, &m.Timeframe, &m.PriceToBeat, &m.EndDate,
		); err != nil {
			return nil, fmt.Errorf("marketdb: scan expiring market: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("marketdb: list expiring markets rows: %w", err)
	}
	return out, nil
}
