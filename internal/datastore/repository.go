// Package datastore loads historical market bars for replay runs.
package datastore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/your-org/regime-allocator/internal/marketdata"
)

// Querier is the subset of *pgxpool.Pool the repository needs. pgxmock
// pools satisfy it too.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// BarSource fetches bars for a symbol in [start, end).
type BarSource interface {
	FetchBars(ctx context.Context, symbol string, start, end time.Time) ([]marketdata.Event, error)
}

// Repository handles database operations for fetching replay data.
type Repository struct {
	db Querier
}

// NewRepository creates a new Repository.
func NewRepository(db Querier) *Repository {
	return &Repository{db: db}
}

const fetchBarsQuery = `
        SELECT time, symbol, open, high, low, close, volume, volatility
        FROM market_bars
        WHERE symbol = $1 AND time >= $2 AND time < $3
        ORDER BY time ASC;
    `

// FetchBars returns bars in time order. A NULL volatility column leaves the
// indicator unset so the classifier derives it from prices.
func (r *Repository) FetchBars(ctx context.Context, symbol string, start, end time.Time) ([]marketdata.Event, error) {
	rows, err := r.db.Query(ctx, fetchBarsQuery, symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch bars: %w", err)
	}
	defer rows.Close()

	var bars []marketdata.Event
	for rows.Next() {
		var ev marketdata.Event
		var vol *float64
		if err := rows.Scan(&ev.Timestamp, &ev.Symbol, &ev.Open, &ev.High, &ev.Low, &ev.Close, &ev.Volume, &vol); err != nil {
			return nil, err
		}
		if vol != nil {
			ev.Indicators = map[string]float64{marketdata.IndicatorVolatility: *vol}
		}
		bars = append(bars, ev)
	}
	return bars, rows.Err()
}

// SaveBars upserts bars, used to seed replay data from CSV.
func (r *Repository) SaveBars(ctx context.Context, bars []marketdata.Event) (int64, error) {
	const query = `
        INSERT INTO market_bars (time, symbol, open, high, low, close, volume, volatility)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (symbol, time) DO NOTHING;
    `
	var n int64
	for _, b := range bars {
		var vol *float64
		if v, ok := b.Indicator(marketdata.IndicatorVolatility); ok {
			vol = &v
		}
		tag, err := r.db.Exec(ctx, query, b.Timestamp, b.Symbol, b.Open, b.High, b.Low, b.Close, b.Volume, vol)
		if err != nil {
			return n, fmt.Errorf("failed to save bar %s@%s: %w", b.Symbol, b.Timestamp.Format(time.RFC3339), err)
		}
		n += tag.RowsAffected()
	}
	return n, nil
}
