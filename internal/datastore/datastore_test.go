package datastore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/regime-allocator/internal/marketdata"
)

func TestLoadBarsFromCSV(t *testing.T) {
	bars, err := LoadBarsFromCSV("testdata/bars.csv")
	require.NoError(t, err)
	require.Len(t, bars, 3, "the malformed row is skipped")

	assert.Equal(t, time.Date(2025, 7, 14, 4, 0, 0, 0, time.UTC), bars[0].Timestamp)
	assert.Equal(t, "btc_jpy", bars[0].Symbol)
	assert.Equal(t, 100.5, bars[0].Close)
	_, ok := bars[0].Indicator(marketdata.IndicatorVolatility)
	assert.False(t, ok, "empty indicator cell stays unset")

	v, ok := bars[1].Indicator(marketdata.IndicatorVolatility)
	require.True(t, ok)
	assert.Equal(t, 0.012, v)

	assert.Equal(t, "eth_jpy", bars[2].Symbol)
	assert.Equal(t, time.Date(2025, 7, 14, 4, 3, 0, 0, time.UTC), bars[2].Timestamp)
}

func TestLoadBarsFromCSV_HeaderErrors(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.csv")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	bars, err := LoadBarsFromCSV(empty)
	require.NoError(t, err)
	assert.Empty(t, bars)

	bad := filepath.Join(dir, "bad.csv")
	require.NoError(t, os.WriteFile(bad, []byte("time,pair,side,price,size,is_snapshot\n"), 0o644))
	_, err = LoadBarsFromCSV(bad)
	assert.Error(t, err)

	_, err = LoadBarsFromCSV(filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)
}

func TestLoadBarsFromCSV_SkipsNonFiniteValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nan.csv")
	data := "time,symbol,open,high,low,close,volume,volatility\n" +
		"2025-07-14 04:00:00+00,btc_jpy,100,101,99,NaN,12,\n" +
		"2025-07-14 04:01:00+00,btc_jpy,100,101,99,+Inf,12,\n" +
		"2025-07-14 04:02:00+00,btc_jpy,100,101,99,100.5,12,nan\n" +
		"2025-07-14 04:03:00+00,btc_jpy,100,101,99,100.5,12,0.01\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	bars, err := LoadBarsFromCSV(path)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, time.Date(2025, 7, 14, 4, 3, 0, 0, time.UTC), bars[0].Timestamp)
}

func TestStreamBarsFromCSV(t *testing.T) {
	eventCh, errCh := StreamBarsFromCSV(context.Background(), "testdata/bars.csv")

	var got []marketdata.Event
	for ev := range eventCh {
		got = append(got, ev)
	}
	for err := range errCh {
		require.NoError(t, err)
	}

	want, err := LoadBarsFromCSV("testdata/bars.csv")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStreamBarsFromCSV_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	eventCh, errCh := StreamBarsFromCSV(ctx, "testdata/bars.csv")
	<-eventCh
	cancel()
	for range eventCh {
	}
	for err := range errCh {
		assert.NoError(t, err)
	}
}

func TestStreamBarsFromCSV_MissingFile(t *testing.T) {
	eventCh, errCh := StreamBarsFromCSV(context.Background(), "testdata/nope.csv")
	for range eventCh {
	}
	assert.Error(t, <-errCh)
}

func TestRepository_FetchBars(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewRepository(mock)
	start := time.Date(2025, 7, 14, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	t.Run("success", func(t *testing.T) {
		vol := 0.015
		rows := pgxmock.NewRows([]string{"time", "symbol", "open", "high", "low", "close", "volume", "volatility"}).
			AddRow(start, "btc_jpy", 100.0, 101.0, 99.0, 100.5, 3.0, (*float64)(nil)).
			AddRow(start.Add(time.Minute), "btc_jpy", 100.5, 102.0, 100.0, 101.0, 4.0, &vol)
		mock.ExpectQuery("SELECT time, symbol, open, high, low, close, volume, volatility").
			WithArgs("btc_jpy", start, end).
			WillReturnRows(rows)

		bars, err := repo.FetchBars(ctx, "btc_jpy", start, end)
		require.NoError(t, err)
		require.Len(t, bars, 2)
		assert.Nil(t, bars[0].Indicators)
		assert.Equal(t, 0.015, bars[1].Indicators[marketdata.IndicatorVolatility])
		assert.Equal(t, 101.0, bars[1].Close)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("db error", func(t *testing.T) {
		mock.ExpectQuery(".*").WillReturnError(assert.AnError)

		_, err := repo.FetchBars(ctx, "btc_jpy", start, end)
		assert.ErrorIs(t, err, assert.AnError)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRepository_SaveBars(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	bars, err := LoadBarsFromCSV("testdata/bars.csv")
	require.NoError(t, err)
	for range bars {
		mock.ExpectExec("INSERT INTO market_bars").
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	n, err := NewRepository(mock).SaveBars(context.Background(), bars)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInMemRepository_FetchBars(t *testing.T) {
	bars, err := LoadBarsFromCSV("testdata/bars.csv")
	require.NoError(t, err)
	repo := NewInMemRepository()
	repo.SeedBars([]marketdata.Event{bars[1], bars[0], bars[2]})

	start := time.Date(2025, 7, 14, 4, 0, 0, 0, time.UTC)
	got, err := repo.FetchBars(context.Background(), "btc_jpy", start, start.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, bars[0], got[0])

	got, err = repo.FetchBars(context.Background(), "btc_jpy", start, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, bars[:2], got)
}
