package datastore

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/your-org/regime-allocator/internal/marketdata"
	"github.com/your-org/regime-allocator/pkg/logger"
)

// barColumns are the required leading CSV columns. Any further columns are
// read as named indicators, e.g. "volatility".
var barColumns = []string{"time", "symbol", "open", "high", "low", "close", "volume"}

type barParser struct {
	indicators []string
}

func newBarParser(header []string) (*barParser, error) {
	if len(header) < len(barColumns) {
		return nil, fmt.Errorf("csv header has %d columns, need at least %d", len(header), len(barColumns))
	}
	for i, want := range barColumns {
		if got := strings.ToLower(strings.TrimSpace(header[i])); got != want {
			return nil, fmt.Errorf("csv column %d is %q, expected %q", i, got, want)
		}
	}
	p := &barParser{}
	for _, h := range header[len(barColumns):] {
		p.indicators = append(p.indicators, strings.ToLower(strings.TrimSpace(h)))
	}
	return p, nil
}

func (p *barParser) parse(record []string) (marketdata.Event, error) {
	if len(record) != len(barColumns)+len(p.indicators) {
		return marketdata.Event{}, fmt.Errorf("invalid number of columns: expected %d, got %d", len(barColumns)+len(p.indicators), len(record))
	}
	ts, err := parseTime(record[0])
	if err != nil {
		return marketdata.Event{}, err
	}
	var ohlcv [5]float64
	for i := range ohlcv {
		v, err := parseFinite(record[2+i])
		if err != nil {
			return marketdata.Event{}, fmt.Errorf("%s: %w", barColumns[2+i], err)
		}
		ohlcv[i] = v
	}
	ev := marketdata.Event{
		Timestamp: ts,
		Symbol:    record[1],
		Open:      ohlcv[0],
		High:      ohlcv[1],
		Low:       ohlcv[2],
		Close:     ohlcv[3],
		Volume:    ohlcv[4],
	}
	for i, name := range p.indicators {
		raw := strings.TrimSpace(record[len(barColumns)+i])
		if raw == "" {
			continue
		}
		v, err := parseFinite(raw)
		if err != nil {
			return marketdata.Event{}, fmt.Errorf("%s: %w", name, err)
		}
		if ev.Indicators == nil {
			ev.Indicators = make(map[string]float64, len(p.indicators))
		}
		ev.Indicators[name] = v
	}
	return ev, nil
}

// parseFinite rejects NaN and Inf, which strconv accepts.
func parseFinite(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite value %q", raw)
	}
	return v, nil
}

// StreamBarsFromCSV reads bars from a CSV file and streams them through a
// channel in file order. Malformed rows are skipped with a warning.
// The CSV file is expected to have a header and the following columns:
// time, symbol, open, high, low, close, volume[, indicator...]
func StreamBarsFromCSV(ctx context.Context, filePath string) (<-chan marketdata.Event, <-chan error) {
	eventCh := make(chan marketdata.Event)
	errCh := make(chan error, 1)

	go func() {
		defer close(eventCh)
		defer close(errCh)

		file, err := os.Open(filePath)
		if err != nil {
			errCh <- fmt.Errorf("failed to open csv file: %w", err)
			return
		}
		defer file.Close()

		reader := csv.NewReader(file)
		reader.FieldsPerRecord = -1
		header, err := reader.Read()
		if err != nil {
			if err != io.EOF {
				errCh <- fmt.Errorf("failed to read csv header: %w", err)
			}
			return // Empty file is not an error
		}
		parser, err := newBarParser(header)
		if err != nil {
			errCh <- err
			return
		}

		total := 0
		for {
			select {
			case <-ctx.Done():
				logger.Info("CSV streaming cancelled by context.")
				return
			default:
			}

			record, err := reader.Read()
			if err == io.EOF {
				logger.Infof("Successfully streamed %d bars from %s", total, filePath)
				return
			}
			if err != nil {
				errCh <- fmt.Errorf("failed to read csv record: %w", err)
				return
			}
			ev, err := parser.parse(record)
			if err != nil {
				logger.Warnf("Skipping record: %v", err)
				continue
			}

			select {
			case eventCh <- ev:
				total++
			case <-ctx.Done():
				return
			}
		}
	}()

	return eventCh, errCh
}

func parseTime(timeStr string) (time.Time, error) {
	// Postgres export format first, e.g. "2025-07-14 04:11:13.484971+00".
	const layout = "2006-01-02 15:04:05.999999-07"
	t, err := time.Parse(layout, timeStr)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, timeStr)
		if err != nil {
			return time.Time{}, fmt.Errorf("could not parse time '%s' with any known format", timeStr)
		}
	}
	return t.UTC(), nil
}

// LoadBarsFromCSV reads an entire CSV file into memory.
func LoadBarsFromCSV(filePath string) ([]marketdata.Event, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open csv file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []marketdata.Event{}, nil // Empty file is okay
		}
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	parser, err := newBarParser(header)
	if err != nil {
		return nil, err
	}

	var events []marketdata.Event
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv record: %w", err)
		}
		ev, err := parser.parse(record)
		if err != nil {
			logger.Warnf("Skipping record: %v", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
