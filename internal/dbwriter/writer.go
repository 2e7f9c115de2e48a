package dbwriter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/your-org/regime-allocator/internal/audit"
	"github.com/your-org/regime-allocator/internal/config"
	"github.com/your-org/regime-allocator/internal/portfolio"
)

// Pool is an interface that abstracts the pgxpool.Pool for testability.
type Pool interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Close()
}

var (
	auditEventColumns      = []string{"run_id", "seq", "time", "kind", "strategy_id", "from_state", "to_state", "weight", "message"}
	allocationColumns      = []string{"run_id", "seq", "time", "mode", "weights", "trigger_reason", "applied", "max_deviation"}
	regimeTransitionColumn = []string{"run_id", "seq", "time", "old_regime", "new_regime"}
	portfolioColumns       = []string{"run_id", "seq", "time", "tick", "regime", "aggregate_equity", "aggregate_drawdown", "per_strategy"}
)

// TimescaleWriter はTimescaleDBへの監査ログ書き込みを担当します。
// Every event lands in audit_events; allocation, regime and portfolio
// payloads are additionally copied into their own append-only tables.
type TimescaleWriter struct {
	pool   Pool
	logger *zap.Logger
	config config.DBWriterConfig

	bufferMutex      sync.Mutex
	runID            string
	eventBuffer      []audit.Event
	allocationBuffer []audit.Event
	transitionBuffer []audit.Event
	snapshotBuffer   []audit.Event
	failedFlushes    int

	flushTicker  *time.Ticker
	shutdownChan chan struct{}
	closeOnce    sync.Once
}

// NewTimescaleWriter は新しいTimescaleWriterインスタンスを作成します。
// A nil pool yields the dummy writer.
func NewTimescaleWriter(pool Pool, writerConfig config.DBWriterConfig, logger *zap.Logger) Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pool == nil {
		return NewDummyWriter(logger)
	}

	if writerConfig.WriteIntervalSeconds <= 0 {
		logger.Warn("WriteIntervalSeconds is zero or negative, defaulting to 1s.", zap.Int("originalValue", writerConfig.WriteIntervalSeconds))
		writerConfig.WriteIntervalSeconds = 1
	}
	if writerConfig.BatchSize <= 0 {
		logger.Warn("BatchSize is zero or negative, defaulting to 100.", zap.Int("originalValue", writerConfig.BatchSize))
		writerConfig.BatchSize = 100
	}

	w := &TimescaleWriter{
		pool:         pool,
		logger:       logger.Named("dbwriter"),
		config:       writerConfig,
		eventBuffer:  make([]audit.Event, 0, writerConfig.BatchSize),
		shutdownChan: make(chan struct{}),
	}
	w.flushTicker = time.NewTicker(time.Duration(writerConfig.WriteIntervalSeconds) * time.Second)
	go w.run()
	w.logger.Info("Started batch audit writer", zap.Int("batchSize", writerConfig.BatchSize))
	return w
}

// SetRunID sets the run id written with every row.
func (w *TimescaleWriter) SetRunID(runID string) {
	w.bufferMutex.Lock()
	defer w.bufferMutex.Unlock()
	w.runID = runID
}

// Emit buffers an audit event and flushes once the batch is full.
func (w *TimescaleWriter) Emit(ev audit.Event) {
	w.bufferMutex.Lock()
	w.eventBuffer = append(w.eventBuffer, ev)
	switch {
	case ev.Allocation != nil:
		w.allocationBuffer = append(w.allocationBuffer, ev)
	case ev.Transition != nil:
		w.transitionBuffer = append(w.transitionBuffer, ev)
	case ev.Snapshot != nil:
		w.snapshotBuffer = append(w.snapshotBuffer, ev)
	}
	shouldFlush := len(w.eventBuffer) >= w.config.BatchSize
	w.bufferMutex.Unlock()

	if shouldFlush {
		w.Flush()
	}
}

// Close はバッファをフラッシュし、データベース接続プールをクローズします。
func (w *TimescaleWriter) Close() {
	w.closeOnce.Do(func() {
		w.logger.Info("Closing TimescaleDB writer...")
		close(w.shutdownChan)
		w.flushTicker.Stop()
		w.Flush()
		w.pool.Close()
		w.logger.Info("TimescaleDB connection pool closed")
	})
}

func (w *TimescaleWriter) run() {
	for {
		select {
		case <-w.flushTicker.C:
			w.Flush()
		case <-w.shutdownChan:
			return
		}
	}
}

// Flush writes every buffer with COPY. Failed batches are logged and dropped.
func (w *TimescaleWriter) Flush() {
	w.bufferMutex.Lock()
	defer w.bufferMutex.Unlock()
	ctx := context.Background()

	w.copyBatch(ctx, "audit_events", auditEventColumns, w.eventBuffer, w.auditEventRow)
	w.copyBatch(ctx, "allocation_snapshots", allocationColumns, w.allocationBuffer, w.allocationRow)
	w.copyBatch(ctx, "regime_transitions", regimeTransitionColumn, w.transitionBuffer, w.transitionRow)
	w.copyBatch(ctx, "portfolio_snapshots", portfolioColumns, w.snapshotBuffer, w.portfolioRow)

	w.eventBuffer = w.eventBuffer[:0]
	w.allocationBuffer = w.allocationBuffer[:0]
	w.transitionBuffer = w.transitionBuffer[:0]
	w.snapshotBuffer = w.snapshotBuffer[:0]
}

// FailedFlushes returns how many COPY batches failed.
func (w *TimescaleWriter) FailedFlushes() int {
	w.bufferMutex.Lock()
	defer w.bufferMutex.Unlock()
	return w.failedFlushes
}

func (w *TimescaleWriter) copyBatch(ctx context.Context, table string, columns []string, events []audit.Event, toRow func(audit.Event) ([]interface{}, error)) {
	if len(events) == 0 {
		return
	}
	rows := make([][]interface{}, 0, len(events))
	for _, ev := range events {
		row, err := toRow(ev)
		if err != nil {
			w.logger.Error("Failed to encode audit row", zap.String("table", table), zap.Int64("seq", ev.Seq), zap.Error(err))
			continue
		}
		rows = append(rows, row)
	}
	w.logger.Debug("Flushing audit rows", zap.String("table", table), zap.Int("count", len(rows)))
	if _, err := w.pool.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows)); err != nil {
		w.failedFlushes++
		w.logger.Error("Failed to batch insert audit rows", zap.String("table", table), zap.Error(err))
	}
}

func (w *TimescaleWriter) auditEventRow(ev audit.Event) ([]interface{}, error) {
	return []interface{}{w.runID, ev.Seq, ev.Timestamp, string(ev.Kind), ev.StrategyID, string(ev.From), string(ev.To), ev.Weight, ev.Message}, nil
}

func (w *TimescaleWriter) allocationRow(ev audit.Event) ([]interface{}, error) {
	a := ev.Allocation
	weights, err := json.Marshal(a.Weights)
	if err != nil {
		return nil, err
	}
	return []interface{}{w.runID, ev.Seq, a.Timestamp, string(a.Mode), weights, a.TriggerReason, a.Applied, a.MaxDeviation}, nil
}

func (w *TimescaleWriter) transitionRow(ev audit.Event) ([]interface{}, error) {
	tr := ev.Transition
	return []interface{}{w.runID, ev.Seq, tr.Timestamp, tr.Old, tr.New}, nil
}

func (w *TimescaleWriter) portfolioRow(ev audit.Event) ([]interface{}, error) {
	s := ev.Snapshot
	perStrategy, err := json.Marshal(s.PerStrategy)
	if err != nil {
		return nil, err
	}
	equity := decimal.NewFromFloat(s.AggregateEquity).Round(8)
	return []interface{}{w.runID, ev.Seq, s.Timestamp, s.Tick, s.Regime, equity, s.AggregateDrawdown, perStrategy}, nil
}

// SaveCheckpoint flushes the audit buffers, then inserts cp as jsonb so the
// stored checkpoint never runs ahead of the persisted audit trail.
func (w *TimescaleWriter) SaveCheckpoint(ctx context.Context, cp portfolio.Checkpoint) error {
	w.Flush()

	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	query := `INSERT INTO checkpoints (run_id, time, tick, audit_seq, payload)
	          VALUES ($1, $2, $3, $4, $5)`
	_, err = w.pool.Exec(ctx, query, cp.RunID, cp.Snapshot.Timestamp, cp.Snapshot.Tick, cp.AuditSeq, payload)
	if err != nil {
		w.logger.Error("Failed to insert checkpoint", zap.Error(err), zap.Int64("tick", cp.Snapshot.Tick))
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	w.logger.Debug("Saved checkpoint to DB.", zap.Int64("tick", cp.Snapshot.Tick))
	return nil
}

// LoadLatestCheckpoint returns the newest checkpoint by insertion order.
func (w *TimescaleWriter) LoadLatestCheckpoint(ctx context.Context) (*portfolio.Checkpoint, error) {
	var payload []byte
	err := w.pool.QueryRow(ctx, "SELECT payload FROM checkpoints ORDER BY id DESC LIMIT 1").Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	var cp portfolio.Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &cp, nil
}
