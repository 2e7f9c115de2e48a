package signal

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/your-org/regime-allocator/internal/execution"
	"github.com/your-org/regime-allocator/internal/indicator"
	"github.com/your-org/regime-allocator/internal/marketdata"
	"github.com/your-org/regime-allocator/internal/position"
	"github.com/your-org/regime-allocator/internal/strategy"
	"github.com/your-org/regime-allocator/pkg/ringbuf"
)

const equityHistory = 256

// Params configures a reference Strategy.
type Params struct {
	Engine EngineConfig
	Pair   string
	// BaseSize is the order amount at weight 1.0.
	BaseSize float64
	// Capital is the notional the strategy's own drawdown is measured against.
	Capital float64
}

// Strategy trades one pair from SignalEngine signals through an executor and
// implements strategy.Strategy, WeightSetter and Checkpointer.
type Strategy struct {
	id     string
	params Params
	exec   execution.Executor
	logger *zap.Logger

	mu        sync.Mutex
	engine    *SignalEngine
	pos       *position.Position
	weight    float64
	tp, sl    float64
	lastPrice float64
	equity    *ringbuf.RingBuffer[float64]
}

var (
	_ strategy.Strategy     = (*Strategy)(nil)
	_ strategy.WeightSetter = (*Strategy)(nil)
	_ strategy.Checkpointer = (*Strategy)(nil)
)

// New creates a reference strategy.
func New(id string, p Params, exec execution.Executor, logger *zap.Logger) (*Strategy, error) {
	if _, err := ParseKind(string(p.Engine.Kind)); err != nil {
		return nil, fmt.Errorf("strategy %s: %w", id, err)
	}
	if p.BaseSize <= 0 {
		return nil, fmt.Errorf("strategy %s: base_size must be positive", id)
	}
	if p.Capital <= 0 {
		p.Capital = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Strategy{
		id:     id,
		params: p,
		exec:   exec,
		logger: logger.With(zap.String("strategy", id)),
		engine: NewSignalEngine(p.Engine),
		pos:    position.New(),
		equity: ringbuf.New[float64](equityHistory),
	}, nil
}

// ID returns the strategy id.
func (s *Strategy) ID() string { return s.id }

// SetWeight sets the sizing multiplier for subsequent entries.
func (s *Strategy) SetWeight(w float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.weight = w
}

// ProcessBar exits on TP/SL or an opposite signal, then enters on a newly
// confirmed signal. Bars for other pairs are ignored.
func (s *Strategy) ProcessBar(ctx context.Context, ev marketdata.Event) (*strategy.TradeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.params.Pair != "" && ev.Symbol != s.params.Pair {
		return nil, nil
	}
	price := ev.Price()
	if price <= 0 {
		return nil, nil
	}
	s.lastPrice = price
	s.engine.Update(price)
	sig := s.engine.Evaluate(ev.Timestamp)

	res := &strategy.TradeResult{}
	size, _ := s.pos.Get()
	if size != 0 && s.shouldExit(size, price) {
		pnl, err := s.trade(ctx, -size, price, ev)
		if err != nil {
			return nil, err
		}
		res.RealizedPnL += pnl
		res.ClosedTrades++
		if pnl > 0 {
			res.Wins++
		}
	}

	if sig != nil && s.pos.IsFlat() && s.weight > 0 {
		amount := s.params.BaseSize * s.weight
		if sig.Type == SignalShort {
			amount = -amount
		}
		if _, err := s.trade(ctx, amount, price, ev); err != nil {
			return nil, err
		}
		s.tp, s.sl = sig.TakeProfit, sig.StopLoss
		s.logger.Debug("entered position",
			zap.String("signal", sig.Type.String()),
			zap.Float64("price", price),
			zap.Float64("amount", amount),
			zap.Float64("value", sig.TriggerValue))
	}

	res.UnrealizedPnL = s.pos.Unrealized(price)
	s.equity.Add(s.params.Capital + s.pos.Realized() + res.UnrealizedPnL)
	return res, nil
}

func (s *Strategy) shouldExit(size, price float64) bool {
	cur := s.engine.CurrentSignal()
	if size > 0 {
		return price >= s.tp || price <= s.sl || cur == SignalShort
	}
	return price <= s.tp || price >= s.sl || cur == SignalLong
}

func (s *Strategy) trade(ctx context.Context, amount, price float64, ev marketdata.Event) (float64, error) {
	req := execution.OrderRequest{
		StrategyID: s.id,
		Pair:       ev.Symbol,
		Side:       execution.Buy,
		Rate:       price,
		Amount:     math.Abs(amount),
		Timestamp:  ev.Timestamp,
	}
	if amount < 0 {
		req.Side = execution.Sell
	}
	resp, err := s.exec.PlaceOrder(ctx, req)
	if err != nil {
		return 0, err
	}
	filled := resp.Amount
	if amount < 0 {
		filled = -filled
	}
	return s.pos.Apply(filled, resp.Rate), nil
}

// ClosePositions flattens at the last seen price.
func (s *Strategy) ClosePositions(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	size, _ := s.pos.Get()
	if size == 0 {
		return nil
	}
	if s.lastPrice <= 0 {
		return fmt.Errorf("no price to close %g at", size)
	}
	_, err := s.trade(ctx, -size, s.lastPrice, marketdata.Event{Symbol: s.params.Pair})
	return err
}

// RiskMetrics reports drawdown and return volatility of the strategy's own
// equity history.
func (s *Strategy) RiskMetrics() strategy.RiskMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	curve := s.equity.Chronological()
	return strategy.RiskMetrics{
		Drawdown:   indicator.MaxDrawdown(curve),
		Volatility: indicator.ReturnVolatility(curve),
	}
}

type checkpoint struct {
	Engine    EngineState       `msgpack:"engine"`
	Position  position.Snapshot `msgpack:"position"`
	Weight    float64           `msgpack:"weight"`
	TP        float64           `msgpack:"tp"`
	SL        float64           `msgpack:"sl"`
	LastPrice float64           `msgpack:"last_price"`
	Equity    []float64         `msgpack:"equity"`
}

// Snapshot encodes the strategy state with msgpack.
func (s *Strategy) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return msgpack.Marshal(checkpoint{
		Engine:    s.engine.State(),
		Position:  s.pos.Snapshot(),
		Weight:    s.weight,
		TP:        s.tp,
		SL:        s.sl,
		LastPrice: s.lastPrice,
		Equity:    s.equity.Chronological(),
	})
}

// Restore loads a Snapshot.
func (s *Strategy) Restore(data []byte) error {
	var cp checkpoint
	if err := msgpack.Unmarshal(data, &cp); err != nil {
		return fmt.Errorf("decode strategy checkpoint: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine.Restore(cp.Engine)
	s.pos.Restore(cp.Position)
	s.weight, s.tp, s.sl, s.lastPrice = cp.Weight, cp.TP, cp.SL, cp.LastPrice
	s.equity.Reset(cp.Equity)
	return nil
}
