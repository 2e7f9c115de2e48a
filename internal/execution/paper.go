package execution

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaperConfig configures a PaperExecutor.
type PaperConfig struct {
	SessionID    string
	InitialQuote float64
	InitialBase  float64
	// OrderRatio caps a buy at this share of the available quote balance.
	// Zero disables the cap.
	OrderRatio float64
}

// PaperExecutor fills every order immediately at its limit rate. Order ids
// are derived from the session id and a sequence number, so replays produce
// the same ids.
type PaperExecutor struct {
	cfg    PaperConfig
	logger *zap.Logger

	mu      sync.Mutex
	seq     uint64
	quote   decimal.Decimal
	base    decimal.Decimal
	orders  map[string]OrderResponse
	history []OrderResponse
}

// NewPaperExecutor creates a PaperExecutor with the configured balances.
func NewPaperExecutor(cfg PaperConfig, logger *zap.Logger) *PaperExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaperExecutor{
		cfg:    cfg,
		logger: logger.Named("paper"),
		quote:  decimal.NewFromFloat(cfg.InitialQuote),
		base:   decimal.NewFromFloat(cfg.InitialBase),
		orders: make(map[string]OrderResponse),
	}
}

// PlaceOrder books the fill against the paper balances. Sells may take the
// base balance negative, which models a short.
func (p *PaperExecutor) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Rate <= 0 || req.Amount <= 0 || math.IsNaN(req.Rate) || math.IsNaN(req.Amount) {
		return nil, fmt.Errorf("%w: rate=%g amount=%g", ErrInvalidOrder, req.Rate, req.Amount)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	rate := decimal.NewFromFloat(req.Rate)
	amount := decimal.NewFromFloat(req.Amount)
	if req.Side == Buy && p.cfg.OrderRatio > 0 {
		capped := p.quote.Mul(decimal.NewFromFloat(p.cfg.OrderRatio)).Div(rate).Truncate(8)
		if amount.GreaterThan(capped) {
			p.logger.Warn("requested amount exceeds the allowable ratio, adjusting",
				zap.String("strategy", req.StrategyID),
				zap.Float64("requested", req.Amount),
				zap.String("adjusted", capped.String()))
			amount = capped
		}
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: adjusted amount is zero", ErrInsufficientFunds)
	}

	cost := rate.Mul(amount)
	switch req.Side {
	case Buy:
		if cost.GreaterThan(p.quote) {
			return nil, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, cost.StringFixed(2), p.quote.StringFixed(2))
		}
		p.quote = p.quote.Sub(cost)
		p.base = p.base.Add(amount)
	case Sell:
		p.quote = p.quote.Add(cost)
		p.base = p.base.Sub(amount)
	default:
		return nil, fmt.Errorf("%w: side %q", ErrInvalidOrder, req.Side)
	}

	p.seq++
	filled, _ := amount.Float64()
	resp := OrderResponse{
		ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/%d", p.cfg.SessionID, p.seq))).String(),
		Pair:      req.Pair,
		Side:      req.Side,
		Rate:      req.Rate,
		Amount:    filled,
		Filled:    true,
		Timestamp: req.Timestamp,
	}
	p.orders[resp.ID] = resp
	p.history = append(p.history, resp)
	p.logger.Debug("paper fill",
		zap.String("strategy", req.StrategyID),
		zap.String("id", resp.ID),
		zap.String("side", string(req.Side)),
		zap.Float64("rate", req.Rate),
		zap.Float64("amount", filled))
	return &resp, nil
}

// CancelOrder is a no-op for known orders since paper orders fill at once.
func (p *PaperExecutor) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.orders[orderID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	return nil
}

// GetBalance returns the paper balances.
func (p *PaperExecutor) GetBalance(ctx context.Context) (Balance, error) {
	if err := ctx.Err(); err != nil {
		return Balance{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return Balance{Quote: p.quote, Base: p.base}, nil
}

// Fills returns every fill in order.
func (p *PaperExecutor) Fills() []OrderResponse {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]OrderResponse(nil), p.history...)
}
