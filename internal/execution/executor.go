// Package execution defines the exchange collaborator used by strategies and
// provides a paper implementation and a fault-tolerant wrapper.
package execution

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order direction.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

var (
	// ErrInsufficientFunds is returned when a buy cannot be paid for.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrUnknownOrder is returned when cancelling an order that was never placed.
	ErrUnknownOrder = errors.New("unknown order")
	// ErrInvalidOrder is returned for non-positive rates or amounts.
	ErrInvalidOrder = errors.New("invalid order")
)

// OrderRequest is a limit order at Rate for Amount units of the base asset.
type OrderRequest struct {
	StrategyID string
	Pair       string
	Side       Side
	Rate       float64
	Amount     float64
	Timestamp  time.Time
}

// OrderResponse describes an accepted order. Paper orders fill immediately.
type OrderResponse struct {
	ID        string
	Pair      string
	Side      Side
	Rate      float64
	Amount    float64
	Filled    bool
	Timestamp time.Time
}

// Balance holds the account balances in quote and base currency.
type Balance struct {
	Quote decimal.Decimal
	Base  decimal.Decimal
}

// Executor is the exchange collaborator. Every call is ctx-aware.
type Executor interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetBalance(ctx context.Context) (Balance, error)
}
