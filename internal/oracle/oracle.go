package oracle

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNoQuote is returned while a source has not yet observed a price
// for the requested asset.
var ErrNoQuote = errors.New("no quote available")

// Quote is a point-in-time price observation. Price is expressed in
// debt-asset units per collateral-asset base unit, scaled by
// 10^Decimals. UpdatedAt drives staleness checks; the engine decides
// how old a quote may be, not the source.
type Quote struct {
	Price     uint64    `json:"price"`
	Decimals  uint8     `json:"decimals"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PriceSource supplies the two prices the engine values positions
// with. Implementations must be safe for concurrent use; they report
// what they know and never judge freshness or validity themselves.
type PriceSource interface {
	CollateralPrice(ctx context.Context) (Quote, error)
	DebtPrice(ctx context.Context) (Quote, error)
}

// Static is a fixed in-memory price source, swappable at runtime. It
// backs tests and single-node deployments without a live feed.
type Static struct {
	mu         sync.RWMutex
	collateral Quote
	debt       Quote
}

func NewStatic(collateral, debt Quote) *Static {
	return &Static{collateral: collateral, debt: debt}
}

func (s *Static) CollateralPrice(ctx context.Context) (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collateral, nil
}

func (s *Static) DebtPrice(ctx context.Context) (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.debt, nil
}

// SetCollateralPrice replaces the collateral quote, stamping it with
// the current time when UpdatedAt is zero.
func (s *Static) SetCollateralPrice(q Quote) {
	if q.UpdatedAt.IsZero() {
		q.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	s.collateral = q
	s.mu.Unlock()
}

func (s *Static) SetDebtPrice(q Quote) {
	if q.UpdatedAt.IsZero() {
		q.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	s.debt = q
	s.mu.Unlock()
}
