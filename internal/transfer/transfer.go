package transfer

import (
	"context"
	"errors"
	stdmath "math"
	"sync"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAmountOverflow    = errors.New("amount overflows recipient holdings")
)

// ValueTransfer moves asset value between external accounts. The
// engine is deliberately ignorant of how value is actually held; an
// implementation may front a custody service, a chain client or plain
// in-process bookkeeping. Both methods are all-or-nothing: on error no
// value has moved.
type ValueTransfer interface {
	// Transfer moves amount of asset from the caller-controlled pool
	// account to the named account.
	Transfer(ctx context.Context, asset, to string, amount uint64) error

	// TransferFrom moves amount of asset from one named account to
	// another on the holder's authority.
	TransferFrom(ctx context.Context, asset, from, to string, amount uint64) error
}

// Bank is an in-memory ValueTransfer keeping per-asset holdings. Its
// Transfer debits the pool account it was constructed with.
type Bank struct {
	mu       sync.Mutex
	pool     string
	holdings map[string]map[string]uint64 // asset -> account -> amount
}

func NewBank(poolAccount string) *Bank {
	return &Bank{
		pool:     poolAccount,
		holdings: make(map[string]map[string]uint64),
	}
}

// SetHolding seeds an account's holding of an asset, for tests and
// bootstrap.
func (b *Bank) SetHolding(asset, account string, amount uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.assetHoldings(asset)[account] = amount
}

// Holding returns an account's current holding of an asset.
func (b *Bank) Holding(asset, account string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.holdings[asset][account]
}

func (b *Bank) Transfer(ctx context.Context, asset, to string, amount uint64) error {
	return b.TransferFrom(ctx, asset, b.pool, to, amount)
}

func (b *Bank) TransferFrom(ctx context.Context, asset, from, to string, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.assetHoldings(asset)
	if h[from] < amount {
		return ErrInsufficientFunds
	}
	if h[to] > stdmath.MaxUint64-amount {
		return ErrAmountOverflow
	}

	h[from] -= amount
	h[to] += amount
	return nil
}

func (b *Bank) assetHoldings(asset string) map[string]uint64 {
	h, ok := b.holdings[asset]
	if !ok {
		h = make(map[string]uint64)
		b.holdings[asset] = h
	}
	return h
}
