package transfer_test

import (
	"context"
	"errors"
	stdmath "math"
	"testing"

	"lendledger/internal/transfer"
)

func TestBank_TransferFrom(t *testing.T) {
	b := transfer.NewBank("pool")
	b.SetHolding("USDC", "alice", 1000)

	if err := b.TransferFrom(context.Background(), "USDC", "alice", "pool", 400); err != nil {
		t.Fatalf("transfer from: %v", err)
	}
	if got := b.Holding("USDC", "alice"); got != 600 {
		t.Errorf("alice holding = %d, want 600", got)
	}
	if got := b.Holding("USDC", "pool"); got != 400 {
		t.Errorf("pool holding = %d, want 400", got)
	}
}

func TestBank_TransferDebitsPool(t *testing.T) {
	b := transfer.NewBank("pool")
	b.SetHolding("WETH", "pool", 100)

	if err := b.Transfer(context.Background(), "WETH", "bob", 30); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := b.Holding("WETH", "pool"); got != 70 {
		t.Errorf("pool holding = %d, want 70", got)
	}
	if got := b.Holding("WETH", "bob"); got != 30 {
		t.Errorf("bob holding = %d, want 30", got)
	}
}

func TestBank_InsufficientFundsLeavesHoldingsUntouched(t *testing.T) {
	b := transfer.NewBank("pool")
	b.SetHolding("USDC", "alice", 100)

	err := b.TransferFrom(context.Background(), "USDC", "alice", "pool", 101)
	if !errors.Is(err, transfer.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}
	if got := b.Holding("USDC", "alice"); got != 100 {
		t.Errorf("alice holding = %d, want 100", got)
	}
	if got := b.Holding("USDC", "pool"); got != 0 {
		t.Errorf("pool holding = %d, want 0", got)
	}
}

func TestBank_UnknownAssetHasNoFunds(t *testing.T) {
	b := transfer.NewBank("pool")
	err := b.TransferFrom(context.Background(), "DOGE", "alice", "pool", 1)
	if !errors.Is(err, transfer.ErrInsufficientFunds) {
		t.Errorf("got %v, want ErrInsufficientFunds", err)
	}
}

func TestBank_RecipientOverflow(t *testing.T) {
	b := transfer.NewBank("pool")
	b.SetHolding("USDC", "alice", 10)
	b.SetHolding("USDC", "pool", stdmath.MaxUint64)

	err := b.TransferFrom(context.Background(), "USDC", "alice", "pool", 1)
	if !errors.Is(err, transfer.ErrAmountOverflow) {
		t.Fatalf("got %v, want ErrAmountOverflow", err)
	}
	if got := b.Holding("USDC", "alice"); got != 10 {
		t.Errorf("alice holding = %d, want 10", got)
	}
}

func TestBank_CancelledContext(t *testing.T) {
	b := transfer.NewBank("pool")
	b.SetHolding("USDC", "alice", 100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.TransferFrom(ctx, "USDC", "alice", "pool", 1); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	if got := b.Holding("USDC", "alice"); got != 100 {
		t.Errorf("alice holding = %d, want 100", got)
	}
}
