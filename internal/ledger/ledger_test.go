package ledger_test

import (
	"errors"
	stdmath "math"
	"testing"
	"time"

	"lendledger/internal/ledger"
	"lendledger/internal/math"
)

// ============================================================================
// Test: Deposit / Withdraw
// ============================================================================

func TestDepositWithdraw_RoundTrip(t *testing.T) {
	l := ledger.New()

	if err := l.Deposit("alice", 500); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.Deposit("bob", 300); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if got := l.Balance("alice"); got != 500 {
		t.Errorf("alice balance = %d, want 500", got)
	}
	if got := l.TotalDeposits(); got != 800 {
		t.Errorf("total deposits = %d, want 800", got)
	}

	if err := l.Withdraw("alice", 200); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := l.Balance("alice"); got != 300 {
		t.Errorf("alice balance = %d, want 300", got)
	}
	if got := l.TotalDeposits(); got != 600 {
		t.Errorf("total deposits = %d, want 600", got)
	}
}

func TestDeposit_RejectsZeroAmount(t *testing.T) {
	l := ledger.New()
	if err := l.Deposit("alice", 0); !errors.Is(err, math.ErrInvalidParameter) {
		t.Errorf("got %v, want ErrInvalidParameter", err)
	}
	if err := l.Deposit("", 100); !errors.Is(err, math.ErrInvalidParameter) {
		t.Errorf("empty account: got %v, want ErrInvalidParameter", err)
	}
}

func TestDeposit_OverflowLeavesStateUntouched(t *testing.T) {
	l := ledger.New()
	if err := l.Deposit("alice", stdmath.MaxUint64); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.Deposit("alice", 1); !errors.Is(err, math.ErrOverflow) {
		t.Fatalf("got %v, want ErrOverflow", err)
	}
	if got := l.Balance("alice"); got != stdmath.MaxUint64 {
		t.Errorf("balance changed on failed deposit: %d", got)
	}
	// Pool aggregate overflows even when the individual balance would
	// not.
	if err := l.Deposit("bob", 1); !errors.Is(err, math.ErrOverflow) {
		t.Errorf("got %v, want ErrOverflow", err)
	}
	if got := l.Balance("bob"); got != 0 {
		t.Errorf("bob balance changed on failed deposit: %d", got)
	}
}

func TestWithdraw_InsufficientBalance(t *testing.T) {
	l := ledger.New()
	if err := l.Deposit("alice", 100); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if err := l.Withdraw("alice", 101); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("got %v, want ErrInsufficientBalance", err)
	}
	if err := l.Withdraw("nobody", 1); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("unknown account: got %v, want ErrInsufficientBalance", err)
	}
	if got := l.Balance("alice"); got != 100 {
		t.Errorf("balance changed on failed withdraw: %d", got)
	}
}

// With a borrow outstanding the pool aggregate sits below the sum of
// balances; a full-balance withdrawal must fail on the aggregate
// instead of wrapping it below zero.
func TestWithdraw_PoolShortOfBalance(t *testing.T) {
	l := ledger.New()
	if err := l.Deposit("lender", 1000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.OpenPosition("borrower", 100, 1000, time.Now()); err != nil {
		t.Fatalf("open position: %v", err)
	}

	err := l.Withdraw("lender", 1000)
	if !errors.Is(err, ledger.ErrInsufficientLiquidity) {
		t.Fatalf("got %v, want ErrInsufficientLiquidity", err)
	}
	if got := l.Balance("lender"); got != 1000 {
		t.Errorf("balance changed on failed withdraw: %d", got)
	}
	if got := l.TotalDeposits(); got != 0 {
		t.Errorf("total deposits = %d, want 0", got)
	}

	// Repayment restores the aggregate and the withdrawal goes through.
	if err := l.CreditRepayment(1000); err != nil {
		t.Fatalf("credit repayment: %v", err)
	}
	if err := l.Withdraw("lender", 1000); err != nil {
		t.Fatalf("withdraw after repayment: %v", err)
	}
	if got := l.TotalDeposits(); got != 0 {
		t.Errorf("total deposits = %d, want 0", got)
	}
}

func TestWithdraw_ExactBalanceDrainsAccount(t *testing.T) {
	l := ledger.New()
	if err := l.Deposit("alice", 100); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.Withdraw("alice", 100); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := l.Balance("alice"); got != 0 {
		t.Errorf("balance = %d, want 0", got)
	}
	if got := l.TotalDeposits(); got != 0 {
		t.Errorf("total deposits = %d, want 0", got)
	}
}

func TestPoolAggregate_MatchesSumOfBalances(t *testing.T) {
	l := ledger.New()
	ops := []struct {
		account  string
		deposit  uint64
		withdraw uint64
	}{
		{"a", 1000, 0},
		{"b", 2500, 0},
		{"a", 0, 400},
		{"c", 17, 0},
		{"b", 0, 2500},
	}
	var want uint64
	for _, op := range ops {
		if op.deposit > 0 {
			if err := l.Deposit(op.account, op.deposit); err != nil {
				t.Fatalf("deposit: %v", err)
			}
			want += op.deposit
		}
		if op.withdraw > 0 {
			if err := l.Withdraw(op.account, op.withdraw); err != nil {
				t.Fatalf("withdraw: %v", err)
			}
			want -= op.withdraw
		}
	}
	if got := l.TotalDeposits(); got != want {
		t.Errorf("total deposits = %d, want %d", got, want)
	}
	sum := l.Balance("a") + l.Balance("b") + l.Balance("c")
	if sum != want {
		t.Errorf("sum of balances = %d, want %d", sum, want)
	}
}

// ============================================================================
// Test: Positions
// ============================================================================

func TestOpenPosition(t *testing.T) {
	l := ledger.New()
	if err := l.Deposit("lender", 20_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	openedAt := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	if err := l.OpenPosition("borrower", 100, 1000, openedAt); err != nil {
		t.Fatalf("open position: %v", err)
	}

	pos, ok := l.Position("borrower")
	if !ok {
		t.Fatal("position not found after open")
	}
	if pos.Collateral != 100 || pos.Borrow != 1000 {
		t.Errorf("position = %+v, want collateral=100 borrow=1000", pos)
	}
	if !pos.OpenedAt.Equal(openedAt) {
		t.Errorf("OpenedAt = %v, want %v", pos.OpenedAt, openedAt)
	}
	// The borrow leaves the pool; depositor balances are untouched.
	if got := l.TotalDeposits(); got != 19_000 {
		t.Errorf("total deposits = %d, want 19000", got)
	}
	if got := l.Balance("lender"); got != 20_000 {
		t.Errorf("lender balance = %d, want 20000", got)
	}
}

func TestOpenPosition_RejectsSecondOpen(t *testing.T) {
	l := ledger.New()
	if err := l.Deposit("lender", 10_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.OpenPosition("borrower", 100, 1000, time.Now()); err != nil {
		t.Fatalf("open position: %v", err)
	}

	err := l.OpenPosition("borrower", 50, 200, time.Now())
	if !errors.Is(err, ledger.ErrPositionAlreadyOpen) {
		t.Fatalf("got %v, want ErrPositionAlreadyOpen", err)
	}
	pos, _ := l.Position("borrower")
	if pos.Collateral != 100 || pos.Borrow != 1000 {
		t.Errorf("position overwritten on rejected open: %+v", pos)
	}
	if got := l.TotalDeposits(); got != 9000 {
		t.Errorf("total deposits = %d, want 9000", got)
	}
}

func TestOpenPosition_InsufficientLiquidity(t *testing.T) {
	l := ledger.New()
	if err := l.Deposit("lender", 500); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	err := l.OpenPosition("borrower", 100, 501, time.Now())
	if !errors.Is(err, ledger.ErrInsufficientLiquidity) {
		t.Errorf("got %v, want ErrInsufficientLiquidity", err)
	}
	// Borrowing the entire pool is allowed.
	if err := l.OpenPosition("borrower", 100, 500, time.Now()); err != nil {
		t.Errorf("borrow of full pool: %v", err)
	}
	if got := l.TotalDeposits(); got != 0 {
		t.Errorf("total deposits = %d, want 0", got)
	}
}

func TestOpenPosition_RejectsZeroAmounts(t *testing.T) {
	l := ledger.New()
	if err := l.Deposit("lender", 1000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.OpenPosition("b", 0, 100, time.Now()); !errors.Is(err, math.ErrInvalidParameter) {
		t.Errorf("zero collateral: got %v, want ErrInvalidParameter", err)
	}
	if err := l.OpenPosition("b", 100, 0, time.Now()); !errors.Is(err, math.ErrInvalidParameter) {
		t.Errorf("zero borrow: got %v, want ErrInvalidParameter", err)
	}
}

func TestClearPosition(t *testing.T) {
	l := ledger.New()
	if err := l.Deposit("lender", 10_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.OpenPosition("borrower", 100, 1000, time.Now()); err != nil {
		t.Fatalf("open position: %v", err)
	}

	pos, err := l.ClearPosition("borrower")
	if err != nil {
		t.Fatalf("clear position: %v", err)
	}
	if pos.Collateral != 100 || pos.Borrow != 1000 {
		t.Errorf("cleared position = %+v", pos)
	}
	if _, ok := l.Position("borrower"); ok {
		t.Error("position still present after clear")
	}
	if got := l.OpenPositions(); got != 0 {
		t.Errorf("open positions = %d, want 0", got)
	}

	if _, err := l.ClearPosition("borrower"); !errors.Is(err, ledger.ErrPositionNotFound) {
		t.Errorf("second clear: got %v, want ErrPositionNotFound", err)
	}
}

func TestCreditRepayment_RestoresPool(t *testing.T) {
	l := ledger.New()
	if err := l.Deposit("lender", 20_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.OpenPosition("borrower", 100, 1000, time.Now()); err != nil {
		t.Fatalf("open position: %v", err)
	}
	if _, err := l.ClearPosition("borrower"); err != nil {
		t.Fatalf("clear position: %v", err)
	}
	if err := l.CreditRepayment(1000); err != nil {
		t.Fatalf("credit repayment: %v", err)
	}
	if got := l.TotalDeposits(); got != 20_000 {
		t.Errorf("total deposits = %d, want 20000", got)
	}
}

func TestCreditRepayment_Overflow(t *testing.T) {
	l := ledger.New()
	if err := l.Deposit("lender", stdmath.MaxUint64); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.CreditRepayment(1); !errors.Is(err, math.ErrOverflow) {
		t.Errorf("got %v, want ErrOverflow", err)
	}
}
