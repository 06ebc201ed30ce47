package ledger

import (
	"errors"
	stdmath "math"
	"time"

	"lendledger/internal/math"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientLiquidity = errors.New("insufficient pool liquidity")
	ErrPositionNotFound      = errors.New("position not found")
	ErrPositionAlreadyOpen   = errors.New("position already open")
)

// Position is a single account's collateralized borrow. Collateral is
// in collateral-asset base units, Borrow in debt-asset base units. A
// position exists exactly while it has an entry in the ledger; there
// are no zero-collateral positions.
type Position struct {
	Collateral uint64
	Borrow     uint64
	OpenedAt   time.Time
}

// Ledger tracks depositor balances, open positions and the pool
// aggregate. It is plain state with validation; it does not lock.
// Callers serialize access (the engine holds one mutex across every
// operation).
type Ledger struct {
	balances      map[string]uint64
	positions     map[string]Position
	totalDeposits uint64
}

func New() *Ledger {
	return &Ledger{
		balances:  make(map[string]uint64),
		positions: make(map[string]Position),
	}
}

// Deposit credits amount to the account balance and the pool
// aggregate. Every mutator validates first and either applies fully or
// leaves the ledger untouched.
func (l *Ledger) Deposit(account string, amount uint64) error {
	if account == "" || amount == 0 {
		return math.ErrInvalidParameter
	}
	if amount > stdmath.MaxUint64-l.balances[account] {
		return math.ErrOverflow
	}
	if amount > stdmath.MaxUint64-l.totalDeposits {
		return math.ErrOverflow
	}

	l.balances[account] += amount
	l.totalDeposits += amount
	return nil
}

// Withdraw debits amount from the account balance and the pool
// aggregate. Outstanding borrows reduce the aggregate below the sum of
// balances, so the pool side is checked too: a withdrawal that exceeds
// the pooled funds fails with ErrInsufficientLiquidity rather than
// wrapping the aggregate.
func (l *Ledger) Withdraw(account string, amount uint64) error {
	if account == "" || amount == 0 {
		return math.ErrInvalidParameter
	}
	if l.balances[account] < amount {
		return ErrInsufficientBalance
	}
	if l.totalDeposits < amount {
		return ErrInsufficientLiquidity
	}

	l.balances[account] -= amount
	l.totalDeposits -= amount
	if l.balances[account] == 0 {
		delete(l.balances, account)
	}
	return nil
}

// OpenPosition records a new borrow against posted collateral. The
// borrowed amount leaves the pool aggregate; an account may hold at
// most one open position at a time.
func (l *Ledger) OpenPosition(account string, collateral, borrow uint64, openedAt time.Time) error {
	if account == "" || collateral == 0 || borrow == 0 {
		return math.ErrInvalidParameter
	}
	if _, ok := l.positions[account]; ok {
		return ErrPositionAlreadyOpen
	}
	if l.totalDeposits < borrow {
		return ErrInsufficientLiquidity
	}

	l.positions[account] = Position{
		Collateral: collateral,
		Borrow:     borrow,
		OpenedAt:   openedAt,
	}
	l.totalDeposits -= borrow
	return nil
}

// ClearPosition removes an account's position and returns it, for
// settlement after a liquidation.
func (l *Ledger) ClearPosition(account string) (Position, error) {
	pos, ok := l.positions[account]
	if !ok {
		return Position{}, ErrPositionNotFound
	}
	delete(l.positions, account)
	return pos, nil
}

// CreditRepayment returns repaid debt to the pool aggregate.
func (l *Ledger) CreditRepayment(amount uint64) error {
	if amount > stdmath.MaxUint64-l.totalDeposits {
		return math.ErrOverflow
	}
	l.totalDeposits += amount
	return nil
}

// Balance returns the account's deposit balance; zero for unknown
// accounts.
func (l *Ledger) Balance(account string) uint64 {
	return l.balances[account]
}

// Position returns the account's open position, if any.
func (l *Ledger) Position(account string) (Position, bool) {
	pos, ok := l.positions[account]
	return pos, ok
}

// TotalDeposits returns the pool aggregate: deposits still in the pool
// after outstanding borrows.
func (l *Ledger) TotalDeposits() uint64 {
	return l.totalDeposits
}

// OpenPositions returns the number of live positions.
func (l *Ledger) OpenPositions() int {
	return len(l.positions)
}
