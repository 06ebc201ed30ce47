package engine

import (
	"context"
	"errors"
	"fmt"
	stdmath "math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lendledger/internal/event"
	"lendledger/internal/ledger"
	"lendledger/internal/math"
	"lendledger/internal/observability"
	"lendledger/internal/oracle"
	"lendledger/internal/transfer"
)

// Config carries the engine's risk parameters and account wiring.
type Config struct {
	// Owner is the only account allowed to change the liquidation
	// threshold.
	Owner string

	// PoolAccount holds pooled deposits and seized collateral on the
	// ValueTransfer side.
	PoolAccount string

	CollateralAsset string
	DebtAsset       string

	// ThresholdPct is the liquidation threshold in percent. A position
	// is liquidatable when collateralValue*100 < debtValue*ThresholdPct.
	// Must be above 100: at 100 a position would only become
	// liquidatable after it is already under-collateralized.
	ThresholdPct uint64

	// BonusPct is the liquidator incentive in percent of seized
	// collateral, in [0, 100].
	BonusPct uint64

	// MaxQuoteAge bounds how old a price quote may be before it is
	// rejected as stale. Zero disables the staleness check.
	MaxQuoteAge time.Duration
}

func (c Config) Validate() error {
	if c.Owner == "" || c.PoolAccount == "" || c.CollateralAsset == "" || c.DebtAsset == "" {
		return fmt.Errorf("%w: owner, pool account and assets must be set", math.ErrInvalidParameter)
	}
	if c.ThresholdPct <= 100 {
		return fmt.Errorf("%w: threshold must exceed 100, got %d", math.ErrInvalidParameter, c.ThresholdPct)
	}
	if c.BonusPct > 100 {
		return fmt.Errorf("%w: bonus must be at most 100, got %d", math.ErrInvalidParameter, c.BonusPct)
	}
	return nil
}

// reentrancyKey marks contexts handed to ValueTransfer calls. A
// transfer implementation that calls back into the engine carries the
// mark and is rejected before it can observe intermediate state.
type reentrancyKey struct{}

func markReentrant(ctx context.Context) context.Context {
	return context.WithValue(ctx, reentrancyKey{}, struct{}{})
}

// Engine serializes all ledger mutations behind one mutex and pairs
// every mutation with its external value transfer, so that concurrent
// callers always observe fully settled state. Successful operations
// emit an event: blocking into the persist channel (no event is ever
// lost), non-blocking into the publish channel (drop on full).
type Engine struct {
	mu           sync.Mutex
	thresholdPct uint64

	cfg    Config
	ledger *ledger.Ledger
	prices oracle.PriceSource
	bank   transfer.ValueTransfer

	persist chan<- event.Envelope
	publish chan<- event.Envelope

	logger   zerolog.Logger
	metrics  *observability.Metrics
	sequence int64
}

// New builds an engine over the given collaborators. persist and
// publish may be nil when no event pipeline is attached.
func New(
	cfg Config,
	lgr *ledger.Ledger,
	prices oracle.PriceSource,
	bank transfer.ValueTransfer,
	persist, publish chan<- event.Envelope,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		thresholdPct: cfg.ThresholdPct,
		cfg:          cfg,
		ledger:       lgr,
		prices:       prices,
		bank:         bank,
		persist:      persist,
		publish:      publish,
		logger:       logger.With().Str("component", "engine").Logger(),
		metrics:      metrics,
	}, nil
}

// Deposit pulls amount of the debt asset from account into the pool
// and credits the depositor's balance.
func (e *Engine) Deposit(ctx context.Context, account string, amount uint64) error {
	return e.run(ctx, "deposit", func(ctx context.Context) error {
		if account == "" || amount == 0 {
			return math.ErrInvalidParameter
		}
		if amount > stdmath.MaxUint64-e.ledger.Balance(account) ||
			amount > stdmath.MaxUint64-e.ledger.TotalDeposits() {
			return math.ErrOverflow
		}

		if err := e.bank.TransferFrom(markReentrant(ctx), e.cfg.DebtAsset, account, e.cfg.PoolAccount, amount); err != nil {
			return fmt.Errorf("%w: deposit pull: %v", ErrTransferFailed, err)
		}
		if err := e.ledger.Deposit(account, amount); err != nil {
			// Unreachable after the pre-checks above; refund to keep
			// ledger and holdings consistent regardless.
			e.compensate(ctx, e.cfg.DebtAsset, account, amount, "deposit")
			return err
		}

		e.emit(event.Deposited{
			Account:   account,
			Amount:    amount,
			Balance:   e.ledger.Balance(account),
			PoolTotal: e.ledger.TotalDeposits(),
		})
		return nil
	})
}

// Withdraw pays amount of the debt asset from the pool back to account
// and debits the depositor's balance.
func (e *Engine) Withdraw(ctx context.Context, account string, amount uint64) error {
	return e.run(ctx, "withdraw", func(ctx context.Context) error {
		if account == "" || amount == 0 {
			return math.ErrInvalidParameter
		}
		if e.ledger.Balance(account) < amount {
			return ledger.ErrInsufficientBalance
		}
		// Disbursed borrows leave the pool below the sum of balances, so
		// the aggregate needs its own check before the payout leg runs.
		if e.ledger.TotalDeposits() < amount {
			return ledger.ErrInsufficientLiquidity
		}

		if err := e.bank.Transfer(markReentrant(ctx), e.cfg.DebtAsset, account, amount); err != nil {
			return fmt.Errorf("%w: withdraw payout: %v", ErrTransferFailed, err)
		}
		if err := e.ledger.Withdraw(account, amount); err != nil {
			// Unreachable: balance and pool were checked under the same
			// lock.
			return err
		}

		e.emit(event.Withdrawn{
			Account:   account,
			Amount:    amount,
			Balance:   e.ledger.Balance(account),
			PoolTotal: e.ledger.TotalDeposits(),
		})
		return nil
	})
}

// OpenPosition pulls collateral from account, disburses borrowAmount
// of the debt asset from the pool, and records the position. An
// account holds at most one position; re-opening fails with
// ErrPositionAlreadyOpen.
func (e *Engine) OpenPosition(ctx context.Context, account string, collateralAmount, borrowAmount uint64) error {
	return e.run(ctx, "open_position", func(ctx context.Context) error {
		if account == "" || collateralAmount == 0 || borrowAmount == 0 {
			return math.ErrInvalidParameter
		}
		if _, ok := e.ledger.Position(account); ok {
			return ledger.ErrPositionAlreadyOpen
		}
		if e.ledger.TotalDeposits() < borrowAmount {
			return ledger.ErrInsufficientLiquidity
		}

		tctx := markReentrant(ctx)
		if err := e.bank.TransferFrom(tctx, e.cfg.CollateralAsset, account, e.cfg.PoolAccount, collateralAmount); err != nil {
			return fmt.Errorf("%w: collateral pull: %v", ErrTransferFailed, err)
		}
		if err := e.bank.Transfer(tctx, e.cfg.DebtAsset, account, borrowAmount); err != nil {
			e.compensate(ctx, e.cfg.CollateralAsset, account, collateralAmount, "open_position")
			return fmt.Errorf("%w: borrow disbursement: %v", ErrTransferFailed, err)
		}

		if err := e.ledger.OpenPosition(account, collateralAmount, borrowAmount, time.Now().UTC()); err != nil {
			// Unreachable: all preconditions were checked above under
			// the same lock.
			return err
		}

		e.emit(event.PositionOpened{
			Account:    account,
			Collateral: collateralAmount,
			Borrow:     borrowAmount,
			PoolTotal:  e.ledger.TotalDeposits(),
		})
		return nil
	})
}

// Liquidate settles an under-collateralized position: the liquidator
// repays the full debt and receives the position's collateral plus the
// bonus, paid out of pooled collateral holdings. Both transfer legs
// settle before any ledger mutation; if the payout leg fails the
// repayment is returned and the position is untouched.
func (e *Engine) Liquidate(ctx context.Context, liquidator, account string) error {
	return e.run(ctx, "liquidate", func(ctx context.Context) error {
		if liquidator == "" || account == "" {
			return math.ErrInvalidParameter
		}
		pos, ok := e.ledger.Position(account)
		if !ok {
			return ledger.ErrPositionNotFound
		}

		collateralValue, debtValue, err := e.positionValues(ctx, pos)
		if err != nil {
			return err
		}
		if !math.IsLiquidatable(collateralValue, debtValue, e.thresholdPct) {
			return ErrNotLiquidatable
		}

		bonus, err := math.LiquidationBonus(pos.Collateral, e.cfg.BonusPct)
		if err != nil {
			return err
		}
		if bonus > stdmath.MaxUint64-pos.Collateral {
			return math.ErrOverflow
		}
		seize := pos.Collateral + bonus
		if pos.Borrow > stdmath.MaxUint64-e.ledger.TotalDeposits() {
			return math.ErrOverflow
		}

		// Repayment leg first: the payout compensation below then only
		// ever returns funds the pool already holds.
		tctx := markReentrant(ctx)
		if err := e.bank.TransferFrom(tctx, e.cfg.DebtAsset, liquidator, e.cfg.PoolAccount, pos.Borrow); err != nil {
			return fmt.Errorf("%w: debt repayment: %v", ErrTransferFailed, err)
		}
		if err := e.bank.Transfer(tctx, e.cfg.CollateralAsset, liquidator, seize); err != nil {
			e.compensate(ctx, e.cfg.DebtAsset, liquidator, pos.Borrow, "liquidate")
			return fmt.Errorf("%w: collateral payout: %v", ErrTransferFailed, err)
		}

		if _, err := e.ledger.ClearPosition(account); err != nil {
			return err
		}
		if err := e.ledger.CreditRepayment(pos.Borrow); err != nil {
			// Unreachable: overflow was checked before the transfers.
			return err
		}

		e.logger.Info().
			Str("borrower", account).
			Str("liquidator", liquidator).
			Uint64("collateral_seized", seize).
			Uint64("debt_repaid", pos.Borrow).
			Uint64("collateral_value", collateralValue).
			Uint64("debt_value", debtValue).
			Msg("position liquidated")

		if e.metrics != nil {
			e.metrics.LiquidationsTotal.Inc()
			e.metrics.CollateralSeized.Add(float64(seize))
			e.metrics.DebtRepaid.Add(float64(pos.Borrow))
		}

		e.emit(event.Liquidated{
			LiquidationID:    uuid.New(),
			Borrower:         account,
			Liquidator:       liquidator,
			CollateralSeized: seize,
			Bonus:            bonus,
			DebtRepaid:       pos.Borrow,
			CollateralValue:  collateralValue,
			DebtValue:        debtValue,
			ThresholdPct:     e.thresholdPct,
			PoolTotal:        e.ledger.TotalDeposits(),
		})
		return nil
	})
}

// SetLiquidationThreshold updates the threshold percentage. Owner
// only; the new value must exceed 100.
func (e *Engine) SetLiquidationThreshold(ctx context.Context, caller string, newPct uint64) error {
	return e.run(ctx, "set_threshold", func(ctx context.Context) error {
		if caller != e.cfg.Owner {
			return ErrNotOwner
		}
		if newPct <= 100 {
			return fmt.Errorf("%w: threshold must exceed 100, got %d", math.ErrInvalidParameter, newPct)
		}

		old := e.thresholdPct
		e.thresholdPct = newPct

		e.logger.Info().Uint64("old_pct", old).Uint64("new_pct", newPct).Msg("liquidation threshold updated")
		e.emit(event.ThresholdUpdated{OldPct: old, NewPct: newPct, UpdatedBy: caller})
		return nil
	})
}

// --- Read-only queries ---

// The queries take the caller's context for the same reason the
// mutations do: a ValueTransfer implementation calling back into the
// engine carries the reentrancy mark and is rejected instead of
// deadlocking on the engine mutex.

func (e *Engine) Balance(ctx context.Context, account string) (uint64, error) {
	if err := e.lock(ctx); err != nil {
		return 0, err
	}
	defer e.mu.Unlock()
	return e.ledger.Balance(account), nil
}

// Position returns the account's open position, or
// ledger.ErrPositionNotFound when it has none.
func (e *Engine) Position(ctx context.Context, account string) (ledger.Position, error) {
	if err := e.lock(ctx); err != nil {
		return ledger.Position{}, err
	}
	defer e.mu.Unlock()
	pos, ok := e.ledger.Position(account)
	if !ok {
		return ledger.Position{}, ledger.ErrPositionNotFound
	}
	return pos, nil
}

func (e *Engine) PoolDeposits(ctx context.Context) (uint64, error) {
	if err := e.lock(ctx); err != nil {
		return 0, err
	}
	defer e.mu.Unlock()
	return e.ledger.TotalDeposits(), nil
}

func (e *Engine) LiquidationThreshold(ctx context.Context) (uint64, error) {
	if err := e.lock(ctx); err != nil {
		return 0, err
	}
	defer e.mu.Unlock()
	return e.thresholdPct, nil
}

// PositionHealth values the account's position at current prices and
// returns its scaled health factor together with whether it is
// currently liquidatable.
func (e *Engine) PositionHealth(ctx context.Context, account string) (healthFactor uint64, liquidatable bool, err error) {
	if err := e.lock(ctx); err != nil {
		return 0, false, err
	}
	defer e.mu.Unlock()

	pos, ok := e.ledger.Position(account)
	if !ok {
		return 0, false, ledger.ErrPositionNotFound
	}
	collateralValue, debtValue, err := e.positionValues(ctx, pos)
	if err != nil {
		return 0, false, err
	}
	return math.HealthFactor(collateralValue, debtValue),
		math.IsLiquidatable(collateralValue, debtValue, e.thresholdPct),
		nil
}

// --- Internals ---

// lock rejects marked contexts and acquires the engine mutex. Every
// entry point goes through it, so a transfer implementation calling
// back in gets ErrReentrantCall instead of a self-deadlock.
func (e *Engine) lock(ctx context.Context) error {
	if ctx.Value(reentrancyKey{}) != nil {
		return ErrReentrantCall
	}
	e.mu.Lock()
	return nil
}

// run is the common mutation wrapper: reentrancy rejection before the
// lock, the global mutex for the operation's duration, and metrics.
func (e *Engine) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := e.lock(ctx); err != nil {
		if e.metrics != nil {
			e.metrics.OperationsFailed.WithLabelValues(op, "reentrant").Inc()
		}
		return err
	}
	defer e.mu.Unlock()

	start := time.Now()
	err := fn(ctx)

	if e.metrics != nil {
		e.metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err != nil {
			reason := failReason(err)
			e.metrics.OperationsFailed.WithLabelValues(op, reason).Inc()
			if op == "liquidate" {
				e.metrics.LiquidationsRejected.WithLabelValues(reason).Inc()
			}
		} else {
			e.metrics.OperationsTotal.WithLabelValues(op).Inc()
			e.metrics.PoolDeposits.Set(float64(e.ledger.TotalDeposits()))
			e.metrics.OpenPositions.Set(float64(e.ledger.OpenPositions()))
		}
	}
	return err
}

// positionValues queries both prices, rejects non-positive or stale
// quotes, and normalizes the two values to the larger decimal scale so
// they are directly comparable.
func (e *Engine) positionValues(ctx context.Context, pos ledger.Position) (collateralValue, debtValue uint64, err error) {
	collQuote, err := e.prices.CollateralPrice(ctx)
	if err != nil {
		if e.metrics != nil {
			e.metrics.PriceLookupErrors.WithLabelValues("collateral").Inc()
		}
		return 0, 0, fmt.Errorf("%w: collateral quote: %v", ErrInvalidPrice, err)
	}
	debtQuote, err := e.prices.DebtPrice(ctx)
	if err != nil {
		if e.metrics != nil {
			e.metrics.PriceLookupErrors.WithLabelValues("debt").Inc()
		}
		return 0, 0, fmt.Errorf("%w: debt quote: %v", ErrInvalidPrice, err)
	}
	if err := e.checkQuote("collateral", collQuote); err != nil {
		return 0, 0, err
	}
	if err := e.checkQuote("debt", debtQuote); err != nil {
		return 0, 0, err
	}

	target := collQuote.Decimals
	if debtQuote.Decimals > target {
		target = debtQuote.Decimals
	}
	collateralValue, err = math.NormalizedValue(pos.Collateral, collQuote.Price, collQuote.Decimals, target)
	if err != nil {
		return 0, 0, err
	}
	debtValue, err = math.NormalizedValue(pos.Borrow, debtQuote.Price, debtQuote.Decimals, target)
	if err != nil {
		return 0, 0, err
	}
	return collateralValue, debtValue, nil
}

func (e *Engine) checkQuote(asset string, q oracle.Quote) error {
	if q.Price == 0 {
		if e.metrics != nil {
			e.metrics.StaleQuotes.Inc()
		}
		return fmt.Errorf("%w: %s price is zero", ErrInvalidPrice, asset)
	}
	if e.cfg.MaxQuoteAge > 0 && time.Since(q.UpdatedAt) > e.cfg.MaxQuoteAge {
		if e.metrics != nil {
			e.metrics.StaleQuotes.Inc()
		}
		return fmt.Errorf("%w: %s quote is stale (updated %s ago)", ErrInvalidPrice, asset, time.Since(q.UpdatedAt).Round(time.Millisecond))
	}
	return nil
}

// compensate returns already-settled funds to their origin after a
// later step failed. A failed compensation leaves the external
// holdings ahead of the ledger; that is logged loudly since it needs
// operator reconciliation.
func (e *Engine) compensate(ctx context.Context, asset, to string, amount uint64, op string) {
	if err := e.bank.Transfer(markReentrant(ctx), asset, to, amount); err != nil {
		e.logger.Error().
			Err(err).
			Str("operation", op).
			Str("asset", asset).
			Str("account", to).
			Uint64("amount", amount).
			Msg("compensating transfer failed, holdings need reconciliation")
	}
}

// emit assigns the next sequence and fans the event out. The persist
// send blocks so the durable log never misses an event; the publish
// send drops when the consumer lags.
func (e *Engine) emit(p event.Payload) {
	e.sequence++
	env := event.NewEnvelope(e.sequence, time.Now().UTC(), p)

	if e.metrics != nil {
		e.metrics.EngineSequence.Set(float64(e.sequence))
	}
	if e.persist != nil {
		select {
		case e.persist <- env:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persist <- env
		}
	}
	if e.publish != nil {
		select {
		case e.publish <- env:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}
}

func failReason(err error) string {
	switch {
	case errors.Is(err, math.ErrInvalidParameter):
		return "invalid_parameter"
	case errors.Is(err, math.ErrOverflow):
		return "overflow"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ledger.ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	case errors.Is(err, ledger.ErrPositionNotFound):
		return "position_not_found"
	case errors.Is(err, ledger.ErrPositionAlreadyOpen):
		return "position_already_open"
	case errors.Is(err, ErrNotLiquidatable):
		return "not_liquidatable"
	case errors.Is(err, ErrInvalidPrice):
		return "invalid_price"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ErrNotOwner):
		return "not_owner"
	default:
		return "internal"
	}
}
