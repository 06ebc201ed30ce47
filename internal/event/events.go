package event

import (
	"time"

	"github.com/google/uuid"
)

// Kind discriminator for event payloads
type Kind int32

const (
	KindUnknown Kind = iota
	KindDeposited
	KindWithdrawn
	KindPositionOpened
	KindLiquidated
	KindThresholdUpdated
)

func (k Kind) String() string {
	switch k {
	case KindDeposited:
		return "Deposited"
	case KindWithdrawn:
		return "Withdrawn"
	case KindPositionOpened:
		return "PositionOpened"
	case KindLiquidated:
		return "Liquidated"
	case KindThresholdUpdated:
		return "ThresholdUpdated"
	default:
		return "Unknown"
	}
}

// Subject returns the NATS subject an event of this kind is published
// on.
func (k Kind) Subject() string {
	return "lend.ledger.events." + k.String()
}

// Payload is implemented by all event payloads.
type Payload interface {
	Kind() Kind
}

// Envelope wraps every emitted event. Sequence is the engine's global
// monotonic counter; EventID is the stable identity used for
// idempotent persistence and downstream dedup.
type Envelope struct {
	Sequence  int64     `json:"sequence"`
	EventID   uuid.UUID `json:"event_id"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
}

// NewEnvelope stamps a payload with sequence, identity and time.
func NewEnvelope(sequence int64, ts time.Time, p Payload) Envelope {
	return Envelope{
		Sequence:  sequence,
		EventID:   uuid.New(),
		Kind:      p.Kind(),
		Timestamp: ts,
		Payload:   p,
	}
}

// Deposited is emitted after a deposit settles. Balance and PoolTotal
// are the post-operation values.
type Deposited struct {
	Account   string `json:"account"`
	Amount    uint64 `json:"amount"`
	Balance   uint64 `json:"balance"`
	PoolTotal uint64 `json:"pool_total"`
}

func (Deposited) Kind() Kind { return KindDeposited }

type Withdrawn struct {
	Account   string `json:"account"`
	Amount    uint64 `json:"amount"`
	Balance   uint64 `json:"balance"`
	PoolTotal uint64 `json:"pool_total"`
}

func (Withdrawn) Kind() Kind { return KindWithdrawn }

type PositionOpened struct {
	Account    string `json:"account"`
	Collateral uint64 `json:"collateral"`
	Borrow     uint64 `json:"borrow"`
	PoolTotal  uint64 `json:"pool_total"`
}

func (PositionOpened) Kind() Kind { return KindPositionOpened }

// Liquidated records a completed liquidation settlement.
// CollateralValue and DebtValue are the normalized values the decision
// was made on.
type Liquidated struct {
	LiquidationID    uuid.UUID `json:"liquidation_id"`
	Borrower         string    `json:"borrower"`
	Liquidator       string    `json:"liquidator"`
	CollateralSeized uint64    `json:"collateral_seized"`
	Bonus            uint64    `json:"bonus"`
	DebtRepaid       uint64    `json:"debt_repaid"`
	CollateralValue  uint64    `json:"collateral_value"`
	DebtValue        uint64    `json:"debt_value"`
	ThresholdPct     uint64    `json:"threshold_pct"`
	PoolTotal        uint64    `json:"pool_total"`
}

func (Liquidated) Kind() Kind { return KindLiquidated }

type ThresholdUpdated struct {
	OldPct    uint64 `json:"old_pct"`
	NewPct    uint64 `json:"new_pct"`
	UpdatedBy string `json:"updated_by"`
}

func (ThresholdUpdated) Kind() Kind { return KindThresholdUpdated }
