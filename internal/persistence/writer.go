package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// EventLogWriter writes the engine's event log and liquidation history
// to Postgres using multi-row INSERTs with ON CONFLICT DO NOTHING, so
// a retried batch never duplicates rows.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow is one row of lend_events.
type EventRow struct {
	Sequence  int64
	EventID   string
	Kind      string
	Payload   []byte // JSON-encoded payload
	Timestamp time.Time
}

// LiquidationRow is one row of lend_liquidations. Amounts are uint64
// base units, stored as NUMERIC(20,0).
type LiquidationRow struct {
	LiquidationID    string
	Borrower         string
	Liquidator       string
	CollateralSeized uint64
	Bonus            uint64
	DebtRepaid       uint64
	PoolTotal        uint64
	Timestamp        time.Time
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch inserts a batch of event rows within tx.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO lend_events
		(sequence, event_id, kind, payload, created_at)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*5)

	for i, e := range events {
		base := i * 5
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5,
		))
		args = append(args, e.Sequence, e.EventID, e.Kind, e.Payload, e.Timestamp)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteLiquidationBatch inserts a batch of liquidation rows within tx.
func (w *EventLogWriter) WriteLiquidationBatch(ctx context.Context, tx *sql.Tx, rows []LiquidationRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO lend_liquidations
		(liquidation_id, borrower, liquidator, collateral_seized, bonus, debt_repaid, pool_total, created_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*8)

	for i, r := range rows {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			r.LiquidationID, r.Borrower, r.Liquidator,
			fmt.Sprintf("%d", r.CollateralSeized),
			fmt.Sprintf("%d", r.Bonus),
			fmt.Sprintf("%d", r.DebtRepaid),
			fmt.Sprintf("%d", r.PoolTotal),
			r.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (liquidation_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
