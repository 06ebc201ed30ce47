package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// HistoryService provides read-only access to the persisted event log
// and liquidation history. Live state is served by the engine; this
// covers everything that outlives it.
type HistoryService struct {
	db *sql.DB
}

func NewHistoryService(db *sql.DB) *HistoryService {
	return &HistoryService{db: db}
}

// LiquidationRecord is one settled liquidation. Amounts are uint64
// base units carried as decimal strings from NUMERIC columns.
type LiquidationRecord struct {
	LiquidationID    string    `json:"liquidation_id"`
	Borrower         string    `json:"borrower"`
	Liquidator       string    `json:"liquidator"`
	CollateralSeized string    `json:"collateral_seized"`
	Bonus            string    `json:"bonus"`
	DebtRepaid       string    `json:"debt_repaid"`
	PoolTotal        string    `json:"pool_total"`
	CreatedAt        time.Time `json:"created_at"`
}

// Liquidations returns liquidation history, newest first. When
// borrower is non-empty only that account's liquidations are returned.
func (s *HistoryService) Liquidations(ctx context.Context, borrower string, limit int) ([]LiquidationRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT liquidation_id, borrower, liquidator,
		collateral_seized, bonus, debt_repaid, pool_total, created_at
		FROM lend_liquidations`
	args := []interface{}{}
	if borrower != "" {
		query += ` WHERE borrower = $1`
		args = append(args, borrower)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query liquidations: %w", err)
	}
	defer rows.Close()

	var records []LiquidationRecord
	for rows.Next() {
		var r LiquidationRecord
		if err := rows.Scan(
			&r.LiquidationID, &r.Borrower, &r.Liquidator,
			&r.CollateralSeized, &r.Bonus, &r.DebtRepaid, &r.PoolTotal,
			&r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan liquidation: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// EventRecord is one persisted engine event.
type EventRecord struct {
	Sequence  int64           `json:"sequence"`
	EventID   string          `json:"event_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Events returns persisted events starting at fromSequence, ascending.
func (s *HistoryService) Events(ctx context.Context, fromSequence int64, limit int) ([]EventRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, event_id, kind, payload, created_at
		 FROM lend_events
		 WHERE sequence >= $1
		 ORDER BY sequence ASC
		 LIMIT $2`,
		fromSequence, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var records []EventRecord
	for rows.Next() {
		var r EventRecord
		if err := rows.Scan(&r.Sequence, &r.EventID, &r.Kind, &r.Payload, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// LastSequence returns the highest persisted sequence, or zero when
// the log is empty.
func (s *HistoryService) LastSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM lend_events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("query last sequence: %w", err)
	}
	return seq.Int64, nil
}
