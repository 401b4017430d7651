package indexer

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

type RecordFilter struct {
	Status       string
	Counterparty string
	Limit        int
	Offset       int
}

type RecordRow struct {
	Pubkey       string `json:"pubkey"`
	Status       string `json:"status"`
	DeadlineKind string `json:"deadline_kind"`
	Deadline     int64  `json:"deadline"`
	Amount       string `json:"amount"`
	Counterparty string `json:"counterparty"`
	HistoryLen   int    `json:"history_len"`
	Lamports     string `json:"lamports"`
	DataBase64   string `json:"data_b64"`
	Slot         uint64 `json:"slot"`
	UpdatedAt    int64  `json:"updated_at"`
}

// Data returns the raw account bytes the row was decoded from.
func (r RecordRow) Data() ([]byte, error) {
	return base64.StdEncoding.DecodeString(r.DataBase64)
}

type EventFilter struct {
	Pubkey string
	Limit  int
	Offset int
}

type EventRow struct {
	Pubkey           string `json:"pubkey"`
	Slot             uint64 `json:"slot"`
	EventType        string `json:"event_type"`
	PrevStatus       string `json:"prev_status"`
	NextStatus       string `json:"next_status"`
	PrevAmount       string `json:"prev_amount"`
	NextAmount       string `json:"next_amount"`
	PrevCounterparty string `json:"prev_counterparty"`
	NextCounterparty string `json:"next_counterparty"`
	RecordedAt       int64  `json:"recorded_at"`
}

const recordColumns = `
	pubkey,
	status,
	deadline_kind,
	deadline,
	amount,
	counterparty,
	history_len,
	lamports,
	data_b64,
	slot,
	updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (RecordRow, error) {
	var item RecordRow
	var slot int64
	err := row.Scan(
		&item.Pubkey,
		&item.Status,
		&item.DeadlineKind,
		&item.Deadline,
		&item.Amount,
		&item.Counterparty,
		&item.HistoryLen,
		&item.Lamports,
		&item.DataBase64,
		&slot,
		&item.UpdatedAt,
	)
	item.Slot = uint64(slot)
	return item, err
}

func (s *Store) ListRecords(ctx context.Context, filter RecordFilter) ([]RecordRow, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 4)

	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Counterparty != "" {
		clauses = append(clauses, "counterparty = ?")
		args = append(args, filter.Counterparty)
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM custody_records
		WHERE %s
		ORDER BY deadline ASC, pubkey ASC
		LIMIT ? OFFSET ?
	`, recordColumns, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]RecordRow, 0, limit)
	for rows.Next() {
		item, err := scanRecord(rows)
		if err != nil {
			return nil, 0, 0, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}
	return items, limit, offset, nil
}

func (s *Store) GetRecord(ctx context.Context, pubkey string) (RecordRow, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM custody_records WHERE pubkey = ?`, recordColumns), pubkey)
	item, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RecordRow{}, fmt.Errorf("%w: %s", ErrRecordNotFound, pubkey)
	}
	if err != nil {
		return RecordRow{}, err
	}
	return item, nil
}

func (s *Store) ListEvents(ctx context.Context, filter EventFilter) ([]EventRow, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 3)
	if filter.Pubkey != "" {
		clauses = append(clauses, "pubkey = ?")
		args = append(args, filter.Pubkey)
	}

	query := fmt.Sprintf(`
		SELECT
			pubkey,
			slot,
			event_type,
			prev_status,
			next_status,
			prev_amount,
			next_amount,
			prev_counterparty,
			next_counterparty,
			recorded_at
		FROM custody_events
		WHERE %s
		ORDER BY slot DESC, pubkey ASC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]EventRow, 0, limit)
	for rows.Next() {
		var item EventRow
		var slot int64
		if err := rows.Scan(
			&item.Pubkey,
			&slot,
			&item.EventType,
			&item.PrevStatus,
			&item.NextStatus,
			&item.PrevAmount,
			&item.NextAmount,
			&item.PrevCounterparty,
			&item.NextCounterparty,
			&item.RecordedAt,
		); err != nil {
			return nil, 0, 0, err
		}
		item.Slot = uint64(slot)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}
	return items, limit, offset, nil
}

func normalizePagination(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
