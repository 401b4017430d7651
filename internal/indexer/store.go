package indexer

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/coldbell/custody/backend/internal/clock"
	"github.com/coldbell/custody/backend/internal/config"
	"github.com/coldbell/custody/backend/internal/custody"
	"github.com/gagliardetto/solana-go"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var ErrRecordNotFound = errors.New("custody record not found")

type Store struct {
	db     *DB
	driver string
}

type DB struct {
	raw    *sql.DB
	rebind bool
}

type Tx struct {
	raw    *sql.Tx
	rebind bool
}

func bind(rebind bool, query string) string {
	if !rebind {
		return query
	}
	return rebindPostgresPlaceholders(query)
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, bind(db.rebind, query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.raw.QueryContext(ctx, bind(db.rebind, query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, bind(db.rebind, query), args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{raw: tx, rebind: db.rebind}, nil
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.raw.ExecContext(ctx, bind(tx.rebind, query), args...)
}

func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.raw.QueryRowContext(ctx, bind(tx.rebind, query), args...)
}

func (tx *Tx) Commit() error {
	return tx.raw.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.raw.Rollback()
}

func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// SQL escape: two single quotes inside a string literal.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func sqlDriverName(driver string) (string, error) {
	switch driver {
	case config.DriverPostgres:
		return "pgx", nil
	case config.DriverSQLite:
		return "sqlite", nil
	default:
		return "", fmt.Errorf("unsupported db driver %q", driver)
	}
}

func NewStore(driver, dbDSN string) (*Store, error) {
	name, err := sqlDriverName(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(name, dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	if driver == config.DriverSQLite {
		// one writer; an in-memory database also lives only as long as its connection
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxIdleConns(4)
		db.SetMaxOpenConns(16)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	store := newStoreWithDB(db, driver)
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func newStoreWithDB(db *sql.DB, driver string) *Store {
	return &Store{db: &DB{raw: db, rebind: driver == config.DriverPostgres}, driver: driver}
}

func (s *Store) Driver() string { return s.driver }

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS sync_state (
			id BIGINT PRIMARY KEY CHECK (id = 1),
			last_slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS custody_records (
			pubkey TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			deadline_kind TEXT NOT NULL,
			deadline BIGINT NOT NULL,
			amount TEXT NOT NULL,
			counterparty TEXT NOT NULL,
			history_len INTEGER NOT NULL,
			lamports TEXT NOT NULL,
			data_b64 TEXT NOT NULL,
			slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_custody_records_status_deadline ON custody_records(status, deadline);`,
		`CREATE INDEX IF NOT EXISTS idx_custody_records_counterparty ON custody_records(counterparty);`,
		`CREATE TABLE IF NOT EXISTS custody_events (
			pubkey TEXT NOT NULL,
			slot BIGINT NOT NULL,
			event_type TEXT NOT NULL,
			prev_status TEXT NOT NULL,
			next_status TEXT NOT NULL,
			prev_amount TEXT NOT NULL,
			next_amount TEXT NOT NULL,
			prev_counterparty TEXT NOT NULL,
			next_counterparty TEXT NOT NULL,
			recorded_at BIGINT NOT NULL,
			PRIMARY KEY (pubkey, slot)
		);`,
	}

	for _, query := range ddl {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *Store) UpsertSyncStateTx(ctx context.Context, tx *Tx, slot uint64) error {
	now := time.Now().Unix()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_state (id, last_slot, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_slot = excluded.last_slot,
			updated_at = excluded.updated_at
	`, int64(slot), now)
	return err
}

func (s *Store) LastSyncedSlot(ctx context.Context) (uint64, error) {
	var slot int64
	err := s.db.QueryRowContext(ctx, `SELECT last_slot FROM sync_state WHERE id = 1`).Scan(&slot)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(slot), nil
}

type recordState struct {
	Status       string
	Amount       string
	Counterparty string
}

const (
	EventCreated         = "created"
	EventAmountChanged   = "amount_changed"
	EventClaimantChanged = "claimant_changed"
	EventStatusChanged   = "status_changed"
)

// classifyEvent returns "" when nothing a client cares about changed.
func classifyEvent(prev *recordState, next recordState) string {
	switch {
	case prev == nil:
		return EventCreated
	case prev.Status != next.Status:
		return EventStatusChanged
	case prev.Counterparty != next.Counterparty:
		return EventClaimantChanged
	case prev.Amount != next.Amount:
		return EventAmountChanged
	default:
		return ""
	}
}

// UpsertRecordTx stores the decoded custody account and appends an event when
// its status, claimant or amount moved since the last sync. It returns the event type.
func (s *Store) UpsertRecordTx(ctx context.Context, tx *Tx, pubkey solana.PublicKey, slot uint64, lamports uint64, data []byte) (string, error) {
	rec, err := custody.Decode(data)
	if err != nil {
		return "", err
	}

	pubkeyText := pubkey.String()
	next := recordState{
		Status:       rec.Status.String(),
		Amount:       strconv.FormatUint(rec.Amount, 10),
		Counterparty: counterpartyText(rec.Counterparty),
	}
	prev, err := s.getRecordStateTx(ctx, tx, pubkeyText)
	if err != nil {
		return "", err
	}

	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO custody_records (
			pubkey, status, deadline_kind, deadline, amount, counterparty,
			history_len, lamports, data_b64, slot, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			status = excluded.status,
			deadline_kind = excluded.deadline_kind,
			deadline = excluded.deadline,
			amount = excluded.amount,
			counterparty = excluded.counterparty,
			history_len = excluded.history_len,
			lamports = excluded.lamports,
			data_b64 = excluded.data_b64,
			slot = excluded.slot,
			updated_at = excluded.updated_at
	`,
		pubkeyText,
		next.Status,
		rec.Deadline.Kind().String(),
		deadlineColumn(rec.Deadline),
		next.Amount,
		next.Counterparty,
		len(rec.History),
		strconv.FormatUint(lamports, 10),
		base64.StdEncoding.EncodeToString(data),
		int64(slot),
		now,
	)
	if err != nil {
		return "", err
	}

	eventType := classifyEvent(prev, next)
	if eventType == "" {
		return "", nil
	}
	if prev == nil {
		prev = &recordState{Status: custody.StatusUninitialized.String(), Amount: "0"}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO custody_events (
			pubkey, slot, event_type,
			prev_status, next_status, prev_amount, next_amount,
			prev_counterparty, next_counterparty, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey, slot) DO NOTHING
	`,
		pubkeyText,
		int64(slot),
		eventType,
		prev.Status,
		next.Status,
		prev.Amount,
		next.Amount,
		prev.Counterparty,
		next.Counterparty,
		now,
	)
	if err != nil {
		return "", err
	}
	return eventType, nil
}

func (s *Store) getRecordStateTx(ctx context.Context, tx *Tx, pubkey string) (*recordState, error) {
	row := tx.QueryRowContext(ctx, `SELECT status, amount, counterparty FROM custody_records WHERE pubkey = ?`, pubkey)
	var state recordState
	err := row.Scan(&state.Status, &state.Amount, &state.Counterparty)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// deadlineColumn maps a reading onto the signed deadline column. Unsigned
// readings past MaxInt64 clamp so index order still follows the reading.
func deadlineColumn(r clock.Reading) int64 {
	if !r.Kind().Signed() && r.Uint64() > math.MaxInt64 {
		return math.MaxInt64
	}
	return r.Int64()
}

func counterpartyText(key solana.PublicKey) string {
	if key.IsZero() {
		return ""
	}
	return key.String()
}
