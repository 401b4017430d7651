package indexer

import (
	"context"
	"database/sql"
	"math"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/coldbell/custody/backend/internal/clock"
	"github.com/coldbell/custody/backend/internal/config"
	"github.com/coldbell/custody/backend/internal/custody"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebindPostgresPlaceholders(t *testing.T) {
	cases := map[string]string{
		"SELECT * FROM t WHERE a = ? AND b = ?": "SELECT * FROM t WHERE a = $1 AND b = $2",
		"SELECT '?' FROM t WHERE a = ?":         "SELECT '?' FROM t WHERE a = $1",
		"SELECT 'it''s ?' WHERE a = ?":          "SELECT 'it''s ?' WHERE a = $1",
		"SELECT 1":                              "SELECT 1",
	}
	for in, want := range cases {
		assert.Equal(t, want, rebindPostgresPlaceholders(in))
	}
}

func TestClassifyEvent(t *testing.T) {
	base := recordState{Status: "open", Amount: "100", Counterparty: "a"}

	assert.Equal(t, EventCreated, classifyEvent(nil, base))
	assert.Equal(t, "", classifyEvent(&base, base))

	next := base
	next.Amount = "200"
	assert.Equal(t, EventAmountChanged, classifyEvent(&base, next))

	next.Counterparty = "b"
	assert.Equal(t, EventClaimantChanged, classifyEvent(&base, next))

	next.Status = "settled"
	assert.Equal(t, EventStatusChanged, classifyEvent(&base, next))
}

func TestSQLDriverName(t *testing.T) {
	name, err := sqlDriverName(config.DriverPostgres)
	require.NoError(t, err)
	assert.Equal(t, "pgx", name)

	name, err = sqlDriverName(config.DriverSQLite)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", name)

	_, err = sqlDriverName("mysql")
	assert.Error(t, err)
}

func TestPostgresLastSyncedSlot(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := newStoreWithDB(db, config.DriverPostgres)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT last_slot FROM sync_state WHERE id = 1")).
		WillReturnRows(sqlmock.NewRows([]string{"last_slot"}).AddRow(int64(4242)))
	slot, err := store.LastSyncedSlot(ctx)
	assert.NoError(t, err)
	assert.Equal(t, uint64(4242), slot)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT last_slot FROM sync_state WHERE id = 1")).
		WillReturnError(sql.ErrNoRows)
	slot, err = store.LastSyncedSlot(ctx)
	assert.NoError(t, err)
	assert.Zero(t, slot)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetRecordRebindsPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := newStoreWithDB(db, config.DriverPostgres)

	mock.ExpectQuery(regexp.QuoteMeta("FROM custody_records WHERE pubkey = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"pubkey"}))
	_, err = store.GetRecord(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE 1 = 1 AND status = $1")+`(?s).*`+regexp.QuoteMeta("LIMIT $2 OFFSET $3")).
		WithArgs("open", 50, 0).
		WillReturnRows(sqlmock.NewRows([]string{
			"pubkey", "status", "deadline_kind", "deadline", "amount", "counterparty",
			"history_len", "lamports", "data_b64", "slot", "updated_at",
		}).AddRow("pk", "open", "slot", int64(1000), "5", "", 0, "5", "", int64(10), int64(1)))
	items, limit, offset, err := store.ListRecords(context.Background(), RecordFilter{Status: "open"})
	require.NoError(t, err)
	assert.Equal(t, 50, limit)
	assert.Zero(t, offset)
	require.Len(t, items, 1)
	assert.Equal(t, uint64(10), items[0].Slot)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(config.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func encodeRecord(t *testing.T, rec custody.Record) []byte {
	t.Helper()
	data, err := custody.Encode(rec)
	require.NoError(t, err)
	return data
}

func TestSQLiteRecordLifecycle(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	key := solana.NewWallet().PublicKey()
	bidder := solana.NewWallet().PublicKey()

	open := custody.Record{Deadline: clock.Slot(1000), Status: custody.StatusOpen}
	bid := custody.Record{Deadline: clock.Slot(1000), Amount: 1500, Counterparty: bidder, Status: custody.StatusOpen}
	settled := bid
	settled.Amount = 0
	settled.Status = custody.StatusSettled

	steps := []struct {
		slot  uint64
		rec   custody.Record
		event string
	}{
		{10, open, EventCreated},
		{11, open, ""},
		{12, bid, EventClaimantChanged},
		{13, settled, EventStatusChanged},
	}
	for _, step := range steps {
		var eventType string
		err := store.WithTx(ctx, func(tx *Tx) error {
			var err error
			eventType, err = store.UpsertRecordTx(ctx, tx, key, step.slot, 2_000_000, encodeRecord(t, step.rec))
			if err != nil {
				return err
			}
			return store.UpsertSyncStateTx(ctx, tx, step.slot)
		})
		require.NoError(t, err)
		assert.Equal(t, step.event, eventType, "slot %d", step.slot)
	}

	lastSlot, err := store.LastSyncedSlot(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(13), lastSlot)

	row, err := store.GetRecord(ctx, key.String())
	require.NoError(t, err)
	assert.Equal(t, "settled", row.Status)
	assert.Equal(t, "slot", row.DeadlineKind)
	assert.Equal(t, int64(1000), row.Deadline)
	assert.Equal(t, "0", row.Amount)
	assert.Equal(t, bidder.String(), row.Counterparty)
	assert.Equal(t, "2000000", row.Lamports)
	data, err := row.Data()
	require.NoError(t, err)
	assert.Equal(t, encodeRecord(t, settled), data)

	events, _, _, err := store.ListEvents(ctx, EventFilter{Pubkey: key.String()})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, EventStatusChanged, events[0].EventType)
	assert.Equal(t, "open", events[0].PrevStatus)
	assert.Equal(t, "settled", events[0].NextStatus)
	assert.Equal(t, EventCreated, events[2].EventType)
	assert.Equal(t, "uninitialized", events[2].PrevStatus)

	_, err = store.GetRecord(ctx, solana.NewWallet().PublicKey().String())
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestSQLiteListRecordsFilters(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	owner := solana.NewWallet().PublicKey()

	keys := []solana.PublicKey{solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()}
	recs := []custody.Record{
		{Deadline: clock.Slot(300), Amount: 1, Counterparty: owner, Status: custody.StatusOpen},
		{Deadline: clock.Slot(100), Amount: 2, Counterparty: owner, Status: custody.StatusOpen},
		{Deadline: clock.Slot(200), Amount: 3, Status: custody.StatusExpired},
	}
	err := store.WithTx(ctx, func(tx *Tx) error {
		for i := range keys {
			if _, err := store.UpsertRecordTx(ctx, tx, keys[i], 5, 0, encodeRecord(t, recs[i])); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	items, _, _, err := store.ListRecords(ctx, RecordFilter{Status: "open"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, keys[1].String(), items[0].Pubkey)
	assert.Equal(t, keys[0].String(), items[1].Pubkey)

	items, _, _, err = store.ListRecords(ctx, RecordFilter{Counterparty: owner.String(), Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, keys[0].String(), items[0].Pubkey)

	items, limit, _, err := store.ListRecords(ctx, RecordFilter{Limit: 10_000})
	require.NoError(t, err)
	assert.Len(t, items, 3)
	assert.Equal(t, maxPageLimit, limit)
}

func TestUpsertRecordRejectsCorruptData(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	err := store.WithTx(ctx, func(tx *Tx) error {
		_, err := store.UpsertRecordTx(ctx, tx, solana.NewWallet().PublicKey(), 1, 0, []byte{1, 2, 3})
		return err
	})
	assert.ErrorIs(t, err, custody.ErrCorruptRecord)
}

func TestSQLiteDeadlineColumnKeepsOrder(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	far := solana.NewWallet().PublicKey()
	near := solana.NewWallet().PublicKey()
	past := solana.NewWallet().PublicKey()

	err := store.WithTx(ctx, func(tx *Tx) error {
		for key, rec := range map[solana.PublicKey]custody.Record{
			far:  {Deadline: clock.Slot(math.MaxUint64), Status: custody.StatusOpen},
			near: {Deadline: clock.Slot(100), Status: custody.StatusOpen},
			past: {Deadline: clock.UnixTimestamp(-60), Status: custody.StatusExpired},
		} {
			if _, err := store.UpsertRecordTx(ctx, tx, key, 1, 0, encodeRecord(t, rec)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	items, _, _, err := store.ListRecords(ctx, RecordFilter{Status: "open"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, near.String(), items[0].Pubkey)
	assert.Equal(t, far.String(), items[1].Pubkey)
	assert.Equal(t, int64(math.MaxInt64), items[1].Deadline)

	row, err := store.GetRecord(ctx, far.String())
	require.NoError(t, err)
	data, err := row.Data()
	require.NoError(t, err)
	rec, err := custody.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), rec.Deadline.Uint64())

	row, err = store.GetRecord(ctx, past.String())
	require.NoError(t, err)
	assert.Equal(t, int64(-60), row.Deadline)
}
