package clock

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingOracle struct {
	snapshot Snapshot
	err      error
	calls    int
}

func (o *countingOracle) Clock(context.Context) (Snapshot, error) {
	o.calls++
	if o.err != nil {
		return Snapshot{}, o.err
	}
	snap := o.snapshot
	// each call sees a later slot, so a second read would be visible
	o.snapshot.Slot++
	return snap, nil
}

func TestSnapshotCodec(t *testing.T) {
	in := Snapshot{
		Slot:                0x0102,
		EpochStartTimestamp: 1_700_000_000,
		Epoch:               678,
		LeaderScheduleEpoch: 679,
		UnixTimestamp:       1_700_123_456,
	}
	data, err := EncodeSnapshot(in)
	require.NoError(t, err)
	require.Len(t, data, SnapshotWidth)
	assert.Equal(t, []byte{0x02, 0x01, 0, 0, 0, 0, 0, 0}, data[:8])

	out, err := DecodeSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = DecodeSnapshot(data[:SnapshotWidth-1])
	assert.Error(t, err)
}

func TestSnapshotReading(t *testing.T) {
	snap := Snapshot{Slot: 1, EpochStartTimestamp: 2, Epoch: 3, LeaderScheduleEpoch: 4, UnixTimestamp: 5}
	cases := map[Kind]Reading{
		KindSlot:                Slot(1),
		KindEpochStartTimestamp: EpochStartTimestamp(2),
		KindEpoch:               Epoch(3),
		KindLeaderScheduleEpoch: LeaderScheduleEpoch(4),
		KindUnixTimestamp:       UnixTimestamp(5),
	}
	for kind, want := range cases {
		got, err := snap.Reading(kind)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := snap.Reading(0)
	assert.ErrorIs(t, err, ErrSignalMismatch)
}

func TestAdapterRejectsUntrustedSignal(t *testing.T) {
	oracle := &countingOracle{snapshot: Snapshot{Slot: 10}}
	adapter := NewAdapter(oracle, KindSlot)

	assert.True(t, adapter.Trusts(KindSlot))
	assert.False(t, adapter.Trusts(KindUnixTimestamp))

	_, err := adapter.Read(context.Background(), KindUnixTimestamp)
	assert.ErrorIs(t, err, ErrUntrustedSignal)
	assert.ErrorIs(t, err, ErrSignalMismatch)
	assert.Zero(t, oracle.calls)
}

func TestAdapterWrapsOracleFailure(t *testing.T) {
	adapter := NewAdapter(&countingOracle{err: errors.New("connection refused")}, KindSlot)
	_, err := adapter.Read(context.Background(), KindSlot)
	assert.ErrorIs(t, err, ErrOracleUnavailable)

	_, err = NewAdapter(nil, KindSlot).Read(context.Background(), KindSlot)
	assert.ErrorIs(t, err, ErrOracleUnavailable)
}

func TestSessionReadsOnce(t *testing.T) {
	oracle := &countingOracle{snapshot: Snapshot{Slot: 500}}
	session := NewAdapter(oracle, KindSlot).Session(KindSlot)
	assert.False(t, session.Observed())

	first, err := session.Reading(context.Background())
	require.NoError(t, err)
	second, err := session.Reading(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Slot(500), first)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, oracle.calls)
	assert.True(t, session.Observed())
	assert.Equal(t, KindSlot, session.Kind())
}

func TestSessionCachesFailure(t *testing.T) {
	oracle := &countingOracle{err: errors.New("timeout")}
	session := NewAdapter(oracle, KindSlot).Session(KindSlot)

	_, err := session.Reading(context.Background())
	assert.ErrorIs(t, err, ErrOracleUnavailable)

	oracle.err = nil
	_, err = session.Reading(context.Background())
	assert.ErrorIs(t, err, ErrOracleUnavailable)
	assert.Equal(t, 1, oracle.calls)
}

func TestFixedOracle(t *testing.T) {
	snap := Snapshot{Slot: 42, UnixTimestamp: 99}
	got, err := Fixed(snap).Clock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snap, got)
}
