package clock

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// SnapshotWidth is the size of the Clock sysvar account data.
const SnapshotWidth = 40

// Snapshot mirrors the host Clock sysvar.
type Snapshot struct {
	Slot                uint64 `json:"slot"`
	EpochStartTimestamp int64  `json:"epoch_start_timestamp"`
	Epoch               uint64 `json:"epoch"`
	LeaderScheduleEpoch uint64 `json:"leader_schedule_epoch"`
	UnixTimestamp       int64  `json:"unix_timestamp"`
}

// Reading projects one signal out of the snapshot.
func (s Snapshot) Reading(kind Kind) (Reading, error) {
	switch kind {
	case KindSlot:
		return Slot(s.Slot), nil
	case KindEpoch:
		return Epoch(s.Epoch), nil
	case KindLeaderScheduleEpoch:
		return LeaderScheduleEpoch(s.LeaderScheduleEpoch), nil
	case KindUnixTimestamp:
		return UnixTimestamp(s.UnixTimestamp), nil
	case KindEpochStartTimestamp:
		return EpochStartTimestamp(s.EpochStartTimestamp), nil
	default:
		return Reading{}, fmt.Errorf("%w: unknown signal %s", ErrSignalMismatch, kind)
	}
}

func DecodeSnapshot(data []byte) (Snapshot, error) {
	if len(data) != SnapshotWidth {
		return Snapshot{}, fmt.Errorf("clock sysvar: expected %d bytes, got %d", SnapshotWidth, len(data))
	}
	dec := bin.NewBinDecoder(data)
	var (
		out Snapshot
		err error
	)
	if out.Slot, err = dec.ReadUint64(bin.LE); err != nil {
		return Snapshot{}, fmt.Errorf("clock sysvar slot: %w", err)
	}
	if out.EpochStartTimestamp, err = dec.ReadInt64(bin.LE); err != nil {
		return Snapshot{}, fmt.Errorf("clock sysvar epoch_start_timestamp: %w", err)
	}
	if out.Epoch, err = dec.ReadUint64(bin.LE); err != nil {
		return Snapshot{}, fmt.Errorf("clock sysvar epoch: %w", err)
	}
	if out.LeaderScheduleEpoch, err = dec.ReadUint64(bin.LE); err != nil {
		return Snapshot{}, fmt.Errorf("clock sysvar leader_schedule_epoch: %w", err)
	}
	if out.UnixTimestamp, err = dec.ReadInt64(bin.LE); err != nil {
		return Snapshot{}, fmt.Errorf("clock sysvar unix_timestamp: %w", err)
	}
	return out, nil
}

func EncodeSnapshot(s Snapshot) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	if err := enc.WriteUint64(s.Slot, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteInt64(s.EpochStartTimestamp, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(s.Epoch, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(s.LeaderScheduleEpoch, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteInt64(s.UnixTimestamp, bin.LE); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Oracle supplies the host clock. Implementations must be read-only.
type Oracle interface {
	Clock(ctx context.Context) (Snapshot, error)
}

// Fixed always returns the same snapshot.
type Fixed Snapshot

func (f Fixed) Clock(context.Context) (Snapshot, error) {
	return Snapshot(f), nil
}

// RPCOracle reads the Clock sysvar account from a cluster.
type RPCOracle struct {
	client     *rpc.Client
	commitment rpc.CommitmentType
}

func NewRPCOracle(client *rpc.Client, commitment rpc.CommitmentType) *RPCOracle {
	return &RPCOracle{client: client, commitment: commitment}
}

func (o *RPCOracle) Clock(ctx context.Context) (Snapshot, error) {
	resp, err := o.client.GetAccountInfoWithOpts(ctx, solana.SysVarClockPubkey, &rpc.GetAccountInfoOpts{Commitment: o.commitment})
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: fetch clock sysvar: %w", ErrOracleUnavailable, err)
	}
	if resp == nil || resp.Value == nil {
		return Snapshot{}, fmt.Errorf("%w: clock sysvar account missing", ErrOracleUnavailable)
	}
	snapshot, err := DecodeSnapshot(resp.Value.Data.GetBinary())
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrOracleUnavailable, err)
	}
	return snapshot, nil
}

// Adapter narrows an oracle to the signals a policy is allowed to trust.
type Adapter struct {
	oracle  Oracle
	trusted map[Kind]struct{}
}

func NewAdapter(oracle Oracle, trusted ...Kind) *Adapter {
	set := make(map[Kind]struct{}, len(trusted))
	for _, kind := range trusted {
		set[kind] = struct{}{}
	}
	return &Adapter{oracle: oracle, trusted: set}
}

func (a *Adapter) Trusts(kind Kind) bool {
	_, ok := a.trusted[kind]
	return ok
}

func (a *Adapter) Read(ctx context.Context, kind Kind) (Reading, error) {
	if !a.Trusts(kind) {
		return Reading{}, fmt.Errorf("%w: %s", ErrUntrustedSignal, kind)
	}
	if a.oracle == nil {
		return Reading{}, fmt.Errorf("%w: no oracle configured", ErrOracleUnavailable)
	}
	snapshot, err := a.oracle.Clock(ctx)
	if err != nil {
		if !errors.Is(err, ErrOracleUnavailable) {
			err = fmt.Errorf("%w: %w", ErrOracleUnavailable, err)
		}
		return Reading{}, err
	}
	return snapshot.Reading(kind)
}

// Session hands out a single reading per invocation. Only the first call reaches
// the oracle; every later call, including after a failure, sees the same result.
type Session struct {
	adapter *Adapter
	kind    Kind
	done    bool
	reading Reading
	err     error
}

func (a *Adapter) Session(kind Kind) *Session {
	return &Session{adapter: a, kind: kind}
}

func (s *Session) Kind() Kind { return s.kind }

func (s *Session) Reading(ctx context.Context) (Reading, error) {
	if !s.done {
		s.reading, s.err = s.adapter.Read(ctx, s.kind)
		s.done = true
	}
	return s.reading, s.err
}

// Observed reports whether the session already fetched its reading.
func (s *Session) Observed() bool { return s.done }
