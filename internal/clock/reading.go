package clock

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	ErrOracleUnavailable = errors.New("time oracle unavailable")
	ErrSignalMismatch    = errors.New("time signal mismatch")
	ErrUntrustedSignal   = fmt.Errorf("%w: signal not trusted by policy", ErrSignalMismatch)
	ErrClockRegressed    = errors.New("time reading regressed")
	ErrReadingOverflow   = errors.New("time reading overflow")
)

// Kind is the wire tag of a time signal. Zero is never a valid tag.
type Kind uint8

const (
	KindSlot                Kind = 1
	KindEpoch               Kind = 2
	KindLeaderScheduleEpoch Kind = 3
	KindUnixTimestamp       Kind = 4
	KindEpochStartTimestamp Kind = 5
)

func (k Kind) Valid() bool {
	return k >= KindSlot && k <= KindEpochStartTimestamp
}

// Signed reports whether readings of this kind are i64 seconds rather than u64 counters.
func (k Kind) Signed() bool {
	return k == KindUnixTimestamp || k == KindEpochStartTimestamp
}

func (k Kind) String() string {
	switch k {
	case KindSlot:
		return "slot"
	case KindEpoch:
		return "epoch"
	case KindLeaderScheduleEpoch:
		return "leader_schedule_epoch"
	case KindUnixTimestamp:
		return "unix_timestamp"
	case KindEpochStartTimestamp:
		return "epoch_start_timestamp"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "slot":
		return KindSlot, nil
	case "epoch":
		return KindEpoch, nil
	case "leader_schedule_epoch", "leader-schedule-epoch":
		return KindLeaderScheduleEpoch, nil
	case "unix_timestamp", "unix-timestamp", "timestamp":
		return KindUnixTimestamp, nil
	case "epoch_start_timestamp", "epoch-start-timestamp":
		return KindEpochStartTimestamp, nil
	default:
		return 0, fmt.Errorf("unknown time signal %q (expected slot|epoch|leader_schedule_epoch|unix_timestamp|epoch_start_timestamp)", raw)
	}
}

// Reading is one observed value of one time signal. The zero Reading is invalid.
type Reading struct {
	kind Kind
	raw  uint64
}

func Slot(v uint64) Reading                { return Reading{kind: KindSlot, raw: v} }
func Epoch(v uint64) Reading               { return Reading{kind: KindEpoch, raw: v} }
func LeaderScheduleEpoch(v uint64) Reading { return Reading{kind: KindLeaderScheduleEpoch, raw: v} }
func UnixTimestamp(v int64) Reading        { return Reading{kind: KindUnixTimestamp, raw: uint64(v)} }
func EpochStartTimestamp(v int64) Reading  { return Reading{kind: KindEpochStartTimestamp, raw: uint64(v)} }

// FromRaw rebuilds a reading from its wire tag and 8 little-endian value bytes.
func FromRaw(kind Kind, raw uint64) (Reading, error) {
	if !kind.Valid() {
		return Reading{}, fmt.Errorf("invalid time signal tag %d", uint8(kind))
	}
	return Reading{kind: kind, raw: raw}, nil
}

func (r Reading) Kind() Kind     { return r.kind }
func (r Reading) Raw() uint64    { return r.raw }
func (r Reading) Uint64() uint64 { return r.raw }
func (r Reading) Int64() int64   { return int64(r.raw) }
func (r Reading) IsZero() bool   { return r.kind == 0 }

func (r Reading) String() string {
	if r.kind.Signed() {
		return fmt.Sprintf("%s=%d", r.kind, r.Int64())
	}
	return fmt.Sprintf("%s=%d", r.kind, r.raw)
}

func sameKind(a, b Reading) error {
	if !a.kind.Valid() || !b.kind.Valid() || a.kind != b.kind {
		return fmt.Errorf("%w: %s vs %s", ErrSignalMismatch, a.kind, b.kind)
	}
	return nil
}

// Compare orders two readings of the same signal. Mixed signals are never coerced.
func Compare(a, b Reading) (int, error) {
	if err := sameKind(a, b); err != nil {
		return 0, err
	}
	if a.kind.Signed() {
		x, y := a.Int64(), b.Int64()
		switch {
		case x < y:
			return -1, nil
		case x > y:
			return 1, nil
		}
		return 0, nil
	}
	switch {
	case a.raw < b.raw:
		return -1, nil
	case a.raw > b.raw:
		return 1, nil
	}
	return 0, nil
}

// Elapsed returns to-from in signal units.
func Elapsed(from, to Reading) (uint64, error) {
	cmp, err := Compare(from, to)
	if err != nil {
		return 0, err
	}
	if cmp > 0 {
		return 0, fmt.Errorf("%w: %s is after %s", ErrClockRegressed, from, to)
	}
	// two's complement keeps the unsigned difference exact for signed kinds too
	return to.raw - from.raw, nil
}

// Add moves a reading forward by d signal units.
func Add(r Reading, d uint64) (Reading, error) {
	if !r.kind.Valid() {
		return Reading{}, fmt.Errorf("invalid time signal tag %d", uint8(r.kind))
	}
	if r.kind.Signed() {
		v := r.Int64()
		if d > math.MaxInt64 || v > math.MaxInt64-int64(d) {
			return Reading{}, fmt.Errorf("%w: %s + %d", ErrReadingOverflow, r, d)
		}
		return Reading{kind: r.kind, raw: uint64(v + int64(d))}, nil
	}
	if r.raw > math.MaxUint64-d {
		return Reading{}, fmt.Errorf("%w: %s + %d", ErrReadingOverflow, r, d)
	}
	return Reading{kind: r.kind, raw: r.raw + d}, nil
}

// TrustLevel ranks how tightly a signal is bound to the executing transaction.
type TrustLevel uint8

const (
	// TrustCoarse signals advance once per epoch and their boundaries are predictable by validators.
	TrustCoarse TrustLevel = 1
	// TrustBounded signals are fixed for the slot the transaction lands in.
	TrustBounded TrustLevel = 2
)

func (k Kind) Trust() TrustLevel {
	switch k {
	case KindSlot, KindUnixTimestamp:
		return TrustBounded
	default:
		return TrustCoarse
	}
}
