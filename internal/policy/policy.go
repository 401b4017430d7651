// Package policy decides whether a custody transition is legal at a given time
// reading. Decisions are pure: they return a transfer.Delta and never touch accounts.
package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/coldbell/custody/backend/internal/clock"
	"github.com/coldbell/custody/backend/internal/custody"
	"github.com/coldbell/custody/backend/internal/transfer"
	"github.com/gagliardetto/solana-go"
)

type Family uint8

const (
	FamilyTimeLock Family = iota + 1
	FamilyAuction
	FamilyAccrual
	FamilyWindow
)

func (f Family) String() string {
	switch f {
	case FamilyTimeLock:
		return "timelock"
	case FamilyAuction:
		return "auction"
	case FamilyAccrual:
		return "accrual"
	case FamilyWindow:
		return "window"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

func ParseFamily(raw string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "timelock", "time-lock", "lock":
		return FamilyTimeLock, nil
	case "auction":
		return FamilyAuction, nil
	case "accrual", "staking":
		return FamilyAccrual, nil
	case "window":
		return FamilyWindow, nil
	default:
		return 0, fmt.Errorf("unknown policy family %q (expected timelock|auction|accrual|window)", raw)
	}
}

// Gate is the family a policy belongs to. It is fixed at construction.
type Gate uint8

const (
	// GateExpiry accepts proposals until the deadline and settles after it.
	GateExpiry Gate = iota + 1
	// GateActivation releases custody once the deadline is reached.
	GateActivation
)

func (g Gate) String() string {
	if g == GateActivation {
		return "activation"
	}
	return "expiry"
}

type Proposal struct {
	Signer solana.PublicKey
	Value  uint64
}

type Claim struct {
	Signer solana.PublicKey
}

// Holding is what a reclaim reports.
type Holding struct {
	Status   custody.Status
	Amount   uint64
	Claimant solana.PublicKey
}

type Policy interface {
	custody.InitPolicy
	Family() Family
	Gate() Gate
	Signal() clock.Kind
	HistoryLimit() int
	Propose(rec custody.Record, now clock.Reading, p Proposal) (transfer.Delta, error)
	Settle(rec custody.Record, now clock.Reading, c Claim) (transfer.Delta, error)
	Reclaim(rec custody.Record) Holding
}

// Options are shared by every family.
type Options struct {
	Signal clock.Kind
	// AllowCoarseSignal opts into epoch-granular signals, which validators can anticipate.
	AllowCoarseSignal bool
	HistoryLimit      int
}

func (o Options) validate() error {
	if !o.Signal.Valid() {
		return fmt.Errorf("policy signal %s is not a time signal", o.Signal)
	}
	if o.Signal.Trust() < clock.TrustBounded && !o.AllowCoarseSignal {
		return fmt.Errorf("%w: %s is a coarse signal; set AllowCoarseSignal to gate on it", clock.ErrUntrustedSignal, o.Signal)
	}
	if o.HistoryLimit < 0 {
		return fmt.Errorf("history limit must be >= 0")
	}
	return nil
}

type base struct {
	opts Options
}

func (b base) Signal() clock.Kind { return b.opts.Signal }
func (b base) HistoryLimit() int  { return b.opts.HistoryLimit }

// Reclaim is legal in every status and never reads the clock.
func (base) Reclaim(rec custody.Record) Holding {
	return Holding{Status: rec.Status, Amount: rec.Amount, Claimant: rec.Counterparty}
}

func (b base) deadline(args custody.InitArgs) (clock.Reading, error) {
	if !args.Relative {
		return clock.FromRaw(b.opts.Signal, args.Value)
	}
	if args.Now == nil {
		return clock.Reading{}, fmt.Errorf("%w: relative deadline without a clock", custody.ErrOracleUnavailable)
	}
	now, err := args.Now()
	if err != nil {
		return clock.Reading{}, err
	}
	if now.Kind() != b.opts.Signal {
		return clock.Reading{}, fmt.Errorf("%w: policy on %s read %s", custody.ErrSignalMismatch, b.opts.Signal, now.Kind())
	}
	deadline, err := clock.Add(now, args.Value)
	if err != nil {
		return clock.Reading{}, arithmetic(err)
	}
	return deadline, nil
}

func requireOpen(rec custody.Record) error {
	switch rec.Status {
	case custody.StatusOpen:
		return nil
	case custody.StatusSettled:
		return custody.ErrAlreadySettled
	case custody.StatusExpired:
		return custody.ErrExpired
	default:
		return fmt.Errorf("%w: status %s", custody.ErrCorruptRecord, rec.Status)
	}
}

func requireOwner(rec custody.Record, signer solana.PublicKey) error {
	if !rec.HasCounterparty() || !rec.Counterparty.Equals(signer) {
		return fmt.Errorf("%w: signer %s is not the owner", custody.ErrUnauthorized, signer)
	}
	return nil
}

// position compares now against the record's deadline.
func position(rec custody.Record, now clock.Reading) (int, error) {
	return clock.Compare(now, rec.Deadline)
}

func arithmetic(err error) error {
	if errors.Is(err, clock.ErrReadingOverflow) {
		return fmt.Errorf("%w: %w", custody.ErrArithmeticFault, err)
	}
	return err
}
