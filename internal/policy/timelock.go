package policy

import (
	"fmt"

	"github.com/coldbell/custody/backend/internal/clock"
	"github.com/coldbell/custody/backend/internal/custody"
	"github.com/coldbell/custody/backend/internal/transfer"
)

// TimeLock holds an owner's deposits until the unlock deadline. Deposits are
// accepted strictly before the deadline; withdrawal at or after it.
type TimeLock struct {
	base
}

func NewTimeLock(opts Options) (*TimeLock, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &TimeLock{base: base{opts: opts}}, nil
}

func (*TimeLock) Family() Family { return FamilyTimeLock }
func (*TimeLock) Gate() Gate     { return GateActivation }

func (p *TimeLock) Init(args custody.InitArgs) (custody.Record, error) {
	deadline, err := p.deadline(args)
	if err != nil {
		return custody.Record{}, err
	}
	return custody.Record{
		Deadline:     deadline,
		Counterparty: args.Signer,
		Status:       custody.StatusOpen,
	}, nil
}

func (p *TimeLock) Propose(rec custody.Record, now clock.Reading, prop Proposal) (transfer.Delta, error) {
	if err := requireOpen(rec); err != nil {
		return transfer.Delta{}, err
	}
	if err := requireOwner(rec, prop.Signer); err != nil {
		return transfer.Delta{}, err
	}
	cmp, err := position(rec, now)
	if err != nil {
		return transfer.Delta{}, err
	}
	if cmp >= 0 {
		return transfer.Delta{}, fmt.Errorf("%w: lock unlocked at %s, now %s", custody.ErrTooLate, rec.Deadline, now)
	}
	if prop.Value == 0 {
		return transfer.Delta{}, fmt.Errorf("%w: deposit must be positive", custody.ErrValueTooLow)
	}
	return transfer.Delta{
		Status:       custody.StatusOpen,
		Counterparty: rec.Counterparty,
		Legs:         []transfer.Leg{{From: transfer.RoleSigner, To: transfer.RoleCustody, Amount: prop.Value}},
		Log:          true,
		At:           now,
		Note:         "deposit locked",
	}, nil
}

func (p *TimeLock) Settle(rec custody.Record, now clock.Reading, claim Claim) (transfer.Delta, error) {
	if err := requireOpen(rec); err != nil {
		return transfer.Delta{}, err
	}
	cmp, err := position(rec, now)
	if err != nil {
		return transfer.Delta{}, err
	}
	if cmp < 0 {
		return transfer.Delta{}, fmt.Errorf("%w: locked until %s, now %s", custody.ErrTooEarly, rec.Deadline, now)
	}
	if err := requireOwner(rec, claim.Signer); err != nil {
		return transfer.Delta{}, err
	}
	return transfer.Delta{
		Status:       custody.StatusSettled,
		Counterparty: rec.Counterparty,
		Legs:         []transfer.Leg{{From: transfer.RoleCustody, To: transfer.RoleSigner, Amount: rec.Amount}},
		Log:          true,
		At:           now,
		Note:         "lock withdrawn",
	}, nil
}
