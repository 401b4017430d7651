package policy

import (
	"fmt"

	"github.com/coldbell/custody/backend/internal/clock"
	"github.com/coldbell/custody/backend/internal/custody"
	"github.com/coldbell/custody/backend/internal/transfer"
)

type WindowConfig struct {
	Options
	// Length of the claim window in signal units. The window is [deadline, deadline+Length].
	Length uint64
}

// Window accepts deposits until the window opens and releases them only inside
// it. A claim after the window closes expires the record.
type Window struct {
	base
	length uint64
}

func NewWindow(cfg WindowConfig) (*Window, error) {
	if err := cfg.Options.validate(); err != nil {
		return nil, err
	}
	return &Window{base: base{opts: cfg.Options}, length: cfg.Length}, nil
}

func (*Window) Family() Family { return FamilyWindow }
func (*Window) Gate() Gate     { return GateActivation }

func (p *Window) Init(args custody.InitArgs) (custody.Record, error) {
	start, err := p.deadline(args)
	if err != nil {
		return custody.Record{}, err
	}
	if _, err := clock.Add(start, p.length); err != nil {
		return custody.Record{}, arithmetic(err)
	}
	return custody.Record{
		Deadline:     start,
		Counterparty: args.Signer,
		Status:       custody.StatusOpen,
	}, nil
}

// Close returns the last reading inside the window.
func (p *Window) Close(rec custody.Record) (clock.Reading, error) {
	end, err := clock.Add(rec.Deadline, p.length)
	if err != nil {
		return clock.Reading{}, arithmetic(err)
	}
	return end, nil
}

func (p *Window) Propose(rec custody.Record, now clock.Reading, prop Proposal) (transfer.Delta, error) {
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
		return transfer.Delta{}, fmt.Errorf("%w: window opened at %s, now %s", custody.ErrTooLate, rec.Deadline, now)
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
		Note:         "deposit queued",
	}, nil
}

func (p *Window) Settle(rec custody.Record, now clock.Reading, claim Claim) (transfer.Delta, error) {
	if err := requireOpen(rec); err != nil {
		return transfer.Delta{}, err
	}
	if err := requireOwner(rec, claim.Signer); err != nil {
		return transfer.Delta{}, err
	}
	cmp, err := position(rec, now)
	if err != nil {
		return transfer.Delta{}, err
	}
	if cmp < 0 {
		return transfer.Delta{}, fmt.Errorf("%w: window opens at %s, now %s", custody.ErrTooEarly, rec.Deadline, now)
	}
	end, err := p.Close(rec)
	if err != nil {
		return transfer.Delta{}, err
	}
	after, err := clock.Compare(now, end)
	if err != nil {
		return transfer.Delta{}, err
	}
	if after > 0 {
		return transfer.Delta{
			Status:       custody.StatusExpired,
			Counterparty: rec.Counterparty,
			Log:          true,
			At:           now,
			Note:         "window closed",
		}, nil
	}
	return transfer.Delta{
		Status:       custody.StatusSettled,
		Counterparty: rec.Counterparty,
		Legs:         []transfer.Leg{{From: transfer.RoleCustody, To: transfer.RoleSigner, Amount: rec.Amount}},
		Log:          true,
		At:           now,
		Note:         "window claimed",
	}, nil
}
