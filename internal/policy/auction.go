package policy

import (
	"fmt"

	"github.com/coldbell/custody/backend/internal/clock"
	"github.com/coldbell/custody/backend/internal/custody"
	"github.com/coldbell/custody/backend/internal/transfer"
	"github.com/gagliardetto/solana-go"
)

type AuctionConfig struct {
	Options
	// Reserve is the inclusive minimum for the first bid.
	Reserve uint64
	// Authority may close the auction before the deadline. Zero disables early close.
	Authority solana.PublicKey
	// Beneficiary receives the winning bid.
	Beneficiary solana.PublicKey
}

// Auction escrows the highest bid. Bids are accepted while now <= deadline; an
// outbid claimant is refunded in the same transition.
type Auction struct {
	base
	reserve     uint64
	authority   solana.PublicKey
	beneficiary solana.PublicKey
}

func NewAuction(cfg AuctionConfig) (*Auction, error) {
	if err := cfg.Options.validate(); err != nil {
		return nil, err
	}
	if cfg.Beneficiary.IsZero() {
		return nil, fmt.Errorf("auction beneficiary is required")
	}
	return &Auction{
		base:        base{opts: cfg.Options},
		reserve:     cfg.Reserve,
		authority:   cfg.Authority,
		beneficiary: cfg.Beneficiary,
	}, nil
}

func (*Auction) Family() Family { return FamilyAuction }
func (*Auction) Gate() Gate     { return GateExpiry }

func (p *Auction) Init(args custody.InitArgs) (custody.Record, error) {
	deadline, err := p.deadline(args)
	if err != nil {
		return custody.Record{}, err
	}
	return custody.Record{
		Deadline: deadline,
		Status:   custody.StatusOpen,
	}, nil
}

func (p *Auction) Propose(rec custody.Record, now clock.Reading, bid Proposal) (transfer.Delta, error) {
	if err := requireOpen(rec); err != nil {
		return transfer.Delta{}, err
	}
	cmp, err := position(rec, now)
	if err != nil {
		return transfer.Delta{}, err
	}
	if cmp > 0 {
		return transfer.Delta{}, fmt.Errorf("%w: auction ended at %s, now %s", custody.ErrTooLate, rec.Deadline, now)
	}

	legs := []transfer.Leg{{From: transfer.RoleSigner, To: transfer.RoleCustody, Amount: bid.Value}}
	var expect map[transfer.Role]solana.PublicKey
	if !rec.HasCounterparty() {
		if bid.Value < p.reserve || bid.Value == 0 {
			return transfer.Delta{}, fmt.Errorf("%w: bid %d below reserve %d", custody.ErrValueTooLow, bid.Value, p.reserve)
		}
	} else {
		if bid.Value <= rec.Amount {
			return transfer.Delta{}, fmt.Errorf("%w: bid %d does not beat %d", custody.ErrValueTooLow, bid.Value, rec.Amount)
		}
		legs = append(legs, transfer.Leg{From: transfer.RoleCustody, To: transfer.RoleRefund, Amount: rec.Amount})
		expect = map[transfer.Role]solana.PublicKey{transfer.RoleRefund: rec.Counterparty}
	}

	return transfer.Delta{
		Status:       custody.StatusOpen,
		Counterparty: bid.Signer,
		Legs:         legs,
		Expect:       expect,
		Log:          true,
		At:           now,
		Note:         "bid accepted",
	}, nil
}

func (p *Auction) Settle(rec custody.Record, now clock.Reading, claim Claim) (transfer.Delta, error) {
	if err := requireOpen(rec); err != nil {
		return transfer.Delta{}, err
	}
	cmp, err := position(rec, now)
	if err != nil {
		return transfer.Delta{}, err
	}
	authorized := !p.authority.IsZero() && p.authority.Equals(claim.Signer)
	if cmp <= 0 && !authorized {
		return transfer.Delta{}, fmt.Errorf("%w: auction open until %s, now %s", custody.ErrTooEarly, rec.Deadline, now)
	}

	if !rec.HasCounterparty() {
		return transfer.Delta{
			Status: custody.StatusExpired,
			Log:    true,
			At:     now,
			Note:   "auction closed without bids",
		}, nil
	}
	return transfer.Delta{
		Status:       custody.StatusSettled,
		Counterparty: rec.Counterparty,
		Legs:         []transfer.Leg{{From: transfer.RoleCustody, To: transfer.RolePayout, Amount: rec.Amount}},
		Expect:       map[transfer.Role]solana.PublicKey{transfer.RolePayout: p.beneficiary},
		Log:          true,
		At:           now,
		Note:         "auction settled",
	}, nil
}
