package policy

import (
	"errors"
	"fmt"

	"github.com/coldbell/custody/backend/internal/clock"
	"github.com/coldbell/custody/backend/internal/custody"
	"github.com/coldbell/custody/backend/internal/transfer"
	"github.com/gagliardetto/solana-go"
)

type AccrualConfig struct {
	Options
	// Rate is the flat reward per signal unit elapsed since the accrual point.
	Rate uint64
	// RateBps switches to a principal-proportional reward: each RatePeriod units
	// earn principal * RateBps / 10000. Exclusive with Rate.
	RateBps uint64
	// RatePeriod is the signal units per RateBps period. Zero means 1.
	RatePeriod uint64
	// MaxElapsed caps the units rewarded per transition. Zero means uncapped.
	MaxElapsed uint64
	// Treasury funds rewards. Zero accepts whichever treasury account the request carries.
	Treasury solana.PublicKey
}

// Accrual is a stake that earns Rate per unit of the signal. The record deadline
// is the accrual point: transitions are legal at or after it and move it to now.
type Accrual struct {
	base
	rate       uint64
	rateBps    uint64
	ratePeriod uint64
	maxElapsed uint64
	treasury   solana.PublicKey
}

func NewAccrual(cfg AccrualConfig) (*Accrual, error) {
	if err := cfg.Options.validate(); err != nil {
		return nil, err
	}
	if cfg.Rate > 0 && cfg.RateBps > 0 {
		return nil, fmt.Errorf("accrual takes either a flat rate or a basis-point rate, not both")
	}
	period := cfg.RatePeriod
	if period == 0 {
		period = 1
	}
	return &Accrual{
		base:       base{opts: cfg.Options},
		rate:       cfg.Rate,
		rateBps:    cfg.RateBps,
		ratePeriod: period,
		maxElapsed: cfg.MaxElapsed,
		treasury:   cfg.Treasury,
	}, nil
}

func (*Accrual) Family() Family { return FamilyAccrual }
func (*Accrual) Gate() Gate     { return GateActivation }

func (p *Accrual) Init(args custody.InitArgs) (custody.Record, error) {
	point, err := p.deadline(args)
	if err != nil {
		return custody.Record{}, err
	}
	return custody.Record{
		Deadline:     point,
		Counterparty: args.Signer,
		Status:       custody.StatusOpen,
	}, nil
}

// Reward returns what the stake earned between the accrual point and now.
func (p *Accrual) Reward(rec custody.Record, now clock.Reading) (uint64, error) {
	elapsed, err := clock.Elapsed(rec.Deadline, now)
	if err != nil {
		if errors.Is(err, clock.ErrClockRegressed) {
			return 0, fmt.Errorf("%w: accrual point %s, now %s", custody.ErrTooEarly, rec.Deadline, now)
		}
		return 0, err
	}
	if p.maxElapsed > 0 && elapsed > p.maxElapsed {
		elapsed = p.maxElapsed
	}
	if rec.Amount == 0 {
		return 0, nil
	}
	if p.rateBps == 0 {
		return transfer.MulU64(p.rate, elapsed)
	}
	scaled, err := transfer.MulU64(rec.Amount, p.rateBps)
	if err != nil {
		return 0, err
	}
	if scaled, err = transfer.MulU64(scaled, elapsed); err != nil {
		return 0, err
	}
	divisor, err := transfer.MulU64(bpsDenominator, p.ratePeriod)
	if err != nil {
		return 0, err
	}
	return scaled / divisor, nil
}

const bpsDenominator = 10_000

func (p *Accrual) accrue(rec custody.Record, now clock.Reading, signer solana.PublicKey) (uint64, []transfer.Leg, map[transfer.Role]solana.PublicKey, error) {
	if err := requireOpen(rec); err != nil {
		return 0, nil, nil, err
	}
	if err := requireOwner(rec, signer); err != nil {
		return 0, nil, nil, err
	}
	reward, err := p.Reward(rec, now)
	if err != nil {
		return 0, nil, nil, err
	}
	if reward == 0 {
		return 0, nil, nil, nil
	}
	legs := []transfer.Leg{{From: transfer.RoleTreasury, To: transfer.RoleCustody, Amount: reward}}
	var expect map[transfer.Role]solana.PublicKey
	if !p.treasury.IsZero() {
		expect = map[transfer.Role]solana.PublicKey{transfer.RoleTreasury: p.treasury}
	}
	return reward, legs, expect, nil
}

func (p *Accrual) Propose(rec custody.Record, now clock.Reading, prop Proposal) (transfer.Delta, error) {
	_, legs, expect, err := p.accrue(rec, now, prop.Signer)
	if err != nil {
		return transfer.Delta{}, err
	}
	if prop.Value == 0 {
		return transfer.Delta{}, fmt.Errorf("%w: stake must be positive", custody.ErrValueTooLow)
	}
	legs = append(legs, transfer.Leg{From: transfer.RoleSigner, To: transfer.RoleCustody, Amount: prop.Value})
	return transfer.Delta{
		Status:       custody.StatusOpen,
		Deadline:     now,
		Counterparty: rec.Counterparty,
		Legs:         legs,
		Expect:       expect,
		Log:          true,
		At:           now,
		Note:         "stake accrued",
	}, nil
}

func (p *Accrual) Settle(rec custody.Record, now clock.Reading, claim Claim) (transfer.Delta, error) {
	reward, legs, expect, err := p.accrue(rec, now, claim.Signer)
	if err != nil {
		return transfer.Delta{}, err
	}
	total, err := transfer.AddU64(rec.Amount, reward)
	if err != nil {
		return transfer.Delta{}, err
	}
	legs = append(legs, transfer.Leg{From: transfer.RoleCustody, To: transfer.RoleSigner, Amount: total})
	return transfer.Delta{
		Status:       custody.StatusSettled,
		Deadline:     now,
		Counterparty: rec.Counterparty,
		Legs:         legs,
		Expect:       expect,
		Log:          true,
		At:           now,
		Note:         "stake withdrawn",
	}, nil
}
