package transfer

import (
	"fmt"
	"math"

	"github.com/coldbell/custody/backend/internal/clock"
	"github.com/coldbell/custody/backend/internal/custody"
	"github.com/gagliardetto/solana-go"
)

// Role names an account slot of a request.
type Role uint8

const (
	RoleCustody Role = iota
	RoleSigner
	RoleRefund
	RolePayout
	RoleTreasury
)

func (r Role) String() string {
	switch r {
	case RoleCustody:
		return "custody"
	case RoleSigner:
		return "signer"
	case RoleRefund:
		return "refund"
	case RolePayout:
		return "payout"
	case RoleTreasury:
		return "treasury"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Leg moves Amount lamports between two roles.
type Leg struct {
	From   Role
	To     Role
	Amount uint64
}

// Delta is what a policy decided. The executor derives the next amount from the
// legs touching RoleCustody, so a decision cannot state an amount its transfers do
// not back.
type Delta struct {
	Status       custody.Status
	Deadline     clock.Reading
	Counterparty solana.PublicKey
	Legs         []Leg
	// Expect pins roles to identities, e.g. the refund account must be the outbid claimant.
	Expect map[Role]solana.PublicKey
	// Log appends a history entry stamped At.
	Log  bool
	At   clock.Reading
	Note string
}

// Accounts binds roles to the request's accounts. Unused roles may be nil.
type Accounts struct {
	Custody  custody.Account
	Signer   custody.Account
	Refund   custody.Account
	Payout   custody.Account
	Treasury custody.Account
}

func (a Accounts) get(role Role) custody.Account {
	switch role {
	case RoleCustody:
		return a.Custody
	case RoleSigner:
		return a.Signer
	case RoleRefund:
		return a.Refund
	case RolePayout:
		return a.Payout
	case RoleTreasury:
		return a.Treasury
	default:
		return nil
	}
}

type shadow struct {
	account  custody.Account
	lamports uint64
}

// Plan is a validated transition. Nothing reaches an account until Commit.
type Plan struct {
	Record   custody.Record
	Moved    uint64
	balances []*shadow
}

// Commit writes the planned lamport balances. It cannot fail.
func (p *Plan) Commit() {
	for _, entry := range p.balances {
		entry.account.SetLamports(entry.lamports)
	}
}

type Executor struct {
	// HistoryLimit caps the record's history; the oldest entries drop first. Zero disables history.
	HistoryLimit int
}

func (e *Executor) Apply(rec custody.Record, delta Delta, accounts Accounts) (*Plan, error) {
	for role, want := range delta.Expect {
		acct := accounts.get(role)
		if acct == nil {
			return nil, fmt.Errorf("%w: %s account required", custody.ErrAccountMismatch, role)
		}
		if !acct.Key().Equals(want) {
			return nil, fmt.Errorf("%w: %s account %s, expected %s", custody.ErrAccountMismatch, role, acct.Key(), want)
		}
	}

	amount := rec.Amount
	var moved uint64
	byKey := make(map[solana.PublicKey]*shadow)
	order := make([]*shadow, 0, 4)
	lookup := func(role Role) (*shadow, error) {
		acct := accounts.get(role)
		if acct == nil {
			return nil, fmt.Errorf("%w: %s account required", custody.ErrAccountMismatch, role)
		}
		if entry, ok := byKey[acct.Key()]; ok {
			return entry, nil
		}
		entry := &shadow{account: acct, lamports: acct.Lamports()}
		byKey[acct.Key()] = entry
		order = append(order, entry)
		return entry, nil
	}

	for i, leg := range delta.Legs {
		if leg.Amount == 0 {
			continue
		}
		if leg.From == leg.To {
			return nil, fmt.Errorf("%w: leg %d moves %s to itself", custody.ErrAccountMismatch, i, leg.From)
		}
		from, err := lookup(leg.From)
		if err != nil {
			return nil, err
		}
		to, err := lookup(leg.To)
		if err != nil {
			return nil, err
		}

		if from == to {
			return nil, fmt.Errorf("%w: leg %d %s and %s are the same account %s", custody.ErrAccountMismatch, i, leg.From, leg.To, from.account.Key())
		}

		// both sides are validated before either shadow balance changes
		debited, err := SubU64(from.lamports, leg.Amount)
		if err != nil {
			return nil, fmt.Errorf("leg %d debit %s: %w", i, leg.From, err)
		}
		credited, err := AddU64(to.lamports, leg.Amount)
		if err != nil {
			return nil, fmt.Errorf("leg %d credit %s: %w", i, leg.To, err)
		}

		nextAmount := amount
		switch {
		case leg.To == RoleCustody:
			nextAmount, err = AddU64(amount, leg.Amount)
		case leg.From == RoleCustody:
			nextAmount, err = SubU64(amount, leg.Amount)
		}
		if err != nil {
			return nil, fmt.Errorf("leg %d custody amount: %w", i, err)
		}
		if moved, err = AddU64(moved, leg.Amount); err != nil {
			return nil, fmt.Errorf("leg %d total: %w", i, err)
		}

		from.lamports = debited
		to.lamports = credited
		amount = nextAmount
	}

	next := rec.Clone()
	next.Amount = amount
	next.Status = delta.Status
	next.Counterparty = delta.Counterparty
	if !delta.Deadline.IsZero() {
		next.Deadline = delta.Deadline
	}
	if delta.Log && e.HistoryLimit > 0 {
		next.History = append(next.History, custody.Entry{At: delta.At, Amount: amount, Counterparty: delta.Counterparty})
		if over := len(next.History) - e.HistoryLimit; over > 0 {
			next.History = append([]custody.Entry(nil), next.History[over:]...)
		}
	}

	return &Plan{Record: next, Moved: moved, balances: order}, nil
}

func AddU64(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, fmt.Errorf("%w: %d + %d overflows", custody.ErrArithmeticFault, a, b)
	}
	return a + b, nil
}

func SubU64(a, b uint64) (uint64, error) {
	if b > a {
		return 0, fmt.Errorf("%w: %d - %d underflows", custody.ErrArithmeticFault, a, b)
	}
	return a - b, nil
}

func MulU64(a, b uint64) (uint64, error) {
	if a != 0 && b > math.MaxUint64/a {
		return 0, fmt.Errorf("%w: %d * %d overflows", custody.ErrArithmeticFault, a, b)
	}
	return a * b, nil
}
