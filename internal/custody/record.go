package custody

import (
	"fmt"
	"strings"

	"github.com/coldbell/custody/backend/internal/clock"
	"github.com/gagliardetto/solana-go"
)

type Status uint8

const (
	StatusUninitialized Status = 0
	StatusOpen          Status = 1
	StatusSettled       Status = 2
	StatusExpired       Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusOpen:
		return "open"
	case StatusSettled:
		return "settled"
	case StatusExpired:
		return "expired"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func ParseStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "open":
		return StatusOpen, nil
	case "settled":
		return StatusSettled, nil
	case "expired":
		return StatusExpired, nil
	default:
		return 0, fmt.Errorf("unknown status %q (expected open|settled|expired)", raw)
	}
}

// Record is the custody state persisted in one ledger account.
type Record struct {
	Deadline     clock.Reading
	Amount       uint64
	Counterparty solana.PublicKey
	Status       Status
	History      []Entry
}

// Entry logs one accepted transition.
type Entry struct {
	At           clock.Reading
	Amount       uint64
	Counterparty solana.PublicKey
}

func (r Record) HasCounterparty() bool {
	return !r.Counterparty.IsZero()
}

// Clone copies the record so history appends never alias the stored slice.
func (r Record) Clone() Record {
	out := r
	if len(r.History) > 0 {
		out.History = append([]Entry(nil), r.History...)
	}
	return out
}

// Account is the host-owned ledger slot a record lives in. The account also holds
// the lamports in custody.
type Account interface {
	Key() solana.PublicKey
	Owner() solana.PublicKey
	Data() []byte
	Realloc(size int) error
	Lamports() uint64
	SetLamports(lamports uint64)
}

// InitArgs carries what a first-touch initialization may use.
type InitArgs struct {
	Signer   solana.PublicKey
	Value    uint64
	Relative bool
	// Now returns the invocation's single cached reading.
	Now func() (clock.Reading, error)
}

type InitPolicy interface {
	Init(args InitArgs) (Record, error)
}
