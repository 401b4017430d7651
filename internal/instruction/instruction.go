// Package instruction encodes custody program payloads and builds client instructions.
package instruction

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/coldbell/custody/backend/internal/custody"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

type Action uint8

const (
	// ActionPropose deposits, bids or stakes. On an empty account it initializes.
	ActionPropose Action = 0
	// ActionSettle claims, settles or withdraws.
	ActionSettle Action = 1
	// ActionReclaim reports the held value and writes nothing.
	ActionReclaim Action = 2
)

func (a Action) String() string {
	switch a {
	case ActionPropose:
		return "propose"
	case ActionSettle:
		return "settle"
	case ActionReclaim:
		return "reclaim"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

func ParseAction(raw string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "propose", "deposit", "bid":
		return ActionPropose, nil
	case "settle", "claim", "withdraw":
		return ActionSettle, nil
	case "reclaim":
		return ActionReclaim, nil
	default:
		return 0, fmt.Errorf("%w: unknown action %q", custody.ErrInvalidInstruction, raw)
	}
}

// Mode says how a propose value is read when it initializes a record.
type Mode uint8

const (
	ModeAbsolute Mode = 0
	ModeRelative Mode = 1
)

const proposeArgsWidth = 8

type Instruction struct {
	Action Action
	Value  uint64
	Mode   Mode
}

func (ix Instruction) Relative() bool { return ix.Mode == ModeRelative }

func Propose(value uint64) Instruction {
	return Instruction{Action: ActionPropose, Value: value}
}

// ProposeRelative initializes with a deadline of now plus value.
func ProposeRelative(value uint64) Instruction {
	return Instruction{Action: ActionPropose, Value: value, Mode: ModeRelative}
}

func Settle() Instruction  { return Instruction{Action: ActionSettle} }
func Reclaim() Instruction { return Instruction{Action: ActionReclaim} }

// Decode parses a payload: action byte, then for propose a u64 LE value and an
// optional mode byte. Any other shape is ErrInvalidInstruction.
func Decode(payload []byte) (Instruction, error) {
	if len(payload) == 0 {
		return Instruction{}, fmt.Errorf("%w: empty payload", custody.ErrInvalidInstruction)
	}
	dec := bin.NewBinDecoder(payload)
	tag, err := dec.ReadUint8()
	if err != nil {
		return Instruction{}, fmt.Errorf("%w: action: %w", custody.ErrInvalidInstruction, err)
	}
	ix := Instruction{Action: Action(tag)}

	switch ix.Action {
	case ActionPropose:
		if dec.Remaining() < proposeArgsWidth {
			return Instruction{}, fmt.Errorf("%w: propose needs %d argument bytes, got %d", custody.ErrInvalidInstruction, proposeArgsWidth, dec.Remaining())
		}
		if ix.Value, err = dec.ReadUint64(bin.LE); err != nil {
			return Instruction{}, fmt.Errorf("%w: value: %w", custody.ErrInvalidInstruction, err)
		}
		if dec.Remaining() > 0 {
			mode, err := dec.ReadUint8()
			if err != nil {
				return Instruction{}, fmt.Errorf("%w: mode: %w", custody.ErrInvalidInstruction, err)
			}
			if Mode(mode) != ModeAbsolute && Mode(mode) != ModeRelative {
				return Instruction{}, fmt.Errorf("%w: unknown mode %d", custody.ErrInvalidInstruction, mode)
			}
			ix.Mode = Mode(mode)
		}
	case ActionSettle, ActionReclaim:
	default:
		return Instruction{}, fmt.Errorf("%w: unknown action %d", custody.ErrInvalidInstruction, tag)
	}

	if dec.Remaining() > 0 {
		return Instruction{}, fmt.Errorf("%w: %d trailing bytes after %s", custody.ErrInvalidInstruction, dec.Remaining(), ix.Action)
	}
	return ix, nil
}

func (ix Instruction) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	if err := enc.WriteUint8(uint8(ix.Action)); err != nil {
		return nil, err
	}
	if ix.Action == ActionPropose {
		if err := enc.WriteUint64(ix.Value, bin.LE); err != nil {
			return nil, err
		}
		if ix.Mode != ModeAbsolute {
			if err := enc.WriteUint8(uint8(ix.Mode)); err != nil {
				return nil, err
			}
		}
	}
	return buf.Bytes(), nil
}

// Accounts are the keys a custody instruction touches. Optional keys left zero
// are sent as the program ID, the usual placeholder for an absent account.
type Accounts struct {
	Custody  solana.PublicKey
	Signer   solana.PublicKey
	Refund   solana.PublicKey
	Payout   solana.PublicKey
	Treasury solana.PublicKey
}

const accountCount = 6

// New builds the instruction. Account order: custody, signer, clock sysvar,
// refund, payout, treasury.
func New(programID solana.PublicKey, ix Instruction, accounts Accounts) (solana.Instruction, error) {
	if accounts.Custody.IsZero() || accounts.Signer.IsZero() {
		return nil, fmt.Errorf("custody and signer accounts are required")
	}
	data, err := ix.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ix.Action, err)
	}
	optional := func(key solana.PublicKey) *solana.AccountMeta {
		if key.IsZero() {
			return solana.NewAccountMeta(programID, false, false)
		}
		return solana.NewAccountMeta(key, true, false)
	}
	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Custody, true, false),
		solana.NewAccountMeta(accounts.Signer, true, true),
		solana.NewAccountMeta(solana.SysVarClockPubkey, false, false),
		optional(accounts.Refund),
		optional(accounts.Payout),
		optional(accounts.Treasury),
	}
	return solana.NewInstruction(programID, metas, data), nil
}

// ParseAccounts is the inverse of New's account layout.
func ParseAccounts(programID solana.PublicKey, metas []*solana.AccountMeta) (Accounts, error) {
	if len(metas) != accountCount {
		return Accounts{}, fmt.Errorf("%w: expected %d accounts, got %d", custody.ErrAccountMismatch, accountCount, len(metas))
	}
	if !metas[2].PublicKey.Equals(solana.SysVarClockPubkey) {
		return Accounts{}, fmt.Errorf("%w: account 2 is %s, not the clock sysvar", custody.ErrAccountMismatch, metas[2].PublicKey)
	}
	if !metas[1].IsSigner {
		return Accounts{}, fmt.Errorf("%w: account 1 must sign", custody.ErrUnauthorized)
	}
	optional := func(meta *solana.AccountMeta) solana.PublicKey {
		if meta.PublicKey.Equals(programID) {
			return solana.PublicKey{}
		}
		return meta.PublicKey
	}
	return Accounts{
		Custody:  metas[0].PublicKey,
		Signer:   metas[1].PublicKey,
		Refund:   optional(metas[3]),
		Payout:   optional(metas[4]),
		Treasury: optional(metas[5]),
	}, nil
}
