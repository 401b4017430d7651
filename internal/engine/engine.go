// Package engine runs one custody instruction against the accounts a host hands it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/coldbell/custody/backend/internal/clock"
	"github.com/coldbell/custody/backend/internal/custody"
	"github.com/coldbell/custody/backend/internal/instruction"
	"github.com/coldbell/custody/backend/internal/logging"
	"github.com/coldbell/custody/backend/internal/policy"
	"github.com/coldbell/custody/backend/internal/transfer"
	"github.com/gagliardetto/solana-go"
)

// Request is one invocation. Signer must have signed the transaction; optional
// accounts may be nil when the action does not move value through them.
type Request struct {
	Custody  custody.Account
	Signer   custody.Account
	Refund   custody.Account
	Payout   custody.Account
	Treasury custody.Account
	Payload  []byte
}

type Outcome struct {
	Action       instruction.Action `json:"action"`
	Code         custody.Code       `json:"code"`
	Status       custody.Status     `json:"status"`
	Amount       uint64             `json:"amount"`
	Counterparty solana.PublicKey   `json:"counterparty"`
	Moved        uint64             `json:"moved"`
	Initialized  bool               `json:"initialized"`
	// Diagnostic is for logs only; clients branch on Code.
	Diagnostic string `json:"diagnostic"`
}

type Engine struct {
	programID solana.PublicKey
	policy    policy.Policy
	adapter   *clock.Adapter
	executor  transfer.Executor
	logger    *slog.Logger
}

func New(programID solana.PublicKey, p policy.Policy, oracle clock.Oracle, logger *slog.Logger) (*Engine, error) {
	if programID.IsZero() {
		return nil, errors.New("program id is required")
	}
	if p == nil {
		return nil, errors.New("policy is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Engine{
		programID: programID,
		policy:    p,
		adapter:   clock.NewAdapter(oracle, p.Signal()),
		executor:  transfer.Executor{HistoryLimit: p.HistoryLimit()},
		logger:    logger.With("component", "engine", "family", p.Family().String()),
	}, nil
}

func (e *Engine) ProgramID() solana.PublicKey { return e.programID }
func (e *Engine) Policy() policy.Policy       { return e.policy }

// Process decodes and runs req. Nothing is written unless every stage succeeds:
// the record is stored before lamports move and the lamport commit cannot fail.
func (e *Engine) Process(ctx context.Context, req Request) (Outcome, error) {
	out, err := e.process(ctx, req)
	if err != nil {
		out.Code = custody.CodeOf(err)
		out.Diagnostic = err.Error()
		if custody.Fatal(err) {
			e.logger.Warn("custody instruction aborted", "action", out.Action, "code", out.Code, "err", err)
		} else {
			e.logger.Debug("custody instruction rejected", "action", out.Action, "code", out.Code, "err", err)
		}
		return out, err
	}
	e.logger.Debug("custody instruction applied",
		"action", out.Action,
		"status", out.Status,
		"amount", out.Amount,
		"moved", out.Moved,
		"initialized", out.Initialized,
	)
	return out, nil
}

func (e *Engine) process(ctx context.Context, req Request) (Outcome, error) {
	var out Outcome
	if req.Custody == nil || req.Signer == nil {
		return out, fmt.Errorf("%w: custody and signer accounts are required", custody.ErrAccountMismatch)
	}
	if !req.Custody.Owner().Equals(e.programID) {
		return out, fmt.Errorf("%w: custody account %s is owned by %s", custody.ErrAccountMismatch, req.Custody.Key(), req.Custody.Owner())
	}

	ix, err := instruction.Decode(req.Payload)
	if err != nil {
		return out, err
	}
	out.Action = ix.Action

	session := e.adapter.Session(e.policy.Signal())
	empty := len(req.Custody.Data()) == 0
	if empty && ix.Action != instruction.ActionPropose {
		return out, fmt.Errorf("%w: %s on uninitialized account %s", custody.ErrInvalidInstruction, ix.Action, req.Custody.Key())
	}

	rec, initialized, err := custody.LoadOrInit(req.Custody, e.policy, custody.InitArgs{
		Signer:   req.Signer.Key(),
		Value:    ix.Value,
		Relative: ix.Relative(),
		Now:      func() (clock.Reading, error) { return session.Reading(ctx) },
	})
	if err != nil {
		return out, err
	}
	if initialized {
		out.Initialized = true
		fill(&out, rec)
		out.Diagnostic = fmt.Sprintf("initialized %s deadline %s", req.Custody.Key(), rec.Deadline)
		return out, nil
	}

	if ix.Action == instruction.ActionReclaim {
		held := e.policy.Reclaim(rec)
		out.Status, out.Amount, out.Counterparty = held.Status, held.Amount, held.Claimant
		out.Diagnostic = fmt.Sprintf("holding %d for %s", held.Amount, held.Claimant)
		return out, nil
	}

	if rec.Deadline.Kind() != e.policy.Signal() {
		return out, fmt.Errorf("%w: record deadline is %s, policy reads %s", custody.ErrSignalMismatch, rec.Deadline.Kind(), e.policy.Signal())
	}
	now, err := session.Reading(ctx)
	if err != nil {
		return out, err
	}

	var delta transfer.Delta
	switch ix.Action {
	case instruction.ActionPropose:
		delta, err = e.policy.Propose(rec, now, policy.Proposal{Signer: req.Signer.Key(), Value: ix.Value})
	case instruction.ActionSettle:
		delta, err = e.policy.Settle(rec, now, policy.Claim{Signer: req.Signer.Key()})
	default:
		err = fmt.Errorf("%w: unknown action %s", custody.ErrInvalidInstruction, ix.Action)
	}
	if err != nil {
		return out, err
	}

	plan, err := e.executor.Apply(rec, delta, transfer.Accounts{
		Custody:  req.Custody,
		Signer:   req.Signer,
		Refund:   req.Refund,
		Payout:   req.Payout,
		Treasury: req.Treasury,
	})
	if err != nil {
		return out, err
	}
	if err := custody.Store(req.Custody, plan.Record); err != nil {
		return out, err
	}
	plan.Commit()

	fill(&out, plan.Record)
	out.Moved = plan.Moved
	out.Diagnostic = fmt.Sprintf("%s at %s: %s", ix.Action, now, delta.Note)
	return out, nil
}

func fill(out *Outcome, rec custody.Record) {
	out.Status = rec.Status
	out.Amount = rec.Amount
	out.Counterparty = rec.Counterparty
}
