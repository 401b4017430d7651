// Package settler watches custody accounts and submits settle transactions for
// records whose policy allows settlement at the current cluster time.
package settler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/coldbell/custody/backend/internal/clock"
	"github.com/coldbell/custody/backend/internal/config"
	"github.com/coldbell/custody/backend/internal/custody"
	"github.com/coldbell/custody/backend/internal/instruction"
	"github.com/coldbell/custody/backend/internal/policy"
	"github.com/coldbell/custody/backend/internal/transfer"
	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/rpc"
)

type Service struct {
	cfg     config.SettlerConfig
	rpc     *rpc.Client
	signer  solana.PrivateKey
	policy  policy.Policy
	adapter *clock.Adapter
	logger  *slog.Logger
}

type custodyRecord struct {
	pubkey solana.PublicKey
	record custody.Record
}

// settlement is a record the policy would settle right now, with the accounts
// the settle instruction must carry.
type settlement struct {
	pubkey   solana.PublicKey
	record   custody.Record
	delta    transfer.Delta
	accounts instruction.Accounts
}

func New(cfg config.SettlerConfig, logger *slog.Logger) (*Service, error) {
	signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeypairPath)
	if err != nil {
		return nil, fmt.Errorf("load keypair %q: %w", cfg.KeypairPath, err)
	}
	p, err := policy.FromConfig(cfg.Policy)
	if err != nil {
		return nil, err
	}

	client := rpc.New(cfg.RPCURL)
	return &Service{
		cfg:     cfg,
		rpc:     client,
		signer:  signer,
		policy:  p,
		adapter: clock.NewAdapter(clock.NewRPCOracle(client, cfg.Commitment), p.Signal()),
		logger:  logger,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("settler started",
		"rpc", s.cfg.RPCURL,
		"commitment", s.cfg.Commitment,
		"settler", s.signer.PublicKey(),
		"custody_program", s.cfg.ProgramID,
		"family", s.policy.Family().String(),
		"signal", s.policy.Signal().String(),
	)

	if err := s.tick(ctx); err != nil {
		s.logger.Error("settler tick failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("settler stopped")
			return nil
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.logger.Error("settler tick failed", "err", err)
			}
		}
	}
}

func (s *Service) tick(ctx context.Context) error {
	records, err := s.fetchOpenRecords(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	// one reading per tick; every dry run below sees the same time
	now, err := s.adapter.Read(ctx, s.policy.Signal())
	if err != nil {
		return fmt.Errorf("read cluster clock: %w", err)
	}

	due, skipped := selectSettleable(s.policy, now, s.signer.PublicKey(), records, s.cfg.MaxSettlementsPerTick)

	settled := 0
	failed := 0
	for _, candidate := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.settle(ctx, candidate); err != nil {
			failed++
			s.logger.Warn("settlement failed", "custody", candidate.pubkey, "err", err)
			continue
		}
		settled++
	}

	s.logger.Info(
		"settler tick complete",
		"now", now.String(),
		"open_records", len(records),
		"due", len(due),
		"not_due", skipped,
		"settled", settled,
		"failed", failed,
	)
	return nil
}

func (s *Service) fetchOpenRecords(ctx context.Context) ([]custodyRecord, error) {
	accounts, err := s.rpc.GetProgramAccountsWithOpts(ctx, s.cfg.ProgramID, &rpc.GetProgramAccountsOpts{
		Commitment: s.cfg.Commitment,
		Filters: []rpc.RPCFilter{
			{Memcmp: &rpc.RPCFilterMemcmp{Offset: custody.StatusOffset, Bytes: solana.Base58([]byte{byte(custody.StatusOpen)})}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("getProgramAccounts custody: %w", err)
	}

	out := make([]custodyRecord, 0, len(accounts))
	for _, item := range accounts {
		if item == nil || item.Account == nil {
			continue
		}
		rec, err := custody.Decode(item.Account.Data.GetBinary())
		if err != nil {
			s.logger.Warn("failed to decode custody account", "pubkey", item.Pubkey, "err", err)
			continue
		}
		if rec.Status != custody.StatusOpen {
			continue
		}
		out = append(out, custodyRecord{pubkey: item.Pubkey, record: rec})
	}
	return out, nil
}

// selectSettleable dry-runs Settle for every record against one reading and
// returns the settleable ones, earliest deadline first, capped at limit.
func selectSettleable(p policy.Policy, now clock.Reading, signer solana.PublicKey, records []custodyRecord, limit int) ([]settlement, int) {
	due := make([]settlement, 0, len(records))
	skipped := 0
	for _, candidate := range records {
		delta, err := p.Settle(candidate.record, now, policy.Claim{Signer: signer})
		if err != nil {
			skipped++
			continue
		}
		due = append(due, settlement{
			pubkey:   candidate.pubkey,
			record:   candidate.record,
			delta:    delta,
			accounts: settleAccounts(candidate.pubkey, signer, delta),
		})
	}

	sort.SliceStable(due, func(i, j int) bool {
		cmp, err := clock.Compare(due[i].record.Deadline, due[j].record.Deadline)
		if err != nil || cmp == 0 {
			return bytes.Compare(due[i].pubkey[:], due[j].pubkey[:]) < 0
		}
		return cmp < 0
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, skipped
}

func settleAccounts(custodyKey, signer solana.PublicKey, delta transfer.Delta) instruction.Accounts {
	return instruction.Accounts{
		Custody:  custodyKey,
		Signer:   signer,
		Refund:   delta.Expect[transfer.RoleRefund],
		Payout:   delta.Expect[transfer.RolePayout],
		Treasury: delta.Expect[transfer.RoleTreasury],
	}
}

func (s *Service) settle(ctx context.Context, candidate settlement) error {
	settleIx, err := instruction.New(s.cfg.ProgramID, instruction.Settle(), candidate.accounts)
	if err != nil {
		return fmt.Errorf("build settle instruction: %w", err)
	}

	instructions := make([]solana.Instruction, 0, 3)
	if s.cfg.ComputeUnitLimit > 0 {
		cuLimitIx, err := computebudget.NewSetComputeUnitLimitInstruction(s.cfg.ComputeUnitLimit).ValidateAndBuild()
		if err != nil {
			return fmt.Errorf("build compute unit limit instruction: %w", err)
		}
		instructions = append(instructions, cuLimitIx)
	}
	if s.cfg.ComputeUnitPriceMicroLamports > 0 {
		cuPriceIx, err := computebudget.NewSetComputeUnitPriceInstruction(s.cfg.ComputeUnitPriceMicroLamports).ValidateAndBuild()
		if err != nil {
			return fmt.Errorf("build compute unit price instruction: %w", err)
		}
		instructions = append(instructions, cuPriceIx)
	}
	instructions = append(instructions, settleIx)

	txCtx, cancel := context.WithTimeout(ctx, s.cfg.TxTimeout)
	defer cancel()

	signature, err := s.sendTransaction(txCtx, instructions)
	if err != nil {
		return fmt.Errorf("send transaction: %w", err)
	}
	if err := s.waitForConfirmation(txCtx, signature); err != nil {
		return fmt.Errorf("wait confirmation %s: %w", signature, err)
	}

	s.logger.Info("custody settled",
		"custody", candidate.pubkey,
		"deadline", candidate.record.Deadline.String(),
		"amount", candidate.record.Amount,
		"counterparty", candidate.record.Counterparty,
		"next_status", candidate.delta.Status.String(),
		"signature", signature,
	)
	return nil
}

func (s *Service) sendTransaction(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error) {
	recent, err := s.rpc.GetLatestBlockhash(ctx, s.cfg.Commitment)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		instructions,
		recent.Value.Blockhash,
		solana.TransactionPayer(s.signer.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if s.signer.PublicKey().Equals(key) {
			return &s.signer
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}

	opts := rpc.TransactionOpts{
		SkipPreflight:       s.cfg.SkipPreflight,
		PreflightCommitment: s.cfg.Commitment,
	}
	if s.cfg.MaxRetries != nil {
		retries := *s.cfg.MaxRetries
		opts.MaxRetries = &retries
	}
	return s.rpc.SendTransactionWithOpts(ctx, tx, opts)
}

var errTransactionFailed = errors.New("transaction failed")

func (s *Service) waitForConfirmation(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(700 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := s.rpc.GetSignatureStatuses(ctx, true, sig)
			if err != nil {
				continue
			}
			if len(result.Value) == 0 || result.Value[0] == nil {
				continue
			}
			status := result.Value[0]
			if status.Err != nil {
				return fmt.Errorf("%w: %v", errTransactionFailed, status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}
	}
}
