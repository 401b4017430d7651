package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coldbell/custody/backend/internal/config"
	"github.com/coldbell/custody/backend/internal/custody"
	"github.com/gagliardetto/solana-go/rpc"
)

type Service struct {
	cfg    config.IndexerConfig
	rpc    *rpc.Client
	store  *Store
	logger *slog.Logger
}

func New(cfg config.IndexerConfig, logger *slog.Logger) (*Service, error) {
	store, err := NewStore(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	return &Service{
		cfg:    cfg,
		rpc:    rpc.New(cfg.RPCURL),
		store:  store,
		logger: logger,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	s.logger.Info("indexer started",
		"rpc", s.cfg.RPCURL,
		"db_driver", s.store.Driver(),
		"commitment", s.cfg.Commitment,
		"custody_program", s.cfg.ProgramID,
	)

	if err := s.syncOnce(ctx); err != nil {
		s.logger.Error("initial sync failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("indexer stopped")
			return nil
		case <-ticker.C:
			if err := s.syncOnce(ctx); err != nil {
				s.logger.Error("sync failed", "err", err)
			}
		}
	}
}

func (s *Service) syncOnce(ctx context.Context) error {
	var slot uint64
	err := s.withRetry(ctx, "getSlot", func() error {
		var err error
		slot, err = s.rpc.GetSlot(ctx, s.cfg.Commitment)
		return err
	})
	if err != nil {
		return fmt.Errorf("get slot: %w", err)
	}

	var accounts rpc.GetProgramAccountsResult
	err = s.withRetry(ctx, "getProgramAccounts", func() error {
		var err error
		accounts, err = s.rpc.GetProgramAccountsWithOpts(ctx, s.cfg.ProgramID, &rpc.GetProgramAccountsOpts{
			Commitment: s.cfg.Commitment,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("scan custody accounts for program %s: %w", s.cfg.ProgramID, err)
	}

	stats, err := s.indexAccounts(ctx, slot, accounts)
	if err != nil {
		return err
	}

	s.logger.Info(
		"sync complete",
		"slot", slot,
		"records", stats["records"],
		"events", stats["events"],
		"empty", stats["empty"],
		"failed", stats["failed"],
	)
	return nil
}

// indexAccounts writes one scan inside a single transaction. Undecodable
// accounts are skipped before any statement runs; a SQL error aborts the scan
// because postgres refuses every later statement in a failed transaction.
func (s *Service) indexAccounts(ctx context.Context, slot uint64, accounts rpc.GetProgramAccountsResult) (map[string]int, error) {
	stats := map[string]int{}
	err := s.store.WithTx(ctx, func(tx *Tx) error {
		for _, item := range accounts {
			if item == nil || item.Account == nil {
				continue
			}
			data := item.Account.Data.GetBinary()
			if len(data) == 0 {
				stats["empty"]++
				continue
			}
			eventType, err := s.store.UpsertRecordTx(ctx, tx, item.Pubkey, slot, item.Account.Lamports, data)
			if errors.Is(err, custody.ErrCorruptRecord) {
				stats["failed"]++
				s.logger.Warn("skipping undecodable custody account",
					"pubkey", item.Pubkey,
					"slot", slot,
					"err", err,
				)
				continue
			}
			if err != nil {
				return fmt.Errorf("index custody account %s: %w", item.Pubkey, err)
			}
			stats["records"]++
			if eventType != "" {
				stats["events"]++
			}
		}
		return s.store.UpsertSyncStateTx(ctx, tx, slot)
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// withRetry retries fn with exponential backoff bounded by the configured delays.
func (s *Service) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := s.cfg.RPCRetryBaseDelay
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt+1 >= s.cfg.RPCMaxRetries {
			return err
		}
		s.logger.Warn("rpc call failed, retrying", "op", op, "attempt", attempt+1, "delay", delay.String(), "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.cfg.RPCRetryMaxDelay {
			delay = s.cfg.RPCRetryMaxDelay
		}
	}
}
