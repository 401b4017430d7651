package ledger

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/coldbell/custody/backend/internal/custody"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var programID = solana.MustPublicKeyFromBase58("Stake11111111111111111111111111111111111111")

func TestFundAndSnapshot(t *testing.T) {
	bank := NewBank()
	key := solana.NewWallet().PublicKey()

	_, err := bank.Fund(key, solana.SystemProgramID, 100)
	require.NoError(t, err)
	_, err = bank.Fund(key, solana.SystemProgramID, 50)
	require.NoError(t, err)

	state, err := bank.Snapshot(key)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), state.Lamports)
	assert.Equal(t, solana.SystemProgramID, state.Owner)

	_, err = bank.Fund(key, solana.SystemProgramID, math.MaxUint64)
	assert.ErrorIs(t, err, custody.ErrArithmeticFault)

	_, err = bank.Snapshot(solana.NewWallet().PublicKey())
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestOpenCustodyDerivesPDA(t *testing.T) {
	bank := NewBank()
	owner := solana.NewWallet().PublicKey()

	acct, err := bank.OpenCustody(programID, owner, 7, 890_880)
	require.NoError(t, err)
	assert.Equal(t, custody.MustDeriveCustodyPDA(programID, owner, 7), acct.Key())
	assert.Equal(t, programID, acct.Owner())
	assert.Equal(t, uint64(890_880), acct.Lamports())
	assert.Empty(t, acct.Data())

	_, err = bank.OpenCustody(programID, owner, 7, 0)
	assert.Error(t, err)
}

func TestReallocIsBoundedPerTransaction(t *testing.T) {
	bank := NewBank()
	acct := bank.Load(State{Key: solana.NewWallet().PublicKey(), Owner: programID, Data: make([]byte, 100)})

	err := bank.Execute(context.Background(), []solana.PublicKey{acct.Key()}, func(context.Context) error {
		require.NoError(t, acct.Realloc(100+MaxPermittedDataIncrease))
		return acct.Realloc(100 + MaxPermittedDataIncrease + 1)
	})
	assert.ErrorIs(t, err, ErrReallocTooLarge)
	assert.Len(t, acct.Data(), 100)

	err = bank.Execute(context.Background(), []solana.PublicKey{acct.Key()}, func(context.Context) error {
		return acct.Realloc(10)
	})
	require.NoError(t, err)
	assert.Len(t, acct.Data(), 10)

	assert.Error(t, acct.Realloc(-1))
}

func TestExecuteRollsBackOnFailure(t *testing.T) {
	bank := NewBank()
	a, err := bank.Fund(solana.NewWallet().PublicKey(), solana.SystemProgramID, 100)
	require.NoError(t, err)
	b := bank.Load(State{Key: solana.NewWallet().PublicKey(), Owner: programID, Lamports: 5, Data: []byte{1, 2, 3}})

	boom := errors.New("boom")
	err = bank.Execute(context.Background(), []solana.PublicKey{a.Key(), b.Key(), a.Key()}, func(context.Context) error {
		a.SetLamports(0)
		b.SetLamports(105)
		b.Data()[0] = 9
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(100), a.Lamports())
	assert.Equal(t, uint64(5), b.Lamports())
	assert.Equal(t, []byte{1, 2, 3}, b.Data())

	ctx, cancel := context.WithCancel(context.Background())
	err = bank.Execute(ctx, []solana.PublicKey{a.Key()}, func(context.Context) error {
		a.SetLamports(1)
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(100), a.Lamports())

	err = bank.Execute(context.Background(), []solana.PublicKey{solana.NewWallet().PublicKey()}, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestExecuteSerializesOverlappingWriters(t *testing.T) {
	bank := NewBank()
	a, err := bank.Fund(solana.NewWallet().PublicKey(), solana.SystemProgramID, 1000)
	require.NoError(t, err)
	b, err := bank.Fund(solana.NewWallet().PublicKey(), solana.SystemProgramID, 1000)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = bank.Execute(context.Background(), []solana.PublicKey{a.Key(), b.Key()}, func(context.Context) error {
				a.SetLamports(a.Lamports() - 1)
				b.SetLamports(b.Lamports() + 1)
				return nil
			})
		}()
		go func() {
			defer wg.Done()
			_ = bank.Execute(context.Background(), []solana.PublicKey{b.Key(), a.Key()}, func(context.Context) error {
				b.SetLamports(b.Lamports() - 1)
				a.SetLamports(a.Lamports() + 1)
				return nil
			})
		}()
	}
	wg.Wait()

	sa, err := bank.Snapshot(a.Key())
	require.NoError(t, err)
	sb, err := bank.Snapshot(b.Key())
	require.NoError(t, err)
	assert.Equal(t, uint64(2000), sa.Lamports+sb.Lamports)
	assert.Equal(t, uint64(1000), sa.Lamports)
}

func TestFundDoesNotBlockBehindExecute(t *testing.T) {
	bank := NewBank()
	a, err := bank.Fund(solana.NewWallet().PublicKey(), solana.SystemProgramID, 1)
	require.NoError(t, err)
	b, err := bank.Fund(solana.NewWallet().PublicKey(), solana.SystemProgramID, 1)
	require.NoError(t, err)
	keys := []solana.PublicKey{a.Key(), b.Key()}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				for j := 0; j < 200; j++ {
					_ = bank.Execute(context.Background(), keys, func(context.Context) error { return nil })
				}
			}()
			go func(key solana.PublicKey) {
				defer wg.Done()
				for j := 0; j < 200; j++ {
					_, _ = bank.Fund(key, solana.SystemProgramID, 1)
				}
			}(keys[i%2])
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(20 * time.Second):
		t.Fatal("fund and execute deadlocked")
	}

	sa, err := bank.Snapshot(a.Key())
	require.NoError(t, err)
	sb, err := bank.Snapshot(b.Key())
	require.NoError(t, err)
	assert.Equal(t, uint64(2+16*200), sa.Lamports+sb.Lamports)
}
