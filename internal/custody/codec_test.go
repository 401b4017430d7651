package custody

import (
	"errors"
	"fmt"
	"testing"

	"github.com/coldbell/custody/backend/internal/clock"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memAccount struct {
	key      solana.PublicKey
	owner    solana.PublicKey
	data     []byte
	lamports uint64
	maxSize  int
}

func (a *memAccount) Key() solana.PublicKey   { return a.key }
func (a *memAccount) Owner() solana.PublicKey { return a.owner }
func (a *memAccount) Data() []byte            { return a.data }
func (a *memAccount) Lamports() uint64        { return a.lamports }
func (a *memAccount) SetLamports(v uint64)    { a.lamports = v }

func (a *memAccount) Realloc(size int) error {
	if a.maxSize > 0 && size > a.maxSize {
		return fmt.Errorf("realloc to %d exceeds %d", size, a.maxSize)
	}
	grown := make([]byte, size)
	copy(grown, a.data)
	a.data = grown
	return nil
}

type initFunc func(InitArgs) (Record, error)

func (f initFunc) Init(args InitArgs) (Record, error) { return f(args) }

func sampleRecord() Record {
	return Record{
		Deadline:     clock.Slot(1000),
		Amount:       1500,
		Counterparty: solana.MustPublicKeyFromBase58("9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"),
		Status:       StatusOpen,
	}
}

func TestEncodeCoreLayout(t *testing.T) {
	rec := sampleRecord()
	data, err := Encode(rec)
	require.NoError(t, err)
	require.Len(t, data, CoreWidth)
	assert.Equal(t, CoreWidth, Width(rec))

	assert.Equal(t, byte(clock.KindSlot), data[0])
	assert.Equal(t, []byte{0xe8, 0x03, 0, 0, 0, 0, 0, 0}, data[1:9])
	assert.Equal(t, []byte{0xdc, 0x05, 0, 0, 0, 0, 0, 0}, data[9:17])
	assert.Equal(t, rec.Counterparty[:], data[17:49])
	assert.Equal(t, byte(StatusOpen), data[StatusOffset])
}

func TestCodecRoundTripWithHistory(t *testing.T) {
	rec := sampleRecord()
	rec.Deadline = clock.UnixTimestamp(-42)
	rec.History = []Entry{
		{At: clock.UnixTimestamp(-100), Amount: 900, Counterparty: solana.SystemProgramID},
		{At: clock.UnixTimestamp(-50), Amount: 1500, Counterparty: rec.Counterparty},
	}
	data, err := Encode(rec)
	require.NoError(t, err)
	assert.Len(t, data, CoreWidth+2+2*EntryWidth)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, rec, out)
}

func TestDecodeRejectsCorruptData(t *testing.T) {
	valid, err := Encode(sampleRecord())
	require.NoError(t, err)

	badTag := append([]byte(nil), valid...)
	badTag[0] = 0

	badStatus := append([]byte(nil), valid...)
	badStatus[StatusOffset] = 9

	uninitialized := append([]byte(nil), valid...)
	uninitialized[StatusOffset] = byte(StatusUninitialized)

	zeroCount := append(append([]byte(nil), valid...), 0, 0)
	shortHistory := append(append([]byte(nil), valid...), 1, 0, 1, 2, 3)

	cases := map[string][]byte{
		"short":          valid[:CoreWidth-1],
		"bad signal tag": badTag,
		"bad status":     badStatus,
		"uninitialized":  uninitialized,
		"zero history":   zeroCount,
		"short history":  shortHistory,
		"dangling byte":  append(append([]byte(nil), valid...), 7),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(data)
			assert.ErrorIs(t, err, ErrCorruptRecord)
			assert.Equal(t, CodeCorruptRecord, CodeOf(err))
		})
	}
}

func TestEncodeRejectsUnpersistableRecord(t *testing.T) {
	rec := sampleRecord()
	rec.Status = StatusUninitialized
	_, err := Encode(rec)
	assert.ErrorIs(t, err, ErrCorruptRecord)

	rec = sampleRecord()
	rec.Deadline = clock.Reading{}
	_, err = Encode(rec)
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestLoadOrInitInitializesEmptyAccount(t *testing.T) {
	acct := &memAccount{key: solana.SystemProgramID}
	signer := solana.MustPublicKeyFromBase58("9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin")
	var seen InitArgs
	init := initFunc(func(args InitArgs) (Record, error) {
		seen = args
		return Record{Deadline: clock.Slot(args.Value), Counterparty: args.Signer, Status: StatusOpen}, nil
	})

	rec, initialized, err := LoadOrInit(acct, init, InitArgs{Signer: signer, Value: 1000})
	require.NoError(t, err)
	assert.True(t, initialized)
	assert.Equal(t, signer, seen.Signer)
	assert.Equal(t, clock.Slot(1000), rec.Deadline)
	assert.Len(t, acct.data, CoreWidth)

	again, initialized, err := LoadOrInit(acct, init, InitArgs{})
	require.NoError(t, err)
	assert.False(t, initialized)
	assert.Equal(t, rec, again)
}

func TestLoadOrInitLeavesAccountOnInitFailure(t *testing.T) {
	acct := &memAccount{}
	boom := errors.New("boom")
	_, _, err := LoadOrInit(acct, initFunc(func(InitArgs) (Record, error) { return Record{}, boom }), InitArgs{})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, acct.data)
}

func TestStoreResizesForHistory(t *testing.T) {
	acct := &memAccount{}
	rec := sampleRecord()
	require.NoError(t, Store(acct, rec))
	assert.Len(t, acct.data, CoreWidth)

	rec.History = []Entry{{At: clock.Slot(10), Amount: 5}}
	require.NoError(t, Store(acct, rec))
	assert.Len(t, acct.data, CoreWidth+2+EntryWidth)

	acct.maxSize = CoreWidth + 2 + EntryWidth
	rec.History = append(rec.History, Entry{At: clock.Slot(11), Amount: 6})
	assert.Error(t, Store(acct, rec))
}

func TestCodeOf(t *testing.T) {
	cases := []struct {
		err  error
		code Code
	}{
		{nil, CodeOK},
		{fmt.Errorf("withdraw: %w", ErrTooEarly), CodeTooEarly},
		{ErrTooLate, CodeTooLate},
		{ErrAlreadySettled, CodeAlreadySettled},
		{ErrValueTooLow, CodeValueTooLow},
		{ErrUnauthorized, CodeUnauthorized},
		{ErrExpired, CodeExpired},
		{ErrInvalidInstruction, CodeInvalidInstruction},
		{ErrAccountMismatch, CodeAccountMismatch},
		{ErrPolicyViolation, CodePolicyViolation},
		{fmt.Errorf("%w: rpc down", ErrOracleUnavailable), CodeOracleUnavailable},
		{clock.ErrUntrustedSignal, CodeSignalMismatch},
		{ErrCorruptRecord, CodeCorruptRecord},
		{ErrArithmeticFault, CodeArithmeticFault},
		{errors.New("disk on fire"), CodeInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, CodeOf(tc.err), "%v", tc.err)
	}

	assert.False(t, Fatal(ErrTooEarly))
	assert.True(t, Fatal(ErrArithmeticFault))
	assert.False(t, Fatal(nil))
	assert.Equal(t, "too_early", CodeTooEarly.String())
}

func TestDeriveCustodyPDAIsStable(t *testing.T) {
	program := solana.MustPublicKeyFromBase58("Stake11111111111111111111111111111111111111")
	owner := solana.MustPublicKeyFromBase58("9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin")

	a, _, err := DeriveCustodyPDA(program, owner, 1)
	require.NoError(t, err)
	b := MustDeriveCustodyPDA(program, owner, 1)
	c := MustDeriveCustodyPDA(program, owner, 2)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
