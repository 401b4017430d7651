package custody

import (
	"bytes"
	"fmt"
	"math"

	"github.com/coldbell/custody/backend/internal/clock"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const (
	// CoreWidth: deadline tag(1) + deadline(8) + amount(8) + counterparty(32) + status(1).
	CoreWidth = 50
	// EntryWidth: tag(1) + reading(8) + amount(8) + counterparty(32).
	EntryWidth = 49
	// StatusOffset locates the status byte, for RPC memcmp filters.
	StatusOffset = CoreWidth - 1

	historyCountWidth = 2
)

// Width is the encoded size of rec.
func Width(rec Record) int {
	if len(rec.History) == 0 {
		return CoreWidth
	}
	return CoreWidth + historyCountWidth + len(rec.History)*EntryWidth
}

type recordWriter struct {
	enc *bin.Encoder
	err error
}

func (w *recordWriter) u8(v uint8) {
	if w.err == nil {
		w.err = w.enc.WriteUint8(v)
	}
}

func (w *recordWriter) u16(v uint16) {
	if w.err == nil {
		w.err = w.enc.WriteUint16(v, bin.LE)
	}
}

func (w *recordWriter) u64(v uint64) {
	if w.err == nil {
		w.err = w.enc.WriteUint64(v, bin.LE)
	}
}

func (w *recordWriter) key(k solana.PublicKey) {
	if w.err == nil {
		w.err = w.enc.WriteBytes(k[:], false)
	}
}

func (w *recordWriter) reading(r clock.Reading) {
	w.u8(uint8(r.Kind()))
	w.u64(r.Raw())
}

func Encode(rec Record) ([]byte, error) {
	if !rec.Deadline.Kind().Valid() {
		return nil, fmt.Errorf("%w: deadline has no signal", ErrCorruptRecord)
	}
	switch rec.Status {
	case StatusOpen, StatusSettled, StatusExpired:
	default:
		return nil, fmt.Errorf("%w: cannot persist status %s", ErrCorruptRecord, rec.Status)
	}
	if len(rec.History) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: history length %d", ErrCorruptRecord, len(rec.History))
	}

	buf := new(bytes.Buffer)
	buf.Grow(Width(rec))
	w := &recordWriter{enc: bin.NewBinEncoder(buf)}
	w.reading(rec.Deadline)
	w.u64(rec.Amount)
	w.key(rec.Counterparty)
	w.u8(uint8(rec.Status))
	if len(rec.History) > 0 {
		w.u16(uint16(len(rec.History)))
		for _, entry := range rec.History {
			if !entry.At.Kind().Valid() {
				return nil, fmt.Errorf("%w: history entry has no signal", ErrCorruptRecord)
			}
			w.reading(entry.At)
			w.u64(entry.Amount)
			w.key(entry.Counterparty)
		}
	}
	if w.err != nil {
		return nil, fmt.Errorf("encode custody record: %w", w.err)
	}
	return buf.Bytes(), nil
}

func Decode(data []byte) (Record, error) {
	if len(data) < CoreWidth {
		return Record{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrCorruptRecord, len(data), CoreWidth)
	}
	dec := bin.NewBinDecoder(data)

	deadline, err := readReading(dec)
	if err != nil {
		return Record{}, fmt.Errorf("%w: deadline: %w", ErrCorruptRecord, err)
	}
	amount, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return Record{}, fmt.Errorf("%w: amount: %w", ErrCorruptRecord, err)
	}
	counterparty, err := readKey(dec)
	if err != nil {
		return Record{}, fmt.Errorf("%w: counterparty: %w", ErrCorruptRecord, err)
	}
	statusTag, err := dec.ReadUint8()
	if err != nil {
		return Record{}, fmt.Errorf("%w: status: %w", ErrCorruptRecord, err)
	}
	status := Status(statusTag)
	switch status {
	case StatusOpen, StatusSettled, StatusExpired:
	default:
		return Record{}, fmt.Errorf("%w: status tag %d", ErrCorruptRecord, statusTag)
	}

	rec := Record{
		Deadline:     deadline,
		Amount:       amount,
		Counterparty: counterparty,
		Status:       status,
	}
	if dec.Remaining() == 0 {
		return rec, nil
	}

	count, err := dec.ReadUint16(bin.LE)
	if err != nil {
		return Record{}, fmt.Errorf("%w: history count: %w", ErrCorruptRecord, err)
	}
	if count == 0 || dec.Remaining() != int(count)*EntryWidth {
		return Record{}, fmt.Errorf("%w: history of %d entries in %d bytes", ErrCorruptRecord, count, dec.Remaining())
	}
	rec.History = make([]Entry, 0, count)
	for i := 0; i < int(count); i++ {
		at, err := readReading(dec)
		if err != nil {
			return Record{}, fmt.Errorf("%w: history[%d]: %w", ErrCorruptRecord, i, err)
		}
		entryAmount, err := dec.ReadUint64(bin.LE)
		if err != nil {
			return Record{}, fmt.Errorf("%w: history[%d] amount: %w", ErrCorruptRecord, i, err)
		}
		who, err := readKey(dec)
		if err != nil {
			return Record{}, fmt.Errorf("%w: history[%d] counterparty: %w", ErrCorruptRecord, i, err)
		}
		rec.History = append(rec.History, Entry{At: at, Amount: entryAmount, Counterparty: who})
	}
	return rec, nil
}

func readReading(dec *bin.Decoder) (clock.Reading, error) {
	tag, err := dec.ReadUint8()
	if err != nil {
		return clock.Reading{}, err
	}
	raw, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return clock.Reading{}, err
	}
	return clock.FromRaw(clock.Kind(tag), raw)
}

func readKey(dec *bin.Decoder) (solana.PublicKey, error) {
	raw, err := dec.ReadNBytes(solana.PublicKeyLength)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBytes(raw), nil
}

// LoadOrInit decodes the record in acct, or on an empty account builds one with
// init, sizes the account and writes it. Initialization ends the invocation.
func LoadOrInit(acct Account, init InitPolicy, args InitArgs) (Record, bool, error) {
	if len(acct.Data()) == 0 {
		rec, err := init.Init(args)
		if err != nil {
			return Record{}, false, err
		}
		if err := Store(acct, rec); err != nil {
			return Record{}, false, err
		}
		return rec, true, nil
	}
	rec, err := Decode(acct.Data())
	if err != nil {
		return Record{}, false, err
	}
	return rec, false, nil
}

// Store writes rec back, resizing the account first when the encoded width moved.
func Store(acct Account, rec Record) error {
	encoded, err := Encode(rec)
	if err != nil {
		return err
	}
	if len(acct.Data()) != len(encoded) {
		if err := acct.Realloc(len(encoded)); err != nil {
			return fmt.Errorf("realloc custody account %s to %d bytes: %w", acct.Key(), len(encoded), err)
		}
	}
	copy(acct.Data(), encoded)
	return nil
}
