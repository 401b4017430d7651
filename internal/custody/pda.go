package custody

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var custodySeed = []byte("custody")

// DeriveCustodyPDA returns the program-derived address of owner's seed-th custody account.
func DeriveCustodyPDA(programID, owner solana.PublicKey, seed uint64) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{custodySeed, owner.Bytes(), u64LE(seed)}, programID)
}

func MustDeriveCustodyPDA(programID, owner solana.PublicKey, seed uint64) solana.PublicKey {
	pk, _, err := DeriveCustodyPDA(programID, owner, seed)
	if err != nil {
		panic(fmt.Errorf("derive custody PDA: %w", err))
	}
	return pk
}

func u64LE(value uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	return buf
}
