// internal/blockchain/solbc/computebudget/computebudget.go
package computebudget

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var ProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

const (
	setComputeUnitLimit uint8 = 2
	setComputeUnitPrice uint8 = 3
)

// TransferUnits is enough for a system transfer plus the two budget
// instructions.
const TransferUnits uint32 = 1_000

// Budget is the compute limit and priority price of a transaction.
type Budget struct {
	Units uint32
	// MicroLamports per compute unit; zero means no priority fee.
	MicroLamports uint64
}

// FeeLamports is the priority fee paid on top of the signature fee,
// rounded up.
func (b Budget) FeeLamports() uint64 {
	if b.MicroLamports == 0 {
		return 0
	}
	return (uint64(b.Units)*b.MicroLamports + 999_999) / 1_000_000
}

// Instructions returns the instructions to prepend. An empty budget
// returns none.
func (b Budget) Instructions() ([]solana.Instruction, error) {
	if b.Units == 0 && b.MicroLamports == 0 {
		return nil, nil
	}
	var out []solana.Instruction
	if b.Units > 0 {
		ix, err := build(setComputeUnitLimit, b.Units)
		if err != nil {
			return nil, fmt.Errorf("failed to build compute unit limit instruction: %w", err)
		}
		out = append(out, ix)
	}
	if b.MicroLamports > 0 {
		ix, err := build(setComputeUnitPrice, b.MicroLamports)
		if err != nil {
			return nil, fmt.Errorf("failed to build compute unit price instruction: %w", err)
		}
		out = append(out, ix)
	}
	return out, nil
}

// build кодирует: 1 байт дискриминатора + значение little-endian
func build(discriminator uint8, value interface{}) (solana.Instruction, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, discriminator); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, value); err != nil {
		return nil, err
	}
	return solana.NewInstruction(ProgramID, solana.AccountMetaSlice{}, buf.Bytes()), nil
}
