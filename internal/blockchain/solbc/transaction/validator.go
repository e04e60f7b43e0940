// internal/blockchain/solbc/transaction/validator.go
package transaction

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// ValidateTransaction проверяет, что транзакция готова к отправке:
// подписана, содержит blockhash и хотя бы одну инструкцию.
func ValidateTransaction(tx *solana.Transaction) error {
	if tx == nil {
		return fmt.Errorf("%w: nil transaction", ErrInvalidInstruction)
	}
	if err := validateSignatures(tx); err != nil {
		return err
	}
	if tx.Message.RecentBlockhash == (solana.Hash{}) {
		return ErrInvalidBlockhash
	}
	if len(tx.Message.Instructions) == 0 {
		return ErrInvalidInstruction
	}
	return nil
}

func validateSignatures(tx *solana.Transaction) error {
	if len(tx.Signatures) == 0 {
		return ErrInvalidSignature
	}
	for _, sig := range tx.Signatures {
		if sig == (solana.Signature{}) {
			return fmt.Errorf("%w: missing signer", ErrInvalidSignature)
		}
	}
	return nil
}
