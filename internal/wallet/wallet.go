// internal/wallet/wallet.go
package wallet

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

var ErrWiped = errors.New("keypair already wiped")

// Wallet is a decrypted signing keypair. It lives for one operation:
// the vault hands it out, the caller signs and then calls Wipe.
type Wallet struct {
	PrivateKey solana.PrivateKey
	PublicKey  solana.PublicKey
}

// NewWallet decodes a base58 secret key in the solana-keygen/Phantom layout
// (64 bytes: seed followed by the public key).
func NewWallet(privateKeyBase58 string) (*Wallet, error) {
	raw, err := base58.Decode(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}
	if len(raw) != 64 {
		return nil, fmt.Errorf("invalid private key length: expected 64 bytes, got %d", len(raw))
	}
	key := solana.PrivateKey(raw)
	// вторая половина обязана совпадать с публичным ключом семени
	if !key.PublicKey().Equals(solana.PublicKeyFromBytes(raw[32:])) {
		return nil, errors.New("private key does not match its embedded public key")
	}
	return &Wallet{PrivateKey: key, PublicKey: key.PublicKey()}, nil
}

// Generate создаёт новую случайную пару ключей.
func Generate() (*Wallet, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return &Wallet{PrivateKey: key, PublicKey: key.PublicKey()}, nil
}

// Base58 encodes the secret key for sealing in the vault.
func (w *Wallet) Base58() string {
	return base58.Encode(w.PrivateKey)
}

// SignTransaction signs every slot that belongs to this wallet.
func (w *Wallet) SignTransaction(tx *solana.Transaction) error {
	if w.wiped() {
		return ErrWiped
	}
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(w.PublicKey) {
			return &w.PrivateKey
		}
		return nil
	})
	return err
}

// Wipe zeroes the secret key. The public key stays usable.
func (w *Wallet) Wipe() {
	clear(w.PrivateKey)
	w.PrivateKey = nil
}

func (w *Wallet) wiped() bool {
	return len(w.PrivateKey) == 0
}

func (w *Wallet) String() string {
	return w.PublicKey.String()
}
