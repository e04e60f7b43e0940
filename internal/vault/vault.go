// Package vault keeps the custodial keypairs. Private keys exist in
// plaintext only inside DecryptKey's return value; the table on disk is a
// single encrypted blob whose entries carry individually encrypted keys.
package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/custody-bot/internal/types"
	"github.com/rovshanmuradov/custody-bot/internal/wallet"
)

// historyLimit bounds the per-wallet summary kept in the table; the ledger
// holds the full record.
const historyLimit = 100

var ErrNotFound = fmt.Errorf("wallet not found: %w", types.ErrNoWallet)

// TxSummary is the wallet-local copy of a ledger record.
type TxSummary struct {
	TxID      string    `json:"tx_id"`
	Side      string    `json:"side"`
	Amount    string    `json:"amount"`
	Price     string    `json:"price"`
	Fee       string    `json:"fee"`
	Timestamp time.Time `json:"timestamp"`
}

// Wallet is a custodial wallet entry.
type Wallet struct {
	UserID       string      `json:"user_id"`
	Address      string      `json:"address"`
	EncryptedKey string      `json:"encrypted_key"`
	CachedSOL    uint64      `json:"cached_sol_lamports"`
	CachedToken  uint64      `json:"cached_token_raw"`
	History      []TxSummary `json:"history"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

func (w *Wallet) clone() *Wallet {
	c := *w
	c.History = append([]TxSummary(nil), w.History...)
	return &c
}

// Vault is the encrypted wallet table.
type Vault struct {
	path     string
	lockPath string
	keys     *Keyring
	logger   *zap.Logger

	mu      sync.RWMutex
	wallets map[string]*Wallet
}

// Open loads the table at path. A missing file starts an empty table. A
// corrupt or undecryptable file is moved aside and the table starts empty:
// wallets in it are lost to this process.
func Open(path string, keys *Keyring, logger *zap.Logger) (*Vault, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}
	v := &Vault{
		path:     path,
		lockPath: path + ".lock",
		keys:     keys,
		logger:   logger.Named("vault"),
		wallets:  make(map[string]*Wallet),
	}

	lock, err := acquireLock(v.lockPath)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	table, version, err := v.readTable()
	switch {
	case errors.Is(err, os.ErrNotExist):
		v.logger.Info("Wallet table not found, starting empty", zap.String("path", path))
		return v, nil
	case err != nil:
		v.quarantine(err)
		return v, nil
	}
	v.wallets = table

	if version != keys.Current() {
		v.logger.Info("Wallet table encrypted under an older key, re-encrypting",
			zap.Int("from_version", version),
			zap.Int("to_version", keys.Current()))
		if _, err := v.reencryptLocked(); err != nil {
			return nil, err
		}
	}

	v.logger.Info("Wallet table loaded", zap.Int("wallets", len(v.wallets)))
	return v, nil
}

// quarantine logs the data loss and renames the unreadable file so the next
// write does not destroy evidence.
func (v *Vault) quarantine(cause error) {
	aside := fmt.Sprintf("%s.corrupt-%d", v.path, time.Now().Unix())
	renameErr := os.Rename(v.path, aside)
	v.logger.Error("💥 Wallet table unreadable, starting EMPTY: existing wallets are lost to this process",
		zap.String("path", v.path),
		zap.String("moved_to", aside),
		zap.NamedError("rename_error", renameErr),
		zap.Error(cause))
}

func (v *Vault) readTable() (map[string]*Wallet, int, error) {
	blob, err := os.ReadFile(v.path)
	if err != nil {
		return nil, 0, err
	}
	plaintext, err := v.keys.Decrypt(string(blob))
	if err != nil {
		return nil, 0, fmt.Errorf("decrypt wallet table: %w", err)
	}
	table := make(map[string]*Wallet)
	if err := json.Unmarshal(plaintext, &table); err != nil {
		return nil, 0, fmt.Errorf("decode wallet table: %w", err)
	}
	return table, ParseVersion(string(blob)), nil
}

func (v *Vault) writeTable(table map[string]*Wallet) error {
	plaintext, err := json.Marshal(table)
	if err != nil {
		return fmt.Errorf("encode wallet table: %w", err)
	}
	blob, err := v.keys.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt wallet table: %w", err)
	}
	return writeAtomic(v.path, []byte(blob))
}

// writeAtomic writes data to a temp file in the same directory, fsyncs it
// and renames it over path.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// mutate applies fn to the freshest table under both the in-process mutex
// and the inter-process file lock, then persists. fn must not retain the map.
func (v *Vault) mutate(fn func(table map[string]*Wallet) error) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	lock, err := acquireLock(v.lockPath)
	if err != nil {
		return err
	}
	defer lock.release()

	table, _, err := v.readTable()
	switch {
	case errors.Is(err, os.ErrNotExist):
		table = make(map[string]*Wallet)
	case err != nil:
		// Another writer left something unreadable; keep what we hold.
		v.logger.Error("Wallet table unreadable during update, using in-memory copy", zap.Error(err))
		table = make(map[string]*Wallet, len(v.wallets))
		for id, w := range v.wallets {
			table[id] = w.clone()
		}
	}

	if err := fn(table); err != nil {
		return err
	}
	if err := v.writeTable(table); err != nil {
		return err
	}
	v.wallets = table
	return nil
}

// CreateIfAbsent returns the user's wallet, generating and persisting one if
// none exists. created reports whether this call generated it.
func (v *Vault) CreateIfAbsent(userID string) (w *Wallet, created bool, err error) {
	if userID == "" {
		return nil, false, fmt.Errorf("%w: empty user id", types.ErrInvalidCommand)
	}
	if existing, err := v.Get(userID); err == nil {
		return existing, false, nil
	}

	err = v.mutate(func(table map[string]*Wallet) error {
		if existing, ok := table[userID]; ok {
			w = existing.clone()
			return nil
		}
		kp, err := wallet.Generate()
		if err != nil {
			return err
		}
		encrypted, err := v.keys.Encrypt([]byte(kp.Base58()))
		if err != nil {
			return fmt.Errorf("encrypt private key: %w", err)
		}
		now := time.Now().UTC()
		entry := &Wallet{
			UserID:       userID,
			Address:      kp.PublicKey.String(),
			EncryptedKey: encrypted,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		table[userID] = entry
		w, created = entry.clone(), true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		v.logger.Info("🔐 Wallet created", zap.String("user_id", userID), zap.String("address", w.Address))
	}
	return w, created, nil
}

// Get returns a copy of the user's wallet or ErrNotFound.
func (v *Vault) Get(userID string) (*Wallet, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	w, ok := v.wallets[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return w.clone(), nil
}

// Count returns the number of wallets in the table.
func (v *Vault) Count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.wallets)
}

// DecryptKey returns the signing keypair for w. A key sealed under a version
// this process does not hold, or a key that does not match the stored
// address, is a types.ErrDecryption, never ErrNotFound.
func (v *Vault) DecryptKey(w *Wallet) (*wallet.Wallet, error) {
	v.mu.RLock()
	plaintext, err := v.keys.Decrypt(w.EncryptedKey)
	v.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("%w: wallet of user %s: %v", types.ErrDecryption, w.UserID, err)
	}
	kp, err := wallet.NewWallet(string(plaintext))
	if err != nil {
		return nil, fmt.Errorf("%w: wallet of user %s: %v", types.ErrDecryption, w.UserID, err)
	}
	if kp.PublicKey.String() != w.Address {
		return nil, fmt.Errorf("%w: wallet of user %s: key does not match address", types.ErrDecryption, w.UserID)
	}
	return kp, nil
}

// UpdateBalances stores freshly queried balances.
func (v *Vault) UpdateBalances(userID string, lamports, tokenRaw uint64) error {
	return v.mutate(func(table map[string]*Wallet) error {
		w, ok := table[userID]
		if !ok {
			return ErrNotFound
		}
		w.CachedSOL, w.CachedToken = lamports, tokenRaw
		w.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// AppendHistory records a confirmed transaction on the wallet. A repeated
// tx id is ignored.
func (v *Vault) AppendHistory(userID string, tx TxSummary) error {
	return v.mutate(func(table map[string]*Wallet) error {
		w, ok := table[userID]
		if !ok {
			return ErrNotFound
		}
		for _, h := range w.History {
			if h.TxID == tx.TxID {
				return nil
			}
		}
		w.History = append(w.History, tx)
		if len(w.History) > historyLimit {
			w.History = w.History[len(w.History)-historyLimit:]
		}
		w.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// Rotate makes newVersion/newSecret the current key and re-encrypts every
// wallet key and the table under it. The previous key stays registered for
// decryption. Returns the number of wallets re-encrypted.
func (v *Vault) Rotate(newVersion int, newSecret string) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if newVersion <= v.keys.Current() {
		return 0, fmt.Errorf("%w: new version %d must be greater than current %d", ErrInvalidKey, newVersion, v.keys.Current())
	}
	if err := v.keys.Add(newVersion, newSecret); err != nil {
		return 0, err
	}
	previous := v.keys.Current()
	if err := v.keys.Promote(newVersion); err != nil {
		return 0, err
	}

	lock, err := acquireLock(v.lockPath)
	if err != nil {
		_ = v.keys.Promote(previous)
		return 0, err
	}
	defer lock.release()

	n, err := v.reencryptLocked()
	if err != nil {
		_ = v.keys.Promote(previous)
		return 0, err
	}
	v.logger.Info("🔑 Vault key rotated",
		zap.Int("from_version", previous),
		zap.Int("to_version", newVersion),
		zap.Int("wallets", n))
	return n, nil
}

// reencryptLocked requires v.mu (or exclusive ownership during Open) and the
// file lock. All keys are re-sealed before anything is written, so a wallet
// that cannot be decrypted aborts the rotation with the table untouched.
func (v *Vault) reencryptLocked() (int, error) {
	next := make(map[string]*Wallet, len(v.wallets))
	for id, w := range v.wallets {
		plaintext, err := v.keys.Decrypt(w.EncryptedKey)
		if err != nil {
			return 0, fmt.Errorf("%w: re-encrypt wallet of user %s: %v", types.ErrDecryption, id, err)
		}
		sealed, err := v.keys.Encrypt(plaintext)
		if err != nil {
			return 0, err
		}
		c := w.clone()
		c.EncryptedKey = sealed
		next[id] = c
	}
	if err := v.writeTable(next); err != nil {
		return 0, err
	}
	v.wallets = next
	return len(next), nil
}
