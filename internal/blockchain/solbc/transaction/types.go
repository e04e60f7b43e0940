// internal/blockchain/solbc/transaction/types.go
package transaction

import (
	"context"
	"errors"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

var (
	ErrInvalidSignature   = errors.New("invalid transaction signature")
	ErrInvalidBlockhash   = errors.New("invalid blockhash")
	ErrInvalidInstruction = errors.New("invalid instruction")
)

type Config struct {
	// MaxAttempts bounds how many times a transaction is rebuilt after its
	// blockhash expires.
	MaxAttempts      int
	RetryDelay       time.Duration
	ConfirmationTime time.Duration
	PollInterval     time.Duration
	SkipPreflight    bool
	Commitment       rpc.CommitmentType
}

// DefaultConfig returns the settings used in production.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		RetryDelay:       500 * time.Millisecond,
		ConfirmationTime: 30 * time.Second,
		PollInterval:     500 * time.Millisecond,
		Commitment:       rpc.CommitmentConfirmed,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.ConfirmationTime <= 0 {
		c.ConfirmationTime = d.ConfirmationTime
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.Commitment == "" {
		c.Commitment = d.Commitment
	}
	return c
}

// Chain is what the manager needs from the RPC layer.
type Chain interface {
	Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	// SignatureStatus returns nil when the node has not seen the signature.
	SignatureStatus(ctx context.Context, sig solana.Signature) (*rpc.SignatureStatusesResult, error)
	IsBlockhashValid(ctx context.Context, hash solana.Hash) (bool, error)
}

// State is where a submitted transaction stands from the node's view.
type State int

const (
	StatePending State = iota
	StateConfirmed
	StateFinalized
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConfirmed:
		return "confirmed"
	case StateFinalized:
		return "finalized"
	case StateFailed:
		return "failed"
	default:
		return "pending"
	}
}

type Status struct {
	Signature solana.Signature
	State     State
	Slot      uint64
	// Error is the on-chain failure, empty unless State is StateFailed.
	Error string
}

// Confirmed reports whether the transaction landed without error.
func (s *Status) Confirmed() bool {
	return s.State == StateConfirmed || s.State == StateFinalized
}
