// Package position keeps pending target orders, at most one sell and one
// buy per user, persisted in BuntDB.
package position

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/buntdb"
	"go.uber.org/zap"
)

type Side string

const (
	SideSellPending Side = "sell_pending"
	SideBuyPending  Side = "buy_pending"
)

const keyPrefix = "pos:"

var ErrInvalidPosition = errors.New("invalid position")

// Position is a pending order waiting for its price trigger.
type Position struct {
	UserID    string `json:"user_id"`
	TokenMint string `json:"token_mint"`
	Side      Side   `json:"side"`
	// EntryPrice and TargetMultiplier are set for sells, TargetPrice for buys.
	EntryPrice       decimal.Decimal `json:"entry_price"`
	TargetMultiplier decimal.Decimal `json:"target_multiplier"`
	TargetPrice      decimal.Decimal `json:"target_price"`
	// Amount is in UI units: tokens for sells, SOL for buys. A zero sell
	// amount means the whole balance at fire time.
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

// TriggerPrice is the price at which the position fires.
func (p Position) TriggerPrice() decimal.Decimal {
	if p.Side == SideSellPending {
		return p.EntryPrice.Mul(p.TargetMultiplier)
	}
	return p.TargetPrice
}

// Triggered reports whether price crosses the trigger. A non-positive
// price never triggers.
func (p Position) Triggered(price decimal.Decimal) bool {
	if !price.IsPositive() {
		return false
	}
	switch p.Side {
	case SideSellPending:
		return price.GreaterThanOrEqual(p.TriggerPrice())
	case SideBuyPending:
		return price.LessThanOrEqual(p.TargetPrice)
	}
	return false
}

func key(userID string, side Side) string {
	return keyPrefix + userID + ":" + string(side)
}

type Store struct {
	db     *buntdb.DB
	logger *zap.Logger
	now    func() time.Time
}

// Open opens a store at path; ":memory:" keeps it in memory.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open buntdb: %w", err)
	}
	var cfg buntdb.Config
	if err := db.ReadConfig(&cfg); err == nil {
		cfg.SyncPolicy = buntdb.Always
		if err := db.SetConfig(cfg); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to configure buntdb: %w", err)
		}
	}
	s := &Store{db: db, logger: logger.Named("positions"), now: time.Now}

	n := 0
	_ = db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(keyPrefix+"*", func(_, _ string) bool {
			n++
			return true
		})
	})
	s.logger.Info("Positions loaded", zap.String("path", path), zap.Int("count", n))
	return s, nil
}

func (s *Store) put(p Position) (Position, error) {
	p.CreatedAt = s.now().UTC()
	content, err := json.Marshal(p)
	if err != nil {
		return Position{}, fmt.Errorf("failed to marshal position: %w", err)
	}
	err = s.db.Update(func(tx *buntdb.Tx) error {
		_, replaced, err := tx.Set(key(p.UserID, p.Side), string(content), nil)
		if err != nil {
			return err
		}
		if replaced {
			s.logger.Info("Pending order replaced",
				zap.String("user_id", p.UserID),
				zap.String("side", string(p.Side)))
		}
		return nil
	})
	if err != nil {
		return Position{}, fmt.Errorf("failed to store position: %w", err)
	}
	return p, nil
}

// SetSellTarget arms a sell at entryPrice*multiplier, replacing any
// pending sell for the user.
func (s *Store) SetSellTarget(userID, mint string, multiplier, entryPrice, amount decimal.Decimal) (Position, error) {
	if userID == "" || mint == "" || !multiplier.IsPositive() || !entryPrice.IsPositive() || amount.IsNegative() {
		return Position{}, fmt.Errorf("%w: sell target needs user, mint, positive multiplier and entry price", ErrInvalidPosition)
	}
	return s.put(Position{
		UserID:           userID,
		TokenMint:        mint,
		Side:             SideSellPending,
		EntryPrice:       entryPrice,
		TargetMultiplier: multiplier,
		Amount:           amount,
	})
}

// SetBuyTarget arms a buy of amount SOL at or below price.
func (s *Store) SetBuyTarget(userID, mint string, price, amount decimal.Decimal) (Position, error) {
	if userID == "" || mint == "" || !price.IsPositive() || !amount.IsPositive() {
		return Position{}, fmt.Errorf("%w: buy target needs user, mint, positive price and amount", ErrInvalidPosition)
	}
	return s.put(Position{
		UserID:      userID,
		TokenMint:   mint,
		Side:        SideBuyPending,
		TargetPrice: price,
		Amount:      amount,
	})
}

func (s *Store) cancel(userID string, side Side) (bool, error) {
	removed := false
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key(userID, side))
		if errors.Is(err, buntdb.ErrNotFound) {
			return nil
		}
		if err == nil {
			removed = true
		}
		return err
	})
	return removed, err
}

func (s *Store) CancelSell(userID string) (bool, error) { return s.cancel(userID, SideSellPending) }
func (s *Store) CancelBuy(userID string) (bool, error)  { return s.cancel(userID, SideBuyPending) }

func (s *Store) scan(pattern string) ([]Position, error) {
	out := make([]Position, 0)
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(pattern, func(k, value string) bool {
			var p Position
			if err := json.Unmarshal([]byte(value), &p); err != nil {
				s.logger.Error("Skipping undecodable position", zap.String("key", k), zap.Error(err))
				return true
			}
			out = append(out, p)
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate over positions: %w", err)
	}
	return out, nil
}

// Snapshot returns a copy of every pending position ordered by user and
// side. Later mutations do not affect it.
func (s *Store) Snapshot() ([]Position, error) {
	return s.scan(keyPrefix + "*")
}

// List returns the user's pending positions.
func (s *Store) List(userID string) ([]Position, error) {
	all, err := s.scan(keyPrefix + "*")
	if err != nil {
		return nil, err
	}
	// userID may itself contain glob characters, so filter exactly.
	out := all[:0]
	for _, p := range all {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

// Take removes the position if it is still the one the caller saw
// (same CreatedAt). It returns false when the position was cancelled or
// replaced in the meantime.
func (s *Store) Take(userID string, side Side, expect time.Time) (Position, bool, error) {
	var taken Position
	ok := false
	err := s.db.Update(func(tx *buntdb.Tx) error {
		k := key(userID, side)
		value, err := tx.Get(k)
		if errors.Is(err, buntdb.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var p Position
		if err := json.Unmarshal([]byte(value), &p); err != nil {
			return fmt.Errorf("decode position %s: %w", k, err)
		}
		if !p.CreatedAt.Equal(expect) {
			return nil
		}
		if _, err := tx.Delete(k); err != nil {
			return err
		}
		taken, ok = p, true
		return nil
	})
	if err != nil {
		return Position{}, false, fmt.Errorf("take position: %w", err)
	}
	return taken, ok, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// String renders a position for notifications.
func (p Position) String() string {
	var b strings.Builder
	switch p.Side {
	case SideSellPending:
		fmt.Fprintf(&b, "sell %s at %sx of %s SOL (trigger %s)", amountText(p.Amount, "all"), p.TargetMultiplier, p.EntryPrice, p.TriggerPrice())
	case SideBuyPending:
		fmt.Fprintf(&b, "buy for %s SOL at <= %s SOL", p.Amount, p.TargetPrice)
	}
	return b.String()
}

func amountText(a decimal.Decimal, zero string) string {
	if a.IsZero() {
		return zero
	}
	return a.String()
}
