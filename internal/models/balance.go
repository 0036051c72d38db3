package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrBalanceInvariant - нарушено total == free + locked
var ErrBalanceInvariant = errors.New("balance invariant violated: total != free + locked")

// Balance - остаток по активу. Всегда total == free + locked
type Balance struct {
	Asset     string          `json:"asset"`
	Free      decimal.Decimal `json:"free"`
	Locked    decimal.Decimal `json:"locked"`
	Total     decimal.Decimal `json:"total"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewBalance строит баланс из свободной и заблокированной частей
func NewBalance(asset string, free, locked decimal.Decimal) (Balance, error) {
	b := Balance{Asset: asset, Free: free, Locked: locked, Total: free.Add(locked)}
	return b, b.Validate()
}

// NewBalanceFromTotal строит баланс, когда площадка отдаёт total и locked
// (свободная часть вычисляется)
func NewBalanceFromTotal(asset string, total, locked decimal.Decimal) (Balance, error) {
	b := Balance{Asset: asset, Free: total.Sub(locked), Locked: locked, Total: total}
	return b, b.Validate()
}

// Validate проверяет инвариант и неотрицательность частей
func (b Balance) Validate() error {
	if b.Asset == "" {
		return errors.New("balance asset is empty")
	}
	if b.Free.IsNegative() || b.Locked.IsNegative() {
		return fmt.Errorf("%s: negative balance part (free=%s locked=%s)", b.Asset, b.Free, b.Locked)
	}
	if !b.Total.Equal(b.Free.Add(b.Locked)) {
		return fmt.Errorf("%s: %w", b.Asset, ErrBalanceInvariant)
	}
	return nil
}
