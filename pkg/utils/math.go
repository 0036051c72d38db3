package utils

import (
	"github.com/shopspring/decimal"
)

// math.go - денежная арифметика на decimal
//
// Используется адаптерами (округление под шаг биржи)
// и индикаторами алертов (спред, изменение цены).

var hundred = decimal.NewFromInt(100)

// RoundToStep округляет значение ВНИЗ до кратного step.
// Если step <= 0, возвращает исходное значение.
//
// Примеры:
//   - RoundToStep(0.123456, 0.001) = 0.123
//   - RoundToStep(100.5, 1) = 100
func RoundToStep(value, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// RoundToStepNearest округляет до ближайшего кратного step (цены под tick size)
func RoundToStepNearest(value, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return value
	}
	return value.Div(step).Round(0).Mul(step)
}

// Mid - середина между bid и ask
func Mid(bid, ask decimal.Decimal) decimal.Decimal {
	return bid.Add(ask).Div(decimal.NewFromInt(2))
}

// SpreadPct - спред в процентах от mid: (ask - bid) / mid * 100.
// При нулевом mid возвращает 0.
func SpreadPct(bid, ask decimal.Decimal) decimal.Decimal {
	mid := Mid(bid, ask)
	if mid.IsZero() {
		return decimal.Zero
	}
	return ask.Sub(bid).Div(mid).Mul(hundred)
}

// ChangePct - изменение в процентах от base: (value - base) / base * 100
func ChangePct(base, value decimal.Decimal) decimal.Decimal {
	if base.IsZero() {
		return decimal.Zero
	}
	return value.Sub(base).Div(base).Mul(hundred)
}

// MinDecimal / MaxDecimal
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

func MaxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}
