package alert

import (
	"time"

	"github.com/shopspring/decimal"

	"venuewatch/internal/models"
)

var hundred = decimal.NewFromInt(100)

// Holds проверяет условие на значении.
// equals сравнивает с относительным допуском tol (доля от порога).
func Holds(c models.Condition, v, tol decimal.Decimal) bool {
	switch c.Op {
	case models.OpAbove:
		return v.GreaterThan(c.Threshold)
	case models.OpBelow:
		return v.LessThan(c.Threshold)
	case models.OpEquals:
		band := c.Threshold.Abs().Mul(tol)
		return v.Sub(c.Threshold).Abs().LessThanOrEqual(band)
	case models.OpBetween:
		return v.GreaterThanOrEqual(c.Threshold) && v.LessThanOrEqual(c.Upper)
	case models.OpOutside:
		return v.LessThan(c.Threshold) || v.GreaterThan(c.Upper)
	case models.OpAny:
		return true
	}
	return false
}

// observe - один шаг автомата ARMED/FIRED. true - алерт сработал.
func observe(a *models.Alert, holds bool, now time.Time) bool {
	switch a.State {
	case models.AlertDisabled:
		return false

	case models.AlertFired:
		switch a.Trigger {
		case models.TriggerRecurring:
			if !cooldownElapsed(a, now) {
				return false
			}
			a.State = models.AlertArmed
		default:
			if !holds {
				a.State = models.AlertArmed
			}
			return false
		}
	}

	if holds && cooldownElapsed(a, now) {
		a.State = models.AlertFired
		t := now
		a.LastFiredAt = &t
		return true
	}
	return false
}

func cooldownElapsed(a *models.Alert, now time.Time) bool {
	if a.LastFiredAt == nil || a.Cooldown <= 0 {
		return true
	}
	return now.Sub(*a.LastFiredAt) >= a.Cooldown
}

// ============================================================
// Значения полей
// ============================================================

// tickerValues - поля цены и индикаторов из тикера. Нулевые цены не попадают.
func tickerValues(t models.Ticker) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, 6)
	put := func(name string, v decimal.Decimal) {
		if v.IsPositive() {
			out[name] = v
		}
	}
	put("last", t.Last)
	put("bid", t.Bid)
	put("ask", t.Ask)
	mid := t.Mid()
	put("mid", mid)
	if t.Bid.IsPositive() && t.Ask.IsPositive() && mid.IsPositive() {
		out["spread_pct"] = t.Ask.Sub(t.Bid).Div(mid).Mul(hundred).Round(6)
	}
	if !t.Last.IsZero() {
		out["change_pct"] = t.ChangePercent
	}
	return out
}

// positionValues - поля позиции символа; закрытая позиция даёт нули
func positionValues(ps []models.Position, symbol string) map[string]decimal.Decimal {
	out := map[string]decimal.Decimal{
		"pnl":          decimal.Zero,
		"pnl_pct":      decimal.Zero,
		"margin_ratio": decimal.Zero,
		"size":         decimal.Zero,
	}
	for _, p := range ps {
		if p.Symbol != symbol || !p.IsOpen() {
			continue
		}
		out["pnl"] = p.UnrealizedPnL
		out["pnl_pct"] = p.PnLPercent
		out["margin_ratio"] = p.MarginRatio().Round(4)
		out["size"] = p.Size
		break
	}
	return out
}

// fundingValue - ставка в процентах
func fundingValue(r models.FundingRate) decimal.Decimal {
	return r.Rate.Mul(hundred)
}

// ============================================================
// SMA
// ============================================================

// smaWindow - скользящее среднее последних n значений
type smaWindow struct {
	n      int
	values []decimal.Decimal
	pos    int
	full   bool
	sum    decimal.Decimal
}

func newSMA(n int) *smaWindow {
	return &smaWindow{n: n, values: make([]decimal.Decimal, n)}
}

// push добавляет значение; ok=false, пока окно не заполнено
func (w *smaWindow) push(v decimal.Decimal) (decimal.Decimal, bool) {
	if w.full {
		w.sum = w.sum.Sub(w.values[w.pos])
	}
	w.values[w.pos] = v
	w.sum = w.sum.Add(v)
	w.pos++
	if w.pos == w.n {
		w.pos = 0
		w.full = true
	}
	if !w.full {
		return decimal.Zero, false
	}
	return w.sum.Div(decimal.NewFromInt(int64(w.n))), true
}
