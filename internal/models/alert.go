package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AlertKind - вид алерта
type AlertKind string

const (
	AlertPrice     AlertKind = "price"
	AlertFunding   AlertKind = "funding"
	AlertPosition  AlertKind = "position"
	AlertIndicator AlertKind = "indicator"
)

// Valid - известный вид алерта
func (k AlertKind) Valid() bool {
	_, ok := AlertFields[k]
	return ok
}

// Trigger - режим срабатывания
type Trigger string

const (
	// TriggerEdge - срабатывает при переходе условия в true,
	// снова взводится, когда условие стало false
	TriggerEdge Trigger = "edge"
	// TriggerRecurring - снова взводится по истечении cooldown
	TriggerRecurring Trigger = "recurring"
)

// AlertState - состояние алерта
type AlertState string

const (
	AlertArmed    AlertState = "ARMED"
	AlertFired    AlertState = "FIRED"
	AlertDisabled AlertState = "DISABLED"
)

// ConditionOp - оператор сравнения
type ConditionOp string

const (
	OpAbove   ConditionOp = "above"
	OpBelow   ConditionOp = "below"
	OpEquals  ConditionOp = "equals"  // в пределах допуска
	OpBetween ConditionOp = "between" // threshold <= v <= upper
	OpOutside ConditionOp = "outside" // v < threshold || v > upper
	OpAny     ConditionOp = "any"     // всегда true (периодические сводки)
)

// Поля, доступные для каждого вида алерта
var AlertFields = map[AlertKind][]string{
	AlertPrice:     {"last", "bid", "ask", "mid"},
	AlertFunding:   {"rate"},
	AlertPosition:  {"pnl", "pnl_pct", "margin_ratio", "size"},
	AlertIndicator: {"spread_pct", "change_pct", "sma"},
}

// DefaultTrigger - режим по умолчанию для вида
func DefaultTrigger(kind AlertKind) Trigger {
	if kind == AlertFunding {
		return TriggerRecurring
	}
	return TriggerEdge
}

// Condition - условие алерта
type Condition struct {
	Field     string          `json:"field"`
	Op        ConditionOp     `json:"op"`
	Threshold decimal.Decimal `json:"threshold"`
	Upper     decimal.Decimal `json:"upper,omitempty"`
	Period    int             `json:"period,omitempty"` // для sma
}

func (c Condition) String() string {
	switch c.Op {
	case OpBetween, OpOutside:
		return fmt.Sprintf("%s %s [%s, %s]", c.Field, c.Op, c.Threshold, c.Upper)
	case OpAny:
		return c.Field + " any"
	}
	if c.Field == "sma" {
		return fmt.Sprintf("sma(%d) %s %s", c.Period, c.Op, c.Threshold)
	}
	return fmt.Sprintf("%s %s %s", c.Field, c.Op, c.Threshold)
}

// Alert - правило мониторинга
type Alert struct {
	ID          string        `json:"id" db:"id"`
	Owner       string        `json:"owner" db:"owner"`
	VenueMarket               // площадка, рынок, символ
	Kind        AlertKind     `json:"kind" db:"kind"`
	Condition   Condition     `json:"condition" db:"condition"`
	Trigger     Trigger       `json:"trigger" db:"trigger"`
	State       AlertState    `json:"state" db:"state"`
	Cooldown    time.Duration `json:"cooldown" db:"cooldown_ms"`
	LastFiredAt *time.Time    `json:"last_fired_at,omitempty" db:"last_fired_at"`
	Note        string        `json:"note,omitempty" db:"note"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
}

var ErrInvalidAlert = errors.New("invalid alert")

// Validate проверяет согласованность полей алерта
func (a *Alert) Validate() error {
	if a.Owner == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidAlert)
	}
	if a.Venue == "" || a.Symbol == "" || !a.Market.Valid() {
		return fmt.Errorf("%w: venue, market and symbol are required", ErrInvalidAlert)
	}

	fields, ok := AlertFields[a.Kind]
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidAlert, a.Kind)
	}
	if !containsString(fields, a.Condition.Field) {
		return fmt.Errorf("%w: field %q not allowed for %s alerts", ErrInvalidAlert, a.Condition.Field, a.Kind)
	}
	if a.Kind == AlertFunding && a.Market != MarketFutures {
		return fmt.Errorf("%w: funding alerts require a futures market", ErrInvalidAlert)
	}

	c := a.Condition
	switch c.Op {
	case OpAbove, OpBelow, OpEquals, OpAny:
	case OpBetween, OpOutside:
		if c.Upper.LessThan(c.Threshold) {
			return fmt.Errorf("%w: upper bound below threshold", ErrInvalidAlert)
		}
	default:
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidAlert, c.Op)
	}
	if c.Field == "sma" && c.Period < 2 {
		return fmt.Errorf("%w: sma period must be at least 2", ErrInvalidAlert)
	}

	switch a.Trigger {
	case TriggerEdge, TriggerRecurring:
	default:
		return fmt.Errorf("%w: unknown trigger %q", ErrInvalidAlert, a.Trigger)
	}
	if a.Cooldown < 0 {
		return fmt.Errorf("%w: cooldown must not be negative", ErrInvalidAlert)
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
