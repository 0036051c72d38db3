package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side - сторона ордера
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType - тип ордера
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// TimeInForce - срок действия лимитного ордера
type TimeInForce string

const (
	TIFGoodTillCancel    TimeInForce = "GTC"
	TIFImmediateOrCancel TimeInForce = "IOC"
	TIFFillOrKill        TimeInForce = "FOK"
)

// OrderStatus - статус ордера
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// ============================================================
// Машина состояний ордера
// ============================================================

// ValidOrderTransitions - допустимые переходы статусов.
// Повтор того же статуса допустим для NEW и PARTIALLY_FILLED (новые исполнения).
var ValidOrderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusNew: {
		OrderStatusNew,
		OrderStatusPartiallyFilled,
		OrderStatusFilled,
		OrderStatusCanceled,
		OrderStatusRejected,
		OrderStatusExpired,
	},
	OrderStatusPartiallyFilled: {
		OrderStatusPartiallyFilled,
		OrderStatusFilled,
		OrderStatusCanceled,
		OrderStatusExpired,
	},
	// терминальные
	OrderStatusFilled:   {},
	OrderStatusCanceled: {},
	OrderStatusRejected: {},
	OrderStatusExpired:  {},
}

// CanTransitionOrder проверяет допустимость перехода
func CanTransitionOrder(from, to OrderStatus) bool {
	for _, s := range ValidOrderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal - статус окончательный
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

var (
	ErrOrderTerminal       = errors.New("order is in a terminal state")
	ErrFilledQtyDecrease   = errors.New("filled quantity cannot decrease")
	ErrInvalidOrderStatus  = errors.New("invalid order status transition")
	ErrOrderUpdateMismatch = errors.New("order update does not match order")
)

// Order - ордер на площадке
type Order struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	VenueMarket                   // площадка, рынок, символ
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"` // нулевая для market
	TimeInForce   TimeInForce     `json:"time_in_force,omitempty"`
	Status        OrderStatus     `json:"status"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// OrderUpdate - изменение ордера из потока или REST
type OrderUpdate struct {
	OrderID       string
	ClientOrderID string
	Status        OrderStatus
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	UpdatedAt     time.Time
}

// Remaining - неисполненный остаток
func (o *Order) Remaining() decimal.Decimal {
	r := o.Quantity.Sub(o.FilledQty)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Apply применяет обновление с соблюдением правил:
//   - терминальный статус окончателен (точный повтор игнорируется);
//   - исполненный объём не уменьшается;
//   - переход статуса должен быть в ValidOrderTransitions.
func (o *Order) Apply(u OrderUpdate) error {
	if u.OrderID != "" && o.OrderID != "" && u.OrderID != o.OrderID {
		return fmt.Errorf("%w: %s != %s", ErrOrderUpdateMismatch, u.OrderID, o.OrderID)
	}

	if o.Status.IsTerminal() {
		if u.Status == o.Status && u.FilledQty.Equal(o.FilledQty) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrOrderTerminal, o.Status)
	}
	if u.FilledQty.LessThan(o.FilledQty) {
		return fmt.Errorf("%w: %s -> %s", ErrFilledQtyDecrease, o.FilledQty, u.FilledQty)
	}
	if !CanTransitionOrder(o.Status, u.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidOrderStatus, o.Status, u.Status)
	}

	o.Status = u.Status
	o.FilledQty = u.FilledQty
	if !u.AvgFillPrice.IsZero() {
		o.AvgFillPrice = u.AvgFillPrice
	}
	if o.OrderID == "" {
		o.OrderID = u.OrderID
	}
	if o.ClientOrderID == "" {
		o.ClientOrderID = u.ClientOrderID
	}
	if !u.UpdatedAt.IsZero() {
		o.UpdatedAt = u.UpdatedAt
	}
	return nil
}

// OrderRequest - запрос на размещение
type OrderRequest struct {
	Symbol        string          `json:"symbol" validate:"required,max=32"`
	Side          Side            `json:"side" validate:"required,oneof=buy sell"`
	Type          OrderType       `json:"type" validate:"required,oneof=market limit"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	TimeInForce   TimeInForce     `json:"time_in_force,omitempty" validate:"omitempty,oneof=GTC IOC FOK"`
	ClientOrderID string          `json:"client_order_id,omitempty" validate:"max=64"`
	ReduceOnly    bool            `json:"reduce_only,omitempty"`
}
