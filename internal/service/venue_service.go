package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"venuewatch/internal/exchange"
	"venuewatch/internal/models"
	"venuewatch/pkg/ratelimit"
	"venuewatch/pkg/utils"
)

// Ошибки сервиса
var (
	ErrVenueNotConfigured = errors.New("venue is not configured")
)

// overviewTimeout - ограничение на опрос одной площадки в обзоре аккаунта
const overviewTimeout = 10 * time.Second

// VenueInfo - площадка в списке GET /venues
type VenueInfo struct {
	Venue       string            `json:"venue"`
	Market      models.MarketType `json:"market"`
	Symbols     int               `json:"symbols"`
	StreamState string            `json:"stream_state"`
	Topics      []string          `json:"topics,omitempty"`
}

// AccountOverview - балансы и позиции одной площадки
type AccountOverview struct {
	Venue     string             `json:"venue"`
	Market    models.MarketType  `json:"market"`
	Balances  []models.Balance   `json:"balances"`
	Positions []models.Position  `json:"positions"`
	Error     string             `json:"error,omitempty"`
}

// VenueService - операции командного слоя над адаптерами площадок.
//
// Все вызовы идут через адаптеры пула, поэтому проходят лимитер,
// проверку параметров и (для ордеров) риск-гард.
type VenueService struct {
	pool    AdapterPool
	budgets BudgetSource
	streams StreamStates
	log     *utils.Logger
}

// NewVenueService создает сервис. streams может быть nil.
func NewVenueService(pool AdapterPool, budgets BudgetSource, streams StreamStates, log *utils.Logger) *VenueService {
	return &VenueService{
		pool:    pool,
		budgets: budgets,
		streams: streams,
		log:     utils.OrGlobal(log).WithComponent("venue-service"),
	}
}

func (s *VenueService) adapter(key models.VenueKey) (exchange.Adapter, error) {
	a, ok := s.pool.Adapter(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVenueNotConfigured, key)
	}
	return a, nil
}

// ListVenues - настроенные площадки с состоянием потоков
func (s *VenueService) ListVenues() []VenueInfo {
	states := make(map[models.VenueKey]int)
	var conns []VenueInfo
	if s.streams != nil {
		for _, st := range s.streams.States() {
			key := models.VenueKey{Venue: st.Venue, Market: st.Market}
			states[key] = len(conns)
			conns = append(conns, VenueInfo{StreamState: st.State, Topics: st.Topics})
		}
	}

	adapters := s.pool.Adapters()
	out := make([]VenueInfo, 0, len(adapters))
	for _, a := range adapters {
		key := a.Key()
		info := VenueInfo{Venue: key.Venue, Market: key.Market, StreamState: "NONE"}
		if tbl := a.Symbols(); tbl != nil {
			info.Symbols = tbl.Len()
		}
		if i, ok := states[key]; ok {
			info.StreamState = conns[i].StreamState
			info.Topics = conns[i].Topics
		}
		out = append(out, info)
	}
	return out
}

// Overview опрашивает все площадки параллельно. Ошибка одной площадки
// попадает в её запись и не прерывает остальные.
func (s *VenueService) Overview(ctx context.Context) []AccountOverview {
	adapters := s.pool.Adapters()
	out := make([]AccountOverview, len(adapters))

	var wg sync.WaitGroup
	for i, a := range adapters {
		wg.Add(1)
		go func(i int, a exchange.Adapter) {
			defer wg.Done()
			key := a.Key()
			ov := AccountOverview{Venue: key.Venue, Market: key.Market}

			cctx, cancel := context.WithTimeout(ctx, overviewTimeout)
			defer cancel()

			var errs []error
			balances, err := a.GetBalances(cctx)
			if err != nil {
				errs = append(errs, fmt.Errorf("balances: %w", err))
			}
			positions, err := a.GetPositions(cctx)
			if err != nil {
				errs = append(errs, fmt.Errorf("positions: %w", err))
			}
			ov.Balances = nonNil(balances)
			ov.Positions = nonNil(positions)
			if err := errors.Join(errs...); err != nil {
				ov.Error = err.Error()
				s.log.Warn("account overview incomplete", utils.Venue(key.Venue), utils.Market(string(key.Market)), utils.Err(err))
			}
			out[i] = ov
		}(i, a)
	}
	wg.Wait()
	return out
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func (s *VenueService) Balances(ctx context.Context, key models.VenueKey) ([]models.Balance, error) {
	a, err := s.adapter(key)
	if err != nil {
		return nil, err
	}
	out, err := a.GetBalances(ctx)
	return nonNil(out), err
}

func (s *VenueService) Positions(ctx context.Context, key models.VenueKey) ([]models.Position, error) {
	a, err := s.adapter(key)
	if err != nil {
		return nil, err
	}
	out, err := a.GetPositions(ctx)
	return nonNil(out), err
}

func (s *VenueService) Ticker(ctx context.Context, key models.VenueKey, symbol string) (models.Ticker, error) {
	a, err := s.adapter(key)
	if err != nil {
		return models.Ticker{}, err
	}
	return a.GetTicker(ctx, symbol)
}

func (s *VenueService) Depth(ctx context.Context, key models.VenueKey, symbol string, levels int) (models.OrderBook, error) {
	a, err := s.adapter(key)
	if err != nil {
		return models.OrderBook{}, err
	}
	return a.GetDepth(ctx, symbol, levels)
}

func (s *VenueService) FundingRate(ctx context.Context, key models.VenueKey, symbol string) (models.FundingRate, error) {
	a, err := s.adapter(key)
	if err != nil {
		return models.FundingRate{}, err
	}
	return a.GetFundingRate(ctx, symbol)
}

func (s *VenueService) OpenOrders(ctx context.Context, key models.VenueKey, symbol string) ([]models.Order, error) {
	a, err := s.adapter(key)
	if err != nil {
		return nil, err
	}
	out, err := a.GetOpenOrders(ctx, symbol)
	return nonNil(out), err
}

// PlaceOrder размещает ордер. Результат логируется, включая неизвестный исход.
func (s *VenueService) PlaceOrder(ctx context.Context, key models.VenueKey, req models.OrderRequest) (models.Order, error) {
	a, err := s.adapter(key)
	if err != nil {
		return models.Order{}, err
	}
	order, err := a.PlaceOrder(ctx, req)
	if err != nil {
		fields := []utils.Field{utils.Venue(key.Venue), utils.Symbol(req.Symbol), utils.Err(err)}
		if e, ok := exchange.AsError(err); ok && e.OutcomeUnknown {
			fields = append(fields, utils.ClientOrderID(e.ClientOrderID), utils.Bool("outcome_unknown", true))
		}
		s.log.Warn("order placement failed", fields...)
		return models.Order{}, err
	}
	s.log.Info("order placed",
		utils.Venue(key.Venue),
		utils.Symbol(order.Symbol),
		utils.OrderID(order.OrderID),
		utils.ClientOrderID(order.ClientOrderID),
	)
	return order, nil
}

func (s *VenueService) CancelOrder(ctx context.Context, key models.VenueKey, symbol, orderID string) (models.Order, error) {
	a, err := s.adapter(key)
	if err != nil {
		return models.Order{}, err
	}
	return a.CancelOrder(ctx, symbol, orderID)
}

func (s *VenueService) CancelAllOrders(ctx context.Context, key models.VenueKey, symbol string) (int, error) {
	a, err := s.adapter(key)
	if err != nil {
		return 0, err
	}
	n, err := a.CancelAllOrders(ctx, symbol)
	if err == nil {
		s.log.Info("orders canceled", utils.Venue(key.Venue), utils.Symbol(symbol), utils.Int("count", n))
	}
	return n, err
}

func (s *VenueService) SetLeverage(ctx context.Context, key models.VenueKey, symbol string, leverage int) error {
	a, err := s.adapter(key)
	if err != nil {
		return err
	}
	return a.SetLeverage(ctx, symbol, leverage)
}

// RateLimit - текущий бюджет лимитера площадки
func (s *VenueService) RateLimit(key models.VenueKey) (ratelimit.Budget, error) {
	if _, err := s.adapter(key); err != nil {
		return ratelimit.Budget{}, err
	}
	b, ok := s.budgets.Snapshot(key.Venue)
	if !ok {
		return ratelimit.Budget{}, fmt.Errorf("%w: no rate limit budget for %s", ErrVenueNotConfigured, key.Venue)
	}
	return b, nil
}
