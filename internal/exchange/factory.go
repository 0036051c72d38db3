package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"venuewatch/internal/models"
	"venuewatch/pkg/ratelimit"
	"venuewatch/pkg/utils"
)

// SupportedVenues - список поддерживаемых площадок
var SupportedVenues = []string{
	VenueAster,
	VenueHyperliquid,
}

// IsSupported проверяет, поддерживается ли площадка
func IsSupported(name string) bool {
	name = strings.ToLower(name)
	for _, supported := range SupportedVenues {
		if name == supported {
			return true
		}
	}
	return false
}

// BalanceIncludesUnrealized - баланс в котируемой валюте уже содержит
// нереализованный PnL (Hyperliquid perp отдаёт accountValue)
func BalanceIncludesUnrealized(key models.VenueKey) bool {
	return key.Venue == VenueHyperliquid && key.Market == models.MarketFutures
}

// newVenueClient выбирает транспорт по (площадка, рынок)
func newVenueClient(cfg Config, log *utils.Logger) (venueClient, error) {
	switch strings.ToLower(cfg.Venue) {
	case VenueAster:
		if cfg.Market == models.MarketSpot {
			return newAsterSpot(cfg, log), nil
		}
		return newAsterFutures(cfg, log), nil
	case VenueHyperliquid:
		return newHyperliquid(cfg, log), nil
	}
	return nil, fmt.Errorf("unsupported venue: %s", cfg.Venue)
}

// New создаёт адаптер и загружает таблицу символов.
// Бюджет площадки должен быть заранее зарегистрирован в limiter.
func New(ctx context.Context, cfg Config, limiter *ratelimit.Registry, log *utils.Logger) (*Guarded, error) {
	if !cfg.Market.Valid() {
		return nil, fmt.Errorf("unsupported market type %q", cfg.Market)
	}
	if limiter == nil {
		return nil, errors.New("rate limit registry is required")
	}
	cfg.Venue = strings.ToLower(cfg.Venue)

	log = utils.OrGlobal(log)
	client, err := newVenueClient(cfg, log.WithVenue(cfg.Venue))
	if err != nil {
		return nil, err
	}
	g, err := newGuarded(ctx, client, limiter, cfg, log)
	if err != nil {
		_ = client.close()
		return nil, err
	}
	return g, nil
}

// ============================================================
// Pool
// ============================================================

// Pool - набор адаптеров процесса по VenueKey
type Pool struct {
	mu       sync.RWMutex
	adapters map[models.VenueKey]*Guarded
}

func NewPool() *Pool {
	return &Pool{adapters: make(map[models.VenueKey]*Guarded)}
}

// Add регистрирует адаптер (заменяет существующий с тем же ключом)
func (p *Pool) Add(a *Guarded) {
	p.mu.Lock()
	p.adapters[a.Key()] = a
	p.mu.Unlock()
}

// Get возвращает адаптер по ключу
func (p *Pool) Get(key models.VenueKey) (*Guarded, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.adapters[key]
	return a, ok
}

// All - адаптеры, отсортированные по ключу
func (p *Pool) All() []*Guarded {
	p.mu.RLock()
	out := make([]*Guarded, 0, len(p.adapters))
	for _, a := range p.adapters {
		out = append(out, a)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out
}

// Adapter - адаптер по ключу как интерфейс (для командного слоя)
func (p *Pool) Adapter(key models.VenueKey) (Adapter, bool) {
	a, ok := p.Get(key)
	if !ok {
		return nil, false
	}
	return a, true
}

// Adapters - все адаптеры как интерфейсы, по ключу
func (p *Pool) Adapters() []Adapter {
	all := p.All()
	out := make([]Adapter, len(all))
	for i, a := range all {
		out[i] = a
	}
	return out
}

// Keys - ключи зарегистрированных адаптеров
func (p *Pool) Keys() []models.VenueKey {
	all := p.All()
	keys := make([]models.VenueKey, len(all))
	for i, a := range all {
		keys[i] = a.Key()
	}
	return keys
}

// SetOrderGate подключает gate ко всем адаптерам
func (p *Pool) SetOrderGate(gate OrderGate) {
	for _, a := range p.All() {
		a.SetOrderGate(gate)
	}
}

// Close закрывает все адаптеры
func (p *Pool) Close() error {
	var errs []error
	for _, a := range p.All() {
		if err := a.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.Key(), err))
		}
	}
	return errors.Join(errs...)
}
