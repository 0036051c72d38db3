package alert

import (
	"context"
	"time"

	"venuewatch/internal/metrics"
	"venuewatch/internal/models"
	"venuewatch/pkg/utils"
)

// poller - опрос ставки фандинга одного VenueMarket
type poller struct {
	cancel context.CancelFunc
	alerts map[string]struct{}
}

// startPoller запускает опрос при первом алерте на VenueMarket (под subMu)
func (e *Engine) startPoller(vm models.VenueMarket, alertID string) {
	if p, ok := e.pollers[vm]; ok {
		p.alerts[alertID] = struct{}{}
		return
	}
	ctx, cancel := context.WithCancel(e.ctx)
	e.pollers[vm] = &poller{cancel: cancel, alerts: map[string]struct{}{alertID: {}}}
	e.wg.Add(1)
	go e.pollFunding(ctx, vm)
}

// stopPoller останавливает опрос после последнего алерта (под subMu)
func (e *Engine) stopPoller(vm models.VenueMarket, alertID string) {
	p, ok := e.pollers[vm]
	if !ok {
		return
	}
	delete(p.alerts, alertID)
	if len(p.alerts) == 0 {
		p.cancel()
		delete(e.pollers, vm)
	}
}

func (e *Engine) pollFunding(ctx context.Context, vm models.VenueMarket) {
	defer e.wg.Done()

	log := e.log.With(utils.Venue(vm.Venue), utils.Symbol(vm.Symbol))
	log.Debug("funding poller started", utils.Duration("interval", e.cfg.FundingPollInterval))

	ticker := time.NewTicker(e.cfg.FundingPollInterval)
	defer ticker.Stop()

	e.pollOnce(ctx, vm, log)
	for {
		select {
		case <-ctx.Done():
			log.Debug("funding poller stopped")
			return
		case <-ticker.C:
			e.pollOnce(ctx, vm, log)
		}
	}
}

// pollOnce - ошибка опроса временная: считается и повторяется на следующем тике
func (e *Engine) pollOnce(ctx context.Context, vm models.VenueMarket, log *utils.Logger) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.FundingPollInterval)
	defer cancel()

	r, err := e.funding.FundingRate(cctx, vm)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.FundingPollFailures.WithLabelValues(vm.Venue).Inc()
		log.Warn("funding poll failed", utils.Err(err))
		return
	}
	if r.VenueMarket == (models.VenueMarket{}) {
		r.VenueMarket = vm
	}
	e.ObserveFunding(r)
}
