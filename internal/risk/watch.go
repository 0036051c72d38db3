package risk

import (
	"context"
	"time"

	"venuewatch/internal/models"
	"venuewatch/internal/stream"
	"venuewatch/pkg/utils"
)

// Start делает первый опрос equity и запускает фоновый цикл:
// опрос по EquityPollInterval и перенос дневной базы в полночь UTC.
func (g *Guard) Start(ctx context.Context) {
	g.PollOnce(ctx)

	g.wg.Add(1)
	go g.run()

	g.log.Info("risk guard started",
		utils.Bool("enabled", g.cfg.Enabled),
		utils.String("daily_loss_limit", g.cfg.DailyLossLimit.String()),
		utils.String("max_drawdown_pct", g.cfg.MaxDrawdownPercent.String()),
		utils.String("basis", string(g.cfg.DrawdownBasis)),
		utils.Duration("poll_interval", g.cfg.EquityPollInterval))
}

func (g *Guard) run() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.cfg.EquityPollInterval)
	defer ticker.Stop()

	midnight := time.NewTimer(time.Until(utils.NextMidnightUTC(g.now())))
	defer midnight.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			g.PollOnce(g.ctx)
		case <-midnight.C:
			g.check()
			midnight.Reset(time.Until(utils.NextMidnightUTC(g.now())))
		}
	}
}

// PollOnce запрашивает балансы и позиции всех площадок.
// Ошибка одной площадки не мешает остальным.
func (g *Guard) PollOnce(ctx context.Context) {
	for _, v := range g.registered() {
		g.pollVenue(ctx, v)
	}
}

func (g *Guard) pollVenue(ctx context.Context, v Venue) {
	key := v.Key()
	cctx, cancel := context.WithTimeout(ctx, g.cfg.PollTimeout)
	defer cancel()

	bs, err := v.GetBalances(cctx)
	if err != nil {
		if ctx.Err() == nil {
			g.log.Warn("equity poll: balances failed", utils.Venue(key.Venue), utils.Market(string(key.Market)), utils.Err(err))
		}
		return
	}

	// позиции сначала, чтобы база дня учла текущий unrealized
	if key.Market == models.MarketFutures {
		ps, err := v.GetPositions(cctx)
		if err != nil {
			if ctx.Err() == nil {
				g.log.Warn("equity poll: positions failed", utils.Venue(key.Venue), utils.Market(string(key.Market)), utils.Err(err))
			}
			return
		}
		g.OnPositions(key, ps)
	}
	g.OnBalances(key, bs)
}

// Watch подписывает гард на пользовательские потоки зарегистрированных площадок.
// Площадка без потока остаётся на опросе equity.
func (g *Guard) Watch(ctx context.Context, streams stream.Subscriber) {
	for _, v := range g.registered() {
		key := v.Key()
		sub, err := streams.SubscribeTopic(ctx, key, stream.UserTopic(), g.handle)
		if err != nil {
			g.log.Warn("risk guard: user stream unavailable, relying on equity poll",
				utils.Venue(key.Venue), utils.Market(string(key.Market)), utils.Err(err))
			continue
		}
		g.subMu.Lock()
		g.subs = append(g.subs, sub)
		g.subMu.Unlock()
	}
}

func (g *Guard) handle(ev stream.Event) error {
	switch ev.Kind {
	case stream.EventBalance:
		g.OnBalances(ev.Key, ev.Balances)
	case stream.EventPosition:
		g.OnPositions(ev.Key, ev.Positions)
	}
	return nil
}

// Close останавливает фоновые задачи и ждёт аварийную отмену, если она идёт
func (g *Guard) Close() {
	g.subMu.Lock()
	subs := g.subs
	g.subs = nil
	g.subMu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
	g.cancel()
	g.wg.Wait()
}
