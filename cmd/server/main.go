package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"venuewatch/internal/alert"
	"venuewatch/internal/api"
	"venuewatch/internal/config"
	"venuewatch/internal/exchange"
	"venuewatch/internal/notify"
	"venuewatch/internal/repository"
	"venuewatch/internal/risk"
	"venuewatch/internal/service"
	"venuewatch/internal/stream"
	"venuewatch/internal/websocket"
	"venuewatch/pkg/ratelimit"
	"venuewatch/pkg/utils"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := utils.InitGlobalLogger(cfg.LogConfig())
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("server stopped with error", utils.Err(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *utils.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Инициализация базы данных
	db, err := repository.Open(ctx, cfg.DBConfig())
	if err != nil {
		return err
	}
	defer db.Close()
	if err := repository.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Info("connected to database", utils.String("dsn", cfg.Database.DSNWithoutPassword()))

	alertRepo := repository.NewAlertRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	// Адаптеры площадок: сначала бюджеты лимитера, затем клиенты
	limiter := ratelimit.NewRegistry()
	for venue, rl := range cfg.RateLimits() {
		if err := limiter.Register(venue, rl); err != nil {
			return fmt.Errorf("rate limit %s: %w", venue, err)
		}
	}

	pool := exchange.NewPool()
	defer func() {
		if err := pool.Close(); err != nil {
			log.Warn("error closing venue adapters", utils.Err(err))
		}
	}()
	for _, v := range cfg.Venues {
		a, err := exchange.New(ctx, v.ExchangeConfig(), limiter, log)
		if err != nil {
			return fmt.Errorf("venue %s: %w", v.Key(), err)
		}
		pool.Add(a)
		log.Info("venue adapter ready", utils.Venue(v.Name), utils.Market(v.Market))
	}

	// Потоки
	streams := stream.NewManager(cfg.StreamConfig(), log)
	defer streams.Close()
	for _, v := range cfg.Venues {
		a, _ := pool.Get(v.Key())
		if err := streams.RegisterAdapter(a, v.WSURL); err != nil {
			return fmt.Errorf("stream %s: %w", v.Key(), err)
		}
	}

	// UI push
	hub := websocket.NewHub(cfg.Server.WSOrigins, log)
	go hub.Run()
	defer hub.Stop()

	// Каналы уведомлений
	sink := notify.NewMulti(log).
		Add("log", notify.NewLogSink(log)).
		Add("hub", notify.NewHubSink(hub))
	if cfg.Notify.JournalEnabled {
		sink.Add("journal", notify.NewJournalSink(notificationRepo))
	}
	if natsCfg := cfg.NATSConfig(); natsCfg != nil {
		ns, err := notify.NewNATSSink(*natsCfg, log)
		if err != nil {
			// NATS не обязателен для работы
			log.Warn("nats sink disabled", utils.Err(err))
		} else {
			defer ns.Close()
			sink.Add("nats", ns)
		}
	}

	notificationService := service.NewNotificationService(notificationRepo, sink, log)
	streams.OnStatus(hub.OnStreamStatus)
	streams.OnStatus(notificationService.OnStreamStatus)
	go notificationService.RunRetention(ctx, cfg.Notify.JournalRetention, time.Hour)

	// Риск-гард: подключается к адаптерам до первого ордера
	guard := risk.NewGuard(cfg.RiskConfig(), sink, log)
	for _, a := range pool.All() {
		guard.Register(a)
	}
	pool.SetOrderGate(guard)
	guard.OnStatus(func(st risk.Status) { hub.BroadcastRiskStatus(st) })
	guard.Watch(ctx, streams)
	guard.Start(ctx)
	defer guard.Close()

	// Алерты
	engine := alert.NewEngine(cfg.AlertConfig(), streams, alert.PoolFunding(pool), alertRepo, sink, log)
	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Close()

	warmTickers(ctx, cfg, streams, log)

	router := api.SetupRoutes(&api.Dependencies{
		VenueService:        service.NewVenueService(pool, limiter, streams, log),
		AlertService:        service.NewAlertService(engine, log),
		NotificationService: notificationService,
		RiskService:         service.NewRiskService(guard),
		Hub:                 hub,
		TokenHashes:         cfg.Security.APITokenHashes,
		CORSOrigins:         cfg.Server.CORSOrigins,
		Log:                 log,
	})
	if len(cfg.Security.APITokenHashes) == 0 {
		log.Warn("api token check is disabled: security.api_token_hashes is empty")
	}

	// HTTP сервер
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", utils.String("addr", server.Addr), utils.Bool("https", cfg.Server.UseHTTPS))
		var err error
		if cfg.Server.UseHTTPS {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Graceful shutdown
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info("server exited")
	return nil
}

// warmTickers держит подписки на тикеры default_symbols, чтобы кэш потока
// был заполнен до первого запроса. Подписки живут до отмены ctx.
func warmTickers(ctx context.Context, cfg *config.Config, streams *stream.Manager, log *utils.Logger) {
	for _, v := range cfg.Venues {
		for _, symbol := range v.DefaultSymbols {
			sub, err := streams.Subscribe(ctx, v.Key(), stream.TickerTopic(symbol), func(stream.Event) error { return nil })
			if err != nil {
				log.Warn("default symbol not subscribed",
					utils.Venue(v.Name), utils.Symbol(symbol), utils.Err(err))
				continue
			}
			go func() {
				<-ctx.Done()
				sub.Unsubscribe()
			}()
		}
	}
}
