package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"plantwatch/internal/alerts"
	"plantwatch/internal/bus"
	"plantwatch/internal/cache"
	"plantwatch/internal/config"
	"plantwatch/internal/control"
	"plantwatch/internal/db"
	"plantwatch/internal/kv"
	"plantwatch/internal/ledger"
	"plantwatch/internal/monitor"
	"plantwatch/internal/notifier"
	"plantwatch/internal/retention"
	"plantwatch/internal/stream"
	"plantwatch/internal/thresholds"
	"plantwatch/internal/web"
)

// Day snapshots kept in redis outlive the sqlite retention window by a day so
// the two backends answer yesterday reads the same way.
const redisDayTTL = 24 * time.Hour

type App struct {
	cfg config.Config
	log *slog.Logger

	db    *db.Repository
	redis *cache.RedisStore

	bus       *bus.Bus
	engine    *alerts.Engine
	session   *monitor.Session
	stream    *stream.Client
	mqtt      *stream.MQTTSource
	kafka     *notifier.Kafka
	retention *retention.Service
	web       *web.Server

	cancelSession context.CancelFunc
	httpSrv       *http.Server
}

func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	sqldb, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(sqldb); err != nil {
		return nil, err
	}
	repo := db.NewRepository(sqldb)

	app := &App{cfg: cfg, log: logger, db: repo}

	var store kv.Store = repo
	stores := []web.Pinger{repo}
	if cfg.Store == "redis" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rs, err := cache.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix,
			time.Duration(cfg.RetentionDays)*24*time.Hour+redisDayTTL)
		if err != nil {
			_ = sqldb.Close()
			return nil, fmt.Errorf("redis store: %w", err)
		}
		app.redis = rs
		store = rs
		stores = append(stores, rs)
	}

	th := thresholds.NewStore(cfg.Thresholds, store, logger.With("module", "thresholds"))
	if err := th.Load(context.Background()); err != nil {
		logger.Warn("thresholds not restored", "err", err)
	}

	token, chatID, _ := repo.LoadTelegramSettings(context.Background())
	if token == "" {
		token = cfg.Telegram.BotToken
	}
	if chatID == "" {
		chatID = cfg.Telegram.ChatID
	}
	tg := notifier.NewTelegram(token, chatID)
	app.kafka = notifier.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic)

	app.engine = alerts.NewEngine(th, alerts.NewAggregator(logger.With("module", "aggregator")), repo,
		[]notifier.Notifier{tg, app.kafka}, logger.With("module", "alerts"))
	l := ledger.New(store, loc, cfg.Ledger.LogCap, logger.With("module", "ledger"))

	app.bus = bus.New(logger.With("module", "bus"))
	channels := []control.Channel{}
	if cfg.Stream.URL != "" {
		app.stream = stream.NewClient(cfg.Stream.URL, app.bus, cfg.Control.AckTimeout, logger.With("module", "stream"))
		channels = append(channels, control.WebsocketChannel{Sender: app.stream})
	}
	if cfg.MQTT.Broker != "" {
		app.mqtt = stream.NewMQTTSource(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.TopicPrefix, app.bus, logger.With("module", "mqtt"))
	}
	if cfg.Control.URL != "" {
		channels = append(channels, control.NewHTTPChannel(cfg.Control.URL))
	}
	gw := control.NewGateway(cfg.Control.Timeout, repo, logger.With("module", "control"), channels...)

	sessionCtx, cancel := context.WithCancel(context.Background())
	app.cancelSession = cancel
	app.session = monitor.NewSession(sessionCtx, app.bus, app.engine, app.engine.Aggregator(), l, loc, cfg.Ledger.Grace, logger.With("module", "monitor"))
	if cfg.DefaultDevice != "" {
		if err := app.session.Select(cfg.DefaultDevice); err != nil {
			logger.Warn("default device not selected", "device_id", cfg.DefaultDevice, "err", err)
		}
	}

	app.retention = retention.NewService(repo, cfg.RetentionDays, loc, logger.With("module", "retention"))
	app.web = web.NewServer(web.Deps{
		Thresholds: th,
		Engine:     app.engine,
		Ledger:     l,
		Session:    app.session,
		Gateway:    gw,
		Repo:       repo,
		Telegram:   tg,
		Stores:     stores,
	}, logger.With("module", "web"))
	app.httpSrv = &http.Server{Addr: cfg.Addr, Handler: app.web.Routes(), ReadHeaderTimeout: 10 * time.Second}
	return app, nil
}

func (a *App) Run(ctx context.Context) error {
	go func() {
		a.log.Info("http server listening", "addr", a.cfg.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error("http server failed", "err", err)
		}
	}()

	streamDone := make(chan struct{})
	if a.stream != nil {
		go func() {
			defer close(streamDone)
			if err := a.stream.Run(ctx); err != nil && ctx.Err() == nil {
				a.log.Error("stream stopped", "err", err)
			}
		}()
	} else {
		close(streamDone)
	}
	if a.mqtt != nil {
		a.mqtt.Start()
	}

	interval := a.cfg.RetentionInterval
	if interval <= 0 {
		interval = time.Hour
	}
	retentionTicker := time.NewTicker(interval)
	defer retentionTicker.Stop()

	// Immediate first run
	a.retention.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return a.shutdown(streamDone)
		case <-retentionTicker.C:
			a.retention.Run(ctx)
		}
	}
}

func (a *App) shutdown(streamDone <-chan struct{}) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("http shutdown", "err", err)
	}
	if a.mqtt != nil {
		a.mqtt.Stop()
	}
	<-streamDone
	a.session.Close()
	a.cancelSession()
	a.engine.Wait()
	if err := a.kafka.Close(); err != nil {
		a.log.Warn("kafka close", "err", err)
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("redis close", "err", err)
		}
	}
	return a.db.DB().Close()
}
