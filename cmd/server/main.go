package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"quotedesk/internal/alert"
	"quotedesk/internal/api"
	"quotedesk/internal/briefagent"
	"quotedesk/internal/config"
	"quotedesk/internal/engine"
	"quotedesk/internal/market"
	"quotedesk/internal/metrics"
	"quotedesk/internal/notify"
	"quotedesk/internal/publish/kafkaquote"
	"quotedesk/internal/publish/redisquote"
	"quotedesk/internal/push/dingtalk"
	"quotedesk/internal/scheduler"
	"quotedesk/internal/store"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		slog.Error("config error", slog.Any("error", err))
		os.Exit(1)
	}
	logger := cfg.Log.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	source := newSource(cfg.Feed)
	quotes := market.NewStore()
	bus := notify.New(logger)

	var st *store.Store
	if cfg.Store.Sqlite.Enabled {
		var err error
		st, err = store.Open(cfg.Store.Sqlite.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer func() {
			if err := st.Close(); err != nil {
				logger.Error("store close failed", slog.Any("error", err))
			}
		}()
		store.NewJournal(st, logger).Attach(bus)
	}

	m := metrics.New()
	m.Attach(bus)

	dt := dingtalk.NewClient(
		cfg.Push.Dingtalk.Webhook,
		cfg.Push.Dingtalk.Secret,
		time.Duration(cfg.Push.Dingtalk.TimeoutMs)*time.Millisecond,
	)
	var sender alert.Sender
	if dt.Configured() {
		sender = dt
	} else {
		logger.Warn("dingtalk webhook not configured, alerts are recorded only")
	}
	alertSvc := alert.NewService(sender, st, alert.Config{
		RateLimit: alert.RateLimitConfig{
			PerMinute: cfg.Alert.RateLimit.PerMinute,
			Burst:     cfg.Alert.RateLimit.Burst,
		},
		DedupWindow:       time.Duration(cfg.Alert.Dedup.WindowSec) * time.Second,
		MergeWindow:       time.Duration(cfg.Alert.Merge.WindowSec) * time.Second,
		LowDigestInterval: time.Duration(cfg.Alert.Digest.LowIntervalSec) * time.Second,
	}, logger)
	alertSvc.SetObserver(func(s alert.Status) { m.ObserveAlert(string(s)) })
	defer alertSvc.Close()
	alert.NewFailureRelay(alertSvc, cfg.Alert.FailureThreshold, logger).Attach(bus)

	engine.New(engineConfig(cfg.Engine), st, alertSvc, logger).Attach(bus)

	var mirror *redisquote.Publisher
	if cfg.Redis.Enabled {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis ping failed, mirror will retry on every refresh", slog.Any("error", err))
		}
		mirror = redisquote.New(rdb, cfg.Redis.KeyPrefix, time.Duration(cfg.Redis.TTLSec)*time.Second, logger)
		mirror.Attach(bus)
	}

	if cfg.Kafka.Enabled {
		w := kafkaquote.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic, time.Duration(cfg.Kafka.BatchTimeoutMs)*time.Millisecond)
		pub := kafkaquote.New(w, logger)
		defer func() {
			if err := pub.Close(); err != nil {
				logger.Error("kafka writer close failed", slog.Any("error", err))
			}
		}()
		pub.Attach(bus)
	}

	schedCfg := scheduler.Config{
		Interval:     cfg.Refresh.Interval(),
		FetchTimeout: cfg.Refresh.FetchTimeout(),
		Logger:       logger,
	}
	if cfg.Feed.Mode != config.FeedNetwork {
		schedCfg.SessionInterval = cfg.Refresh.SessionInterval()
	}
	sched := scheduler.New(source, quotes, bus, schedCfg)

	brief := briefagent.New(briefagent.Config{
		Enabled:    cfg.BriefAgent.Enabled,
		Model:      cfg.BriefAgent.Model,
		APIKey:     cfg.BriefAgent.APIKey,
		BaseURL:    cfg.BriefAgent.BaseURL,
		ByAzure:    cfg.BriefAgent.ByAzure,
		APIVersion: cfg.BriefAgent.APIVersion,
		TimeoutMs:  cfg.BriefAgent.TimeoutMs,
		TopN:       cfg.BriefAgent.TopN,
	}, logger)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	h := server.Default(server.WithHostPorts(addr), server.WithExitWaitTime(5*time.Second))
	api.RegisterRoutes(h, api.Deps{
		Quotes:    quotes,
		Scheduler: sched,
		Journal:   st,
		Alerts:    alertSvc,
		DingTalk:  dt,
		Brief:     brief,
		Metrics:   m,
		Mirror:    mirror,
		Logger:    logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Start(gctx)
		<-gctx.Done()
		sched.Stop()
		return nil
	})
	g.Go(func() error {
		logger.Info("server starting",
			slog.String("addr", addr),
			slog.String("feed", source.Name()),
			slog.String("log_level", cfg.Log.Level),
		)
		err := h.Run()
		if err != nil && gctx.Err() == nil {
			return fmt.Errorf("hertz run: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.Shutdown(shutdownCtx); err != nil {
			logger.Warn("hertz shutdown", slog.Any("error", err))
		}
		return nil
	})

	err := g.Wait()
	logger.Info("shutting down")
	// subscribers drain here, before the deferred store and publisher closes
	bus.Close()
	return err
}

func newSource(feed config.FeedConfig) market.Source {
	synthetic := market.NewSyntheticSource(feed.Synthetic())
	switch feed.Mode {
	case config.FeedNetwork:
		return newHTTPSource(feed)
	case config.FeedFallback:
		return market.NewFallbackSource(newHTTPSource(feed), synthetic)
	default:
		return synthetic
	}
}

func newHTTPSource(feed config.FeedConfig) *market.HTTPSource {
	return market.NewHTTPSource(feed.URL,
		market.WithTimeout(feed.Timeout()),
		market.WithRetries(feed.Retries, 150*time.Millisecond),
	)
}

func engineConfig(c config.EngineConfig) engine.Config {
	return engine.Config{
		Breadth: engine.BreadthConfig{
			MinInstruments: c.Breadth.MinInstruments,
			MedPct:         c.Breadth.MedPct,
			HighPct:        c.Breadth.HighPct,
		},
		PriceLimit: engine.PriceLimitConfig{
			MainPct:      c.PriceLimit.MainPct,
			GrowthPct:    c.PriceLimit.GrowthPct,
			TolerancePct: c.PriceLimit.TolerancePct,
		},
		SharpMove: engine.SharpMoveConfig{
			MedPct:  c.SharpMove.MedPct,
			HighPct: c.SharpMove.HighPct,
		},
		PanicDrop: engine.PanicDropConfig{
			WindowSec: c.PanicDrop.WindowSec,
			MedPct:    c.PanicDrop.MedPct,
			HighPct:   c.PanicDrop.HighPct,
		},
		VolumeSpike: engine.VolumeSpikeConfig{
			MaPoints: c.VolumeSpike.MaPoints,
			Ratio:    c.VolumeSpike.Ratio,
		},
		KeyBreakDown: engine.KeyBreakDownConfig{
			Levels:   c.KeyBreakDown.Levels,
			Priority: c.KeyBreakDown.Priority,
		},
		WindowMaxKeep: c.WindowMaxKeep,
		CooldownSec: engine.CooldownConfig{
			Breadth:      c.CooldownSec.Breadth,
			PriceLimit:   c.CooldownSec.PriceLimit,
			SharpMove:    c.CooldownSec.SharpMove,
			PanicDrop:    c.CooldownSec.PanicDrop,
			VolumeSpike:  c.CooldownSec.VolumeSpike,
			KeyBreakDown: c.CooldownSec.KeyBreakDown,
		},
	}
}
