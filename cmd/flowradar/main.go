package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/flowradar/internal/binance"
	"github.com/rewired-gh/flowradar/internal/classifier"
	"github.com/rewired-gh/flowradar/internal/config"
	"github.com/rewired-gh/flowradar/internal/feed"
	"github.com/rewired-gh/flowradar/internal/logger"
	"github.com/rewired-gh/flowradar/internal/mirror"
	"github.com/rewired-gh/flowradar/internal/monitor"
	"github.com/rewired-gh/flowradar/internal/server"
	"github.com/rewired-gh/flowradar/internal/session"
	"github.com/rewired-gh/flowradar/internal/storage"
	"github.com/rewired-gh/flowradar/internal/storage/postgres"
	"github.com/rewired-gh/flowradar/internal/storage/sqlite"
	"github.com/rewired-gh/flowradar/internal/telegram"
	"github.com/rewired-gh/flowradar/internal/universe"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file (empty for defaults and environment only)")

func main() {
	flag.Parse()

	_ = godotenv.Load() // .env is optional

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	table := universe.New(cfg.Universe.Symbols, cfg.Universe.HighCap, cfg.Universe.FuturesPriority)
	symbols := table.Symbols()
	cls := monitor.Classifiers{
		Liquidation: classifier.NewLiquidation(cfg.LiquidationClassifier(), table),
		Volume:      classifier.NewVolume(cfg.VolumeClassifier(), table),
		Reversal:    classifier.NewReversal(cfg.ReversalClassifier()),
	}

	if cfg.Seed.Enabled {
		rest := binance.NewClient(cfg.Seed.SpotBaseURL, cfg.Seed.FuturesBaseURL, cfg.Seed.Timeout, table, cfg.SeedMarket())
		seeded := binance.Warmup(ctx, rest, cls.Volume, symbols, cfg.Warmup(), time.Now())
		logger.Info("Seeded volume history for %d/%d symbols", seeded, len(symbols))
	} else {
		logger.Debug("Kline warm-up disabled")
	}

	var (
		store       storage.Store
		writer      *mirror.Mirror
		monMirror   monitor.Mirror
		statsReader server.StatsReader
		mirrorStats func() any
	)
	if cfg.Mirror.Enabled {
		store, err = openStore(ctx, cfg)
		if err != nil {
			logger.Fatal("Failed to initialize %s mirror: %v", cfg.Mirror.Backend, err)
		}
		writer = mirror.New(store, cfg.MirrorWriter())
		writer.Start()
		monMirror = writer
		statsReader = store
		mirrorStats = func() any { return writer.Stats() }
		logger.Info("Persistence mirror enabled (%s backend)", cfg.Mirror.Backend)
	} else {
		logger.Debug("Persistence mirror disabled")
	}

	sess := session.New(cfg.SessionStore(), nil)
	mon := monitor.New(cfg.Monitor(), table, cls, sess, monMirror)

	feedClient := feed.New(cfg.FeedClient(), symbols)
	feedClient.OnMessage(mon.Handle)
	mon.WatchStatus(feedClient.Status)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mon.Run(gctx) })
	g.Go(func() error { return connectFeed(gctx, feedClient, cfg.Feed) })

	if cfg.Telegram.Enabled {
		tg, err := telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Notifier())
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		tg.SetStatusSource(feedClient.Status)
		updates, unsubscribe := mon.Subscribe()
		defer unsubscribe()
		tg.ListenForCommands(gctx)
		g.Go(func() error {
			tg.Run(gctx, updates)
			return nil
		})
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	var httpSrv *http.Server
	if cfg.Server.Enabled {
		srv := server.NewHTTPServer(mon, feedClient, statsReader, mirrorStats)
		httpSrv = &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           srv.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			srv.Run(gctx)
			return nil
		})
		g.Go(func() error {
			logger.Info("HTTP server listening on %s", cfg.Server.Addr)
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	logger.Info("Watching %d symbols (%s feed, %s klines)", len(symbols), cfg.Feed.Mode, cfg.Feed.KlineInterval)

	<-gctx.Done()
	logger.Info("Shutdown signal received, cleaning up...")

	if httpSrv != nil {
		shCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		if err := httpSrv.Shutdown(shCtx); err != nil {
			logger.Warn("HTTP shutdown: %v", err)
		}
		cancel()
	}
	feedClient.Disconnect()

	exitCode := 0
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Service stopped with error: %v", err)
		exitCode = 1
	}
	if writer != nil {
		writer.Close()
	}
	if store != nil {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}
	logger.Info("Service stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// connectFeed retries the initial connection at the configured delay. Once connected the client
// redials dropped sockets itself.
func connectFeed(ctx context.Context, c *feed.Client, cfg config.FeedConfig) error {
	var b backoff.BackOff = backoff.NewConstantBackOff(cfg.ReconnectDelay)
	if cfg.MaxReconnectAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(cfg.MaxReconnectAttempts))
	}
	err := backoff.RetryNotify(func() error {
		err := c.Connect(ctx)
		if errors.Is(err, feed.ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		logger.Warn("Feed connect failed, retrying in %s: %v", next, err)
	})
	if err != nil && ctx.Err() == nil {
		logger.Error("Giving up on feed connection: %v", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Mirror.Backend {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Mirror.PostgresDSN, cfg.Mirror.MaxConns)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		return postgres.NewStore(pool), nil
	default:
		return sqlite.New(cfg.Mirror.SQLitePath)
	}
}
