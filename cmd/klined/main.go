// Command klined runs the live engine: feed -> normalizer -> K-line
// aggregator -> entry detectors and exit engine -> signal log.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"solana-kline-engine/internal/api"
	"solana-kline-engine/internal/app"
	"solana-kline-engine/internal/config"
	"solana-kline-engine/internal/logger"
	"solana-kline-engine/internal/orchestrator"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (optional)")
	envFile := flag.String("env-file", ".env", "Path to .env file loaded before config")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage and disable history")
	feedFile := flag.String("feed-file", "", "Replay a JSON-lines file instead of the configured feed")
	metricsAddr := flag.String("metrics-addr", "", "Override metrics.addr (empty keeps config)")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *feedFile != "" {
		cfg.Feed.Kind = config.FeedFile
		cfg.Feed.Path = *feedFile
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}

	log, level, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())

	// Handle shutdown signals with graceful timeout
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			log.Info("received signal, shutting down", zap.String("signal", sig.String()))
			cancel()
		case <-done:
			return
		}

		// Wait for second signal for immediate shutdown
		select {
		case sig := <-sigCh:
			log.Warn("received second signal, forcing exit", zap.String("signal", sig.String()))
			os.Exit(1)
		case <-time.After(45 * time.Second):
			log.Error("graceful shutdown timed out, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	err = run(ctx, cfg, *configPath, *useMemory, log, level)
	close(done)
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("klined failed", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, configPath string, useMemory bool, log *zap.Logger, level zap.AtomicLevel) error {
	stores, err := app.OpenStores(ctx, cfg, useMemory, log)
	if err != nil {
		return err
	}
	defer stores.Close()

	eng, err := app.BuildEngine(cfg, stores, log)
	if err != nil {
		return err
	}

	src, err := app.NewSource(cfg.Feed, log)
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Source:         src,
		KLines:         eng.KLines,
		Exits:          eng.Exits,
		Strategies:     eng.Strategies,
		Cache:          eng.Cache,
		Sink:           orchestrator.NewLogSink(log, eng.Exits),
		Buffer:         cfg.Feed.Buffer,
		MonitorWallets: cfg.Feed.MonitorWallets,
		Logger:         log,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		stats, err := orch.Run(gctx)
		log.Info("feed finished",
			zap.Int("messages", stats.Messages),
			zap.Int("trades", stats.Trades),
			zap.Int("rejected", stats.Rejected),
			zap.Int("seeded", stats.Seeded),
			zap.Int("entry_signals", stats.EntrySignals),
			zap.Int("exit_signals", stats.ExitSignals))
		if err != nil {
			return err
		}
		// A finished file replay ends the process.
		return context.Canceled
	})

	g.Go(func() error {
		stores.RunSweeper(gctx, cfg.KLine)
		return nil
	})

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           api.New(eng.Exits, log).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("starting http server", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if configPath != "" {
		g.Go(func() error {
			err := config.Watch(gctx, configPath, log, func(c *config.Config) {
				if err := logger.SetLevel(level, c.Log.Level); err != nil {
					log.Warn("ignoring log level from reload", zap.Error(err))
					return
				}
				log.Info("log level updated", zap.String("level", c.Log.Level))
			})
			if err != nil {
				log.Warn("config watch disabled", zap.Error(err))
			}
			return nil
		})
	}

	return g.Wait()
}
