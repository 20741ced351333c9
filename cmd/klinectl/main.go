// Command klinectl maintains K-line history and replays recorded feeds.
//
//	klinectl migrate -config klined.yaml
//	klinectl klines  -config klined.yaml -token <mint> -res 1m -from 2024-01-01T00:00:00Z
//	klinectl klines  -config klined.yaml -token <mint> -res 1d -from-trades
//	klinectl klines  -config klined.yaml -token <mint> -res 5s -latest
//	klinectl replay  -file events.jsonl
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"solana-kline-engine/internal/app"
	"solana-kline-engine/internal/config"
	"solana-kline-engine/internal/domain"
	"solana-kline-engine/internal/feed"
	"solana-kline-engine/internal/kline"
	"solana-kline-engine/internal/logger"
	"solana-kline-engine/internal/orchestrator"
	chstore "solana-kline-engine/internal/storage/clickhouse"
	"solana-kline-engine/internal/storage/migrations"
	pgstore "solana-kline-engine/internal/storage/postgres"
)

const usage = `usage: klinectl <command> [flags]

commands:
  migrate   apply embedded migrations to the configured history stores
  klines    print combined live and historical K-lines as JSON
  replay    run a JSON-lines event file through an in-memory engine
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "migrate":
		err = runMigrate(ctx, os.Args[2:])
	case "klines":
		err = runKLines(ctx, os.Args[2:], os.Stdout)
	case "replay":
		err = runReplay(ctx, os.Args[2:], os.Stdout)
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "klinectl %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

// setup loads config and builds a logger on stderr, keeping stdout for output.
func setup(configPath, level string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if level != "" {
		cfg.Log.Level = level
	}
	cfg.Log.Output = "stderr"
	log, _, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func runMigrate(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fset.String("config", "", "Path to YAML config file")
	postgresDSN := fset.String("postgres-dsn", "", "Override postgres.dsn")
	clickhouseDSN := fset.String("clickhouse-dsn", "", "Override clickhouse.dsn")
	fset.Parse(args)

	cfg, log, err := setup(*configPath, "")
	if err != nil {
		return err
	}
	defer log.Sync()

	pgDSN := firstNonEmpty(*postgresDSN, cfg.Postgres.DSN)
	chDSN := firstNonEmpty(*clickhouseDSN, cfg.ClickHouse.DSN)
	if pgDSN == "" && chDSN == "" {
		return errors.New("no postgres or clickhouse DSN configured")
	}

	if pgDSN != "" {
		pool, err := pgstore.NewPoolWithRetry(ctx, pgDSN, cfg.Postgres.ConnectTries, log)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		applied, err := migrations.RunPostgresMigrations(ctx, pool, log)
		pool.Close()
		if err != nil {
			return fmt.Errorf("postgres migrations: %w", err)
		}
		log.Info("postgres migrated", zap.Strings("applied", applied))
	}

	if chDSN != "" {
		conn, err := migrations.RunClickhouseMigrations(ctx, chDSN, log)
		if err != nil {
			return fmt.Errorf("clickhouse migrations: %w", err)
		}
		closeConn(conn, log)
		log.Info("clickhouse migrated")
	}
	return nil
}

func closeConn(conn *chstore.Conn, log *zap.Logger) {
	if err := conn.Close(); err != nil {
		log.Warn("close clickhouse", zap.Error(err))
	}
}

func runKLines(ctx context.Context, args []string, out io.Writer) error {
	fset := flag.NewFlagSet("klines", flag.ExitOnError)
	configPath := fset.String("config", "", "Path to YAML config file")
	token := fset.String("token", "", "Token mint address (required)")
	resFlag := fset.String("res", "1m", "Resolution")
	from := fset.String("from", "", "Range start: RFC3339 or unix seconds (default: to - 1h)")
	to := fset.String("to", "", "Range end: RFC3339 or unix seconds (default: now)")
	historyOnly := fset.Bool("history-only", false, "Read only the durable history store")
	fromTrades := fset.Bool("from-trades", false, "Rebuild K-lines from the retained trade log")
	latest := fset.Bool("latest", false, "Print the current bucket and price instead of a range")
	fset.Parse(args)

	if countTrue(*historyOnly, *fromTrades, *latest) > 1 {
		return errors.New("-history-only, -from-trades and -latest are exclusive")
	}

	if *token == "" {
		return errors.New("-token is required")
	}
	res, err := domain.ParseResolution(*resFlag)
	if err != nil {
		return err
	}

	end := time.Now().Unix()
	if *to != "" {
		if end, err = parseTime(*to); err != nil {
			return fmt.Errorf("-to: %w", err)
		}
	}
	start := end - int64(time.Hour/time.Second)
	if *from != "" {
		if start, err = parseTime(*from); err != nil {
			return fmt.Errorf("-from: %w", err)
		}
	}

	cfg, log, err := setup(*configPath, "warn")
	if err != nil {
		return err
	}
	defer log.Sync()

	stores, err := app.OpenStores(ctx, cfg, false, log)
	if err != nil {
		return err
	}
	defer stores.Close()

	eng, err := app.BuildEngine(cfg, stores, log)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	if *latest {
		return enc.Encode(latestView(ctx, eng.KLines, *token, res))
	}

	var klines []*domain.KLine
	switch {
	case *historyOnly:
		klines, err = eng.KLines.QueryHistorical(ctx, *token, res, start, end)
	case *fromTrades:
		klines, err = eng.KLines.Rebuild(ctx, *token, res, start, end)
	default:
		klines, err = eng.KLines.GetAll(ctx, *token, res, start, end)
	}
	if err != nil {
		return err
	}
	if klines == nil {
		klines = []*domain.KLine{}
	}
	return enc.Encode(klines)
}

// latestOutput is printed by klines -latest. Absent values are null.
type latestOutput struct {
	Token        string        `json:"token"`
	Resolution   string        `json:"resolution"`
	KLine        *domain.KLine `json:"kline"`
	CurrentPrice *float64      `json:"currentPrice"`
}

type pointReader interface {
	Latest(ctx context.Context, token string, res domain.Resolution) (*domain.KLine, bool)
	CurrentPrice(ctx context.Context, token string) (float64, bool)
}

func latestView(ctx context.Context, r pointReader, token string, res domain.Resolution) latestOutput {
	view := latestOutput{Token: token, Resolution: res.String()}
	if k, ok := r.Latest(ctx, token, res); ok {
		view.KLine = k
	}
	if p, ok := r.CurrentPrice(ctx, token); ok {
		view.CurrentPrice = &p
	}
	return view
}

func countTrue(flags ...bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}

func runReplay(ctx context.Context, args []string, out io.Writer) error {
	fset := flag.NewFlagSet("replay", flag.ExitOnError)
	configPath := fset.String("config", "", "Path to YAML config file (strategies and exit rules)")
	file := fset.String("file", "", "JSON-lines event file (required)")
	fset.Parse(args)

	if *file == "" {
		return errors.New("-file is required")
	}

	cfg, log, err := setup(*configPath, "warn")
	if err != nil {
		return err
	}
	defer log.Sync()

	// Replays never touch external stores.
	stores, err := app.OpenStores(ctx, cfg, true, log)
	if err != nil {
		return err
	}
	defer stores.Close()

	// Reads anchored to "now" follow the replayed event time.
	clock := kline.NewEventClock()
	eng, err := app.BuildEngine(cfg, stores, log, app.WithClock(clock.Now))
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Source:         feed.NewFileSource(*file, log),
		KLines:         eng.KLines,
		Exits:          eng.Exits,
		Strategies:     eng.Strategies,
		Cache:          eng.Cache,
		Sink:           orchestrator.NewJSONSink(out, eng.Exits, log),
		Clock:          clock,
		MonitorWallets: cfg.Feed.MonitorWallets,
		Logger:         log,
	})
	if err != nil {
		return err
	}

	stats, err := orch.Run(ctx)
	if err != nil {
		return err
	}
	summary, _ := json.Marshal(stats)
	fmt.Fprintf(os.Stderr, "replay: %s\n", summary)
	return nil
}

// parseTime accepts RFC3339 or unix seconds.
func parseTime(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("want RFC3339 or unix seconds, got %q", s)
	}
	return t.Unix(), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
