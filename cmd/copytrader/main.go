package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"polymarket-copytrader/api"
	"polymarket-copytrader/config"
	"polymarket-copytrader/handlers"
	"polymarket-copytrader/middleware"
	"polymarket-copytrader/models"
	"polymarket-copytrader/storage"
	"polymarket-copytrader/syncer"
	"polymarket-copytrader/utils"
	"polymarket-copytrader/vault"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
)

type options struct {
	configPath string
	trader     string
	dryRun     bool
	live       bool
	budget     decimal.Decimal
	risk       models.RiskConfig
}

func main() {
	cfg, opts, err := setup(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "copytrader: %v\n", err)
		os.Exit(2)
	}

	logger := utils.SetupLogger(os.Stderr, cfg.LogLevel).With("component", "copytrader")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.dryRun {
		err = runDryRun(ctx, cfg, opts, os.Stdout)
	} else {
		err = runLive(ctx, cfg, opts, logger)
	}
	if err != nil {
		logger.Error("copytrader failed", "error", err)
		os.Exit(1)
	}
}

// setup loads config, then parses flags on top of the configured defaults.
func setup(args []string, stderr io.Writer) (*config.Config, options, error) {
	configPath := findConfigFlag(args)
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, options{}, err
	}

	opts, err := parseFlags(args, cfg.Defaults, stderr)
	if err != nil {
		return nil, options{}, err
	}
	return cfg, opts, nil
}

func parseFlags(args []string, defaults config.DefaultsConfig, stderr io.Writer) (options, error) {
	var opts options

	fs := flag.NewFlagSet("copytrader", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "path to YAML config (default $COPYTRADER_CONFIG or config/default.yaml)")
	fs.StringVar(&opts.trader, "trader-address", "", "wallet address of the trader to follow")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "simulate against recent history and print a JSON report")
	fs.BoolVar(&opts.live, "live", false, "copy new trades into every managed account")
	budget := fs.String("budget", formatFloat(defaults.Budget), "simulation budget in USDC (dry-run only)")
	pct := fs.String("copy-percentage", formatFloat(defaults.CopyPercentage), "fraction of each trade to copy (dry-run only)")
	maxTrade := fs.String("max-trade-size", formatFloat(defaults.MaxTradeSize), "USDC cap per copied trade (dry-run only)")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	opts.trader = utils.NormalizeAddress(opts.trader)
	if !middleware.IsValidEthAddress(opts.trader) {
		return opts, fmt.Errorf("--trader-address must be a 0x-prefixed 40 hex character address")
	}
	if opts.dryRun == opts.live {
		return opts, fmt.Errorf("exactly one of --dry-run or --live is required")
	}

	var err error
	if opts.budget, err = parseDecimal("budget", *budget); err != nil {
		return opts, err
	}
	if opts.risk.CopyPercentage, err = parseDecimal("copy-percentage", *pct); err != nil {
		return opts, err
	}
	if opts.risk.MaxTradeSize, err = parseDecimal("max-trade-size", *maxTrade); err != nil {
		return opts, err
	}

	if opts.budget.IsNegative() {
		return opts, fmt.Errorf("--budget must not be negative")
	}
	if !opts.risk.CopyPercentage.IsPositive() || opts.risk.CopyPercentage.GreaterThan(decimal.NewFromInt(1)) {
		return opts, fmt.Errorf("--copy-percentage must be in (0, 1]")
	}
	if !opts.risk.MaxTradeSize.IsPositive() {
		return opts, fmt.Errorf("--max-trade-size must be positive")
	}

	return opts, nil
}

func runDryRun(ctx context.Context, cfg *config.Config, opts options, out io.Writer) error {
	market := api.NewClient(api.ClientConfig{
		DataURL:       cfg.API.DataURL,
		GammaURL:      cfg.API.GammaURL,
		TradePageSize: cfg.API.TradePageSize,
		Timeout:       cfg.API.RequestTimeout,
	})

	report, err := syncer.NewSimulator(market).Run(ctx, syncer.SimulationConfig{
		Trader: opts.trader,
		Budget: opts.budget,
		Risk:   opts.risk,
	})
	if err != nil {
		return fmt.Errorf("simulation: %w", err)
	}

	decimal.MarshalJSONWithoutQuotes = true
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func runLive(ctx context.Context, cfg *config.Config, opts options, logger *slog.Logger) error {
	v, err := vault.New(cfg.BotSecret)
	if err != nil {
		return err
	}

	store, err := storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.SQLitePath, storage.PostgresConfig{
		DSN:       cfg.Storage.PostgresDSN,
		RedisAddr: cfg.Storage.RedisAddr,
		RedisTTL:  cfg.Storage.RedisTTL,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	accounts, err := store.ListAccountsWithConfig(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	if len(accounts) == 0 {
		logger.Warn("no managed accounts configured; trades will be observed but not copied")
	}

	market := api.NewClient(api.ClientConfig{
		DataURL:       cfg.API.DataURL,
		GammaURL:      cfg.API.GammaURL,
		TradePageSize: cfg.API.TradePageSize,
		Timeout:       cfg.API.RequestTimeout,
	})
	sessions := api.NewSessionManager(v, api.NewClobSessionFactory(api.ClobConfig{
		BaseURL:       cfg.API.ClobURL,
		ChainID:       cfg.API.ChainID,
		SignatureType: cfg.API.SignatureType,
		Timeout:       cfg.API.RequestTimeout,
	}))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	trader, err := syncer.NewCopyTrader(market, store, sessions, syncer.CopyTraderConfig{
		Trader:        opts.trader,
		PollInterval:  cfg.Live.PollInterval,
		Retry:         cfg.Live.Retry,
		SubmitTimeout: cfg.Live.SubmitTimeout,
	}, syncer.NewMetrics(reg))
	if err != nil {
		return err
	}

	if cfg.Status.Enabled {
		gin.SetMode(gin.ReleaseMode)
		srv := &http.Server{
			Addr:              ":" + strconv.Itoa(cfg.Status.Port),
			Handler:           handlers.NewRouter(handlers.NewHandler(store, trader, sessions, reg), cfg.Status.Username, cfg.Status.Password),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("status server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("starting live copy trading",
		"trader", opts.trader,
		"accounts", len(accounts),
		"store", cfg.Storage.Driver,
		"bot_secret", cfg.MaskedSecret(),
	)

	return trader.Run(ctx)
}

// findConfigFlag pulls --config out of args before the flag set is built,
// since flag defaults come from the loaded config.
func findConfigFlag(args []string) string {
	for i, arg := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if name != "config" || !strings.HasPrefix(arg, "-") {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func parseDecimal(name, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("--%s: invalid number %q", name, raw)
	}
	return d, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
