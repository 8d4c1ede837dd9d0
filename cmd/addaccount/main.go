package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"polymarket-copytrader/api"
	"polymarket-copytrader/config"
	"polymarket-copytrader/models"
	"polymarket-copytrader/storage"
	"polymarket-copytrader/utils"
	"polymarket-copytrader/vault"

	"github.com/shopspring/decimal"
)

// ErrNoCollateral aborts registration of a wallet that cannot trade.
var ErrNoCollateral = errors.New("account has no USDC collateral")

type options struct {
	configPath   string
	privateKey   string
	budget       decimal.Decimal
	risk         models.RiskConfig
	checkBalance bool
}

// balanceChecker is satisfied by *api.ClobClient.
type balanceChecker interface {
	GetUSDCBalance(ctx context.Context) (decimal.Decimal, error)
}

func main() {
	cfg, opts, err := setup(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "addaccount: %v\n", err)
		os.Exit(2)
	}

	logger := utils.SetupLogger(os.Stderr, cfg.LogLevel).With("component", "addaccount")
	ctx := context.Background()

	v, err := vault.New(cfg.BotSecret)
	if err != nil {
		logger.Error("cannot encrypt key", "error", err)
		os.Exit(1)
	}

	store, err := storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.SQLitePath, storage.PostgresConfig{
		DSN:       cfg.Storage.PostgresDSN,
		RedisAddr: cfg.Storage.RedisAddr,
		RedisTTL:  cfg.Storage.RedisTTL,
	})
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var balances func(*api.Auth) balanceChecker
	if opts.checkBalance {
		balances = func(auth *api.Auth) balanceChecker {
			return api.NewClobClient(api.ClobConfig{
				BaseURL:       cfg.API.ClobURL,
				ChainID:       cfg.API.ChainID,
				SignatureType: cfg.API.SignatureType,
				Timeout:       cfg.API.RequestTimeout,
			}, auth)
		}
	}

	acc, err := register(ctx, store, v, cfg.API.ChainID, opts, balances, logger)
	if err != nil {
		logger.Error("failed to add account", "error", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stdout, "account %d: %s (budget %s, copy %s, max %s)\n",
		acc.ID, acc.Address, acc.BudgetRemaining, acc.Risk.CopyPercentage, acc.Risk.MaxTradeSize)
}

func setup(args []string, stderr io.Writer) (*config.Config, options, error) {
	cfg, err := config.Load(findConfigFlag(args))
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

	fs := flag.NewFlagSet("addaccount", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "path to YAML config")
	fs.StringVar(&opts.privateKey, "private-key", os.Getenv("PRIVATE_KEY"), "hex private key of the wallet (default $PRIVATE_KEY)")
	fs.BoolVar(&opts.checkBalance, "check-balance", true, "refuse wallets with no USDC collateral on the CLOB")
	budget := fs.String("budget", formatFloat(defaults.Budget), "USDC budget the copier may spend")
	pct := fs.String("copy-percentage", formatFloat(defaults.CopyPercentage), "fraction of each trade to copy")
	maxTrade := fs.String("max-trade-size", formatFloat(defaults.MaxTradeSize), "USDC cap per copied trade")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if strings.TrimSpace(opts.privateKey) == "" {
		return opts, fmt.Errorf("--private-key or PRIVATE_KEY is required")
	}

	var err error
	if opts.budget, err = decimal.NewFromString(*budget); err != nil || opts.budget.IsNegative() {
		return opts, fmt.Errorf("--budget must be a non-negative number")
	}
	if opts.risk.CopyPercentage, err = decimal.NewFromString(*pct); err != nil ||
		!opts.risk.CopyPercentage.IsPositive() || opts.risk.CopyPercentage.GreaterThan(decimal.NewFromInt(1)) {
		return opts, fmt.Errorf("--copy-percentage must be in (0, 1]")
	}
	if opts.risk.MaxTradeSize, err = decimal.NewFromString(*maxTrade); err != nil || !opts.risk.MaxTradeSize.IsPositive() {
		return opts, fmt.Errorf("--max-trade-size must be positive")
	}

	return opts, nil
}

// register validates the key, optionally checks collateral, encrypts the key
// and upserts the account with its risk config.
func register(ctx context.Context, store storage.AccountStore, v *vault.Vault, chainID int64, opts options, balances func(*api.Auth) balanceChecker, logger *slog.Logger) (*models.ManagedAccount, error) {
	auth, err := api.NewAuth(opts.privateKey, chainID)
	if err != nil {
		return nil, err
	}
	address := utils.NormalizeAddress(auth.GetAddress().Hex())

	if balances != nil {
		balance, err := balances(auth).GetUSDCBalance(ctx)
		if err != nil {
			return nil, fmt.Errorf("check balance: %w", err)
		}
		if !balance.IsPositive() {
			return nil, fmt.Errorf("%w: %s", ErrNoCollateral, address)
		}
		logger.Info("collateral balance", "address", address, "usdc", balance.String())
	}

	encrypted, err := v.Encrypt(strings.TrimSpace(opts.privateKey))
	if err != nil {
		return nil, err
	}

	id, err := store.UpsertAccount(ctx, address, encrypted, opts.risk, opts.budget)
	if err != nil {
		return nil, fmt.Errorf("save account: %w", err)
	}
	logger.Info("account saved", "account_id", id, "address", address)

	return store.GetAccount(ctx, id)
}

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

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
