package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"yield-pilot/internal/alerting"
	"yield-pilot/internal/config"
	"yield-pilot/internal/ledger"
	"yield-pilot/internal/payment"
	"yield-pilot/internal/policy"
	"yield-pilot/internal/ratesource"
	"yield-pilot/internal/recon"
	"yield-pilot/internal/scheduler"
	"yield-pilot/internal/service"
	"yield-pilot/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
// It is constructed once at startup and passed by handle, never reached
// through ambient globals, so multiple configurations can coexist in tests.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// newWallet selects the payment capability at startup: a real signing wallet
// when a key is configured, otherwise the unconfigured variant that fails
// loudly the moment a gated endpoint demands payment.
func (a *App) newWallet() (payment.Wallet, error) {
	if a.Config.Payment.WalletKey == "" {
		return payment.UnconfiguredWallet{}, nil
	}
	return payment.NewECDSAWallet(a.Config.Payment.WalletKey)
}

// newRateClient builds the HTTP client used for all rate provider calls.
// With payment enabled it resolves 402 responses transparently.
func (a *App) newRateClient() (*http.Client, error) {
	timeout := a.Config.Rates.RequestTimeout
	if !a.Config.Payment.Enabled {
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		return &http.Client{Timeout: timeout}, nil
	}

	wallet, err := a.newWallet()
	if err != nil {
		return nil, err
	}
	return payment.NewClient(wallet, timeout, a.Logger), nil
}

func (a *App) newFetchers() ([]ratesource.Fetcher, error) {
	client, err := a.newRateClient()
	if err != nil {
		return nil, err
	}

	fetchers := make([]ratesource.Fetcher, 0, len(a.Config.Rates.Providers))
	for _, p := range a.Config.Rates.Providers {
		fetchers = append(fetchers, ratesource.NewProvider(ratesource.ProviderOptions{
			ProtocolID:   p.ID,
			ProtocolName: p.Name,
			BaseURL:      p.BaseURL,
			WindowHours:  a.Config.Rates.WindowHours,
			Timeout:      a.Config.Rates.RequestTimeout,
			UserAgent:    a.Config.Rates.UserAgent,
			Client:       client,
		}, a.Logger))
	}
	return fetchers, nil
}

func (a *App) newLedger() *ledger.EVM {
	return ledger.NewEVM(ledger.EVMOptions{
		RPCURL:           a.Config.Ledger.RPCURL,
		AllocatorAddress: a.Config.Ledger.AllocatorAddress,
		AuthorityKey:     a.Config.Ledger.AuthorityKey,
		ChainID:          a.Config.Ledger.ChainID,
		RequestTimeout:   a.Config.Ledger.RequestTimeout,
		FinalityTimeout:  a.Config.Ledger.FinalityTimeout,
	}, a.Logger)
}

func (a *App) newPolicy() policy.Policy {
	rounding := policy.RoundHalfAway
	if a.Config.Policy.Rounding == "half_even" {
		rounding = policy.RoundHalfEven
	}
	return policy.New(decimal.NewFromFloat(a.Config.Policy.ThresholdPct), rounding)
}

func (a *App) newEngine() (*recon.Engine, error) {
	fetchers, err := a.newFetchers()
	if err != nil {
		return nil, err
	}
	return recon.New(a.newLedger(), fetchers, a.newPolicy(), a.Logger), nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running reconciliation loop.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Config.ValidateReconciliation(); err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; cycle auditing and the advisory writer lock are disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	engine, err := a.newEngine()
	if err != nil {
		return err
	}
	notifier := a.newNotifier()

	var cycleStore storage.CycleStore
	if store != nil {
		cycleStore = store
	}

	svc := service.New(a.Config, sched, engine, cycleStore, notifier, a.Logger)

	a.Logger.Info().Msg("starting reconciliation loop")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("reconciliation loop terminated with error")
		return err
	}

	a.Logger.Info().Msg("reconciliation loop stopped")
	return nil
}

// ExportOptions hold parameters for exporting cycle history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
