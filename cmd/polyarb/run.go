package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alejandrodnm/polyarb/config"
	"github.com/alejandrodnm/polyarb/internal/adapters/cache"
	"github.com/alejandrodnm/polyarb/internal/adapters/httpapi"
	"github.com/alejandrodnm/polyarb/internal/adapters/notify"
	"github.com/alejandrodnm/polyarb/internal/adapters/onchain"
	"github.com/alejandrodnm/polyarb/internal/adapters/polymarket"
	"github.com/alejandrodnm/polyarb/internal/adapters/simulated"
	"github.com/alejandrodnm/polyarb/internal/adapters/storage"
	"github.com/alejandrodnm/polyarb/internal/application/bookstore"
	"github.com/alejandrodnm/polyarb/internal/application/dashboard"
	"github.com/alejandrodnm/polyarb/internal/application/detector"
	"github.com/alejandrodnm/polyarb/internal/application/execution"
	"github.com/alejandrodnm/polyarb/internal/application/ledger"
	"github.com/alejandrodnm/polyarb/internal/application/pipeline"
	"github.com/alejandrodnm/polyarb/internal/application/risk"
	"github.com/alejandrodnm/polyarb/internal/domain"
	"github.com/alejandrodnm/polyarb/internal/ports"
)

type runOptions struct {
	resetKillSwitch bool
	table           bool
}

// venueRunner is a venue with its own background loop (event polling or
// simulated matching).
type venueRunner interface {
	ports.Venue
	Run(ctx context.Context) error
}

// run wires every component and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, opts runOptions) error {
	journal, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		return err
	}
	defer journal.Close()

	// --- Markets ---
	client := polymarket.NewClient(cfg.API.CLOBBase, cfg.API.GammaBase)
	source := polymarket.NewMarketSource(client, polymarket.MarketFilter{
		MinVolume24h: cfg.Markets.MinVolume24h,
		MaxMarkets:   cfg.Markets.MaxMarkets,
		Whitelist:    cfg.Markets.Whitelist,
		Blacklist:    cfg.Markets.Blacklist,
	})
	markets, err := source.FetchMarkets(ctx)
	if err != nil {
		return fmt.Errorf("fetch markets: %w", err)
	}
	if len(markets) == 0 {
		return errors.New("no binary markets match the configured filters")
	}

	store := bookstore.New()
	for _, m := range markets {
		store.Register(m)
	}
	slog.Info("markets loaded", "count", len(markets))

	// --- Core ---
	// El venue va primero: en live puede ajustar el gas estimado del detector.
	venue, err := newVenue(ctx, cfg, store)
	if err != nil {
		return err
	}

	det := detector.New(detector.Config{
		MinEdge:   cfg.Detector.MinEdge,
		MinSpread: cfg.Detector.MinSpread,
		Fees: domain.FeeModel{
			TakerFeeBps: cfg.Detector.TakerFeeBps,
			MakerFeeBps: cfg.Detector.MakerFeeBps,
			GasPerOrder: cfg.Detector.GasPerOrder,
		},
		DefaultOrderSize: cfg.Detector.DefaultOrderSize,
		MaxOrderSize:     cfg.Detector.MaxOrderSize,
		MarketMaking:     cfg.Detector.MarketMaking,
	}, store)
	tracker := detector.NewTracker()
	throttle := detector.NewThrottle(cfg.ArbCooldown(), cfg.MMCooldown())

	gate := risk.NewGate(risk.Config{
		MaxPerMarket:           cfg.Risk.MaxPerMarket,
		MaxGlobal:              cfg.Risk.MaxGlobal,
		MaxDailyLoss:           cfg.Risk.MaxDailyLoss,
		MaxDrawdownPct:         cfg.Risk.MaxDrawdownPct,
		Capital:                cfg.Risk.Capital,
		MaxConsecutiveFailures: cfg.Risk.MaxConsecutiveFailures,
		Blacklist:              cfg.Markets.Blacklist,
		Whitelist:              cfg.Markets.Whitelist,
	})
	led := ledger.New()

	engine := execution.New(execution.Config{
		StalenessTolerance: cfg.Execution.StalenessTolerance,
		MaxAttempts:        cfg.Execution.MaxAttempts,
		BaseBackoff:        cfg.Execution.BaseBackoff(),
		MaxBackoff:         cfg.Execution.MaxBackoff(),
		OrderMaxAge:        cfg.Execution.OrderMaxAge(),
		SweepInterval:      cfg.Execution.SweepInterval(),
		SlippageTolerance:  cfg.Execution.SlippageTolerance,
	}, store, gate, led, venue, journal)

	if err := engine.Recover(ctx); err != nil {
		return err
	}
	if opts.resetKillSwitch {
		gate.Reset()
		if err := journal.SaveKillSwitch(ctx, gate.State()); err != nil {
			return fmt.Errorf("reset kill switch: %w", err)
		}
		slog.Warn("kill switch reset by operator")
	} else if gate.Tripped() {
		slog.Error("kill switch is tripped: no new orders until restart with -reset-kill-switch",
			"reason", gate.Snapshot().KillReason)
	}

	// --- Feed ---
	var feed ports.BookFeed
	var reconnects <-chan struct{}
	switch cfg.Markets.Feed {
	case "poll":
		feed = polymarket.NewBookPoller(client, cfg.PollInterval())
	default:
		stream := polymarket.NewMarketStream(cfg.API.WSURL)
		feed = stream
		reconnects = stream.Reconnects()
	}

	pipe := pipeline.New(store, det, tracker, throttle, engine, journal, cfg.Detector.Workers)

	// --- Dashboard ---
	view := dashboard.New(dashboard.Sources{
		Opportunities: tracker,
		Orders:        engine,
		Portfolio:     led,
		Risk:          gate,
	})
	notifiers := []ports.Notifier{notify.NewConsole(store, opts.table)}

	var hub *httpapi.Hub
	if cfg.Dashboard.HTTPAddr != "" {
		hub = httpapi.NewHub()
		notifiers = append(notifiers, hub)
	}
	if cfg.Dashboard.RedisURL != "" {
		pub, err := cache.NewRedisPublisher(cfg.Dashboard.RedisURL, cfg.Dashboard.RedisPrefix, cfg.RedisTTL())
		if err != nil {
			return err
		}
		defer pub.Close()
		if err := pub.Ping(ctx); err != nil {
			slog.Warn("redis unreachable, snapshots will be retried each refresh", "err", err)
		}
		notifiers = append(notifiers, pub)
	}

	// --- Run ---
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	goRun := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error(name+" stopped", "err", err)
				cancel()
			}
		}()
	}

	snapshots := make(chan domain.BookSnapshot, 1024)

	goRun("venue", venue.Run)
	goRun("execution", func(ctx context.Context) error { return engine.Run(ctx, reconnects) })
	goRun("feed", func(ctx context.Context) error { return feed.Run(ctx, markets, snapshots) })
	goRun("pipeline", func(ctx context.Context) error {
		pipe.Run(ctx, snapshots)
		return nil
	})
	goRun("dashboard", func(ctx context.Context) error {
		view.Run(ctx, cfg.DashboardInterval(), notifiers...)
		return nil
	})

	if hub != nil {
		goRun("ws hub", func(ctx context.Context) error {
			hub.Run(ctx)
			return nil
		})
		api := httpapi.NewServer(httpapi.Sources{Snapshots: view, History: journal, Books: store}, hub)
		srv := &http.Server{
			Addr:         cfg.Dashboard.HTTPAddr,
			Handler:      api.Handler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		goRun("http", func(ctx context.Context) error {
			go func() {
				<-ctx.Done()
				sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer scancel()
				srv.Shutdown(sctx)
			}()
			slog.Info("dashboard API listening", "addr", cfg.Dashboard.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	<-ctx.Done()
	slog.Info("shutting down: cancelling open orders")
	wg.Wait()
	return nil
}

// newVenue devuelve el venue simulado en dry-run o el cliente CLOB autenticado.
func newVenue(ctx context.Context, cfg *config.Config, store *bookstore.Store) (venueRunner, error) {
	if cfg.Execution.DryRun {
		slog.Info("=== DRY RUN: orders are matched against live books, no real money ===")
		return simulated.New(store, 0), nil
	}

	if cfg.API.PrivateKey == "" {
		return nil, errors.New("live trading requires POLY_PRIVATE_KEY (or -dry-run)")
	}
	slog.Warn("=== LIVE TRADING MODE (REAL MONEY) ===")

	auth, err := polymarket.NewAuthClient(cfg.API.CLOBBase, cfg.API.GammaBase, cfg.API.PrivateKey)
	if err != nil {
		return nil, err
	}
	if err := auth.EnsureCreds(ctx); err != nil {
		return nil, fmt.Errorf("derive API credentials (check POLY_PRIVATE_KEY): %w", err)
	}
	slog.Info("authenticated with Polymarket CLOB", "address", auth.Address())

	tc, err := polymarket.NewTradingClient(auth, cfg.API.RPCURL, cfg.Execution.VenuePollInterval())
	if err != nil {
		return nil, err
	}
	if cfg.API.RPCURL != "" {
		if err := setupWallet(ctx, cfg); err != nil {
			return nil, err
		}
		balance, err := tc.Balance(ctx)
		if err != nil {
			slog.Warn("could not read USDC balance", "err", err)
		} else {
			slog.Info("wallet balance", "usdc", fmt.Sprintf("$%.2f", balance))
			if balance < cfg.Risk.MaxGlobal {
				slog.Warn("balance below risk.max_global, submissions may be rejected",
					"balance", balance, "max_global", cfg.Risk.MaxGlobal)
			}
		}
	}
	return tc, nil
}

// setupWallet revisa las aprobaciones on-chain y, con auto_gas, fija el gas
// por orden a la mitad del coste de un merge (un bundle son dos órdenes).
func setupWallet(ctx context.Context, cfg *config.Config) error {
	if !cfg.Execution.EnsureApprovals && !cfg.Detector.AutoGas {
		return nil
	}
	wallet, err := onchain.NewWallet(cfg.API.RPCURL, cfg.API.PrivateKey)
	if err != nil {
		return err
	}
	defer wallet.Close()

	if cfg.Execution.EnsureApprovals {
		slog.Info("checking on-chain approvals...", "address", wallet.Address())
		if err := wallet.EnsureApprovals(ctx); err != nil {
			return err
		}
		slog.Info("all approvals verified")
	}
	if cfg.Detector.AutoGas {
		cost := wallet.MergeCostUSD(ctx)
		cfg.Detector.GasPerOrder = cost / 2
		slog.Info("gas per order estimated", "merge_usd", fmt.Sprintf("$%.4f", cost))
	}
	return nil
}
