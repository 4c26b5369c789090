package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/interest-protocol/interest-borrow/config"
	"github.com/interest-protocol/interest-borrow/native/market"
	"github.com/interest-protocol/interest-borrow/native/oracle"
	"github.com/interest-protocol/interest-borrow/observability"
	"github.com/interest-protocol/interest-borrow/observability/logging"
	"github.com/interest-protocol/interest-borrow/server"
	"github.com/interest-protocol/interest-borrow/storage"
	"github.com/interest-protocol/interest-borrow/storage/marketstore"
)

// defaultModuleAddress is the custody account used when the configuration
// does not pin one.
var defaultModuleAddress = [20]byte{19: 0x01}

func main() {
	configPath := flag.String("config", "./config.toml", "path to the daemon configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup("borrowd", cfg.Environment)

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "markets"))
	if err != nil {
		logger.Error("open database", "dir", cfg.DataDir, "err", err)
		os.Exit(1)
	}
	defer db.Close()
	store := marketstore.New(db)

	aggregator := oracle.NewAggregator(cfg.Oracle.Priority, time.Duration(cfg.Oracle.MaxAgeSeconds)*time.Second)
	aggregator.Register("manual", oracle.NewManualOracle())
	priceSource := oracle.NewSource(aggregator)

	moduleAddr := defaultModuleAddress
	if cfg.ModuleAddress != "" {
		moduleAddr, err = config.ParseAddress(cfg.ModuleAddress)
		if err != nil {
			logger.Error("parse module address", "err", err)
			os.Exit(1)
		}
	}

	emitter := observability.NewMeteredEmitter(nil)

	engines := make(map[string]*market.Engine, len(cfg.Markets))
	for _, entry := range cfg.Markets {
		m, err := entry.ToMarket()
		if err != nil {
			logger.Error("invalid market", "market", entry.ID, "err", err)
			os.Exit(1)
		}
		eng := market.NewEngine(moduleAddr)
		eng.SetState(store)
		eng.SetMarketID(m.ID)
		eng.SetOracle(priceSource)
		eng.SetEmitter(emitter)
		if err := eng.InitMarket(m); err != nil {
			logger.Error("init market", "market", m.ID, "err", err)
			os.Exit(1)
		}
		if m.Kind.Staked() {
			logger.Warn("staked market has no staking venue wired; staked operations will fail",
				"market", m.ID, "pool", m.StakingPool)
		}
		engines[m.ID] = eng
		logger.Info("market ready", "market", m.ID, "kind", m.Kind.String(),
			"collateral", m.CollateralAsset, "debt", m.DebtAsset)
	}

	srv := server.New(engines, logger, cfg.RateLimit)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddress, "markets", len(engines))
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("shutdown", "err", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve", "err", err)
			os.Exit(1)
		}
	}
}
