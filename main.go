package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"market-sync/config"
	"market-sync/internal/cache"
	"market-sync/internal/realtime"
	"market-sync/internal/server"
	"market-sync/internal/store"
	"market-sync/internal/tracker"
)

func main() {
	var (
		walletAddr  string
		configFile  string
		processAll  bool
		addr        string
		reportOnly  bool
		writeConfig string
	)
	flag.StringVar(&walletAddr, "wallet", "", "wallet address to report on")
	flag.StringVar(&configFile, "config", "config/config.yaml", "path to the config file")
	flag.BoolVar(&processAll, "all", false, "report on every configured wallet")
	flag.StringVar(&addr, "addr", "", "HTTP listen address, overrides server.addr")
	flag.BoolVar(&reportOnly, "report", false, "print one holdings and price report, then exit")
	flag.StringVar(&writeConfig, "write-config", "", "write the default configuration to this path and exit")
	flag.Parse()

	if writeConfig != "" {
		if err := config.SaveConfig(writeConfig, config.Default()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	logger, closeLog, err := newLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closeLog()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	var walletAddrs []string
	if processAll {
		walletAddrs = cfg.GetWalletAddresses()
	}
	if walletAddr != "" {
		walletAddrs = append(walletAddrs, walletAddr)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := newApp(cfg, logger)
	if err != nil {
		logger.Fatalf("failed to initialize: %v", err)
	}

	if reportOnly {
		if len(walletAddrs) == 0 {
			logger.Fatal("pass -wallet <address> or -all to report on configured wallets")
		}
		if err := app.report(ctx, walletAddrs); err != nil {
			logger.Fatalf("failed to build report: %v", err)
		}
		return
	}

	if err := app.serve(ctx, cfg, walletAddrs); err != nil {
		logger.Fatalf("service stopped: %v", err)
	}
}

// newLogger honours LOG_LEVEL, LOG_FORMAT=json and LOG_FILE.
func newLogger() (*logrus.Logger, func(), error) {
	logger := logrus.New()
	closeFn := func() {}

	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, closeFn, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	logger.SetLevel(lvl)

	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.TimeOnly})
	}

	if path := os.Getenv("LOG_FILE"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, closeFn, fmt.Errorf("open log file: %w", err)
		}
		logger.SetOutput(f)
		closeFn = func() { f.Close() }
	}
	return logger, closeFn, nil
}

type app struct {
	resolver   *tracker.Resolver
	aggregator *tracker.Aggregator
	wallets    *tracker.WalletService
	charts     *tracker.ChartService
	log        *logrus.Logger
}

func newApp(cfg *config.Config, logger *logrus.Logger) (*app, error) {
	client := tracker.NewHTTPClient()

	pump := tracker.NewPumpFunSource(client, cfg.Pricing.ReferenceQuoteRate)
	dex := tracker.NewDexScreenerSource(client)

	var sources []tracker.PriceSource
	for _, name := range cfg.Sources {
		switch strings.ToLower(name) {
		case "coinmarketcap":
			if cfg.Keys.CoinMarketCap == "" {
				logger.Info("COINMARKETCAP_API_KEY not set, skipping coinmarketcap")
				continue
			}
			sources = append(sources, tracker.NewCMCSource(cfg.Keys.CoinMarketCap, client))
		case "coingecko":
			sources = append(sources, tracker.NewCoinGeckoSource(cfg.Keys.CoinGecko, client))
		case "binance":
			sources = append(sources, tracker.NewBinanceSource(client))
		case "dexscreener":
			sources = append(sources, dex)
		case "jupiter":
			sources = append(sources, tracker.NewJupiterSource(client))
		case "pumpfun":
			sources = append(sources, pump)
		default:
			return nil, fmt.Errorf("unknown price source %q", name)
		}
	}
	if len(sources) == 0 {
		return nil, errors.New("no price source enabled")
	}

	instruments := make([]tracker.Instrument, 0, len(cfg.Instruments))
	for _, inst := range cfg.Instruments {
		instruments = append(instruments, tracker.Instrument{
			ID:             inst.ID,
			Symbol:         inst.Symbol,
			CoinGeckoID:    inst.CoinGeckoID,
			ExchangeSymbol: inst.ExchangeSymbol,
			Mint:           inst.Mint,
		})
	}

	resolver := tracker.NewResolver(sources, cfg.Refresh.SourceTimeout, instruments, logger)
	agg := tracker.NewAggregator(resolver, tracker.AggregatorOptions{
		HistoryCapacity: cfg.Refresh.HistoryCapacity,
		MaxParallel:     cfg.Refresh.MaxParallel,
		MaxTracked:      cfg.Refresh.MaxTracked,
		AlertThreshold:  cfg.Refresh.AlertThreshold,
		AlertWindow:     cfg.Refresh.AlertWindow,
		Logger:          logger,
	})
	pump.WithLiveRate(agg.QuoteRate(cfg.Pricing.QuoteInstrument))

	endpoints := make([]*tracker.RPCEndpoint, 0, len(cfg.RPC.Endpoints))
	for _, u := range cfg.RPC.Endpoints {
		endpoints = append(endpoints, tracker.NewRPCEndpoint(u, client))
	}
	wallets := tracker.NewWalletService(endpoints, cfg, tracker.WalletOptions{
		CacheTTL:    cfg.Refresh.WalletInterval,
		Timeout:     cfg.RPC.Timeout,
		MaxParallel: 2,
		Logger:      logger,
	})

	charts := tracker.NewChartService(dex, []tracker.ChartBuilder{
		tracker.NewGeckoTerminalSource(client),
		tracker.SyntheticChart{},
	}, cfg.Refresh.SourceTimeout, logger)

	return &app{
		resolver:   resolver,
		aggregator: agg,
		wallets:    wallets,
		charts:     charts,
		log:        logger,
	}, nil
}

func (a *app) report(ctx context.Context, addrs []string) error {
	a.log.Infof("processing %d wallet addresses", len(addrs))
	snaps, failed := a.wallets.RefreshAll(ctx, addrs)
	for addr, err := range failed {
		a.log.WithError(err).WithField("address", addr).Warn("failed to fetch wallet")
	}
	if len(snaps) == 0 {
		return errors.New("every wallet failed")
	}

	list := make([]tracker.WalletSnapshot, 0, len(snaps))
	for _, s := range snaps {
		list = append(list, s)
	}
	quotes, missing := a.aggregator.Quotes(ctx, tracker.PriceKeys(list), 15*time.Second)
	for id, err := range missing {
		a.log.WithError(err).WithField("instrument", id).Debug("no price")
	}

	fmt.Println(tracker.HoldingsReport(tracker.AggregateHoldings(list, quotes), time.Now()))
	fmt.Println(tracker.PriceReport(quotes))
	return nil
}

func (a *app) serve(ctx context.Context, cfg *config.Config, walletAddrs []string) error {
	if cfg.Redis.Addr != "" {
		mirror, err := cache.NewRedisMirror(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL)
		if err != nil {
			return err
		}
		defer mirror.Close()

		seeds, err := mirror.Load(ctx, cfg.TrackedIDs())
		if err != nil {
			a.log.WithError(err).Warn("warm start from redis failed")
		}
		a.aggregator.Seed(seeds...)
		a.aggregator.OnUpdate(mirror.Hook(2*time.Second, func(err error) {
			a.log.WithError(err).Warn("redis mirror write failed")
		}))
	}

	if err := a.aggregator.Track(cfg.TrackedIDs()...); err != nil {
		a.log.WithError(err).Warn("not every configured instrument is tracked")
	}
	go a.aggregator.Run(ctx, cfg.Refresh.PriceInterval)

	if err := a.wallets.Watch(walletAddrs...); err != nil {
		return err
	}
	go a.wallets.Run(ctx, cfg.Refresh.WalletInterval)

	deps := server.Deps{
		Prices:  a.aggregator,
		Wallets: a.wallets,
		Charts:  a.charts,
		Sources: a.resolver.Sources(),
	}

	if cfg.Realtime.Enabled() {
		pg, err := store.NewPostgres(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer pg.Close()

		syncer, err := a.startRealtime(ctx, cfg, pg)
		if err != nil {
			return err
		}
		deps.Dashboards = syncer
		deps.Rows = syncer
	}

	if a.log.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.NewHandler(deps, a.log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	}
	a.log.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Errorf("server shutdown error: %v", err)
	}
	a.log.Info("server stopped")
	return nil
}

type walletWatcher interface {
	Watch(addrs ...string) error
	Unwatch(addr string)
}

// walletRowHandler starts and stops the wallet refresh loop as users add and
// remove wallet rows. Wallets from the config file are never unwatched.
func walletRowHandler(wallets walletWatcher, static []string, log logrus.FieldLogger) func(realtime.Event) {
	return func(ev realtime.Event) {
		if ev.Table != realtime.Wallets {
			return
		}
		switch {
		case ev.Type == realtime.Insert && ev.New != nil:
			address, _ := ev.New.Data["address"].(string)
			if address == "" {
				return
			}
			if err := wallets.Watch(address); err != nil {
				log.WithError(err).WithField("address", address).Warn("ignoring wallet row")
			}
		case ev.Type == realtime.Delete && ev.Old != nil:
			address, _ := ev.Old.Data["address"].(string)
			if address == "" {
				log.WithField("row", ev.Old.ID).Debug("deleted wallet row has no address")
				return
			}
			if slices.Contains(static, address) {
				return
			}
			wallets.Unwatch(address)
		}
	}
}

func (a *app) startRealtime(ctx context.Context, cfg *config.Config, pg *store.Postgres) (*realtime.Syncer, error) {
	syncer := realtime.NewSyncer(pg, a.log)

	syncer.OnChange(walletRowHandler(a.wallets, cfg.GetWalletAddresses(), a.log))

	for _, user := range cfg.Realtime.Users {
		if err := syncer.Watch(ctx, user); err != nil {
			return nil, err
		}
		addrs, err := pg.WalletAddresses(ctx, user)
		if err != nil {
			return nil, fmt.Errorf("wallets of %s: %w", user, err)
		}
		for _, addr := range addrs {
			if err := a.wallets.Watch(addr); err != nil {
				a.log.WithError(err).WithField("address", addr).Warn("ignoring stored wallet")
			}
		}
	}

	events := make(chan realtime.Event, 256)
	go func() {
		if err := syncer.Consume(ctx, events); err != nil && !errors.Is(err, context.Canceled) {
			a.log.WithError(err).Error("realtime consumer stopped")
		}
	}()

	var sources []realtime.Source
	if cfg.Realtime.URL != "" {
		sources = append(sources, realtime.NewWebsocketSource(cfg.Realtime.URL, cfg.Realtime.APIKey, syncer.Keys, a.log))
	}
	if cfg.Realtime.AMQPURL != "" {
		src, err := realtime.NewAMQPSource(cfg.Realtime.AMQPURL, cfg.Realtime.Exchange, cfg.Realtime.Prefetch, a.log)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	for _, src := range sources {
		src := src
		go func() {
			if err := src.Run(ctx, events); err != nil && !errors.Is(err, context.Canceled) {
				a.log.WithError(err).Error("realtime transport stopped")
			}
		}()
	}
	return syncer, nil
}
