package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/joncooperworks/custody/account"
	"github.com/joncooperworks/custody/api"
	"github.com/joncooperworks/custody/chain"
	"github.com/joncooperworks/custody/config"
	"github.com/joncooperworks/custody/crypto/keystore"
	"github.com/joncooperworks/custody/crypto/relaycrypto"
	"github.com/joncooperworks/custody/executor"
	"github.com/joncooperworks/custody/logging"
	"github.com/joncooperworks/custody/metrics"
	"github.com/joncooperworks/custody/plugin"
	"github.com/joncooperworks/custody/prompt"
	"github.com/joncooperworks/custody/session"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file (optional)")
		listen     = flag.String("listen", "127.0.0.1:8645", "Address of the control API")
		outboxPath = flag.String("outbox", "-", "File outbound peer messages are appended to, - for stdout")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(os.Stderr, logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, *listen, *outboxPath, logger); err != nil {
		logger.Error("custodyd stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, listen, outboxPath string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	storeOpts := cfg.KeystoreOptions()
	storeOpts.Logger = logger
	store, err := keystore.NewStore(storeOpts)
	if err != nil {
		return fmt.Errorf("failed to create keystore: %w", err)
	}
	registry, err := account.NewRegistry(store,
		account.WithLogger(logger),
		account.WithUnlockTTL(cfg.Accounts.UnlockTTL),
		account.WithDerivationPath(cfg.DerivationPath()),
		account.WithAuthenticator(prompt.Stdio()),
		account.WithMetrics(m),
	)
	if err != nil {
		return fmt.Errorf("failed to create account registry: %w", err)
	}
	defer registry.LockAll()

	wallets, err := chain.NewWallets(registry, cfg.Chains,
		chain.WithGasStaleAfter(cfg.Gas.StaleAfter),
		chain.WithLogger(logger),
		chain.WithMetrics(m),
	)
	if err != nil {
		return fmt.Errorf("failed to configure chains: %w", err)
	}
	defer wallets.Close()

	screeners, err := loadScreeners(cfg.Plugins.Screeners, logger)
	if err != nil {
		return err
	}
	defer closeScreeners(screeners, logger)

	relayKeys, err := loadRelayKeys(cfg.Sessions.RelayKeyFile)
	if err != nil {
		return err
	}
	v2, err := session.NewV2Adapter(relayKeys)
	if err != nil {
		return err
	}
	logger.Info("relay identity ready", "public_key", v2.PublicKey())

	out, closeOut, err := openOutbox(outboxPath)
	if err != nil {
		return err
	}
	defer closeOut()

	v1Outbox, err := api.NewOutbox(out, session.V1, nil)
	if err != nil {
		return err
	}
	v2Outbox, err := api.NewOutbox(out, session.V2, v2)
	if err != nil {
		return err
	}

	managerConfig := func(adapter session.Adapter, transport session.Transport) session.Config {
		return session.Config{
			Adapter:   adapter,
			Transport: transport,
			Executor:  wallets,
			Accounts:  registry,
			Screeners: screeners,
			RateLimit: rate.Limit(cfg.Sessions.RateLimit),
			Burst:     cfg.Sessions.Burst,
			Logger:    logger,
			Metrics:   m,
		}
	}
	v1Manager, err := session.NewManager(managerConfig(session.NewV1Adapter(cfg.Chains[0].ChainID), v1Outbox))
	if err != nil {
		return err
	}
	v2Manager, err := session.NewManager(managerConfig(v2, v2Outbox))
	if err != nil {
		return err
	}
	hub, err := session.NewHub(v1Manager, v2Manager)
	if err != nil {
		return err
	}

	handler, err := api.NewHandler(hub, logger, api.WithLocker(registry))
	if err != nil {
		return err
	}
	servers := []*http.Server{{Addr: listen, Handler: handler, ReadHeaderTimeout: 5 * time.Second}}
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		servers = append(servers, &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server on %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := hub.CloseAll(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close sessions: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

func loadScreeners(paths []string, logger *slog.Logger) ([]plugin.Screener, error) {
	screeners := []plugin.Screener{plugin.MethodScreener{Known: executor.SupportedMethods}}
	for _, path := range paths {
		s, err := plugin.LoadFile(path)
		if err != nil {
			closeScreeners(screeners, logger)
			return nil, fmt.Errorf("failed to load screener %s: %w", path, err)
		}
		logger.Info("loaded screener", "name", s.Name(), "path", path)
		screeners = append(screeners, s)
	}
	return screeners, nil
}

func closeScreeners(screeners []plugin.Screener, logger *slog.Logger) {
	for _, s := range screeners {
		if c, ok := s.(interface{ Close(context.Context) error }); ok {
			if err := c.Close(context.Background()); err != nil {
				logger.Warn("failed to close screener", "name", s.Name(), "error", err)
			}
		}
	}
}

func loadRelayKeys(path string) (*relaycrypto.KeyPair, error) {
	if path == "" {
		return relaycrypto.GenerateKeyPair()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read relay key: %w", err)
	}
	defer clear(data)
	keys, err := relaycrypto.ParseKeyPair(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse relay key %s: %w", path, err)
	}
	return keys, nil
}

func openOutbox(path string) (io.Writer, func(), error) {
	if path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open outbox: %w", err)
	}
	return f, func() { f.Close() }, nil
}
