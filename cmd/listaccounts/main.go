package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joncooperworks/custody/account"
	"github.com/joncooperworks/custody/config"
	"github.com/joncooperworks/custody/crypto"
	"github.com/joncooperworks/custody/crypto/keystore"
	"github.com/joncooperworks/custody/logging"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (optional)")
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

	opts := cfg.KeystoreOptions()
	opts.Logger = logger
	store, err := keystore.NewStore(opts)
	if err != nil {
		logger.Error("failed to create keystore", "error", err)
		os.Exit(1)
	}
	registry, err := account.NewRegistry(store, account.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create account registry", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	addrs, err := registry.ListAccounts(ctx)
	if err != nil {
		logger.Error("failed to list accounts", "error", err)
		os.Exit(1)
	}

	if len(addrs) == 0 {
		fmt.Println("No accounts found in keystore")
		return
	}

	fmt.Printf("Accounts in keystore (%d):\n", len(addrs))
	for _, addr := range addrs {
		acct, err := registry.GetOrCreate(ctx, addr)
		if err != nil {
			logger.Error("failed to load account", "address", addr, "error", err)
			os.Exit(1)
		}
		fmt.Printf("  - %s (created %s)\n", crypto.NormalizeAddress(addr), acct.CreatedAt().Format(time.RFC3339))
	}
}
