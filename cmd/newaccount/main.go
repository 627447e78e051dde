package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joncooperworks/custody/account"
	"github.com/joncooperworks/custody/config"
	"github.com/joncooperworks/custody/crypto"
	"github.com/joncooperworks/custody/crypto/keystore"
	"github.com/joncooperworks/custody/logging"
	"github.com/joncooperworks/custody/prompt"
)

func main() {
	var (
		configPath   = flag.String("config", "", "Path to YAML config file (optional)")
		showMnemonic = flag.Bool("show-mnemonic", true, "Print the recovery phrase after creating the account")
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

	opts := cfg.KeystoreOptions()
	opts.Logger = logger
	store, err := keystore.NewStore(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating keystore: %v\n", err)
		os.Exit(1)
	}
	registry, err := account.NewRegistry(store,
		account.WithLogger(logger),
		account.WithDerivationPath(cfg.DerivationPath()),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating account registry: %v\n", err)
		os.Exit(1)
	}

	password, err := prompt.Stdio().NewPassword("Password")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading password: %v\n", err)
		os.Exit(1)
	}

	acct, mnemonic, err := registry.GenerateAccount(context.Background(), password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating account: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Account created successfully:\n")
	fmt.Printf("  Address: %s\n", crypto.NormalizeAddress(acct.Address()))
	fmt.Printf("  Derivation path: %s\n", cfg.DerivationPath())
	if *showMnemonic {
		fmt.Printf("  Recovery phrase: %s\n", mnemonic)
		fmt.Printf("  Note: Write the recovery phrase down and keep it offline\n")
	}
}
