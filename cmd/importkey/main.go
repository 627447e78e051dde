package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

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
		keyPath      = flag.String("key", "", "Path to a file holding a hex private key")
		mnemonicPath = flag.String("mnemonic", "", "Path to a file holding a BIP-39 recovery phrase")
	)
	flag.Parse()

	if (*keyPath == "") == (*mnemonicPath == "") {
		fmt.Fprintf(os.Stderr, "Error: exactly one of -key or -mnemonic is required\n")
		os.Exit(1)
	}

	source := *keyPath
	if source == "" {
		source = *mnemonicPath
	}
	data, err := os.ReadFile(source)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", source, err)
		os.Exit(1)
	}
	secret := strings.TrimSpace(string(data))
	clear(data)

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

	ctx := context.Background()
	var acct *account.SigningAccount
	if *keyPath != "" {
		key, perr := crypto.ParsePrivateKey(secret)
		if perr != nil {
			fmt.Fprintf(os.Stderr, "Error parsing private key: %v\n", perr)
			os.Exit(1)
		}
		acct, err = registry.CreateAccount(ctx, key, password)
		crypto.ZeroKey(key)
	} else {
		acct, err = registry.ImportMnemonic(ctx, secret, password)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error importing account: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Account imported successfully:\n")
	fmt.Printf("  Source: %s\n", source)
	fmt.Printf("  Address: %s\n", crypto.NormalizeAddress(acct.Address()))
	fmt.Printf("  Note: You can now delete %s\n", source)
}
