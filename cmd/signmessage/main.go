package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/joncooperworks/custody/account"
	"github.com/joncooperworks/custody/config"
	"github.com/joncooperworks/custody/crypto"
	"github.com/joncooperworks/custody/crypto/keystore"
	"github.com/joncooperworks/custody/executor"
	"github.com/joncooperworks/custody/logging"
	"github.com/joncooperworks/custody/prompt"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file (optional)")
		address     = flag.String("address", "", "Account address to sign with (required)")
		message     = flag.String("message", "", "Message text to sign")
		messageFile = flag.String("message-file", "", "Path to a file whose contents are signed")
		timeout     = flag.Duration("timeout", 2*time.Minute, "How long to wait for the password")
	)
	flag.Parse()

	if *address == "" {
		fmt.Fprintf(os.Stderr, "Error: -address is required\n")
		os.Exit(1)
	}
	if (*message == "") == (*messageFile == "") {
		fmt.Fprintf(os.Stderr, "Error: exactly one of -message or -message-file is required\n")
		os.Exit(1)
	}

	addr, err := crypto.ParseAddress(*address)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid -address: %v\n", err)
		os.Exit(1)
	}
	msg := []byte(*message)
	if *messageFile != "" {
		if msg, err = os.ReadFile(*messageFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error reading message file: %v\n", err)
			os.Exit(1)
		}
	}

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
		account.WithAuthenticator(prompt.Stdio()),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating account registry: %v\n", err)
		os.Exit(1)
	}
	defer registry.LockAll()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	acct, err := registry.EnsureUnlocked(ctx, addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error unlocking account: %v\n", err)
		os.Exit(1)
	}

	params, err := json.Marshal([]string{hexutil.Encode(msg), crypto.NormalizeAddress(addr)})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding params: %v\n", err)
		os.Exit(1)
	}
	res, err := executor.Execute(ctx, &executor.ExecuteRequest{
		Method:  executor.MethodPersonalSign,
		Params:  params,
		Account: acct,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error signing message: %v\n", err)
		os.Exit(1)
	}

	var signature string
	if err := json.Unmarshal(res.Result, &signature); err != nil {
		fmt.Fprintf(os.Stderr, "Error decoding signature: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "[SIGNING LOG] %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(os.Stderr, "[SIGNING LOG] Signer: %s\n", crypto.NormalizeAddress(addr))
	fmt.Fprintf(os.Stderr, "[SIGNING LOG] Message length: %d bytes\n", len(msg))
	fmt.Println(signature)
}
