package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/joncooperworks/custody/crypto"
)

func main() {
	var (
		address     = flag.String("address", "", "Address expected to have signed (required)")
		message     = flag.String("message", "", "Signed message text")
		messageFile = flag.String("message-file", "", "Path to a file holding the signed message")
		signature   = flag.String("signature", "", "Hex signature to verify (required)")
	)
	flag.Parse()

	if *address == "" {
		fmt.Fprintf(os.Stderr, "Error: -address is required\n")
		os.Exit(1)
	}
	if *signature == "" {
		fmt.Fprintf(os.Stderr, "Error: -signature is required\n")
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
	sig, err := hexutil.Decode(*signature)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid -signature: %v\n", err)
		os.Exit(1)
	}
	msg := []byte(*message)
	if *messageFile != "" {
		if msg, err = os.ReadFile(*messageFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error reading message file: %v\n", err)
			os.Exit(1)
		}
	}

	if err := crypto.VerifyMessage(addr, msg, sig); err != nil {
		if errors.Is(err, crypto.ErrSignatureMismatch) {
			signer, _ := crypto.RecoverMessageSigner(msg, sig)
			fmt.Fprintf(os.Stderr, "Signature INVALID: signed by %s, not %s\n", crypto.NormalizeAddress(signer), crypto.NormalizeAddress(addr))
		} else {
			fmt.Fprintf(os.Stderr, "Error verifying signature: %v\n", err)
		}
		os.Exit(1)
	}

	fmt.Printf("Signature valid:\n")
	fmt.Printf("  Signer: %s\n", crypto.NormalizeAddress(addr))
	fmt.Printf("  Message length: %d bytes\n", len(msg))
}
