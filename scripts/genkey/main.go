// genkey generates an Ed25519 administrator key for ledger writes.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go
//
// Prints the hex seed to put in OUTCOME_ADMIN_PRIVATE_KEY and the account
// address it controls. The module must be published from that address, since
// the server refuses to start when the key does not match
// OUTCOME_MODULE_ADDRESS.
//
// With -env the pair is appended to .env instead. An existing
// OUTCOME_ADMIN_PRIVATE_KEY line is never overwritten.
package main

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/outcomefi/outcome/internal/ledger"
)

func main() {
	envPath := flag.String("env", "", "append the key to this .env file instead of printing it")
	flag.Parse()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: generate key: %v\n", err)
		os.Exit(1)
	}
	seed := "0x" + hex.EncodeToString(priv.Seed())
	signer := ledger.NewSigner(priv)

	if *envPath == "" {
		fmt.Printf("OUTCOME_ADMIN_PRIVATE_KEY=%s\n", seed)
		fmt.Printf("OUTCOME_MODULE_ADDRESS=%s\n", signer.Address())
		return
	}

	if exists, err := hasKey(*envPath, "OUTCOME_ADMIN_PRIVATE_KEY"); err != nil {
		fmt.Fprintf(os.Stderr, "error: read %s: %v\n", *envPath, err)
		os.Exit(1)
	} else if exists {
		fmt.Fprintf(os.Stderr, "error: %s already has OUTCOME_ADMIN_PRIVATE_KEY, remove it first to rotate\n", *envPath)
		os.Exit(1)
	}

	f, err := os.OpenFile(*envPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open %s: %v\n", *envPath, err)
		os.Exit(1)
	}
	_, err = fmt.Fprintf(f, "OUTCOME_ADMIN_PRIVATE_KEY=%s\nOUTCOME_MODULE_ADDRESS=%s\n", seed, signer.Address())
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: write %s: %v\n", *envPath, err)
		os.Exit(1)
	}
	fmt.Printf("Wrote admin key for %s to %s\n", signer.Address(), *envPath)
}

func hasKey(path, key string) (bool, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.HasPrefix(strings.TrimSpace(scanner.Text()), key+"=") {
			return true, nil
		}
	}
	return false, scanner.Err()
}
