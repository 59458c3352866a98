// cmd/status reports what a tollbot config directory holds: the pricing
// cache, the wallet file and its key history, and whether the signing secret
// in the environment matches the advertised public id.
//
// Usage:
//
//	go run ./cmd/status/ --config-dir /etc/tollbot
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/0gfoundation/tollbot/internal/keys"
	"github.com/0gfoundation/tollbot/internal/pricing"
	"github.com/0gfoundation/tollbot/internal/proxy"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configDir := fs.String("config-dir", "/etc/tollbot", "Directory holding robots_cache.json and wallet.conf")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintln(out, "Tollbot status")
	fmt.Fprintf(out, "config dir: %s\n\n", *configDir)

	cachePath := filepath.Join(*configDir, "robots_cache.json")
	switch doc, err := loadCache(cachePath); {
	case errors.Is(err, os.ErrNotExist):
		fmt.Fprintf(out, "pricing:    not configured (%s missing)\n", cachePath)
	case err != nil:
		fmt.Fprintf(out, "pricing:    unreadable: %v\n", err)
	default:
		fmt.Fprintf(out, "pricing:    %d directive(s), wallet %s, currency %s\n",
			doc.Pricing.Len(), doc.WalletID, doc.Currency)
	}

	walletPath := filepath.Join(*configDir, "wallet.conf")
	wf, err := keys.ReadWalletFile(walletPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		fmt.Fprintf(out, "wallet:     not configured (%s missing)\n", walletPath)
	case err != nil:
		fmt.Fprintf(out, "wallet:     unreadable: %v\n", err)
	default:
		fmt.Fprintf(out, "wallet:     %s (%s)\n", wf.WalletID, wf.Currency)
		fmt.Fprintf(out, "public id:  %s\n", wf.Current())
		if n := len(wf.PublicKeys) - 1; n > 0 {
			fmt.Fprintf(out, "rotations:  %d, last at %s\n", n, time.Unix(wf.LastRotation, 0).UTC().Format(time.RFC3339))
		}
		fmt.Fprintf(out, "secret:     %s\n", secretStatus(wf.Current()))
	}

	fmt.Fprintln(out, "\nendpoints:")
	fmt.Fprintf(out, "  %s/validate         validates payment tokens\n", proxy.Prefix)
	fmt.Fprintf(out, "  %s/request-payment  quotes a path and says where to pay\n", proxy.Prefix)
	return nil
}

// loadCache reports a missing file as os.ErrNotExist instead of an empty
// document.
func loadCache(path string) (*pricing.Document, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return pricing.LoadCache(path)
}

// secretStatus compares the environment's signing secret with the public id
// the wallet file advertises.
func secretStatus(publicID string) string {
	raw := os.Getenv(keys.SecretEnv)
	if raw == "" {
		return keys.SecretEnv + " not set"
	}
	secret, err := keys.ParseSecret(raw)
	if err != nil {
		return fmt.Sprintf("%s invalid: %v", keys.SecretEnv, err)
	}
	if keys.PublicIDFor(secret) != publicID {
		return keys.SecretEnv + " does not match the wallet public id"
	}
	return keys.SecretEnv + " matches"
}
