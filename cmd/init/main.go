// cmd/init prepares a tollbot config directory from a site's robots.txt:
//
//  1. parses the pricing directives and prints them
//  2. writes robots_cache.json for the server to load
//  3. generates a signing key and writes wallet.conf with its public id
//  4. prints the secret once, for distribution to every worker as
//     TOLLBOT_SIGNING_SECRET
//
// Usage:
//
//	go run ./cmd/init/ \
//	  --robots     /var/www/robots.txt \
//	  --config-dir /etc/tollbot \
//	  --wallet     0xabc... \
//	  --currency   USDC
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/0gfoundation/tollbot/internal/keys"
	"github.com/0gfoundation/tollbot/internal/pricing"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	configDir := fs.String("config-dir", "/etc/tollbot", "Directory to write robots_cache.json and wallet.conf into")
	robots := fs.String("robots", "robots.txt", "Path to the site's robots.txt")
	wallet := fs.String("wallet", "", "Wallet id (overrides the robots.txt @wallet line)")
	currency := fs.String("currency", "", "Currency (overrides the robots.txt @currency value)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	skipped := 0
	doc, err := pricing.ParseFile(*robots, pricing.WithSkipHook(func(line int, text string, err error) {
		skipped++
		fmt.Fprintf(out, "skipped line %d: %q (%v)\n", line, text, err)
	}))
	if err != nil {
		return fmt.Errorf("parse robots.txt: %w", err)
	}
	if skipped > 0 {
		fmt.Fprintf(out, "%d malformed line(s) skipped\n", skipped)
	}
	if *wallet != "" {
		doc.WalletID = *wallet
	}
	if *currency != "" {
		doc.Currency = *currency
	}
	if doc.WalletID == "" {
		return errors.New("no wallet id: add a '# @wallet:' line to robots.txt or pass --wallet")
	}

	fmt.Fprintf(out, "wallet:   %s\n", doc.WalletID)
	fmt.Fprintf(out, "currency: %s\n", doc.Currency)
	printDirectives(out, doc)

	if err := os.MkdirAll(*configDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	cachePath := filepath.Join(*configDir, "robots_cache.json")
	if err := doc.SaveCache(cachePath); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	fmt.Fprintf(out, "wrote %s\n", cachePath)

	km := keys.NewManager()
	publicID, err := km.Generate()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	walletPath := filepath.Join(*configDir, "wallet.conf")
	if err := keys.WriteWalletFile(walletPath, doc.WalletID, doc.Currency, publicID); err != nil {
		return fmt.Errorf("write wallet.conf: %w", err)
	}
	fmt.Fprintf(out, "wrote %s\n", walletPath)

	secret, err := km.ExportSecret()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\npublic id: %s\n", publicID)
	fmt.Fprintf(out, "set on every worker (shown once):\n  %s=%s\n", keys.SecretEnv, secret)
	km.Clear()
	return nil
}

func printDirectives(out io.Writer, doc *pricing.Document) {
	dirs := doc.Pricing.Directives()
	if len(dirs) == 0 {
		fmt.Fprintln(out, "no pricing directives found; the default price applies everywhere")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tPRICE\tUNIT\tCURRENCY")
	for _, d := range dirs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", d.PathPrefix, d.Price, d.Unit, d.Currency)
	}
	tw.Flush() //nolint:errcheck
}
