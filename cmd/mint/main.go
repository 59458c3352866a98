// cmd/mint signs a payment token with the shared secret, for testing a
// deployment or handing a token to a client out of band.
//
// Usage:
//
//	TOLLBOT_SIGNING_SECRET=<hex> \
//	go run ./cmd/mint/ --path /api/data/ --amount 0.001 --wallet W1
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/0gfoundation/tollbot/internal/keys"
	"github.com/0gfoundation/tollbot/internal/token"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("mint", flag.ContinueOnError)
	path := fs.String("path", "/", "Path prefix the token grants")
	amount := fs.String("amount", "0.001", "Amount paid")
	unit := fs.Int("unit", 100, "Unit count")
	wallet := fs.String("wallet", "", "Wallet id")
	currency := fs.String("currency", "USDC", "Currency")
	ttl := fs.Duration("ttl", time.Hour, "Advertised lifetime (capped at one hour)")
	verbose := fs.Bool("v", false, "Print token fields to stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}

	secret, err := keys.SecretFromEnv()
	if err != nil {
		return err
	}
	if secret == nil {
		return errors.New(keys.SecretEnv + " not set")
	}
	km := keys.NewManager()
	if _, err := km.Load(secret); err != nil {
		return err
	}
	defer km.Clear()

	amt, err := decimal.NewFromString(*amount)
	if err != nil || amt.IsNegative() {
		return fmt.Errorf("invalid amount %q", *amount)
	}

	log := zap.NewNop()
	if *verbose {
		log, _ = zap.NewDevelopment()
	}
	iss, err := token.NewIssuer(km, log).Issue(*wallet, *currency, amt, *unit, *path, *ttl)
	if err != nil {
		return err
	}
	wire, err := token.Encode(iss.Token)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, wire)
	return nil
}
