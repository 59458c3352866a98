package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/0gfoundation/tollbot/internal/keys"
	"github.com/0gfoundation/tollbot/internal/pricing"
)

func TestRun(t *testing.T) {
	dir := t.TempDir()
	robots := filepath.Join(dir, "robots.txt")
	os.WriteFile(robots, []byte(`# @wallet: W1 @currency: USDC
Disallow: /api/  # @price: 0.01 @unit: 100
Disallow: /broken/  # @price: nope @unit: 1
`), 0o644) //nolint:errcheck
	cfgDir := filepath.Join(dir, "etc")

	var out bytes.Buffer
	if err := run([]string{"-robots", robots, "-config-dir", cfgDir}, &out); err != nil {
		t.Fatalf("run: %v\n%s", err, out.String())
	}

	doc, err := pricing.LoadCache(filepath.Join(cfgDir, "robots_cache.json"))
	if err != nil {
		t.Fatal(err)
	}
	if doc.WalletID != "W1" || doc.Pricing.Len() != 1 {
		t.Errorf("cache: wallet=%q directives=%d", doc.WalletID, doc.Pricing.Len())
	}

	wf, err := keys.ReadWalletFile(filepath.Join(cfgDir, "wallet.conf"))
	if err != nil {
		t.Fatal(err)
	}

	// The printed secret must reproduce the advertised public id.
	var secretHex string
	for _, line := range strings.Split(out.String(), "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), keys.SecretEnv+"="); ok {
			secretHex = v
		}
	}
	secret, err := keys.ParseSecret(secretHex)
	if err != nil {
		t.Fatalf("secret not printed: %v\n%s", err, out.String())
	}
	if keys.PublicIDFor(secret) != wf.Current() {
		t.Error("wallet.conf public id does not match printed secret")
	}
	if !strings.Contains(out.String(), "1 malformed line(s) skipped") {
		t.Errorf("skip summary missing:\n%s", out.String())
	}
}

func TestRun_NeedsWallet(t *testing.T) {
	dir := t.TempDir()
	robots := filepath.Join(dir, "robots.txt")
	os.WriteFile(robots, []byte("Disallow: /x/\n"), 0o644) //nolint:errcheck
	if err := run([]string{"-robots", robots, "-config-dir", dir}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error without a wallet id")
	}
	if err := run([]string{"-robots", robots, "-config-dir", dir, "-wallet", "W9"}, &bytes.Buffer{}); err != nil {
		t.Fatalf("wallet flag: %v", err)
	}
}
