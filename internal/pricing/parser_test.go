package pricing

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
)

const basicRobots = `
# @wallet: CIRCLE_WALLET_ID @currency: USDC
User-agent: *
Disallow: /api/data/  # @price: 0.001 @unit: 100
Disallow: /api/models/  # @price: 0.003 @unit: 100
`

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("decimal %q: %v", s, err)
	}
	return d
}

func TestParse_Basic(t *testing.T) {
	doc := Parse(basicRobots)

	if doc.WalletID != "CIRCLE_WALLET_ID" {
		t.Errorf("wallet: got %q", doc.WalletID)
	}
	if doc.Currency != "USDC" {
		t.Errorf("currency: got %q", doc.Currency)
	}
	if doc.Pricing.Len() != 2 {
		t.Fatalf("directives: got %d want 2", doc.Pricing.Len())
	}
	d, ok := doc.Pricing.Get("/api/data/")
	if !ok {
		t.Fatal("/api/data/ missing")
	}
	if !d.Price.Equal(mustDecimal(t, "0.001")) || d.Unit != 100 {
		t.Errorf("/api/data/: got %s/%d", d.Price, d.Unit)
	}
	d, _ = doc.Pricing.Get("/api/models/")
	if !d.Price.Equal(mustDecimal(t, "0.003")) {
		t.Errorf("/api/models/ price: got %s", d.Price)
	}
}

func TestParse_SingleLineScenario(t *testing.T) {
	doc := Parse("# @wallet: W1 @currency: USDC\nDisallow: /api/data/  # @price: 0.001 @unit: 100")

	if doc.WalletID != "W1" || doc.Currency != "USDC" {
		t.Fatalf("wallet context: got %q/%q", doc.WalletID, doc.Currency)
	}
	d, ok := doc.Pricing.Get("/api/data/")
	if !ok {
		t.Fatal("directive missing")
	}
	if d.PathPrefix != "/api/data/" || !d.Price.Equal(mustDecimal(t, "0.001")) || d.Unit != 100 || d.Currency != "USDC" {
		t.Errorf("directive: got %+v", d)
	}
}

func TestParse_AllowDirective(t *testing.T) {
	doc := Parse(`
# @wallet: W @currency: USDC
Allow: /api/public/
Allow: /api/paid/  # @price: 0.5 @unit: 1
Disallow: /api/private/  # @price: 0.002 @unit: 100
`)
	if _, ok := doc.Pricing.Get("/api/public/"); ok {
		t.Error("unpriced Allow line must not register a directive")
	}
	if _, ok := doc.Pricing.Get("/api/paid/"); !ok {
		t.Error("priced Allow line must register a directive")
	}
	if _, ok := doc.Pricing.Get("/api/private/"); !ok {
		t.Error("priced Disallow line must register a directive")
	}
}

func TestParse_NoPricing(t *testing.T) {
	doc := Parse("User-agent: *\nDisallow: /admin/\nDisallow: /private/\n")
	if doc.Pricing.Len() != 0 {
		t.Errorf("expected no directives, got %d", doc.Pricing.Len())
	}
	if doc.WalletID != "" {
		t.Errorf("wallet: got %q want empty", doc.WalletID)
	}
	if doc.Currency != DefaultCurrency {
		t.Errorf("currency: got %q want %q", doc.Currency, DefaultCurrency)
	}
}

func TestParse_WalletLineScopesLaterDirectives(t *testing.T) {
	doc := Parse(`
Disallow: /early/  # @price: 1 @unit: 1
# @wallet: W2 @currency: EURC
Disallow: /late/  # @price: 2 @unit: 1
`)
	early, _ := doc.Pricing.Get("/early/")
	late, _ := doc.Pricing.Get("/late/")
	if early.Currency != "USDC" {
		t.Errorf("early currency: got %q want USDC", early.Currency)
	}
	if late.Currency != "EURC" {
		t.Errorf("late currency: got %q want EURC", late.Currency)
	}
}

func TestParse_MalformedLineSkipped(t *testing.T) {
	var skipped []int
	doc := Parse(`
Disallow: /bad-price/  # @price: abc @unit: 100
Disallow: /bad-unit/  # @price: 0.1 @unit: 1.5
Disallow: /zero-unit/  # @price: 0.1 @unit: 0
Disallow: /good/  # @price: 0.1 @unit: 10
`, WithSkipHook(func(line int, _ string, err error) {
		if !errors.Is(err, ErrMalformedDirective) {
			t.Errorf("line %d: expected ErrMalformedDirective, got %v", line, err)
		}
		skipped = append(skipped, line)
	}))

	if len(skipped) != 3 {
		t.Errorf("skipped lines: got %v want 3 entries", skipped)
	}
	if doc.Pricing.Len() != 1 {
		t.Fatalf("directives: got %d want 1", doc.Pricing.Len())
	}
	if _, ok := doc.Pricing.Get("/good/"); !ok {
		t.Error("/good/ must survive malformed neighbours")
	}
}

func TestParse_LastDirectiveForPrefixWins(t *testing.T) {
	doc := Parse(`
Disallow: /a/  # @price: 1 @unit: 1
Disallow: /b/  # @price: 2 @unit: 1
Disallow: /a/  # @price: 3 @unit: 1
`)
	a, _ := doc.Pricing.Get("/a/")
	if !a.Price.Equal(decimal.NewFromInt(3)) {
		t.Errorf("/a/ price: got %s want 3", a.Price)
	}
	ds := doc.Pricing.Directives()
	if len(ds) != 2 || ds[0].PathPrefix != "/a/" || ds[1].PathPrefix != "/b/" {
		t.Errorf("order: got %+v", ds)
	}
}

func TestParse_CaseInsensitiveDirective(t *testing.T) {
	doc := Parse("disallow: /x/  # @price: 1 @unit: 1")
	if _, ok := doc.Pricing.Get("/x/"); !ok {
		t.Error("lowercase disallow should be recognised")
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "robots.txt")
	content := "# @wallet: CIRCLE_WALLET_ID @currency: USDC\nUser-agent: *\nDisallow: /api/  # @price: 0.001 @unit: 100\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	doc, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if doc.Pricing.Len() != 1 {
		t.Errorf("directives: got %d want 1", doc.Pricing.Len())
	}
	if _, ok := doc.Pricing.Get("/api/"); !ok {
		t.Error("/api/ missing")
	}
}

func TestParseFile_Missing(t *testing.T) {
	doc, err := ParseFile(filepath.Join(t.TempDir(), "nope.txt"))
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if doc.Pricing.Len() != 0 {
		t.Errorf("expected empty pricing, got %d", doc.Pricing.Len())
	}
}

func TestLookup_ExactMatch(t *testing.T) {
	doc := Parse("Disallow: /api/data/  # @price: 0.001 @unit: 100")
	d, ok := doc.Lookup("/api/data/")
	if !ok || !d.Price.Equal(mustDecimal(t, "0.001")) {
		t.Errorf("exact lookup: got %+v ok=%v", d, ok)
	}
}

func TestLookup_PrefixMatch(t *testing.T) {
	doc := Parse("Disallow: /api/  # @price: 0.001 @unit: 100")
	d, ok := doc.Lookup("/api/data/")
	if !ok || d.PathPrefix != "/api/" {
		t.Errorf("prefix lookup: got %+v ok=%v", d, ok)
	}
}

func TestLookup_ExactBeatsEarlierPrefix(t *testing.T) {
	doc := Parse(`
Disallow: /api/  # @price: 1 @unit: 1
Disallow: /api/data/  # @price: 2 @unit: 1
`)
	d, _ := doc.Lookup("/api/data/")
	if d.PathPrefix != "/api/data/" {
		t.Errorf("exact match should win: got %q", d.PathPrefix)
	}
}

func TestLookup_FirstInsertedPrefixWins(t *testing.T) {
	doc := Parse(`
Disallow: /api/  # @price: 1 @unit: 1
Disallow: /api/data/  # @price: 2 @unit: 1
`)
	d, _ := doc.Lookup("/api/data/item")
	if d.PathPrefix != "/api/" {
		t.Errorf("first inserted prefix should win: got %q", d.PathPrefix)
	}
}

func TestLookup_NotFound(t *testing.T) {
	doc := Parse("Disallow: /api/  # @price: 1 @unit: 1")
	if _, ok := doc.Lookup("/blog/post"); ok {
		t.Error("expected no directive for /blog/post")
	}
}
