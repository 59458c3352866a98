package token

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/0gfoundation/tollbot/internal/keys"
	"github.com/0gfoundation/tollbot/internal/nonce"
)

// ── helpers ───────────────────────────────────────────────────────────────────

var testAmount = decimal.RequireFromString("0.001")

type fixture struct {
	km        *keys.Manager
	issuer    *Issuer
	validator *Validator
	nonces    *nonce.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	km := keys.NewManager()
	if _, err := km.Generate(); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ns := nonce.NewMemoryStore()
	return &fixture{
		km:        km,
		issuer:    NewIssuer(km, zap.NewNop()),
		validator: NewValidator(km, ns),
		nonces:    ns,
	}
}

func (f *fixture) issue(t *testing.T, path string) *Token {
	t.Helper()
	iss, err := f.issuer.Issue("W1", "USDC", testAmount, 100, path, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return iss.Token
}

func clone(t *Token) *Token {
	c := *t
	c.Signature = append([]byte(nil), t.Signature...)
	return &c
}

// ── issuance ──────────────────────────────────────────────────────────────────

func TestIssue_PopulatesFields(t *testing.T) {
	f := newFixture(t)
	before := time.Now().Unix()
	iss, err := f.issuer.Issue("W1", "USDC", testAmount, 100, "/api/data/", 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	tok := iss.Token
	if tok.WalletID != "W1" || tok.Currency != "USDC" || tok.Unit != 100 || tok.Path != "/api/data/" {
		t.Errorf("fields: %+v", tok)
	}
	if !tok.Amount.Equal(testAmount) {
		t.Errorf("amount: got %s", tok.Amount)
	}
	if tok.Timestamp < before || tok.Timestamp > time.Now().Unix() {
		t.Errorf("timestamp %d not current", tok.Timestamp)
	}
	if len(tok.Nonce) != 32 {
		t.Errorf("nonce length: got %d want 32 hex chars", len(tok.Nonce))
	}
	if len(tok.Signature) == 0 {
		t.Error("signature missing")
	}
	if iss.ExpiresAt != tok.Timestamp+600 {
		t.Errorf("ExpiresAt: got %d want %d", iss.ExpiresAt, tok.Timestamp+600)
	}
}

func TestIssue_TTLCappedAtFreshnessWindow(t *testing.T) {
	f := newFixture(t)
	iss, _ := f.issuer.Issue("W1", "USDC", testAmount, 100, "/", 24*time.Hour)
	if iss.ExpiresAt != iss.Timestamp+int64(FreshnessWindow/time.Second) {
		t.Errorf("ExpiresAt should be capped: got %d", iss.ExpiresAt)
	}
}

func TestIssue_UniqueNonces(t *testing.T) {
	f := newFixture(t)
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		tok := f.issue(t, "/")
		if seen[tok.Nonce] {
			t.Fatalf("duplicate nonce after %d tokens", i)
		}
		seen[tok.Nonce] = true
	}
}

func TestIssue_NoKey(t *testing.T) {
	issuer := NewIssuer(keys.NewManager(), zap.NewNop())
	_, err := issuer.Issue("W1", "USDC", testAmount, 100, "/", time.Hour)
	if !errors.Is(err, keys.ErrKeyUnavailable) {
		t.Fatalf("expected ErrKeyUnavailable, got %v", err)
	}
}

// ── validation ────────────────────────────────────────────────────────────────

func TestValidate_ExactlyOnce(t *testing.T) {
	f := newFixture(t)
	tok := f.issue(t, "/api/data/")
	ctx := context.Background()

	if err := f.validator.Validate(ctx, tok, tok.Amount, tok.Path); err != nil {
		t.Fatalf("first validation: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := f.validator.Validate(ctx, tok, tok.Amount, tok.Path); !errors.Is(err, ErrReplayedToken) {
			t.Fatalf("replay %d: expected ErrReplayedToken, got %v", i, err)
		}
	}
}

func TestValidate_PrefixScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tok := f.issue(t, "/api/data/")
	if err := f.validator.Validate(ctx, tok, testAmount, "/api/data/something"); err != nil {
		t.Errorf("descendant path: %v", err)
	}

	tok = f.issue(t, "/api/data/")
	if err := f.validator.Validate(ctx, tok, testAmount, "/api/"); !errors.Is(err, ErrPathMismatch) {
		t.Errorf("broader path: expected ErrPathMismatch, got %v", err)
	}
}

func TestValidate_TamperedFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mutations := map[string]func(*Token){
		"amount":    func(t *Token) { t.Amount = t.Amount.Add(decimal.NewFromInt(1)) },
		"path":      func(t *Token) { t.Path = "/" },
		"wallet_id": func(t *Token) { t.WalletID = "attacker" },
		"currency":  func(t *Token) { t.Currency = "BTC" },
		"unit":      func(t *Token) { t.Unit = 1 },
		"timestamp": func(t *Token) { t.Timestamp++ },
		"nonce":     func(t *Token) { t.Nonce = "0000" },
		"signature": func(t *Token) { t.Signature[0] ^= 0xff },
	}
	for field, mutate := range mutations {
		t.Run(field, func(t *testing.T) {
			tok := clone(f.issue(t, "/api/"))
			mutate(tok)
			err := f.validator.Validate(ctx, tok, decimal.Zero, "/api/x")
			if !errors.Is(err, ErrSignatureMismatch) {
				t.Fatalf("expected ErrSignatureMismatch, got %v", err)
			}
		})
	}
	if f.nonces.Len() != 0 {
		t.Errorf("rejected tokens must not consume nonces, store has %d", f.nonces.Len())
	}
}

func TestValidate_Stale(t *testing.T) {
	f := newFixture(t)
	past := time.Now().Add(-FreshnessWindow - time.Minute)
	old := NewIssuer(f.km, zap.NewNop(), WithIssuerClock(func() time.Time { return past }))
	iss, err := old.Issue("W1", "USDC", testAmount, 100, "/api/", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	err = f.validator.Validate(context.Background(), iss.Token, testAmount, "/api/x")
	if !errors.Is(err, ErrStaleToken) {
		t.Fatalf("expected ErrStaleToken, got %v", err)
	}
}

func TestValidate_FreshAtWindowEdge(t *testing.T) {
	f := newFixture(t)
	now := time.Unix(1_700_000_000, 0)
	issuer := NewIssuer(f.km, zap.NewNop(), WithIssuerClock(func() time.Time { return now.Add(-FreshnessWindow) }))
	v := NewValidator(f.km, nonce.NewMemoryStore(), WithValidatorClock(func() time.Time { return now }))

	iss, _ := issuer.Issue("W1", "USDC", testAmount, 100, "/", time.Hour)
	if err := v.Validate(context.Background(), iss.Token, testAmount, "/"); err != nil {
		t.Fatalf("token exactly one window old should pass: %v", err)
	}
}

func TestValidate_InsufficientAmount(t *testing.T) {
	f := newFixture(t)
	tok := f.issue(t, "/api/")
	err := f.validator.Validate(context.Background(), tok, decimal.RequireFromString("0.002"), "/api/")
	if !errors.Is(err, ErrInsufficientAmount) {
		t.Fatalf("expected ErrInsufficientAmount, got %v", err)
	}
	// Not consumed: the same token still passes against a price it covers.
	if err := f.validator.Validate(context.Background(), tok, testAmount, "/api/"); err != nil {
		t.Fatalf("retry after amount failure: %v", err)
	}
}

func TestValidate_OrderSignatureBeforeFreshness(t *testing.T) {
	f := newFixture(t)
	tok := clone(f.issue(t, "/"))
	tok.Timestamp = 1
	if err := f.validator.Validate(context.Background(), tok, testAmount, "/"); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected signature check first, got %v", err)
	}
}

func TestValidate_ForeignKey(t *testing.T) {
	f := newFixture(t)
	other := newFixture(t)
	tok := other.issue(t, "/")
	if err := f.validator.Validate(context.Background(), tok, testAmount, "/"); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestValidate_NoKeyLoaded(t *testing.T) {
	f := newFixture(t)
	tok := f.issue(t, "/")
	v := NewValidator(keys.NewManager(), nonce.NewMemoryStore())
	err := v.Validate(context.Background(), tok, testAmount, "/")
	if !errors.Is(err, ErrSignatureMismatch) || !errors.Is(err, keys.ErrKeyUnavailable) {
		t.Fatalf("expected ErrSignatureMismatch wrapping ErrKeyUnavailable, got %v", err)
	}
}

func TestValidate_ConcurrentSameToken(t *testing.T) {
	f := newFixture(t)
	tok := f.issue(t, "/")

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.validator.Validate(context.Background(), clone(tok), testAmount, "/") == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("concurrent validations: %d succeeded, want 1", wins)
	}
}

// ── wire encoding ─────────────────────────────────────────────────────────────

func TestCanonicalPayload_SortedAndDeterministic(t *testing.T) {
	tok := &Token{
		WalletID: "W1", Currency: "USDC", Amount: testAmount, Unit: 100,
		Path: "/api/", Timestamp: 1700000000, Nonce: "abc",
	}
	got, err := tok.CanonicalPayload()
	if err != nil {
		t.Fatal(err)
	}
	want := `{"amount":"0.001","currency":"USDC","nonce":"abc","path":"/api/","timestamp":1700000000,"unit":100,"wallet_id":"W1"}`
	if string(got) != want {
		t.Errorf("canonical payload:\n got %s\nwant %s", got, want)
	}

	// Equal amounts with different scale must sign identically.
	tok.Amount = decimal.RequireFromString("0.00100")
	again, _ := tok.CanonicalPayload()
	if string(again) != want {
		t.Errorf("payload depends on decimal scale: %s", again)
	}
}

func TestEncodeDecode_ThenValidate(t *testing.T) {
	f := newFixture(t)
	tok := f.issue(t, "/api/data/")
	wire, err := Encode(tok)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := f.validator.Validate(context.Background(), got, testAmount, "/api/data/x"); err != nil {
		t.Fatalf("decoded token must validate: %v", err)
	}
}

func TestDecode_URLSafeUnpadded(t *testing.T) {
	f := newFixture(t)
	tok := f.issue(t, "/")
	wire, _ := Encode(tok)
	raw, _ := base64.StdEncoding.DecodeString(wire)
	urlSafe := base64.RawURLEncoding.EncodeToString(raw)
	if _, err := Decode(urlSafe); err != nil {
		t.Fatalf("URL-safe token: %v", err)
	}
}

func TestDecode_Garbage(t *testing.T) {
	cases := []string{
		"",
		"   ",
		"!!!not-base64!!!",
		base64.StdEncoding.EncodeToString([]byte("not json")),
		base64.StdEncoding.EncodeToString([]byte(`{"nonce":"n","path":"/"}`)),
		base64.StdEncoding.EncodeToString([]byte(`{"nonce":"","path":"/","signature":"AAAA"}`)),
		base64.StdEncoding.EncodeToString([]byte(`{"nonce":"n","path":"/","signature":"AAAA","amount":"abc"}`)),
	}
	for _, c := range cases {
		_, err := Decode(c)
		if !errors.Is(err, ErrUndecodableToken) {
			t.Errorf("Decode(%q): expected ErrUndecodableToken, got %v", strings.TrimSpace(c), err)
		}
	}
}
