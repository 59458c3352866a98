// Package gate turns a presented payment token and a requested path into an
// allow/deny decision.
package gate

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/0gfoundation/tollbot/internal/audit"
	"github.com/0gfoundation/tollbot/internal/keys"
	"github.com/0gfoundation/tollbot/internal/metrics"
	"github.com/0gfoundation/tollbot/internal/pricing"
	"github.com/0gfoundation/tollbot/internal/token"
)

// DefaultPaymentURL is where clients are sent to obtain a token.
const DefaultPaymentURL = "/__tollbot__/request-payment"

// errPanic marks a decision that was denied because validation panicked.
var errPanic = errors.New("validation panicked")

// Pricer quotes paths. *pricing.Resolver satisfies it.
type Pricer interface {
	Quote(path string) pricing.Directive
	Document() *pricing.Document
}

// TokenValidator checks a decoded token. *token.Validator satisfies it.
type TokenValidator interface {
	Validate(ctx context.Context, t *token.Token, minAmount decimal.Decimal, requestedPath string) error
}

type Config struct {
	DryRun bool
	// PaymentURL overrides DefaultPaymentURL.
	PaymentURL string
	// WalletID is used when the pricing document names no wallet.
	WalletID string
}

// Request is one authorization question.
type Request struct {
	Token    string
	Path     string
	ClientIP string
	// Amount overrides the resolved minimum price when positive.
	Amount decimal.Decimal
}

// Decision is the gate's answer. Reason is for logs and audit only.
type Decision struct {
	Allowed  bool
	DryRun   bool
	Reason   error
	MinPrice decimal.Decimal
	Token    *token.Token
}

// PaymentRequest tells a client what to pay and where.
type PaymentRequest struct {
	Path       string          `json:"path"`
	Amount     decimal.Decimal `json:"amount"`
	Unit       int             `json:"unit"`
	Currency   string          `json:"currency"`
	Wallet     string          `json:"wallet,omitempty"`
	PaymentURL string          `json:"payment_url"`
}

type Gate struct {
	pricer    Pricer
	validator TokenValidator
	sink      audit.Sink
	cfg       Config
	log       *zap.Logger
}

func New(pricer Pricer, validator TokenValidator, sink audit.Sink, cfg Config, log *zap.Logger) *Gate {
	if cfg.PaymentURL == "" {
		cfg.PaymentURL = DefaultPaymentURL
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Gate{pricer: pricer, validator: validator, sink: sink, cfg: cfg, log: log}
}

// DryRun reports whether every request is let through.
func (g *Gate) DryRun() bool { return g.cfg.DryRun }

// Authorize decides a request. It never panics and never returns an error:
// every failure is a deny with Reason set.
func (g *Gate) Authorize(ctx context.Context, req Request) Decision {
	d := g.decide(ctx, req)

	outcome := "deny"
	if d.Allowed {
		outcome = "allow"
	}
	reason := ReasonLabel(d)
	metrics.Decisions.WithLabelValues(outcome, reason).Inc()

	ev := audit.Event{
		Time:     time.Now().UTC(),
		Kind:     audit.KindValidation,
		Path:     req.Path,
		Amount:   d.MinPrice.String(),
		Allowed:  d.Allowed,
		DryRun:   d.DryRun,
		Reason:   reason,
		ClientIP: req.ClientIP,
	}
	if d.Token != nil {
		ev.WalletID = d.Token.WalletID
		ev.Amount = d.Token.Amount.String()
	}
	g.sink.Record(ctx, ev)

	if !d.Allowed {
		g.log.Info("gate: denied",
			zap.String("path", req.Path),
			zap.String("reason", reason),
			zap.NamedError("cause", d.Reason),
		)
	}
	return d
}

// Allow is Authorize reduced to a boolean.
func (g *Gate) Allow(ctx context.Context, tok, path string) bool {
	return g.Authorize(ctx, Request{Token: tok, Path: path}).Allowed
}

func (g *Gate) decide(ctx context.Context, req Request) (d Decision) {
	if g.cfg.DryRun {
		return Decision{Allowed: true, DryRun: true, MinPrice: g.pricer.Quote(req.Path).Price}
	}

	defer func() {
		if r := recover(); r != nil {
			g.log.Error("gate: recovered panic", zap.String("path", req.Path), zap.Any("panic", r))
			d = Decision{Reason: fmt.Errorf("%w: %v", errPanic, r), MinPrice: d.MinPrice}
		}
	}()

	d.MinPrice = req.Amount
	if !req.Amount.IsPositive() {
		d.MinPrice = g.pricer.Quote(req.Path).Price
	}

	tok, err := token.Decode(req.Token)
	if err != nil {
		d.Reason = err
		return d
	}
	d.Token = tok

	if err := g.validator.Validate(ctx, tok, d.MinPrice, req.Path); err != nil {
		d.Reason = err
		return d
	}
	d.Allowed = true
	return d
}

// RequestPayment quotes path and builds the URL a client should visit. It
// records a payment_request audit event.
func (g *Gate) RequestPayment(ctx context.Context, path, clientIP string) PaymentRequest {
	q := g.pricer.Quote(path)
	wallet := g.cfg.WalletID
	if doc := g.pricer.Document(); doc != nil && doc.WalletID != "" {
		wallet = doc.WalletID
	}

	pr := PaymentRequest{
		Path:       path,
		Amount:     q.Price,
		Unit:       q.Unit,
		Currency:   q.Currency,
		Wallet:     wallet,
		PaymentURL: g.cfg.PaymentURL + "?path=" + url.QueryEscape(path) + "&amount=" + q.Price.String(),
	}
	g.sink.Record(ctx, audit.Event{
		Time:     time.Now().UTC(),
		Kind:     audit.KindPaymentRequest,
		Path:     path,
		WalletID: wallet,
		Amount:   q.Price.String(),
		DryRun:   g.cfg.DryRun,
		ClientIP: clientIP,
	})
	return pr
}

// ReasonLabel maps a decision to a short, bounded label for metrics and audit.
func ReasonLabel(d Decision) string {
	if d.DryRun {
		return "dry_run"
	}
	if d.Allowed {
		return "ok"
	}
	switch {
	case errors.Is(d.Reason, errPanic):
		return "panic"
	case errors.Is(d.Reason, token.ErrUndecodableToken):
		return "undecodable"
	case errors.Is(d.Reason, keys.ErrKeyUnavailable):
		return "no_key"
	case errors.Is(d.Reason, token.ErrSignatureMismatch):
		return "signature"
	case errors.Is(d.Reason, token.ErrStaleToken):
		return "stale"
	case errors.Is(d.Reason, token.ErrPathMismatch):
		return "path"
	case errors.Is(d.Reason, token.ErrInsufficientAmount):
		return "amount"
	case errors.Is(d.Reason, token.ErrReplayedToken):
		return "replayed"
	default:
		return "error"
	}
}
