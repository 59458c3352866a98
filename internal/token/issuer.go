package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/0gfoundation/tollbot/internal/metrics"
)

// Signer produces a MAC over a payload. *keys.Manager satisfies it.
type Signer interface {
	Sign(payload []byte) ([]byte, error)
}

// Issued is a freshly signed token plus an expiry hint for the caller.
type Issued struct {
	*Token
	// ExpiresAt is Timestamp+ttl, capped at the freshness window. It is not
	// signed and the validator never reads it.
	ExpiresAt int64
}

// Issuer mints signed tokens.
type Issuer struct {
	signer Signer
	now    func() time.Time
	log    *zap.Logger
}

type IssuerOption func(*Issuer)

// WithIssuerClock injects the time source used to stamp tokens.
func WithIssuerClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) { i.now = now }
}

func NewIssuer(signer Signer, log *zap.Logger, opts ...IssuerOption) *Issuer {
	i := &Issuer{signer: signer, now: time.Now, log: log}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue stamps the current time and a fresh random nonce, then signs.
func (i *Issuer) Issue(walletID, currency string, amount decimal.Decimal, unit int, path string, ttl time.Duration) (*Issued, error) {
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	t := &Token{
		WalletID:  walletID,
		Currency:  currency,
		Amount:    amount,
		Unit:      unit,
		Path:      path,
		Timestamp: i.now().Unix(),
		Nonce:     nonce,
	}
	payload, err := t.CanonicalPayload()
	if err != nil {
		return nil, fmt.Errorf("canonical payload: %w", err)
	}
	sig, err := i.signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	t.Signature = sig

	if ttl <= 0 || ttl > FreshnessWindow {
		ttl = FreshnessWindow
	}
	metrics.TokensIssued.Inc()
	i.log.Debug("token issued",
		zap.String("path", path),
		zap.String("amount", amount.String()),
		zap.String("nonce", nonce),
	)
	return &Issued{Token: t, ExpiresAt: t.Timestamp + int64(ttl/time.Second)}, nil
}

// newNonce returns 16 random bytes as hex.
func newNonce() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
