package token

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/0gfoundation/tollbot/internal/nonce"
)

// FreshnessWindow is the maximum token age. Tokens carry no expiry of their
// own; age from issuance is all that counts.
const FreshnessWindow = time.Hour

// Verifier checks a MAC. *keys.Manager satisfies it.
type Verifier interface {
	Verify(payload, sig []byte) error
}

// Validator runs the ordered acceptance checks for a presented token.
type Validator struct {
	verifier Verifier
	nonces   nonce.Store
	now      func() time.Time
}

type ValidatorOption func(*Validator)

// WithValidatorClock injects the time source used for the freshness check.
func WithValidatorClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

func NewValidator(verifier Verifier, nonces nonce.Store, opts ...ValidatorOption) *Validator {
	v := &Validator{verifier: verifier, nonces: nonces, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate returns nil only if t is authentic, fresh, scoped to
// requestedPath, worth at least minAmount, and has never been accepted
// before. On success the nonce is consumed. Checks run in that order and
// stop at the first failure; the nonce is consumed only when all others pass.
func (v *Validator) Validate(ctx context.Context, t *Token, minAmount decimal.Decimal, requestedPath string) error {
	payload, err := t.CanonicalPayload()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	if err := v.verifier.Verify(payload, t.Signature); err != nil {
		return fmt.Errorf("%w: %w", ErrSignatureMismatch, err)
	}

	if t.Timestamp < v.now().Add(-FreshnessWindow).Unix() {
		return ErrStaleToken
	}

	if !strings.HasPrefix(requestedPath, t.Path) {
		return ErrPathMismatch
	}

	if t.Amount.LessThan(minAmount) {
		return ErrInsufficientAmount
	}

	fresh, err := v.nonces.InsertIfAbsent(ctx, t.Nonce)
	if err != nil {
		return fmt.Errorf("consume nonce: %w", err)
	}
	if !fresh {
		return ErrReplayedToken
	}
	return nil
}
