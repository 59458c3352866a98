// Package token issues and validates signed pay-per-access claims.
package token

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrSignatureMismatch  = errors.New("signature mismatch")
	ErrStaleToken         = errors.New("token older than freshness window")
	ErrPathMismatch       = errors.New("requested path outside token scope")
	ErrInsufficientAmount = errors.New("token amount below minimum price")
	ErrReplayedToken      = errors.New("token nonce already consumed")
	ErrUndecodableToken   = errors.New("undecodable token")
)

// Token is a signed payment claim. Every field except Signature is covered
// by the signature; changing any of them after signing invalidates it.
type Token struct {
	WalletID  string          `json:"wallet_id"`
	Currency  string          `json:"currency"`
	Amount    decimal.Decimal `json:"amount"`
	Unit      int             `json:"unit"`
	Path      string          `json:"path"`
	Timestamp int64           `json:"timestamp"`
	Nonce     string          `json:"nonce"`
	Signature []byte          `json:"signature"`
}

// canonicalClaims lists the signed fields in lexicographic key order; the
// struct field order is what fixes the JSON key order.
type canonicalClaims struct {
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Nonce     string `json:"nonce"`
	Path      string `json:"path"`
	Timestamp int64  `json:"timestamp"`
	Unit      int    `json:"unit"`
	WalletID  string `json:"wallet_id"`
}

// CanonicalPayload returns the bytes that are signed: compact JSON of the
// claims with sorted keys, amount rendered as its canonical decimal string.
func (t *Token) CanonicalPayload() ([]byte, error) {
	return json.Marshal(canonicalClaims{
		Amount:    t.Amount.String(),
		Currency:  t.Currency,
		Nonce:     t.Nonce,
		Path:      t.Path,
		Timestamp: t.Timestamp,
		Unit:      t.Unit,
		WalletID:  t.WalletID,
	})
}

// Encode renders the token for the wire: base64 of its JSON form.
func Encode(t *Token) (string, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("marshal token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decode parses a wire token. Standard and URL-safe base64, padded or not,
// are accepted. Every failure wraps ErrUndecodableToken.
func Decode(s string) (*Token, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrUndecodableToken)
	}
	raw, err := decodeBase64(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodableToken, err)
	}

	var t Token
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodableToken, err)
	}
	switch {
	case len(t.Signature) == 0:
		return nil, fmt.Errorf("%w: missing signature", ErrUndecodableToken)
	case t.Nonce == "":
		return nil, fmt.Errorf("%w: missing nonce", ErrUndecodableToken)
	case t.Path == "":
		return nil, fmt.Errorf("%w: missing path", ErrUndecodableToken)
	}
	return &t, nil
}

func decodeBase64(s string) ([]byte, error) {
	if strings.ContainsAny(s, "-_") {
		return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
