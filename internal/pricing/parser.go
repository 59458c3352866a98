package pricing

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultCurrency applies when a document carries no @currency annotation.
const DefaultCurrency = "USDC"

// ErrMalformedDirective is reported for a priced line whose numeric fields
// cannot be parsed. The line is skipped; parsing continues.
var ErrMalformedDirective = errors.New("malformed pricing directive")

var (
	walletRe    = regexp.MustCompile(`^#\s*@wallet:\s*(\S+)(?:\s*@currency:\s*(\S+))?`)
	priceRe     = regexp.MustCompile(`#\s*@price:\s*(\S+)\s*@unit:\s*(\S+)`)
	directiveRe = regexp.MustCompile(`(?i)^(disallow|allow):\s*([^\s#]+)`)
)

// Directive is the price rule for one path prefix.
type Directive struct {
	PathPrefix string
	Price      decimal.Decimal
	Unit       int
	Currency   string
}

// Document is the result of parsing one robots.txt.
type Document struct {
	WalletID  string
	Currency  string
	Pricing   *Table
	Timestamp int64
}

// NewDocument returns an empty document with the default currency.
func NewDocument() *Document {
	return &Document{Currency: DefaultCurrency, Pricing: NewTable()}
}

// Lookup is shorthand for d.Pricing.Lookup.
func (d *Document) Lookup(path string) (Directive, bool) {
	return d.Pricing.Lookup(path)
}

type parseOptions struct {
	onSkip func(line int, text string, err error)
}

// ParseOption customises Parse.
type ParseOption func(*parseOptions)

// WithSkipHook is called for every priced line that had to be skipped.
func WithSkipHook(fn func(line int, text string, err error)) ParseOption {
	return func(o *parseOptions) { o.onSkip = fn }
}

// Parse extracts the wallet context and pricing directives from robots.txt
// content. A wallet line applies to every directive that follows it.
func Parse(content string, opts ...ParseOption) *Document {
	var o parseOptions
	for _, opt := range opts {
		opt(&o)
	}

	doc := NewDocument()
	doc.Timestamp = time.Now().Unix()

	for i, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		if m := walletRe.FindStringSubmatch(line); m != nil {
			doc.WalletID = m[1]
			if m[2] != "" {
				doc.Currency = m[2]
			}
			continue
		}

		pm := priceRe.FindStringSubmatch(line)
		if pm == nil {
			continue
		}
		dm := directiveRe.FindStringSubmatch(line)
		if dm == nil {
			continue
		}

		d, err := buildDirective(dm[2], pm[1], pm[2], doc.Currency)
		if err != nil {
			if o.onSkip != nil {
				o.onSkip(i+1, line, err)
			}
			continue
		}
		doc.Pricing.Set(d)
	}
	return doc
}

func buildDirective(path, priceStr, unitStr, currency string) (Directive, error) {
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return Directive{}, fmt.Errorf("%w: price %q: %v", ErrMalformedDirective, priceStr, err)
	}
	if price.IsNegative() {
		return Directive{}, fmt.Errorf("%w: negative price %q", ErrMalformedDirective, priceStr)
	}
	unit, err := strconv.Atoi(unitStr)
	if err != nil {
		return Directive{}, fmt.Errorf("%w: unit %q: %v", ErrMalformedDirective, unitStr, err)
	}
	if unit <= 0 {
		return Directive{}, fmt.Errorf("%w: unit %d must be positive", ErrMalformedDirective, unit)
	}
	return Directive{PathPrefix: path, Price: price, Unit: unit, Currency: currency}, nil
}

// ParseFile parses robots.txt from disk. A missing file is not an error: it
// yields an empty document, so every path falls back to the default price.
func ParseFile(path string, opts ...ParseOption) (*Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewDocument(), nil
		}
		return nil, fmt.Errorf("read robots file: %w", err)
	}
	return Parse(string(content), opts...), nil
}
