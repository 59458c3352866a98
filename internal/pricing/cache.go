package pricing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
)

// cacheFile is the on-disk shape of robots_cache.json.
type cacheFile struct {
	Wallet    *string      `json:"wallet"`
	Currency  string       `json:"currency"`
	Pricing   cachePricing `json:"pricing"`
	Timestamp int64        `json:"timestamp"`
}

type cacheEntry struct {
	Price    json.Number `json:"price"`
	Unit     int         `json:"unit"`
	Currency string      `json:"currency"`
}

type cachePricingItem struct {
	Path  string
	Entry cacheEntry
}

// cachePricing is a JSON object whose key order is preserved in both
// directions, so prefix lookups behave the same after a reload.
type cachePricing []cachePricingItem

func (p cachePricing) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, item := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(item.Path)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(item.Entry)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (p *cachePricing) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		*p = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("pricing: expected object, got %v", tok)
	}
	var items cachePricing
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("pricing: expected string key, got %v", keyTok)
		}
		var e cacheEntry
		if err := dec.Decode(&e); err != nil {
			return fmt.Errorf("pricing %q: %w", key, err)
		}
		items = append(items, cachePricingItem{Path: key, Entry: e})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*p = items
	return nil
}

// SaveCache writes the document to path. The file is replaced atomically.
func (d *Document) SaveCache(path string) error {
	cf := cacheFile{
		Currency:  d.Currency,
		Timestamp: time.Now().Unix(),
	}
	if d.WalletID != "" {
		w := d.WalletID
		cf.Wallet = &w
	}
	for _, dir := range d.Pricing.Directives() {
		cf.Pricing = append(cf.Pricing, cachePricingItem{
			Path: dir.PathPrefix,
			Entry: cacheEntry{
				Price:    json.Number(dir.Price.String()),
				Unit:     dir.Unit,
				Currency: dir.Currency,
			},
		})
	}

	raw, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pricing cache: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".robots_cache-*")
	if err != nil {
		return fmt.Errorf("create temp cache: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("write temp cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp cache: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace pricing cache: %w", err)
	}
	d.Timestamp = cf.Timestamp
	return nil
}

// LoadCache reads a document previously written by SaveCache. A missing file
// yields an empty document.
func LoadCache(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewDocument(), nil
		}
		return nil, fmt.Errorf("read pricing cache: %w", err)
	}

	var cf cacheFile
	if err := json.Unmarshal(raw, &cf); err != nil {
		return nil, fmt.Errorf("unmarshal pricing cache: %w", err)
	}

	doc := NewDocument()
	doc.Timestamp = cf.Timestamp
	if cf.Wallet != nil {
		doc.WalletID = *cf.Wallet
	}
	if cf.Currency != "" {
		doc.Currency = cf.Currency
	}
	for _, item := range cf.Pricing {
		price, err := decimal.NewFromString(item.Entry.Price.String())
		if err != nil {
			return nil, fmt.Errorf("pricing cache %q: price: %w", item.Path, err)
		}
		currency := item.Entry.Currency
		if currency == "" {
			currency = doc.Currency
		}
		doc.Pricing.Set(Directive{
			PathPrefix: item.Path,
			Price:      price,
			Unit:       item.Entry.Unit,
			Currency:   currency,
		})
	}
	return doc, nil
}
