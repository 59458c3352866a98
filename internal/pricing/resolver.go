package pricing

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"time"

	cache "github.com/Code-Hex/go-generics-cache"
	"github.com/Code-Hex/go-generics-cache/policy/lru"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/0gfoundation/tollbot/internal/metrics"
)

const defaultMemoSize = 4096

// Resolver answers "what is the minimum price for this path" from the current
// pricing document, falling back to a configured default.
type Resolver struct {
	defaults Directive
	memoSize int
	state    atomic.Pointer[resolverState]
	log      *zap.Logger
}

type resolverState struct {
	doc     *Document
	memo    *cache.Cache[string, Directive]
	modTime time.Time
}

func NewResolver(defaultPrice decimal.Decimal, defaultUnit int, defaultCurrency string, log *zap.Logger) *Resolver {
	if defaultCurrency == "" {
		defaultCurrency = DefaultCurrency
	}
	r := &Resolver{
		defaults: Directive{Price: defaultPrice, Unit: defaultUnit, Currency: defaultCurrency},
		memoSize: defaultMemoSize,
		log:      log,
	}
	r.Reload(NewDocument())
	return r
}

// Reload swaps in doc and drops every memoised quote.
func (r *Resolver) Reload(doc *Document) {
	r.reload(doc, time.Time{})
}

func (r *Resolver) reload(doc *Document, modTime time.Time) {
	r.state.Store(&resolverState{
		doc:     doc,
		memo:    cache.New(cache.AsLRU[string, Directive](lru.WithCapacity(r.memoSize))),
		modTime: modTime,
	})
}

// Document returns the pricing document currently in use.
func (r *Resolver) Document() *Document {
	return r.state.Load().doc
}

// Quote returns the directive that applies to path, or the default directive
// (with an empty PathPrefix) when nothing matches.
func (r *Resolver) Quote(path string) Directive {
	st := r.state.Load()
	if d, ok := st.memo.Get(path); ok {
		metrics.PriceCache.WithLabelValues("hit").Inc()
		return d
	}
	metrics.PriceCache.WithLabelValues("miss").Inc()

	d, ok := st.doc.Lookup(path)
	if !ok {
		d = r.defaults
	}
	st.memo.Set(path, d)
	return d
}

// MinimumPrice is the smallest token amount accepted for path.
func (r *Resolver) MinimumPrice(path string) decimal.Decimal {
	return r.Quote(path).Price
}

// LoadCacheFile replaces the current document with the contents of a cache
// file written by Document.SaveCache.
func (r *Resolver) LoadCacheFile(path string) error {
	var modTime time.Time
	if fi, err := os.Stat(path); err == nil {
		modTime = fi.ModTime()
	}
	doc, err := LoadCache(path)
	if err != nil {
		metrics.PricingReloads.WithLabelValues("error").Inc()
		return err
	}
	r.reload(doc, modTime)
	metrics.PricingReloads.WithLabelValues("ok").Inc()
	return nil
}

// Watch polls the cache file and reloads it whenever its modification time
// changes. It returns when ctx is cancelled.
func (r *Resolver) Watch(ctx context.Context, path string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Info("pricing watcher started", zap.String("cache", path), zap.Duration("interval", interval))

	var failed time.Time
	for {
		select {
		case <-ctx.Done():
			r.log.Info("pricing watcher stopped")
			return
		case <-ticker.C:
			r.poll(path, &failed)
		}
	}
}

// poll reloads path if its modification time changed since the last load.
// A file that failed to load is not retried until its modification time
// changes again; failed records that time.
func (r *Resolver) poll(path string, failed *time.Time) {
	fi, err := os.Stat(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.log.Warn("pricing watcher: stat cache", zap.Error(err))
		}
		return
	}
	mod := fi.ModTime()
	if mod.Equal(r.state.Load().modTime) || mod.Equal(*failed) {
		return
	}
	if err := r.LoadCacheFile(path); err != nil {
		*failed = mod
		r.log.Error("pricing watcher: reload", zap.String("cache", path), zap.Error(err))
		return
	}
	*failed = time.Time{}
	doc := r.Document()
	r.log.Info("pricing reloaded",
		zap.String("wallet", doc.WalletID),
		zap.Int("directives", doc.Pricing.Len()),
	)
}
