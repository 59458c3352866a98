package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avast/retry-go"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/0gfoundation/tollbot/internal/audit"
	"github.com/0gfoundation/tollbot/internal/auth"
	"github.com/0gfoundation/tollbot/internal/config"
	"github.com/0gfoundation/tollbot/internal/gate"
	"github.com/0gfoundation/tollbot/internal/keys"
	"github.com/0gfoundation/tollbot/internal/nonce"
	"github.com/0gfoundation/tollbot/internal/pricing"
	"github.com/0gfoundation/tollbot/internal/proxy"
	"github.com/0gfoundation/tollbot/internal/token"
)

const healthService = "tollbot"

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis (only when a component asks for it) ─────────────────────────────
	var rdb *redis.Client
	if cfg.NeedsRedis() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		if err := pingRedis(ctx, rdb, log); err != nil {
			log.Fatal("redis ping failed", zap.Error(err))
		}
	}

	// ── Signing key ───────────────────────────────────────────────────────────
	km, err := buildKeys(cfg, log)
	if err != nil {
		log.Fatal("signing key init failed", zap.Error(err))
	}

	// ── Nonce store ───────────────────────────────────────────────────────────
	var nonceRedis nonce.RedisClient
	if rdb != nil {
		nonceRedis = rdb
	}
	nonces, err := nonce.NewStore(nonce.Config{Type: nonce.StoreType(cfg.Nonce.Type)}, nonceRedis)
	if err != nil {
		log.Fatal("nonce store init failed", zap.Error(err))
	}

	// ── Pricing ───────────────────────────────────────────────────────────────
	resolver := pricing.NewResolver(cfg.Gate.Price, cfg.Gate.DefaultUnit, cfg.Gate.Currency, log)
	if err := loadPricing(resolver, cfg, log); err != nil {
		log.Fatal("pricing load failed", zap.Error(err))
	}

	// ── Audit ─────────────────────────────────────────────────────────────────
	sink := buildAudit(cfg, rdb, log)
	defer sink.Close() //nolint:errcheck

	// ── Gate ──────────────────────────────────────────────────────────────────
	g := gate.New(resolver, token.NewValidator(km, nonces), sink, gate.Config{
		DryRun:     cfg.Gate.DryRun,
		PaymentURL: cfg.Gate.PaymentURL,
		WalletID:   cfg.Gate.WalletID,
	}, log)
	if cfg.Gate.DryRun {
		log.Warn("dry-run enabled: every request is allowed")
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	opts, err := handlerOptions(cfg, km, nonces, log)
	if err != nil {
		log.Fatal("handler init failed", zap.Error(err))
	}
	r := newRouter(proxy.NewHandler(g, resolver, opts, log))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	// ── Goroutines ────────────────────────────────────────────────────────────
	var wg conc.WaitGroup
	wg.Go(func() {
		resolver.Watch(ctx, cfg.Tollbot.CachePath, time.Duration(cfg.Tollbot.ReloadIntervalSec)*time.Second)
	})
	wg.Go(func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	})

	var gs *grpc.Server
	if cfg.Server.GRPCPort > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
		if err != nil {
			log.Fatal("gRPC listen failed", zap.Error(err))
		}
		gs = newHealthServer()
		wg.Go(func() {
			log.Info("gRPC health server starting", zap.Int("port", cfg.Server.GRPCPort))
			if err := gs.Serve(lis); err != nil {
				log.Error("gRPC server error", zap.Error(err))
			}
		})
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	var shutdownErr error
	shutdownErr = multierr.Append(shutdownErr, srv.Shutdown(shutdownCtx))
	if gs != nil {
		gs.GracefulStop()
	}
	if rdb != nil {
		shutdownErr = multierr.Append(shutdownErr, rdb.Close())
	}
	wg.Wait()
	if shutdownErr != nil {
		log.Error("shutdown error", zap.Error(shutdownErr))
	}
	log.Info("shutdown complete")
}

// pingRedis retries the startup ping so that tollbot can come up alongside
// a Redis container that is still starting.
func pingRedis(ctx context.Context, rdb *redis.Client, log *zap.Logger) error {
	return retry.Do(
		func() error { return rdb.Ping(ctx).Err() },
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(500*time.Millisecond),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("redis ping retry", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
}

// buildKeys loads the shared signing secret, or generates one for a
// single-worker deployment.
func buildKeys(cfg *config.Config, log *zap.Logger) (*keys.Manager, error) {
	km := keys.NewManager()
	if cfg.Keys.SigningSecret != "" {
		secret, err := keys.ParseSecret(cfg.Keys.SigningSecret)
		if err != nil {
			return nil, err
		}
		id, err := km.Load(secret)
		if err != nil {
			return nil, err
		}
		log.Info("signing key loaded", zap.String("public_id", id))
		return km, nil
	}
	id, err := km.Generate()
	if err != nil {
		return nil, err
	}
	log.Warn("no TOLLBOT_SIGNING_SECRET set; generated a process-local key, tokens from other workers will not verify",
		zap.String("public_id", id))
	if wf, err := keys.ReadWalletFile(cfg.Tollbot.WalletPath); err == nil && wf.Current() != id {
		log.Warn("wallet.conf advertises a different public key", zap.String("wallet_public_id", wf.Current()))
	}
	return km, nil
}

// loadPricing prefers the cache file; without one it parses robots.txt and
// writes the cache so workers started later pick it up.
func loadPricing(r *pricing.Resolver, cfg *config.Config, log *zap.Logger) error {
	if _, err := os.Stat(cfg.Tollbot.CachePath); err == nil {
		if err := r.LoadCacheFile(cfg.Tollbot.CachePath); err != nil {
			return fmt.Errorf("load cache %s: %w", cfg.Tollbot.CachePath, err)
		}
		log.Info("pricing loaded from cache", zap.String("path", cfg.Tollbot.CachePath),
			zap.Int("directives", r.Document().Pricing.Len()))
		return nil
	}

	doc, err := pricing.ParseFile(cfg.Tollbot.RobotsPath, pricing.WithSkipHook(func(line int, text string, err error) {
		log.Warn("robots.txt: skipped line", zap.Int("line", line), zap.String("text", text), zap.Error(err))
	}))
	if err != nil {
		return fmt.Errorf("parse %s: %w", cfg.Tollbot.RobotsPath, err)
	}
	r.Reload(doc)
	if doc.Pricing.Len() == 0 {
		log.Warn("no pricing directives found; default price applies to every path",
			zap.String("robots", cfg.Tollbot.RobotsPath))
		return nil
	}
	if err := doc.SaveCache(cfg.Tollbot.CachePath); err != nil {
		log.Warn("could not write pricing cache", zap.String("path", cfg.Tollbot.CachePath), zap.Error(err))
	}
	log.Info("pricing parsed from robots.txt", zap.Int("directives", doc.Pricing.Len()))
	return nil
}

func buildAudit(cfg *config.Config, rdb *redis.Client, log *zap.Logger) audit.Sink {
	var sinks audit.Multi
	if cfg.Audit.File != "" {
		sinks = append(sinks, audit.NewZapSink(cfg.Audit.File, cfg.Audit.RetentionDays))
	}
	if cfg.Audit.Redis && rdb != nil {
		sinks = append(sinks, audit.NewRedisSink(rdb, log))
	}
	if len(sinks) == 0 {
		return audit.Nop{}
	}
	return sinks
}

// handlerOptions enables operator routes when operators are configured and
// forwarding when an upstream is set.
func handlerOptions(cfg *config.Config, km *keys.Manager, nonces nonce.Store, log *zap.Logger) (proxy.Options, error) {
	opts := proxy.Options{
		Issuer:     token.NewIssuer(km, log),
		Keys:       km,
		WalletFile: cfg.Tollbot.WalletPath,
	}
	if ops := cfg.Auth.OperatorList(); len(ops) > 0 {
		set, err := auth.ParseOperators(ops)
		if err != nil {
			return opts, err
		}
		opts.Guard = auth.NewGuard(set, nonces, log)
	}
	if cfg.Upstream.URL != "" {
		u, err := url.Parse(cfg.Upstream.URL)
		if err != nil {
			return opts, err
		}
		opts.Upstream = u
	}
	return opts, nil
}

func newRouter(h *proxy.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	h.Register(r)
	return r
}

func newHealthServer() *grpc.Server {
	gs := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs
}
