package proxy

import (
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/0gfoundation/tollbot/internal/auth"
	"github.com/0gfoundation/tollbot/internal/gate"
	"github.com/0gfoundation/tollbot/internal/keys"
	"github.com/0gfoundation/tollbot/internal/token"
)

// Prefix is where tollbot's own routes live.
const Prefix = "/__tollbot__"

var (
	errMissingPath = errors.New("missing path")
	errInvalidPath = errors.New("invalid path")
)

// KeyRotator is satisfied by *keys.Manager.
type KeyRotator interface {
	Rotate(walletFile string) (string, error)
}

// Options enables the optional parts of the handler. A nil Guard disables
// /issue and /rotate; a nil Upstream disables forwarding.
type Options struct {
	Issuer     *token.Issuer
	Keys       KeyRotator
	WalletFile string
	Guard      *auth.Guard
	Upstream   *url.URL
}

// Handler serves the decision endpoints and, optionally, a paying reverse proxy.
type Handler struct {
	gate   *gate.Gate
	pricer gate.Pricer
	opts   Options
	rp     *httputil.ReverseProxy
	log    *zap.Logger
}

func NewHandler(g *gate.Gate, pricer gate.Pricer, opts Options, log *zap.Logger) *Handler {
	h := &Handler{gate: g, pricer: pricer, opts: opts, log: log}
	if opts.Upstream != nil {
		target := opts.Upstream
		rp := httputil.NewSingleHostReverseProxy(target)
		orig := rp.Director
		rp.Director = func(req *http.Request) {
			orig(req)
			stripToken(req)
			req.Header.Set("X-Payment-Verified", "true")
			req.Host = target.Host
		}
		rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			log.Warn("proxy: upstream error", zap.String("path", r.URL.Path), zap.Error(err))
			w.WriteHeader(http.StatusBadGateway)
		}
		h.rp = rp
	}
	return h
}

// Register mounts all routes on r.
func (h *Handler) Register(r *gin.Engine) {
	rg := r.Group(Prefix)

	// ── Decisions ──────────────────────────────────────────────────────────
	rg.Match([]string{http.MethodGet, http.MethodPost}, "/validate", h.handleValidate)
	rg.GET("/request-payment", h.handleRequestPayment)

	// ── Operator ───────────────────────────────────────────────────────────
	if h.opts.Guard != nil {
		if h.opts.Issuer != nil {
			rg.POST("/issue", h.opts.Guard.Require("issue"), h.handleIssue)
		}
		if h.opts.Keys != nil {
			rg.POST("/rotate", h.opts.Guard.Require("rotate"), h.handleRotate)
		}
	}

	// ── Forwarding ─────────────────────────────────────────────────────────
	if h.rp != nil {
		r.NoRoute(h.handleForward)
	}
}

// ── Decisions ──────────────────────────────────────────────────────────────

// handleValidate answers an auth_request-style subrequest. The response body
// never says why a token was refused.
func (h *Handler) handleValidate(c *gin.Context) {
	p, err := requestedPath(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d := h.gate.Authorize(c.Request.Context(), gate.Request{
		Token:    extractToken(c),
		Path:     p,
		ClientIP: c.ClientIP(),
	})
	if !d.Allowed {
		c.JSON(http.StatusUnauthorized, gin.H{"allowed": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"allowed": true})
}

func (h *Handler) handleRequestPayment(c *gin.Context) {
	p, err := canonicalPath(c.DefaultQuery("path", "/"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	writePaymentRequired(c, h.gate.RequestPayment(c.Request.Context(), p, c.ClientIP()))
}

// ── Operator ───────────────────────────────────────────────────────────────

type issueRequest struct {
	Path       string           `json:"path" binding:"required"`
	Amount     *decimal.Decimal `json:"amount"`
	Unit       int              `json:"unit"`
	TTLSeconds int64            `json:"ttl_seconds"`
	WalletID   string           `json:"wallet_id"`
}

type issueResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
	Nonce     string `json:"nonce"`
}

func (h *Handler) handleIssue(c *gin.Context) {
	var req issueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	q := h.pricer.Quote(req.Path)
	amount := q.Price
	if req.Amount != nil {
		if req.Amount.IsNegative() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "amount must not be negative"})
			return
		}
		amount = *req.Amount
	}
	unit := q.Unit
	if req.Unit > 0 {
		unit = req.Unit
	}
	wallet := req.WalletID
	if wallet == "" {
		if doc := h.pricer.Document(); doc != nil {
			wallet = doc.WalletID
		}
	}

	iss, err := h.opts.Issuer.Issue(wallet, q.Currency, amount, unit, req.Path, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		h.log.Error("proxy: issue token", zap.String("path", req.Path), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "signing key unavailable"})
		return
	}
	wire, err := token.Encode(iss.Token)
	if err != nil {
		h.log.Error("proxy: encode token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	h.log.Info("token issued",
		zap.String("operator", c.GetString(auth.OperatorKey)),
		zap.String("path", req.Path),
		zap.String("amount", amount.String()),
	)
	c.JSON(http.StatusOK, issueResponse{Token: wire, ExpiresAt: iss.ExpiresAt, Nonce: iss.Nonce})
}

func (h *Handler) handleRotate(c *gin.Context) {
	id, err := h.opts.Keys.Rotate(h.opts.WalletFile)
	if errors.Is(err, keys.ErrSharedSecret) {
		h.log.Warn("proxy: rotate refused for shared signing secret",
			zap.String("operator", c.GetString(auth.OperatorKey)))
		c.JSON(http.StatusConflict, gin.H{"error": "signing secret is shared; rotate TOLLBOT_SIGNING_SECRET on every worker"})
		return
	}
	if err != nil {
		h.log.Error("proxy: rotate key", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rotation failed"})
		return
	}
	h.log.Info("signing key rotated",
		zap.String("operator", c.GetString(auth.OperatorKey)),
		zap.String("public_id", id),
	)
	c.JSON(http.StatusOK, gin.H{"public_id": id})
}

// ── Forwarding ─────────────────────────────────────────────────────────────

// handleForward authorizes the cleaned path and forwards that same path.
func (h *Handler) handleForward(c *gin.Context) {
	p, err := canonicalPath(c.Request.URL.Path)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Request.URL.Path = p
	c.Request.URL.RawPath = ""

	d := h.gate.Authorize(c.Request.Context(), gate.Request{
		Token:    extractToken(c),
		Path:     p,
		ClientIP: c.ClientIP(),
	})
	if !d.Allowed {
		writePaymentRequired(c, h.gate.RequestPayment(c.Request.Context(), p, c.ClientIP()))
		return
	}
	h.rp.ServeHTTP(safeWriter{c.Writer}, c.Request)
}

// ── Helpers ────────────────────────────────────────────────────────────────

func writePaymentRequired(c *gin.Context, pr gate.PaymentRequest) {
	c.Header("X-Payment-Required", "true")
	c.Header("X-Payment-Amount", pr.Amount.String())
	c.Header("X-Payment-Currency", pr.Currency)
	c.Header("X-Payment-Unit", strconv.Itoa(pr.Unit))
	c.AbortWithStatusJSON(http.StatusPaymentRequired, pr)
}

// extractToken looks in Authorization: Bearer, then X-Payment-Token, then
// the token query parameter.
func extractToken(c *gin.Context) string {
	if v, ok := bearer(c.GetHeader("Authorization")); ok {
		return v
	}
	if v := c.GetHeader("X-Payment-Token"); v != "" {
		return v
	}
	return c.Query("token")
}

func bearer(v string) (string, bool) {
	if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		return strings.TrimSpace(v[7:]), true
	}
	return "", false
}

// stripToken removes every place extractToken looks from an outgoing request.
func stripToken(req *http.Request) {
	req.Header.Del("X-Payment-Token")
	if _, ok := bearer(req.Header.Get("Authorization")); ok {
		req.Header.Del("Authorization")
	}
	if q := req.URL.Query(); q.Has("token") {
		q.Del("token")
		req.URL.RawQuery = q.Encode()
	}
}

// requestedPath is the path being paid for: the path query parameter, or the
// X-Original-URI header a fronting proxy sets on subrequests. The header
// carries the raw request URI, so it is unescaped before cleaning.
func requestedPath(c *gin.Context) (string, error) {
	if p := c.Query("path"); p != "" {
		return canonicalPath(p)
	}
	uri := c.GetHeader("X-Original-URI")
	if i := strings.IndexByte(uri, '?'); i >= 0 {
		uri = uri[:i]
	}
	if uri == "" {
		return "", errMissingPath
	}
	p, err := url.PathUnescape(uri)
	if err != nil {
		return "", errInvalidPath
	}
	return canonicalPath(p)
}

// canonicalPath rejects relative paths, backslashes and ".." segments, then
// collapses "." segments and repeated slashes. A trailing slash survives.
func canonicalPath(p string) (string, error) {
	if !strings.HasPrefix(p, "/") || strings.ContainsRune(p, '\\') {
		return "", errInvalidPath
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", errInvalidPath
		}
	}
	clean := path.Clean(p)
	if strings.HasSuffix(p, "/") && clean != "/" {
		clean += "/"
	}
	return clean, nil
}

// safeWriter hides the deprecated http.CloseNotifier so the reverse proxy
// never asserts it on a recorder that does not implement it.
//
//nolint:staticcheck
type safeWriter struct{ gin.ResponseWriter }

//nolint:staticcheck
func (s safeWriter) CloseNotify() <-chan bool { return make(chan bool, 1) }
