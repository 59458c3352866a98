// Package auth authenticates operator calls to the token-issuing and
// key-rotating endpoints with EIP-191 wallet signatures.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/tollbot/internal/nonce"
)

// SignedRequest is the JSON payload inside X-Signed-Message (fields sorted).
type SignedRequest struct {
	Action    string `json:"action"`
	ExpiresAt int64  `json:"expires_at"`
	Nonce     string `json:"nonce"`
	Path      string `json:"path"`
}

// OperatorKey is the gin context key holding the authenticated address.
const OperatorKey = "operator_address"

const (
	maxFutureWindow = 5 * time.Minute
	noncePrefix     = "operator:"
)

// Guard admits only requests signed by an allowlisted operator.
type Guard struct {
	operators map[common.Address]bool
	nonces    nonce.Store
	now       func() time.Time
	log       *zap.Logger
}

func NewGuard(operators map[common.Address]bool, nonces nonce.Store, log *zap.Logger) *Guard {
	return &Guard{operators: operators, nonces: nonces, now: time.Now, log: log}
}

// Require returns a handler that accepts a request only if its signed message
// names action and the request path, has not expired, is signed by an
// operator, and carries an unused nonce.
func (g *Guard) Require(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		walletAddr := c.GetHeader("X-Wallet-Address")
		signedMsgB64 := c.GetHeader("X-Signed-Message")
		sigHex := c.GetHeader("X-Wallet-Signature")

		if walletAddr == "" || signedMsgB64 == "" || sigHex == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing auth headers"})
			return
		}

		msgBytes, err := base64.StdEncoding.DecodeString(signedMsgB64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid X-Signed-Message encoding"})
			return
		}
		var req SignedRequest
		if err := json.Unmarshal(msgBytes, &req); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signed message JSON"})
			return
		}

		now := g.now().Unix()
		switch {
		case req.ExpiresAt <= now:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "request expired"})
			return
		case req.ExpiresAt > now+int64(maxFutureWindow/time.Second):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "expires_at too far in future"})
			return
		case req.Action != action || req.Path != c.Request.URL.Path:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "signed message does not match request"})
			return
		case req.Nonce == "":
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing nonce"})
			return
		}

		signer, err := RecoverSigner(msgBytes, sigHex)
		if err != nil || !common.IsHexAddress(walletAddr) || signer != common.HexToAddress(walletAddr) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
		if !g.operators[signer] {
			g.log.Warn("auth: non-operator signer", zap.String("address", signer.Hex()), zap.String("action", action))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not an operator"})
			return
		}

		fresh, err := g.nonces.InsertIfAbsent(c.Request.Context(), noncePrefix+req.Nonce)
		if err != nil {
			g.log.Error("auth: nonce store", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if !fresh {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "nonce already used"})
			return
		}

		c.Set(OperatorKey, signer.Hex())
		c.Next()
	}
}
