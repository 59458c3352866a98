package auth

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var errSignatureLength = errors.New("signature must be 65 bytes")

// RecoverSigner returns the address that produced an EIP-191 personal_sign
// signature over msg. sigHex may carry a 0x prefix; V may be 0/1 or 27/28.
func RecoverSigner(msg []byte, sigHex string) (common.Address, error) {
	sig := common.FromHex(sigHex)
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, errSignatureLength
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(msg), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// ParseOperators turns a list of hex addresses into an allowlist. Empty
// entries are skipped; anything else that is not an address is an error.
func ParseOperators(addrs []string) (map[common.Address]bool, error) {
	set := make(map[common.Address]bool, len(addrs))
	for _, a := range addrs {
		if a == "" {
			continue
		}
		if !common.IsHexAddress(a) {
			return nil, fmt.Errorf("invalid operator address %q", a)
		}
		set[common.HexToAddress(a)] = true
	}
	return set, nil
}
