package vault

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// NewLocalSigner builds a SignFunc backed by a secp256k1 private key
// held in memory. Intended for dev mode and tests; production callers
// inject a SignFunc backed by their own custody (hardware, remote
// signer), which this package never needs to know about.
func NewLocalSigner(hexKey string) (SignFunc, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	keyBytes, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(keyBytes))
	}
	priv := secp256k1.PrivKeyFromBytes(keyBytes)
	return func(hash []byte) ([]byte, error) {
		if len(hash) != 32 {
			return nil, fmt.Errorf("operation hash must be 32 bytes, got %d", len(hash))
		}
		return secpecdsa.SignCompact(priv, hash, true), nil
	}, nil
}
