package sandbox

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// hashEIP191 hashes a message with the "\x19Ethereum Signed Message:\n{len}"
// prefix, the form wallets sign under personal_sign.
func hashEIP191(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// Sign signs message with key and returns the hex signature
// (r[32] + s[32] + v[1], v in {27, 28}) the way wallets emit it.
func Sign(key *ecdsa.PrivateKey, message string) (string, error) {
	sig, err := crypto.Sign(hashEIP191(message), key)
	if err != nil {
		return "", fmt.Errorf("sandbox: sign: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverSigner recovers the signer's address, lowercased, from an EIP-191
// signature over message.
func RecoverSigner(message, signatureHex string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("sandbox: invalid signature hex: %w", err)
	}
	if len(raw) != 65 {
		return "", fmt.Errorf("sandbox: signature must be 65 bytes, got %d", len(raw))
	}

	// Wallets emit v as 27 or 28; Ecrecover wants 0 or 1.
	if raw[64] >= 27 {
		raw[64] -= 27
	}

	pubBytes, err := crypto.Ecrecover(hashEIP191(message), raw)
	if err != nil {
		return "", fmt.Errorf("sandbox: recover public key: %w", err)
	}
	pub, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return "", fmt.Errorf("sandbox: unmarshal public key: %w", err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}
