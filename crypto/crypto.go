// Package crypto implements common crypto operations on keys carried in attestation reports.
package crypto

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
)

// ParsePublicKey parses a public key from KeyData.
// The HCL writes the key as a NUL terminated PEM string, but DER encoded PKIX and PKCS #1 keys are accepted as well.
func ParsePublicKey(keyData []byte) (crypto.PublicKey, error) {
	keyData = bytes.TrimRight(keyData, "\x00")
	if len(keyData) == 0 {
		return nil, errors.New("key data is empty")
	}

	der := keyData
	if block, _ := pem.Decode(keyData); block != nil {
		switch block.Type {
		case "PUBLIC KEY", "RSA PUBLIC KEY":
			der = block.Bytes
		default:
			return nil, fmt.Errorf("unexpected PEM block type %q", block.Type)
		}
	}

	if pub, err := x509.ParsePKIXPublicKey(der); err == nil {
		return pub, nil
	}
	pub, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	return pub, nil
}

// Fingerprint returns the hex encoded SHA-256 digest of keyData.
func Fingerprint(keyData []byte) string {
	digest := sha256.Sum256(keyData)
	return hex.EncodeToString(digest[:])
}

// Describe returns a short description of a public key, e.g. "RSA-2048".
func Describe(publicKey crypto.PublicKey) string {
	switch key := publicKey.(type) {
	case *rsa.PublicKey:
		return fmt.Sprintf("RSA-%d", key.N.BitLen())
	case *ecdsa.PublicKey:
		return "ECDSA-" + key.Curve.Params().Name
	case ed25519.PublicKey:
		return "Ed25519"
	default:
		return fmt.Sprintf("%T", publicKey)
	}
}

// WrapKey encrypts releasedKey to the RSA transport key with RSA-OAEP using SHA-256.
// It can be used as a transport key wrapper of the agent.
func WrapKey(transportKey, releasedKey []byte) ([]byte, error) {
	pub, err := ParsePublicKey(transportKey)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("wrapping requires an RSA transport key, got %s", Describe(pub))
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, rsaKey, releasedKey, nil)
	if err != nil {
		return nil, fmt.Errorf("encrypting released key: %w", err)
	}
	return wrapped, nil
}
