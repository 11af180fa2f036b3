package util

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
)

// MagicKey holds an RSA keypair in Magic Signatures form: modulus and both
// exponents as base64url strings, per RFC 4648 and section 5.1 of the Magic
// Signatures spec.
type MagicKey struct {
	Mod             string
	PublicExponent  string
	PrivateExponent string
}

// GenerateMagicKey generates a new RSA keypair for protocols that sign
// requests with HTTP Signatures. Generation does nontrivial math and can be
// slow; callers must not hold a database transaction open across it.
func GenerateMagicKey(bits int) (*MagicKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	return &MagicKey{
		Mod:             LongToBase64(key.N),
		PublicExponent:  LongToBase64(big.NewInt(int64(key.E))),
		PrivateExponent: LongToBase64(key.D),
	}, nil
}

// LongToBase64 encodes a big integer as a base64url string without padding.
func LongToBase64(n *big.Int) string {
	return base64.RawURLEncoding.EncodeToString(n.Bytes())
}

// Base64ToLong decodes a base64url string back into a big integer.
func Base64ToLong(s string) (*big.Int, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bad base64url value: %w", err)
	}
	return new(big.Int).SetBytes(b), nil
}

// PublicPEM reconstructs the RSA public key and encodes it as PKIX PEM.
func (k *MagicKey) PublicPEM() (string, error) {
	pub, err := k.publicKey()
	if err != nil {
		return "", err
	}

	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}

	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// PrivatePEM reconstructs the full RSA private key and encodes it as PKCS#1 PEM.
func (k *MagicKey) PrivatePEM() (string, error) {
	key, err := k.PrivateKey()
	if err != nil {
		return "", err
	}

	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})), nil
}

// PrivateKey reconstructs the RSA private key from the stored exponents.
func (k *MagicKey) PrivateKey() (*rsa.PrivateKey, error) {
	pub, err := k.publicKey()
	if err != nil {
		return nil, err
	}

	d, err := Base64ToLong(k.PrivateExponent)
	if err != nil {
		return nil, err
	}

	key := &rsa.PrivateKey{PublicKey: *pub, D: d}
	key.Precompute()
	return key, nil
}

func (k *MagicKey) publicKey() (*rsa.PublicKey, error) {
	n, err := Base64ToLong(k.Mod)
	if err != nil {
		return nil, err
	}
	e, err := Base64ToLong(k.PublicExponent)
	if err != nil {
		return nil, err
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// GenerateP256Key generates an ECDSA P-256 signing key and returns it as
// PKCS#8 PEM, the form AT Protocol repo signing keys are stored in.
func GenerateP256Key() (string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to generate P-256 key: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("failed to marshal P-256 key: %w", err)
	}

	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}
