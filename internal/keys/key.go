package keys

import (
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// Key is a parsed tenant signing key
type Key struct {
	ID        string
	Algorithm Algorithm
	Signer    crypto.Signer
	CreatedAt time.Time
	RetiredAt *time.Time
}

func (k *Key) Public() crypto.PublicKey {
	return k.Signer.Public()
}

// JWK is the public half, as published in the tenant key set
func (k *Key) JWK() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       k.Public(),
		KeyID:     k.ID,
		Algorithm: k.Algorithm.String(),
		Use:       "sig",
	}
}

// Thumbprint computes the RFC 7638 SHA-256 thumbprint of a public key, base64url encoded
func Thumbprint(pub crypto.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("computing key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// NewKey generates a key and derives its kid
func NewKey(alg Algorithm, now time.Time) (*Key, error) {
	signer, err := alg.Generate()
	if err != nil {
		return nil, err
	}
	kid, err := Thumbprint(signer.Public())
	if err != nil {
		return nil, err
	}
	return &Key{ID: kid, Algorithm: alg, Signer: signer, CreatedAt: now}, nil
}

// EncodePrivateKey serializes a signer as a PKCS#8 PEM block
func EncodePrivateKey(signer crypto.Signer) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return "", fmt.Errorf("marshaling private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// DecodePrivateKey parses a PKCS#8 PEM block
func DecodePrivateKey(data string) (crypto.Signer, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", parsed)
	}
	return signer, nil
}

// ParsePublicKey accepts a PKIX "PUBLIC KEY" PEM block or a certificate
func ParsePublicKey(data string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	switch block.Type {
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate: %w", err)
		}
		return cert.PublicKey, nil
	default:
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing public key: %w", err)
		}
		return pub, nil
	}
}

// EncodePublicKey serializes a public key as a PKIX PEM block
func EncodePublicKey(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshaling public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
