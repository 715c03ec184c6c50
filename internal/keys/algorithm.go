package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Algorithm is the closed set of JWS algorithms a tenant may sign with
type Algorithm uint8

const (
	RS256 Algorithm = iota + 1
	RS384
	RS512
	PS256
	ES256
	ES384
	ES512
	EdDSA
)

// Supported lists every algorithm in discovery order
var Supported = []Algorithm{RS256, RS384, RS512, PS256, ES256, ES384, ES512, EdDSA}

const rsaKeyBits = 2048

var algorithmNames = map[Algorithm]string{
	RS256: "RS256",
	RS384: "RS384",
	RS512: "RS512",
	PS256: "PS256",
	ES256: "ES256",
	ES384: "ES384",
	ES512: "ES512",
	EdDSA: "EdDSA",
}

// ParseAlgorithm maps a JWS alg name onto the enum
func ParseAlgorithm(name string) (Algorithm, error) {
	for alg, n := range algorithmNames {
		if n == name {
			return alg, nil
		}
	}
	return 0, fmt.Errorf("unsupported signing algorithm %q", name)
}

func (a Algorithm) String() string {
	if n, ok := algorithmNames[a]; ok {
		return n
	}
	return fmt.Sprintf("Algorithm(%d)", uint8(a))
}

// SigningMethod returns the golang-jwt method for this algorithm
func (a Algorithm) SigningMethod() jwt.SigningMethod {
	switch a {
	case RS256:
		return jwt.SigningMethodRS256
	case RS384:
		return jwt.SigningMethodRS384
	case RS512:
		return jwt.SigningMethodRS512
	case PS256:
		return jwt.SigningMethodPS256
	case ES256:
		return jwt.SigningMethodES256
	case ES384:
		return jwt.SigningMethodES384
	case ES512:
		return jwt.SigningMethodES512
	case EdDSA:
		return jwt.SigningMethodEdDSA
	default:
		return nil
	}
}

// Generate creates a fresh private key suitable for the algorithm
func (a Algorithm) Generate() (crypto.Signer, error) {
	switch a {
	case RS256, RS384, RS512, PS256:
		return rsa.GenerateKey(rand.Reader, rsaKeyBits)
	case ES256:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case ES384:
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case ES512:
		return ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	case EdDSA:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		return priv, err
	default:
		return nil, fmt.Errorf("cannot generate key for %s", a)
	}
}

// Accepts reports whether pub is the right key type for the algorithm
func (a Algorithm) Accepts(pub crypto.PublicKey) bool {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return a == RS256 || a == RS384 || a == RS512 || a == PS256
	case *ecdsa.PublicKey:
		switch a {
		case ES256:
			return k.Curve == elliptic.P256()
		case ES384:
			return k.Curve == elliptic.P384()
		case ES512:
			return k.Curve == elliptic.P521()
		}
		return false
	case ed25519.PublicKey:
		return a == EdDSA
	default:
		return false
	}
}
