package auth

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PushClaims bind a pushed artifact to its kind and body. The WirtBot agent
// accepts a push only when the token verifies against the topology signing key
// and the body hashes to SHA256.
type PushClaims struct {
	Kind     string `json:"kind"`
	SHA256   string `json:"sha256"`
	Revision uint64 `json:"rev"`
	jwt.RegisteredClaims
}

// BodyDigest is the hex SHA-256 carried in PushClaims.
func BodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// SignPush issues a short-lived EdDSA token for one push request.
func SignPush(key ed25519.PrivateKey, kind string, revision uint64, body []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := PushClaims{
		Kind:     kind,
		SHA256:   BodyDigest(body),
		Revision: revision,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "wirtbot",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
}

// VerifyPush checks the token signature, the kind and the body digest.
func VerifyPush(key ed25519.PublicKey, tokenStr, kind string, body []byte) (*PushClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &PushClaims{}, func(_ *jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}))
	if err != nil || !token.Valid {
		return nil, ErrInvalid
	}
	claims, ok := token.Claims.(*PushClaims)
	if !ok || claims.Kind != kind || claims.SHA256 != BodyDigest(body) {
		return nil, ErrInvalid
	}
	return claims, nil
}
