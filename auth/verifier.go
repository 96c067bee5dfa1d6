// Package auth verifies the signed bearer tokens clients present after
// connecting. Tokens are issued elsewhere; the gateway only checks the
// asymmetric signature, expiry, and the revocation list.
package auth

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrInvalidToken covers every client-facing rejection: bad signature,
// expired, malformed, or revoked. Detail stays server-side.
var ErrInvalidToken = errors.New("auth: invalid token")

// Identity is the verified triple attached to an authenticated session.
type Identity struct {
	UserID   string
	Username string
	Roles    []string
}

// Claims is the token claim set. The subject carries the user id; the
// jti from RegisteredClaims drives revocation checks.
type Claims struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// Verifier validates tokens against a public key and the Redis revocation
// list.
type Verifier struct {
	key               crypto.PublicKey
	redisClient       *redis.Client
	revocationListKey string
	log               *zap.Logger
}

// NewVerifier loads the verification public key from a PEM file. An
// unreadable or unsupported key is fatal at process start, so errors here
// must abort startup.
func NewVerifier(publicKeyPath, revocationListKey string, redisClient *redis.Client, log *zap.Logger) (*Verifier, error) {
	raw, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}

	key, err := ParsePublicKey(raw)
	if err != nil {
		return nil, err
	}

	return &Verifier{
		key:               key,
		redisClient:       redisClient,
		revocationListKey: revocationListKey,
		log:               log,
	}, nil
}

// ParsePublicKey accepts a PKIX-encoded Ed25519 or RSA public key.
func ParsePublicKey(pemBytes []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("auth: no PEM block in public key material")
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	switch key.(type) {
	case ed25519.PublicKey, *rsa.PublicKey:
		return key, nil
	default:
		return nil, fmt.Errorf("auth: unsupported public key type %T", key)
	}
}

// Verify parses and validates a token string, checking signature, expiry and
// revocation. The returned identity is safe to attach to a session.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		switch v.key.(type) {
		case ed25519.PublicKey:
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
		case *rsa.PublicKey:
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
		}
		return v.key, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	revoked, err := v.isRevoked(ctx, claims.ID)
	if err != nil {
		// Fail open so a Redis outage does not lock every user out.
		v.log.Error("revocation check failed", zap.Error(err))
	}
	if revoked {
		return nil, fmt.Errorf("%w: revoked", ErrInvalidToken)
	}

	return &Identity{
		UserID:   claims.Subject,
		Username: claims.Username,
		Roles:    claims.Roles,
	}, nil
}

func (v *Verifier) isRevoked(ctx context.Context, jti string) (bool, error) {
	if v.redisClient == nil || jti == "" {
		return false, nil
	}

	key := fmt.Sprintf("%s:%s", v.revocationListKey, jti)
	exists, err := v.redisClient.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis command failed: %w", err)
	}
	return exists == 1, nil
}
