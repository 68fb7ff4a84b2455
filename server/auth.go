package server

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// NewKeyedAuth returns a KeyedAuth using the given pre-shared secret keys,
// which are base64 encoded and separated by whitespace and/or commas.
//
// The first key is used for signing tokens, and any key may verify a
// presented token, which allows keys to be rotated.
func NewKeyedAuth(base64Keys string) (*KeyedAuth, error) {
	var keys jwt.VerificationKeySet

	for i, key := range strings.Fields(strings.ReplaceAll(base64Keys, ",", " ")) {
		if b, err := base64.StdEncoding.DecodeString(key); err != nil {
			return nil, errors.Wrapf(err, "failed to decode key at index %d", i)
		} else {
			keys.Keys = append(keys.Keys, b)
		}
	}
	if len(keys.Keys) == 0 {
		return nil, errors.New("at least one key must be provided")
	}
	return &KeyedAuth{keys}, nil
}

// KeyedAuth issues and verifies HS256 bearer tokens whose subject is the
// user id.
type KeyedAuth struct {
	jwt.VerificationKeySet
}

// Issue returns a token for userID which expires after ttl.
func (k *KeyedAuth) Issue(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	var now = time.Now()
	var claims = jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(k.Keys[0])
}

// Verify parses an "Authorization" header value and returns its user id.
func (k *KeyedAuth) Verify(header string) (string, error) {
	if header == "" {
		return "", ErrMissingAuth
	} else if !strings.HasPrefix(header, "Bearer ") {
		return "", ErrNotBearer
	}
	return k.VerifyToken(strings.TrimPrefix(header, "Bearer "))
}

// VerifyToken validates a bare token and returns its user id.
func (k *KeyedAuth) VerifyToken(bearer string) (string, error) {
	if bearer == "" {
		return "", ErrMissingAuth
	}
	var claims jwt.RegisteredClaims

	if token, err := jwt.ParseWithClaims(bearer, &claims,
		func(token *jwt.Token) (interface{}, error) { return k.VerificationKeySet, nil },
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(time.Second*5),
		jwt.WithValidMethods([]string{"HS256", "HS384"}),
	); err != nil {
		return "", errors.Wrap(err, "verifying Authorization")
	} else if !token.Valid {
		panic("token.Valid must be true")
	} else if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

var (
	ErrMissingAuth = errors.New("missing or empty Authorization token")
	ErrNotBearer   = errors.New("invalid or unsupported Authorization header (expected 'Bearer')")
)
