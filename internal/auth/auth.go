// Package auth verifies credentials presented to the store bridge.
//
// Two modes: a single shared API key compared in constant time, or
// HS256 JWTs whose subject claim names the connecting user.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

type Mode string

const (
	ModeAPIKey Mode = "api_key"
	ModeJWT    Mode = "jwt"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Verifier checks a credential and returns the identity it carries.
// API keys carry no identity; the returned subject is empty in that mode.
type Verifier interface {
	Verify(credential string) (subject string, err error)
}

func NewVerifier(mode Mode, apiKey, jwtSecret string) (Verifier, error) {
	switch mode {
	case ModeAPIKey:
		if apiKey == "" {
			return nil, fmt.Errorf("api_key mode requires a configured key")
		}
		return APIKeyVerifier{Expected: apiKey}, nil
	case ModeJWT:
		if jwtSecret == "" {
			return nil, fmt.Errorf("jwt mode requires a configured secret")
		}
		return NewJWTVerifier([]byte(jwtSecret)), nil
	}
	return nil, fmt.Errorf("unsupported auth mode %q", mode)
}

type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(apiKey string) (string, error) {
	if apiKey == "" {
		return "", ErrMissingCredentials
	}
	if v.Expected == "" {
		return "", ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(v.Expected)) != 1 {
		return "", ErrInvalidCredentials
	}
	return "", nil
}

type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
		),
	}
}

func (v *JWTVerifier) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrMissingCredentials
	}
	parsed, err := v.parser.Parse(token, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidCredentials
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrInvalidCredentials
	}
	return sub, nil
}
