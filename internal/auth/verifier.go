package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wavelink/backend/internal/snowflake"
	"github.com/wavelink/backend/internal/users"
)

var (
	// ErrAuthenticationFailed covers every token that does not identify a
	// user: malformed, badly signed, expired, wrong type or unknown subject.
	ErrAuthenticationFailed = errors.New("auth: authentication failed")
	// ErrTokenExpired is wrapped with ErrAuthenticationFailed for expired tokens.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrInvalidAuthorizationHeader indicates a malformed Authorization header.
	ErrInvalidAuthorizationHeader = errors.New("auth: invalid authorization header")
)

// UserLookup loads the user a token claims to belong to.
type UserLookup interface {
	FindByID(ctx context.Context, id snowflake.ID) (users.User, error)
}

// VerifierConfig describes how to verify tokens.
type VerifierConfig struct {
	SigningSecret []byte
	Users         UserLookup
	Clock         func() time.Time
}

// Verifier resolves access tokens to users.
type Verifier struct {
	secret []byte
	users  UserLookup
	clock  func() time.Time
}

// NewVerifier constructs a verifier with the provided configuration.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	if cfg.Users == nil {
		return nil, fmt.Errorf("auth: user lookup required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Verifier{
		secret: append([]byte(nil), cfg.SigningSecret...),
		users:  cfg.Users,
		clock:  clock,
	}, nil
}

// Verify returns the user an access token was issued to. The claimed
// subject is read first so the token can be checked against that user's
// own signing key.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (users.User, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return users.User{}, fmt.Errorf("%w: empty token", ErrAuthenticationFailed)
	}

	unverified := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, unverified); err != nil {
		return users.User{}, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	subject, err := snowflake.Parse(unverified.Subject)
	if err != nil {
		return users.User{}, fmt.Errorf("%w: invalid subject", ErrAuthenticationFailed)
	}

	claimed, err := v.users.FindByID(ctx, subject)
	if errors.Is(err, users.ErrUserNotFound) {
		return users.User{}, fmt.Errorf("%w: unknown subject", ErrAuthenticationFailed)
	}
	if err != nil {
		return users.User{}, err
	}

	claims := &Claims{}
	_, err = jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			return SigningKey(v.secret, claimed.PasswordHash), nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithSubject(claimed.ID.String()),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return users.User{}, fmt.Errorf("%w: %w", ErrAuthenticationFailed, ErrTokenExpired)
		}
		return users.User{}, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	if claims.Type != TokenTypeAccess {
		return users.User{}, fmt.Errorf("%w: %q is not an access token", ErrAuthenticationFailed, claims.Type)
	}
	return claimed, nil
}

// BearerToken extracts the credentials from an Authorization header value.
// An empty header yields an empty token and no error.
func BearerToken(header string) (string, error) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return "", nil
	}
	parts := strings.Split(trimmed, " ")
	if len(parts) != 2 {
		return "", ErrInvalidAuthorizationHeader
	}
	if parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
		return "", fmt.Errorf("%w: unsupported scheme", ErrInvalidAuthorizationHeader)
	}
	return parts[1], nil
}
