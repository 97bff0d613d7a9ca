package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wavelink/backend/internal/users"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"

	DefaultAccessTokenTTL  = time.Hour
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
)

var (
	errMissingSigningSecret = errors.New("auth: signing secret must be provided")
	errMissingSubjectClaim  = errors.New("auth: subject claim must be provided")
)

// Claims is the JWT payload. Type separates access tokens from refresh and
// other single-purpose tokens.
type Claims struct {
	Type string `json:"type"`
	jwt.RegisteredClaims
}

// SigningKey derives the per-user HS256 key from the server secret and the
// user's password hash.
func SigningKey(secret []byte, passwordHash string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(passwordHash))
	return []byte(hex.EncodeToString(mac.Sum(nil)))
}

// TokenIssuerConfig configures the JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret   []byte
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	Clock           func() time.Time
}

// TokenIssuer signs tokens with per-user keys.
type TokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	accessTTL := cfg.AccessTokenTTL
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTokenTTL
	}
	refreshTTL := cfg.RefreshTokenTTL
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		secret:     append([]byte(nil), cfg.SigningSecret...),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		clock:      clock,
	}, nil
}

// IssueAccessToken produces a signed access token and its lifetime in seconds.
func (i *TokenIssuer) IssueAccessToken(user users.User) (string, int64, error) {
	return i.issue(user, TokenTypeAccess, i.accessTTL)
}

// IssueRefreshToken produces a long-lived token of the given type, which
// defaults to "refresh".
func (i *TokenIssuer) IssueRefreshToken(user users.User, tokenType string) (string, int64, error) {
	if tokenType == "" {
		tokenType = TokenTypeRefresh
	}
	return i.issue(user, tokenType, i.refreshTTL)
}

func (i *TokenIssuer) issue(user users.User, tokenType string, ttl time.Duration) (string, int64, error) {
	if user.ID == 0 {
		return "", 0, errMissingSubjectClaim
	}
	now := i.clock().UTC()
	expiresAt := now.Add(ttl)
	claims := Claims{
		Type: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(SigningKey(i.secret, user.PasswordHash))
	if err != nil {
		return "", 0, err
	}
	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}
