package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wavelink/backend/internal/snowflake"
	"github.com/wavelink/backend/internal/users"
)

const testSigningSecret = "super-secret"

type stubUsers map[snowflake.ID]users.User

func (s stubUsers) FindByID(_ context.Context, id snowflake.ID) (users.User, error) {
	user, ok := s[id]
	if !ok {
		return users.User{}, users.ErrUserNotFound
	}
	return user, nil
}

func newTestIssuer(t *testing.T, clock func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return issuer
}

func newTestVerifier(t *testing.T, lookup UserLookup, clock func() time.Time) *Verifier {
	t.Helper()
	verifier, err := NewVerifier(VerifierConfig{
		SigningSecret: []byte(testSigningSecret),
		Users:         lookup,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return verifier
}

func TestTokenIssuerIssuesAccessTokens(t *testing.T) {
	user := users.User{ID: 12345, PasswordHash: "hash"}
	issuer := newTestIssuer(t, time.Now)

	tokenString, expiresIn, err := issuer.IssueAccessToken(user)
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64(DefaultAccessTokenTTL.Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	claims := &Claims{}
	_, err = jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return SigningKey([]byte(testSigningSecret), user.PasswordHash), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "12345" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Type != TokenTypeAccess {
		t.Fatalf("unexpected type %s", claims.Type)
	}
}

func TestTokenIssuerRejectsMissingSecret(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{}); err == nil {
		t.Fatalf("expected error for missing secret")
	}
}

func TestVerifierAcceptsAccessToken(t *testing.T) {
	user := users.User{ID: 7, PasswordHash: "hash-7"}
	issuer := newTestIssuer(t, time.Now)
	verifier := newTestVerifier(t, stubUsers{user.ID: user}, time.Now)

	token, _, err := issuer.IssueAccessToken(user)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	verified, err := verifier.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if verified.ID != user.ID {
		t.Fatalf("unexpected user %d", verified.ID)
	}
}

func TestVerifierRejections(t *testing.T) {
	now := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	user := users.User{ID: 7, PasswordHash: "hash-7"}
	other := users.User{ID: 8, PasswordHash: "hash-8"}
	issuer := newTestIssuer(t, func() time.Time { return now })

	access, _, err := issuer.IssueAccessToken(user)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	refresh, _, err := issuer.IssueRefreshToken(user, "")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	forgedClaims := Claims{
		Type: TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	// Signed with another user's key but claiming user 7.
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, forgedClaims).
		SignedString(SigningKey([]byte(testSigningSecret), other.PasswordHash))
	if err != nil {
		t.Fatalf("failed to sign forged token: %v", err)
	}

	cases := []struct {
		name    string
		token   string
		lookup  stubUsers
		clock   time.Time
		expired bool
	}{
		{name: "empty", token: "", lookup: stubUsers{user.ID: user}, clock: now},
		{name: "garbage", token: "not.a.jwt", lookup: stubUsers{user.ID: user}, clock: now},
		{name: "refresh token", token: refresh, lookup: stubUsers{user.ID: user}, clock: now},
		{name: "unknown subject", token: access, lookup: stubUsers{}, clock: now},
		{name: "forged signature", token: forged, lookup: stubUsers{user.ID: user, other.ID: other}, clock: now},
		{name: "password changed", token: access, lookup: stubUsers{user.ID: {ID: user.ID, PasswordHash: "rotated"}}, clock: now},
		{name: "expired", token: access, lookup: stubUsers{user.ID: user}, clock: now.Add(2 * time.Hour), expired: true},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			clockValue := testCase.clock
			verifier := newTestVerifier(t, testCase.lookup, func() time.Time { return clockValue })
			_, err := verifier.Verify(context.Background(), testCase.token)
			if !errors.Is(err, ErrAuthenticationFailed) {
				t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
			}
			if testCase.expired && !errors.Is(err, ErrTokenExpired) {
				t.Fatalf("expected ErrTokenExpired, got %v", err)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header  string
		token   string
		invalid bool
	}{
		{header: "", token: ""},
		{header: "Bearer abc", token: "abc"},
		{header: "  Bearer abc  ", token: "abc"},
		{header: "Basic abc", invalid: true},
		{header: "Bearer", invalid: true},
		{header: "Bearer a b", invalid: true},
	}
	for _, testCase := range cases {
		token, err := BearerToken(testCase.header)
		if testCase.invalid {
			if !errors.Is(err, ErrInvalidAuthorizationHeader) {
				t.Fatalf("header %q: expected ErrInvalidAuthorizationHeader, got %v", testCase.header, err)
			}
			continue
		}
		if err != nil || token != testCase.token {
			t.Fatalf("header %q: expected %q, got %q (%v)", testCase.header, testCase.token, token, err)
		}
	}
}
