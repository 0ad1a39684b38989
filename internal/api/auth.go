package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt"
)

const (
	tokenCookieKey = "token"
	userIdClaim    = "user-id"
)

var ErrNoToken = errors.New("no token in request")

type contextKey string

const userIdKey contextKey = "user-id"

func WithUserId(ctx context.Context, userId string) context.Context {
	return context.WithValue(ctx, userIdKey, userId)
}

func UserId(ctx context.Context) (string, bool) {
	userId, ok := ctx.Value(userIdKey).(string)
	return userId, ok && userId != ""
}

// AuthProvider resolves the signed-in user of a request.
type AuthProvider interface {
	CurrentUser(r *http.Request) (string, error)
}

// TokenAuth verifies HS256 tokens issued by the identity provider. The
// token is read from the session cookie or a bearer Authorization header.
type TokenAuth struct {
	signingKey []byte
}

func NewTokenAuth(signingKey []byte) *TokenAuth {
	return &TokenAuth{signingKey: signingKey}
}

func (a *TokenAuth) CurrentUser(r *http.Request) (string, error) {
	tokenString := bearerToken(r)
	if tokenString == "" {
		cookie, err := r.Cookie(tokenCookieKey)
		if err != nil {
			return "", ErrNoToken
		}
		tokenString = cookie.Value
	}

	return a.extractUserIdFromToken(tokenString)
}

func (a *TokenAuth) extractUserIdFromToken(tokenString string) (string, error) {
	token, err := a.verifyToken(tokenString)
	if err != nil {
		return "", fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}

	userId, ok := claims[userIdClaim].(string)
	if !ok || userId == "" {
		return "", fmt.Errorf("invalid user id claim")
	}

	return userId, nil
}

func (a *TokenAuth) verifyToken(tokenString string) (*jwt.Token, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return token, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
