// Package identity resolves who is on the other end of a connection: an authenticated
// user (JWT) or an anonymous session token.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	HeaderSessionID = "X-Session-ID"
	QuerySessionID  = "session_id"
	QueryToken      = "token"

	maxTokenLen = 128
)

// Identity is either a user id or an anonymous session token, never both.
type Identity struct {
	UserID       string `json:"userId,omitempty"`
	SessionToken string `json:"sessionId,omitempty"`
}

func User(id string) Identity         { return Identity{UserID: id} }
func Anonymous(token string) Identity { return Identity{SessionToken: token} }

func (i Identity) IsAnonymous() bool { return i.UserID == "" }
func (i Identity) IsZero() bool      { return i.UserID == "" && i.SessionToken == "" }

// Display is what other room members see for this identity.
func (i Identity) Display() string {
	if i.UserID != "" {
		return i.UserID
	}
	return i.SessionToken
}

// UserIDPtr and SessionTokenPtr map the identity onto nullable columns.
func (i Identity) UserIDPtr() *string {
	if i.UserID == "" {
		return nil
	}
	v := i.UserID
	return &v
}

func (i Identity) SessionTokenPtr() *string {
	if i.UserID != "" || i.SessionToken == "" {
		return nil
	}
	v := i.SessionToken
	return &v
}

type Claims struct {
	UserID string `json:"userId"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// SignToken issues an HS256 token for userID. Token issuance belongs to the auth service;
// this exists for local development and tests.
func SignToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// SessionRegistry records anonymous session tokens. Implemented by the redis store.
type SessionRegistry interface {
	TouchAnonymous(ctx context.Context, token string) error
}

type Resolver struct {
	secret   []byte
	sessions SessionRegistry
	log      *slog.Logger
}

// NewResolver builds a resolver; sessions may be nil.
func NewResolver(secret string, sessions SessionRegistry, log *slog.Logger) *Resolver {
	return &Resolver{secret: []byte(secret), sessions: sessions, log: log}
}

// ParseToken verifies a bearer token and returns the user id it carries.
func (r *Resolver) ParseToken(raw string) (string, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	uid := claims.UserID
	if uid == "" {
		uid = claims.Subject
	}
	if uid == "" {
		return "", errors.New("identity: token has no user id")
	}
	return uid, nil
}

// Resolve maps a request to an Identity. An invalid bearer token degrades to anonymous,
// matching optional auth. minted is true when a new anonymous token was generated and
// should be echoed back to the client.
func (r *Resolver) Resolve(req *http.Request) (id Identity, minted bool) {
	if raw := bearer(req); raw != "" {
		uid, err := r.ParseToken(raw)
		if err == nil {
			return User(uid), false
		}
		r.log.Debug("ignoring invalid bearer token", "error", err)
	}

	token := strings.TrimSpace(req.Header.Get(HeaderSessionID))
	if token == "" {
		token = strings.TrimSpace(req.URL.Query().Get(QuerySessionID))
	}
	if token == "" || len(token) > maxTokenLen {
		token = uuid.NewString()
		minted = true
	}

	if r.sessions != nil {
		if err := r.sessions.TouchAnonymous(req.Context(), token); err != nil {
			r.log.Warn("anonymous session touch failed", "error", err)
		}
	}
	return Anonymous(token), minted
}

func bearer(req *http.Request) string {
	if h := req.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return req.URL.Query().Get(QueryToken)
}

func (i Identity) String() string {
	if i.UserID != "" {
		return fmt.Sprintf("user:%s", i.UserID)
	}
	return fmt.Sprintf("anon:%s", i.SessionToken)
}
