// Package auth authenticates API callers with HMAC-signed JWT bearer tokens.
// The token subject is the caller's account ID; administrators are an
// allowlist of account IDs held by the Authenticator.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ktex/exchange-engine/internal/ident"
	"github.com/ktex/exchange-engine/internal/model"
)

type contextKey string

const contextKeyCaller contextKey = "ktex.caller"

// Config controls token verification.
type Config struct {
	Secret    string
	Issuer    string
	Admins    []string
	ClockSkew time.Duration
}

// Authenticator verifies bearer tokens and answers the administrator
// predicate.
type Authenticator struct {
	secret []byte
	issuer string
	skew   time.Duration
	now    func() time.Time

	mu     sync.RWMutex
	admins map[string]struct{}
}

// New creates an Authenticator. A zero ClockSkew defaults to one minute.
func New(cfg Config) *Authenticator {
	a := &Authenticator{
		secret: []byte(strings.TrimSpace(cfg.Secret)),
		issuer: cfg.Issuer,
		skew:   cfg.ClockSkew,
		now:    time.Now,
	}
	if a.skew <= 0 {
		a.skew = time.Minute
	}
	a.SetAdmins(cfg.Admins)
	return a
}

// SetAdmins replaces the administrator allowlist.
func (a *Authenticator) SetAdmins(accounts []string) {
	admins := make(map[string]struct{}, len(accounts))
	for _, acc := range accounts {
		if trimmed := strings.TrimSpace(acc); trimmed != "" {
			admins[trimmed] = struct{}{}
		}
	}
	a.mu.Lock()
	a.admins = admins
	a.mu.Unlock()
}

// IsAdmin reports whether account is an administrator.
func (a *Authenticator) IsAdmin(account string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.admins[account]
	return ok
}

// Admins returns the allowlist, sorted.
func (a *Authenticator) Admins() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.admins))
	for acc := range a.admins {
		out = append(out, acc)
	}
	slices.Sort(out)
	return out
}

// Issue signs a token for account valid for ttl.
func (a *Authenticator) Issue(account string, ttl time.Duration) (string, error) {
	if err := ident.Validate(account); err != nil {
		return "", err
	}
	if len(a.secret) == 0 {
		return "", errors.New("auth: secret not configured")
	}
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   account,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses a signed token and returns the caller it identifies.
func (a *Authenticator) Verify(tokenString string) (model.Caller, error) {
	if len(a.secret) == 0 {
		return model.Caller{}, fmt.Errorf("%w: auth secret not configured", model.ErrUnauthorized)
	}
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.skew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return model.Caller{}, fmt.Errorf("%w: %v", model.ErrUnauthorized, err)
	}
	if !token.Valid {
		return model.Caller{}, fmt.Errorf("%w: token invalid", model.ErrUnauthorized)
	}
	if err := ident.Validate(claims.Subject); err != nil {
		return model.Caller{}, fmt.Errorf("%w: subject: %v", model.ErrUnauthorized, err)
	}
	return model.Caller{AccountID: claims.Subject, Admin: a.IsAdmin(claims.Subject)}, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// caller in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			writeError(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		caller, err := a.Verify(tokenString)
		if err != nil {
			writeError(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

// RequireAdmin rejects callers that are not administrators. It must run
// after Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFromContext(r.Context())
		if !ok || !caller.Admin {
			writeError(w, "administrator required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithCaller returns a context carrying caller.
func WithCaller(ctx context.Context, caller model.Caller) context.Context {
	return context.WithValue(ctx, contextKeyCaller, caller)
}

// CallerFromContext returns the authenticated caller, if any.
func CallerFromContext(ctx context.Context) (model.Caller, bool) {
	caller, ok := ctx.Value(contextKeyCaller).(model.Caller)
	return caller, ok
}

func extractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
