package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/ktex/exchange-engine/internal/model"
)

func newTestAuthenticator() *Authenticator {
	return New(Config{Secret: "test-secret", Issuer: "ktex", Admins: []string{"owner.near", " ops.near "}})
}

func TestIssueVerify(t *testing.T) {
	a := newTestAuthenticator()

	token, err := a.Issue("alice.near", time.Hour)
	require.NoError(t, err)
	caller, err := a.Verify(token)
	require.NoError(t, err)
	require.Equal(t, model.Caller{AccountID: "alice.near"}, caller)

	token, err = a.Issue("owner.near", time.Hour)
	require.NoError(t, err)
	caller, err = a.Verify(token)
	require.NoError(t, err)
	require.True(t, caller.Admin)

	_, err = a.Issue("Not Valid", time.Hour)
	require.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestVerify_Rejects(t *testing.T) {
	a := newTestAuthenticator()

	expired, err := a.Issue("alice.near", -time.Hour)
	require.NoError(t, err)
	_, err = a.Verify(expired)
	require.ErrorIs(t, err, model.ErrUnauthorized)

	other := New(Config{Secret: "other-secret", Issuer: "ktex"})
	forged, err := other.Issue("alice.near", time.Hour)
	require.NoError(t, err)
	_, err = a.Verify(forged)
	require.ErrorIs(t, err, model.ErrUnauthorized)

	wrongIssuer := New(Config{Secret: "test-secret", Issuer: "elsewhere"})
	token, err := wrongIssuer.Issue("alice.near", time.Hour)
	require.NoError(t, err)
	_, err = a.Verify(token)
	require.ErrorIs(t, err, model.ErrUnauthorized)

	// Tokens without an expiry are refused.
	unbounded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "alice.near", Issuer: "ktex"}).
		SignedString([]byte("test-secret"))
	require.NoError(t, err)
	_, err = a.Verify(unbounded)
	require.ErrorIs(t, err, model.ErrUnauthorized)

	_, err = a.Verify("garbage")
	require.ErrorIs(t, err, model.ErrUnauthorized)
}

func TestAdmins(t *testing.T) {
	a := newTestAuthenticator()
	require.Equal(t, []string{"ops.near", "owner.near"}, a.Admins())
	require.True(t, a.IsAdmin("ops.near"))

	a.SetAdmins([]string{"new.near", ""})
	require.Equal(t, []string{"new.near"}, a.Admins())
	require.False(t, a.IsAdmin("owner.near"))
}

func TestMiddleware(t *testing.T) {
	a := newTestAuthenticator()
	var seen model.Caller
	handler := a.Middleware(RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = CallerFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})))

	do := func(header string) int {
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	require.Equal(t, http.StatusUnauthorized, do(""))
	require.Equal(t, http.StatusUnauthorized, do("Basic abc"))
	require.Equal(t, http.StatusUnauthorized, do("Bearer garbage"))

	user, err := a.Issue("alice.near", time.Hour)
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, do("Bearer "+user))

	owner, err := a.Issue("owner.near", time.Hour)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, do("bearer "+owner))
	require.Equal(t, "owner.near", seen.AccountID)
}
