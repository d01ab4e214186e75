package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/fruitsalade/filebrowser/internal/config"
	"github.com/fruitsalade/filebrowser/internal/protocol"
)

func newLoginHandler(t *testing.T) (*LoginHandler, *Authority) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	a := NewAuthority("secret", 30*time.Minute)
	return NewLoginHandler([]config.User{
		{Username: "alice", PasswordHash: string(hash), Role: config.RoleAdmin},
	}, a), a
}

func postLogin(h http.Handler, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(body)))
	return rec
}

func TestLoginSuccess(t *testing.T) {
	h, a := newLoginHandler(t)

	rec := postLogin(h, `{"username":"alice","password":"hunter2"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp protocol.LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, protocol.User{Username: "alice", Role: "admin"}, resp.User)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), resp.ExpiresAt, 5*time.Second)

	id := a.Verify(resp.Token)
	require.NotNil(t, id)
	assert.True(t, id.IsAdmin())
}

func TestLoginFailures(t *testing.T) {
	h, _ := newLoginHandler(t)

	cases := []struct {
		name string
		body string
		code int
	}{
		{"wrong password", `{"username":"alice","password":"nope"}`, http.StatusUnauthorized},
		{"unknown user", `{"username":"zed","password":"hunter2"}`, http.StatusUnauthorized},
		{"missing password", `{"username":"alice"}`, http.StatusBadRequest},
		{"missing username", `{"password":"hunter2"}`, http.StatusBadRequest},
		{"malformed", `{"username":`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postLogin(h, tc.body)
			assert.Equal(t, tc.code, rec.Code)

			var resp protocol.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tc.code, resp.Code)
			assert.NotContains(t, rec.Body.String(), "token")
		})
	}
}
