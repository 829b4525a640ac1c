package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/memohai/omnicore/internal/audit"
	"github.com/memohai/omnicore/internal/config"
)

type memoryAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memoryAudit) Append(_ context.Context, e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func login(e *echo.Echo, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestLoginWithPlainPassword(t *testing.T) {
	t.Parallel()
	rec := &memoryAudit{}
	h, err := NewAuthHandler(nil,
		config.AdminConfig{Username: "ops", Password: "s3cret-pass"},
		config.AuthConfig{JWTSecret: "jwt-secret", JWTExpiresIn: "1h"}, rec)
	require.NoError(t, err)
	e := echo.New()
	h.Register(e)

	res := login(e, `{"username":"ops","password":"s3cret-pass"}`)
	require.Equal(t, http.StatusOK, res.Code)
	var out LoginResponse
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out))
	assert.NotEmpty(t, out.AccessToken)
	assert.Equal(t, "Bearer", out.TokenType)
	assert.Equal(t, "ops", out.Username)

	res = login(e, `{"username":"ops","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
	res = login(e, `{"username":"root","password":"s3cret-pass"}`)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
	res = login(e, `{"username":"ops"}`)
	assert.Equal(t, http.StatusBadRequest, res.Code)

	require.Len(t, rec.entries, 2)
	assert.Equal(t, ActionLoginFailed, rec.entries[0].Action)
	assert.Equal(t, "root", rec.entries[1].ActorID)
}

func TestLoginWithPasswordHash(t *testing.T) {
	t.Parallel()
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-pass"), bcrypt.MinCost)
	require.NoError(t, err)
	h, err := NewAuthHandler(nil,
		config.AdminConfig{Username: "ops", PasswordHash: string(hash), Password: "ignored"},
		config.AuthConfig{JWTSecret: "jwt-secret"}, nil)
	require.NoError(t, err)
	e := echo.New()
	h.Register(e)

	assert.Equal(t, http.StatusOK, login(e, `{"username":"ops","password":"hashed-pass"}`).Code)
	assert.Equal(t, http.StatusUnauthorized, login(e, `{"username":"ops","password":"ignored"}`).Code)
}

func TestNewAuthHandlerRequiresCredentials(t *testing.T) {
	t.Parallel()
	_, err := NewAuthHandler(nil, config.AdminConfig{Password: "x"}, config.AuthConfig{}, nil)
	assert.Error(t, err)
	_, err = NewAuthHandler(nil, config.AdminConfig{Username: "ops"}, config.AuthConfig{}, nil)
	assert.Error(t, err)
}
