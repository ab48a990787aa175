package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/saferiskx/saferiskx-server/internal/accesscp/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	email, token string
	err          error
}

func (n *recordingNotifier) NotifyActivation(_ context.Context, email, token string) error {
	n.email, n.token = email, token
	return n.err
}

func activate(t *testing.T, h http.Handler, token string) (int, activationResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auth/activate?token="+token, nil))
	var resp activationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec.Code, resp
}

func TestRegisterActivateLogin(t *testing.T) {
	reg := newTestRegistry(t)
	notifier := &recordingNotifier{}
	register := HandleRegister(reg, notifier)

	rec := postJSON(t, register, registerRequest{Email: " New@Example.com ", Password: "password123"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), notifier.token)
	assert.Equal(t, "new@example.com", notifier.email)
	assert.Len(t, notifier.token, 2*activationTokenBytes)

	account, err := reg.GetAccountByEmail(context.Background(), "new@example.com")
	require.NoError(t, err)
	require.NotNil(t, account)
	assert.False(t, account.Verified)

	login := HandleLogin(reg, newTestTokens(t), false)
	assert.Equal(t, http.StatusForbidden, postJSON(t, login, loginRequest{Email: "new@example.com", Password: "password123"}).Code)

	code, resp := activate(t, HandleActivate(reg), notifier.token)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "activated", resp.Type)
	assert.Equal(t, http.StatusOK, postJSON(t, login, loginRequest{Email: "new@example.com", Password: "password123"}).Code)

	code, resp = activate(t, HandleActivate(reg), notifier.token)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "already_activated", resp.Type)
}

func TestRegisterRejectsBadInput(t *testing.T) {
	reg := newTestRegistry(t)
	createAccount(t, reg, "taken@example.com", "password123", true)
	h := HandleRegister(reg, &recordingNotifier{})

	tests := []struct {
		name string
		body registerRequest
		want int
	}{
		{name: "missing-password", body: registerRequest{Email: "a@example.com"}, want: http.StatusBadRequest},
		{name: "bad-email", body: registerRequest{Email: "not-an-email", Password: "password123"}, want: http.StatusBadRequest},
		{name: "short-password", body: registerRequest{Email: "a@example.com", Password: "short"}, want: http.StatusBadRequest},
		{name: "duplicate", body: registerRequest{Email: "TAKEN@example.com", Password: "password123"}, want: http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, postJSON(t, h, tt.body).Code)
		})
	}
}

func TestRegisterSucceedsWhenNotificationFails(t *testing.T) {
	reg := newTestRegistry(t)
	notifier := &recordingNotifier{err: errors.New("smtp unavailable")}

	rec := postJSON(t, HandleRegister(reg, notifier), registerRequest{Email: "n@example.com", Password: "password123"})
	require.Equal(t, http.StatusCreated, rec.Code)

	account, err := reg.GetAccountByActivationToken(context.Background(), notifier.token)
	require.NoError(t, err)
	require.NotNil(t, account)
	assert.Equal(t, "n@example.com", account.Email)
}

func TestActivateErrors(t *testing.T) {
	h := HandleActivate(newTestRegistry(t))

	code, resp := activate(t, h, "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "missing_token", resp.Type)

	code, resp = activate(t, h, "deadbeef")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "invalid_token", resp.Type)
}

func TestNewActivationTokenIsRandom(t *testing.T) {
	a, err := NewActivationToken()
	require.NoError(t, err)
	b, err := NewActivationToken()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 64)
}

func TestLogActivationNotifierLink(t *testing.T) {
	n := LogActivationNotifier{FrontendURL: "https://app.example.com/"}
	assert.Equal(t, "https://app.example.com/activate?token=abc", n.ActivationLink("abc"))
	assert.NoError(t, n.NotifyActivation(context.Background(), "a@example.com", "abc"))
}

func TestHandleChangePassword(t *testing.T) {
	reg := newTestRegistry(t)
	account := createAccount(t, reg, "pw@example.com", "password123", true)
	h := HandleChangePassword(reg)

	send := func(body string, signedIn bool) int {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/change-password", strings.NewReader(body))
		if signedIn {
			current, err := reg.GetAccount(context.Background(), account.ID)
			require.NoError(t, err)
			req = req.WithContext(WithAccount(req.Context(), current))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, send(`{"oldPassword":"password123","newPassword":"password456"}`, false))
	assert.Equal(t, http.StatusBadRequest, send(`{"oldPassword":"password123"}`, true))
	assert.Equal(t, http.StatusUnauthorized, send(`{"oldPassword":"wrong-password","newPassword":"password456"}`, true))
	assert.Equal(t, http.StatusBadRequest, send(`{"oldPassword":"password123","newPassword":"short"}`, true))
	require.Equal(t, http.StatusOK, send(`{"oldPassword":"password123","newPassword":"password456"}`, true))

	updated, err := reg.GetAccount(context.Background(), account.ID)
	require.NoError(t, err)
	assert.True(t, CheckPassword(updated.PasswordHash, "password456"))
	assert.False(t, CheckPassword(updated.PasswordHash, "password123"))
}

var _ RegistrationStore = (*registry.Registry)(nil)
var _ PasswordStore = (*registry.Registry)(nil)
