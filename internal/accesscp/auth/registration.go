package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/saferiskx/saferiskx-server/internal/accesscp/registry"
	internalerrors "github.com/saferiskx/saferiskx-server/internal/errors"
	"github.com/saferiskx/saferiskx-server/internal/logging"
)

const activationTokenBytes = 32

// RegistrationStore creates accounts and resolves activation tokens.
type RegistrationStore interface {
	CreateAccount(ctx context.Context, a *registry.Account) error
	GetAccountByActivationToken(ctx context.Context, token string) (*registry.Account, error)
	MarkAccountVerified(ctx context.Context, id int64) error
}

// PasswordStore replaces stored password hashes.
type PasswordStore interface {
	SetPasswordHash(ctx context.Context, id int64, hash string) error
}

// ActivationNotifier delivers the activation link of a new account.
type ActivationNotifier interface {
	NotifyActivation(ctx context.Context, email, token string) error
}

// LogActivationNotifier writes the activation link to the log. Operators
// forward it until a mail transport is configured.
type LogActivationNotifier struct {
	FrontendURL string
}

// ActivationLink is the frontend page that calls the activate endpoint.
func (n LogActivationNotifier) ActivationLink(token string) string {
	return strings.TrimRight(n.FrontendURL, "/") + "/activate?token=" + url.QueryEscape(token)
}

func (n LogActivationNotifier) NotifyActivation(ctx context.Context, email, token string) error {
	logging.FromContext(ctx).Info().
		Str("email", email).
		Str("activation_link", n.ActivationLink(token)).
		Msg("Account activation link issued")
	return nil
}

// NewActivationToken returns a random hex token for account activation.
func NewActivationToken() (string, error) {
	buf := make([]byte, activationTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate activation token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

type activationResponse struct {
	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
	Type    string `json:"type"`
}

// HandleRegister creates an unverified account and issues its activation
// token. A failed notification does not fail the registration.
func HandleRegister(store RegistrationStore, notifier ActivationNotifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, loginBodyLimit)
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		email := strings.TrimSpace(req.Email)
		if email == "" || req.Password == "" {
			writeError(w, http.StatusBadRequest, "email and password are required")
			return
		}
		if strings.Count(email, "@") != 1 || strings.HasPrefix(email, "@") || strings.HasSuffix(email, "@") {
			writeError(w, http.StatusBadRequest, "invalid email address")
			return
		}

		logger := logging.FromContext(r.Context())
		hash, err := HashPassword(req.Password)
		if errors.Is(err, ErrPasswordTooShort) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			logger.Error().Err(err).Msg("Failed to hash password during registration")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		token, err := NewActivationToken()
		if err != nil {
			logger.Error().Err(err).Msg("Failed to generate activation token")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		account := &registry.Account{Email: email, PasswordHash: hash, ActivationToken: &token}
		if err := store.CreateAccount(r.Context(), account); err != nil {
			if errors.Is(err, internalerrors.ErrConflict) {
				writeError(w, http.StatusConflict, "email already registered")
				return
			}
			logger.Error().Err(err).Msg("Failed to create account")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		logger.Info().Int64("account_id", account.ID).Msg("Account registered")

		if err := notifier.NotifyActivation(r.Context(), account.Email, token); err != nil {
			logger.Warn().Err(err).Int64("account_id", account.ID).Msg("Activation notification failed")
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"success": true,
			"message": "account created, check your email to activate it",
		})
	}
}

// HandleActivate verifies the account an activation token was issued to.
// Activating twice succeeds with type already_activated.
func HandleActivate(store RegistrationStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		token := strings.TrimSpace(r.URL.Query().Get("token"))
		if token == "" {
			writeJSON(w, http.StatusBadRequest, activationResponse{Error: "activation token is missing", Type: "missing_token"})
			return
		}

		logger := logging.FromContext(r.Context())
		account, err := store.GetAccountByActivationToken(r.Context(), token)
		if err != nil {
			logger.Error().Err(err).Msg("Activation lookup failed")
			writeJSON(w, http.StatusInternalServerError, activationResponse{Error: "internal error", Type: "server_error"})
			return
		}
		if account == nil {
			writeJSON(w, http.StatusNotFound, activationResponse{Error: "invalid activation token", Type: "invalid_token"})
			return
		}
		if account.Verified {
			writeJSON(w, http.StatusOK, activationResponse{Success: true, Type: "already_activated"})
			return
		}
		if err := store.MarkAccountVerified(r.Context(), account.ID); err != nil {
			logger.Error().Err(err).Int64("account_id", account.ID).Msg("Failed to activate account")
			writeJSON(w, http.StatusInternalServerError, activationResponse{Error: "internal error", Type: "server_error"})
			return
		}
		logger.Info().Int64("account_id", account.ID).Msg("Account activated")
		writeJSON(w, http.StatusOK, activationResponse{Success: true, Type: "activated"})
	}
}

// HandleChangePassword replaces the password of the signed-in account after
// checking the current one.
func HandleChangePassword(store PasswordStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		account := AccountFromContext(r.Context())
		if account == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, loginBodyLimit)
		var req changePasswordRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.OldPassword == "" || req.NewPassword == "" {
			writeError(w, http.StatusBadRequest, "current and new password are required")
			return
		}
		if !CheckPassword(account.PasswordHash, req.OldPassword) {
			writeError(w, http.StatusUnauthorized, "current password is incorrect")
			return
		}

		logger := logging.FromContext(r.Context())
		hash, err := HashPassword(req.NewPassword)
		if errors.Is(err, ErrPasswordTooShort) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			logger.Error().Err(err).Int64("account_id", account.ID).Msg("Failed to hash new password")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if err := store.SetPasswordHash(r.Context(), account.ID, hash); err != nil {
			logger.Error().Err(err).Int64("account_id", account.ID).Msg("Failed to store new password")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		logger.Info().Int64("account_id", account.ID).Msg("Password changed")
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}
