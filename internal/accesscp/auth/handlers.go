package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/saferiskx/saferiskx-server/internal/accesscp/registry"
	"github.com/saferiskx/saferiskx-server/internal/logging"
)

const loginBodyLimit = 16 * 1024

// LoginStore looks accounts up by email.
type LoginStore interface {
	GetAccountByEmail(ctx context.Context, email string) (*registry.Account, error)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type accountView struct {
	ID                int64   `json:"id"`
	Email             string  `json:"email"`
	Verified          bool    `json:"verified"`
	CommunityID       *string `json:"discordId,omitempty"`
	CommunityUsername *string `json:"discordUsername,omitempty"`
}

func viewOf(a *registry.Account) accountView {
	return accountView{
		ID:                a.ID,
		Email:             a.Email,
		Verified:          a.Verified,
		CommunityID:       a.CommunityID,
		CommunityUsername: a.CommunityUsername,
	}
}

// HandleLogin checks email and password and sets the session cookie.
func HandleLogin(store LoginStore, tokens *Tokens, secureCookie bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, loginBodyLimit)
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if strings.TrimSpace(req.Email) == "" || req.Password == "" {
			writeError(w, http.StatusBadRequest, "email and password are required")
			return
		}

		account, err := store.GetAccountByEmail(r.Context(), req.Email)
		if err != nil {
			logging.FromContext(r.Context()).Error().Err(err).Msg("Login lookup failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if account == nil || !CheckPassword(account.PasswordHash, req.Password) {
			writeError(w, http.StatusUnauthorized, "invalid email or password")
			return
		}
		if !account.Verified {
			writeError(w, http.StatusForbidden, "email not verified")
			return
		}

		token, err := tokens.Issue(account)
		if err != nil {
			logging.FromContext(r.Context()).Error().Err(err).Int64("account_id", account.ID).Msg("Failed to issue session token")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     CookieName,
			Value:    token,
			Path:     "/",
			HttpOnly: true,
			Secure:   secureCookie,
			SameSite: http.SameSiteStrictMode,
			MaxAge:   int(tokens.TTL().Seconds()),
		})
		writeJSON(w, http.StatusOK, map[string]any{"user": viewOf(account)})
	}
}

// HandleLogout clears the session cookie.
func HandleLogout(secureCookie bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     CookieName,
			Value:    "",
			Path:     "/",
			HttpOnly: true,
			Secure:   secureCookie,
			SameSite: http.SameSiteStrictMode,
			MaxAge:   -1,
		})
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

// HandleMe returns the authenticated account.
func HandleMe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		account := AccountFromContext(r.Context())
		if account == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": viewOf(account)})
	}
}
