package discord

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/saferiskx/saferiskx-server/internal/accesscp/access"
	"github.com/saferiskx/saferiskx-server/internal/accesscp/auth"
	internalerrors "github.com/saferiskx/saferiskx-server/internal/errors"
	"github.com/saferiskx/saferiskx-server/internal/logging"
)

const callbackBodyLimit = 16 * 1024

// Connector is the slice of the access engine the connect endpoints drive.
type Connector interface {
	AuthorizationURL() (url, state string)
	HandleCallback(ctx context.Context, accountID int64, code string) (*access.CallbackResult, error)
	Status(ctx context.Context, accountID int64) (*access.AccessStatus, error)
	Disconnect(ctx context.Context, accountID int64) (*access.DisconnectResult, error)
}

var _ Connector = (*access.Service)(nil)

type initiateResponse struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

type callbackRequest struct {
	Code string `json:"code"`
}

type profileView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

type callbackSubscriptionView struct {
	HasActive      bool `json:"hasActive"`
	InGuild        bool `json:"inGuild"`
	HasPremiumRole bool `json:"hasPremiumRole"`
}

type callbackResponse struct {
	Success      bool                     `json:"success"`
	Discord      profileView              `json:"discord"`
	GuildStatus  access.GuildStatus       `json:"guildStatus"`
	Subscription callbackSubscriptionView `json:"subscription"`
}

type statusResponse struct {
	Connected             bool         `json:"connected"`
	HasActiveSubscription bool         `json:"hasActiveSubscription"`
	InGuild               bool         `json:"inGuild"`
	HasPremiumRole        bool         `json:"hasPremiumRole"`
	Discord               *profileView `json:"discord,omitempty"`
}

type disconnectResponse struct {
	Success             bool `json:"success"`
	AlreadyDisconnected bool `json:"alreadyDisconnected"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleInitiate returns the Discord consent URL for the signed-in account.
func HandleInitiate(svc Connector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}
		if auth.AccountFromContext(r.Context()) == nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		url, state := svc.AuthorizationURL()
		writeJSON(w, http.StatusOK, initiateResponse{URL: url, State: state})
	}
}

// HandleCallback completes the connect for the signed-in account.
func HandleCallback(svc Connector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}
		account := auth.AccountFromContext(r.Context())
		if account == nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, callbackBodyLimit)
		var req callbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "authorization code is required"})
			return
		}

		result, err := svc.HandleCallback(r.Context(), account.ID, req.Code)
		if err != nil {
			writeServiceError(r, w, "callback", err)
			return
		}
		writeJSON(w, http.StatusOK, callbackResponse{
			Success:     true,
			Discord:     profileView{ID: result.CommunityID, Username: result.Username, Avatar: result.Avatar},
			GuildStatus: result.GuildStatus,
			Subscription: callbackSubscriptionView{
				HasActive:      result.HasActiveSubscription,
				InGuild:        result.InGuild,
				HasPremiumRole: result.HasPremiumRole,
			},
		})
	}
}

// HandleStatus reports the derived community access state.
func HandleStatus(svc Connector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}
		account := auth.AccountFromContext(r.Context())
		if account == nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}

		st, err := svc.Status(r.Context(), account.ID)
		if err != nil {
			writeServiceError(r, w, "status", err)
			return
		}
		resp := statusResponse{
			Connected:             st.Connected,
			HasActiveSubscription: st.HasActiveSubscription,
			InGuild:               st.InGuild,
			HasPremiumRole:        st.HasPremiumRole,
		}
		if st.Connected && st.CommunityID != nil {
			p := &profileView{ID: *st.CommunityID}
			if st.CommunityUsername != nil {
				p.Username = *st.CommunityUsername
			}
			resp.Discord = p
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// HandleDisconnect unlinks the Discord account of the signed-in account.
func HandleDisconnect(svc Connector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}
		account := auth.AccountFromContext(r.Context())
		if account == nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}

		res, err := svc.Disconnect(r.Context(), account.ID)
		if err != nil {
			writeServiceError(r, w, "disconnect", err)
			return
		}
		writeJSON(w, http.StatusOK, disconnectResponse{Success: true, AlreadyDisconnected: res.AlreadyDisconnected})
	}
}

// DiagnosticsSource reports what the bot can see of the guild.
type DiagnosticsSource interface {
	Diagnose(ctx context.Context) (*Diagnostics, error)
}

// HandleDiagnostics serves bot and guild diagnostics to operators. Partial
// results are returned alongside the failing step.
func HandleDiagnostics(src DiagnosticsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}
		d, err := src.Diagnose(r.Context())
		if err != nil {
			logging.FromContext(r.Context()).Warn().Err(err).Msg("Discord diagnostics incomplete")
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"ok":          false,
				"error":       publicMessage(err),
				"diagnostics": d,
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "diagnostics": d})
	}
}

func writeServiceError(r *http.Request, w http.ResponseWriter, op string, err error) {
	status := internalerrors.HTTPStatus(err)
	event := logging.FromContext(r.Context()).Warn()
	if status >= http.StatusInternalServerError {
		event = logging.FromContext(r.Context()).Error()
	}
	event.Err(err).Str("op", op).Int("status", status).Msg("Discord request failed")
	writeJSON(w, status, errorResponse{Error: publicMessage(err)})
}

// publicMessage maps an error to a client-safe message.
func publicMessage(err error) string {
	var adapterErr *internalerrors.AdapterError
	isAdapter := errors.As(err, &adapterErr)
	switch {
	case isAdapter && adapterErr.Type == internalerrors.ErrorTypeNotFound:
		return "discord profile not found"
	case errors.Is(err, internalerrors.ErrInvalidCode):
		return "invalid or expired authorization code"
	case errors.Is(err, internalerrors.ErrConflict):
		return "discord account is already linked to another account"
	case errors.Is(err, internalerrors.ErrNotFound):
		return "account not found"
	case errors.Is(err, internalerrors.ErrCircuitOpen):
		return "discord is temporarily unavailable"
	case isAdapter:
		return "discord request failed"
	}
	return "internal error"
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("discord: encode response")
	}
}
