package access

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/saferiskx/saferiskx-server/internal/accesscp/cpmetrics"
	"github.com/saferiskx/saferiskx-server/internal/accesscp/registry"
	internalerrors "github.com/saferiskx/saferiskx-server/internal/errors"
)

// GuildStatus describes what a connect did about guild membership.
type GuildStatus string

const (
	GuildJoined         GuildStatus = "joined"
	GuildRoleGranted    GuildStatus = "role_granted"
	GuildAlreadyMember  GuildStatus = "already_member"
	GuildNoSubscription GuildStatus = "no_subscription"
	GuildFailed         GuildStatus = "failed"
)

// CallbackResult is returned after a successful OAuth connect.
type CallbackResult struct {
	CommunityID           string      `json:"communityId"`
	Username              string      `json:"username"`
	Avatar                string      `json:"avatar,omitempty"`
	GuildStatus           GuildStatus `json:"guildStatus"`
	HasActiveSubscription bool        `json:"hasActiveSubscription"`
	InGuild               bool        `json:"inGuild"`
	HasPremiumRole        bool        `json:"hasPremiumRole"`
}

// AccessStatus is the derived community access state of an account.
type AccessStatus struct {
	Connected             bool    `json:"connected"`
	HasActiveSubscription bool    `json:"hasActiveSubscription"`
	InGuild               bool    `json:"inGuild"`
	HasPremiumRole        bool    `json:"hasPremiumRole"`
	CommunityID           *string `json:"communityId,omitempty"`
	CommunityUsername     *string `json:"communityUsername,omitempty"`
}

// DisconnectResult reports the outcome of a disconnect.
type DisconnectResult struct {
	AlreadyDisconnected bool   `json:"alreadyDisconnected"`
	CommunityID         string `json:"communityId,omitempty"`
}

// AuthorizationURL builds the community OAuth URL with a fresh state value.
func (s *Service) AuthorizationURL() (url, state string) {
	state = uuid.NewString()
	return s.community.AuthorizationURL(state), state
}

// HandleCallback completes an OAuth connect for an authenticated account.
func (s *Service) HandleCallback(ctx context.Context, accountID int64, code string) (*CallbackResult, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("authorization code is required: %w", internalerrors.ErrInvalidCode)
	}
	account, err := s.loadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	exchangeCtx, cancel := s.adapterContext(ctx)
	token, err := s.community.ExchangeCode(exchangeCtx, code)
	cancel()
	if err != nil {
		log.Warn().Err(err).Int64("account_id", accountID).Msg("Community code exchange failed")
		return nil, fmt.Errorf("%w: %v", internalerrors.ErrInvalidCode, err)
	}

	profileCtx, cancel := s.adapterContext(ctx)
	profile, err := s.community.FetchProfile(profileCtx, token)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("fetch community profile: %w", err)
	}

	owner, err := s.repo.GetAccountByCommunityID(ctx, profile.ID)
	if err != nil {
		return nil, fmt.Errorf("lookup community link: %w", err)
	}
	if owner != nil && owner.ID != account.ID {
		log.Warn().
			Int64("account_id", account.ID).
			Int64("linked_account_id", owner.ID).
			Str("community_id", profile.ID).
			Msg("Community account already linked to another account")
		return nil, fmt.Errorf("community account is linked to another account: %w", internalerrors.ErrConflict)
	}

	// One subscription funds one community identity: strip the role from a
	// previously linked, different identity before touching the new one.
	relinking := account.HasCommunity() && *account.CommunityID != profile.ID
	if relinking {
		log.Info().
			Int64("account_id", account.ID).
			Str("old_community_id", *account.CommunityID).
			Str("new_community_id", profile.ID).
			Msg("Community account changed, revoking role from previous identity")
		s.revoke(ctx, *account.CommunityID, "relink")
	}

	if err := s.repo.LinkCommunityAccount(ctx, account.ID, profile.ID, profile.DisplayName()); err != nil {
		if relinking {
			// The previous identity is still the linked one.
			s.ensureGranted(ctx, account, "relink_failed")
		}
		return nil, fmt.Errorf("link community account: %w", err)
	}

	result := &CallbackResult{
		CommunityID: profile.ID,
		Username:    profile.DisplayName(),
		Avatar:      profile.Avatar,
		GuildStatus: GuildNoSubscription,
	}

	sub, err := s.ActiveSubscription(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return result, nil
	}
	result.HasActiveSubscription = true
	s.ensureMembership(ctx, profile.ID, token, result)
	return result, nil
}

// ensureMembership puts a subscribed member in the guild with the premium
// role, joining with the role attached when they are not yet a member.
func (s *Service) ensureMembership(ctx context.Context, userID, token string, result *CallbackResult) {
	logger := log.With().Str("community_id", userID).Logger()

	lookupCtx, cancel := s.adapterContext(ctx)
	member, err := s.community.LookupMember(lookupCtx, userID)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("Guild membership lookup failed during connect")
		result.GuildStatus = GuildFailed
		return
	}

	switch {
	case !member.InGuild:
		addCtx, cancel := s.adapterContext(ctx)
		added, err := s.community.AddMemberWithRole(addCtx, userID, token)
		cancel()
		if err != nil {
			cpmetrics.RoleOperations.WithLabelValues("add_member", "error").Inc()
			logger.Warn().Err(err).Msg("Failed to add member to guild")
			result.GuildStatus = GuildFailed
			return
		}
		cpmetrics.RoleOperations.WithLabelValues("add_member", "ok").Inc()
		result.InGuild = true
		if added {
			logger.Info().Msg("Added member to guild with premium role")
			result.GuildStatus = GuildJoined
			result.HasPremiumRole = true
			return
		}
		// Raced with a manual join: the add was a no-op, assign the role.
		if s.grant(ctx, userID, "connect") {
			result.GuildStatus = GuildRoleGranted
			result.HasPremiumRole = true
		} else {
			result.GuildStatus = GuildFailed
		}
	case !member.HasRole:
		result.InGuild = true
		if s.grant(ctx, userID, "connect") {
			result.GuildStatus = GuildRoleGranted
			result.HasPremiumRole = true
		} else {
			result.GuildStatus = GuildFailed
		}
	default:
		result.InGuild = true
		result.HasPremiumRole = true
		result.GuildStatus = GuildAlreadyMember
	}
}

// Status computes the derived access state. Lapsed subscriptions are expired
// (and their role revoked) before guild state is read.
func (s *Service) Status(ctx context.Context, accountID int64) (*AccessStatus, error) {
	account, err := s.loadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	sub, err := s.ActiveSubscription(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	status := &AccessStatus{
		Connected:             account.HasCommunity(),
		HasActiveSubscription: sub != nil,
		CommunityID:           account.CommunityID,
		CommunityUsername:     account.CommunityUsername,
	}
	if !status.Connected || sub == nil {
		return status, nil
	}

	lookupCtx, cancel := s.adapterContext(ctx)
	member, err := s.community.LookupMember(lookupCtx, *account.CommunityID)
	cancel()
	if err != nil {
		log.Warn().Err(err).Int64("account_id", account.ID).Msg("Guild membership lookup failed during status check")
		return status, nil
	}
	status.InGuild = member.InGuild
	status.HasPremiumRole = member.HasRole
	return status, nil
}

// Disconnect unlinks the community account, revoking its role first. A failed
// revoke does not block the unlink.
func (s *Service) Disconnect(ctx context.Context, accountID int64) (*DisconnectResult, error) {
	account, err := s.loadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.HasCommunity() {
		return &DisconnectResult{AlreadyDisconnected: true}, nil
	}

	communityID := *account.CommunityID
	s.revoke(ctx, communityID, "disconnect")

	if err := s.repo.UnlinkCommunityAccount(ctx, account.ID); err != nil {
		return nil, fmt.Errorf("unlink community account: %w", err)
	}
	log.Info().Int64("account_id", account.ID).Str("community_id", communityID).Msg("Community account disconnected")
	return &DisconnectResult{CommunityID: communityID}, nil
}

func (s *Service) loadAccount(ctx context.Context, accountID int64) (*registry.Account, error) {
	account, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("lookup account: %w", err)
	}
	if account == nil {
		return nil, fmt.Errorf("account %d: %w", accountID, internalerrors.ErrNotFound)
	}
	return account, nil
}

// entitled reports whether the account currently holds an active, unlapsed
// subscription. It does not expire anything.
func (s *Service) entitled(ctx context.Context, accountID int64) (bool, error) {
	sub, err := s.repo.GetActiveSubscription(ctx, accountID)
	if err != nil {
		return false, err
	}
	return sub != nil && !sub.IsLapsed(s.now()), nil
}

// ensureGranted grants the role to a linked member that is in the guild and
// lacks it. Members outside the guild are deferred to their next connect.
func (s *Service) ensureGranted(ctx context.Context, account *registry.Account, reason string) {
	userID := *account.CommunityID
	logger := log.With().Int64("account_id", account.ID).Str("community_id", userID).Str("reason", reason).Logger()

	ok, err := s.entitled(ctx, account.ID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to check entitlement before grant")
		return
	}
	if !ok {
		return
	}

	lookupCtx, cancel := s.adapterContext(ctx)
	member, err := s.community.LookupMember(lookupCtx, userID)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("Guild membership lookup failed, role grant skipped")
		cpmetrics.RoleOperations.WithLabelValues("grant", "error").Inc()
		return
	}
	if !member.InGuild {
		logger.Info().Msg("Member not in guild, role deferred until next connect")
		cpmetrics.RoleOperations.WithLabelValues("grant", "deferred").Inc()
		return
	}
	if member.HasRole {
		return
	}
	s.grant(ctx, userID, reason)
}

// ensureRevoked removes the role from a linked member unless the account is
// still entitled through another active subscription.
func (s *Service) ensureRevoked(ctx context.Context, account *registry.Account, reason string) {
	userID := *account.CommunityID
	logger := log.With().Int64("account_id", account.ID).Str("community_id", userID).Str("reason", reason).Logger()

	ok, err := s.entitled(ctx, account.ID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to check entitlement before revoke")
		return
	}
	if ok {
		logger.Debug().Msg("Account still entitled through another subscription, keeping role")
		return
	}

	lookupCtx, cancel := s.adapterContext(ctx)
	member, err := s.community.LookupMember(lookupCtx, userID)
	cancel()
	if err == nil && !member.HasRole {
		return
	}
	if err != nil {
		logger.Warn().Err(err).Msg("Guild membership lookup failed, revoking blind")
	}
	s.revoke(ctx, userID, reason)
}

func (s *Service) grant(ctx context.Context, userID, reason string) bool {
	grantCtx, cancel := s.adapterContext(ctx)
	err := s.community.GrantRole(grantCtx, userID)
	cancel()
	if err != nil {
		cpmetrics.RoleOperations.WithLabelValues("grant", "error").Inc()
		log.Warn().Err(err).Str("community_id", userID).Str("reason", reason).Msg("Failed to grant premium role")
		return false
	}
	cpmetrics.RoleOperations.WithLabelValues("grant", "ok").Inc()
	log.Info().Str("community_id", userID).Str("reason", reason).Msg("Granted premium role")
	return true
}

func (s *Service) revoke(ctx context.Context, userID, reason string) bool {
	revokeCtx, cancel := s.adapterContext(ctx)
	err := s.community.RevokeRole(revokeCtx, userID)
	cancel()
	if err != nil {
		cpmetrics.RoleOperations.WithLabelValues("revoke", "error").Inc()
		log.Warn().Err(err).Str("community_id", userID).Str("reason", reason).Msg("Failed to revoke premium role")
		return false
	}
	cpmetrics.RoleOperations.WithLabelValues("revoke", "ok").Inc()
	log.Info().Str("community_id", userID).Str("reason", reason).Msg("Revoked premium role")
	return true
}
