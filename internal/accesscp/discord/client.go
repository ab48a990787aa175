// Package discord adapts the Discord REST API and OAuth2 flow to the access
// engine, and serves the community connect endpoints.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/saferiskx/saferiskx-server/internal/accesscp/access"
	internalerrors "github.com/saferiskx/saferiskx-server/internal/errors"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"
)

const (
	adapterName = "discord"

	defaultAuthURL  = "https://discord.com/oauth2/authorize"
	defaultTokenURL = "https://discord.com/api/oauth2/token"
	defaultTimeout  = 10 * time.Second
)

// Scopes requested during connect: identity plus permission to add the user
// to the guild on their behalf.
var Scopes = []string{"identify", "guilds.join"}

// Config holds Discord application and guild settings.
type Config struct {
	ClientID      string
	ClientSecret  string
	RedirectURI   string
	BotToken      string
	GuildID       string
	PremiumRoleID string
	Timeout       time.Duration

	// Optional overrides.
	AuthURL    string
	TokenURL   string
	HTTPClient *http.Client
}

// Client talks to Discord as the guild bot (membership and roles) and as the
// connecting user (OAuth exchange and profile).
type Client struct {
	bot        *discordgo.Session
	oauth      *oauth2.Config
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[any]
	guildID    string
	roleID     string
}

var _ access.Community = (*Client)(nil)

// NewClient builds a Client from cfg.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BotToken == "" || cfg.GuildID == "" || cfg.PremiumRoleID == "" {
		return nil, fmt.Errorf("discord: bot token, guild id and premium role id are required: %w", internalerrors.ErrInvalidInput)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	bot, err := newSession("Bot "+cfg.BotToken, httpClient)
	if err != nil {
		return nil, err
	}

	authURL := cfg.AuthURL
	if authURL == "" {
		authURL = defaultAuthURL
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}

	return &Client{
		bot: bot,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: httpClient,
		breaker:    newBreaker(),
		guildID:    cfg.GuildID,
		roleID:     cfg.PremiumRoleID,
	}, nil
}

func newSession(token string, httpClient *http.Client) (*discordgo.Session, error) {
	s, err := discordgo.New(token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	s.Client = httpClient
	s.MaxRestRetries = 1
	s.ShouldRetryOnRateLimit = false
	return s, nil
}

// LookupMember reports guild membership and premium role for userID.
func (c *Client) LookupMember(ctx context.Context, userID string) (access.Member, error) {
	res, err := c.breaker.Execute(func() (any, error) {
		return c.bot.GuildMember(c.guildID, userID, discordgo.WithContext(ctx))
	})
	if err != nil {
		err = wrapError("lookup_member", err)
		if internalerrors.IsNotFound(err) {
			return access.Member{}, nil
		}
		return access.Member{}, err
	}
	member, _ := res.(*discordgo.Member)
	if member == nil {
		return access.Member{}, nil
	}
	return access.Member{InGuild: true, HasRole: slices.Contains(member.Roles, c.roleID)}, nil
}

// AddMemberWithRole joins userID to the guild with the premium role using
// the user's guilds.join grant. Discord answers 204 with no body when the
// user is already a member; that is reported as false.
func (c *Client) AddMemberWithRole(ctx context.Context, userID, accessToken string) (bool, error) {
	res, err := c.breaker.Execute(func() (any, error) {
		return c.bot.RequestWithBucketID(http.MethodPut,
			discordgo.EndpointGuildMember(c.guildID, userID),
			&discordgo.GuildMemberAddParams{AccessToken: accessToken, Roles: []string{c.roleID}},
			discordgo.EndpointGuildMember(c.guildID, ""),
			discordgo.WithContext(ctx))
	})
	if err != nil {
		return false, wrapError("add_member", err)
	}
	body, _ := res.([]byte)
	return len(body) > 0, nil
}

// GrantRole assigns the premium role to a guild member.
func (c *Client) GrantRole(ctx context.Context, userID string) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.bot.GuildMemberRoleAdd(c.guildID, userID, c.roleID, discordgo.WithContext(ctx))
	})
	if err != nil {
		return wrapError("grant_role", err)
	}
	return nil
}

// RevokeRole removes the premium role. An unknown member or role is success.
func (c *Client) RevokeRole(ctx context.Context, userID string) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.bot.GuildMemberRoleRemove(c.guildID, userID, c.roleID, discordgo.WithContext(ctx))
	})
	if err != nil {
		err = wrapError("revoke_role", err)
		if internalerrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

// Diagnostics describes what the bot can see of the configured guild.
type Diagnostics struct {
	BotID             string   `json:"botId"`
	BotUsername       string   `json:"botUsername"`
	GuildID           string   `json:"guildId"`
	GuildName         string   `json:"guildName"`
	PremiumRoleID     string   `json:"premiumRoleId"`
	PremiumRoleName   string   `json:"premiumRoleName,omitempty"`
	PremiumRoleExists bool     `json:"premiumRoleExists"`
	Roles             []string `json:"roles"`
	BreakerState      string   `json:"breakerState"`
}

// Diagnose checks the bot identity, guild access and premium role.
func (c *Client) Diagnose(ctx context.Context) (*Diagnostics, error) {
	d := &Diagnostics{GuildID: c.guildID, PremiumRoleID: c.roleID, BreakerState: c.breaker.State().String()}

	bot, err := c.bot.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return d, wrapError("bot_identity", err)
	}
	d.BotID, d.BotUsername = bot.ID, bot.Username

	guild, err := c.bot.Guild(c.guildID, discordgo.WithContext(ctx))
	if err != nil {
		return d, wrapError("guild", err)
	}
	d.GuildName = guild.Name

	roles, err := c.bot.GuildRoles(c.guildID, discordgo.WithContext(ctx))
	if err != nil {
		return d, wrapError("guild_roles", err)
	}
	for _, role := range roles {
		d.Roles = append(d.Roles, role.Name)
		if role.ID == c.roleID {
			d.PremiumRoleExists = true
			d.PremiumRoleName = role.Name
		}
	}
	return d, nil
}

func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var restErr *discordgo.RESTError
	switch {
	case errors.As(err, &restErr) && restErr.Response != nil:
		return internalerrors.WrapAPIError(op, adapterName, err, restErr.Response.StatusCode)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return internalerrors.NewAdapterError(internalerrors.ErrorTypeInternal, op, adapterName,
			fmt.Errorf("%w: %v", internalerrors.ErrCircuitOpen, err))
	case errors.Is(err, context.DeadlineExceeded), isTimeout(err):
		return internalerrors.NewAdapterError(internalerrors.ErrorTypeTimeout, op, adapterName, err)
	default:
		return internalerrors.WrapConnectionError(op, adapterName, err)
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout() || strings.Contains(err.Error(), "Client.Timeout")
}
