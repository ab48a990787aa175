package discord

import (
	"context"
	"errors"

	"github.com/bwmarrin/discordgo"
	"github.com/saferiskx/saferiskx-server/internal/accesscp/access"
	internalerrors "github.com/saferiskx/saferiskx-server/internal/errors"
	"golang.org/x/oauth2"
)

// AuthorizationURL builds the consent URL for state.
func (c *Client) AuthorizationURL(state string) string {
	return c.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "consent"))
}

// ExchangeCode trades an authorization code for a user access token.
func (c *Client) ExchangeCode(ctx context.Context, code string) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	token, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			return "", internalerrors.WrapAPIError("exchange_code", adapterName, err, retrieveErr.Response.StatusCode)
		}
		return "", wrapError("exchange_code", err)
	}
	if token.AccessToken == "" {
		return "", internalerrors.NewAdapterError(internalerrors.ErrorTypeAPI, "exchange_code", adapterName, errors.New("empty access token"))
	}
	return token.AccessToken, nil
}

// FetchProfile loads the identity behind a user access token.
func (c *Client) FetchProfile(ctx context.Context, accessToken string) (*access.Profile, error) {
	session, err := newSession("Bearer "+accessToken, c.httpClient)
	if err != nil {
		return nil, err
	}
	user, err := session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return nil, wrapError("fetch_profile", err)
	}
	return &access.Profile{
		ID:            user.ID,
		Username:      user.Username,
		Discriminator: user.Discriminator,
		GlobalName:    user.GlobalName,
		Avatar:        user.Avatar,
	}, nil
}
