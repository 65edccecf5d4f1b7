package oauth

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// GoogleClient wraps the standard x/oauth2 flow for Google. Offline access
// is requested so a refresh token is issued on first consent.
type GoogleClient struct {
	cfg *oauth2.Config
}

// NewGoogleClient builds the client; endpoint may be overridden for tests
// via SetEndpoint.
func NewGoogleClient(clientID, clientSecret, redirectURI, scopes string) *GoogleClient {
	return &GoogleClient{cfg: &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       strings.Fields(scopes),
		Endpoint:     google.Endpoint,
	}}
}

// SetEndpoint points the client at a fake token server.
func (c *GoogleClient) SetEndpoint(authURL, tokenURL string) {
	c.cfg.Endpoint = oauth2.Endpoint{AuthURL: authURL, TokenURL: tokenURL}
}

// AuthorizeURL builds the consent URL. prompt=consent forces Google to
// reissue a refresh token on relink.
func (c *GoogleClient) AuthorizeURL(state string) string {
	return c.cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"))
}

// Exchange trades an authorization code for tokens.
func (c *GoogleClient) Exchange(ctx context.Context, code string) (*Token, error) {
	tok, err := c.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("google exchange: %w", err)
	}
	return fromOAuth2(tok, c.cfg.Scopes), nil
}

// Refresh obtains a fresh access token. Google usually keeps the refresh
// token stable; when the response omits it the caller keeps the old one.
func (c *GoogleClient) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	src := c.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("google refresh: %w", err)
	}
	return fromOAuth2(tok, c.cfg.Scopes), nil
}

func fromOAuth2(tok *oauth2.Token, scopes []string) *Token {
	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry.UTC(),
		Scopes:       strings.Join(scopes, " "),
	}
}
