// Package oauth implements account linking and background token refresh for
// the Twitch and Google providers. Tokens live encrypted in oauth_accounts;
// this package only ever sees them decrypted through the db layer.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultTwitchAuthURL  = "https://id.twitch.tv/oauth2/authorize"
	DefaultTwitchTokenURL = "https://id.twitch.tv/oauth2/token"
)

// Token is a provider-agnostic token response.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       string
}

// TwitchClient talks to Twitch's OAuth endpoints. Twitch predates the
// standard token response shape in a few ways (scope as array), so requests
// are issued directly rather than through x/oauth2.
type TwitchClient struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       string

	AuthURL  string // test override
	TokenURL string // test override
	HTTP     *http.Client
}

func (c *TwitchClient) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// AuthorizeURL builds the consent URL the user is redirected to.
func (c *TwitchClient) AuthorizeURL(state string) string {
	base := c.AuthURL
	if base == "" {
		base = DefaultTwitchAuthURL
	}
	q := url.Values{}
	q.Set("client_id", c.ClientID)
	q.Set("redirect_uri", c.RedirectURI)
	q.Set("response_type", "code")
	q.Set("scope", c.Scopes)
	q.Set("state", state)
	return base + "?" + q.Encode()
}

// Exchange trades an authorization code for tokens.
func (c *TwitchClient) Exchange(ctx context.Context, code string) (*Token, error) {
	return c.tokenRequest(ctx, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {c.RedirectURI},
	})
}

// Refresh trades a refresh token for a fresh token pair. Twitch rotates
// refresh tokens; callers must persist the returned one.
func (c *TwitchClient) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	return c.tokenRequest(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	})
}

func (c *TwitchClient) tokenRequest(ctx context.Context, form url.Values) (*Token, error) {
	endpoint := c.TokenURL
	if endpoint == "" {
		endpoint = DefaultTwitchTokenURL
	}
	form.Set("client_id", c.ClientID)
	form.Set("client_secret", c.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("twitch token request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("twitch token status %d: %s", resp.StatusCode, string(body))
	}

	var out struct {
		AccessToken  string   `json:"access_token"`
		RefreshToken string   `json:"refresh_token"`
		ExpiresIn    int      `json:"expires_in"`
		Scope        []string `json:"scope"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode twitch token: %w", err)
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("twitch token response missing access_token")
	}
	tok := &Token{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		Scopes:       strings.Join(out.Scope, " "),
	}
	if out.ExpiresIn > 0 {
		tok.ExpiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second).UTC()
	}
	return tok, nil
}
