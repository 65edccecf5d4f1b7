package twitchchat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultHelixURL is the production Helix API base.
const DefaultHelixURL = "https://api.twitch.tv/helix"

// User is the subset of Helix GET /users needed to resolve the channel.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// FetchSelf resolves the token owner's login and id via Helix GET /users
// (no query params returns the authenticated user). The login doubles as the
// channel name the adapter joins.
func FetchSelf(ctx context.Context, client *http.Client, baseURL, clientID, token string) (*User, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if baseURL == "" {
		baseURL = DefaultHelixURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/users", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Client-Id", clientID)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("helix users request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("helix users status %d: %s", resp.StatusCode, string(body))
	}
	var out struct {
		Data []User `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode helix users: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("helix users returned no user for token")
	}
	return &out.Data[0], nil
}
