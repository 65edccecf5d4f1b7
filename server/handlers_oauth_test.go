package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/onnwee/liveroll/backend/db"
	"github.com/onnwee/liveroll/backend/oauth"
	"github.com/onnwee/liveroll/backend/testutil"
)

func TestTwitchLinkFlow(t *testing.T) {
	h, srv, dbx := newTestServer(t)
	userID := testutil.CreateTestUser(t, dbx)

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostForm.Get("code") != "code-1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "linked-access",
			"refresh_token": "linked-refresh",
			"expires_in":    3600,
			"scope":         []string{"chat:read"},
		})
	}))
	defer tokenSrv.Close()
	helixSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"id": "tw-99", "login": "streamer"}},
		})
	}))
	defer helixSrv.Close()

	h.Twitch = &oauth.TwitchClient{
		ClientID: "cid", ClientSecret: "sec", RedirectURI: "https://cb", Scopes: "chat:read",
		TokenURL: tokenSrv.URL, HTTP: http.DefaultClient,
	}
	h.HelixURL = helixSrv.URL

	// Start: capture the state from the redirect without following it.
	noRedirect := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := noRedirect.Get(fmt.Sprintf("%s/auth/twitch/start?user_id=%d", srv.URL, userID))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	state := loc.Query().Get("state")
	if state == "" {
		t.Fatal("redirect missing state")
	}

	// Callback exchanges the code and stores the account.
	resp, err = http.Get(fmt.Sprintf("%s/auth/twitch/callback?code=code-1&state=%s", srv.URL, state))
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback status = %d", resp.StatusCode)
	}

	acc, err := db.GetOAuthAccount(context.Background(), dbx, userID, db.ProviderTwitch)
	if err != nil || acc == nil {
		t.Fatalf("account = %+v err = %v", acc, err)
	}
	if acc.AccessToken != "linked-access" || acc.ProviderUserID != "tw-99" {
		t.Fatalf("stored account = %+v", acc)
	}

	// State is single-use.
	resp, _ = http.Get(fmt.Sprintf("%s/auth/twitch/callback?code=code-1&state=%s", srv.URL, state))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("state reuse status = %d, want 400", resp.StatusCode)
	}
}

func TestLinkStartRequiresUser(t *testing.T) {
	h, srv, _ := newTestServer(t)
	h.Twitch = &oauth.TwitchClient{ClientID: "cid"}

	resp, err := http.Get(srv.URL + "/auth/twitch/start")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
