package youtubechat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

func newTestService(t *testing.T, srv *httptest.Server) *youtube.Service {
	t.Helper()
	svc, err := youtube.NewService(context.Background(),
		option.WithEndpoint(srv.URL),
		option.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("build service: %v", err)
	}
	return svc
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": msg},
	})
}

func TestResolveLiveChatIDFromConfiguredVideo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/videos") {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("id"); got != "vid-1" {
			t.Errorf("video id = %q", got)
		}
		writeJSON(w, map[string]any{
			"items": []map[string]any{
				{"liveStreamingDetails": map[string]any{"activeLiveChatId": "chat-1"}},
			},
		})
	}))
	defer srv.Close()

	var stored string
	p := &Poller{
		LookupIDs:   func(context.Context) (string, string, error) { return "vid-1", "", nil },
		StoreChatID: func(_ context.Context, id string) error { stored = id; return nil },
	}
	p.defaults()

	chatID, err := p.resolveLiveChatID(context.Background(), newTestService(t, srv))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if chatID != "chat-1" || stored != "chat-1" {
		t.Fatalf("chatID = %q, stored = %q", chatID, stored)
	}
}

func TestResolveLiveChatIDSkipsDiscoveryWhenStored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no API call expected, got %s", r.URL.Path)
	}))
	defer srv.Close()

	p := &Poller{
		LookupIDs: func(context.Context) (string, string, error) { return "vid-1", "chat-cached", nil },
	}
	p.defaults()

	chatID, err := p.resolveLiveChatID(context.Background(), newTestService(t, srv))
	if err != nil || chatID != "chat-cached" {
		t.Fatalf("chatID = %q, err = %v", chatID, err)
	}
}

func TestResolveLiveChatIDViaLiveSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/channels"):
			if r.URL.Query().Get("mine") != "true" {
				t.Errorf("channels mine = %q", r.URL.Query().Get("mine"))
			}
			writeJSON(w, map[string]any{
				"items": []map[string]any{{"id": "UCme"}},
			})
		case strings.Contains(r.URL.Path, "/search"):
			// forMine cannot be combined with eventType; the lookup must go
			// through the resolved channel id.
			if r.URL.Query().Get("forMine") != "" {
				t.Errorf("search sent forMine = %q", r.URL.Query().Get("forMine"))
			}
			if r.URL.Query().Get("channelId") != "UCme" {
				t.Errorf("search channelId = %q", r.URL.Query().Get("channelId"))
			}
			if r.URL.Query().Get("eventType") != "live" {
				t.Errorf("eventType = %q", r.URL.Query().Get("eventType"))
			}
			writeJSON(w, map[string]any{
				"items": []map[string]any{{"id": map[string]any{"videoId": "vid-found"}}},
			})
		case strings.Contains(r.URL.Path, "/videos"):
			if got := r.URL.Query().Get("id"); got != "vid-found" {
				t.Errorf("video id = %q", got)
			}
			writeJSON(w, map[string]any{
				"items": []map[string]any{
					{"liveStreamingDetails": map[string]any{"activeLiveChatId": "chat-2"}},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := &Poller{
		LookupIDs:   func(context.Context) (string, string, error) { return "", "", nil },
		StoreChatID: func(context.Context, string) error { return nil },
	}
	p.defaults()

	chatID, err := p.resolveLiveChatID(context.Background(), newTestService(t, srv))
	if err != nil || chatID != "chat-2" {
		t.Fatalf("chatID = %q, err = %v", chatID, err)
	}
}

func chatItem(channel, name, text string) map[string]any {
	return map[string]any{
		"snippet":       map[string]any{"displayMessage": text},
		"authorDetails": map[string]any{"channelId": channel, "displayName": name},
	}
}

// TestPollBackoffKeepsPageToken drives the poll loop through a success, a
// quota error, a retry with the same cursor, and finally a 404 ending the
// session.
func TestPollBackoffKeepsPageToken(t *testing.T) {
	var mu sync.Mutex
	call := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/liveChat/messages") {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		call++
		n := call
		mu.Unlock()

		token := r.URL.Query().Get("pageToken")
		switch n {
		case 1:
			if token != "" {
				t.Errorf("first poll pageToken = %q", token)
			}
			writeJSON(w, map[string]any{
				"items":                 []map[string]any{chatItem("UC1", "Ana", "!join"), chatItem("UC2", "Bea", "hello")},
				"nextPageToken":         "p2",
				"pollingIntervalMillis": 1,
			})
		case 2:
			if token != "p2" {
				t.Errorf("second poll pageToken = %q", token)
			}
			writeAPIError(w, 403, "quotaExceeded")
		case 3:
			// Cursor must survive the backoff.
			if token != "p2" {
				t.Errorf("retry pageToken = %q", token)
			}
			writeJSON(w, map[string]any{
				"items":         []map[string]any{chatItem("UC3", "Cid", "hey")},
				"nextPageToken": "p3",
			})
		default:
			writeAPIError(w, 404, "liveChatEnded")
		}
	}))
	defer srv.Close()

	var got []Message
	p := &Poller{
		Handle:     func(_ context.Context, m Message) { got = append(got, m) },
		PollFloor:  2 * time.Millisecond,
		BackoffCap: 10 * time.Millisecond,
	}
	p.defaults()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.poll(ctx, newTestService(t, srv), "chat-1")
	if !errors.Is(err, errChatGone) {
		t.Fatalf("poll err = %v, want errChatGone", err)
	}
	if len(got) != 3 {
		t.Fatalf("messages = %d, want 3: %+v", len(got), got)
	}
	if got[0].DisplayName != "Ana" || got[1].ChannelID != "UC2" || got[2].Text != "hey" {
		t.Fatalf("unexpected messages: %+v", got)
	}
}

func TestPollSkipsAuthorlessMessages(t *testing.T) {
	call := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call++
		if call == 1 {
			writeJSON(w, map[string]any{
				"items": []map[string]any{
					{"snippet": map[string]any{"displayMessage": "system notice"}},
					chatItem("UC9", "Dee", "ok"),
				},
			})
			return
		}
		writeAPIError(w, 404, "liveChatEnded")
	}))
	defer srv.Close()

	var got []Message
	p := &Poller{
		Handle:    func(_ context.Context, m Message) { got = append(got, m) },
		PollFloor: time.Millisecond,
	}
	p.defaults()

	_ = p.poll(context.Background(), newTestService(t, srv), "chat-1")
	if len(got) != 1 || got[0].ChannelID != "UC9" {
		t.Fatalf("messages = %+v", got)
	}
}

func TestRunIdlesWithoutToken(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetches := make(chan struct{}, 8)

	p := &Poller{
		Fetch:       func(context.Context) (string, error) { fetches <- struct{}{}; return "", nil },
		LookupIDs:   func(context.Context) (string, string, error) { return "", "", nil },
		IdleRecheck: 5 * time.Millisecond,
	}
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	for i := 0; i < 3; i++ {
		select {
		case <-fetches:
		case <-time.After(time.Second):
			t.Fatal("poller stopped rechecking credentials")
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
