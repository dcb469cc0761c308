// Package streamapi contains minimal helpers to interact with the stream
// platform API for live status, channel metadata and playlist URL
// resolution, using an app access token.
package streamapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	defaultBaseURL  = "https://api.twitch.tv/helix"
	defaultUsherURL = "https://usher.ttvnw.net"
	defaultTokenURL = "https://id.twitch.tv/oauth2/token"
)

// Client provides the API surface the recorder needs.
type Client struct {
	ClientID   string
	HTTPClient *http.Client
	// BaseURL and UsherURL are overridable for tests.
	BaseURL  string
	UsherURL string
	Token    oauth2.TokenSource
}

// NewClient builds a Client backed by the client-credentials grant.
// tokenURL falls back to the platform default when empty.
func NewClient(clientID, clientSecret, tokenURL string, hc *http.Client) *Client {
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	cc := &clientcredentials.Config{ClientID: clientID, ClientSecret: clientSecret, TokenURL: tokenURL}
	ctx := context.Background()
	if hc != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, hc)
	}
	return &Client{
		ClientID:   clientID,
		HTTPClient: hc,
		Token:      cc.TokenSource(ctx),
	}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return defaultBaseURL
}

func (c *Client) bearer() (string, error) {
	if c.Token == nil {
		return "", nil
	}
	tok, err := c.Token.Token()
	if err != nil {
		return "", fmt.Errorf("app token: %w", err)
	}
	return tok.AccessToken, nil
}

// Stream is the live-status record for a channel.
type Stream struct {
	ID        string
	UserID    string
	UserLogin string
	UserName  string
	GameID    string
	GameName  string
	Title     string
	StartedAt time.Time
}

// GetStream returns the live stream for a login, or nil when offline.
func (c *Client) GetStream(ctx context.Context, login string) (*Stream, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	tok, err := c.bearer()
	if err != nil {
		return nil, err
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/streams", nil)
	q := req.URL.Query()
	q.Set("user_login", login)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", c.ClientID)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("streams request: status %d", resp.StatusCode)
	}
	var body struct {
		Data []struct {
			ID        string `json:"id"`
			UserID    string `json:"user_id"`
			UserLogin string `json:"user_login"`
			UserName  string `json:"user_name"`
			GameID    string `json:"game_id"`
			GameName  string `json:"game_name"`
			Title     string `json:"title"`
			StartedAt string `json:"started_at"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, nil
	}
	d := body.Data[0]
	s := &Stream{ID: d.ID, UserID: d.UserID, UserLogin: d.UserLogin, UserName: d.UserName, GameID: d.GameID, GameName: d.GameName, Title: d.Title}
	if t, err := time.Parse(time.RFC3339, d.StartedAt); err == nil {
		s.StartedAt = t
	}
	return s, nil
}

// GetUserID resolves a login name to its user ID.
func (c *Client) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	tok, err := c.bearer()
	if err != nil {
		return "", err
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/users", nil)
	q := req.URL.Query()
	q.Set("login", login)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", c.ClientID)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

// PlaylistURL builds the multivariant playlist URL for a channel's live
// stream.
func (c *Client) PlaylistURL(login string) string {
	base := c.UsherURL
	if base == "" {
		base = defaultUsherURL
	}
	q := url.Values{}
	q.Set("allow_source", "true")
	q.Set("allow_audio_only", "true")
	q.Set("fast_bread", "true")
	return fmt.Sprintf("%s/api/channel/hls/%s.m3u8?%s", base, strings.ToLower(login), q.Encode())
}

// GameSlug derives a URL slug from a game name.
func GameSlug(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r == ' ' || r == '-' || r == '_':
			return '-'
		default:
			return -1
		}
	}, s)
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	return strings.Trim(s, "-")
}
