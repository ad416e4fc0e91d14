// Package source implements the client for the third-party video API: token
// login, cursor-paginated listing, per-item detail lookup and asset download.
// The pipeline only relies on stable item identifiers and monotonic
// pagination; response payloads are carried through opaquely.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/vodsync/vodsync/internal/config"
)

// ErrTokenExpired signals that the cached API token was rejected and a
// re-login is needed before retrying the request.
var ErrTokenExpired = errors.New("source: api token expired")

const (
	codeOK           = 0
	codeTokenExpired = 402
)

// Item is one listing entry from the source API.
type Item struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Detail is the full payload for one item.
type Detail struct {
	ID                string   `json:"id"`
	Title             string   `json:"title"`
	Episodes          []string `json:"video_list"`
	Cover             string   `json:"cover"`
	DownloadURL       string   `json:"download_url"`
	Description       string   `json:"desc"`
	FreeWatchEpisodes int      `json:"free_watch_episodes"`
}

// Batch is one page of listing results plus the listing-wide total. An
// empty Items slice means the walk ran past the end of the listing.
type Batch struct {
	Items []Item
	Total int
}

// Client talks to the source API. Safe for concurrent use: the token is
// mutex-guarded because a re-login can land while sibling workers have
// fetches in flight.
type Client struct {
	cfg  config.SourceConfig
	http *http.Client

	mu    sync.RWMutex
	token string
}

// NewClient builds a source client from configuration.
func NewClient(cfg config.SourceConfig) *Client {
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// SetToken installs a previously cached token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current token, for caching across runs.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Login authenticates and installs a fresh token.
func (c *Client) Login(ctx context.Context) (string, error) {
	payload := map[string]string{
		"user_name": c.cfg.Username,
		"password":  c.cfg.Password,
		"domain":    c.cfg.Domain,
	}
	var resp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := c.postJSON(ctx, c.cfg.LoginEndpoint, payload, false, &resp); err != nil {
		return "", fmt.Errorf("source: login: %w", err)
	}
	if resp.Code != codeOK || resp.Data.Token == "" {
		return "", fmt.Errorf("source: login rejected: %s", resp.Msg)
	}
	c.SetToken(resp.Data.Token)
	return resp.Data.Token, nil
}

// FetchBatch returns one page of items. Page numbers start at 1.
func (c *Client) FetchBatch(ctx context.Context, page int) (*Batch, error) {
	if c.Token() == "" {
		return nil, ErrTokenExpired
	}
	payload := map[string]int{
		"page":      page,
		"page_size": c.cfg.PageSize,
	}
	var resp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			Total int    `json:"total"`
			List  []Item `json:"list"`
		} `json:"data"`
	}
	if err := c.postJSON(ctx, c.cfg.ListEndpoint, payload, true, &resp); err != nil {
		return nil, fmt.Errorf("source: fetch page %d: %w", page, err)
	}
	switch resp.Code {
	case codeOK:
		return &Batch{Items: resp.Data.List, Total: resp.Data.Total}, nil
	case codeTokenExpired:
		return nil, ErrTokenExpired
	default:
		return nil, fmt.Errorf("source: fetch page %d: api code %d: %s", page, resp.Code, resp.Msg)
	}
}

// FetchDetails returns the full payload for one item id.
func (c *Client) FetchDetails(ctx context.Context, id string) (*Detail, error) {
	if c.Token() == "" {
		return nil, ErrTokenExpired
	}
	payload := map[string]string{
		"id":        id,
		"lang_code": "en",
	}
	var resp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			List []Detail `json:"list"`
		} `json:"data"`
	}
	if err := c.postJSON(ctx, c.cfg.DetailEndpoint, payload, true, &resp); err != nil {
		return nil, fmt.Errorf("source: details %s: %w", id, err)
	}
	switch resp.Code {
	case codeOK:
		if len(resp.Data.List) == 0 {
			return nil, fmt.Errorf("source: details %s: empty payload", id)
		}
		d := resp.Data.List[0]
		if d.ID == "" {
			d.ID = id
		}
		return &d, nil
	case codeTokenExpired:
		return nil, ErrTokenExpired
	default:
		return nil, fmt.Errorf("source: details %s: api code %d: %s", id, resp.Code, resp.Msg)
	}
}

// Asset is a downloaded remote asset ready for upload.
type Asset struct {
	Body        []byte
	ContentType string
}

// FetchAsset downloads a remote asset (cover image or raw playlist) by URL.
func (c *Client) FetchAsset(ctx context.Context, assetURL string) (*Asset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetURL, nil)
	if err != nil {
		return nil, fmt.Errorf("source: asset request %s: %w", assetURL, err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source: fetch asset %s: %w", assetURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source: fetch asset %s: status %d", assetURL, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("source: read asset %s: %w", assetURL, err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("source: asset %s is empty", assetURL)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	return &Asset{Body: body, ContentType: ct}, nil
}

// FetchPlaylist downloads an m3u8 playlist and rewrites relative segment
// references to absolute URLs so the stored copy stays playable from the
// original CDN.
func (c *Client) FetchPlaylist(ctx context.Context, playlistURL string) (*Asset, error) {
	asset, err := c.FetchAsset(ctx, playlistURL)
	if err != nil {
		return nil, err
	}
	rewritten, err := AbsolutizeSegments(string(asset.Body), playlistURL)
	if err != nil {
		return nil, err
	}
	return &Asset{
		Body:        []byte(rewritten),
		ContentType: "application/vnd.apple.mpegurl",
	}, nil
}

// AbsolutizeSegments converts relative TS segment lines of an m3u8 document
// into absolute URLs against the playlist's own URL. Comment and tag lines
// pass through untouched.
func AbsolutizeSegments(playlist, baseURL string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("source: parse playlist url: %w", err)
	}
	lines := strings.Split(playlist, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if !strings.HasSuffix(trimmed, ".ts") && !strings.Contains(trimmed, "/ts?") {
			continue
		}
		if strings.HasPrefix(trimmed, "http") {
			lines[i] = trimmed
			continue
		}
		ref, err := url.Parse(trimmed)
		if err != nil {
			continue
		}
		lines[i] = base.ResolveReference(ref).String()
	}
	return strings.Join(lines, "\n"), nil
}

func (c *Client) postJSON(ctx context.Context, endpoint string, payload interface{}, withToken bool, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if withToken {
		req.Header.Set("X-Api-Token", c.Token())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
