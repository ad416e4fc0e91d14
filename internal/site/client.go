// Package site pushes synced records to the downstream site indexes. Every
// configured domain keeps its own index; calls are per-domain so the
// pipeline can track partial failures and retry only the domains that
// rejected a record.
package site

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/vodsync/vodsync/internal/config"
	"github.com/vodsync/vodsync/internal/model"
)

// Client talks to the site index API across all configured domains.
type Client struct {
	cfg  config.SiteConfig
	http *http.Client
}

// NewClient builds a site client from configuration.
func NewClient(cfg config.SiteConfig) *Client {
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Domains returns the configured site domains.
func (c *Client) Domains() []string {
	return c.cfg.Domains
}

type syncPayload struct {
	VideoID      string            `json:"video_id"`
	Title        string            `json:"title"`
	Metadata     map[string]string `json:"metadata"`
	EpisodeCount int               `json:"episode_count"`
	PathKey      string            `json:"path_key"`
}

type apiResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// UpsertItem publishes one record to a single domain's index. Publishing a
// record the domain already has returns success; the index treats it as a
// refresh.
func (c *Client) UpsertItem(ctx context.Context, domain string, rec *model.VideoRecord) error {
	payload := syncPayload{
		VideoID:      rec.ID,
		Title:        rec.Title,
		Metadata:     rec.Metadata,
		EpisodeCount: len(rec.Episodes),
		PathKey:      rec.EncryptedPath,
	}
	if err := c.post(ctx, domain, c.cfg.SyncEndpoint, payload); err != nil {
		return fmt.Errorf("site: upsert %s on %s: %w", rec.ID, domain, err)
	}
	return nil
}

// DeleteItem removes one record from a single domain's index. Deleting a
// record the domain never indexed returns success.
func (c *Client) DeleteItem(ctx context.Context, domain, videoID string) error {
	payload := map[string]interface{}{
		"video_id": videoID,
		"delete":   true,
	}
	if err := c.post(ctx, domain, c.cfg.CleanEndpoint, payload); err != nil {
		return fmt.Errorf("site: delete %s on %s: %w", videoID, domain, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, domain, endpoint string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	// Domains are usually bare hostnames; a full URL is accepted so local
	// deployments can point at plain-http endpoints.
	u := domain
	if !strings.Contains(u, "://") {
		u = "https://" + u
	}
	u += endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if out.Code != 0 {
		return fmt.Errorf("api code %d: %s", out.Code, out.Msg)
	}
	return nil
}
