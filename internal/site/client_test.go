package site

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vodsync/vodsync/internal/config"
	"github.com/vodsync/vodsync/internal/model"
)

func testClient(domains ...string) *Client {
	return NewClient(config.SiteConfig{
		Domains:       domains,
		APIToken:      "site-token",
		SyncEndpoint:  "/api/sync",
		CleanEndpoint: "/api/clean",
		Timeout:       5 * time.Second,
	})
}

func TestUpsertItem(t *testing.T) {
	var got syncPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/sync", r.URL.Path)
		require.Equal(t, "Bearer site-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(apiResponse{Code: 0})
	}))
	defer srv.Close()

	rec := model.NewVideoRecord("v1", "First")
	rec.Episodes = []string{"ep1", "ep2"}
	rec.EncryptedPath = "enc-key"

	c := testClient(srv.URL)
	require.NoError(t, c.UpsertItem(context.Background(), srv.URL, rec))
	assert.Equal(t, "v1", got.VideoID)
	assert.Equal(t, 2, got.EpisodeCount)
	assert.Equal(t, "enc-key", got.PathKey)
}

func TestUpsertItemAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(apiResponse{Code: 7, Msg: "index locked"})
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	err := c.UpsertItem(context.Background(), srv.URL, model.NewVideoRecord("v1", "First"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index locked")
}

func TestDeleteItem(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/clean", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(apiResponse{Code: 0})
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	require.NoError(t, c.DeleteItem(context.Background(), srv.URL, "v1"))
	assert.Equal(t, "v1", got["video_id"])
}

func TestDeleteItemHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	err := c.DeleteItem(context.Background(), srv.URL, "v1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}
