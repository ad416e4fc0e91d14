package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vodsync/vodsync/internal/config"
)

func testConfig(baseURL string) config.SourceConfig {
	return config.SourceConfig{
		BaseURL:        baseURL,
		ListEndpoint:   "/api/video/list",
		DetailEndpoint: "/api/video/detail",
		LoginEndpoint:  "/api/user/login",
		Username:       "sync-bot",
		Password:       "hunter2",
		Domain:         "example.com",
		PageSize:       2,
		Timeout:        5 * time.Second,
		UserAgent:      "vodsync-test",
	}
}

func TestLoginInstallsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/user/login", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "sync-bot", body["user_name"])
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 0,
			"data": map[string]string{"token": "tok-123"},
		})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	token, err := c.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-123", token)
	assert.Equal(t, "tok-123", c.Token())
}

func TestLoginRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"code": 1, "msg": "bad credentials"})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.Login(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad credentials")
}

func TestFetchBatchPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "tok-123", r.Header.Get("X-Api-Token"))
		var body map[string]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		resp := map[string]interface{}{"code": 0}
		if body["page"] == 1 {
			resp["data"] = map[string]interface{}{
				"total": 3,
				"list": []map[string]string{
					{"id": "v1", "title": "First"},
					{"id": "v2", "title": "Second"},
				},
			}
		} else {
			resp["data"] = map[string]interface{}{"total": 3, "list": []map[string]string{}}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	c.SetToken("tok-123")

	batch, err := c.FetchBatch(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, batch.Items, 2)
	assert.Equal(t, "v1", batch.Items[0].ID)
	assert.Equal(t, 3, batch.Total)

	batch, err = c.FetchBatch(context.Background(), 2)
	require.NoError(t, err)
	assert.Empty(t, batch.Items)
}

func TestFetchBatchTokenExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"code": 402, "msg": "token expired"})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	c.SetToken("stale")
	_, err := c.FetchBatch(context.Background(), 1)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestFetchBatchWithoutToken(t *testing.T) {
	c := NewClient(testConfig("http://unused"))
	_, err := c.FetchBatch(context.Background(), 1)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestTokenSafeUnderConcurrentRelogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/user/login" {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"code": 0,
				"data": map[string]string{"token": "tok-fresh"},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 0,
			"data": map[string]interface{}{
				"list": []map[string]interface{}{{"id": "v1", "title": "First"}},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	c.SetToken("tok-initial")

	// A re-login can land while sibling workers have fetches in flight;
	// run both paths concurrently so the race detector has a chance to bite.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := c.FetchDetails(context.Background(), "v1")
				assert.NoError(t, err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 10; j++ {
			_, err := c.Login(context.Background())
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	assert.Equal(t, "tok-fresh", c.Token())
}

func TestFetchDetails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/video/detail", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 0,
			"data": map[string]interface{}{
				"list": []map[string]interface{}{{
					"id":                  "v1",
					"title":               "First",
					"video_list":          []string{"https://cdn/ep1.m3u8", "https://cdn/ep2.m3u8"},
					"cover":               "https://cdn/cover.jpg",
					"free_watch_episodes": 1,
				}},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	c.SetToken("tok-123")
	d, err := c.FetchDetails(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, "First", d.Title)
	assert.Len(t, d.Episodes, 2)
	assert.Equal(t, 1, d.FreeWatchEpisodes)
}

func TestFetchPlaylistAbsolutizesSegments(t *testing.T) {
	const playlist = "#EXTM3U\n#EXT-X-TARGETDURATION:10\n#EXTINF:9.8,\nseg/001.ts\n#EXTINF:9.8,\nhttps://other.cdn/002.ts\n#EXT-X-ENDLIST\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(playlist))
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	asset, err := c.FetchPlaylist(context.Background(), srv.URL+"/videos/v1/origin.m3u8")
	require.NoError(t, err)

	got := string(asset.Body)
	assert.Contains(t, got, srv.URL+"/videos/v1/seg/001.ts")
	assert.Contains(t, got, "https://other.cdn/002.ts")
	assert.Contains(t, got, "#EXT-X-ENDLIST")
}

func TestFetchAssetRejectsEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.FetchAsset(context.Background(), srv.URL+"/cover.jpg")
	assert.Error(t, err)
}
