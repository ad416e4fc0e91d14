package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vodsync/vodsync/internal/source"
	"github.com/vodsync/vodsync/internal/state"
)

// TokenSource wraps the source client with token lifecycle handling: the
// token is cached in the state store across runs, and a request rejected
// with an expired token triggers one re-login and one retry. The mutex
// serializes re-login so concurrent workers do not stampede the login
// endpoint.
type TokenSource struct {
	mu     sync.Mutex
	client *source.Client
	state  *state.Store
}

func NewTokenSource(client *source.Client, st *state.Store) *TokenSource {
	return &TokenSource{client: client, state: st}
}

// ensure installs a usable token: the cached one if present, a fresh login
// otherwise.
func (t *TokenSource) ensure(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client.Token() != "" {
		return nil
	}
	cached, err := t.state.GetMeta(ctx, state.MetaAPIToken)
	if err != nil {
		return err
	}
	if cached != "" {
		t.client.SetToken(cached)
		return nil
	}
	return t.relogin(ctx)
}

// relogin must be called with the mutex held.
func (t *TokenSource) relogin(ctx context.Context) error {
	token, err := t.client.Login(ctx)
	if err != nil {
		return fmt.Errorf("refresh api token: %w", err)
	}
	return t.state.SetMeta(ctx, state.MetaAPIToken, token)
}

// withAuth runs fn, performing one re-login and retry if the token was
// rejected.
func (t *TokenSource) withAuth(ctx context.Context, fn func() error) error {
	if err := t.ensure(ctx); err != nil {
		return err
	}
	err := fn()
	if !errors.Is(err, source.ErrTokenExpired) {
		return err
	}
	t.mu.Lock()
	if err := t.relogin(ctx); err != nil {
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()
	return fn()
}

// Details fetches the full payload for one item, refreshing the token if
// needed.
func (t *TokenSource) Details(ctx context.Context, id string) (*source.Detail, error) {
	var d *source.Detail
	err := t.withAuth(ctx, func() error {
		var err error
		d, err = t.client.FetchDetails(ctx, id)
		return err
	})
	return d, err
}

// Page fetches one listing page, refreshing the token if needed.
func (t *TokenSource) Page(ctx context.Context, page int) (*source.Batch, error) {
	var b *source.Batch
	err := t.withAuth(ctx, func() error {
		var err error
		b, err = t.client.FetchBatch(ctx, page)
		return err
	})
	return b, err
}

// Playlist downloads and rewrites one m3u8 playlist. No token involved.
func (t *TokenSource) Playlist(ctx context.Context, url string) (*source.Asset, error) {
	return t.client.FetchPlaylist(ctx, url)
}

// Asset downloads one remote asset. No token involved.
func (t *TokenSource) Asset(ctx context.Context, url string) (*source.Asset, error) {
	return t.client.FetchAsset(ctx, url)
}
