// Package pipeline drives records through the sync stages: fetch,
// persist_metadata, upload_primary, upload_secondary, site_sync. Progress
// is committed to the state store after every stage transition, so a crash
// at any point resumes from the first non-success stage.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/vodsync/vodsync/internal/config"
	"github.com/vodsync/vodsync/internal/model"
	"github.com/vodsync/vodsync/internal/source"
	"github.com/vodsync/vodsync/internal/state"
	"github.com/vodsync/vodsync/internal/storage"
)

// SourceAPI is the slice of the source client the stage executors need.
type SourceAPI interface {
	Details(ctx context.Context, id string) (*source.Detail, error)
	Page(ctx context.Context, page int) (*source.Batch, error)
	Playlist(ctx context.Context, url string) (*source.Asset, error)
	Asset(ctx context.Context, url string) (*source.Asset, error)
}

// SiteAPI is the slice of the site client the stage executors need.
type SiteAPI interface {
	Domains() []string
	UpsertItem(ctx context.Context, domain string, rec *model.VideoRecord) error
	DeleteItem(ctx context.Context, domain, videoID string) error
}

// Catalog is the slice of the metadata database the stage executors need.
type Catalog interface {
	Upsert(ctx context.Context, rec *model.VideoRecord) error
	Delete(ctx context.Context, videoID string) error
}

// StoreBinding pairs an object store with its key layout.
type StoreBinding struct {
	Store storage.ObjectStore
	Keys  *keyBuilder
}

// NewStoreBinding derives a binding from store configuration.
func NewStoreBinding(st storage.ObjectStore, cfg config.StoreConfig) (StoreBinding, error) {
	keys, err := newKeyBuilder(cfg.KeyPrefix, cfg.EncryptionKey)
	if err != nil {
		return StoreBinding{}, fmt.Errorf("pipeline: key layout for %s: %w", st.Name(), err)
	}
	return StoreBinding{Store: st, Keys: keys}, nil
}

// Deps collects everything the engine needs. All fields are required.
type Deps struct {
	State     *state.Store
	Catalog   Catalog
	Source    SourceAPI
	Site      SiteAPI
	Primary   StoreBinding
	Secondary StoreBinding
	Config    config.PipelineConfig
	Log       *slog.Logger
}

// Engine executes stages for individual records. It is safe for concurrent
// use: workers operate on disjoint records and the state store serializes
// writes.
type Engine struct {
	deps   Deps
	runner *runner
}

// NewEngine builds the stage engine.
func NewEngine(deps Deps) *Engine {
	return &Engine{
		deps: deps,
		runner: newRunner(deps.Config.MaxAttempts,
			deps.Config.InitialBackoff, deps.Config.MaxBackoff, deps.Log),
	}
}

// ProcessRecord advances one record from the given stage through the end of
// the pipeline. Progress is persisted after every stage. Returns the stage
// that failed and the failure, or ("", nil) when the record completed.
func (e *Engine) ProcessRecord(ctx context.Context, rec *model.VideoRecord, from model.Stage) (model.Stage, error) {
	for _, stage := range model.StagesFrom(from) {
		if rec.StageDone(stage) {
			continue
		}
		if !rec.Eligible(stage) {
			return stage, Fatalf("stage %s blocked: earlier stage incomplete", stage)
		}
		err := e.runner.do(ctx, rec, stage, func(ctx context.Context) error {
			return e.execute(ctx, rec, stage)
		})
		if perr := e.deps.State.Upsert(ctx, rec); perr != nil {
			// A progress write failing is a fault of the run itself, not
			// of this item's collaborator.
			return stage, Fault(fmt.Errorf("persist progress for %s: %w", rec.ID, perr))
		}
		if err != nil {
			return stage, err
		}
		e.deps.Log.Info("stage complete", "video_id", rec.ID, "stage", stage)
	}
	return "", nil
}

func (e *Engine) execute(ctx context.Context, rec *model.VideoRecord, stage model.Stage) error {
	switch stage {
	case model.StageFetch:
		return e.fetch(ctx, rec)
	case model.StagePersistMetadata:
		return e.persistMetadata(ctx, rec)
	case model.StageUploadPrimary:
		return e.upload(ctx, rec, e.deps.Primary)
	case model.StageUploadSecondary:
		return e.upload(ctx, rec, e.deps.Secondary)
	case model.StageSiteSync:
		return e.siteSync(ctx, rec)
	default:
		return Fatalf("unknown stage %q", stage)
	}
}

// fetch pulls the full detail payload and fills the record's descriptive
// fields. Re-running refreshes them; the source remains authoritative for
// titles and episode lists until the record is fully synced.
func (e *Engine) fetch(ctx context.Context, rec *model.VideoRecord) error {
	d, err := e.deps.Source.Details(ctx, rec.ID)
	if err != nil {
		return Retryable(err)
	}
	if d.Title != "" {
		rec.Title = d.Title
	}
	rec.Episodes = d.Episodes
	rec.Cover = d.Cover
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]string)
	}
	rec.Metadata["desc"] = d.Description
	rec.Metadata["download_url"] = d.DownloadURL
	rec.Metadata["free_watch_episodes"] = strconv.Itoa(d.FreeWatchEpisodes)

	raw, enc, err := e.deps.Primary.Keys.basePath(rec)
	if err != nil {
		return Fatal(err)
	}
	rec.RawPath = raw
	rec.EncryptedPath = enc
	return nil
}

func (e *Engine) persistMetadata(ctx context.Context, rec *model.VideoRecord) error {
	if err := e.deps.Catalog.Upsert(ctx, rec); err != nil {
		return Retryable(err)
	}
	return nil
}

// upload pushes the cover and every episode playlist to one store. Each
// object is head-checked first so a repeated run only transfers what is
// missing, and head-verified after the put so success means the bytes are
// really there. A record with no episodes still mirrors its cover; a
// record with nothing to mirror succeeds vacuously.
func (e *Engine) upload(ctx context.Context, rec *model.VideoRecord, b StoreBinding) error {
	if rec.Cover != "" {
		key, err := b.Keys.coverKey(rec)
		if err != nil {
			return Fatal(err)
		}
		if err := e.putIfAbsent(ctx, b, key, func(ctx context.Context) (*source.Asset, error) {
			return e.deps.Source.Asset(ctx, rec.Cover)
		}); err != nil {
			return err
		}
	}

	for i, epURL := range rec.Episodes {
		key, err := b.Keys.episodeKey(rec, i+1)
		if err != nil {
			return Fatal(err)
		}
		url := epURL
		if err := e.putIfAbsent(ctx, b, key, func(ctx context.Context) (*source.Asset, error) {
			return e.deps.Source.Playlist(ctx, url)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) putIfAbsent(ctx context.Context, b StoreBinding, key string, fetch func(context.Context) (*source.Asset, error)) error {
	_, exists, err := b.Store.Head(ctx, key)
	if err != nil {
		return Retryablef("head %s on %s: %w", key, b.Store.Name(), err)
	}
	if exists {
		return nil
	}

	asset, err := fetch(ctx)
	if err != nil {
		return Retryable(err)
	}
	obj := storage.Object{Key: key, Body: asset.Body, ContentType: asset.ContentType}
	if err := b.Store.Put(ctx, obj); err != nil {
		return Retryablef("put %s on %s: %w", key, b.Store.Name(), err)
	}

	info, exists, err := b.Store.Head(ctx, key)
	if err != nil {
		return Retryablef("verify %s on %s: %w", key, b.Store.Name(), err)
	}
	if !exists {
		return Retryablef("verify %s on %s: object missing after put", key, b.Store.Name())
	}
	if info.Size != int64(len(asset.Body)) {
		return Retryablef("verify %s on %s: size %d, want %d",
			key, b.Store.Name(), info.Size, len(asset.Body))
	}
	return nil
}

// siteSync publishes the record to every configured domain. The stage
// succeeds only when all domains acknowledge; partial failures are recorded
// in the stage reason and retried as a whole, which is safe because a
// duplicate upsert is a refresh.
func (e *Engine) siteSync(ctx context.Context, rec *model.VideoRecord) error {
	var failed []string
	for _, domain := range e.deps.Site.Domains() {
		if err := e.deps.Site.UpsertItem(ctx, domain, rec); err != nil {
			e.deps.Log.Warn("site upsert failed",
				"video_id", rec.ID, "domain", domain, "err", err)
			failed = append(failed, domain)
		}
	}
	if len(failed) > 0 {
		return Retryablef("site sync failed on domains %v", failed)
	}
	return nil
}
