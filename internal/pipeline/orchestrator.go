package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vodsync/vodsync/internal/model"
	"github.com/vodsync/vodsync/internal/state"
)

// Orchestrator runs whole passes over the corpus: discovery plus stage
// processing for scraper runs, targeted re-runs for fix runs, removal for
// clean runs.
type Orchestrator struct {
	engine *Engine
	deps   Deps
}

// NewOrchestrator builds an orchestrator over an engine.
func NewOrchestrator(engine *Engine) *Orchestrator {
	return &Orchestrator{engine: engine, deps: engine.deps}
}

// RunScraper performs one full sync pass: ingest new listing items into the
// state store, then advance every unfinished record through the pipeline.
// Item failures are counted in the summary, not returned; the error return
// is reserved for orchestration faults that stop the run itself.
func (o *Orchestrator) RunScraper(ctx context.Context) (*model.RunSummary, error) {
	sum := model.NewRunSummary(uuid.NewString(), model.RunScraper)

	if err := o.discover(ctx); err != nil {
		// Discovery stops at the failed page; the cursor was not advanced
		// past it, so the next run picks up there. Already-registered
		// records are still processed below.
		o.deps.Log.Warn("discovery stopped early", "err", err)
	}

	records, err := o.deps.State.QueryUnfinished(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipeline: load worklist: %w", err)
	}
	if err := o.processAll(ctx, sum, records, func(rec *model.VideoRecord) (model.Stage, bool) {
		return rec.FirstPendingStage()
	}); err != nil {
		return nil, err
	}

	return o.finish(ctx, sum)
}

// discover walks the source listing, registering every unseen item with all
// stages pending. The cursor records the last non-empty page; a run resumes
// AT that page, not past it, so items the source appends to an
// already-walked page are still picked up. Re-reading a page is harmless
// because registration is idempotent.
func (o *Orchestrator) discover(ctx context.Context) error {
	cursor, err := o.deps.State.GetMeta(ctx, state.MetaLastSyncedPage)
	if err != nil {
		return err
	}
	page := 1
	if cursor != "" {
		page, err = strconv.Atoi(cursor)
		if err != nil {
			return fmt.Errorf("corrupt cursor %q: %w", cursor, err)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := o.deps.Source.Page(ctx, page)
		if err != nil {
			return fmt.Errorf("list page %d: %w", page, err)
		}
		// An empty page ends the walk and is never recorded as the cursor:
		// the listing may grow into it later.
		if len(batch.Items) == 0 {
			return nil
		}
		for _, item := range batch.Items {
			exists, err := o.deps.State.Exists(ctx, item.ID)
			if err != nil {
				return err
			}
			if exists {
				continue
			}
			rec := model.NewVideoRecord(item.ID, item.Title)
			if err := o.deps.State.Upsert(ctx, rec); err != nil {
				return err
			}
			o.deps.Log.Info("registered new item", "video_id", item.ID, "title", item.Title)
		}
		if err := o.deps.State.SetMeta(ctx, state.MetaLastSyncedPage, strconv.Itoa(page)); err != nil {
			return err
		}
		page++

		// Polite pacing between listing requests.
		if o.deps.Config.ItemDelay > 0 {
			if err := sleepCtx(ctx, o.deps.Config.ItemDelay); err != nil {
				return err
			}
		}
	}
}

// processAll fans records out to a bounded worker pool. Records are
// disjoint units of work, so workers never contend on the same record.
// Cancellation stops dispatch; in-flight records finish their current stage
// and persist before the pool drains. An orchestration fault stops dispatch
// the same way and is returned; item failures are only tallied.
func (o *Orchestrator) processAll(ctx context.Context, sum *model.RunSummary, records []*model.VideoRecord, entry func(*model.VideoRecord) (model.Stage, bool)) error {
	workers := o.deps.Config.Workers
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	work := make(chan *model.VideoRecord)
	var mu sync.Mutex
	var wg sync.WaitGroup
	var fault error

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range work {
				from, ok := entry(rec)
				if !ok {
					mu.Lock()
					sum.RecordSkip()
					mu.Unlock()
					continue
				}
				stage, err := o.engine.ProcessRecord(ctx, rec, from)
				if err != nil && IsFault(err) {
					mu.Lock()
					if fault == nil {
						fault = err
					}
					mu.Unlock()
					cancel()
					continue
				}
				mu.Lock()
				if err != nil {
					sum.RecordFailure(stage)
				} else {
					sum.RecordSuccess()
				}
				mu.Unlock()
			}
		}()
	}

dispatch:
	for _, rec := range records {
		select {
		case <-ctx.Done():
			break dispatch
		case work <- rec:
		}
	}
	close(work)
	wg.Wait()
	return fault
}

// finish stamps the summary, persists it and logs the outcome.
func (o *Orchestrator) finish(ctx context.Context, sum *model.RunSummary) (*model.RunSummary, error) {
	sum.Duration = time.Since(sum.StartedAt)
	if err := o.deps.State.SaveRun(ctx, sum); err != nil {
		return nil, fmt.Errorf("pipeline: save run summary: %w", err)
	}
	o.deps.Log.Info("run complete",
		"run_id", sum.RunID, "kind", sum.Kind,
		"processed", sum.Processed, "succeeded", sum.Succeeded,
		"skipped", sum.Skipped, "failed", sum.Failed(),
		"duration", sum.Duration)
	return sum, nil
}
