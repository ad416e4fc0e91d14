package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/vodsync/vodsync/internal/model"
)

// RunSiteClean removes every record flagged for removal from all site
// indexes and the catalog, then marks it deleted. The deleted flag is
// terminal: once set the record never re-enters a worklist, so a record is
// cleaned at most once even across repeated runs. A record is only marked
// deleted after every domain acknowledged the removal; a partial failure
// leaves it pending and the next clean run retries, which is safe because
// deleting an absent index entry succeeds.
func (o *Orchestrator) RunSiteClean(ctx context.Context) (*model.RunSummary, error) {
	sum := model.NewRunSummary(uuid.NewString(), model.RunSiteClean)

	records, err := o.deps.State.QueryPendingRemoval(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipeline: load removal worklist: %w", err)
	}
	o.deps.Log.Info("clean run starting", "records", len(records))

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			break
		}
		if err := o.cleanRecord(ctx, rec); err != nil {
			if IsFault(err) {
				return nil, err
			}
			o.deps.Log.Warn("clean failed", "video_id", rec.ID, "err", err)
			sum.RecordFailure(model.StageSiteSync)
			continue
		}
		sum.RecordSuccess()
	}

	return o.finish(ctx, sum)
}

func (o *Orchestrator) cleanRecord(ctx context.Context, rec *model.VideoRecord) error {
	for _, domain := range o.deps.Site.Domains() {
		if err := o.deps.Site.DeleteItem(ctx, domain, rec.ID); err != nil {
			return err
		}
	}
	if err := o.deps.Catalog.Delete(ctx, rec.ID); err != nil {
		return err
	}
	rec.Deleted = true
	if err := o.deps.State.Upsert(ctx, rec); err != nil {
		return Fault(fmt.Errorf("persist deleted flag for %s: %w", rec.ID, err))
	}
	o.deps.Log.Info("record cleaned", "video_id", rec.ID)
	return nil
}
