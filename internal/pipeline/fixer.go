package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/vodsync/vodsync/internal/model"
)

// fixStages maps each fix run kind to the stage it repairs.
var fixStages = map[model.RunKind]model.Stage{
	model.RunS3Fix:   model.StageUploadPrimary,
	model.RunOSSFix:  model.StageUploadSecondary,
	model.RunSiteFix: model.StageSiteSync,
}

// RunFix re-attempts every record that failed at the stage targeted by the
// given run kind, then advances it through the remaining stages. Each
// record gets one bounded-retry pass per invocation; records that keep
// failing stay failed and show up in the next fix run. Running a fix when
// nothing failed is a no-op with an empty summary.
func (o *Orchestrator) RunFix(ctx context.Context, kind model.RunKind) (*model.RunSummary, error) {
	stage, ok := fixStages[kind]
	if !ok {
		return nil, fmt.Errorf("pipeline: %q is not a fix run kind", kind)
	}
	sum := model.NewRunSummary(uuid.NewString(), kind)

	records, err := o.deps.State.QueryByStageStatus(ctx, stage, model.StageFailed)
	if err != nil {
		return nil, fmt.Errorf("pipeline: load fix worklist: %w", err)
	}
	o.deps.Log.Info("fix run starting", "kind", kind, "stage", stage, "records", len(records))

	if err := o.processAll(ctx, sum, records, func(rec *model.VideoRecord) (model.Stage, bool) {
		// Uploads already verified in place are skipped by the
		// head-before-put check, so restarting the whole stage is cheap.
		return stage, true
	}); err != nil {
		return nil, err
	}

	return o.finish(ctx, sum)
}
