package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageOrdering(t *testing.T) {
	assert.True(t, StageFetch.Before(StageSiteSync))
	assert.False(t, StageSiteSync.Before(StageFetch))
	assert.False(t, StageFetch.Before(StageFetch))

	rest := StagesFrom(StageUploadPrimary)
	require.Len(t, rest, 3)
	assert.Equal(t, StageUploadPrimary, rest[0])
	assert.Equal(t, StageSiteSync, rest[2])

	assert.Empty(t, StagesFrom(Stage("bogus")))
}

func TestEligibilityGate(t *testing.T) {
	rec := NewVideoRecord("v1", "First")

	// Fetch is the entry point.
	assert.True(t, rec.Eligible(StageFetch))
	assert.False(t, rec.Eligible(StageUploadPrimary))

	rec.Progress(StageFetch).State = StageSuccess
	assert.True(t, rec.Eligible(StagePersistMetadata))
	assert.False(t, rec.Eligible(StageUploadPrimary))

	rec.Progress(StagePersistMetadata).State = StageSuccess
	assert.True(t, rec.Eligible(StageUploadPrimary))
}

func TestFirstPendingStage(t *testing.T) {
	rec := NewVideoRecord("v1", "First")

	next, ok := rec.FirstPendingStage()
	require.True(t, ok)
	assert.Equal(t, StageFetch, next)

	for _, s := range Stages {
		rec.Progress(s).State = StageSuccess
	}
	_, ok = rec.FirstPendingStage()
	assert.False(t, ok)
}

func TestRunSummaryCounts(t *testing.T) {
	sum := NewRunSummary("run-1", RunScraper)
	sum.RecordSuccess()
	sum.RecordSkip()
	sum.RecordFailure(StageUploadPrimary)
	sum.RecordFailure(StageUploadPrimary)
	sum.RecordFailure(StageSiteSync)

	assert.Equal(t, 5, sum.Processed)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 3, sum.Failed())
	assert.Equal(t, 2, sum.FailedByStage[StageUploadPrimary])
}
