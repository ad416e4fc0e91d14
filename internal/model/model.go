// Package model defines the domain types shared across the vodsync pipeline.
// The state store is the source of truth for every field here; in-memory
// copies are working views, never authority.
package model

import (
	"time"
)

// Stage identifies one step of the pipeline. Declaration order below is the
// pipeline execution order.
type Stage string

const (
	StageFetch           Stage = "fetch"
	StagePersistMetadata Stage = "persist_metadata"
	StageUploadPrimary   Stage = "upload_primary"
	StageUploadSecondary Stage = "upload_secondary"
	StageSiteSync        Stage = "site_sync"
)

// Stages lists all pipeline stages in execution order.
var Stages = []Stage{
	StageFetch,
	StagePersistMetadata,
	StageUploadPrimary,
	StageUploadSecondary,
	StageSiteSync,
}

// Before reports whether s precedes other in pipeline order.
func (s Stage) Before(other Stage) bool {
	return stageIndex(s) < stageIndex(other)
}

func stageIndex(s Stage) int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return len(Stages)
}

// StagesFrom returns s and every stage after it in pipeline order.
func StagesFrom(s Stage) []Stage {
	idx := stageIndex(s)
	if idx >= len(Stages) {
		return nil
	}
	return Stages[idx:]
}

// StageState represents the progress of one stage for one record.
type StageState string

const (
	StagePending StageState = "pending"
	StageSuccess StageState = "success"
	StageFailed  StageState = "failed"
	StageSkipped StageState = "skipped"
)

// StageProgress is the per-stage progress record.
// RetryCount counts failed attempts since the stage last succeeded; a
// success leaves the final count in place.
type StageProgress struct {
	State         StageState `json:"state"`
	Reason        string     `json:"reason,omitempty"`
	RetryCount    int        `json:"retry_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
}

// VideoRecord is one unit of work. Created the moment fetch succeeds for a
// source id, never deleted by the normal pipeline (site_clean only marks
// the terminal deleted flag).
type VideoRecord struct {
	ID            string                   `json:"id"`
	Title         string                   `json:"title"`
	Metadata      map[string]string        `json:"metadata"`
	Episodes      []string                 `json:"episodes"`
	Cover         string                   `json:"cover"`
	RawPath       string                   `json:"raw_path"`
	EncryptedPath string                   `json:"encrypted_path"`
	Stages        map[Stage]*StageProgress `json:"stages"`
	PendingRemove bool                     `json:"pending_remove"`
	Deleted       bool                     `json:"deleted"`
	CreatedAt     time.Time                `json:"created_at"`
	UpdatedAt     time.Time                `json:"updated_at"`
}

// NewVideoRecord builds a record with every stage pending.
func NewVideoRecord(id, title string) *VideoRecord {
	stages := make(map[Stage]*StageProgress, len(Stages))
	for _, s := range Stages {
		stages[s] = &StageProgress{State: StagePending}
	}
	return &VideoRecord{
		ID:       id,
		Title:    title,
		Metadata: make(map[string]string),
		Stages:   stages,
	}
}

// Progress returns the progress entry for a stage, creating a pending one
// if the record predates the stage.
func (r *VideoRecord) Progress(s Stage) *StageProgress {
	if r.Stages == nil {
		r.Stages = make(map[Stage]*StageProgress, len(Stages))
	}
	p, ok := r.Stages[s]
	if !ok {
		p = &StageProgress{State: StagePending}
		r.Stages[s] = p
	}
	return p
}

// StageDone reports whether a stage has committed success.
func (r *VideoRecord) StageDone(s Stage) bool {
	p, ok := r.Stages[s]
	return ok && p.State == StageSuccess
}

// Eligible reports whether a stage may be attempted: every stage preceding
// it in pipeline order must already be success. Fetch is the entry point
// and is always eligible.
func (r *VideoRecord) Eligible(s Stage) bool {
	for _, prev := range Stages {
		if prev == s {
			return true
		}
		if !r.StageDone(prev) {
			return false
		}
	}
	return false
}

// FirstPendingStage returns the first stage that is not success, or ok=false
// when the record is fully synced.
func (r *VideoRecord) FirstPendingStage() (Stage, bool) {
	for _, s := range Stages {
		if !r.StageDone(s) {
			return s, true
		}
	}
	return "", false
}

// RunKind identifies what produced a run summary.
type RunKind string

const (
	RunScraper   RunKind = "scraper"
	RunS3Fix     RunKind = "s3_fix"
	RunOSSFix    RunKind = "oss_fix"
	RunSiteFix   RunKind = "site_fix"
	RunSiteClean RunKind = "site_clean"
)

// RunSummary aggregates per-item outcomes of one run. A run with failed
// items is still a completed run; partial success is the normal outcome.
type RunSummary struct {
	RunID         string        `json:"run_id"`
	Kind          RunKind       `json:"kind"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Processed     int           `json:"processed"`
	Succeeded     int           `json:"succeeded"`
	Skipped       int           `json:"skipped"`
	FailedByStage map[Stage]int `json:"failed_by_stage"`
}

// NewRunSummary initializes a summary for a run kind.
func NewRunSummary(runID string, kind RunKind) *RunSummary {
	return &RunSummary{
		RunID:         runID,
		Kind:          kind,
		StartedAt:     time.Now().UTC(),
		FailedByStage: make(map[Stage]int),
	}
}

// RecordFailure counts one item failed at the given stage.
func (s *RunSummary) RecordFailure(stage Stage) {
	s.Processed++
	s.FailedByStage[stage]++
}

// RecordSuccess counts one fully advanced item.
func (s *RunSummary) RecordSuccess() {
	s.Processed++
	s.Succeeded++
}

// RecordSkip counts one item that needed no work.
func (s *RunSummary) RecordSkip() {
	s.Processed++
	s.Skipped++
}

// Failed returns the total number of failed items across stages.
func (s *RunSummary) Failed() int {
	n := 0
	for _, c := range s.FailedByStage {
		n += c
	}
	return n
}
