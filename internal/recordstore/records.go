package recordstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Domain identifies one of the store's persistence domains.
type Domain string

const (
	DomainRuns    Domain = "runs"
	DomainReviews Domain = "reviews"
	DomainSpecs   Domain = "specs"
)

// String returns the string representation of the domain.
func (d Domain) String() string {
	return string(d)
}

// Status is a session or agent lifecycle status.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
	StatusPruned    Status = "pruned"

	// StatusSaved is the success terminal for spec-authoring sessions.
	StatusSaved Status = "saved"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether s is a terminal session status for domain d.
// Terminal statuses force-flush the write-behind buffer.
func (s Status) IsTerminal(d Domain) bool {
	switch d {
	case DomainSpecs:
		return s == StatusSaved || s == StatusFailed || s == StatusAborted
	default:
		return s == StatusSucceeded || s == StatusFailed || s == StatusAborted || s == StatusPruned
	}
}

// IsAgentTerminal reports whether s is a terminal agent invocation status.
func (s Status) IsAgentTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusAborted
}

// EvalStatus is the lifecycle status of one evaluation command.
type EvalStatus string

const (
	EvalQueued    EvalStatus = "queued"
	EvalRunning   EvalStatus = "running"
	EvalSucceeded EvalStatus = "succeeded"
	EvalFailed    EvalStatus = "failed"
	EvalSkipped   EvalStatus = "skipped"
)

// ChatFormat identifies the captured chat transcript encoding.
type ChatFormat string

const (
	ChatFormatJSON  ChatFormat = "json"
	ChatFormatJSONL ChatFormat = "jsonl"
)

// FailFastOperation is the sandboxed operation class a fail-fast
// descriptor refers to.
type FailFastOperation string

const (
	FailFastNetworkConnect FailFastOperation = "network-connect"
	FailFastFileRead       FailFastOperation = "file-read"
	FailFastFileWrite      FailFastOperation = "file-write"
)

// SpecDescriptor points at the task specification a run was created from.
type SpecDescriptor struct {
	Path string `json:"path"`
}

// EvaluationSnapshot captures one evaluation command's outcome.
type EvaluationSnapshot struct {
	Slug     string     `json:"slug"`
	Status   EvalStatus `json:"status"`
	ExitCode *int       `json:"exitCode,omitempty"`
	Command  string     `json:"command,omitempty"`
	HasLog   bool       `json:"hasLog,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// DiffStats summarizes a captured diff.
type DiffStats struct {
	FilesChanged int `json:"filesChanged"`
	Additions    int `json:"additions"`
	Deletions    int `json:"deletions"`
}

// WatchdogMetadata records the watchdog configuration an agent ran
// under and, if it fired, the trigger that terminated the agent.
type WatchdogMetadata struct {
	SilenceTimeoutMs int    `json:"silenceTimeoutMs"`
	WallClockCapMs   int    `json:"wallClockCapMs"`
	Trigger          string `json:"trigger,omitempty"`
}

// AgentInvocation is one agent's execution within a run session.
type AgentInvocation struct {
	AgentID  string `json:"agentId"`
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
	Status   Status `json:"status"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	CommitSha string `json:"commitSha,omitempty"`

	DiffAttempted   bool       `json:"diffAttempted"`
	DiffCaptured    bool       `json:"diffCaptured"`
	StdoutCaptured  bool       `json:"stdoutCaptured"`
	StderrCaptured  bool       `json:"stderrCaptured"`
	SummaryCaptured bool       `json:"summaryCaptured"`
	ChatCaptured    bool       `json:"chatCaptured"`
	ChatFormat      ChatFormat `json:"chatFormat,omitempty"`

	// Evals is nil until the agent reaches a terminal status; a
	// succeeded agent always carries an array, possibly empty.
	Evals    []EvaluationSnapshot `json:"evals"`
	Warnings []string             `json:"warnings,omitempty"`

	DiffStats *DiffStats        `json:"diffStats,omitempty"`
	Watchdog  *WatchdogMetadata `json:"watchdog,omitempty"`

	FailFastTriggered bool              `json:"failFastTriggered,omitempty"`
	FailFastOperation FailFastOperation `json:"failFastOperation,omitempty"`
	FailFastTarget    string            `json:"failFastTarget,omitempty"`

	ErrorMessage string `json:"errorMessage,omitempty"`
}

// ApplyStatus records an operator applying one agent's diff to the
// working tree. AppliedAt is kept as the raw string it was written
// with so the merge policy can fall back to lexicographic comparison
// when a timestamp does not parse.
type ApplyStatus struct {
	AppliedAt string `json:"appliedAt"`
	AgentID   string `json:"agentId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// RunRecord is the durable state of one run session.
type RunRecord struct {
	RunID        string            `json:"runId"`
	BaseRevision string            `json:"baseRevision"`
	Spec         SpecDescriptor    `json:"spec"`
	Agents       []AgentInvocation `json:"agents"`
	Status       Status            `json:"status"`
	CreatedAt    time.Time         `json:"createdAt"`
	ApplyStatus  *ApplyStatus      `json:"applyStatus,omitempty"`
	DeletedAt    *time.Time        `json:"deletedAt,omitempty"`
}

// RecordID implements Record.
func (r *RunRecord) RecordID() string { return r.RunID }

// RecordStatus implements Record.
func (r *RunRecord) RecordStatus() Status { return r.Status }

// RecordCreatedAt implements Record.
func (r *RunRecord) RecordCreatedAt() time.Time { return r.CreatedAt }

// Agent returns a pointer to the invocation with the given agent id,
// or nil if the run has no such agent.
func (r *RunRecord) Agent(agentID string) *AgentInvocation {
	for i := range r.Agents {
		if r.Agents[i].AgentID == agentID {
			return &r.Agents[i]
		}
	}
	return nil
}

// ReviewerRecord is one reviewer's execution within a review session.
type ReviewerRecord struct {
	AgentID     string     `json:"agentId"`
	Provider    string     `json:"provider"`
	Model       string     `json:"model,omitempty"`
	Status      Status     `json:"status"`
	OutputPath  string     `json:"outputPath,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Warnings    []string   `json:"warnings,omitempty"`

	Watchdog *WatchdogMetadata `json:"watchdog,omitempty"`

	ErrorMessage string `json:"errorMessage,omitempty"`
}

// ReviewRecord is the durable state of one review session.
type ReviewRecord struct {
	ReviewID         string           `json:"reviewId"`
	RunID            string           `json:"runId"`
	BaseRevision     string           `json:"baseRevision"`
	Spec             SpecDescriptor   `json:"spec"`
	ReviewerAgentIDs []string         `json:"reviewerAgentIds"`
	Reviewers        []ReviewerRecord `json:"reviewers"`
	Status           Status           `json:"status"`
	CreatedAt        time.Time        `json:"createdAt"`
	DeletedAt        *time.Time       `json:"deletedAt,omitempty"`
}

// RecordID implements Record.
func (r *ReviewRecord) RecordID() string { return r.ReviewID }

// RecordStatus implements Record.
func (r *ReviewRecord) RecordStatus() Status { return r.Status }

// RecordCreatedAt implements Record.
func (r *ReviewRecord) RecordCreatedAt() time.Time { return r.CreatedAt }

// Reviewer returns a pointer to the reviewer with the given agent id,
// or nil if the review has no such reviewer.
func (r *ReviewRecord) Reviewer(agentID string) *ReviewerRecord {
	for i := range r.Reviewers {
		if r.Reviewers[i].AgentID == agentID {
			return &r.Reviewers[i]
		}
	}
	return nil
}

// SpecRecord is the durable state of one spec-authoring session.
type SpecRecord struct {
	SpecID    string     `json:"specId"`
	Path      string     `json:"path"`
	Title     string     `json:"title,omitempty"`
	Status    Status     `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// RecordID implements Record.
func (r *SpecRecord) RecordID() string { return r.SpecID }

// RecordStatus implements Record.
func (r *SpecRecord) RecordStatus() Status { return r.Status }

// RecordCreatedAt implements Record.
func (r *SpecRecord) RecordCreatedAt() time.Time { return r.CreatedAt }

// NewSessionID generates a timestamp-plus-random session id such as
// 20260802-153012-9f3c21ab. The timestamp prefix keeps directory
// listings chronological; the random suffix makes collisions between
// sessions created in the same second practically impossible.
func NewSessionID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102-150405"), suffix)
}

// MergeApplyStatus resolves two competing apply-status values: the one
// with the later parseable timestamp wins; when neither parses, the
// lexicographically greater timestamp wins; equal timestamps keep the
// buffered value.
func MergeApplyStatus(buffered, disk *ApplyStatus) *ApplyStatus {
	if buffered == nil {
		return disk
	}
	if disk == nil {
		return buffered
	}

	bt, bErr := time.Parse(time.RFC3339, buffered.AppliedAt)
	dt, dErr := time.Parse(time.RFC3339, disk.AppliedAt)

	switch {
	case bErr == nil && dErr == nil:
		if dt.After(bt) {
			return disk
		}
		return buffered
	case bErr == nil:
		return buffered
	case dErr == nil:
		return disk
	default:
		if disk.AppliedAt > buffered.AppliedAt {
			return disk
		}
		return buffered
	}
}
