package core

// store.go declares the ports the pipeline depends on. The postgres package
// implements all of them; tests use in-memory fakes.

import (
	"context"
	"time"
)

// JobStore persists import jobs and their uploaded files.
type JobStore interface {
	CreateJob(ctx context.Context, job *ImportJob, files []JobFile) error
	GetJob(ctx context.Context, id string) (*ImportJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]ImportJob, error)
	UpdateJob(ctx context.Context, job *ImportJob) error

	// ClaimNextJob moves the oldest pending job to parsing, or reclaims an
	// in-progress job whose heartbeat is older than staleAfter. Returns
	// ErrNoRows when nothing is claimable.
	ClaimNextJob(ctx context.Context, staleAfter time.Duration) (*ImportJob, error)
	Heartbeat(ctx context.Context, id string) error
	RequestCancel(ctx context.Context, id string) error
	IsCancelRequested(ctx context.Context, id string) (bool, error)

	JobFiles(ctx context.Context, id string) ([]JobFile, error)
}

// StagingQuery selects staged rows of one job and kind. Rows are returned in
// id order starting after AfterID.
type StagingQuery struct {
	JobID    string
	Kind     EntityKind
	Statuses []StagingStatus
	AfterID  int64
	Limit    int
}

// StagingStore persists staged rows. Row numbers are unique per job and kind.
type StagingStore interface {
	// InsertRows stores pending rows, ignoring row numbers already staged.
	InsertRows(ctx context.Context, rows []StagingRecord) (int, error)
	ListRows(ctx context.Context, q StagingQuery) ([]StagingRecord, error)
	SaveRows(ctx context.Context, rows []StagingRecord) error
	CountByStatus(ctx context.Context, jobID string) (map[StagingStatus]int, error)
	ResetForRetry(ctx context.Context, jobID string) (int, error)

	// FindCommitted returns the live id of a row of this job already committed
	// with the given transformed field value.
	FindCommitted(ctx context.Context, jobID string, kind EntityKind, field, value string) (int64, bool, error)
	PurgeFinished(ctx context.Context, olderThan time.Time, limit int) (int64, error)
}

// RuleStore persists the mapping rule catalog.
type RuleStore interface {
	// ActiveRules returns active global rules and the tenant's own rules for a kind.
	ActiveRules(ctx context.Context, tenantID int64, kind EntityKind) ([]MappingRule, error)
	GetRule(ctx context.Context, id int64) (*MappingRule, error)
	ListRules(ctx context.Context, filter RuleFilter) ([]MappingRule, error)
	IncrementUsage(ctx context.Context, counts map[int64]int64) error
	RecordSuccess(ctx context.Context, id int64) (*MappingRule, error)
	SetActive(ctx context.Context, id int64, active bool) error
	UpsertSystemRules(ctx context.Context, rules []MappingRule) (int, error)
	// AddLearnedRule stores a tenant rule unless one with the same tenant,
	// kind, source system, source and target exists. created reports an insert.
	AddLearnedRule(ctx context.Context, rule MappingRule) (id int64, created bool, err error)
}

// RuleFilter selects rules for listing.
type RuleFilter struct {
	TenantID       int64
	Kind           EntityKind
	SourceSystem   string
	Transformation TransformKind
	ActiveOnly     bool
	SystemOnly     bool
	Limit          int
	Offset         int
}

// LogStore persists import log entries.
type LogStore interface {
	AppendLogs(ctx context.Context, entries []LogEntry) error
	QueryLogs(ctx context.Context, filter LogFilter) ([]LogEntry, error)
	SummarizeLogs(ctx context.Context, jobID string) (LogSummary, error)
	TagForAudit(ctx context.Context, jobID string, until time.Time, tags []string) (int64, error)
	PurgeExpiredLogs(ctx context.Context, now time.Time, limit int) (int64, error)
}

// TenantDirectory supplies tenant defaults.
type TenantDirectory interface {
	Tenant(ctx context.Context, tenantID int64) (TenantContext, error)
}

// LiveReader queries live entities for duplicate detection and references.
type LiveReader interface {
	// FindMatches returns up to limit ids of the tenant's live entities of def
	// matching key with values.
	FindMatches(ctx context.Context, tenantID int64, def *EntityDefinition, key MatchKey, values []string, limit int) ([]int64, error)
}

// LiveRepository creates and updates live entities inside a commit batch.
type LiveRepository interface {
	LiveReader
	Create(ctx context.Context, tenantID int64, def *EntityDefinition, values LiveValues) (int64, error)
	Update(ctx context.Context, tenantID int64, def *EntityDefinition, id int64, values LiveValues) error
	LookupAux(ctx context.Context, tenantID int64, kind AuxKind, name string) (int64, bool, error)
	FindOrCreateAux(ctx context.Context, tenantID int64, kind AuxKind, name string) (int64, error)
}

// LiveValues are the column values written to a live entity.
type LiveValues map[string]any

// CommitBatch is one transaction spanning a micro-batch of rows. Each Row call
// runs inside its own savepoint; a failing row is rolled back alone.
type CommitBatch interface {
	Row(ctx context.Context, fn func(repo LiveRepository) error) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// LiveStore opens commit batches and reads live entities outside them.
type LiveStore interface {
	LiveReader
	BeginBatch(ctx context.Context) (CommitBatch, error)
}

// Lease is a held single-writer lock on a job.
type Lease interface {
	Extend(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// LeaseProvider grants job leases. Acquire returns ErrJobLeased when another
// worker holds the job.
type LeaseProvider interface {
	Acquire(ctx context.Context, jobID string, ttl time.Duration) (Lease, error)
}

// RowReader yields raw rows in order and returns io.EOF when exhausted.
type RowReader interface {
	Next() (RawRow, error)
	Close() error
}

// RowSource opens the raw rows of one uploaded file. Reopening the same file
// yields the same rows with the same row numbers.
type RowSource interface {
	Open(ctx context.Context, file JobFile) (RowReader, error)
}
