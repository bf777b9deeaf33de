package core

import (
	"time"
)

// EntityKind identifies one of the business record kinds the pipeline can import.
type EntityKind string

const (
	KindCustomer EntityKind = "customer"
	KindInvoice  EntityKind = "invoice"
	KindItem     EntityKind = "item"
	KindPayment  EntityKind = "payment"
	KindExpense  EntityKind = "expense"
)

// CommitOrder lists entity kinds in dependency order. Kinds referenced by
// other kinds are committed first so sibling references can resolve.
var CommitOrder = []EntityKind{KindCustomer, KindItem, KindInvoice, KindPayment, KindExpense}

// Valid reports whether k is a known entity kind.
func (k EntityKind) Valid() bool {
	for _, known := range CommitOrder {
		if k == known {
			return true
		}
	}
	return false
}

// JobType is the kind of import a job performs.
type JobType string

const (
	JobCustomers JobType = "customers"
	JobInvoices  JobType = "invoices"
	JobItems     JobType = "items"
	JobPayments  JobType = "payments"
	JobExpenses  JobType = "expenses"
	JobComplete  JobType = "complete"
)

// Kinds returns the entity kinds a job of this type imports, in commit order.
// Returns nil for an unknown type.
func (t JobType) Kinds() []EntityKind {
	switch t {
	case JobCustomers:
		return []EntityKind{KindCustomer}
	case JobInvoices:
		return []EntityKind{KindInvoice}
	case JobItems:
		return []EntityKind{KindItem}
	case JobPayments:
		return []EntityKind{KindPayment}
	case JobExpenses:
		return []EntityKind{KindExpense}
	case JobComplete:
		kinds := make([]EntityKind, len(CommitOrder))
		copy(kinds, CommitOrder)
		return kinds
	default:
		return nil
	}
}

// Includes reports whether a job of this type imports kind.
func (t JobType) Includes(kind EntityKind) bool {
	for _, k := range t.Kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// JobStatus is a state of the job phase machine.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusParsing    JobStatus = "parsing"
	StatusMapping    JobStatus = "mapping"
	StatusValidating JobStatus = "validating"
	StatusCommitting JobStatus = "committing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// phaseOrder is the success path of the phase machine.
var phaseOrder = []JobStatus{
	StatusPending, StatusParsing, StatusMapping, StatusValidating, StatusCommitting, StatusCompleted,
}

// IsInProgress reports whether a worker is (or should be) advancing the job.
func (s JobStatus) IsInProgress() bool {
	switch s {
	case StatusParsing, StatusMapping, StatusValidating, StatusCommitting:
		return true
	}
	return false
}

// IsTerminal reports whether the status ends the phase machine.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Next returns the status following s on the success path.
// Returns false for terminal and unknown statuses.
func (s JobStatus) Next() (JobStatus, bool) {
	for i, st := range phaseOrder {
		if st == s && i+1 < len(phaseOrder) {
			return phaseOrder[i+1], true
		}
	}
	return "", false
}

// Outcome is the computed characterization of a job, derived from its
// stored status and aggregate counts.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeRunning Outcome = "running"
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailure Outcome = "failure"
	OutcomeFailed  Outcome = "failed"
)

// DuplicateStrategy controls what the commit engine does with duplicate rows.
type DuplicateStrategy string

const (
	DuplicateUpdate    DuplicateStrategy = "update"
	DuplicateSkip      DuplicateStrategy = "skip"
	DuplicateCreateNew DuplicateStrategy = "create_new"
)

// Valid reports whether s is a known strategy.
func (s DuplicateStrategy) Valid() bool {
	return s == DuplicateUpdate || s == DuplicateSkip || s == DuplicateCreateNew
}

// FileInfo describes one uploaded source file of a job.
type FileInfo struct {
	Kind     EntityKind `json:"kind"`
	Name     string     `json:"name"`
	Size     int64      `json:"size"`
	MimeType string     `json:"mimeType,omitempty"`
}

// MappingConfig carries per-job mapping settings.
type MappingConfig struct {
	// Overrides maps entity kind -> source field -> target field. An override
	// acts as a direct rule with full confidence.
	Overrides map[EntityKind]map[string]string `json:"overrides,omitempty"`

	// StrictUnmapped fails a row when one of its source fields has no applicable rule.
	StrictUnmapped bool `json:"strictUnmapped,omitempty"`

	// Heuristic maps a source field without a rule to the most similar
	// field name, at a confidence below one.
	Heuristic bool `json:"heuristic,omitempty"`
}

// ValidationConfig carries extra per-job validation rules, keyed by entity kind.
type ValidationConfig struct {
	Rules map[EntityKind][]FieldRule `json:"rules,omitempty"`
}

// ImportJob is one import of one tenant's records through every phase.
type ImportJob struct {
	ID           string    `json:"id"`
	TenantID     int64     `json:"tenantId"`
	CreatorID    int64     `json:"creatorId,omitempty"`
	Type         JobType   `json:"type"`
	SourceSystem string    `json:"sourceSystem,omitempty"`
	Status       JobStatus `json:"status"`

	TotalRecords      int `json:"totalRecords"`
	ProcessedRecords  int `json:"processedRecords"`
	SuccessfulRecords int `json:"successfulRecords"`
	FailedRecords     int `json:"failedRecords"`

	Files             []FileInfo        `json:"files,omitempty"`
	Mapping           MappingConfig     `json:"mapping"`
	Validation        ValidationConfig  `json:"validation"`
	DuplicateStrategy DuplicateStrategy `json:"duplicateStrategy"`

	ErrorMessage string         `json:"errorMessage,omitempty"`
	ErrorDetails map[string]any `json:"errorDetails,omitempty"`
	Summary      map[string]any `json:"summary,omitempty"`

	Attempts        int  `json:"attempts"`
	CancelRequested bool `json:"cancelRequested,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeatAt,omitempty"`
}

// JobFilter selects jobs for listing.
type JobFilter struct {
	TenantID     int64
	Type         JobType
	Status       JobStatus
	SourceSystem string
	CreatedFrom  time.Time
	CreatedTo    time.Time
	Limit        int
	Offset       int
}

// NewJob contains the parameters for creating an import job.
type NewJob struct {
	TenantID          int64
	CreatorID         int64
	Type              JobType
	SourceSystem      string
	Mapping           MappingConfig
	Validation        ValidationConfig
	DuplicateStrategy DuplicateStrategy
	Files             []JobFile
}

// JobFile is an uploaded source file together with its content.
type JobFile struct {
	Info    FileInfo
	Content []byte
}

// RawRow is one parsed source row as produced by a row source.
type RawRow struct {
	Kind      EntityKind
	RowNumber int
	Fields    map[string]string
}

// LiveRef points at a committed live entity. It replaces untyped
// kind/id column pairs wherever a record refers to a live entity.
type LiveRef struct {
	Kind EntityKind `json:"kind"`
	ID   int64      `json:"id"`
}

// IsZero reports whether the reference is unset.
func (r LiveRef) IsZero() bool {
	return r.ID == 0
}

// TenantContext supplies tenant-level defaults used during mapping and commit.
type TenantContext struct {
	TenantID        int64
	DefaultCurrency string
	Locale          string
}
