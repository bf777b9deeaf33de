package core

// orchestrator.go drives import jobs through the phase machine.
//
// A worker holding the job's lease runs the phases in order, resuming at the
// job's stored phase. Rows are processed in batches; between batches the
// worker checks for a cancel request and for the optional phase deadline.
// Row failures are recorded on the rows; any other error fails the job.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bloodyteeths/mkfakturi-sub002/internal/logging"
)

// errPhaseTimeout fails a job when the phase deadline is enforced.
var errPhaseTimeout = errors.New("import phase exceeded its time limit")

// OrchestratorConfig holds pipeline tuning.
type OrchestratorConfig struct {
	Workers             int
	BatchSize           int
	CommitBatchSize     int
	LeaseTTL            time.Duration
	PhaseTimeout        time.Duration
	MinThroughput       float64
	AbortOnPhaseTimeout bool
	StrictUnmapped      bool
	HeuristicMapping    bool
	DefaultStrategy     DuplicateStrategy
	DefaultCurrency     string
	LogRetention        time.Duration
	AuditRetentionYears int
}

func (c *OrchestratorConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.CommitBatchSize <= 0 {
		c.CommitBatchSize = 50
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	if c.AuditRetentionYears <= 0 {
		c.AuditRetentionYears = DefaultAuditRetentionYears
	}
	if !c.DefaultStrategy.Valid() {
		c.DefaultStrategy = DuplicateUpdate
	}
}

// Dependencies are the ports the orchestrator drives.
type Dependencies struct {
	Jobs    JobStore
	Staging StagingStore
	Rules   RuleStore
	Logs    LogStore
	Tenants TenantDirectory
	Live    LiveStore
	Leases  LeaseProvider
	Source  RowSource
}

// Orchestrator owns the job phase machine.
type Orchestrator struct {
	deps   Dependencies
	cfg    OrchestratorConfig
	commit *CommitEngine
	now    func() time.Time
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(deps Dependencies, cfg OrchestratorConfig) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		commit: NewCommitEngine(deps.Live, deps.Staging, cfg.CommitBatchSize, cfg.Workers),
		now:    time.Now,
	}
}

// =============================================================================
// Job operations
// =============================================================================

// CreateJob validates the request and stores a PENDING job with its files.
func (o *Orchestrator) CreateJob(ctx context.Context, req NewJob) (*ImportJob, error) {
	if req.TenantID <= 0 {
		return nil, fmt.Errorf("%w: tenant is required", ErrInvalidJob)
	}
	if req.Type.Kinds() == nil {
		return nil, fmt.Errorf("%w: unknown job type %q", ErrInvalidJob, req.Type)
	}
	if len(req.Files) == 0 {
		return nil, fmt.Errorf("%w: at least one file is required", ErrInvalidJob)
	}

	strategy := req.DuplicateStrategy
	if strategy == "" {
		strategy = o.cfg.DefaultStrategy
	}
	if !strategy.Valid() {
		return nil, fmt.Errorf("%w: unknown duplicate strategy %q", ErrInvalidJob, strategy)
	}

	files := make([]FileInfo, 0, len(req.Files))
	for _, f := range req.Files {
		if !req.Type.Includes(f.Info.Kind) {
			return nil, fmt.Errorf("%w: %s file %q does not belong to a %s import", ErrInvalidJob, f.Info.Kind, f.Info.Name, req.Type)
		}
		files = append(files, f.Info)
	}

	now := o.now()
	job := &ImportJob{
		ID:                uuid.NewString(),
		TenantID:          req.TenantID,
		CreatorID:         req.CreatorID,
		Type:              req.Type,
		SourceSystem:      req.SourceSystem,
		Status:            StatusPending,
		Files:             files,
		Mapping:           req.Mapping,
		Validation:        req.Validation,
		DuplicateStrategy: strategy,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := o.deps.Jobs.CreateJob(ctx, job, req.Files); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	log := o.newLog()
	log.Record(ctx, JobCreatedEntry(job))
	for _, f := range files {
		log.Record(ctx, LogEntry{
			JobID:      job.ID,
			Type:       LogFileUploaded,
			Severity:   SeverityInfo,
			Message:    fmt.Sprintf("Uploaded %s (%s)", f.Name, FormatBytes(f.Size)),
			EntityKind: f.Kind,
		})
	}
	if err := log.Flush(ctx); err != nil {
		logging.FromContext(ctx).Error("flush import log", "job_id", job.ID, "error", err)
	}
	return job, nil
}

// GetJob returns a job.
func (o *Orchestrator) GetJob(ctx context.Context, id string) (*ImportJob, error) {
	return o.deps.Jobs.GetJob(ctx, id)
}

// ListJobs returns jobs matching the filter.
func (o *Orchestrator) ListJobs(ctx context.Context, filter JobFilter) ([]ImportJob, error) {
	return o.deps.Jobs.ListJobs(ctx, filter)
}

// Rows returns staged rows of a job.
func (o *Orchestrator) Rows(ctx context.Context, q StagingQuery) ([]StagingRecord, error) {
	if _, err := o.deps.Jobs.GetJob(ctx, q.JobID); err != nil {
		return nil, err
	}
	return o.deps.Staging.ListRows(ctx, q)
}

// Retry returns a FAILED job to PENDING and resets its incomplete rows.
// Committed rows stay committed.
func (o *Orchestrator) Retry(ctx context.Context, id string) (*ImportJob, error) {
	job, err := o.deps.Jobs.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := job.ResetForRetry(o.now()); err != nil {
		return nil, err
	}
	reset, err := o.deps.Staging.ResetForRetry(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reset staged rows: %w", err)
	}
	if err := o.deps.Jobs.UpdateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}

	logging.WithFields(ctx, "job_id", id, "rows_reset", reset).Info("import job queued for retry")
	return job, nil
}

// Cancel stops a job. A PENDING job fails immediately; a running job is
// flagged and stops at its next batch boundary.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*ImportJob, error) {
	job, err := o.deps.Jobs.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case job.Status.IsTerminal():
		return nil, fmt.Errorf("%w: job is %s", ErrInvalidTransition, job.Status)
	case job.Status == StatusPending:
		log := o.newLog()
		o.failJob(ctx, job, log, ErrCancelled)
		return job, nil
	default:
		if err := o.deps.Jobs.RequestCancel(ctx, id); err != nil {
			return nil, fmt.Errorf("request cancel: %w", err)
		}
		job.CancelRequested = true
		return job, nil
	}
}

// Logs queries the import log.
func (o *Orchestrator) Logs(ctx context.Context, filter LogFilter) ([]LogEntry, error) {
	return o.deps.Logs.QueryLogs(ctx, filter)
}

// LogSummary counts a job's log entries by severity and type.
func (o *Orchestrator) LogSummary(ctx context.Context, jobID string) (LogSummary, error) {
	return o.deps.Logs.SummarizeLogs(ctx, jobID)
}

// TagForAudit flags every entry of a job for audit retention.
func (o *Orchestrator) TagForAudit(ctx context.Context, jobID string, tags []string) (int64, error) {
	if _, err := o.deps.Jobs.GetJob(ctx, jobID); err != nil {
		return 0, err
	}
	until := o.now().AddDate(o.cfg.AuditRetentionYears, 0, 0)
	return o.deps.Logs.TagForAudit(ctx, jobID, until, tags)
}

// =============================================================================
// Rule operations
// =============================================================================

// ListRules returns rules matching the filter.
func (o *Orchestrator) ListRules(ctx context.Context, filter RuleFilter) ([]MappingRule, error) {
	return o.deps.Rules.ListRules(ctx, filter)
}

// RuleFeedback records an accepted mapping for a rule.
func (o *Orchestrator) RuleFeedback(ctx context.Context, ruleID int64) (*MappingRule, error) {
	rule, err := o.deps.Rules.RecordSuccess(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	logging.WithFields(ctx, "rule_id", ruleID, "success_rate", rule.SuccessRate).Debug("mapping rule feedback recorded")
	return rule, nil
}

// SetRuleActive activates or deactivates a rule.
func (o *Orchestrator) SetRuleActive(ctx context.Context, ruleID int64, active bool) error {
	if err := o.deps.Rules.SetActive(ctx, ruleID, active); err != nil {
		return err
	}
	logging.WithFields(ctx, "rule_id", ruleID, "active", active).Info("mapping rule updated")
	return nil
}

// TestRule runs a rule's test cases.
func (o *Orchestrator) TestRule(ctx context.Context, ruleID int64) (TestRunResult, error) {
	rule, err := o.deps.Rules.GetRule(ctx, ruleID)
	if err != nil {
		return TestRunResult{}, err
	}
	return rule.RunTestCases(), nil
}

// =============================================================================
// Running a job
// =============================================================================

// jobRun is the state of one worker advancing one job.
type jobRun struct {
	job     *ImportJob
	tenant  TenantContext
	log     *ImportLog
	logger  *slog.Logger
	commit  *CommitRun
	summary map[string]any
	mu      sync.Mutex
}

func (r *jobRun) setSummary(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary[key] = value
}

// Run advances a job from its stored phase to COMPLETED or FAILED.
// It returns ErrJobLeased when another worker holds the job. A cancelled
// context leaves the job in its current phase for a later worker.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	lease, err := o.deps.Leases.Acquire(ctx, jobID, o.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logging.FromContext(ctx).Warn("release job lease", "job_id", jobID, "error", err)
		}
	}()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go o.heartbeat(runCtx, cancel, jobID, lease)

	job, err := o.deps.Jobs.GetJob(runCtx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}
	runCtx = logging.WithJob(runCtx, job.ID, job.TenantID)

	run := &jobRun{
		job:     job,
		log:     o.newLog(),
		logger:  logging.FromContext(runCtx),
		summary: make(map[string]any),
	}
	for k, v := range job.Summary {
		run.summary[k] = v
	}
	defer func() {
		if err := run.log.Flush(context.WithoutCancel(ctx)); err != nil {
			run.logger.Error("flush import log", "error", err)
		}
	}()

	if err := o.execute(runCtx, run); err != nil {
		if cause := context.Cause(runCtx); cause != nil && ctx.Err() == nil && errors.Is(cause, ErrJobLeased) {
			run.logger.Warn("job lease lost, stopping")
			return cause
		}
		if ctx.Err() != nil {
			run.logger.Info("job interrupted", "phase", job.Status)
			return ctx.Err()
		}
		o.failJob(ctx, job, run.log, err)
		return nil
	}
	return nil
}

// execute runs the remaining phases of the job.
func (o *Orchestrator) execute(ctx context.Context, run *jobRun) (err error) {
	job := run.job

	defer func() {
		if p := recover(); p != nil {
			err = &SystemError{Stage: string(job.Status), Err: fmt.Errorf("panic: %v", p)}
			run.log.Record(ctx, SystemErrorEntry(job.ID, string(job.Status), err, string(debug.Stack()), o.now()))
		}
	}()

	tenant, err := o.deps.Tenants.Tenant(ctx, job.TenantID)
	if err != nil {
		return &SystemError{Stage: StageSystem, Err: fmt.Errorf("load tenant: %w", err)}
	}
	if tenant.DefaultCurrency == "" {
		tenant.DefaultCurrency = o.cfg.DefaultCurrency
	}
	run.tenant = tenant
	run.commit = o.commit.NewRun(job, tenant, run.log)

	if job.Status == StatusPending {
		if err := o.advance(ctx, run); err != nil {
			return err
		}
	}
	run.log.Record(ctx, JobStartedEntry(job))

	for !job.Status.IsTerminal() {
		if err := o.checkCancel(ctx, job); err != nil {
			return err
		}

		start := o.now()
		stage := string(job.Status)
		run.logger.Info("phase started", "phase", stage)

		var records int
		switch job.Status {
		case StatusParsing:
			records, err = o.parse(ctx, run, start)
		case StatusMapping:
			records, err = o.mapRows(ctx, run, start)
		case StatusValidating:
			records, err = o.validate(ctx, run, start)
		case StatusCommitting:
			records, err = o.commitRows(ctx, run, start)
		default:
			return fmt.Errorf("%w: cannot run a %s job", ErrInvalidTransition, job.Status)
		}
		if err != nil {
			return err
		}

		elapsed := o.now().Sub(start)
		o.checkPerformance(ctx, run, stage, elapsed, records)
		run.logger.Info("phase completed", "phase", stage, "rows", records, "duration_ms", elapsed.Milliseconds())

		if err := o.advance(ctx, run); err != nil {
			return err
		}
	}

	run.log.Record(ctx, JobCompletedEntry(job, o.now()))
	run.logger.Info("import job completed",
		"outcome", job.Outcome(),
		"successful", job.SuccessfulRecords,
		"failed", job.FailedRecords,
	)
	return nil
}

// advance recomputes counters, moves the job to its next phase and saves it.
func (o *Orchestrator) advance(ctx context.Context, run *jobRun) error {
	job := run.job
	if err := o.refreshCounts(ctx, job); err != nil {
		return err
	}
	if err := job.Advance(o.now()); err != nil {
		return err
	}
	if job.Status == StatusCompleted {
		run.setSummary("outcome", string(job.Outcome()))
		run.setSummary("success_rate", job.SuccessRate())
	}
	run.mu.Lock()
	job.Summary = run.summary
	run.mu.Unlock()

	if err := o.deps.Jobs.UpdateJob(ctx, job); err != nil {
		return &SystemError{Stage: string(job.Status), Err: fmt.Errorf("update job: %w", err)}
	}
	return nil
}

func (o *Orchestrator) refreshCounts(ctx context.Context, job *ImportJob) error {
	counts, err := o.deps.Staging.CountByStatus(ctx, job.ID)
	if err != nil {
		return &SystemError{Stage: string(job.Status), Err: fmt.Errorf("count staged rows: %w", err)}
	}
	job.ApplyCounts(counts)
	return nil
}

// failJob moves the job to FAILED with the reason and logs it.
func (o *Orchestrator) failJob(ctx context.Context, job *ImportJob, log *ImportLog, cause error) {
	ctx = context.WithoutCancel(ctx)
	now := o.now()
	logger := logging.ForJob(ctx, job.ID, job.TenantID)

	var se *SystemError
	if errors.As(cause, &se) {
		log.Record(ctx, SystemErrorEntry(job.ID, se.Stage, cause, "", now))
	}

	um := MapError(cause)
	message := cause.Error()
	if errors.Is(cause, ErrCancelled) {
		message = "cancelled"
	}
	details := map[string]any{
		"code":         um.Code,
		"user_message": FormatUserError(cause),
		"phase":        string(job.Status),
	}

	if err := o.refreshCounts(ctx, job); err != nil {
		logger.Warn("refresh counts of failed job", "error", err)
	}
	if err := job.MarkFailed(now, message, details); err != nil {
		logger.Error("mark job failed", "error", err)
		return
	}
	if err := o.deps.Jobs.UpdateJob(ctx, job); err != nil {
		logger.Error("save failed job", "error", err)
	}
	log.Record(ctx, JobFailedEntry(job, cause, details, now))
	if err := log.Flush(ctx); err != nil {
		logger.Error("flush import log", "error", err)
	}
	logger.Error("import job failed", "reason", message, "code", um.Code)
}

// heartbeat extends the lease and the job heartbeat until ctx ends. Losing
// the lease cancels the run.
func (o *Orchestrator) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, jobID string, lease Lease) {
	ticker := time.NewTicker(o.cfg.LeaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lease.Extend(ctx, o.cfg.LeaseTTL); err != nil {
				if errors.Is(err, ErrJobLeased) {
					cancel(err)
					return
				}
				logging.FromContext(ctx).Warn("extend job lease", "job_id", jobID, "error", err)
			}
			if err := o.deps.Jobs.Heartbeat(ctx, jobID); err != nil {
				logging.FromContext(ctx).Warn("job heartbeat", "job_id", jobID, "error", err)
			}
		}
	}
}

// checkCancel returns ErrCancelled when a cancel was requested.
func (o *Orchestrator) checkCancel(ctx context.Context, job *ImportJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cancelled, err := o.deps.Jobs.IsCancelRequested(ctx, job.ID)
	if err != nil {
		return &SystemError{Stage: string(job.Status), Err: fmt.Errorf("check cancel: %w", err)}
	}
	if cancelled {
		return ErrCancelled
	}
	return nil
}

// checkpoint runs between batches: cancel requests and the enforced phase deadline.
func (o *Orchestrator) checkpoint(ctx context.Context, job *ImportJob, start time.Time) error {
	if err := o.checkCancel(ctx, job); err != nil {
		return err
	}
	if o.cfg.AbortOnPhaseTimeout && o.cfg.PhaseTimeout > 0 && o.now().Sub(start) > o.cfg.PhaseTimeout {
		return fmt.Errorf("%w: %s after %s", errPhaseTimeout, job.Status, o.cfg.PhaseTimeout)
	}
	return nil
}

// checkPerformance logs an advisory warning for slow phases.
func (o *Orchestrator) checkPerformance(ctx context.Context, run *jobRun, stage string, elapsed time.Duration, records int) {
	var msg string
	switch {
	case o.cfg.PhaseTimeout > 0 && elapsed > o.cfg.PhaseTimeout:
		msg = fmt.Sprintf("Phase %s took %s, over the %s threshold", stage, elapsed.Round(time.Millisecond), o.cfg.PhaseTimeout)
	case o.cfg.MinThroughput > 0 && records > 0 && elapsed >= time.Second &&
		float64(records)/elapsed.Seconds() < o.cfg.MinThroughput:
		msg = fmt.Sprintf("Phase %s processed %.1f rows/s, below the %.1f rows/s threshold", stage, float64(records)/elapsed.Seconds(), o.cfg.MinThroughput)
	default:
		return
	}
	run.log.Record(ctx, PerformanceWarningEntry(run.job.ID, stage, msg, elapsed, records))
}

func (o *Orchestrator) newLog() *ImportLog {
	return NewImportLog(o.deps.Logs, slog.Default(), o.cfg.LogRetention)
}

// =============================================================================
// Phases
// =============================================================================

// parse stages the rows of every uploaded file. Reparsing after a restart
// skips rows already staged.
func (o *Orchestrator) parse(ctx context.Context, run *jobRun, start time.Time) (int, error) {
	job := run.job
	files, err := o.deps.Jobs.JobFiles(ctx, job.ID)
	if err != nil {
		return 0, &SystemError{Stage: StageParsing, Err: fmt.Errorf("load files: %w", err)}
	}

	total := 0
	for _, file := range files {
		if !job.Type.Includes(file.Info.Kind) {
			continue
		}
		fileStart := o.now()
		n, err := o.parseFile(ctx, run, file, start)
		if err != nil {
			var pe *ParseError
			if errors.As(err, &pe) {
				run.log.Record(ctx, ParsingErrorEntry(job.ID, file.Info, err))
			}
			return total, err
		}
		total += n
		run.log.Record(ctx, FileParsedEntry(job.ID, file.Info, n, o.now().Sub(fileStart)))
	}
	run.setSummary("parsed_rows", total)
	return total, nil
}

func (o *Orchestrator) parseFile(ctx context.Context, run *jobRun, file JobFile, start time.Time) (int, error) {
	reader, err := o.deps.Source.Open(ctx, file)
	if err != nil {
		return 0, err
	}
	defer reader.Close()

	var (
		batch []StagingRecord
		total int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := o.deps.Staging.InsertRows(ctx, batch); err != nil {
			return &SystemError{Stage: StageParsing, Err: fmt.Errorf("stage rows: %w", err)}
		}
		batch = batch[:0]
		return o.checkpoint(ctx, run.job, start)
	}

	for {
		row, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *ParseError
			if !errors.As(err, &pe) {
				err = &ParseError{File: file.Info.Name, Err: err}
			}
			return total, err
		}
		if row.Kind == "" {
			row.Kind = file.Info.Kind
		}
		batch = append(batch, NewStagingRecord(run.job.ID, row))
		total++
		if len(batch) >= o.cfg.BatchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	return total, flush()
}

// eachBatch pages through the job's rows of one kind with the given status,
// hands each batch to fn and saves it.
func (o *Orchestrator) eachBatch(ctx context.Context, run *jobRun, kind EntityKind, status StagingStatus, start time.Time, fn func([]StagingRecord) error) (int, error) {
	var (
		after int64
		total int
	)
	for {
		rows, err := o.deps.Staging.ListRows(ctx, StagingQuery{
			JobID:    run.job.ID,
			Kind:     kind,
			Statuses: []StagingStatus{status},
			AfterID:  after,
			Limit:    o.cfg.BatchSize,
		})
		if err != nil {
			return total, &SystemError{Stage: string(run.job.Status), Err: fmt.Errorf("load %s rows: %w", kind, err)}
		}
		if len(rows) == 0 {
			return total, nil
		}
		after = rows[len(rows)-1].ID

		if err := fn(rows); err != nil {
			return total, err
		}
		total += len(rows)

		if err := o.checkpoint(ctx, run.job, start); err != nil {
			return total, err
		}
		if len(rows) < o.cfg.BatchSize {
			return total, nil
		}
	}
}

// forEachRow runs fn on every row of a batch with the bounded worker pool.
// A panic in fn fails only that row and is logged as a system error.
func (o *Orchestrator) forEachRow(ctx context.Context, run *jobRun, stage string, rows []StagingRecord, fn func(ctx context.Context, rec *StagingRecord) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for i := range rows {
		rec := &rows[i]
		g.Go(func() error {
			err := o.runRow(gctx, rec, fn)
			var pe *PanicError
			if !errors.As(err, &pe) {
				return err
			}
			rec.Fail(pe)
			e := SystemErrorEntry(run.job.ID, stage, pe, pe.Stack, o.now())
			e.RowNumber = rec.RowNumber
			run.log.Record(gctx, e)
			return nil
		})
	}
	return g.Wait()
}

func (o *Orchestrator) runRow(ctx context.Context, rec *StagingRecord, fn func(ctx context.Context, rec *StagingRecord) error) (err error) {
	defer recoverRow(rec, &err)
	return fn(ctx, rec)
}

// mapRows applies the rule engine to pending rows.
func (o *Orchestrator) mapRows(ctx context.Context, run *jobRun, start time.Time) (int, error) {
	job := run.job
	total := 0

	for _, kind := range job.Type.Kinds() {
		def, ok := Get(kind)
		if !ok {
			return total, &SystemError{Stage: StageMapping, Err: fmt.Errorf("%w: %s", ErrUnknownKind, kind)}
		}
		rules, err := o.deps.Rules.ActiveRules(ctx, job.TenantID, kind)
		if err != nil {
			return total, &SystemError{Stage: StageMapping, Err: fmt.Errorf("load rules: %w", err)}
		}

		cfg := job.Mapping
		cfg.StrictUnmapped = cfg.StrictUnmapped || o.cfg.StrictUnmapped
		cfg.Heuristic = cfg.Heuristic || o.cfg.HeuristicMapping
		engine := NewRuleEngine(def, job.SourceSystem, rules, cfg)
		usage := make(map[int64]int64)

		var (
			mu         sync.Mutex
			unmapped   = make(map[string]bool)
			guessed    = make(map[string]HeuristicMatch)
			rowsMapped int
		)

		n, err := o.eachBatch(ctx, run, kind, RowPending, start, func(rows []StagingRecord) error {
			err := o.forEachRow(ctx, run, StageMapping, rows, func(ctx context.Context, rec *StagingRecord) error {
				res, err := engine.MapRow(rec)
				if err != nil {
					var me *MappingError
					if !errors.As(err, &me) {
						return err
					}
					rec.Fail(err)
					if me.RuleID != 0 {
						run.log.Record(ctx, TransformationFailedEntry(job.ID, kind, rec.RowNumber, me, rec.RawData[me.Field]))
					} else {
						run.log.Record(ctx, MappingFailedEntry(job.ID, kind, rec.RowNumber, me.Field, rec.RawData[me.Field]))
					}
					return nil
				}

				// Unmapped and guessed columns are reported once per kind.
				mu.Lock()
				var first []string
				for _, f := range res.Unmapped {
					if !unmapped[FoldKey(f)] {
						unmapped[FoldKey(f)] = true
						first = append(first, f)
					}
				}
				var guesses []HeuristicMatch
				for _, hm := range res.Heuristic {
					if _, seen := guessed[FoldKey(hm.Source)]; !seen {
						guessed[FoldKey(hm.Source)] = hm
						guesses = append(guesses, hm)
					}
				}
				rowsMapped++
				mu.Unlock()
				for _, f := range first {
					run.log.Record(ctx, MappingFailedEntry(job.ID, kind, rec.RowNumber, f, rec.RawData[f]))
				}
				for _, hm := range guesses {
					run.log.Record(ctx, AutoMappingEntry(job.ID, kind, rec.RowNumber, hm))
				}
				return rec.Transition(RowMapped)
			})
			if err != nil {
				return err
			}
			if err := o.deps.Staging.SaveRows(ctx, rows); err != nil {
				return &SystemError{Stage: StageMapping, Err: fmt.Errorf("save rows: %w", err)}
			}

			batchUsage := engine.Usage()
			if len(batchUsage) > 0 {
				if err := o.deps.Rules.IncrementUsage(ctx, batchUsage); err != nil {
					return &SystemError{Stage: StageMapping, Err: fmt.Errorf("record rule usage: %w", err)}
				}
				for id, c := range batchUsage {
					usage[id] += c
				}
			}
			return nil
		})
		total += n
		if err != nil {
			return total, err
		}
		if n > 0 {
			run.log.Record(ctx, MappingSummaryEntry(job.ID, kind, usage, rowsMapped))
		}
		o.learnRules(ctx, run, kind, guessed)
	}
	run.setSummary("mapped_rows", total)
	return total, nil
}

// learnRules saves confident guesses as tenant rules so later imports map
// those columns directly. A failed save only costs the shortcut.
func (o *Orchestrator) learnRules(ctx context.Context, run *jobRun, kind EntityKind, guessed map[string]HeuristicMatch) {
	for _, key := range sortedKeys(guessed) {
		hm := guessed[key]
		if hm.Confidence < HeuristicRuleConfidence {
			continue
		}
		rule := hm.LearnedRule(run.job.TenantID, kind, run.job.SourceSystem)
		id, created, err := o.deps.Rules.AddLearnedRule(ctx, rule)
		if err != nil {
			run.logger.Warn("save learned mapping rule", "source", hm.Source, "target", hm.Target, "error", err)
			continue
		}
		if created {
			run.log.Record(ctx, LearnedRuleEntry(run.job.ID, id, kind, hm))
		}
	}
}

// validate checks mapped rows and resolves duplicates.
func (o *Orchestrator) validate(ctx context.Context, run *jobRun, start time.Time) (int, error) {
	job := run.job
	total := 0
	resolver := NewDuplicateResolver(o.deps.Live, job.TenantID)

	for _, kind := range job.Type.Kinds() {
		def, ok := Get(kind)
		if !ok {
			return total, &SystemError{Stage: StageValidating, Err: fmt.Errorf("%w: %s", ErrUnknownKind, kind)}
		}
		validator, err := NewRecordValidator(def, job.Validation.Rules[kind])
		if err != nil {
			return total, err
		}
		validator.WithClock(o.now)

		n, err := o.eachBatch(ctx, run, kind, RowMapped, start, func(rows []StagingRecord) error {
			err := o.forEachRow(ctx, run, StageValidating, rows, func(ctx context.Context, rec *StagingRecord) error {
				if err := validator.Validate(rec); err != nil {
					if !IsRowLevel(err) {
						return err
					}
					run.log.Record(ctx, ValidationFailedEntry(job.ID, rec, true))
					return nil
				}
				if rec.HasValidationErrors() {
					run.log.Record(ctx, ValidationFailedEntry(job.ID, rec, false))
				}

				res, err := resolver.Resolve(ctx, def, rec)
				if err != nil {
					return &SystemError{Stage: StageValidating, Err: err}
				}
				if err := res.Apply(rec); err != nil {
					run.log.Record(ctx, DuplicateDetectedEntry(job.ID, rec, res.Ambiguous))
					return nil
				}
				if res.Found {
					run.log.Record(ctx, DuplicateDetectedEntry(job.ID, rec, res.Ambiguous))
				}
				return nil
			})
			if err != nil {
				return err
			}
			if err := o.deps.Staging.SaveRows(ctx, rows); err != nil {
				return &SystemError{Stage: StageValidating, Err: fmt.Errorf("save rows: %w", err)}
			}
			return nil
		})
		total += n
		if err != nil {
			return total, err
		}
	}
	run.setSummary("validated_rows", total)
	return total, nil
}

// commitRows promotes validated rows kind by kind in dependency order.
func (o *Orchestrator) commitRows(ctx context.Context, run *jobRun, start time.Time) (int, error) {
	job := run.job
	total := 0
	perKind := make(map[string]any)

	for _, kind := range job.Type.Kinds() {
		def, ok := Get(kind)
		if !ok {
			return total, &SystemError{Stage: StageCommitting, Err: fmt.Errorf("%w: %s", ErrUnknownKind, kind)}
		}

		var stats CommitStats
		kindStart := o.now()
		n, err := o.eachBatch(ctx, run, kind, RowValidated, start, func(rows []StagingRecord) error {
			s, err := run.commit.CommitRows(ctx, def, rows)
			stats.add(s)
			return err
		})
		stats.Duration = o.now().Sub(kindStart)
		total += n
		if n > 0 {
			run.log.Record(ctx, CommitSummaryEntry(job.ID, kind, stats))
			perKind[string(kind)] = map[string]int{
				"created": stats.Created,
				"updated": stats.Updated,
				"skipped": stats.Skipped,
				"failed":  stats.Failed,
			}
		}
		if err != nil {
			run.setSummary("committed", perKind)
			return total, err
		}
	}
	run.setSummary("committed", perKind)
	return total, nil
}
