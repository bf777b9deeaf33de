package core_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bloodyteeths/mkfakturi-sub002/internal/core"
)

// memStore is an in-memory implementation of every store port the
// orchestrator drives. It mirrors the Postgres store's semantics closely
// enough for end-to-end pipeline tests.
type memStore struct {
	mu sync.Mutex

	jobs   map[string]*core.ImportJob
	files  map[string][]core.JobFile
	cancel map[string]bool

	rows      []core.StagingRecord
	nextRowID int64

	rules      []core.MappingRule
	nextRuleID int64

	logs      []core.LogEntry
	nextLogID int64

	tenants map[int64]core.TenantContext

	live     []*liveEntity
	nextLive int64
	unique   map[string]int64
	aux      map[core.AuxKind]map[string]int64
	nextAux  int64

	// failCommits makes the next n batch commits fail.
	failCommits int
	// failUsage is returned once by IncrementUsage.
	failUsage error
	// beforeCreate runs once, outside the lock, before the next live insert.
	beforeCreate func()
	// createHook runs before every live insert; a non-nil error fails it.
	createHook func(values core.LiveValues) error
	// claimed lists job IDs in the order ClaimNextJob handed them out.
	claimed []string
}

type liveEntity struct {
	id     int64
	tenant int64
	kind   core.EntityKind
	values core.LiveValues
}

// uniqueColumns are the live columns guarded by a unique index per tenant.
var uniqueColumns = map[core.EntityKind]string{
	core.KindCustomer: "email",
	core.KindInvoice:  "invoice_number",
}

func newMemStore() *memStore {
	return &memStore{
		jobs:   make(map[string]*core.ImportJob),
		files:  make(map[string][]core.JobFile),
		cancel: make(map[string]bool),
		tenants: map[int64]core.TenantContext{
			1: {TenantID: 1, DefaultCurrency: "MKD", Locale: "mk"},
			2: {TenantID: 2, DefaultCurrency: "EUR", Locale: "en"},
		},
		unique: make(map[string]int64),
		aux: map[core.AuxKind]map[string]int64{
			core.AuxCurrency: {"mkd": 1, "eur": 2, "usd": 3},
			core.AuxCountry:  {"mk": 10, "rs": 11},
		},
		nextAux: 100,
	}
}

// =============================================================================
// JobStore
// =============================================================================

func cloneJob(j *core.ImportJob) *core.ImportJob {
	c := *j
	c.Files = append([]core.FileInfo(nil), j.Files...)
	if j.Summary != nil {
		c.Summary = make(map[string]any, len(j.Summary))
		for k, v := range j.Summary {
			c.Summary[k] = v
		}
	}
	if j.ErrorDetails != nil {
		c.ErrorDetails = make(map[string]any, len(j.ErrorDetails))
		for k, v := range j.ErrorDetails {
			c.ErrorDetails[k] = v
		}
	}
	return &c
}

func (s *memStore) CreateJob(_ context.Context, job *core.ImportJob, files []core.JobFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s exists", job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	s.files[job.ID] = append([]core.JobFile(nil), files...)
	return nil
}

func (s *memStore) GetJob(_ context.Context, id string) (*core.ImportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, core.ErrJobNotFound
	}
	c := cloneJob(j)
	c.CancelRequested = s.cancel[id]
	return c, nil
}

func (s *memStore) ListJobs(_ context.Context, f core.JobFilter) ([]core.ImportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.ImportJob
	for _, j := range s.jobs {
		if f.TenantID != 0 && j.TenantID != f.TenantID {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Type != "" && j.Type != f.Type {
			continue
		}
		out = append(out, *cloneJob(j))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

func (s *memStore) UpdateJob(_ context.Context, job *core.ImportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return core.ErrJobNotFound
	}
	if job.Status == core.StatusPending {
		s.cancel[job.ID] = job.CancelRequested
	} else if job.CancelRequested {
		s.cancel[job.ID] = true
	}
	job.UpdatedAt = time.Now()
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *memStore) ClaimNextJob(_ context.Context, staleAfter time.Duration) (*core.ImportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var pick *core.ImportJob
	for _, j := range s.jobs {
		claimable := j.Status == core.StatusPending ||
			(staleAfter > 0 && j.Status.IsInProgress() && j.HeartbeatAt != nil && now.Sub(*j.HeartbeatAt) > staleAfter)
		if !claimable {
			continue
		}
		if pick == nil || j.CreatedAt.Before(pick.CreatedAt) {
			pick = j
		}
	}
	if pick == nil {
		return nil, core.ErrNoRows
	}

	if pick.Status == core.StatusPending {
		pick.Status = core.StatusParsing
	}
	pick.Attempts++
	if pick.StartedAt == nil {
		pick.StartedAt = &now
	}
	pick.HeartbeatAt = &now
	s.claimed = append(s.claimed, pick.ID)
	return cloneJob(pick), nil
}

func (s *memStore) claimOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.claimed...)
}

func (s *memStore) Heartbeat(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return core.ErrJobNotFound
	}
	now := time.Now()
	j.HeartbeatAt = &now
	return nil
}

func (s *memStore) RequestCancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return core.ErrJobNotFound
	}
	s.cancel[id] = true
	return nil
}

func (s *memStore) IsCancelRequested(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel[id], nil
}

func (s *memStore) JobFiles(_ context.Context, id string) ([]core.JobFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return nil, core.ErrJobNotFound
	}
	return append([]core.JobFile(nil), s.files[id]...), nil
}

// setStatus forces a job into a phase, as if a worker had stopped there.
func (s *memStore) setStatus(id string, status core.JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id].Status = status
}

// =============================================================================
// StagingStore
// =============================================================================

func cloneRecord(r core.StagingRecord) core.StagingRecord {
	c := r
	c.RawData = cloneStrings(r.RawData)
	c.Transformed = cloneStrings(r.Transformed)
	if r.ValidationErrors != nil {
		c.ValidationErrors = make(map[string][]string, len(r.ValidationErrors))
		for k, v := range r.ValidationErrors {
			c.ValidationErrors[k] = append([]string(nil), v...)
		}
	}
	if r.MappingConfidence != nil {
		c.MappingConfidence = make(map[string]float64, len(r.MappingConfidence))
		for k, v := range r.MappingConfidence {
			c.MappingConfidence[k] = v
		}
	}
	c.TransformationLog = append([]core.TransformationEntry(nil), r.TransformationLog...)
	return c
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func (s *memStore) InsertRows(_ context.Context, rows []core.StagingRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range rows {
		if s.rowIndex(r.JobID, r.Kind, r.RowNumber) >= 0 {
			continue
		}
		s.nextRowID++
		r = cloneRecord(r)
		r.ID = s.nextRowID
		r.CreatedAt = time.Now()
		r.UpdatedAt = r.CreatedAt
		s.rows = append(s.rows, r)
		n++
	}
	return n, nil
}

func (s *memStore) rowIndex(jobID string, kind core.EntityKind, rowNumber int) int {
	for i := range s.rows {
		if s.rows[i].JobID == jobID && s.rows[i].Kind == kind && s.rows[i].RowNumber == rowNumber {
			return i
		}
	}
	return -1
}

func (s *memStore) ListRows(_ context.Context, q core.StagingQuery) ([]core.StagingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.StagingRecord
	for _, r := range s.rows {
		if r.JobID != q.JobID || (q.Kind != "" && r.Kind != q.Kind) || r.ID <= q.AfterID {
			continue
		}
		if len(q.Statuses) > 0 && !hasStatus(q.Statuses, r.Status) {
			continue
		}
		out = append(out, cloneRecord(r))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func hasStatus(list []core.StagingStatus, s core.StagingStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (s *memStore) SaveRows(_ context.Context, rows []core.StagingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		found := false
		for i := range s.rows {
			if s.rows[i].ID == r.ID {
				r = cloneRecord(r)
				r.UpdatedAt = time.Now()
				s.rows[i] = r
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("staged row %d not found", r.ID)
		}
	}
	return nil
}

func (s *memStore) CountByStatus(_ context.Context, jobID string) (map[core.StagingStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[core.StagingStatus]int)
	for _, r := range s.rows {
		if r.JobID == jobID {
			counts[r.Status]++
		}
	}
	return counts, nil
}

func (s *memStore) ResetForRetry(_ context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.rows {
		if s.rows[i].JobID == jobID && s.rows[i].Status != core.RowCommitted {
			s.rows[i].ResetForRetry()
			n++
		}
	}
	return n, nil
}

func (s *memStore) FindCommitted(_ context.Context, jobID string, kind core.EntityKind, field, value string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *core.StagingRecord
	for i := range s.rows {
		r := &s.rows[i]
		if r.JobID != jobID || r.Kind != kind || r.Status != core.RowCommitted {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(r.Transformed[field]), strings.TrimSpace(value)) {
			continue
		}
		if best == nil || r.RowNumber < best.RowNumber {
			best = r
		}
	}
	if best == nil {
		return 0, false, nil
	}
	return best.Live.ID, true, nil
}

func (s *memStore) PurgeFinished(_ context.Context, olderThan time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		kept   []core.StagingRecord
		purged int64
	)
	for _, r := range s.rows {
		j := s.jobs[r.JobID]
		expired := j != nil && j.Status.IsTerminal() && j.CompletedAt != nil && j.CompletedAt.Before(olderThan)
		if expired && (limit <= 0 || purged < int64(limit)) {
			purged++
			continue
		}
		kept = append(kept, r)
	}
	s.rows = kept
	return purged, nil
}

// =============================================================================
// RuleStore
// =============================================================================

func (s *memStore) ActiveRules(_ context.Context, tenantID int64, kind core.EntityKind) ([]core.MappingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.MappingRule
	for _, r := range s.rules {
		if r.IsActive && r.EntityKind == kind && (r.TenantID == 0 || r.TenantID == tenantID) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) ruleIndex(id int64) int {
	for i := range s.rules {
		if s.rules[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *memStore) GetRule(_ context.Context, id int64) (*core.MappingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.ruleIndex(id)
	if i < 0 {
		return nil, core.ErrRuleNotFound
	}
	r := s.rules[i]
	return &r, nil
}

func (s *memStore) ListRules(_ context.Context, f core.RuleFilter) ([]core.MappingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.MappingRule
	for _, r := range s.rules {
		switch {
		case f.TenantID != 0 && r.TenantID != 0 && r.TenantID != f.TenantID:
		case f.Kind != "" && r.EntityKind != f.Kind:
		case f.SourceSystem != "" && r.SourceSystem != f.SourceSystem:
		case f.Transformation != "" && r.Transformation != f.Transformation:
		case f.ActiveOnly && !r.IsActive:
		case f.SystemOnly && !r.IsSystem:
		default:
			out = append(out, r)
		}
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memStore) IncrementUsage(_ context.Context, counts map[int64]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failUsage; err != nil {
		s.failUsage = nil
		return err
	}
	for id, n := range counts {
		if i := s.ruleIndex(id); i >= 0 {
			s.rules[i].IncrementUsage(n)
		}
	}
	return nil
}

func (s *memStore) RecordSuccess(_ context.Context, id int64) (*core.MappingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.ruleIndex(id)
	if i < 0 {
		return nil, core.ErrRuleNotFound
	}
	s.rules[i].RecordSuccess()
	r := s.rules[i]
	return &r, nil
}

func (s *memStore) SetActive(_ context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.ruleIndex(id)
	if i < 0 {
		return core.ErrRuleNotFound
	}
	if active {
		s.rules[i].Activate()
	} else {
		s.rules[i].Deactivate()
	}
	return nil
}

func (s *memStore) UpsertSystemRules(_ context.Context, rules []core.MappingRule) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range rules {
		r.IsSystem = true
		r.TenantID = 0
		idx := -1
		for i, e := range s.rules {
			if e.IsSystem && e.EntityKind == r.EntityKind && e.SourceSystem == r.SourceSystem &&
				e.SourceField == r.SourceField && e.TargetField == r.TargetField {
				idx = i
				break
			}
		}
		if idx >= 0 {
			r.ID = s.rules[idx].ID
			r.UsageCount = s.rules[idx].UsageCount
			r.SuccessCount = s.rules[idx].SuccessCount
			r.SuccessRate = s.rules[idx].SuccessRate
			s.rules[idx] = r
		} else {
			s.nextRuleID++
			r.ID = s.nextRuleID
			s.rules = append(s.rules, r)
		}
		n++
	}
	return n, nil
}

func (s *memStore) AddLearnedRule(_ context.Context, r core.MappingRule) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.rules {
		if e.TenantID == r.TenantID && e.EntityKind == r.EntityKind && e.SourceSystem == r.SourceSystem &&
			e.SourceField == r.SourceField && e.TargetField == r.TargetField {
			return e.ID, false, nil
		}
	}
	s.nextRuleID++
	r.ID = s.nextRuleID
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	s.rules = append(s.rules, r)
	return r.ID, true, nil
}

// addRule stores a tenant rule and returns its id.
func (s *memStore) addRule(r core.MappingRule) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRuleID++
	r.ID = s.nextRuleID
	s.rules = append(s.rules, r)
	return r.ID
}

// ruleFor returns the system rule mapping kind's target field.
func (s *memStore) ruleFor(kind core.EntityKind, target string) core.MappingRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rules {
		if r.EntityKind == kind && r.TargetField == target && r.SourceSystem == "" {
			return r
		}
	}
	return core.MappingRule{}
}

// =============================================================================
// LogStore
// =============================================================================

func (s *memStore) AppendLogs(_ context.Context, entries []core.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.nextLogID++
		e.ID = s.nextLogID
		s.logs = append(s.logs, e)
	}
	return nil
}

func (s *memStore) QueryLogs(_ context.Context, f core.LogFilter) ([]core.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.LogEntry
	for i := range s.logs {
		if f.Matches(&s.logs[i]) {
			out = append(out, s.logs[i])
		}
	}
	return out, nil
}

func (s *memStore) SummarizeLogs(_ context.Context, jobID string) (core.LogSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum core.LogSummary
	for i := range s.logs {
		if s.logs[i].JobID == jobID {
			sum.Add(&s.logs[i])
		}
	}
	return sum, nil
}

func (s *memStore) TagForAudit(_ context.Context, jobID string, until time.Time, tags []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.logs {
		e := &s.logs[i]
		if e.JobID != jobID {
			continue
		}
		e.AuditRequired = true
		u := until
		e.RetentionUntil = &u
		for _, t := range tags {
			e.AddComplianceTag(t)
		}
		n++
	}
	return n, nil
}

func (s *memStore) PurgeExpiredLogs(_ context.Context, now time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		kept   []core.LogEntry
		purged int64
	)
	for _, e := range s.logs {
		expired := e.RetentionUntil != nil && e.RetentionUntil.Before(now)
		if expired && (limit <= 0 || purged < int64(limit)) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	s.logs = kept
	return purged, nil
}

// logsOf returns a job's entries of one type.
func (s *memStore) logsOf(jobID string, typ core.LogType) []core.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.LogEntry
	for _, e := range s.logs {
		if e.JobID == jobID && e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// =============================================================================
// TenantDirectory
// =============================================================================

func (s *memStore) Tenant(_ context.Context, tenantID int64) (core.TenantContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tenants[tenantID]; ok {
		return t, nil
	}
	return core.TenantContext{TenantID: tenantID}, nil
}

// =============================================================================
// LiveStore
// =============================================================================

func uniqueKey(tenant int64, kind core.EntityKind, value any) string {
	return fmt.Sprintf("%d|%s|%s", tenant, kind, core.FoldKey(fmt.Sprint(value)))
}

func (s *memStore) FindMatches(_ context.Context, tenantID int64, def *core.EntityDefinition, key core.MatchKey, values []string, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return matchEntities(s.live, tenantID, def, key, values, limit), nil
}

func matchEntities(entities []*liveEntity, tenantID int64, def *core.EntityDefinition, key core.MatchKey, values []string, limit int) []int64 {
	if len(values) != len(key.Fields) {
		return nil
	}
	if limit <= 0 {
		limit = 2
	}
	var ids []int64
	for _, e := range entities {
		if e.tenant != tenantID || e.kind != def.Kind {
			continue
		}
		if entityMatches(e, def, key, values) {
			ids = append(ids, e.id)
			if len(ids) == limit {
				break
			}
		}
	}
	return ids
}

func entityMatches(e *liveEntity, def *core.EntityDefinition, key core.MatchKey, values []string) bool {
	for i, field := range key.Fields {
		spec, ok := def.Field(field)
		if !ok {
			return false
		}
		want := values[i]
		if spec.Normalizer != nil {
			want = spec.Normalizer(want)
		}
		col := spec.Column()
		if key.Mode == core.MatchContains && key.Column != "" {
			col = key.Column
		}
		v, ok := e.values[col]
		if !ok {
			return false
		}
		got := fmt.Sprint(v)
		switch key.Mode {
		case core.MatchFold:
			if !strings.EqualFold(got, want) {
				return false
			}
		case core.MatchContains:
			if !core.ContainsFold(got, want) {
				return false
			}
		default:
			if got != want {
				return false
			}
		}
	}
	return true
}

func (s *memStore) BeginBatch(context.Context) (core.CommitBatch, error) {
	return &memBatch{store: s}, nil
}

// seedLive inserts a committed live entity directly.
func (s *memStore) seedLive(tenant int64, kind core.EntityKind, values core.LiveValues) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLive++
	e := &liveEntity{id: s.nextLive, tenant: tenant, kind: kind, values: values}
	s.live = append(s.live, e)
	if col, ok := uniqueColumns[kind]; ok {
		if v, ok := values[col]; ok {
			s.unique[uniqueKey(tenant, kind, v)] = e.id
		}
	}
	return e.id
}

// liveOf returns committed entities of one kind in id order.
func (s *memStore) liveOf(kind core.EntityKind) []liveEntity {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []liveEntity
	for _, e := range s.live {
		if e.kind == kind {
			c := *e
			c.values = make(core.LiveValues, len(e.values))
			for k, v := range e.values {
				c.values[k] = v
			}
			out = append(out, c)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].id < out[b].id })
	return out
}

func (s *memStore) liveByID(id int64) (liveEntity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.live {
		if e.id == id {
			return *e, true
		}
	}
	return liveEntity{}, false
}

// memBatch buffers creates and updates until Commit. Unique keys are
// reserved at insert time so concurrent batches conflict like row locks do.
type memBatch struct {
	store   *memStore
	created []*liveEntity
	updates map[int64]core.LiveValues
	keys    []string
	done    bool
}

func (b *memBatch) Row(ctx context.Context, fn func(repo core.LiveRepository) error) error {
	tx := &memRowTx{batch: b}
	if err := fn(tx); err != nil {
		b.store.mu.Lock()
		for _, k := range tx.keys {
			delete(b.store.unique, k)
		}
		b.store.mu.Unlock()
		return err
	}
	b.created = append(b.created, tx.created...)
	b.keys = append(b.keys, tx.keys...)
	for id, v := range tx.updates {
		if b.updates == nil {
			b.updates = make(map[int64]core.LiveValues)
		}
		b.updates[id] = v
	}
	return nil
}

func (b *memBatch) Commit(context.Context) error {
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.done {
		return errors.New("batch already finished")
	}
	b.done = true
	if s.failCommits > 0 {
		s.failCommits--
		for _, k := range b.keys {
			delete(s.unique, k)
		}
		return errors.New("connection reset by peer")
	}
	s.live = append(s.live, b.created...)
	for id, values := range b.updates {
		for _, e := range s.live {
			if e.id == id {
				for k, v := range values {
					e.values[k] = v
				}
			}
		}
	}
	return nil
}

func (b *memBatch) Rollback(context.Context) error {
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.done {
		return nil
	}
	b.done = true
	for _, k := range b.keys {
		delete(s.unique, k)
	}
	return nil
}

// memRowTx is one savepoint inside a batch.
type memRowTx struct {
	batch   *memBatch
	created []*liveEntity
	updates map[int64]core.LiveValues
	keys    []string
}

func (t *memRowTx) FindMatches(_ context.Context, tenantID int64, def *core.EntityDefinition, key core.MatchKey, values []string, limit int) ([]int64, error) {
	s := t.batch.store
	s.mu.Lock()
	defer s.mu.Unlock()
	visible := make([]*liveEntity, 0, len(s.live)+len(t.batch.created)+len(t.created))
	visible = append(visible, s.live...)
	visible = append(visible, t.batch.created...)
	visible = append(visible, t.created...)
	return matchEntities(visible, tenantID, def, key, values, limit), nil
}

func (t *memRowTx) Create(_ context.Context, tenantID int64, def *core.EntityDefinition, values core.LiveValues) (int64, error) {
	s := t.batch.store

	s.mu.Lock()
	hook := s.beforeCreate
	s.beforeCreate = nil
	check := s.createHook
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	if check != nil {
		if err := check(values); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var key string
	if col, ok := uniqueColumns[def.Kind]; ok {
		if v, ok := values[col]; ok {
			key = uniqueKey(tenantID, def.Kind, v)
			if _, taken := s.unique[key]; taken {
				return 0, core.ErrUniqueViolation
			}
		}
	}
	s.nextLive++
	e := &liveEntity{id: s.nextLive, tenant: tenantID, kind: def.Kind, values: make(core.LiveValues, len(values))}
	for k, v := range values {
		e.values[k] = v
	}
	if key != "" {
		s.unique[key] = e.id
		t.keys = append(t.keys, key)
	}
	t.created = append(t.created, e)
	return e.id, nil
}

func (t *memRowTx) Update(_ context.Context, tenantID int64, def *core.EntityDefinition, id int64, values core.LiveValues) error {
	s := t.batch.store
	s.mu.Lock()
	defer s.mu.Unlock()

	// Rows created earlier in this batch are not visible outside it yet.
	for _, e := range append(append([]*liveEntity(nil), t.batch.created...), t.created...) {
		if e.id == id {
			for k, v := range values {
				e.values[k] = v
			}
			return nil
		}
	}

	found := false
	for _, e := range s.live {
		if e.id == id && e.tenant == tenantID && e.kind == def.Kind {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%s %d not found", def.Kind, id)
	}
	if t.updates == nil {
		t.updates = make(map[int64]core.LiveValues)
	}
	c := make(core.LiveValues, len(values))
	for k, v := range values {
		c[k] = v
	}
	t.updates[id] = c
	return nil
}

func (t *memRowTx) LookupAux(_ context.Context, _ int64, kind core.AuxKind, name string) (int64, bool, error) {
	s := t.batch.store
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.aux[kind][core.FoldKey(name)]
	return id, ok, nil
}

func (t *memRowTx) FindOrCreateAux(_ context.Context, _ int64, kind core.AuxKind, name string) (int64, error) {
	s := t.batch.store
	s.mu.Lock()
	defer s.mu.Unlock()
	key := core.FoldKey(name)
	if id, ok := s.aux[kind][key]; ok {
		return id, nil
	}
	if kind != core.AuxCategory && kind != core.AuxPaymentMethod {
		return 0, &core.ReferenceError{Field: string(kind), Value: name, What: string(kind)}
	}
	if s.aux[kind] == nil {
		s.aux[kind] = make(map[string]int64)
	}
	s.nextAux++
	s.aux[kind][key] = s.nextAux
	return s.nextAux, nil
}
