package core

// commit.go promotes validated staged rows into live entities.
//
// Rows are committed in micro-batches. Each micro-batch is one transaction and
// each row inside it runs in its own savepoint, so a failing row is rolled back
// alone and the batch continues. Micro-batches of one entity kind run in
// parallel on a bounded worker pool; entity kinds are committed one after
// another in dependency order so that references resolve to rows committed
// earlier in the same job.

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// CommitStats counts the outcome of committing one entity kind.
type CommitStats struct {
	Created  int
	Updated  int
	Skipped  int
	Failed   int
	Duration time.Duration
}

// Committed returns the number of rows that reached committed.
func (s CommitStats) Committed() int { return s.Created + s.Updated + s.Skipped }

func (s *CommitStats) add(o CommitStats) {
	s.Created += o.Created
	s.Updated += o.Updated
	s.Skipped += o.Skipped
	s.Failed += o.Failed
}

// commitAction is what happened to one row.
type commitAction int

const (
	actionCreated commitAction = iota
	actionUpdated
	actionSkipped
)

// CommitEngine writes staged rows to the live store.
type CommitEngine struct {
	live      LiveStore
	staging   StagingStore
	batchSize int
	workers   int
}

// NewCommitEngine creates a commit engine. batchSize rows share a transaction;
// workers micro-batches run concurrently.
func NewCommitEngine(live LiveStore, staging StagingStore, batchSize, workers int) *CommitEngine {
	if batchSize <= 0 {
		batchSize = 50
	}
	if workers <= 0 {
		workers = 1
	}
	return &CommitEngine{live: live, staging: staging, batchSize: batchSize, workers: workers}
}

// CommitRun carries the state of committing one job. Its sibling index is
// shared by every entity kind of the job.
type CommitRun struct {
	engine   *CommitEngine
	job      *ImportJob
	tenant   TenantContext
	strategy DuplicateStrategy
	log      *ImportLog
	siblings *siblingIndex
}

// NewRun starts committing a job.
func (e *CommitEngine) NewRun(job *ImportJob, tenant TenantContext, log *ImportLog) *CommitRun {
	strategy := job.DuplicateStrategy
	if !strategy.Valid() {
		strategy = DuplicateUpdate
	}
	return &CommitRun{
		engine:   e,
		job:      job,
		tenant:   tenant,
		strategy: strategy,
		log:      log,
		siblings: newSiblingIndex(),
	}
}

// CommitRows commits validated rows of one entity kind and saves their new
// state. Row failures are recorded on the rows; the returned error is
// phase-level only.
func (r *CommitRun) CommitRows(ctx context.Context, def *EntityDefinition, rows []StagingRecord) (CommitStats, error) {
	start := time.Now()

	var (
		mu    sync.Mutex
		stats CommitStats
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.engine.workers)

	for lo := 0; lo < len(rows); lo += r.engine.batchSize {
		hi := min(lo+r.engine.batchSize, len(rows))
		batch := rows[lo:hi]

		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = &SystemError{Stage: StageCommitting, Err: fmt.Errorf("panic: %v", p)}
					r.log.Record(gctx, SystemErrorEntry(r.job.ID, StageCommitting, err, string(debug.Stack()), time.Now()))
				}
			}()

			s, err := r.commitBatch(gctx, def, batch)
			if err != nil {
				return err
			}
			mu.Lock()
			stats.add(s)
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	stats.Duration = time.Since(start)
	return stats, err
}

// commitBatch runs one micro-batch in a single transaction.
func (r *CommitRun) commitBatch(ctx context.Context, def *EntityDefinition, rows []StagingRecord) (CommitStats, error) {
	var stats CommitStats

	if err := ctx.Err(); err != nil {
		return stats, err
	}

	batch, err := r.engine.live.BeginBatch(ctx)
	if err != nil {
		return stats, &SystemError{Stage: StageCommitting, Err: fmt.Errorf("begin batch: %w", err)}
	}
	defer batch.Rollback(context.WithoutCancel(ctx))

	batchSiblings := newSiblingIndex()
	actions := make([]commitAction, len(rows))
	ok := make([]bool, len(rows))

	for i := range rows {
		rec := &rows[i]
		if rec.Status != RowValidated {
			continue
		}

		ref, action, err := r.commitRow(ctx, batch, def, rec, batchSiblings)
		if err != nil {
			if !IsRowLevel(err) {
				return stats, err
			}
			rec.Fail(err)
			stats.Failed++
			r.log.Record(ctx, RecordFailedEntry(r.job.ID, rec, err))
			r.recordUnexpected(ctx, err)
			continue
		}

		if err := rec.MarkCommitted(ref); err != nil {
			return stats, err
		}
		batchSiblings.add(def, rec)
		actions[i] = action
		ok[i] = true
	}

	if err := batch.Commit(ctx); err != nil {
		// Nothing in this batch reached the live store.
		cerr := &CommitError{Retryable: true, Err: fmt.Errorf("commit batch: %w", err)}
		n := 0
		for i := range rows {
			if ok[i] {
				rows[i].Status = RowValidated
				rows[i].Live = LiveRef{}
				rows[i].Fail(cerr)
				n++
			}
		}
		stats = CommitStats{Failed: stats.Failed + n}
		r.log.Record(ctx, RollbackEntry(r.job.ID, def.Kind, len(rows), err))
		if err := r.engine.staging.SaveRows(ctx, rows); err != nil {
			return stats, &SystemError{Stage: StageCommitting, Err: fmt.Errorf("save rows: %w", err)}
		}
		return stats, nil
	}

	for i := range rows {
		if !ok[i] {
			continue
		}
		switch actions[i] {
		case actionCreated:
			stats.Created++
		case actionUpdated:
			stats.Updated++
		case actionSkipped:
			stats.Skipped++
		}
		if rows[i].IsDuplicate {
			r.log.Record(ctx, DuplicateResolvedEntry(r.job.ID, &rows[i], r.strategy))
		}
	}
	r.siblings.merge(batchSiblings)

	if err := r.engine.staging.SaveRows(ctx, rows); err != nil {
		return stats, &SystemError{Stage: StageCommitting, Err: fmt.Errorf("save rows: %w", err)}
	}
	return stats, nil
}

// commitRow writes one row inside its own savepoint. A late uniqueness
// violation is retried once as an update in a fresh savepoint.
func (r *CommitRun) commitRow(ctx context.Context, batch CommitBatch, def *EntityDefinition, rec *StagingRecord, local *siblingIndex) (ref LiveRef, action commitAction, err error) {
	defer func() {
		if p := recover(); p != nil {
			ref, action = LiveRef{}, 0
			err = &CommitError{RowNumber: rec.RowNumber, Unexpected: true,
				Err: &PanicError{RowNumber: rec.RowNumber, Value: p, Stack: string(debug.Stack())}}
		}
	}()

	var id int64

	err = batch.Row(ctx, func(repo LiveRepository) (err error) {
		defer recoverRow(rec, &err)

		values, err := r.buildValues(ctx, repo, def, rec, local)
		if err != nil {
			return err
		}

		if rec.IsDuplicate && r.strategy != DuplicateCreateNew {
			id, action, err = r.applyDuplicate(ctx, repo, def, rec.ExistingID, values)
			return err
		}

		if r.strategy != DuplicateCreateNew {
			// Another writer may have created a match since the duplicate check.
			existing, found, err := r.findExisting(ctx, repo, def, rec)
			if err != nil {
				return err
			}
			if found {
				rec.MarkDuplicate(existing.key, existing.id)
				id, action, err = r.applyDuplicate(ctx, repo, def, existing.id, values)
				return err
			}
		}

		id, err = repo.Create(ctx, r.tenant.TenantID, def, values)
		action = actionCreated
		return err
	})

	if errors.Is(err, ErrUniqueViolation) && r.strategy != DuplicateCreateNew {
		err = batch.Row(ctx, func(repo LiveRepository) (err error) {
			defer recoverRow(rec, &err)

			existing, found, ferr := r.findExisting(ctx, repo, def, rec)
			if ferr != nil {
				return ferr
			}
			if !found {
				return &CommitError{RowNumber: rec.RowNumber, Retryable: true, Err: ErrUniqueViolation}
			}
			values, verr := r.buildValues(ctx, repo, def, rec, local)
			if verr != nil {
				return verr
			}
			rec.MarkDuplicate(existing.key, existing.id)
			id, action, verr = r.applyDuplicate(ctx, repo, def, existing.id, values)
			return verr
		})
	}

	if err != nil {
		return LiveRef{}, 0, classifyCommitError(rec, err)
	}
	return LiveRef{Kind: def.Kind, ID: id}, action, nil
}

// classifyCommitError turns store errors into row-level commit errors.
// Context cancellation and infrastructure failures stay phase-level.
func classifyCommitError(rec *StagingRecord, err error) error {
	var (
		ce *CommitError
		re *ReferenceError
		pe *PanicError
	)
	switch {
	case errors.As(err, &ce):
		return err
	case errors.As(err, &pe):
		return &CommitError{RowNumber: rec.RowNumber, Unexpected: true, Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.As(err, &re):
		return &CommitError{RowNumber: rec.RowNumber, Err: err}
	case errors.Is(err, ErrUniqueViolation):
		return &CommitError{RowNumber: rec.RowNumber, Retryable: true, Err: err}
	default:
		var se *SystemError
		if errors.As(err, &se) {
			return err
		}
		return &CommitError{RowNumber: rec.RowNumber, Unexpected: true, Err: err}
	}
}

// recordUnexpected logs an unexpected row failure as a system error, with the
// stack when the row panicked.
func (r *CommitRun) recordUnexpected(ctx context.Context, err error) {
	var ce *CommitError
	if !errors.As(err, &ce) || !ce.Unexpected {
		return
	}
	var stack string
	var pe *PanicError
	if errors.As(err, &pe) {
		stack = pe.Stack
	}
	e := SystemErrorEntry(r.job.ID, StageCommitting, ce.Err, stack, time.Now())
	e.RowNumber = ce.RowNumber
	r.log.Record(ctx, e)
}

func (r *CommitRun) applyDuplicate(ctx context.Context, repo LiveRepository, def *EntityDefinition, existingID int64, values LiveValues) (int64, commitAction, error) {
	if r.strategy == DuplicateSkip {
		return existingID, actionSkipped, nil
	}
	if err := repo.Update(ctx, r.tenant.TenantID, def, existingID, values); err != nil {
		return 0, 0, err
	}
	return existingID, actionUpdated, nil
}

type existingMatch struct {
	key string
	id  int64
}

// findExisting re-walks the match chain inside the transaction.
func (r *CommitRun) findExisting(ctx context.Context, repo LiveRepository, def *EntityDefinition, rec *StagingRecord) (existingMatch, bool, error) {
	for _, key := range def.MatchKeys {
		values, ok := key.KeyValues(rec)
		if !ok {
			continue
		}
		ids, err := repo.FindMatches(ctx, r.tenant.TenantID, def, key, values, 2)
		if err != nil {
			return existingMatch{}, false, err
		}
		if len(ids) == 1 {
			return existingMatch{key: key.Name, id: ids[0]}, true, nil
		}
	}
	return existingMatch{}, false, nil
}

// =============================================================================
// Value building
// =============================================================================

// buildValues converts transformed fields to live column values and resolves
// references and auxiliary data.
func (r *CommitRun) buildValues(ctx context.Context, repo LiveRepository, def *EntityDefinition, rec *StagingRecord, local *siblingIndex) (LiveValues, error) {
	values := make(LiveValues, len(def.FieldSpecs)+len(def.References)+len(def.AuxReferences))

	for _, spec := range def.FieldSpecs {
		if spec.Internal {
			continue
		}
		raw := strings.TrimSpace(rec.Value(spec.Name))
		if raw == "" {
			continue
		}
		if spec.Normalizer != nil {
			raw = spec.Normalizer(raw)
		}
		v, ok := ColumnValue(spec, raw)
		if !ok {
			if spec.Required {
				return nil, &CommitError{
					RowNumber: rec.RowNumber,
					Err:       fmt.Errorf("%s: invalid %s value %q", spec.Name, fieldTypeName(spec.Type), raw),
				}
			}
			continue
		}
		values[spec.Column()] = v
	}

	for _, ref := range def.References {
		id, err := r.resolveReference(ctx, repo, rec, ref, local)
		if err != nil {
			return nil, err
		}
		if id != 0 {
			values[ref.Column] = id
		}
	}

	for _, aux := range def.AuxReferences {
		id, err := r.resolveAux(ctx, repo, def, rec, aux)
		if err != nil {
			return nil, err
		}
		if id != 0 {
			values[aux.Column] = id
		}
	}
	return values, nil
}

// ColumnValue converts a transformed value to the column type of spec.
// Returns false for values that do not convert.
func ColumnValue(spec FieldSpec, raw string) (any, bool) {
	switch spec.Type {
	case FieldNumeric:
		n := ToPgNumeric(raw)
		return n, n.Valid
	case FieldInteger:
		n := ToPgInt8(raw)
		return n, n.Valid
	case FieldDate:
		d := ToPgDate(raw)
		return d, d.Valid
	case FieldBool:
		b := ToPgBool(raw)
		return b, b.Valid
	case FieldEmail:
		if !IsEmail(raw) {
			return nil, false
		}
		return strings.ToLower(raw), true
	case FieldEnum:
		for _, ev := range spec.EnumValues {
			if EqualFold(ev, raw) {
				return ev, true
			}
		}
		return nil, len(spec.EnumValues) == 0
	default:
		return raw, true
	}
}

// resolveReference finds the live id a reference field points at: first a
// row committed earlier in this job, then the live store.
func (r *CommitRun) resolveReference(ctx context.Context, repo LiveRepository, rec *StagingRecord, ref Reference, local *siblingIndex) (int64, error) {
	value := strings.TrimSpace(rec.Value(ref.Field))
	if value == "" {
		if ref.Required {
			return 0, &ReferenceError{Field: ref.Field, What: string(ref.Target)}
		}
		return 0, nil
	}

	if id, ok := local.lookup(ref.Target, ref.TargetField, value); ok {
		return id, nil
	}
	if id, ok := r.siblings.lookup(ref.Target, ref.TargetField, value); ok {
		return id, nil
	}
	id, ok, err := r.engine.staging.FindCommitted(ctx, r.job.ID, ref.Target, ref.TargetField, value)
	if err != nil {
		return 0, err
	}
	if ok {
		return id, nil
	}

	target, known := Get(ref.Target)
	if !known {
		return 0, fmt.Errorf("%w: %s", ErrUnknownKind, ref.Target)
	}
	key := MatchKey{Name: ref.TargetField, Fields: []string{ref.TargetField}, Mode: ref.Mode}
	ids, err := repo.FindMatches(ctx, r.tenant.TenantID, target, key, []string{value}, 2)
	if err != nil {
		return 0, err
	}
	switch {
	case len(ids) == 1:
		return ids[0], nil
	case len(ids) > 1:
		return 0, &ReferenceError{Field: ref.Field, Value: value, What: "unique " + string(ref.Target)}
	case ref.Required:
		return 0, &ReferenceError{Field: ref.Field, Value: value, What: string(ref.Target)}
	default:
		return 0, nil
	}
}

// resolveAux resolves currency, category, payment method or country.
// Names are normalized with the field's normalizer before lookup.
func (r *CommitRun) resolveAux(ctx context.Context, repo LiveRepository, def *EntityDefinition, rec *StagingRecord, aux AuxReference) (int64, error) {
	name := strings.TrimSpace(rec.Value(aux.Field))
	if spec, ok := def.Field(aux.Field); ok && spec.Normalizer != nil && name != "" {
		name = spec.Normalizer(name)
	}
	if name == "" {
		switch aux.Fallback {
		case "":
			return 0, nil
		case FallbackTenantCurrency:
			name = r.tenant.DefaultCurrency
		default:
			name = aux.Fallback
		}
		if name == "" {
			return 0, nil
		}
	}

	if aux.Mode == AuxFindOrCreate {
		return repo.FindOrCreateAux(ctx, r.tenant.TenantID, aux.Kind, name)
	}

	id, ok, err := repo.LookupAux(ctx, r.tenant.TenantID, aux.Kind, name)
	if err != nil {
		return 0, err
	}
	if !ok {
		if aux.Optional {
			return 0, nil
		}
		return 0, &ReferenceError{Field: aux.Field, Value: name, What: string(aux.Kind)}
	}
	return id, nil
}

// =============================================================================
// Sibling index
// =============================================================================

// referencedFields lists, per kind, the fields other kinds reference.
func referencedFields(kind EntityKind) []string {
	var fields []string
	seen := make(map[string]bool)
	for _, def := range All() {
		for _, ref := range def.References {
			if ref.Target == kind && !seen[ref.TargetField] {
				seen[ref.TargetField] = true
				fields = append(fields, ref.TargetField)
			}
		}
	}
	return fields
}

// siblingIndex maps referenced field values of committed rows to live ids.
type siblingIndex struct {
	mu  sync.RWMutex
	ids map[string]int64
}

func newSiblingIndex() *siblingIndex {
	return &siblingIndex{ids: make(map[string]int64)}
}

func siblingKey(kind EntityKind, field, value string) string {
	return string(kind) + "\x00" + field + "\x00" + FoldKey(value)
}

func (s *siblingIndex) add(def *EntityDefinition, rec *StagingRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range referencedFields(def.Kind) {
		if v := strings.TrimSpace(rec.Value(f)); v != "" {
			s.ids[siblingKey(def.Kind, f, v)] = rec.Live.ID
		}
	}
}

func (s *siblingIndex) lookup(kind EntityKind, field, value string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.ids[siblingKey(kind, field, value)]
	return id, ok
}

func (s *siblingIndex) merge(o *siblingIndex) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range o.ids {
		s.ids[k] = v
	}
}
