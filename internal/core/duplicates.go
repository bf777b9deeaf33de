package core

import (
	"context"
	"fmt"
)

// DuplicateResult describes the duplicate check of one row.
type DuplicateResult struct {
	Found      bool
	MatchField string
	ExistingID int64

	// Ambiguous is the first key that matched several records. It is kept
	// when a later key still matches uniquely, so the row can be reviewed.
	Ambiguous *DuplicateAmbiguityError
}

// DuplicateResolver walks an entity kind's match chain against live records.
type DuplicateResolver struct {
	reader   LiveReader
	tenantID int64
}

// NewDuplicateResolver creates a resolver scoped to one tenant.
func NewDuplicateResolver(reader LiveReader, tenantID int64) *DuplicateResolver {
	return &DuplicateResolver{reader: reader, tenantID: tenantID}
}

// Resolve tries each match key in order. The first key with exactly one
// live match wins. Keys with several matches are remembered and the chain
// continues; the first ambiguity is reported whether or not a later key
// matched.
func (r *DuplicateResolver) Resolve(ctx context.Context, def *EntityDefinition, rec *StagingRecord) (DuplicateResult, error) {
	var ambiguous *DuplicateAmbiguityError

	for _, key := range def.MatchKeys {
		values, ok := key.KeyValues(rec)
		if !ok {
			continue
		}
		ids, err := r.reader.FindMatches(ctx, r.tenantID, def, key, values, 2)
		if err != nil {
			return DuplicateResult{}, fmt.Errorf("match %s by %s: %w", def.Kind, key.Name, err)
		}
		switch len(ids) {
		case 0:
			continue
		case 1:
			return DuplicateResult{Found: true, MatchField: key.Name, ExistingID: ids[0], Ambiguous: ambiguous}, nil
		default:
			if ambiguous == nil {
				ambiguous = &DuplicateAmbiguityError{Kind: def.Kind, Key: key.Name, Candidates: ids}
			}
		}
	}

	return DuplicateResult{Ambiguous: ambiguous}, nil
}

// Apply records the result on the row. A row matched only by a weaker key
// after an ambiguous one stays a duplicate but is flagged for review. A row
// with no unique match is flagged and failed; the returned error is the
// ambiguity.
func (res DuplicateResult) Apply(rec *StagingRecord) error {
	switch {
	case res.Found:
		rec.MarkDuplicate(res.MatchField, res.ExistingID)
		rec.ReviewRequired = res.Ambiguous != nil
	case res.Ambiguous != nil:
		rec.FlagForReview(res.Ambiguous.Key)
		rec.Fail(res.Ambiguous)
		return res.Ambiguous
	}
	return nil
}
