package core

import (
	"math"
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

const (
	// HeuristicMinConfidence is the lowest similarity at which a header
	// without a rule is mapped to a field.
	HeuristicMinConfidence = 0.7
	// HeuristicRuleConfidence is the similarity from which a guessed mapping
	// is saved as a tenant rule.
	HeuristicRuleConfidence = 0.9
	// heuristicCeiling keeps guessed mappings below explicit rules.
	heuristicCeiling = 0.95
	// learnedRulePriority ranks saved guesses after required-field rules.
	learnedRulePriority = 60
)

// HeuristicMatch is a target field guessed for a header from its similarity
// to the field's name or to the source names of the field's rules.
type HeuristicMatch struct {
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	Via        string  `json:"via"`
	Confidence float64 `json:"confidence"`
}

// LearnedRule turns a guess into a tenant rule for kind.
func (m HeuristicMatch) LearnedRule(tenantID int64, kind EntityKind, sourceSystem string) MappingRule {
	return MappingRule{
		TenantID:       tenantID,
		EntityKind:     kind,
		SourceSystem:   sourceSystem,
		SourceField:    m.Source,
		TargetField:    m.Target,
		Transformation: TransformDirect,
		Priority:       learnedRulePriority,
		Confidence:     ClampConfidence(m.Confidence),
		IsActive:       true,
	}
}

var (
	headerSeparators = regexp.MustCompile(`[\s\-.]+`)
	headerQuotes     = regexp.MustCompile(`[\[\]()"'\x{201C}\x{201D}\x{2018}\x{2019}]`)
	headerCounter    = regexp.MustCompile(`_?\d+$`)
	headerPrefix     = regexp.MustCompile(`^(field_|col_|column_|attr_)`)
)

// NormalizeFieldName folds a column header for similarity scoring. Case and
// separators are unified; quotes, a trailing counter and generic column
// prefixes are dropped.
func NormalizeFieldName(name string) string {
	s := FoldKey(name)
	s = headerSeparators.ReplaceAllString(s, "_")
	s = headerQuotes.ReplaceAllString(s, "")
	s = headerCounter.ReplaceAllString(s, "")
	s = headerPrefix.ReplaceAllString(s, "")
	return strings.Trim(s, "_")
}

// FieldSimilarity scores two normalized header names in [0,1]. It blends edit
// distance, Jaro, substring containment and bigram overlap; Cyrillic names
// lean on Jaro and short names on edit distance.
func FieldSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}

	lev := 1 - float64(levenshtein(ra, rb))/float64(max(len(ra), len(rb)))
	jaro := jaroSimilarity(ra, rb)
	sub := substringScore(a, b)
	grams := bigramSimilarity(ra, rb)

	var score float64
	switch {
	case hasCyrillic(ra) || hasCyrillic(rb):
		score = 0.25*lev + 0.35*jaro + 0.2*sub + 0.2*grams
	case min(len(ra), len(rb)) <= 4:
		score = 0.45*lev + 0.3*jaro + 0.15*sub + 0.1*grams
	default:
		score = 0.3*lev + 0.3*jaro + 0.2*sub + 0.2*grams
	}
	return math.Max(0, math.Min(1, score))
}

// levenshtein keeps two rows of the edit matrix.
func levenshtein(a, b []rune) int {
	if len(a) > len(b) {
		a, b = b, a
	}
	prev := make([]int, len(a)+1)
	curr := make([]int, len(a)+1)
	for i := range prev {
		prev[i] = i
	}
	for j := 1; j <= len(b); j++ {
		curr[0] = j
		for i := 1; i <= len(a); i++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[i] = min(prev[i]+1, curr[i-1]+1, prev[i-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(a)]
}

func jaroSimilarity(a, b []rune) float64 {
	window := max(len(a), len(b))/2 - 1
	if window < 0 {
		window = 0
	}
	matchedA := make([]bool, len(a))
	matchedB := make([]bool, len(b))

	matches := 0
	for i := range a {
		lo, hi := max(0, i-window), min(i+window+1, len(b))
		for j := lo; j < hi; j++ {
			if matchedB[j] || a[i] != b[j] {
				continue
			}
			matchedA[i], matchedB[j] = true, true
			matches++
			break
		}
	}
	if matches == 0 {
		return 0
	}

	transpositions, k := 0, 0
	for i := range a {
		if !matchedA[i] {
			continue
		}
		for !matchedB[k] {
			k++
		}
		if a[i] != b[k] {
			transpositions++
		}
		k++
	}
	m := float64(matches)
	return (m/float64(len(a)) + m/float64(len(b)) + (m-float64(transpositions)/2)/m) / 3
}

// substringScore rewards one name containing the other, more so at the
// start or end. Without containment the longest shared run of three or more
// runes scores at a discount.
func substringScore(a, b string) float64 {
	long, short := a, b
	if utf8.RuneCountInString(short) > utf8.RuneCountInString(long) {
		long, short = short, long
	}
	longLen, shortLen := utf8.RuneCountInString(long), utf8.RuneCountInString(short)
	if shortLen == 0 {
		return 0
	}

	idx := strings.Index(long, short)
	if idx < 0 {
		return sharedRunScore(long, []rune(short))
	}
	pos := utf8.RuneCountInString(long[:idx])
	end := pos + shortLen

	boost := 0.0
	switch {
	case pos == 0:
		boost = 0.2
	case end == longLen:
		boost = 0.15
	case pos <= 2:
		boost = 0.1
	case end >= longLen-2:
		boost = 0.08
	}
	return math.Min(1, float64(shortLen)/float64(longLen)+boost)
}

func sharedRunScore(long string, short []rune) float64 {
	if len(short) < 3 {
		return 0
	}
	for n := len(short); n >= 3; n-- {
		for i := 0; i+n <= len(short); i++ {
			if strings.Contains(long, string(short[i:i+n])) {
				return float64(n) / float64(len(short)) * 0.7
			}
		}
	}
	return 0
}

func bigramSimilarity(a, b []rune) float64 {
	ga, gb := bigrams(a), bigrams(b)
	if len(ga) == 0 || len(gb) == 0 {
		return 0
	}
	shared := 0
	for g := range ga {
		if _, ok := gb[g]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(ga)+len(gb)-shared)
}

func bigrams(r []rune) map[[2]rune]struct{} {
	out := make(map[[2]rune]struct{}, len(r))
	for i := 0; i+1 < len(r); i++ {
		out[[2]rune{r[i], r[i+1]}] = struct{}{}
	}
	return out
}

func hasCyrillic(r []rune) bool {
	for _, c := range r {
		if unicode.Is(unicode.Cyrillic, c) {
			return true
		}
	}
	return false
}

// fieldMatcher guesses targets for headers no rule maps. Results are cached
// per header; it is safe for concurrent use.
type fieldMatcher struct {
	candidates []fieldCandidate
	cache      sync.Map // header -> heuristicResult
}

type fieldCandidate struct {
	target string
	name   string
	key    string
}

type heuristicResult struct {
	match HeuristicMatch
	ok    bool
}

// newFieldMatcher collects the names a header is compared with: every field
// of def, then the source field and variants of each rule targeting it.
func newFieldMatcher(def *EntityDefinition, rules []*PreparedRule) *fieldMatcher {
	m := &fieldMatcher{}
	seen := make(map[string]bool)
	add := func(target, name string) {
		key := NormalizeFieldName(name)
		if key == "" || seen[target+"\x00"+key] {
			return
		}
		seen[target+"\x00"+key] = true
		m.candidates = append(m.candidates, fieldCandidate{target: target, name: name, key: key})
	}

	for _, f := range def.FieldSpecs {
		add(f.Name, f.Name)
	}
	for _, r := range rules {
		if _, ok := def.Field(r.TargetField); !ok {
			continue
		}
		add(r.TargetField, r.SourceField)
		for _, v := range r.Variants {
			add(r.TargetField, v)
		}
	}
	return m
}

// Match returns the most similar target for header when it scores at least
// HeuristicMinConfidence. Ties go to the earlier candidate.
func (m *fieldMatcher) Match(header string) (HeuristicMatch, bool) {
	if v, ok := m.cache.Load(header); ok {
		r := v.(heuristicResult)
		return r.match, r.ok
	}

	var best HeuristicMatch
	if key := NormalizeFieldName(header); key != "" {
		for _, c := range m.candidates {
			if score := FieldSimilarity(key, c.key); score > best.Confidence {
				best = HeuristicMatch{Source: header, Target: c.target, Via: c.name, Confidence: score}
			}
		}
	}

	r := heuristicResult{}
	if best.Confidence >= HeuristicMinConfidence {
		best.Confidence = math.Min(best.Confidence, heuristicCeiling)
		r = heuristicResult{match: best, ok: true}
	}
	m.cache.Store(header, r)
	return r.match, r.ok
}
