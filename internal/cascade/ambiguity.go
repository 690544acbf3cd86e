package cascade

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"cascade/internal/config"
	"cascade/internal/logging"
)

// categoryPattern pairs a detection regex with its category and base
// detection confidence.
type categoryPattern struct {
	re         *regexp.Regexp
	category   AmbiguityCategory
	confidence float64
}

var categoryPatterns = []categoryPattern{
	{regexp.MustCompile(`(?i)\b(the file|the function|the class|the module|the service)\b(?:\s*$|\s+(?:and|or|to|so|in|for)\b)`), MissingContext, 0.9},
	{regexp.MustCompile(`(?i)\b(it|they|them|this|that)\s+(?:one|thing|stuff)\b`), AmbiguousReference, 0.85},
	{regexp.MustCompile(`(?i)\b(better|improve|enhance|optimize|faster|fast|quicker|easier|simpler|cleaner|efficient|intuitive|modern|polished)\b`), UndefinedTerm, 0.8},
	{regexp.MustCompile(`(?i)\b(the whole|entire|everything|completely|totally|thoroughly)\b`), UnclearScope, 0.75},
	{regexp.MustCompile(`(?i)\b(some|a few|several|many|lots of|plenty|a bit|somewhat)\b`), VagueQuantifier, 0.7},
	{regexp.MustCompile(`(?i)\b(good|bad|nice|great|awesome|terrible|best|worst|perfect|ideal)\b`), SubjectiveCriteria, 0.65},
}

// Default candidate tables per category, used when the vocabulary has no
// table for a flagged term.
var categoryCandidates = map[AmbiguityCategory][]Candidate{
	VagueQuantifier: {
		{Value: "an exact count", Confidence: 0.5},
		{Value: "a bounded range", Confidence: 0.4},
		{Value: "a percentage of the whole", Confidence: 0.3},
	},
	UndefinedTerm: {
		{Value: "a measurable performance target", Confidence: 0.5},
		{Value: "a code quality goal", Confidence: 0.4},
		{Value: "a usability goal", Confidence: 0.3},
	},
	MissingContext: {
		{Value: "a specific named component", Confidence: 0.5},
		{Value: "a path or identifier", Confidence: 0.4},
	},
	AmbiguousReference: {
		{Value: "the most recently mentioned item", Confidence: 0.5},
		{Value: "a specific named item", Confidence: 0.4},
	},
	UnclearScope: {
		{Value: "a named subset of files or modules", Confidence: 0.5},
		{Value: "the full project", Confidence: 0.35},
	},
	SubjectiveCriteria: {
		{Value: "objective acceptance criteria", Confidence: 0.5},
		{Value: "a measurable goal", Confidence: 0.4},
	},
}

// ScoreFunc ranks a term's candidates. Implementations must return values
// with confidences in [0,1]; the default keeps the table order after sorting
// by confidence. Pluggable so a model-backed scorer can replace the
// heuristic without touching the state machine.
type ScoreFunc func(term string, category AmbiguityCategory, candidates []Candidate) []Candidate

func defaultScore(term string, category AmbiguityCategory, candidates []Candidate) []Candidate {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

// Detector flags undefined or vague terms and proposes ranked
// interpretations. Detection is deterministic: identical text and vocabulary
// always yield an identical result.
type Detector struct {
	vocab *Vocabulary
	cfg   config.EngineConfig
	score ScoreFunc
}

// NewDetector creates a detector. A nil score falls back to the built-in
// heuristic ranking.
func NewDetector(vocab *Vocabulary, cfg config.EngineConfig, score ScoreFunc) *Detector {
	if score == nil {
		score = defaultScore
	}
	return &Detector{vocab: vocab, cfg: cfg, score: score}
}

// Detect returns interpretations ordered by detection confidence, then by
// source position. It never fails; empty input yields an empty result.
func (d *Detector) Detect(text string) ([]Interpretation, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	seen := make(map[string]bool) // term@position, first category wins
	var out []Interpretation
	for _, cp := range categoryPatterns {
		for _, loc := range cp.re.FindAllStringSubmatchIndex(text, -1) {
			// Position of the first capture group.
			start := loc[2]
			term := strings.ToLower(text[loc[2]:loc[3]])
			key := fmt.Sprintf("%s@%d", term, start)
			if seen[key] || d.vocab.Knows(term) {
				continue
			}
			seen[key] = true

			interp, err := d.interpret(term, cp.category, start)
			if err != nil {
				// A bad candidate table is a detector bug surfaced loudly.
				return nil, err
			}
			out = append(out, interp)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Position < out[j].Position
	})

	logging.EngineDebug("detected %d ambiguities", len(out))
	return out, nil
}

func (d *Detector) interpret(term string, category AmbiguityCategory, pos int) (Interpretation, error) {
	base, ok := d.vocab.CandidatesFor(term)
	if !ok {
		base = categoryCandidates[category]
	}
	candidates := d.score(term, category, base)

	max := d.cfg.MaxInterpretations
	if max > 0 && len(candidates) > max {
		candidates = candidates[:max]
	}
	for _, c := range candidates {
		if err := validateUnit("candidate confidence", c.Confidence); err != nil {
			return Interpretation{}, fmt.Errorf("term %q: %w", term, err)
		}
	}

	interp := Interpretation{
		Term:       term,
		Category:   category,
		Position:   pos,
		Confidence: baseConfidence(category),
		Candidates: candidates,
	}

	// A strong top candidate is accepted implicitly; a weak one goes to
	// clarification.
	if len(candidates) > 0 && candidates[0].Confidence >= d.cfg.ConfidenceThreshold {
		interp.Resolved = true
		interp.Resolution = candidates[0].Value
	} else {
		interp.Flagged = true
	}
	return interp, nil
}

func baseConfidence(category AmbiguityCategory) float64 {
	for _, cp := range categoryPatterns {
		if cp.category == category {
			return cp.confidence
		}
	}
	return 0.5
}
