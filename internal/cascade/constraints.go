package cascade

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"cascade/internal/logging"
)

// Time vocabulary: numeric durations normalize to hours; qualifiers map to
// the urgent/thorough extremes.
var (
	timeNumericPatterns = []struct {
		re         *regexp.Regexp
		multiplier float64
	}{
		{regexp.MustCompile(`(?i)\b(\d+)\s*(?:hours?|hrs?|h)\b`), 1},
		{regexp.MustCompile(`(?i)\b(\d+)\s*(?:days?|d)\b`), 24},
		{regexp.MustCompile(`(?i)\b(\d+)\s*(?:weeks?|wks?|w)\b`), 168},
		{regexp.MustCompile(`(?i)\b(\d+)\s*(?:months?|mo)\b`), 720},
	}
	timeUrgentPattern   = regexp.MustCompile(`(?i)\b(quick|rapid|immediate|urgent|asap)\b`)
	timeThoroughPattern = regexp.MustCompile(`(?i)\b(slow|careful|thorough|detailed)\b`)

	budgetDollarPattern = regexp.MustCompile(`\$\s*(\d+(?:,\d+)*(?:\.\d{2})?)`)
	budgetLowPattern    = regexp.MustCompile(`(?i)\b(free|no cost|zero cost|cheap|low cost)\b`)
	budgetHighPattern   = regexp.MustCompile(`(?i)\b(expensive|premium|high end|unlimited budget)\b`)

	qualityPatterns = []struct {
		re    *regexp.Regexp
		level string
	}{
		{regexp.MustCompile(`(?i)\b(mvp|minimum viable|prototype|proof of concept|poc)\b`), "mvp"},
		{regexp.MustCompile(`(?i)\b(production|prod-ready|deployable)\b`), "production"},
		{regexp.MustCompile(`(?i)\b(polished|refined|enterprise-grade)\b`), "polished"},
	}

	technicalPatterns = []struct {
		re    *regexp.Regexp
		level string
	}{
		{regexp.MustCompile(`(?i)\b(beginner|novice|newbie|learning)\b`), "beginner"},
		{regexp.MustCompile(`(?i)\b(intermediate|some experience)\b`), "intermediate"},
		{regexp.MustCompile(`(?i)\b(expert|advanced|senior)\b`), "expert"},
		{regexp.MustCompile(`(?i)\b(simple|basic|straightforward)\b`), "simple"},
		{regexp.MustCompile(`(?i)\b(complex|sophisticated|comprehensive)\b`), "complex"},
		{regexp.MustCompile(`(?i)\b(quick hack|throwaway|temporary)\b`), "quick_hack"},
		{regexp.MustCompile(`(?i)\b(maintainable|clean|well-structured)\b`), "maintainable"},
		{regexp.MustCompile(`(?i)\b(scalable|robust|long-term)\b`), "enterprise"},
	}

	latencyPattern = regexp.MustCompile(`(?i)\b(low.latency|latency|high.throughput|throughput)\b`)
)

// Extractor parses explicit constraints from resolved request text and
// infers domain defaults for kinds the text never mentions.
type Extractor struct{}

// NewExtractor creates an extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract returns the constraint set for resolved text. Same-kind
// conflicting constraints are both retained, cross-tagged via
// ConflictsWith; resolution is the validator's job.
func (e *Extractor) Extract(text string) []Constraint {
	var out []Constraint

	out = append(out, e.extractTime(text)...)
	out = append(out, e.extractBudget(text)...)
	out = append(out, e.extractQuality(text)...)
	out = append(out, e.extractTechnical(text)...)

	out = append(out, e.inferDefaults(out)...)
	tagConflicts(out)

	logging.EngineDebug("extracted %d constraints", len(out))
	return out
}

func (e *Extractor) extractTime(text string) []Constraint {
	var out []Constraint
	for _, p := range timeNumericPatterns {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		hours := float64(n) * p.multiplier
		out = append(out, Constraint{
			ID:          uuid.NewString(),
			Kind:        ConstraintTime,
			Value:       "deadline",
			Hours:       hours,
			Weight:      0.9,
			Origin:      OriginExplicit,
			Description: fmt.Sprintf("%s (%.0f hours)", m[0], hours),
		})
	}
	if m := timeUrgentPattern.FindString(text); m != "" {
		out = append(out, Constraint{
			ID: uuid.NewString(), Kind: ConstraintTime, Value: "urgent",
			Hours: 4, Weight: 0.8, Origin: OriginExplicit, Description: m,
		})
	}
	if m := timeThoroughPattern.FindString(text); m != "" {
		out = append(out, Constraint{
			ID: uuid.NewString(), Kind: ConstraintTime, Value: "thorough",
			Hours: 168, Weight: 0.5, Origin: OriginExplicit, Description: m,
		})
	}
	return out
}

func (e *Extractor) extractBudget(text string) []Constraint {
	var out []Constraint
	if m := budgetDollarPattern.FindStringSubmatch(text); m != nil {
		amount, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
		if err == nil {
			out = append(out, Constraint{
				ID: uuid.NewString(), Kind: ConstraintBudget, Value: "dollars",
				Hours: amount, Weight: 0.75, Origin: OriginExplicit,
				Description: fmt.Sprintf("$%.2f", amount),
			})
		}
	}
	if m := budgetLowPattern.FindString(text); m != "" {
		out = append(out, Constraint{
			ID: uuid.NewString(), Kind: ConstraintBudget, Value: "low",
			Weight: 0.7, Origin: OriginExplicit, Description: m,
		})
	}
	if m := budgetHighPattern.FindString(text); m != "" {
		out = append(out, Constraint{
			ID: uuid.NewString(), Kind: ConstraintBudget, Value: "high",
			Weight: 0.5, Origin: OriginExplicit, Description: m,
		})
	}
	return out
}

func (e *Extractor) extractQuality(text string) []Constraint {
	var out []Constraint
	for _, p := range qualityPatterns {
		if m := p.re.FindString(text); m != "" {
			out = append(out, Constraint{
				ID: uuid.NewString(), Kind: ConstraintQuality, Value: p.level,
				Weight: 0.85, Origin: OriginExplicit, Description: m,
			})
		}
	}
	// A resolved latency or throughput goal is an explicit quality target.
	if m := latencyPattern.FindString(text); m != "" {
		out = append(out, Constraint{
			ID: uuid.NewString(), Kind: ConstraintQuality,
			Value: strings.ToLower(strings.ReplaceAll(m, " ", "-")),
			Weight: 0.8, Origin: OriginExplicit, Description: m,
		})
	}
	return out
}

func (e *Extractor) extractTechnical(text string) []Constraint {
	var out []Constraint
	for _, p := range technicalPatterns {
		if m := p.re.FindString(text); m != "" {
			out = append(out, Constraint{
				ID: uuid.NewString(), Kind: ConstraintTechnical, Value: p.level,
				Weight: 0.7, Origin: OriginExplicit, Description: m,
			})
		}
	}
	return out
}

// inferDefaults supplies domain defaults, at lower weight, for kinds the
// request never constrained.
func (e *Extractor) inferDefaults(explicit []Constraint) []Constraint {
	has := make(map[ConstraintKind]bool)
	for _, c := range explicit {
		has[c.Kind] = true
	}

	var out []Constraint
	if !has[ConstraintQuality] {
		out = append(out, Constraint{
			ID: uuid.NewString(), Kind: ConstraintQuality, Value: "production",
			Weight: 0.4, Origin: OriginInferred,
			Description: "production quality assumed",
		})
	}
	if !has[ConstraintTechnical] {
		out = append(out, Constraint{
			ID: uuid.NewString(), Kind: ConstraintTechnical, Value: "maintainable",
			Weight: 0.3, Origin: OriginInferred,
			Description: "maintainable result assumed",
		})
	}
	return out
}

// tagConflicts cross-links same-kind constraints with differing values.
// Both survive; neither is silently dropped.
func tagConflicts(constraints []Constraint) {
	for i := range constraints {
		for j := i + 1; j < len(constraints); j++ {
			a, b := &constraints[i], &constraints[j]
			if a.Kind != b.Kind || a.Value == b.Value {
				continue
			}
			a.ConflictsWith = append(a.ConflictsWith, b.ID)
			b.ConflictsWith = append(b.ConflictsWith, a.ID)
			logging.EngineDebug("conflicting %s constraints: %q vs %q",
				a.Kind, a.Description, b.Description)
		}
	}
}
