package cascade

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"cascade/internal/config"
	"cascade/internal/logging"
)

func wordReplacer(term string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(term) + `\b`)
}

// ErrNoFallback marks a clarification timeout whose top candidate was too
// weak to fall back on. The orchestrator escalates it to abandoned.
var ErrNoFallback = errors.New("clarification timed out with no viable fallback")

// SkipChoice is the implicit answer that accepts the top candidate.
const SkipChoice = "skip"

// Clarifier converts flagged interpretations into bounded discrete-choice
// questions. It tracks the question budget on the session; the budget is
// decremented once per asked question and never exceeded.
type Clarifier struct {
	cfg config.EngineConfig
}

// NewClarifier creates a clarifier.
func NewClarifier(cfg config.EngineConfig) *Clarifier {
	return &Clarifier{cfg: cfg}
}

// pending returns the first flagged, unresolved interpretation.
func (c *Clarifier) pending(s *Session) *Interpretation {
	for i := range s.Interpretations {
		interp := &s.Interpretations[i]
		if interp.Flagged && !interp.Resolved {
			return interp
		}
	}
	return nil
}

// HasPending reports whether any flagged interpretation awaits resolution.
func (c *Clarifier) HasPending(s *Session) bool {
	return c.pending(s) != nil
}

// Ask produces the next question, consuming one budget unit. When the
// budget is exhausted the remaining ambiguities auto-resolve to their top
// candidates and the session is flagged low_confidence_resolution; Ask then
// returns nil.
func (c *Clarifier) Ask(s *Session) *Question {
	interp := c.pending(s)
	if interp == nil {
		s.PendingQuestion = nil
		return nil
	}

	if s.QuestionsAsked >= c.cfg.QuestionBudget {
		c.forceResolve(s)
		return nil
	}

	s.QuestionsAsked++
	q := &Question{
		Term:       interp.Term,
		Candidates: interp.Candidates,
		AskedAt:    time.Now(),
	}
	s.PendingQuestion = q
	logging.ClarifyInfo("asking about %q (%d/%d budget used)",
		interp.Term, s.QuestionsAsked, c.cfg.QuestionBudget)
	return q
}

// Answer binds the caller's choice to the pending question's term. The
// choice may be a candidate value, a 1-based index, or SkipChoice.
func (c *Clarifier) Answer(s *Session, choice string) error {
	if s.PendingQuestion == nil {
		return fmt.Errorf("no pending question")
	}
	interp := c.pending(s)
	if interp == nil || interp.Term != s.PendingQuestion.Term {
		return fmt.Errorf("pending question does not match session state")
	}

	value, err := resolveChoice(interp.Candidates, choice)
	if err != nil {
		return err
	}

	interp.Resolved = true
	interp.Resolution = value
	s.PendingQuestion = nil
	logging.ClarifyInfo("resolved %q as %q", interp.Term, value)
	return nil
}

func resolveChoice(candidates []Candidate, choice string) (string, error) {
	choice = strings.TrimSpace(choice)
	if choice == "" || strings.EqualFold(choice, SkipChoice) {
		if len(candidates) == 0 {
			return "", fmt.Errorf("no candidates to skip to")
		}
		return candidates[0].Value, nil
	}
	if n, err := strconv.Atoi(choice); err == nil {
		if n < 1 || n > len(candidates) {
			return "", fmt.Errorf("choice %d out of range [1,%d]", n, len(candidates))
		}
		return candidates[n-1].Value, nil
	}
	for _, cand := range candidates {
		if strings.EqualFold(cand.Value, choice) {
			return cand.Value, nil
		}
	}
	// Free-text answers bind directly; the requester knows best.
	return choice, nil
}

// Timeout resolves the pending question after its deadline passed. The top
// candidate is used when its confidence clears the fallback threshold;
// otherwise the session is blocked.
func (c *Clarifier) Timeout(s *Session) error {
	if s.PendingQuestion == nil {
		return fmt.Errorf("no pending question")
	}
	interp := c.pending(s)
	if interp == nil {
		s.PendingQuestion = nil
		return nil
	}

	if len(interp.Candidates) == 0 ||
		interp.Candidates[0].Confidence < c.cfg.FallbackThreshold {
		logging.ClarifyInfo("timeout on %q with no viable fallback", interp.Term)
		return ErrNoFallback
	}

	interp.Resolved = true
	interp.Resolution = interp.Candidates[0].Value
	interp.AutoFilled = true
	s.PendingQuestion = nil
	logging.ClarifyInfo("timeout on %q, fell back to %q", interp.Term, interp.Resolution)
	return nil
}

// forceResolve auto-resolves every remaining flagged interpretation to its
// top candidate. Explicit degradation, not silent failure.
func (c *Clarifier) forceResolve(s *Session) {
	n := 0
	for i := range s.Interpretations {
		interp := &s.Interpretations[i]
		if !interp.Flagged || interp.Resolved {
			continue
		}
		if len(interp.Candidates) > 0 {
			interp.Resolution = interp.Candidates[0].Value
		}
		interp.Resolved = true
		interp.AutoFilled = true
		n++
	}
	if n > 0 {
		s.LowConfidenceResolution = true
		logging.ClarifyInfo("question budget exhausted, auto-resolved %d terms", n)
	}
	s.PendingQuestion = nil
}

// UnresolvedTerms lists flagged terms still lacking a resolution.
func (c *Clarifier) UnresolvedTerms(s *Session) []string {
	var out []string
	for _, interp := range s.Interpretations {
		if interp.Flagged && !interp.Resolved {
			out = append(out, interp.Term)
		}
	}
	return out
}

// ResolvedText rewrites the request with each resolved term replaced by its
// resolution, feeding the constraint extractor unambiguous text.
func (c *Clarifier) ResolvedText(s *Session) string {
	text := s.Request.Text
	for _, interp := range s.Interpretations {
		if interp.Resolved && interp.Resolution != "" {
			re := wordReplacer(interp.Term)
			text = re.ReplaceAllString(text, interp.Resolution)
		}
	}
	return text
}
