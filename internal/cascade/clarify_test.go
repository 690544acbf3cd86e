package cascade

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flaggedSession(terms ...string) *Session {
	s := NewSession(Request{Text: "test request"})
	for i, term := range terms {
		s.Interpretations = append(s.Interpretations, Interpretation{
			Term:     term,
			Category: UndefinedTerm,
			Position: i * 10,
			Flagged:  true,
			Candidates: []Candidate{
				{Value: term + "-primary", Confidence: 0.55},
				{Value: term + "-secondary", Confidence: 0.4},
			},
		})
	}
	return s
}

func TestAskProducesQuestion(t *testing.T) {
	c := NewClarifier(testEngineConfig())
	s := flaggedSession("fast")

	q := c.Ask(s)
	require.NotNil(t, q)
	assert.Equal(t, "fast", q.Term)
	assert.Equal(t, 1, s.QuestionsAsked)
	assert.Same(t, q, s.PendingQuestion)
}

func TestAnswerByIndex(t *testing.T) {
	c := NewClarifier(testEngineConfig())
	s := flaggedSession("fast")
	c.Ask(s)

	require.NoError(t, c.Answer(s, "2"))
	assert.Equal(t, "fast-secondary", s.Interpretations[0].Resolution)
	assert.True(t, s.Interpretations[0].Resolved)
	assert.Nil(t, s.PendingQuestion)
}

func TestAnswerByValue(t *testing.T) {
	c := NewClarifier(testEngineConfig())
	s := flaggedSession("fast")
	c.Ask(s)

	require.NoError(t, c.Answer(s, "FAST-PRIMARY"))
	assert.Equal(t, "fast-primary", s.Interpretations[0].Resolution)
}

func TestAnswerSkipTakesTopCandidate(t *testing.T) {
	c := NewClarifier(testEngineConfig())
	s := flaggedSession("fast")
	c.Ask(s)

	require.NoError(t, c.Answer(s, "skip"))
	assert.Equal(t, "fast-primary", s.Interpretations[0].Resolution)
}

func TestAnswerFreeTextBindsDirectly(t *testing.T) {
	c := NewClarifier(testEngineConfig())
	s := flaggedSession("fast")
	c.Ask(s)

	require.NoError(t, c.Answer(s, "under 100ms p99"))
	assert.Equal(t, "under 100ms p99", s.Interpretations[0].Resolution)
}

func TestAnswerRejectsOutOfRangeIndex(t *testing.T) {
	c := NewClarifier(testEngineConfig())
	s := flaggedSession("fast")
	c.Ask(s)

	assert.Error(t, c.Answer(s, "7"))
}

func TestAnswerWithoutQuestion(t *testing.T) {
	c := NewClarifier(testEngineConfig())
	s := flaggedSession("fast")

	assert.Error(t, c.Answer(s, "1"))
}

func TestQuestionBudgetNeverExceeded(t *testing.T) {
	cfg := testEngineConfig()
	cfg.QuestionBudget = 2
	c := NewClarifier(cfg)
	s := flaggedSession("alpha", "beta", "gamma", "delta")

	for i := 0; i < 2; i++ {
		q := c.Ask(s)
		require.NotNil(t, q)
		require.NoError(t, c.Answer(s, "1"))
	}

	// Third ask exceeds the budget: remaining terms auto-resolve.
	q := c.Ask(s)
	assert.Nil(t, q)
	assert.Equal(t, 2, s.QuestionsAsked)
	assert.True(t, s.LowConfidenceResolution)

	for _, interp := range s.Interpretations {
		assert.True(t, interp.Resolved, "term %s left unresolved", interp.Term)
	}
	assert.True(t, s.Interpretations[2].AutoFilled)
	assert.True(t, s.Interpretations[3].AutoFilled)
	assert.False(t, s.Interpretations[0].AutoFilled)
}

func TestTimeoutFallsBackToStrongCandidate(t *testing.T) {
	c := NewClarifier(testEngineConfig())
	s := flaggedSession("fast") // top candidate 0.55 >= fallback 0.5
	c.Ask(s)

	require.NoError(t, c.Timeout(s))
	assert.True(t, s.Interpretations[0].Resolved)
	assert.True(t, s.Interpretations[0].AutoFilled)
	assert.Equal(t, "fast-primary", s.Interpretations[0].Resolution)
}

func TestTimeoutWithWeakCandidateBlocks(t *testing.T) {
	cfg := testEngineConfig()
	cfg.FallbackThreshold = 0.6
	c := NewClarifier(cfg)
	s := flaggedSession("fast") // top candidate 0.55 < fallback 0.6
	c.Ask(s)

	err := c.Timeout(s)
	require.ErrorIs(t, err, ErrNoFallback)
	assert.False(t, s.Interpretations[0].Resolved)
}

func TestResolvedTextRewritesTerms(t *testing.T) {
	c := NewClarifier(testEngineConfig())
	s := NewSession(Request{Text: "Build a fast scraper, make it Fast"})
	s.Interpretations = []Interpretation{{
		Term: "fast", Flagged: true, Resolved: true, Resolution: "low-latency",
	}}

	assert.Equal(t, "Build a low-latency scraper, make it low-latency", c.ResolvedText(s))
}
