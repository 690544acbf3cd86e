package cascade

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cascade/internal/retrieval"
)

func obstacleFor(kind ObstacleKind, detail string) Obstacle {
	return Obstacle{Kind: kind, StageID: "stage-1", Detail: detail, DetectedAt: time.Now()}
}

func testStage() *Stage {
	return &Stage{
		ID:          "stage-1",
		Description: "Implement core functionality",
		Prompt:      "Task: build the parser\nStep 1 of 3: Implement core functionality\n",
		Retries:     1,
		MaxRetries:  3,
	}
}

func TestAdjustTimeoutNarrowsScope(t *testing.T) {
	a := NewAdjuster(testEngineConfig(), nil)
	st := testStage()

	action := a.Adjust(context.Background(), st, obstacleFor(ObstacleTimeout, "stage timed out"))
	assert.Equal(t, "narrowed scope", action)
	assert.Contains(t, st.Prompt, "Focus only on the essential part")
	assert.Contains(t, st.Prompt, st.Description)
}

func TestAdjustNeverTouchesRetryCounter(t *testing.T) {
	a := NewAdjuster(testEngineConfig(), nil)
	st := testStage()

	a.Adjust(context.Background(), st, obstacleFor(ObstacleTimeout, "stage timed out"))
	assert.Equal(t, 1, st.Retries)
	assert.Equal(t, 3, st.MaxRetries)
}

func TestAdjustMissingInfoInjectsContext(t *testing.T) {
	r := &stubRetriever{snippets: []retrieval.Snippet{
		{ID: "sn1", Content: "the log format is RFC 5424"},
	}}
	a := NewAdjuster(testEngineConfig(), r)
	st := testStage()

	action := a.Adjust(context.Background(), st,
		obstacleFor(ObstacleProviderError, "required field not found in input"))
	assert.Equal(t, "injected reference context", action)
	assert.True(t, strings.HasPrefix(st.Prompt, "Relevant background:"))
	assert.Contains(t, st.Prompt, "RFC 5424")
	require.NotEmpty(t, r.queries)
	assert.Equal(t, st.Description, r.queries[0])
}

func TestAdjustMissingInfoDegradesWithoutRetriever(t *testing.T) {
	a := NewAdjuster(testEngineConfig(), nil)
	st := testStage()

	action := a.Adjust(context.Background(), st,
		obstacleFor(ObstacleProviderError, "required field not found in input"))
	assert.Equal(t, "added corrective instruction", action)
	assert.Contains(t, st.Prompt, "required field not found")
}

func TestAdjustMissingInfoDegradesOnRetrievalFailure(t *testing.T) {
	r := &stubRetriever{err: errors.New("index offline")}
	a := NewAdjuster(testEngineConfig(), r)
	st := testStage()

	action := a.Adjust(context.Background(), st,
		obstacleFor(ObstacleProviderError, "required field not found in input"))
	assert.Equal(t, "added corrective instruction", action)
}

func TestAdjustProviderErrorCitesFailure(t *testing.T) {
	a := NewAdjuster(testEngineConfig(), nil)
	st := testStage()

	a.Adjust(context.Background(), st,
		obstacleFor(ObstacleProviderError, "response exceeded token limit"))
	assert.Contains(t, st.Prompt, "response exceeded token limit")
	assert.Contains(t, st.Prompt, "Address that failure directly")
}

func TestAdjustConfidenceDecayAsksForReasoning(t *testing.T) {
	a := NewAdjuster(testEngineConfig(), nil)
	st := testStage()

	action := a.Adjust(context.Background(), st,
		obstacleFor(ObstacleConfidenceDecay, "mean confidence 0.30 below floor 0.40"))
	assert.Equal(t, "requested explicit reasoning", action)
	assert.Contains(t, st.Prompt, "state any assumptions")
}

func TestAdjustKeepsPromptWithinBudget(t *testing.T) {
	cfg := testEngineConfig()
	cfg.StageBudgetChars = 300
	a := NewAdjuster(cfg, nil)
	st := testStage()
	st.Prompt = strings.Repeat("x", 290)

	a.Adjust(context.Background(), st, obstacleFor(ObstacleTimeout, "stage timed out"))
	assert.LessOrEqual(t, len(st.Prompt), 300)
	// The freshest instruction survives truncation.
	assert.Contains(t, st.Prompt, "defer everything else")
}
