package cascade

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cascade/internal/retrieval"
)

func plannedSession() *Session {
	s := NewSession(Request{Text: "implement a log parser"})
	s.Constraints = []Constraint{
		{ID: "t1", Kind: ConstraintTime, Value: "deadline", Hours: 48, Weight: 0.9, Description: "2 days"},
	}
	s.SelectedPath = &Path{
		ID:   "p1",
		Type: PathOptimal,
		Steps: []string{
			"Analyze requirements",
			"Implement core functionality",
			"Write tests",
			"Review and refine",
		},
		Description: "balanced approach",
	}
	return s
}

func TestPlanBuildsSequentialDAGWithReviewFanIn(t *testing.T) {
	p := NewPlanner(testEngineConfig(), nil)
	s := plannedSession()

	stages, err := p.Plan(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, stages, 4)

	deps := make(map[string][]string)
	for _, st := range stages {
		deps[st.ID] = st.Dependencies
	}
	want := map[string][]string{
		"stage-1": nil,
		"stage-2": {"stage-1"},
		"stage-3": {"stage-2"},
		"stage-4": {"stage-1", "stage-2", "stage-3"},
	}
	if diff := cmp.Diff(want, deps); diff != "" {
		t.Fatalf("dependency graph mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanStagesCarryExecutionBounds(t *testing.T) {
	cfg := testEngineConfig()
	p := NewPlanner(cfg, nil)
	s := plannedSession()

	stages, err := p.Plan(context.Background(), s)
	require.NoError(t, err)
	for _, st := range stages {
		assert.Equal(t, StagePending, st.Status)
		assert.Equal(t, cfg.MaxRetries, st.MaxRetries)
		assert.Equal(t, cfg.StageTimeout.Std(), st.Timeout)
		assert.LessOrEqual(t, len(st.Prompt), cfg.StageBudgetChars)
		assert.Contains(t, st.Prompt, s.Request.Text)
		assert.Contains(t, st.Prompt, "2 days")
	}
}

func TestPlanInjectsRetrievalContext(t *testing.T) {
	r := &stubRetriever{snippets: []retrieval.Snippet{
		{ID: "sn1", Content: "parsers should stream input line by line"},
	}}
	p := NewPlanner(testEngineConfig(), r)
	s := plannedSession()

	stages, err := p.Plan(context.Background(), s)
	require.NoError(t, err)
	assert.Contains(t, stages[0].Prompt, "stream input line by line")
}

func TestPlanSurvivesRetrievalFailure(t *testing.T) {
	r := &stubRetriever{err: errors.New("index offline")}
	p := NewPlanner(testEngineConfig(), r)
	s := plannedSession()

	stages, err := p.Plan(context.Background(), s)
	require.NoError(t, err)
	assert.NotEmpty(t, stages)
	assert.NotContains(t, stages[0].Prompt, "Reference material")
}

func TestPlanRespectsPromptBudget(t *testing.T) {
	cfg := testEngineConfig()
	cfg.StageBudgetChars = 300
	r := &stubRetriever{snippets: []retrieval.Snippet{
		{ID: "sn1", Content: strings.Repeat("x", 2000)},
	}}
	p := NewPlanner(cfg, r)
	s := plannedSession()

	stages, err := p.Plan(context.Background(), s)
	require.NoError(t, err)
	for _, st := range stages {
		assert.LessOrEqual(t, len(st.Prompt), 300)
		assert.Contains(t, st.Prompt, s.Request.Text)
	}
}

func TestPlanWithoutSelectedPath(t *testing.T) {
	p := NewPlanner(testEngineConfig(), nil)
	s := NewSession(Request{Text: "anything"})

	_, err := p.Plan(context.Background(), s)
	assert.Error(t, err)
}

func TestValidateDAGRejectsForwardReference(t *testing.T) {
	stages := []*Stage{
		{ID: "stage-1", Dependencies: []string{"stage-2"}},
		{ID: "stage-2"},
	}
	err := ValidateDAG(stages)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "later stage")
}

func TestValidateDAGRejectsUndefinedDependency(t *testing.T) {
	stages := []*Stage{
		{ID: "stage-1", Dependencies: []string{"ghost"}},
	}
	err := ValidateDAG(stages)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undefined stage")
}

func TestValidateDAGRejectsDuplicateIDs(t *testing.T) {
	stages := []*Stage{{ID: "stage-1"}, {ID: "stage-1"}}
	assert.Error(t, ValidateDAG(stages))
}

func TestReadyStages(t *testing.T) {
	stages := []*Stage{
		{ID: "a", Status: StageSucceeded},
		{ID: "b", Status: StagePending, Dependencies: []string{"a"}},
		{ID: "c", Status: StagePending, Dependencies: []string{"b"}},
		{ID: "d", Status: StagePending},
	}
	ready := ReadyStages(stages)

	ids := make([]string, 0, len(ready))
	for _, st := range ready {
		ids = append(ids, st.ID)
	}
	assert.ElementsMatch(t, []string{"b", "d"}, ids)
}

func TestReadyStagesPropagatesSkips(t *testing.T) {
	stages := []*Stage{
		{ID: "a", Status: StageSkipped},
		{ID: "b", Status: StagePending, Dependencies: []string{"a"}},
	}
	ready := ReadyStages(stages)
	assert.Empty(t, ready)
	assert.Equal(t, StageSkipped, stages[1].Status)
}
