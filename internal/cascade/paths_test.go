package cascade

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectTaskType(t *testing.T) {
	cases := map[string]string{
		"implement a REST api":            "coding",
		"write a blog post about testing": "writing",
		"analyze last quarter's metrics":  "analysis",
		"investigate caching strategies":  "research",
		"do the thing":                    "coding",
	}
	for text, want := range cases {
		assert.Equal(t, want, detectTaskType(text), "text %q", text)
	}
}

func TestDraftPath(t *testing.T) {
	p := DraftPath("implement a parser", nil)

	assert.Equal(t, PathOptimal, p.Type)
	assert.Equal(t, taskSteps["coding"], p.Steps)
	assert.Equal(t, len(p.Steps), p.EstimatedStages)
	assert.Equal(t, 16.0, p.EstimatedHours)
	assert.NotEmpty(t, p.ID)
}

func TestAlternativesRelaxesLowestWeightBlockingConstraint(t *testing.T) {
	cfg := testEngineConfig()
	g := NewGenerator(cfg, NewValidator(cfg), nil)

	cs := []Constraint{
		{ID: "t1", Kind: ConstraintTime, Value: "deadline", Hours: 1, Weight: 0.9, Description: "1 hour"},
		{ID: "q1", Kind: ConstraintQuality, Value: "polished", Weight: 0.85, Description: "polished"},
	}
	failed := Path{ID: "p0", Type: PathOptimal, Steps: taskSteps["coding"],
		EstimatedHours: 3, EstimatedRisk: 0.3, EstimatedStages: 6}
	verdict, err := NewValidator(cfg).Validate(failed, cs, nominalSnapshot())
	require.NoError(t, err)
	require.Equal(t, Infeasible, verdict.Status)

	scored, err := g.Alternatives(failed, verdict, cs, nominalSnapshot())
	require.NoError(t, err)
	require.NotEmpty(t, scored)

	var relaxed *ScoredPath
	for i := range scored {
		if scored[i].Path.RelaxedConstraint != "" {
			relaxed = &scored[i]
			break
		}
	}
	require.NotNil(t, relaxed, "no relaxation variant generated")

	// Quality (0.85) is the lowest-weight blocking constraint.
	assert.Equal(t, "q1", relaxed.Path.RelaxedConstraint)
	assert.Contains(t, relaxed.Path.Description, "relaxing quality constraint")
}

func TestAlternativesRelaxesBlockingTimeNotImplicitQuality(t *testing.T) {
	cfg := testEngineConfig()
	g := NewGenerator(cfg, NewValidator(cfg), nil)

	// Only the time budget blocks; the low-weight implicit quality
	// constraint is satisfied and must stay untouched.
	cs := []Constraint{
		{ID: "t1", Kind: ConstraintTime, Value: "deadline", Hours: 1, Weight: 0.9, Description: "1 hour"},
		{ID: "q1", Kind: ConstraintQuality, Value: "production", Weight: 0.4,
			Origin: OriginInferred, Description: "production quality assumed"},
	}
	failed := Path{ID: "p0", Type: PathOptimal, Steps: taskSteps["coding"],
		EstimatedHours: 3, EstimatedRisk: 0.3, EstimatedStages: 6}
	verdict, err := NewValidator(cfg).Validate(failed, cs, nominalSnapshot())
	require.NoError(t, err)
	require.Equal(t, Infeasible, verdict.Status)
	require.Equal(t, []string{"t1"}, verdict.Blocking)

	scored, err := g.Alternatives(failed, verdict, cs, nominalSnapshot())
	require.NoError(t, err)

	var relaxed *ScoredPath
	for i := range scored {
		if scored[i].Path.RelaxedConstraint != "" {
			relaxed = &scored[i]
			break
		}
	}
	require.NotNil(t, relaxed)
	assert.Equal(t, "t1", relaxed.Path.RelaxedConstraint)
	// Without the deadline the variant is viable again.
	assert.NotEqual(t, Infeasible, relaxed.Verdict.Status)
}

func TestAlternativesBoundedByMaxPaths(t *testing.T) {
	cfg := testEngineConfig()
	cfg.MaxPaths = 2
	g := NewGenerator(cfg, NewValidator(cfg), nil)

	failed := Path{ID: "p0", Type: PathOptimal, Steps: taskSteps["coding"],
		EstimatedHours: 3, EstimatedRisk: 0.3, EstimatedStages: 6}
	verdict := FeasibilityVerdict{Status: Infeasible}

	scored, err := g.Alternatives(failed, verdict, nil, nominalSnapshot())
	require.NoError(t, err)
	assert.LessOrEqual(t, len(scored), 2)
}

func TestAlternativesViableFirst(t *testing.T) {
	cfg := testEngineConfig()
	g := NewGenerator(cfg, NewValidator(cfg), nil)

	// 8h budget: optimal's 16h overruns, fast (8h) and minimal (4.8h) fit.
	cs := []Constraint{
		{ID: "t1", Kind: ConstraintTime, Value: "deadline", Hours: 8, Weight: 0.9, Description: "8 hours"},
	}
	failed := Path{ID: "p0", Type: PathOptimal, Steps: taskSteps["coding"],
		EstimatedHours: 16, EstimatedRisk: 0.3, EstimatedStages: 6}
	verdict, err := NewValidator(cfg).Validate(failed, cs, nominalSnapshot())
	require.NoError(t, err)

	scored, err := g.Alternatives(failed, verdict, cs, nominalSnapshot())
	require.NoError(t, err)
	require.NotEmpty(t, scored)

	assert.NotEqual(t, Infeasible, scored[0].Verdict.Status)
	seenInfeasible := false
	for _, sp := range scored {
		if sp.Verdict.Status == Infeasible {
			seenInfeasible = true
		} else {
			assert.False(t, seenInfeasible, "viable path ranked after an infeasible one")
		}
	}
}

func TestTemplateProposalsApplyTimeMultipliers(t *testing.T) {
	cfg := testEngineConfig()
	g := NewGenerator(cfg, NewValidator(cfg), nil)

	failed := Path{ID: "p0", Type: PathOptimal, Steps: taskSteps["coding"],
		EstimatedHours: 10, EstimatedRisk: 0.3, EstimatedStages: 6}
	proposals := g.templateProposals(failed, nil)

	hours := make(map[PathType]float64)
	for _, p := range proposals {
		hours[p.Type] = p.EstimatedHours
	}
	assert.InDelta(t, 3.0, hours[PathMinimal], 1e-9)
	assert.InDelta(t, 5.0, hours[PathFast], 1e-9)
	assert.InDelta(t, 8.0, hours[PathWorkaround], 1e-9)
	assert.InDelta(t, 20.0, hours[PathThorough], 1e-9)
}

func TestAdjustStepsMinimal(t *testing.T) {
	steps := adjustSteps(taskSteps["coding"], PathMinimal)
	assert.Equal(t, []string{
		"Analyze requirements",
		"Implement core functionality",
		"Review and refine",
	}, steps)
}
