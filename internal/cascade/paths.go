package cascade

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"cascade/internal/config"
	"cascade/internal/logging"
	"cascade/internal/resource"
)

// Strategy templates: how each path type trades time against risk.
var pathTemplates = map[PathType]struct {
	description    string
	timeMultiplier float64
	riskDelta      float64
}{
	PathOptimal:    {"balanced approach with standard trade-offs", 1.0, 0},
	PathFast:       {"quick completion with reduced feature depth", 0.5, 0.1},
	PathMinimal:    {"minimum viable solution", 0.3, 0.2},
	PathWorkaround: {"workaround sidestepping the blocking constraints", 0.8, 0.15},
	PathThorough:   {"comprehensive approach with maximum quality", 2.0, -0.1},
}

// Step templates per detected task type.
var taskSteps = map[string][]string{
	"coding": {
		"Analyze requirements",
		"Design architecture",
		"Implement core functionality",
		"Add error handling",
		"Write tests",
		"Review and refine",
	},
	"writing": {
		"Research topic",
		"Outline structure",
		"Draft content",
		"Revise draft",
		"Review and finalize",
	},
	"analysis": {
		"Gather data",
		"Clean and preprocess",
		"Explore patterns",
		"Interpret results",
		"Review and document findings",
	},
	"research": {
		"Define research question",
		"Survey existing work",
		"Collect evidence",
		"Analyze results",
		"Review and write conclusions",
	},
}

func detectTaskType(text string) string {
	lower := strings.ToLower(text)
	checks := []struct {
		kind     string
		keywords []string
	}{
		{"coding", []string{"code", "program", "develop", "implement", "function", "api", "service", "app", "build"}},
		{"writing", []string{"write", "document", "article", "blog", "essay", "report"}},
		{"analysis", []string{"analyze", "data", "statistics", "metrics", "trends"}},
		{"research", []string{"research", "investigate", "study", "explore"}},
	}
	for _, c := range checks {
		for _, kw := range c.keywords {
			if strings.Contains(lower, kw) {
				return c.kind
			}
		}
	}
	return "coding"
}

// ScoredPath pairs a candidate path with its verdict.
type ScoredPath struct {
	Path    Path
	Verdict FeasibilityVerdict
}

// ProposerFunc supplies strategy-dimension alternatives for a failed path.
// Pluggable so a model-backed proposer can replace the templates.
type ProposerFunc func(failed Path, constraints []Constraint) []Path

// Generator proposes alternative approaches when the current one is
// infeasible. Every candidate is re-validated before being offered.
type Generator struct {
	cfg       config.EngineConfig
	validator *Validator
	propose   ProposerFunc
}

// NewGenerator creates a generator. A nil proposer uses the built-in
// strategy templates.
func NewGenerator(cfg config.EngineConfig, validator *Validator, propose ProposerFunc) *Generator {
	g := &Generator{cfg: cfg, validator: validator}
	if propose == nil {
		propose = g.templateProposals
	}
	g.propose = propose
	return g
}

// DraftPath builds the initial balanced approach for a request.
func DraftPath(text string, constraints []Constraint) Path {
	taskType := detectTaskType(text)
	steps := taskSteps[taskType]
	return Path{
		ID:              uuid.NewString(),
		Type:            PathOptimal,
		Description:     pathTemplates[PathOptimal].description,
		Steps:           steps,
		EstimatedHours:  EstimateHours(constraints),
		EstimatedRisk:   0.3,
		EstimatedStages: len(steps),
	}
}

// Alternatives generates up to max_paths candidates for a failed path:
// first a variant relaxing the lowest-weight blocking constraint, then
// strategy-dimension switches. Each candidate carries its own verdict.
func (g *Generator) Alternatives(failed Path, verdict FeasibilityVerdict,
	constraints []Constraint, snap resource.Snapshot) ([]ScoredPath, error) {

	var out []ScoredPath

	if relaxed, ok := g.relaxationVariant(failed, verdict, constraints); ok {
		remaining := withoutConstraint(constraints, relaxed.RelaxedConstraint)
		v, err := g.validator.Validate(relaxed, remaining, snap)
		if err != nil {
			return nil, err
		}
		out = append(out, ScoredPath{Path: relaxed, Verdict: v})
	}

	for _, p := range g.propose(failed, constraints) {
		if len(out) >= g.cfg.MaxPaths {
			break
		}
		v, err := g.validator.Validate(p, constraints, snap)
		if err != nil {
			return nil, err
		}
		out = append(out, ScoredPath{Path: p, Verdict: v})
	}

	// Viable candidates first, then by score.
	sort.SliceStable(out, func(i, j int) bool {
		vi, vj := out[i].Verdict, out[j].Verdict
		if (vi.Status != Infeasible) != (vj.Status != Infeasible) {
			return vi.Status != Infeasible
		}
		return vi.Score > vj.Score
	})

	if len(out) > g.cfg.MaxPaths {
		out = out[:g.cfg.MaxPaths]
	}
	logging.PlannerInfo("generated %d alternative paths", len(out))
	return out, nil
}

// relaxationVariant clones the failed path with its lowest-weight blocking
// constraint relaxed, recording the relaxation in the description.
func (g *Generator) relaxationVariant(failed Path, verdict FeasibilityVerdict,
	constraints []Constraint) (Path, bool) {

	var weakest *Constraint
	for i := range constraints {
		c := &constraints[i]
		if !containsString(verdict.Blocking, c.ID) {
			continue
		}
		if weakest == nil || c.Weight < weakest.Weight {
			weakest = c
		}
	}
	if weakest == nil {
		return Path{}, false
	}

	p := failed
	p.ID = uuid.NewString()
	p.RelaxedConstraint = weakest.ID
	p.Description = fmt.Sprintf("%s (relaxing %s constraint: %s)",
		failed.Description, weakest.Kind, weakest.Description)
	logging.PlannerInfo("relaxing %s constraint %q (weight %.2f)",
		weakest.Kind, weakest.Description, weakest.Weight)
	return p, true
}

// templateProposals switches strategy dimension using the built-in
// templates, lightest first.
func (g *Generator) templateProposals(failed Path, constraints []Constraint) []Path {
	order := []PathType{PathMinimal, PathFast, PathWorkaround, PathThorough}
	var out []Path
	for _, t := range order {
		if t == failed.Type {
			continue
		}
		tmpl := pathTemplates[t]
		risk := failed.EstimatedRisk + tmpl.riskDelta
		if risk < 0 {
			risk = 0
		}
		if risk > 1 {
			risk = 1
		}
		steps := adjustSteps(failed.Steps, t)
		out = append(out, Path{
			ID:              uuid.NewString(),
			Type:            t,
			Description:     tmpl.description,
			Steps:           steps,
			EstimatedHours:  failed.EstimatedHours * tmpl.timeMultiplier,
			EstimatedRisk:   risk,
			EstimatedStages: len(steps),
		})
	}
	return out
}

// adjustSteps trims or extends the step list to match the strategy.
func adjustSteps(base []string, t PathType) []string {
	switch t {
	case PathMinimal:
		// First, core, and final step only.
		idx := []int{0, 2, len(base) - 1}
		var out []string
		for _, i := range idx {
			if i >= 0 && i < len(base) && !containsString(out, base[i]) {
				out = append(out, base[i])
			}
		}
		return out
	case PathFast:
		var out []string
		for i, s := range base {
			// Drop hardening and refinement steps.
			if i == 3 || i == len(base)-1 {
				continue
			}
			out = append(out, s)
		}
		return out
	case PathThorough:
		out := append([]string{}, base...)
		return append(out, "Add comprehensive tests", "Performance review")
	default:
		out := make([]string, len(base))
		copy(out, base)
		return out
	}
}

func withoutConstraint(constraints []Constraint, id string) []Constraint {
	out := make([]Constraint, 0, len(constraints))
	for _, c := range constraints {
		if c.ID != id {
			out = append(out, c)
		}
	}
	return out
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
