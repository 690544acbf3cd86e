package cascade

import (
	"context"
	"fmt"
	"strings"

	"cascade/internal/config"
	"cascade/internal/logging"
	"cascade/internal/retrieval"
)

// reviewKeywords mark steps that consume every earlier stage's output
// rather than just the previous one.
var reviewKeywords = []string{"review", "verify", "finalize", "refine"}

// Planner turns a selected path into an ordered stage DAG with bounded
// prompts. Retrieval context is best-effort; planning proceeds without it.
type Planner struct {
	cfg       config.EngineConfig
	retriever retrieval.Retriever
}

// NewPlanner creates a planner. A nil retriever disables context injection.
func NewPlanner(cfg config.EngineConfig, retriever retrieval.Retriever) *Planner {
	return &Planner{cfg: cfg, retriever: retriever}
}

// Plan builds the stage list for the session's selected path and validates
// the resulting DAG. A cycle or dangling dependency is a fatal planning
// error, never silently repaired.
func (p *Planner) Plan(ctx context.Context, s *Session) ([]*Stage, error) {
	if s.SelectedPath == nil {
		return nil, fmt.Errorf("no path selected for session %s", s.ID)
	}
	steps := s.SelectedPath.Steps
	if len(steps) == 0 {
		return nil, fmt.Errorf("selected path %s has no steps", s.SelectedPath.ID)
	}

	snippets := p.contextSnippets(ctx, s.Request.Text)

	stages := make([]*Stage, 0, len(steps))
	for i, step := range steps {
		stage := &Stage{
			ID:          fmt.Sprintf("stage-%d", i+1),
			Description: step,
			Status:      StagePending,
			MaxRetries:  p.cfg.MaxRetries,
			Timeout:     p.cfg.StageTimeout.Std(),
		}
		if isReviewStep(step) {
			// Reviews consume everything produced so far.
			for _, prior := range stages {
				stage.Dependencies = append(stage.Dependencies, prior.ID)
			}
		} else if i > 0 {
			stage.Dependencies = []string{stages[i-1].ID}
		}
		stage.Prompt = p.buildPrompt(s, step, i+1, len(steps), snippets)
		stages = append(stages, stage)
	}

	if err := ValidateDAG(stages); err != nil {
		return nil, fmt.Errorf("planning produced an invalid DAG: %w", err)
	}

	logging.PlannerInfo("planned %d stages for path %s", len(stages), s.SelectedPath.Type)
	return stages, nil
}

func isReviewStep(step string) bool {
	lower := strings.ToLower(step)
	for _, kw := range reviewKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// contextSnippets fetches retrieval hits for prompt grounding. Failures
// degrade to no injection.
func (p *Planner) contextSnippets(ctx context.Context, text string) []retrieval.Snippet {
	if p.retriever == nil {
		return nil
	}
	snippets, err := p.retriever.Query(ctx, text, 3)
	if err != nil {
		logging.RetrievalWarn("context lookup failed, planning without it: %v", err)
		return nil
	}
	return snippets
}

// buildPrompt assembles a stage prompt within the per-stage character
// budget. The step instruction survives truncation; context is cut first.
func (p *Planner) buildPrompt(s *Session, step string, n, total int, snippets []retrieval.Snippet) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", s.Request.Text)
	fmt.Fprintf(&b, "Approach: %s\n", s.SelectedPath.Description)
	fmt.Fprintf(&b, "Step %d of %d: %s\n", n, total, step)

	if len(s.Constraints) > 0 {
		b.WriteString("Constraints:\n")
		for _, c := range s.Constraints {
			fmt.Fprintf(&b, "- %s: %s\n", c.Kind, c.Description)
		}
	}

	budget := p.cfg.StageBudgetChars
	if len(snippets) > 0 && b.Len() < budget {
		b.WriteString("Reference material:\n")
		for _, sn := range snippets {
			remaining := budget - b.Len()
			if remaining <= 0 {
				break
			}
			content := sn.Content
			if len(content) > remaining {
				content = content[:remaining]
			}
			fmt.Fprintf(&b, "- %s\n", content)
		}
	}

	prompt := b.String()
	if len(prompt) > budget {
		prompt = prompt[:budget]
	}
	return prompt
}

// ValidateDAG checks that every dependency names a defined, earlier stage
// and that the graph is acyclic.
func ValidateDAG(stages []*Stage) error {
	index := make(map[string]int, len(stages))
	for i, st := range stages {
		if _, dup := index[st.ID]; dup {
			return fmt.Errorf("duplicate stage id %s", st.ID)
		}
		index[st.ID] = i
	}

	for i, st := range stages {
		for _, dep := range st.Dependencies {
			j, ok := index[dep]
			if !ok {
				return fmt.Errorf("stage %s depends on undefined stage %s", st.ID, dep)
			}
			if j >= i {
				return fmt.Errorf("stage %s depends on later stage %s", st.ID, dep)
			}
		}
	}

	// Forward-only edges already rule out cycles; the color walk guards
	// against callers who reorder stages after planning.
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(stages))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return fmt.Errorf("dependency cycle through stage %s", id)
		case black:
			return nil
		}
		color[id] = gray
		for _, dep := range stages[index[id]].Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for _, st := range stages {
		if err := visit(st.ID); err != nil {
			return err
		}
	}
	return nil
}

// ReadyStages lists pending stages whose dependencies have all succeeded.
// Stages downstream of a skipped dependency are skipped transitively.
func ReadyStages(stages []*Stage) []*Stage {
	byID := make(map[string]*Stage, len(stages))
	for _, st := range stages {
		byID[st.ID] = st
	}

	var ready []*Stage
	for _, st := range stages {
		if st.Status != StagePending {
			continue
		}
		ok := true
		for _, dep := range st.Dependencies {
			d := byID[dep]
			if d == nil || d.Status == StageSkipped {
				st.Status = StageSkipped
				ok = false
				break
			}
			if d.Status != StageSucceeded {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, st)
		}
	}
	return ready
}
