package cascade

import (
	"context"
	"fmt"
	"strings"

	"cascade/internal/config"
	"cascade/internal/logging"
	"cascade/internal/retrieval"
)

// Adjuster rewrites a stage's prompt in response to an obstacle. It never
// touches retry counters; remediation changes the ask, not the bookkeeping.
type Adjuster struct {
	cfg       config.EngineConfig
	retriever retrieval.Retriever
}

// NewAdjuster creates an adjuster. A nil retriever disables context
// injection for missing-information errors.
func NewAdjuster(cfg config.EngineConfig, retriever retrieval.Retriever) *Adjuster {
	return &Adjuster{cfg: cfg, retriever: retriever}
}

// Adjust rewrites the stage prompt for the given obstacle and returns what
// it did. The result stays within the stage prompt budget.
func (a *Adjuster) Adjust(ctx context.Context, stage *Stage, obs Obstacle) string {
	var action string
	switch obs.Kind {
	case ObstacleTimeout, ObstacleStall:
		stage.Prompt = a.narrowScope(stage)
		action = "narrowed scope"

	case ObstacleProviderError:
		if looksLikeMissingInfo(obs.Detail) {
			if injected := a.injectContext(ctx, stage); injected {
				action = "injected reference context"
				break
			}
		}
		stage.Prompt = a.addCorrection(stage, obs.Detail)
		action = "added corrective instruction"

	case ObstacleConfidenceDecay:
		stage.Prompt = a.addPrecision(stage)
		action = "requested explicit reasoning"

	default:
		stage.Prompt = a.narrowScope(stage)
		action = "narrowed scope"
	}

	stage.Prompt = truncatePrompt(stage.Prompt, a.cfg.StageBudgetChars)
	logging.AdjusterDebug("stage %s after %s: %s", stage.ID, obs.Kind, action)
	return action
}

func looksLikeMissingInfo(detail string) bool {
	lower := strings.ToLower(detail)
	for _, hint := range []string{"missing", "unknown", "not found", "undefined", "no such", "unclear"} {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// narrowScope asks for only the essential part of the step.
func (a *Adjuster) narrowScope(stage *Stage) string {
	return stage.Prompt + fmt.Sprintf(
		"\nThe previous attempt ran out of time. Focus only on the essential part of %q and defer everything else.",
		stage.Description)
}

// injectContext prepends top retrieval hits for the stage description.
// Retrieval failure degrades to no injection.
func (a *Adjuster) injectContext(ctx context.Context, stage *Stage) bool {
	if a.retriever == nil {
		return false
	}
	snippets, err := a.retriever.Query(ctx, stage.Description, 2)
	if err != nil || len(snippets) == 0 {
		if err != nil {
			logging.RetrievalWarn("context injection failed: %v", err)
		}
		return false
	}
	var b strings.Builder
	b.WriteString("Relevant background:\n")
	for _, sn := range snippets {
		fmt.Fprintf(&b, "- %s\n", sn.Content)
	}
	b.WriteString(stage.Prompt)
	stage.Prompt = b.String()
	return true
}

// addCorrection appends an instruction citing the reported error.
func (a *Adjuster) addCorrection(stage *Stage, detail string) string {
	return stage.Prompt + fmt.Sprintf(
		"\nThe previous attempt failed with: %s\nAddress that failure directly in this attempt.", detail)
}

// addPrecision asks for step-by-step reasoning when confidence decays. The
// decay signal repeats while the trend stays low, so the note is added once.
func (a *Adjuster) addPrecision(stage *Stage) string {
	const note = "\nConfidence has been dropping. Work through this step explicitly and state any assumptions you make."
	if strings.Contains(stage.Prompt, note) {
		return stage.Prompt
	}
	return stage.Prompt + note
}

// truncatePrompt keeps the tail: the freshest instruction is the one that
// must survive.
func truncatePrompt(prompt string, budget int) string {
	if budget <= 0 || len(prompt) <= budget {
		return prompt
	}
	return prompt[len(prompt)-budget:]
}
