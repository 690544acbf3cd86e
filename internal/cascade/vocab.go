package cascade

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"cascade/internal/logging"
)

// Vocabulary is the domain term set the ambiguity detector checks against,
// plus per-term candidate interpretation tables. Safe for concurrent reads;
// the file watcher swaps contents atomically on reload.
type Vocabulary struct {
	mu         sync.RWMutex
	terms      map[string]bool
	candidates map[string][]Candidate
}

type vocabularyFile struct {
	Terms      []string `yaml:"terms"`
	Candidates map[string][]struct {
		Value      string  `yaml:"value"`
		Confidence float64 `yaml:"confidence"`
	} `yaml:"candidates"`
}

// NewVocabulary returns a vocabulary seeded with built-in candidate tables
// for common vague terms.
func NewVocabulary() *Vocabulary {
	v := &Vocabulary{
		terms:      make(map[string]bool),
		candidates: make(map[string][]Candidate),
	}
	v.seedDefaults()
	return v
}

func (v *Vocabulary) seedDefaults() {
	// Candidate confidences deliberately sit below the implicit-accept
	// threshold so these terms go through clarification, while the top
	// candidate stays strong enough to serve as a timeout fallback.
	v.candidates["fast"] = []Candidate{
		{Value: "low-latency", Confidence: 0.55},
		{Value: "high-throughput", Confidence: 0.45},
		{Value: "quick-to-build", Confidence: 0.3},
	}
	v.candidates["faster"] = v.candidates["fast"]
	v.candidates["better"] = []Candidate{
		{Value: "improve performance", Confidence: 0.5},
		{Value: "improve code quality", Confidence: 0.45},
		{Value: "improve user experience", Confidence: 0.35},
		{Value: "improve functionality", Confidence: 0.3},
	}
	v.candidates["improve"] = v.candidates["better"]
	v.candidates["enhance"] = v.candidates["better"]
	v.candidates["easier"] = []Candidate{
		{Value: "simplify the interface", Confidence: 0.5},
		{Value: "reduce complexity", Confidence: 0.4},
		{Value: "improve documentation", Confidence: 0.3},
	}
	v.candidates["simpler"] = v.candidates["easier"]
	v.candidates["good"] = []Candidate{
		{Value: "meets defined acceptance criteria", Confidence: 0.45},
		{Value: "passes review without major findings", Confidence: 0.4},
	}
}

// Knows reports whether the term is a defined, unambiguous domain term.
func (v *Vocabulary) Knows(term string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.terms[strings.ToLower(term)]
}

// CandidatesFor returns the candidate table for a term, if one exists.
func (v *Vocabulary) CandidatesFor(term string) ([]Candidate, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	c, ok := v.candidates[strings.ToLower(term)]
	if !ok {
		return nil, false
	}
	out := make([]Candidate, len(c))
	copy(out, c)
	return out, true
}

// AddTerm registers a known domain term.
func (v *Vocabulary) AddTerm(term string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.terms[strings.ToLower(term)] = true
}

// LoadFile replaces the vocabulary contents with the file's, keeping the
// built-in candidate tables as fallback for terms the file does not define.
func (v *Vocabulary) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read vocabulary: %w", err)
	}
	var vf vocabularyFile
	if err := yaml.Unmarshal(data, &vf); err != nil {
		return fmt.Errorf("failed to parse vocabulary: %w", err)
	}

	terms := make(map[string]bool, len(vf.Terms))
	for _, t := range vf.Terms {
		terms[strings.ToLower(t)] = true
	}
	candidates := make(map[string][]Candidate)
	for term, list := range vf.Candidates {
		cs := make([]Candidate, 0, len(list))
		for _, c := range list {
			if err := validateUnit("candidate confidence", c.Confidence); err != nil {
				return fmt.Errorf("vocabulary term %q: %w", term, err)
			}
			cs = append(cs, Candidate{Value: c.Value, Confidence: c.Confidence})
		}
		candidates[strings.ToLower(term)] = cs
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.terms = terms
	for term, cs := range candidates {
		v.candidates[term] = cs
	}
	logging.EngineDebug("vocabulary loaded: %d terms, %d candidate tables",
		len(terms), len(candidates))
	return nil
}

// Watch hot-reloads the vocabulary whenever the file changes, until ctx is
// cancelled. A reload failure keeps the previous contents.
func (v *Vocabulary) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := v.LoadFile(path); err != nil {
					logging.EngineWarn("vocabulary reload failed: %v", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.EngineWarn("vocabulary watcher error: %v", err)
			}
		}
	}()
	return nil
}
