// Package retrieval provides ranked context snippet lookup. The prompt
// adjuster pulls snippets in when a stage fails for lack of information;
// retrieval failures degrade to an empty result, never a session fault.
package retrieval

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"cascade/internal/config"
	"cascade/internal/logging"
)

// Snippet is one ranked piece of reference context.
type Snippet struct {
	ID      string   `json:"id"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
	Score   float64  `json:"-"`
}

// Retriever looks up the snippets most relevant to a piece of text.
type Retriever interface {
	Query(ctx context.Context, text string, topK int) ([]Snippet, error)
}

// KeywordIndex is an in-memory inverted index with weighted keyword scoring.
type KeywordIndex struct {
	mu       sync.RWMutex
	snippets []Snippet
	terms    map[string][]int // term -> snippet indices
	cache    *queryCache
	topK     int
}

// NewKeywordIndex builds an empty index; when cfg.CorpusPath is set the
// corpus is preloaded from it (JSON lines, one snippet per line).
func NewKeywordIndex(cfg config.RetrievalConfig) (*KeywordIndex, error) {
	topK := cfg.TopK
	if topK <= 0 {
		topK = 5
	}
	idx := &KeywordIndex{
		terms: make(map[string][]int),
		cache: newQueryCache(cfg.CacheSize, cfg.CacheTTL.Std()),
		topK:  topK,
	}
	if cfg.CorpusPath != "" {
		if err := idx.LoadCorpus(cfg.CorpusPath); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// LoadCorpus reads snippets from a JSON-lines file and indexes them.
func (x *KeywordIndex) LoadCorpus(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open corpus: %w", err)
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var s Snippet
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			logging.RetrievalWarn("skipping malformed corpus line: %v", err)
			continue
		}
		x.Add(s)
		n++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read corpus: %w", err)
	}
	logging.RetrievalDebug("loaded %d snippets from %s", n, path)
	return nil
}

// Add indexes one snippet.
func (x *KeywordIndex) Add(s Snippet) {
	x.mu.Lock()
	defer x.mu.Unlock()

	pos := len(x.snippets)
	x.snippets = append(x.snippets, s)

	seen := make(map[string]bool)
	for _, term := range tokenize(s.Content) {
		if !seen[term] {
			seen[term] = true
			x.terms[term] = append(x.terms[term], pos)
		}
	}
	for _, tag := range s.Tags {
		t := strings.ToLower(tag)
		if !seen[t] {
			seen[t] = true
			x.terms[t] = append(x.terms[t], pos)
		}
	}
	x.cache.Clear()
}

// Len reports the number of indexed snippets.
func (x *KeywordIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.snippets)
}

// Query implements Retriever. Scoring weights each query term by how
// selective it is in the corpus, with a boost for snippets matching several
// distinct terms.
func (x *KeywordIndex) Query(ctx context.Context, text string, topK int) ([]Snippet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = x.topK
	}

	key := cacheKey(text, topK)
	if hits, ok := x.cache.Get(key); ok {
		return hits, nil
	}

	queryTerms := uniqueStrings(tokenize(text))
	if len(queryTerms) == 0 {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	total := len(x.snippets)
	if total == 0 {
		return nil, nil
	}

	scores := make(map[int]float64)
	matched := make(map[int]int)
	for _, term := range queryTerms {
		postings := x.terms[term]
		if len(postings) == 0 {
			continue
		}
		// Rare terms count more than ones appearing everywhere.
		weight := 1.0 - float64(len(postings)-1)/float64(total)
		if weight < 0.1 {
			weight = 0.1
		}
		for _, pos := range postings {
			scores[pos] += weight
			matched[pos]++
		}
	}

	hits := make([]Snippet, 0, len(scores))
	for pos, score := range scores {
		if matched[pos] > 1 {
			score *= 1.0 + float64(matched[pos]-1)*0.2
		}
		s := x.snippets[pos]
		s.Score = score
		hits = append(hits, s)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}

	x.cache.Set(key, hits)
	logging.RetrievalDebug("query %q matched %d snippets", truncate(text, 60), len(hits))
	return hits, nil
}

func cacheKey(text string, topK int) string {
	return fmt.Sprintf("%d|%s", topK, strings.ToLower(strings.TrimSpace(text)))
}

var wordPattern = regexp.MustCompile(`[a-zA-Z_][a-zA-Z0-9_]+`)

func tokenize(text string) []string {
	words := wordPattern.FindAllString(text, -1)
	out := make([]string, 0, len(words))
	for _, w := range words {
		lower := strings.ToLower(w)
		if len(lower) <= 2 || stopWords[lower] {
			continue
		}
		out = append(out, lower)
	}
	return out
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "are": true, "was": true, "were": true,
	"have": true, "has": true, "had": true, "will": true, "would": true,
	"could": true, "should": true, "can": true, "not": true, "but": true,
	"all": true, "each": true, "into": true, "out": true, "use": true,
	"when": true, "where": true, "how": true, "what": true, "which": true,
	"its": true, "our": true, "your": true, "their": true, "you": true,
	"some": true, "more": true, "most": true, "other": true, "than": true,
	"then": true, "them": true, "they": true, "been": true, "being": true,
	"does": true, "did": true, "just": true, "also": true, "only": true,
	"make": true, "need": true, "want": true, "like": true, "get": true,
}

func uniqueStrings(ss []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(ss))
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	return result
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
