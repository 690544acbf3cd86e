package cascade

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const vocabYAML = `
terms:
  - throughput
  - p99
candidates:
  snappy:
    - value: "sub-second response"
      confidence: 0.6
    - value: "smooth animations"
      confidence: 0.3
`

func TestVocabularyDefaults(t *testing.T) {
	v := NewVocabulary()

	cands, ok := v.CandidatesFor("fast")
	require.True(t, ok)
	require.NotEmpty(t, cands)
	assert.Equal(t, "low-latency", cands[0].Value)

	assert.False(t, v.Knows("fast"))
	v.AddTerm("fast")
	assert.True(t, v.Knows("FAST"))
}

func TestVocabularyLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(vocabYAML), 0o644))

	v := NewVocabulary()
	require.NoError(t, v.LoadFile(path))

	assert.True(t, v.Knows("throughput"))
	assert.True(t, v.Knows("P99"))

	cands, ok := v.CandidatesFor("snappy")
	require.True(t, ok)
	assert.Equal(t, "sub-second response", cands[0].Value)

	// Built-in tables survive as fallback.
	_, ok = v.CandidatesFor("fast")
	assert.True(t, ok)
}

func TestVocabularyLoadFileRejectsBadConfidence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.yaml")
	bad := "candidates:\n  snappy:\n    - value: x\n      confidence: 1.4\n"
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o644))

	v := NewVocabulary()
	err := v.LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside [0,1]")
}

func TestVocabularyHotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.yaml")
	require.NoError(t, os.WriteFile(path, []byte("terms: [alpha]\n"), 0o644))

	v := NewVocabulary()
	require.NoError(t, v.LoadFile(path))
	require.True(t, v.Knows("alpha"))
	require.False(t, v.Knows("beta"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, v.Watch(ctx, path))

	require.NoError(t, os.WriteFile(path, []byte("terms: [alpha, beta]\n"), 0o644))

	deadline := time.Now().Add(5 * time.Second)
	for !v.Knows("beta") {
		if time.Now().After(deadline) {
			t.Fatal("vocabulary never reloaded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestVocabularyReloadFailureKeepsContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.yaml")
	require.NoError(t, os.WriteFile(path, []byte("terms: [alpha]\n"), 0o644))

	v := NewVocabulary()
	require.NoError(t, v.LoadFile(path))

	// A broken rewrite must not clear the working vocabulary.
	require.NoError(t, os.WriteFile(path, []byte(":\tnot yaml"), 0o644))
	assert.Error(t, v.LoadFile(path))
	assert.True(t, v.Knows("alpha"))
}
