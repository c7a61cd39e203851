package realtime

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeTranscript(t *testing.T) {
	tests := []struct {
		name     string
		current  string
		fragment string
		rewrite  bool
		next     string
		delta    string
	}{
		{
			name:     "Empty fragment is a no-op",
			current:  "hello there",
			fragment: "",
			next:     "hello there",
			delta:    "",
		},
		{
			name:     "Empty aggregate takes fragment verbatim",
			current:  "",
			fragment: "hello",
			next:     "hello",
			delta:    "hello",
		},
		{
			name:     "Identical fragment is a no-op",
			current:  "hello",
			fragment: "hello",
			next:     "hello",
			delta:    "",
		},
		{
			name:     "Prefix extension appends only the suffix",
			current:  "the quick",
			fragment: "the quick brown fox",
			next:     "the quick brown fox",
			delta:    " brown fox",
		},
		{
			name:     "Fragment already at the end is subsumed",
			current:  "the quick brown fox",
			fragment: "brown fox",
			next:     "the quick brown fox",
			delta:    "",
		},
		{
			name:     "Contained fragment is subsumed",
			current:  "the quick brown fox",
			fragment: "quick brown",
			next:     "the quick brown fox",
			delta:    "",
		},
		{
			name:     "Partial overlap stitches at the boundary",
			current:  "the quick br",
			fragment: "brown fox",
			next:     "the quick brown fox",
			delta:    "own fox",
		},
		{
			name:     "Disjoint fragments join with one space",
			current:  "hello",
			fragment: "world",
			next:     "hello world",
			delta:    " world",
		},
		{
			name:     "No double space when aggregate ends with whitespace",
			current:  "hello ",
			fragment: "world",
			next:     "hello world",
			delta:    "world",
		},
		{
			name:     "No double space when fragment starts with whitespace",
			current:  "hello",
			fragment: " world",
			next:     "hello world",
			delta:    " world",
		},
		{
			name:     "Rewrite replaces on case-insensitive containment",
			current:  "hello world",
			fragment: "Hello world, again",
			rewrite:  true,
			next:     "Hello world, again",
			delta:    "Hello world, again",
		},
		{
			name:     "Rewrite replaces on partial shared prefix",
			current:  "I went too the store",
			fragment: "I went to the store",
			rewrite:  true,
			next:     "I went to the store",
			delta:    "I went to the store",
		},
		{
			name:     "Without rewrite a revision stitches or joins instead",
			current:  "I went too",
			fragment: "I went to the store",
			rewrite:  false,
			next:     "I went too I went to the store",
			delta:    " I went to the store",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, delta := MergeTranscript(tt.current, tt.fragment, tt.rewrite)
			assert.Equal(t, tt.next, next)
			assert.Equal(t, tt.delta, delta)
		})
	}
}

// Randomized checks for the algebraic laws the merge must satisfy.
func TestMergeTranscriptLaws(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	words := []string{"the", "quick", "brown", "fox", "jumps", "over", "a", "lazy", "dog"}
	randomText := func(n int) string {
		parts := make([]string, n)
		for i := range parts {
			parts[i] = words[rng.Intn(len(words))]
		}
		return strings.Join(parts, " ")
	}

	t.Run("Idempotence of identical append", func(t *testing.T) {
		for range 200 {
			text := randomText(1 + rng.Intn(8))
			next, delta := MergeTranscript(text, text, rng.Intn(2) == 0)
			require.Equal(t, text, next)
			require.Empty(t, delta)
		}
	})

	t.Run("Prefix extension law", func(t *testing.T) {
		for range 200 {
			t1 := randomText(1 + rng.Intn(5))
			t2 := t1 + " " + randomText(1+rng.Intn(5))
			next, delta := MergeTranscript(t1, t2, false)
			require.Equal(t, t2, next)
			require.Equal(t, t2[len(t1):], delta)
		}
	})

	t.Run("Containment law", func(t *testing.T) {
		for range 200 {
			middle := randomText(1 + rng.Intn(3))
			t1 := randomText(1+rng.Intn(3)) + " " + middle + " " + randomText(1+rng.Intn(3))
			next, delta := MergeTranscript(t1, middle, false)
			require.Equal(t, t1, next)
			require.Empty(t, delta)
		}
	})

	t.Run("Merge never loses the aggregate outside rewrite", func(t *testing.T) {
		for range 200 {
			t1 := randomText(1 + rng.Intn(5))
			t2 := randomText(1 + rng.Intn(5))
			next, _ := MergeTranscript(t1, t2, false)
			require.True(t, strings.HasPrefix(next, t1))
		}
	})
}

func TestReconciler(t *testing.T) {
	r := NewReconciler(false)
	assert.Empty(t, r.Text())

	assert.Equal(t, "hello", r.Append("hello"))
	assert.Equal(t, "hello world", r.Append("hello world"))
	assert.Equal(t, "hello world", r.Append("world"))

	r.Reset()
	assert.Empty(t, r.Text())
}
