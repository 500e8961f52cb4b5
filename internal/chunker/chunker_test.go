package chunker_test

import (
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/corpusd/internal/chunker"
)

var update = flag.Bool("update", false, "rewrite golden files")

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		maxSize int
		overlap int
		wantErr bool
	}{
		{name: "valid", maxSize: 1000, overlap: 200},
		{name: "zero overlap", maxSize: 100, overlap: 0},
		{name: "zero max size", maxSize: 0, overlap: 0, wantErr: true},
		{name: "negative max size", maxSize: -1, overlap: 0, wantErr: true},
		{name: "negative overlap", maxSize: 100, overlap: -1, wantErr: true},
		{name: "overlap equals max size", maxSize: 100, overlap: 100, wantErr: true},
		{name: "overlap exceeds max size", maxSize: 100, overlap: 150, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := chunker.New(tt.maxSize, tt.overlap)
			if tt.wantErr {
				require.Error(t, err)
				require.ErrorIs(t, err, chunker.ErrInvalidConfig)
				assert.Nil(t, c)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.maxSize, c.MaxSize())
			assert.Equal(t, tt.overlap, c.Overlap())
		})
	}
}

func TestDefault(t *testing.T) {
	c := chunker.Default()
	assert.Equal(t, chunker.DefaultMaxSize, c.MaxSize())
	assert.Equal(t, chunker.DefaultOverlap, c.Overlap())
}

func TestChunk_EmptyText(t *testing.T) {
	c := chunker.Default()
	assert.Empty(t, c.Chunk(""))
}

func TestChunk_ShortText(t *testing.T) {
	c := chunker.Default()

	text := "A single short note that fits in one fragment."
	got := c.Chunk(text)
	require.Len(t, got, 1)
	assert.Equal(t, text, got[0])

	// Exactly max size still fits in one fragment.
	exact := strings.Repeat("x", chunker.DefaultMaxSize)
	got = c.Chunk(exact)
	require.Len(t, got, 1)
	assert.Equal(t, exact, got[0])
}

func TestChunk_ContinuousText(t *testing.T) {
	// 2500 characters with no natural boundaries: hard cuts only.
	text := strings.Repeat("abcdefghij", 250)
	c := chunker.Default()

	got := c.Chunk(text)
	require.Len(t, got, 4)
	for i, frag := range got {
		assert.LessOrEqual(t, utf8.RuneCountInString(frag), chunker.DefaultMaxSize, "fragment %d", i)
	}

	// Consecutive fragments share the 200-character boundary region.
	for i := 0; i < len(got)-1; i++ {
		next := got[i+1]
		if utf8.RuneCountInString(next) < chunker.DefaultOverlap {
			// A short trailing fragment is entirely inside the previous tail.
			assert.True(t, strings.HasSuffix(got[i], next), "fragment %d", i+1)
			continue
		}
		tail := got[i][len(got[i])-chunker.DefaultOverlap:]
		assert.Equal(t, tail, next[:chunker.DefaultOverlap], "boundary %d/%d", i, i+1)
	}

	assert.True(t, strings.HasSuffix(text, got[len(got)-1]))
	assert.True(t, strings.HasPrefix(text, got[0]))
}

func TestChunk_Deterministic(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", "article.txt"))
	require.NoError(t, err)

	c, err := chunker.New(400, 80)
	require.NoError(t, err)

	first := c.Chunk(string(data))
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, c.Chunk(string(data)))
	}
}

func TestChunk_PrefersParagraphBoundary(t *testing.T) {
	c, err := chunker.New(100, 20)
	require.NoError(t, err)

	// Paragraph break at offset 85, inside the cut window (80, 100].
	text := strings.Repeat("x", 85) + "\n\n" + strings.Repeat("y", 63)
	got := c.Chunk(text)
	require.NotEmpty(t, got)

	assert.True(t, strings.HasSuffix(got[0], "\n\n"), "first fragment should end at the paragraph break")
	assert.Equal(t, 87, utf8.RuneCountInString(got[0]))

	require.GreaterOrEqual(t, len(got), 2)
	assert.Equal(t, got[0][len(got[0])-20:], got[1][:20])
}

func TestChunk_PrefersSentenceBoundary(t *testing.T) {
	c, err := chunker.New(100, 20)
	require.NoError(t, err)

	// Sentence break at offset 88, inside the cut window, no paragraph break.
	text := strings.Repeat("x", 87) + ". " + strings.Repeat("y", 61)
	got := c.Chunk(text)
	require.NotEmpty(t, got)

	assert.True(t, strings.HasSuffix(got[0], ". "), "first fragment should end at the sentence break")
	assert.Equal(t, 89, utf8.RuneCountInString(got[0]))
}

func TestChunk_MultiByteRunes(t *testing.T) {
	c, err := chunker.New(50, 10)
	require.NoError(t, err)

	text := strings.Repeat("héllo wörld こんにちは ", 30)
	got := c.Chunk(text)
	require.NotEmpty(t, got)
	for i, frag := range got {
		assert.True(t, utf8.ValidString(frag), "fragment %d is not valid UTF-8", i)
		assert.LessOrEqual(t, utf8.RuneCountInString(frag), 50, "fragment %d", i)
	}
}

func TestChunk_Golden(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", "article.txt"))
	require.NoError(t, err)

	c, err := chunker.New(400, 80)
	require.NoError(t, err)
	got := c.Chunk(string(data))

	goldenPath := filepath.Join("testdata", "article.golden.json")
	if *update {
		out, err := json.MarshalIndent(got, "", "  ")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(goldenPath, append(out, '\n'), 0o644))
	}

	raw, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	var want []string
	require.NoError(t, json.Unmarshal(raw, &want))

	assert.Equal(t, want, got)
}
