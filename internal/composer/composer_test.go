package composer_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/composer"
	"github.com/fyrsmithlabs/corpusd/internal/generation"
	"github.com/fyrsmithlabs/corpusd/internal/vectorstore"
)

// fakeGenerator records the last prompt and returns a canned completion
// or error.
type fakeGenerator struct {
	lastPrompt string
	completion string
	err        error
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	f.lastPrompt = prompt
	if f.err != nil {
		return "", f.err
	}
	return f.completion, nil
}

func matchWithText(text string) vectorstore.Match {
	return vectorstore.Match{
		Fragment: vectorstore.Fragment{Text: text},
		Score:    0.9,
	}
}

func TestCompose_GroundedAnswer(t *testing.T) {
	gen := &fakeGenerator{completion: "Paris is the capital of France."}
	c := composer.New(gen, zap.NewNop())

	answer, err := c.Compose(context.Background(), composer.ComposeRequest{
		Question: "What is the capital of France?",
		Matches: []vectorstore.Match{
			matchWithText("France's capital city is Paris."),
			matchWithText("Paris hosts the national government."),
		},
		Profile: composer.TenantProfile{Name: "Acme", Industry: "travel"},
	})
	require.NoError(t, err)

	assert.False(t, answer.Degraded)
	assert.Equal(t, "Paris is the capital of France.", answer.Text)
	assert.Len(t, answer.Fragments, 2)

	assert.Contains(t, gen.lastPrompt, "What is the capital of France?")
	assert.Contains(t, gen.lastPrompt, "[1] France's capital city is Paris.")
	assert.Contains(t, gen.lastPrompt, "[2] Paris hosts the national government.")
	assert.Contains(t, gen.lastPrompt, "Name: Acme")
	assert.Contains(t, gen.lastPrompt, "Industry: travel")
}

func TestCompose_DegradesOnGenerationFailure(t *testing.T) {
	gen := &fakeGenerator{err: fmt.Errorf("%w: backend down", generation.ErrGenerationFailed)}
	c := composer.New(gen, zap.NewNop())

	matches := []vectorstore.Match{matchWithText("some context")}
	answer, err := c.Compose(context.Background(), composer.ComposeRequest{
		Question: "anything",
		Matches:  matches,
	})
	require.NoError(t, err)

	assert.True(t, answer.Degraded)
	assert.Equal(t, composer.DegradedNotice, answer.Notice)
	assert.Empty(t, answer.Text)
	assert.Equal(t, matches, answer.Fragments)
}

func TestCompose_EmptyQuestion(t *testing.T) {
	c := composer.New(&fakeGenerator{}, zap.NewNop())

	_, err := c.Compose(context.Background(), composer.ComposeRequest{Question: "   "})
	assert.ErrorIs(t, err, composer.ErrEmptyQuestion)
}

func TestCompose_NoMatches(t *testing.T) {
	gen := &fakeGenerator{completion: "I do not have enough context to answer."}
	c := composer.New(gen, zap.NewNop())

	answer, err := c.Compose(context.Background(), composer.ComposeRequest{Question: "what now?"})
	require.NoError(t, err)

	assert.False(t, answer.Degraded)
	assert.NotContains(t, gen.lastPrompt, "CONTEXT:")
	assert.Empty(t, answer.Fragments)
}

func TestCompose_BoundedPrompt(t *testing.T) {
	gen := &fakeGenerator{completion: "ok"}
	c := composer.New(gen, zap.NewNop(), composer.WithMaxPromptRunes(600))

	var matches []vectorstore.Match
	for i := 0; i < 10; i++ {
		matches = append(matches, matchWithText(strings.Repeat("x", 200)))
	}

	_, err := c.Compose(context.Background(), composer.ComposeRequest{
		Question: "question",
		Matches:  matches,
	})
	require.NoError(t, err)

	assert.LessOrEqual(t, len([]rune(gen.lastPrompt)), 600)
	assert.Contains(t, gen.lastPrompt, "question")
	// At least one passage fits, later ones are dropped
	assert.Contains(t, gen.lastPrompt, "[1]")
	assert.NotContains(t, gen.lastPrompt, "[10]")
}
