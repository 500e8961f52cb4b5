package composer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/generation"
	"github.com/fyrsmithlabs/corpusd/internal/vectorstore"
)

// ErrEmptyQuestion indicates a blank question.
var ErrEmptyQuestion = errors.New("question cannot be empty")

// DefaultMaxPromptRunes bounds the assembled prompt size.
const DefaultMaxPromptRunes = 12000

// DegradedNotice marks answers returned without the generative backend.
const DegradedNotice = "generation unavailable"

// TenantProfile carries the minimal tenant fields included in prompts.
type TenantProfile struct {
	Name     string
	Company  string
	Industry string
}

// ComposeRequest is the input to Compose.
type ComposeRequest struct {
	Question string
	Matches  []vectorstore.Match
	Profile  TenantProfile
}

// Answer is a composed response.
//
// When Degraded is set, Text is empty and Notice explains why; Fragments
// still carry the retrieved context.
type Answer struct {
	Text      string
	Fragments []vectorstore.Match
	Degraded  bool
	Notice    string
}

// Composer builds bounded prompts and delegates generation.
type Composer struct {
	generator      generation.Generator
	logger         *zap.Logger
	maxPromptRunes int
}

// Option configures a Composer.
type Option func(*Composer)

// WithMaxPromptRunes overrides the prompt size bound.
func WithMaxPromptRunes(n int) Option {
	return func(c *Composer) {
		if n > 0 {
			c.maxPromptRunes = n
		}
	}
}

// New creates a Composer around the given generator.
func New(generator generation.Generator, logger *zap.Logger, opts ...Option) *Composer {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Composer{
		generator:      generator,
		logger:         logger.Named("composer"),
		maxPromptRunes: DefaultMaxPromptRunes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compose builds a grounded prompt from the request and returns the
// generated answer. When the generative backend fails, it returns a
// degraded answer carrying the retrieved fragments and a nil error.
func (c *Composer) Compose(ctx context.Context, req ComposeRequest) (Answer, error) {
	if strings.TrimSpace(req.Question) == "" {
		return Answer{}, ErrEmptyQuestion
	}

	prompt := c.buildPrompt(req)

	text, err := c.generator.Generate(ctx, prompt)
	if err != nil {
		c.logger.Warn("returning degraded answer",
			zap.Int("fragments", len(req.Matches)),
			zap.Error(err))
		return Answer{
			Fragments: req.Matches,
			Degraded:  true,
			Notice:    DegradedNotice,
		}, nil
	}

	return Answer{Text: text, Fragments: req.Matches}, nil
}

// buildPrompt assembles the prompt, dropping trailing fragments once the
// rune budget is spent. The question and profile always fit.
func (c *Composer) buildPrompt(req ComposeRequest) string {
	var b strings.Builder
	b.WriteString("You are a knowledgeable assistant. Answer the question using only the provided context. If the context does not contain the answer, say so.\n")

	if p := formatProfile(req.Profile); p != "" {
		b.WriteString("\nCLIENT PROFILE:\n")
		b.WriteString(p)
	}

	footer := fmt.Sprintf("\nQUESTION:\n%s\n\nAnswer concisely and cite which context passages you used.\n", strings.TrimSpace(req.Question))
	budget := c.maxPromptRunes - len([]rune(b.String())) - len([]rune(footer))

	if len(req.Matches) > 0 {
		header := "\nCONTEXT:\n"
		budget -= len([]rune(header))
		b.WriteString(header)
		for i, m := range req.Matches {
			passage := fmt.Sprintf("[%d] %s\n", i+1, strings.TrimSpace(m.Fragment.Text))
			runes := len([]rune(passage))
			if runes > budget {
				break
			}
			b.WriteString(passage)
			budget -= runes
		}
	}

	b.WriteString(footer)
	return b.String()
}

func formatProfile(p TenantProfile) string {
	var lines []string
	if p.Name != "" {
		lines = append(lines, "Name: "+p.Name)
	}
	if p.Company != "" {
		lines = append(lines, "Company: "+p.Company)
	}
	if p.Industry != "" {
		lines = append(lines, "Industry: "+p.Industry)
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
