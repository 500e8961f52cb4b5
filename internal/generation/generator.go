package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"go.uber.org/zap"
)

var (
	// ErrInvalidConfig indicates invalid generator configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrGenerationFailed indicates the generative backend failed or
	// cannot be reached.
	ErrGenerationFailed = errors.New("generation failed")
)

// Generator produces natural-language text from a prompt.
type Generator interface {
	// Generate returns the model's completion for the prompt.
	// Fails with ErrGenerationFailed when the backend is unavailable.
	Generate(ctx context.Context, prompt string) (string, error)
}

// GoogleAIConfig holds configuration for the Google AI generator.
type GoogleAIConfig struct {
	// APIKey authenticates against the Google AI API.
	APIKey string

	// Model is the generative model name. Defaults to "gemini-1.5-flash".
	Model string

	// Temperature controls sampling randomness. Defaults to 0.2.
	Temperature float64

	// MaxTokens bounds the completion length. Defaults to 1024.
	MaxTokens int
}

// ApplyDefaults fills in default values for unset fields.
func (c *GoogleAIConfig) ApplyDefaults() {
	if c.Model == "" {
		c.Model = "gemini-1.5-flash"
	}
	if c.Temperature == 0 {
		c.Temperature = 0.2
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 1024
	}
}

// Validate checks the configuration.
func (c *GoogleAIConfig) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("%w: API key is required", ErrInvalidConfig)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be in [0, 2], got %v", ErrInvalidConfig, c.Temperature)
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("%w: max tokens cannot be negative, got %d", ErrInvalidConfig, c.MaxTokens)
	}
	return nil
}

// GoogleAIGenerator generates text via the Google AI API through langchaingo.
type GoogleAIGenerator struct {
	llm    *googleai.GoogleAI
	config GoogleAIConfig
	logger *zap.Logger
}

// NewGoogleAIGenerator creates a generator backed by the Google AI API.
func NewGoogleAIGenerator(ctx context.Context, config GoogleAIConfig, logger *zap.Logger) (*GoogleAIGenerator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	llm, err := googleai.New(ctx,
		googleai.WithAPIKey(config.APIKey),
		googleai.WithDefaultModel(config.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("creating Google AI client: %w", err)
	}

	logger.Info("generation backend ready", zap.String("model", config.Model))

	return &GoogleAIGenerator{
		llm:    llm,
		config: config,
		logger: logger.Named("generation"),
	}, nil
}

// Generate returns the model's completion for the prompt.
func (g *GoogleAIGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("%w: empty prompt", ErrGenerationFailed)
	}

	completion, err := llms.GenerateFromSinglePrompt(ctx, g.llm, prompt,
		llms.WithTemperature(g.config.Temperature),
		llms.WithMaxTokens(g.config.MaxTokens),
	)
	if err != nil {
		g.logger.Warn("generation call failed", zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	return completion, nil
}

var _ Generator = (*GoogleAIGenerator)(nil)
