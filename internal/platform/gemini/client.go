package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"google.golang.org/genai"

	"github.com/voxnote/voxnote-api/internal/config"
)

// baseRetryDelay is the first backoff step for transient API errors.
const baseRetryDelay = 2 * time.Second

// contentGenerator is the slice of the genai client the adapters use.
// *genai.Models satisfies it.
type contentGenerator interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// Client implements the pipeline's Transcriber, Extractor and
// ItemGenerator interfaces against the Gemini API.
type Client struct {
	logger     *slog.Logger
	models     contentGenerator
	model      string
	maxRetries int
	retryDelay time.Duration
	rng        *rand.Rand
}

// New creates a Client from the LLM configuration.
func New(ctx context.Context, logger *slog.Logger, cfg config.LLMConfig) (*Client, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", ErrInvalidConfig)
	}
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", ErrInvalidConfig)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create gemini client: %v", ErrInvalidConfig, err)
	}

	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 3
	}

	return &Client{
		logger:     logger.With(slog.String("component", "gemini")),
		models:     client.Models,
		model:      cfg.ModelName,
		maxRetries: maxRetries,
		retryDelay: baseRetryDelay,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// generate calls the model with exponential backoff for transient API
// errors. Safety blocks and unusable responses are permanent and
// returned immediately.
func (c *Client) generate(
	ctx context.Context,
	contents []*genai.Content,
	genConfig *genai.GenerateContentConfig,
) (string, error) {
	for attempt := 0; ; attempt++ {
		text, err := c.generateOnce(ctx, contents, genConfig)
		if err == nil {
			return text, nil
		}

		if errors.Is(err, ErrContentBlocked) || errors.Is(err, ErrInvalidResponse) {
			c.logger.WarnContext(ctx, "permanent model error, not retrying",
				slog.String("error", err.Error()))
			return "", err
		}

		if attempt >= c.maxRetries {
			c.logger.WarnContext(ctx, "model retry budget exhausted",
				slog.Int("attempts", attempt+1))
			return "", fmt.Errorf("%w: exceeded %d attempts: %v",
				ErrTransientFailure, attempt+1, err)
		}

		// delay = base * 2^attempt * jitter in [0.5, 1.0)
		backoff := float64(c.retryDelay) * math.Pow(2, float64(attempt))
		delay := time.Duration(backoff * (0.5 + c.rng.Float64()*0.5))

		c.logger.InfoContext(ctx, "retrying model call after delay",
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrTransientFailure, ctx.Err())
		}
	}
}

func (c *Client) generateOnce(
	ctx context.Context,
	contents []*genai.Content,
	genConfig *genai.GenerateContentConfig,
) (string, error) {
	resp, err := c.models.GenerateContent(ctx, c.model, contents, genConfig)
	if err != nil {
		return "", fmt.Errorf("gemini API call failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("%w: no candidates", ErrInvalidResponse)
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return "", ErrContentBlocked
	}
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("%w: empty content", ErrInvalidResponse)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("%w: no text in response", ErrInvalidResponse)
	}
	return text, nil
}
