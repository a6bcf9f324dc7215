package gemini

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"text/template"

	"google.golang.org/genai"
)

const generateTemplate = `{{.Prompt}}

Use the voice-note transcript below as context. Return only the drafted
content, with no preamble.

Transcript:
{{.Transcript}}`

var generatePrompt = template.Must(template.New("generate").Parse(generateTemplate))

// GenerateContent drafts auxiliary content for one action item from its
// generation prompt, with the transcript as context.
func (c *Client) GenerateContent(ctx context.Context, prompt, transcript string) (string, error) {
	if prompt == "" {
		return "", ErrEmptyPrompt
	}

	var buf bytes.Buffer
	data := struct{ Prompt, Transcript string }{prompt, transcript}
	if err := generatePrompt.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute generation template: %w", err)
	}

	c.logger.DebugContext(ctx, "generating item content", slog.Int("prompt_length", len(prompt)))

	return c.generate(ctx, genai.Text(buf.String()), nil)
}
