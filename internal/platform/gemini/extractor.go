package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"text/template"
	"time"

	"google.golang.org/genai"

	"github.com/voxnote/voxnote-api/internal/domain"
)

// extractTemplate asks for the JSON shape itemsSchema decodes.
const extractTemplate = `You are an assistant that turns voice-note transcripts into action items.

Read the transcript below and list every concrete action item it contains.
Respond with JSON only, in this exact shape:

{"items": [{"description": "...", "dueAt": "2006-01-02T15:04:05Z", "generationPrompt": "..."}]}

Rules:
- "description" is required: a short imperative sentence.
- "dueAt" is optional: include it only when the transcript names a date or
  deadline, as an RFC 3339 timestamp in UTC.
- "generationPrompt" is optional: include it only when the item would
  benefit from drafted content (an email, a message, a document outline),
  phrased as an instruction for writing that content.
- If the transcript contains no action items, return {"items": []}.

Transcript:
{{.Transcript}}`

var extractPrompt = template.Must(template.New("extract").Parse(extractTemplate))

// itemsSchema is the expected structure of the extraction response.
type itemsSchema struct {
	Items []itemSchema `json:"items"`
}

type itemSchema struct {
	Description      string `json:"description"`
	DueAt            string `json:"dueAt,omitempty"`
	GenerationPrompt string `json:"generationPrompt,omitempty"`
}

// ExtractItems pulls structured action items out of a transcript.
func (c *Client) ExtractItems(ctx context.Context, transcript string) ([]domain.ExtractedItem, error) {
	if transcript == "" {
		return nil, ErrEmptyTranscript
	}

	var prompt bytes.Buffer
	if err := extractPrompt.Execute(&prompt, struct{ Transcript string }{transcript}); err != nil {
		return nil, fmt.Errorf("failed to execute extraction template: %w", err)
	}

	c.logger.DebugContext(ctx, "extracting action items",
		slog.Int("transcript_length", len(transcript)))

	text, err := c.generate(ctx, genai.Text(prompt.String()), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return nil, err
	}

	var parsed itemsSchema
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, fmt.Errorf("%w: failed to parse extraction JSON: %v", ErrInvalidResponse, err)
	}

	items := make([]domain.ExtractedItem, 0, len(parsed.Items))
	for i, raw := range parsed.Items {
		item := domain.ExtractedItem{
			Description:      raw.Description,
			GenerationPrompt: raw.GenerationPrompt,
		}
		if err := item.Validate(); err != nil {
			return nil, fmt.Errorf("%w: item %d: %v", ErrInvalidResponse, i, err)
		}
		if raw.DueAt != "" {
			dueAt, err := time.Parse(time.RFC3339, raw.DueAt)
			if err != nil {
				return nil, fmt.Errorf("%w: item %d has invalid dueAt %q: %v",
					ErrInvalidResponse, i, raw.DueAt, err)
			}
			item.DueAt = &dueAt
		}
		items = append(items, item)
	}

	c.logger.InfoContext(ctx, "extracted action items", slog.Int("item_count", len(items)))
	return items, nil
}
