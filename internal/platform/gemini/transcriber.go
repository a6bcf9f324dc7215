package gemini

import (
	"context"
	"log/slog"

	"google.golang.org/genai"
)

const transcribePrompt = "Transcribe the attached voice note verbatim. " +
	"Return only the spoken words as plain text, with no timestamps, " +
	"speaker labels or commentary."

// audioMIMEType covers the recorder output the ingest path accepts.
const audioMIMEType = "audio/ogg"

// Transcribe converts recorded audio into a plain-text transcript.
func (c *Client) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", ErrEmptyAudio
	}

	c.logger.DebugContext(ctx, "transcribing audio", slog.Int("audio_bytes", len(audio)))

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(transcribePrompt),
			genai.NewPartFromBytes(audio, audioMIMEType),
		}, genai.RoleUser),
	}

	return c.generate(ctx, contents, nil)
}
