package gemini

import "errors"

// Error definitions for the gemini package.
var (
	// ErrInvalidConfig is returned when the client configuration is unusable.
	ErrInvalidConfig = errors.New("invalid gemini configuration")

	// ErrEmptyAudio is returned when transcription is requested for no bytes.
	ErrEmptyAudio = errors.New("audio content cannot be empty")

	// ErrEmptyTranscript is returned when extraction is requested for an
	// empty transcript.
	ErrEmptyTranscript = errors.New("transcript cannot be empty")

	// ErrEmptyPrompt is returned when content generation is requested
	// without a prompt.
	ErrEmptyPrompt = errors.New("generation prompt cannot be empty")

	// ErrContentBlocked is returned when the model refuses the request on
	// safety grounds. Never retried.
	ErrContentBlocked = errors.New("content blocked by safety filters")

	// ErrInvalidResponse is returned when the model returns something the
	// caller cannot use. Never retried.
	ErrInvalidResponse = errors.New("invalid model response")

	// ErrTransientFailure is returned when the API kept failing past the
	// retry budget.
	ErrTransientFailure = errors.New("transient model API failure")
)
