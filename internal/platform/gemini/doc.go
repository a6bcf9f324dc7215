// Package gemini implements the pipeline model interfaces on top of
// Google's Gemini API: audio transcription, action-item extraction and
// per-item content generation.
package gemini
