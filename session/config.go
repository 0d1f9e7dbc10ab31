package session

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConfigInvalid rejects a start request before any connection is
// attempted.
var ErrConfigInvalid = errors.New("session: invalid config")

// Config is the immutable per-session configuration. It is persisted as
// one JSON file per session id and rewritten on every status-relevant
// mutation of the owning record.
type Config struct {
	SessionID         string `json:"sessionId,omitempty"`
	GeminiAPIKey      string `json:"geminiApiKey"`
	DeepgramAPIKey    string `json:"deepgramApiKey"`
	GoogleSheetsID    string `json:"googleSheetsId"`
	Prompt            string `json:"prompt"`
	ElevenLabsAPIKey  string `json:"elevenLabsApiKey,omitempty"`
	ElevenLabsVoiceID string `json:"elevenLabsVoiceId,omitempty"`
}

// HasVoice reports whether speech synthesis is configured.
func (c Config) HasVoice() bool {
	return strings.TrimSpace(c.ElevenLabsAPIKey) != "" && strings.TrimSpace(c.ElevenLabsVoiceID) != ""
}

func (c Config) Validate() error {
	required := []struct {
		value string
		name  string
	}{
		{c.GeminiAPIKey, "Gemini API Key"},
		{c.DeepgramAPIKey, "Deepgram API Key"},
		{c.GoogleSheetsID, "Google Sheets ID"},
		{c.Prompt, "Prompt"},
	}
	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			return fmt.Errorf("%w: %s is required and must be a non-empty string", ErrConfigInvalid, field.name)
		}
	}

	hasKey := strings.TrimSpace(c.ElevenLabsAPIKey) != ""
	hasVoice := strings.TrimSpace(c.ElevenLabsVoiceID) != ""
	if hasKey != hasVoice {
		return fmt.Errorf("%w: both ElevenLabs API Key and Voice ID must be provided together, or neither", ErrConfigInvalid)
	}
	return nil
}
