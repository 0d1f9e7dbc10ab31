package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultModel = "nova-3"

type Client struct {
	BaseURL string
	APIKey  string
	Model   string
	HTTP    *http.Client
}

func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "https://api.deepgram.com"
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Model:   defaultModel,
		HTTP:    &http.Client{Timeout: 90 * time.Second},
	}
}

type listenResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
	ErrMsg string `json:"err_msg,omitempty"`
}

// Transcribe posts raw audio bytes and returns the first alternative's
// transcript.
func (c *Client) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	endpoint := fmt.Sprintf("%s/v1/listen?model=%s&punctuate=true", c.BaseURL, c.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(audio))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Token "+c.APIKey)
	httpReq.Header.Set("Content-Type", mimeType)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("deepgram http %d: %s", resp.StatusCode, string(raw))
	}

	var out listenResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("deepgram decode: %w", err)
	}
	if len(out.Results.Channels) == 0 || len(out.Results.Channels[0].Alternatives) == 0 {
		return "", fmt.Errorf("deepgram: empty transcription result")
	}
	transcript := strings.TrimSpace(out.Results.Channels[0].Alternatives[0].Transcript)
	if transcript == "" {
		return "No transcription found.", nil
	}
	return transcript, nil
}
