package llm

import (
	"context"
	"time"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

type Result struct {
	Text     string
	Usage    Usage
	Duration time.Duration
}

type Request struct {
	Model           string
	Messages        []Message
	MaxOutputTokens int
	Temperature     float64
}

type Client interface {
	Chat(ctx context.Context, req Request) (Result, error)
}
