package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const phraserInstructions = `You write a short plain-English summary of an HTTP access log analysis for an operator.
Use only the facts given, one per line. Do not invent numbers. Keep it under 120 words.`

// Phraser turns factual bullets into prose through a text-generation collaborator
type Phraser struct {
	client *Client
	model  string
}

// NewPhraser creates a phraser on top of client
func NewPhraser(client *Client, model string) *Phraser {
	return &Phraser{client: client, model: model}
}

// Phrase returns prose for facts. Any failure wraps ErrUpstreamDegraded.
func (p *Phraser) Phrase(ctx context.Context, facts []string) (string, error) {
	req := generateRequest{
		Model:  p.model,
		System: phraserInstructions,
		Prompt: strings.Join(facts, "\n"),
		Facts:  facts,
	}

	var resp generateResponse
	if err := p.client.PostJSON(ctx, req, &resp); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUpstreamDegraded, err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", fmt.Errorf("%w: %w", ErrUpstreamDegraded, errors.New("empty phrasing"))
	}
	return text, nil
}
