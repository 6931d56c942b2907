package upstream

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Service names used for logging and metrics
const (
	ServiceTranslator  = "translator"
	ServicePhraser     = "phraser"
	ServiceGeolocation = "geolocation"
)

const translatorInstructions = `You convert natural language questions about HTTP access logs into a JSON filter.
Available fields:
- datetime: date field, use {"range":{"datetime":{"gte":"...","lte":"..."}}} with ISO-8601 values
- status: integer HTTP status, use {"term":{"status":404}} or {"range":{"status":{"gte":500,"lte":599}}}
- method: HTTP method, use {"term":{"method":"GET"}}
- path: exact request path, use {"term":{"path":"/login"}}
- remote_addr: client IP or CIDR block, use {"term":{"remote_addr":"10.0.0.0/8"}}
- http_user_agent: free text, use {"match":{"http_user_agent":"curl"}}

The current time is %s.
Answer with a single JSON object of the form {"bool":{"must":[...]}} and nothing else.`

// generateRequest is the text-generation request body
type generateRequest struct {
	Model  string   `json:"model,omitempty"`
	System string   `json:"system"`
	Prompt string   `json:"prompt"`
	Facts  []string `json:"facts,omitempty"`
}

// generateResponse is the text-generation response body
type generateResponse struct {
	Text string `json:"text"`
}

// Translator asks a text-generation collaborator for a filter predicate
type Translator struct {
	client *Client
	model  string
	now    func() time.Time
	logger *zap.Logger
}

// NewTranslator creates a translator on top of client
func NewTranslator(client *Client, model string, logger *zap.Logger) *Translator {
	return &Translator{
		client: client,
		model:  model,
		now:    time.Now,
		logger: logger,
	}
}

// Translate returns the raw predicate text. The answer is untrusted and must be validated.
// Transport failures and timeouts wrap ErrTranslationUnavailable.
func (t *Translator) Translate(ctx context.Context, prompt string) ([]byte, error) {
	req := generateRequest{
		Model:  t.model,
		System: fmt.Sprintf(translatorInstructions, t.now().UTC().Format(time.RFC3339)),
		Prompt: prompt,
	}

	var resp generateResponse
	if err := t.client.PostJSON(ctx, req, &resp); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrTranslationUnavailable, err)
	}

	t.logger.Debug("Translated prompt", zap.Int("prompt_length", len(prompt)), zap.Int("answer_length", len(resp.Text)))

	return []byte(resp.Text), nil
}
