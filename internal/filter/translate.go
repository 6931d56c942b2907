package filter

import (
	"bytes"
	"context"
)

// Translator turns a free-text request into a predicate document.
// Its output is untrusted and goes through Parse like any caller input.
type Translator interface {
	Translate(ctx context.Context, prompt string) ([]byte, error)
}

// FromPrompt asks the translator for a predicate and validates the answer.
// Translator errors are returned unchanged so callers can classify them.
func FromPrompt(ctx context.Context, t Translator, prompt string) (*Filter, error) {
	if len(bytes.TrimSpace([]byte(prompt))) == 0 {
		return nil, invalid("prompt", "must not be empty")
	}

	raw, err := t.Translate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	return Parse(StripFences(raw))
}

// StripFences removes a surrounding markdown code fence such as ```json ... ```
func StripFences(raw []byte) []byte {
	out := bytes.TrimSpace(raw)
	if !bytes.HasPrefix(out, []byte("```")) {
		return out
	}

	// Drop the opening fence and its optional language tag
	if nl := bytes.IndexByte(out, '\n'); nl >= 0 {
		out = out[nl+1:]
	} else {
		out = bytes.TrimPrefix(out, []byte("```"))
	}

	out = bytes.TrimSpace(out)
	out = bytes.TrimSuffix(out, []byte("```"))
	return bytes.TrimSpace(out)
}
