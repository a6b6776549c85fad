package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Gemini completes prompts with Google's Gemini models. A client is built per
// call because every call may carry a different pooled key.
type Gemini struct {
	model string
	opts  []option.ClientOption
}

func NewGemini(model string, opts ...option.ClientOption) *Gemini {
	return &Gemini{model: model, opts: opts}
}

func (g *Gemini) Complete(ctx context.Context, prompt, credential string) (string, error) {
	opts := append([]option.ClientOption{option.WithAPIKey(credential)}, g.opts...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return "", Classify(fmt.Errorf("create gemini client: %w", err))
	}
	defer client.Close()

	resp, err := client.GenerativeModel(g.model).GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		var blocked *genai.BlockedError
		if errors.As(err, &blocked) {
			return "", fmt.Errorf("%w: %v", ErrBlocked, err)
		}
		return "", Classify(err)
	}
	return responseText(resp)
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("%w: empty response", ErrTransient)
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("%w: response has no text", ErrTransient)
	}
	return b.String(), nil
}
