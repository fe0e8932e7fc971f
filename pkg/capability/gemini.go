package capability

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/reelforge/reelforge/pkg/core"
)

// GeminiClient implements ImageGenerator over the Gemini API.
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClient creates a client for the given API key and model.
func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini connect: %w", err)
	}
	return &GeminiClient{client: client, model: model}, nil
}

// Close releases the underlying connection.
func (c *GeminiClient) Close() error {
	return c.client.Close()
}

// GenerateImage produces a single image for the prompt, conditioned on the
// given reference images. Content-policy blocks surface as
// core.SafetyRejectionError so the quality loop can sanitize and retry on
// its separate budget.
func (c *GeminiClient) GenerateImage(ctx context.Context, prompt string, refs [][]byte) (*Asset, error) {
	model := c.client.GenerativeModel(c.model)

	parts := make([]genai.Part, 0, len(refs)+1)
	for _, ref := range refs {
		parts = append(parts, genai.ImageData("png", ref))
	}
	parts = append(parts, genai.Text(prompt))

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		var blocked *genai.BlockedError
		if errors.As(err, &blocked) {
			return nil, &core.SafetyRejectionError{Prompt: prompt, Reason: blocked.Error()}
		}
		return nil, core.Transient(fmt.Errorf("gemini generate: %w", err))
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
		return nil, &core.SafetyRejectionError{
			Prompt: prompt,
			Reason: fmt.Sprintf("prompt blocked: %s", resp.PromptFeedback.BlockReason),
		}
	}
	if len(resp.Candidates) == 0 {
		return nil, core.Transient(errors.New("gemini returned no candidates"))
	}

	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return nil, &core.SafetyRejectionError{Prompt: prompt, Reason: "candidate blocked for safety"}
	}
	if cand.Content == nil {
		return nil, core.Transient(errors.New("gemini candidate has no content"))
	}

	for _, part := range cand.Content.Parts {
		if img, ok := part.(genai.Blob); ok {
			return &Asset{Bytes: img.Data, MimeType: img.MIMEType}, nil
		}
	}
	return nil, core.Transient(errors.New("gemini response contained no image part"))
}
