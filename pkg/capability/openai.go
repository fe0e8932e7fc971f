package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/reelforge/reelforge/pkg/core"
)

// OpenAIClient implements TextGenerator and Evaluator over chat completions
// with JSON-mode responses.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient creates a client for the given API key and model.
func NewOpenAIClient(apiKey, model string) *OpenAIClient {
	return &OpenAIClient{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

// ExpandPrompt turns a short creative prompt into a full cinematic brief.
func (c *OpenAIClient) ExpandPrompt(ctx context.Context, creativePrompt string) (string, error) {
	out, err := c.complete(ctx,
		"You are a film development executive. Expand the user's idea into a detailed cinematic brief: genre, tone, visual style, arc, and intended emotional journey. Respond with plain prose.",
		creativePrompt, false)
	if err != nil {
		return "", err
	}
	return out, nil
}

// GenerateStoryboard produces the scene/character/location breakdown.
func (c *OpenAIClient) GenerateStoryboard(ctx context.Context, expandedPrompt string) (*Storyboard, error) {
	out, err := c.complete(ctx,
		`You are a storyboard artist. Break the brief into 6-12 scenes. Respond as JSON: {"title":"...","scenes":[{"title","narrative","prompt","durationSec","characters":[names],"location"}],"characters":[{"name","description"}],"locations":[{"name","description"}]}. Prompts must be self-contained image/video generation prompts.`,
		expandedPrompt, true)
	if err != nil {
		return nil, err
	}
	return parseStoryboard(out)
}

// ScenesFromAudio derives scene timing and beats from an audio manifest.
func (c *OpenAIClient) ScenesFromAudio(ctx context.Context, audioManifest string) (*Storyboard, error) {
	out, err := c.complete(ctx,
		`You are an editor scoring picture to sound. Given the audio manifest (segments with timestamps and transcript), produce scenes aligned to the audio. Respond as JSON with the same storyboard schema: {"title","scenes":[...],"characters":[...],"locations":[...]}. durationSec must match the audio segments.`,
		audioManifest, true)
	if err != nil {
		return nil, err
	}
	return parseStoryboard(out)
}

// EnrichStoryboard fills narrative and visual fields on a sparse storyboard.
func (c *OpenAIClient) EnrichStoryboard(ctx context.Context, sb *Storyboard, expandedPrompt string) (*Storyboard, error) {
	current, err := json.Marshal(sb)
	if err != nil {
		return nil, fmt.Errorf("marshal storyboard: %w", err)
	}
	out, err := c.complete(ctx,
		`You are a storyboard artist. Enrich every scene of the given storyboard with full narrative text and self-contained generation prompts consistent with the brief. Keep scene order and count. Respond with the complete storyboard JSON.`,
		fmt.Sprintf("Brief:\n%s\n\nStoryboard:\n%s", expandedPrompt, current), true)
	if err != nil {
		return nil, err
	}
	return parseStoryboard(out)
}

// Evaluate scores an asset against the weighted rubric.
func (c *OpenAIClient) Evaluate(ctx context.Context, req EvalRequest) (*Evaluation, error) {
	input := fmt.Sprintf("Asset kind: %s\nGeneration prompt: %s\nScene narrative: %s\nExpected continuity: %s\nAsset description: %s",
		req.AssetKind, req.Prompt, req.Narrative, req.Continuity, req.Description)
	out, err := c.complete(ctx,
		`You are a film quality control reviewer. Score the asset 0-10 on: narrative_fidelity, consistency, technical_quality, emotional_authenticity, continuity. List concrete issues, each tagged with a department (camera, lighting, continuity, performance, composition). Respond as JSON: {"scores":{...},"issues":[{"department","description"}],"verdict":"accept"|"regenerate"}.`,
		input, true)
	if err != nil {
		return nil, err
	}

	var eval Evaluation
	if err := json.Unmarshal([]byte(out), &eval); err != nil {
		return nil, fmt.Errorf("parse evaluation: %w", err)
	}
	eval.OverallScore = eval.WeightedOverall()
	return &eval, nil
}

func (c *OpenAIClient) complete(ctx context.Context, system, user string, jsonMode bool) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", core.Transient(errors.New("no choices returned"))
	}
	return resp.Choices[0].Message.Content, nil
}

// classifyOpenAIError maps API errors onto the pipeline taxonomy.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests, http.StatusInternalServerError,
			http.StatusBadGateway, http.StatusServiceUnavailable:
			return core.Transient(err)
		case http.StatusBadRequest:
			if strings.Contains(strings.ToLower(apiErr.Message), "content policy") ||
				strings.Contains(strings.ToLower(apiErr.Message), "safety") {
				return &core.SafetyRejectionError{Reason: apiErr.Message}
			}
		}
		return err
	}
	// Network-level failures are transient by default.
	return core.Transient(err)
}

func parseStoryboard(raw string) (*Storyboard, error) {
	var sb Storyboard
	if err := json.Unmarshal([]byte(raw), &sb); err != nil {
		return nil, fmt.Errorf("parse storyboard: %w", err)
	}
	if len(sb.Scenes) == 0 {
		return nil, errors.New("storyboard has no scenes")
	}
	return &sb, nil
}
