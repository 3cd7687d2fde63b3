package inference

import (
	"context"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// maxResponseTokens bounds a single completion. The on-prem endpoint runs one
// model at a time under the orchestrator's own token budget, so this is a
// safety ceiling, not the real limiter.
const maxResponseTokens = 4096

// AnthropicBackend talks to the on-prem model process over the Anthropic
// Messages API wire shape via the official SDK, the same client library the
// research pipeline uses against the hosted API. Endpoint here is always a
// local address — option.WithBaseURL points the SDK at it instead of
// api.anthropic.com, and APIKey is a bearer token the local server checks,
// never a real Anthropic account credential.
type AnthropicBackend struct {
	client sdk.Client
	log    *zap.Logger
}

// NewAnthropicBackend builds a Backend against a local Messages-API-shaped
// endpoint.
func NewAnthropicBackend(endpoint, apiKey string, log *zap.Logger) *AnthropicBackend {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if endpoint != "" {
		opts = append(opts, option.WithBaseURL(endpoint))
	}
	return &AnthropicBackend{client: sdk.NewClient(opts...), log: log}
}

// Generate runs one call through the SDK's Messages.New. The pack shows no
// example of the SDK's live token-streaming call shape (pkg/anthropic only
// streams already-completed batch results via its jsonl iterator), so
// onToken is fed by chunking the completed response on whitespace rather
// than by a genuine per-token SSE stream. Usage and cost accounting still
// come straight off the SDK's own response, same as the batch pipeline's
// TokenUsage.
func (b *AnthropicBackend) Generate(ctx context.Context, model string, req Request, onToken TokenFunc) (Result, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: maxResponseTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
	}
	if req.Context != "" {
		cc := sdk.NewCacheControlEphemeralParam()
		params.System = []sdk.TextBlockParam{{Text: req.Context, CacheControl: cc}}
	}

	msg, err := b.client.Messages.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Cancelled: true}, ctx.Err()
		}
		return Result{}, eris.Wrap(err, "inference: anthropic messages.new")
	}

	var text strings.Builder
	for _, block := range msg.Content {
		text.WriteString(block.Text)
	}

	if onToken != nil {
		for _, word := range strings.SplitAfter(text.String(), " ") {
			if word == "" {
				continue
			}
			if err := onToken(word); err != nil {
				return Result{Text: text.String(), Cancelled: true}, err
			}
		}
	}

	usage := Usage{PromptTokens: int(msg.Usage.InputTokens), CompletionTokens: int(msg.Usage.OutputTokens)}
	b.logCost(model, string(req.Kind), usage)

	return Result{Text: text.String(), Usage: usage}, nil
}

// logCost mirrors the batch pipeline's TokenUsage.LogCost, adapted to this
// package's simpler Usage shape — no cache accounting, since a single
// completion call reports none.
func (b *AnthropicBackend) logCost(model, phase string, u Usage) {
	b.log.Info("inference: cost attribution",
		zap.String("model", model),
		zap.String("phase", phase),
		zap.Int("prompt_tokens", u.PromptTokens),
		zap.Int("completion_tokens", u.CompletionTokens),
	)
}

// Probe verifies the endpoint knows model without spending completion
// tokens, using the API's own model-metadata lookup.
func (b *AnthropicBackend) Probe(ctx context.Context, model string) error {
	if _, err := b.client.Models.Get(ctx, model, sdk.ModelGetParams{}); err != nil {
		return eris.Wrapf(err, "inference: probe model %s", model)
	}
	return nil
}
