package worker

import (
	"context"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/pkg/errors"

	"github.com/handoffd/handoff/store"
)

const defaultMaxTokens = 8192

// Model tier mapping to concrete backend models.
var anthropicModels = map[store.Model]anthropic.Model{
	store.ModelHaiku:  anthropic.Model("claude-haiku-4-5"),
	store.ModelSonnet: anthropic.Model("claude-sonnet-4-5"),
	store.ModelOpus:   anthropic.Model("claude-opus-4-1"),
}

// AnthropicAdapter runs tasks against the Anthropic Messages streaming API,
// in-process. The client holds the authentication state, which is why the
// executor must not shell out to a subprocess.
type AnthropicAdapter struct {
	client anthropic.Client
	logger *slog.Logger
}

// NewAnthropicAdapter builds an adapter using ambient SDK configuration
// (ANTHROPIC_API_KEY).
func NewAnthropicAdapter(logger *slog.Logger) *AnthropicAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicAdapter{
		client: anthropic.NewClient(),
		logger: logger,
	}
}

func (a *AnthropicAdapter) Name() string {
	return "anthropic"
}

// Run streams one task through the backend. Text deltas are chopped into
// lines and reported as progress; the full accumulated text is the summary.
func (a *AnthropicAdapter) Run(ctx context.Context, req *Request, onProgress ProgressFunc) (string, error) {
	model, ok := anthropicModels[req.Model]
	if !ok {
		return "", Permanent(errors.Errorf("unknown model %q", req.Model))
	}

	prompt := req.ExecutionPrompt + "\n\nWorking directory: " + req.WorkingDirectory

	stream := a.client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: defaultMaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: req.SystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})

	var (
		message anthropic.Message
		full    strings.Builder
		pending strings.Builder
	)

	emitLines := func(text string, flush bool) {
		pending.WriteString(text)
		for {
			buffered := pending.String()
			idx := strings.IndexByte(buffered, '\n')
			if idx < 0 {
				break
			}
			line := strings.TrimRight(buffered[:idx], "\r")
			pending.Reset()
			pending.WriteString(buffered[idx+1:])
			if strings.TrimSpace(line) != "" && onProgress != nil {
				onProgress(line)
			}
		}
		if flush {
			if rest := strings.TrimSpace(pending.String()); rest != "" && onProgress != nil {
				onProgress(rest)
			}
			pending.Reset()
		}
	}

	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			a.logger.Warn("anthropic: failed to accumulate stream event", "error", err)
		}

		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok {
				full.WriteString(delta.Text)
				emitLines(delta.Text, false)
			}
		}
	}
	emitLines("", true)

	if err := stream.Err(); err != nil {
		return "", classifyAnthropicError(err)
	}
	if message.StopReason == "" {
		// Stream ended without a terminal message.
		return "", Crashed(errors.New("worker stream ended without a terminal message"))
	}

	summary := strings.TrimSpace(full.String())
	if summary == "" {
		return "", Crashed(errors.New("worker produced an empty result"))
	}
	return summary, nil
}

func classifyAnthropicError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 408 || apierr.StatusCode == 429:
			return Transient(err)
		case apierr.StatusCode >= 500:
			return Transient(err)
		default:
			return Permanent(err)
		}
	}
	if isNetworkError(err) || isTimeoutError(err) {
		return Transient(err)
	}
	return Permanent(err)
}
