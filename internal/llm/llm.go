// Package llm adapts the Anthropic Messages API to the optional AI
// seams in the runtime: thread summarization for the mailbox and
// entity extraction for memory. A nil *Client wires the feature off;
// nothing in the runtime requires a key.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"

	"github.com/hexframe/swarmmail/internal/event"
	"github.com/hexframe/swarmmail/internal/logging"
	"github.com/hexframe/swarmmail/internal/memory"
)

const (
	defaultModel = "claude-3-5-haiku-latest"
	maxTokens    = 1024
	// extractLimit caps the content runes one extraction prompt carries.
	extractLimit = 4000
)

// Client calls the Anthropic API. It implements mailbox.Summarizer and
// memory.Extractor.
type Client struct {
	client anthropic.Client
	model  anthropic.Model
	logger *slog.Logger
}

// New builds a client with an explicit key. An empty model selects the
// Haiku default; extra options are mainly for tests (base URL, retry
// policy).
func New(apiKey, model string, logger *slog.Logger, opts ...option.RequestOption) *Client {
	if logger == nil {
		logger = logging.Discard()
	}
	if model == "" {
		model = defaultModel
	}
	all := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Client{
		client: anthropic.NewClient(all...),
		model:  anthropic.Model(model),
		logger: logger.With("component", "llm"),
	}
}

// NewFromEnv builds a client from ANTHROPIC_API_KEY, honoring an
// ANTHROPIC_MODEL override. It returns nil when no key is set so
// callers wire the feature off.
func NewFromEnv(logger *slog.Logger) *Client {
	key := os.Getenv("ANTHROPIC_API_KEY")
	if key == "" {
		return nil
	}
	return New(key, os.Getenv("ANTHROPIC_MODEL"), logger)
}

// Summarize condenses a message thread into short prose.
func (c *Client) Summarize(ctx context.Context, subject string, bodies []string) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Summarize this message thread in at most three sentences. Cover decisions and open questions; skip pleasantries.\n\nSubject: %s\n\n", subject)
	for i, body := range bodies {
		fmt.Fprintf(&sb, "Message %d:\n%s\n\n", i+1, body)
	}
	summary, err := c.complete(ctx, sb.String())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(summary), nil
}

const extractPrompt = `Extract the important concepts from this note and how they relate.

Answer with JSON only, no prose, in exactly this shape:
{"entities": [{"label": "OAuth", "alt_labels": ["open authorization"]}], "relations": [{"narrower": "RefreshToken", "broader": "OAuth"}]}

Rules:
- "label" is the canonical name as written in the note.
- "alt_labels" lists synonyms actually present in the note, or [].
- A relation means the narrower concept is a kind of, or part of, the broader one.
- At most 16 entities. Skip generic words.

Note:
%s`

type extractionWire struct {
	Entities []struct {
		Label     string   `json:"label"`
		AltLabels []string `json:"alt_labels"`
	} `json:"entities"`
	Relations []struct {
		Narrower string `json:"narrower"`
		Broader  string `json:"broader"`
	} `json:"relations"`
}

// Extract pulls entities and taxonomy relations from memory content.
// A response that is not the requested JSON is an error; the memory
// service downgrades that to storing without linkage.
func (c *Client) Extract(ctx context.Context, content string) (*memory.Extraction, error) {
	raw, err := c.complete(ctx, fmt.Sprintf(extractPrompt, truncate(content, extractLimit)))
	if err != nil {
		return nil, err
	}
	return parseExtraction(raw)
}

func parseExtraction(raw string) (*memory.Extraction, error) {
	var wire extractionWire
	if err := json.Unmarshal([]byte(jsonBody(raw)), &wire); err != nil {
		return nil, fmt.Errorf("parse extraction response: %w", err)
	}

	out := &memory.Extraction{}
	for _, e := range wire.Entities {
		label := strings.TrimSpace(e.Label)
		if label == "" {
			continue
		}
		out.Entities = append(out.Entities, event.EntityRef{
			PrefLabel: label,
			AltLabels: e.AltLabels,
		})
	}
	for _, r := range wire.Relations {
		narrower, broader := strings.TrimSpace(r.Narrower), strings.TrimSpace(r.Broader)
		if narrower == "" || broader == "" || strings.EqualFold(narrower, broader) {
			continue
		}
		out.Relations = append(out.Relations, event.EntityRelation{
			Broader:  broader,
			Narrower: narrower,
		})
	}
	return out, nil
}

// jsonBody cuts a response down to its outermost JSON object, which
// tolerates code fences and stray prose around the payload.
func jsonBody(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = time.Minute

	var text string
	err := backoff.Retry(func() error {
		message, err := c.client.Messages.New(ctx, params)
		if err != nil {
			if retryableAPIError(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if len(message.Content) == 0 {
			return backoff.Permanent(errors.New("response has no content blocks"))
		}
		block := message.Content[0]
		if block.Type != "text" {
			return backoff.Permanent(fmt.Errorf("unexpected %s block in response", block.Type))
		}
		c.logger.Debug("anthropic call",
			"model", c.model,
			"input_tokens", message.Usage.InputTokens,
			"output_tokens", message.Usage.OutputTokens)
		text = block.Text
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}
	return text, nil
}

// retryableAPIError matches rate limits, server-side failures, and
// network timeouts. Everything else, including context cancellation,
// fails immediately.
func retryableAPIError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
