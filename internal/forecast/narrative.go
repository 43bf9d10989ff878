package forecast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lox/airwatch/internal/models"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const narratorPrompt = `You write one-sentence air quality summaries for residents.
Use plain language, mention the main pollutant if one is given, and do not invent numbers.
Answer with the sentence only.`

// OpenAINarrator rewrites status descriptions with a chat completion model.
type OpenAINarrator struct {
	client openai.Client
	model  string
}

// NewOpenAINarrator creates a narrator authenticated with apiKey. Extra
// options are passed to the client.
func NewOpenAINarrator(apiKey string, opts ...option.RequestOption) (*OpenAINarrator, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key not set")
	}
	client := openai.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	return &OpenAINarrator{
		client: client,
		model:  openai.ChatModelGPT4oMini,
	}, nil
}

func (n *OpenAINarrator) Narrate(ctx context.Context, status models.Status, latest map[string]float64) (string, error) {
	resp, err := n.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: n.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(narratorPrompt),
			openai.UserMessage(statusPrompt(status, latest)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no completion returned")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func statusPrompt(status models.Status, latest map[string]float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Status: %s (severity %d of 4).\n", status.Label, status.Rank)
	if status.MainPollutant != "" {
		fmt.Fprintf(&b, "Main pollutant: %s.\n", status.MainPollutant)
	}

	codes := make([]string, 0, len(latest))
	for code := range latest {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	b.WriteString("Latest values:")
	for _, code := range codes {
		fmt.Fprintf(&b, " %s=%.2f", code, latest[code])
	}
	return b.String()
}
