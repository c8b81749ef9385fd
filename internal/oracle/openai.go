package oracle

import (
	"context"
	"fmt"
	"net/http"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/action"
)

// #region openai-config
// OpenAIBackend asks an OpenAI-compatible chat completion endpoint for a
// proposal. Retries are left to the guarded caller.
type OpenAIBackend struct {
	client      oai.Client
	model       string
	temperature float64
}

type openAIConfig struct {
	baseURL     string
	httpClient  *http.Client
	temperature float64
}

// OpenAIOption configures an OpenAIBackend.
type OpenAIOption func(*openAIConfig)

// WithBaseURL points the backend at a compatible server (local model hosts,
// proxies, test servers).
func WithBaseURL(url string) OpenAIOption {
	return func(c *openAIConfig) { c.baseURL = url }
}

// WithHTTPClient replaces the transport.
func WithHTTPClient(hc *http.Client) OpenAIOption {
	return func(c *openAIConfig) { c.httpClient = hc }
}

// WithTemperature sets sampling temperature. Zero leaves the server default.
func WithTemperature(t float64) OpenAIOption {
	return func(c *openAIConfig) { c.temperature = t }
}

// NewOpenAI builds a backend for model.
func NewOpenAI(apiKey, model string, opts ...OpenAIOption) (*OpenAIBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: api key must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}
	cfg := &openAIConfig{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	}
	return &OpenAIBackend{
		client:      oai.NewClient(reqOpts...),
		model:       model,
		temperature: cfg.temperature,
	}, nil
}

// #endregion openai-config

// #region openai-propose
// Propose sends the bounds as the system message and the situation as the
// user message, then parses the JSON object out of the reply.
func (b *OpenAIBackend) Propose(ctx context.Context, req Request) (action.RawProposal, error) {
	params, err := b.buildParams(req)
	if err != nil {
		return action.RawProposal{}, fmt.Errorf("openai: build params: %w", err)
	}
	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return action.RawProposal{}, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return action.RawProposal{}, fmt.Errorf("openai: empty choices: %w", ErrMalformedReply)
	}
	p, err := ParseReply(resp.Choices[0].Message.Content)
	if err != nil {
		return action.RawProposal{}, fmt.Errorf("openai: %w", err)
	}
	return p, nil
}

func (b *OpenAIBackend) buildParams(req Request) (oai.ChatCompletionNewParams, error) {
	user, err := UserPrompt(req)
	if err != nil {
		return oai.ChatCompletionNewParams{}, err
	}
	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(b.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(SystemPrompt(req.Constraints)),
			oai.UserMessage(user),
		},
	}
	if b.temperature != 0 {
		params.Temperature = param.NewOpt(b.temperature)
	}
	return params, nil
}

// #endregion openai-propose
