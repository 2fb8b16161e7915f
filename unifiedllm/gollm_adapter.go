package unifiedllm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter implements Provider on top of gollm. One gollm.LLM is
// kept per provider model and reasoning effort so that concurrent requests
// for different models never share mutable options.
type GollmAdapter struct {
	provider string
	cfg      gollmAdapterConfig

	mu   sync.Mutex
	llms map[string]gollm.LLM
}

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	apiKey       string
	defaultModel string
	maxTokens    int
	temperature  float64
	extraOpts    []gollm.ConfigOption
}

// WithModel sets the model used when a request names none.
func WithModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.defaultModel = model
	}
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.maxTokens = n
	}
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.temperature = t
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// NewGollmAdapter creates an adapter for provider. The default model's LLM is
// built eagerly so that configuration errors surface at startup.
func NewGollmAdapter(provider, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := gollmAdapterConfig{
		apiKey:      apiKey,
		maxTokens:   8192,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.defaultModel == "" {
		if models := ListModels(provider); len(models) > 0 {
			cfg.defaultModel = models[0].ID
		} else {
			cfg.defaultModel = DefaultModel
		}
	}

	a := &GollmAdapter{provider: provider, cfg: cfg, llms: make(map[string]gollm.LLM)}
	if _, err := a.llmFor(cfg.defaultModel, ""); err != nil {
		return nil, err
	}
	return a, nil
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

func (a *GollmAdapter) llmFor(model, effort string) (gollm.LLM, error) {
	providerModel := ResolveProviderModel(model)
	key := providerModel + "|" + effort

	a.mu.Lock()
	defer a.mu.Unlock()
	if llm, ok := a.llms[key]; ok {
		return llm, nil
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(a.provider),
		gollm.SetModel(providerModel),
		gollm.SetMaxTokens(a.cfg.maxTokens),
		gollm.SetTemperature(a.cfg.temperature),
		gollm.SetMaxRetries(0), // retries live in RetryMiddleware
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if a.cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(a.cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, a.cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("create gollm LLM for %s/%s", a.provider, providerModel),
			Cause:   err,
		}}
	}
	if effort != "" {
		llm.SetOption("reasoning_effort", effort)
	}
	a.llms[key] = llm
	return llm, nil
}

func (a *GollmAdapter) modelOf(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return a.cfg.defaultModel
}

// effortOf drops the reasoning effort for models that do not support it.
func effortOf(req Request) string {
	if req.ReasoningEffort == "" {
		return ""
	}
	if info := GetModelInfo(req.Model); info != nil && !info.SupportsReasoning {
		return ""
	}
	return req.ReasoningEffort
}

// Stream sends a streaming request. Requests that carry tool definitions are
// generated in one shot so that tool-call JSON is never emitted as text deltas.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	llm, err := a.llmFor(a.modelOf(req), effortOf(req))
	if err != nil {
		return nil, err
	}
	prompt := a.translateRequest(req)
	ch := make(chan StreamEvent, 64)

	if len(req.ToolDefs) > 0 || !llm.SupportsStreaming() {
		go func() {
			defer close(ch)
			ch <- StreamEvent{Type: StreamStart}
			text, err := llm.Generate(ctx, prompt)
			if err != nil {
				ch <- StreamEvent{Type: StreamError, Error: a.translateError(err)}
				return
			}
			a.emitResponse(ch, a.buildResponse(req, text))
		}()
		return ch, nil
	}

	stream, err := llm.Stream(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		ch <- StreamEvent{Type: StreamStart}
		var full strings.Builder
		for {
			token, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				ch <- StreamEvent{Type: StreamError, Error: a.translateError(err)}
				return
			}
			if token == nil || token.Text == "" {
				continue
			}
			ch <- StreamEvent{Type: TextDelta, Delta: token.Text}
			full.WriteString(token.Text)
		}

		resp := a.buildResponse(req, full.String())
		ch <- StreamEvent{Type: StreamFinish, FinishReason: &resp.FinishReason, Usage: &resp.Usage, Response: resp}
	}()
	return ch, nil
}

// emitResponse replays a complete response as stream events.
func (a *GollmAdapter) emitResponse(ch chan<- StreamEvent, resp *Response) {
	if r := resp.Reasoning(); r != "" {
		ch <- StreamEvent{Type: ReasoningDelta, ReasoningDelta: r}
	}
	if text := resp.Text(); text != "" {
		ch <- StreamEvent{Type: TextDelta, Delta: text}
	}
	for _, tc := range resp.ToolCallsFromResponse() {
		call := tc
		ch <- StreamEvent{Type: ToolCallStart, ToolCall: &call}
		ch <- StreamEvent{Type: ToolCallEnd, ToolCall: &call}
	}
	ch <- StreamEvent{Type: StreamFinish, FinishReason: &resp.FinishReason, Usage: &resp.Usage, Response: resp}
}

// flattenMessages renders a conversation into gollm's single system prompt
// and single user prompt.
func flattenMessages(msgs []Message) (system, prompt string) {
	var sys []string
	var parts []string
	for _, msg := range msgs {
		switch msg.Role {
		case RoleSystem:
			sys = append(sys, msg.TextContent())
		case RoleUser:
			parts = append(parts, msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				parts = append(parts, "[Assistant]: "+text)
			}
			for _, tc := range msg.ToolCalls() {
				parts = append(parts, fmt.Sprintf("[Tool Call %s %s]: %s", tc.ID, tc.Name, string(tc.Arguments)))
			}
		case RoleTool:
			for _, part := range msg.Content {
				if part.Kind != ContentToolResult || part.ToolResult == nil {
					continue
				}
				prefix := "[Tool Result " + part.ToolResult.ToolCallID + "]"
				if part.ToolResult.IsError {
					prefix = "[Tool Error " + part.ToolResult.ToolCallID + "]"
				}
				parts = append(parts, prefix+": "+part.ToolResult.Content)
			}
		}
	}
	prompt = strings.Join(parts, "\n")
	if prompt == "" {
		prompt = "Hello"
	}
	return strings.TrimSpace(strings.Join(sys, "\n")), prompt
}

// translateRequest converts a Request into a gollm Prompt.
func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	system, text := flattenMessages(req.Messages)

	var promptOpts []gollm.PromptOption
	if system != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(system, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.ToolDefs) > 0 {
		tools := make([]gollm.Tool, 0, len(req.ToolDefs))
		for _, t := range req.ToolDefs {
			var params map[string]interface{}
			_ = json.Unmarshal(t.Parameters, &params)
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  params,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
	}
	if req.ToolChoice != nil {
		promptOpts = append(promptOpts, gollm.WithToolChoice(req.ToolChoice.Mode))
	}
	return gollm.NewPrompt(text, promptOpts...)
}

// buildResponse constructs a Response from the generated text.
func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	calls, remaining := parseToolCalls(text)

	var content []ContentPart
	if remaining != "" {
		content = append(content, TextPart(remaining))
	}
	for _, tc := range calls {
		content = append(content, ToolCallPart(tc.ID, tc.Name, tc.Arguments))
	}

	finish := FinishReason{Reason: "stop"}
	if len(calls) > 0 {
		finish = FinishReason{Reason: "tool_calls"}
	}

	// gollm does not expose provider usage; estimate from text length.
	input := estimateTokens(req)
	output := len(text) / 4
	return &Response{
		ID:           "resp_" + uuid.New().String()[:8],
		Model:        a.modelOf(req),
		Provider:     a.provider,
		Message:      Message{Role: RoleAssistant, Content: content},
		FinishReason: finish,
		Usage:        Usage{InputTokens: input, OutputTokens: output, TotalTokens: input + output},
	}
}

type rawToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// parseToolCalls extracts tool calls that gollm returns as JSON inside the
// response text, either {"tool_calls":[...]} or a bare [{"name":...}] array.
// It returns the calls and the text preceding the JSON.
func parseToolCalls(text string) ([]ToolCall, string) {
	start := strings.Index(text, `{"tool_calls"`)
	wrapped := start != -1
	if !wrapped {
		start = strings.Index(text, `[{"name"`)
	}
	if start == -1 {
		return nil, strings.TrimSpace(text)
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(text[start:])))
	var raw []rawToolCall
	if wrapped {
		var env struct {
			ToolCalls []rawToolCall `json:"tool_calls"`
		}
		if err := dec.Decode(&env); err != nil {
			return nil, strings.TrimSpace(text)
		}
		raw = env.ToolCalls
	} else if err := dec.Decode(&raw); err != nil {
		return nil, strings.TrimSpace(text)
	}

	calls := make([]ToolCall, 0, len(raw))
	for _, rc := range raw {
		if rc.Name == "" {
			continue
		}
		id := rc.ID
		if id == "" {
			id = "call_" + uuid.New().String()[:8]
		}
		args := rc.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, ToolCall{ID: id, Name: rc.Name, Arguments: args})
	}
	return calls, strings.TrimSpace(text[:start])
}

// translateError converts a gollm error into the error taxonomy by message text.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	pe := func(status int, retryable bool) ProviderError {
		return ProviderError{SDKError: SDKError{Message: msg, Cause: err}, Provider: a.provider, StatusCode: status, Retryable: retryable}
	}

	switch {
	case containsAny(lower, "401", "unauthorized", "invalid key", "invalid api key"):
		return &AuthenticationError{ProviderError: pe(401, false)}
	case containsAny(lower, "403", "forbidden"):
		return &AccessDeniedError{ProviderError: pe(403, false)}
	case containsAny(lower, "404", "not found"):
		return &NotFoundError{ProviderError: pe(404, false)}
	case containsAny(lower, "429", "rate limit", "overloaded"):
		return &RateLimitError{ProviderError: pe(429, true)}
	case containsAny(lower, "context length", "too many tokens", "prompt is too long"):
		return &ContextLengthError{ProviderError: pe(413, false)}
	case containsAny(lower, "500", "502", "503", "internal server"):
		return &ServerError{ProviderError: pe(500, true)}
	case containsAny(lower, "timeout", "deadline exceeded"):
		return &RequestTimeoutError{SDKError: SDKError{Message: msg, Cause: err}}
	case containsAny(lower, "content filter", "safety"):
		return &ContentFilterError{ProviderError: pe(0, false)}
	default:
		p := pe(0, true)
		return &p
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// estimateTokens provides a rough token count estimate from request messages.
func estimateTokens(req Request) int {
	total := 0
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			switch part.Kind {
			case ContentText:
				total += len(part.Text) / 4
			case ContentToolResult:
				if part.ToolResult != nil {
					total += len(part.ToolResult.Content) / 4
				}
			}
		}
	}
	if total == 0 {
		total = 10
	}
	return total
}
