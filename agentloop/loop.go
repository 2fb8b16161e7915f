package agentloop

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/murabcd/vibestack/envelope"
	"github.com/murabcd/vibestack/unifiedllm"
	"github.com/murabcd/vibestack/usage"
)

// DefaultMaxRounds is the hard cap on model calls per request.
const DefaultMaxRounds = 20

// Config bounds a run.
type Config struct {
	// MaxRounds caps model calls. Reaching it ends the run normally.
	MaxRounds int
	// MaxParallelTools bounds concurrent tool calls.
	MaxParallelTools int
	// ToolOutputLimits overrides DefaultToolCharLimits per tool.
	ToolOutputLimits map[string]int
	// LoopDetectionWindow is the number of recent calls checked for
	// repetition. Zero disables detection.
	LoopDetectionWindow int
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		MaxRounds:           DefaultMaxRounds,
		MaxParallelTools:    4,
		LoopDetectionWindow: 10,
	}
}

// Loop drives model rounds and tool calls for one request at a time. It is
// safe to share between requests.
type Loop struct {
	client   *unifiedllm.Client
	enricher *usage.Enricher
	cfg      Config
	logger   *zap.Logger
}

// NewLoop creates a Loop. enricher may be nil.
func NewLoop(client *unifiedllm.Client, enricher *usage.Enricher, cfg Config, logger *zap.Logger) *Loop {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.MaxParallelTools <= 0 {
		cfg.MaxParallelTools = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{client: client, enricher: enricher, cfg: cfg, logger: logger}
}

// Request is the input of one run.
type Request struct {
	Model           string
	ReasoningEffort string
	System          string
	Messages        []unifiedllm.Message
	Tools           *Registry
	Emitter         *envelope.Emitter
	Metadata        map[string]string
}

// Result summarizes a run.
type Result struct {
	Rounds    int
	ToolCalls int
	Usage     usage.Usage
	PerRound  []usage.Usage
	Context   *usage.Context
}

// Run executes rounds until the model stops calling tools or the round cap
// is reached, and then emits finish. A model error emits an error envelope
// and is returned. Cancelling ctx stops the run after in-flight tool calls
// complete; nothing terminal is emitted in that case.
func (l *Loop) Run(ctx context.Context, req Request) (Result, error) {
	var messages []unifiedllm.Message
	if req.System != "" {
		messages = append(messages, unifiedllm.SystemMessage(req.System))
	}
	messages = append(messages, req.Messages...)

	acct := &usage.Accountant{}
	detector := &loopDetector{window: l.cfg.LoopDetectionWindow}
	sched := newScheduler(req.Tools, l.cfg.MaxParallelTools, l.logger)
	var res Result

	for round := 1; ; round++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		req.Emitter.Emit(envelope.Must(envelope.TypeStepStart, "", envelope.StepStart{Round: round}))

		out, err := l.round(ctx, req, messages, sched)
		res.Rounds = round
		res.ToolCalls += len(out.calls)
		roundUsage := usage.FromLLM(out.usage)
		res.Usage = acct.Accumulate(roundUsage)
		res.PerRound = append(res.PerRound, roundUsage)

		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			l.logger.Error("model call failed", zap.Int("round", round), zap.Error(err))
			req.Emitter.Emit(envelope.Must(envelope.TypeError, "", envelope.Error{Message: err.Error()}))
			return res, fmt.Errorf("round %d: %w", round, err)
		}

		messages = append(messages, out.assistant)
		if len(out.calls) == 0 {
			break
		}
		messages = append(messages, l.toolResults(out))

		detector.record(out.calls)
		if detector.looping() {
			l.logger.Warn("tool call loop detected", zap.Int("round", round), zap.Int("window", detector.window))
			messages = append(messages, unifiedllm.UserMessage(loopWarning(detector.window)))
			detector.reset()
		}

		if round >= l.cfg.MaxRounds {
			l.logger.Info("round cap reached", zap.Int("rounds", round))
			break
		}
	}

	if l.enricher != nil {
		res.Context = l.enricher.Enrich(ctx, res.Usage, req.Model)
	}
	req.Emitter.Emit(envelope.Must(envelope.TypeFinish, "", envelope.Finish{
		Model:    req.Model,
		Rounds:   res.Rounds,
		PerRound: res.PerRound,
		Usage:    res.Usage,
		Context:  res.Context,
	}))
	return res, nil
}

// toolResults builds the tool message for a round in call order, whatever
// order the calls finished in.
func (l *Loop) toolResults(out roundOutput) unifiedllm.Message {
	results := make([]unifiedllm.ToolResult, len(out.calls))
	for i, c := range out.calls {
		o := out.outcomes[i]
		r := unifiedllm.ToolResult{ToolCallID: c.ID}
		if o.err != nil {
			r.Content, r.IsError = o.err.Error(), true
		} else {
			r.Content = TruncateToolOutput(o.output, c.Name, l.cfg.ToolOutputLimits)
		}
		results[i] = r
	}
	return unifiedllm.ToolResultsMessage(results)
}

type roundOutput struct {
	assistant unifiedllm.Message
	calls     []Call
	outcomes  []toolOutcome
	usage     unifiedllm.Usage
}

// round runs one model call. Tool calls are dispatched as soon as the model
// finishes describing them, so the model-output channel and the tool-result
// channel are consumed together until both are drained.
func (l *Loop) round(ctx context.Context, req Request, messages []unifiedllm.Message, sched *scheduler) (roundOutput, error) {
	var out roundOutput
	events, err := l.client.Stream(ctx, unifiedllm.Request{
		Model:           req.Model,
		Messages:        messages,
		ToolDefs:        req.Tools.Definitions(),
		ToolChoice:      &unifiedllm.ToolChoice{Mode: "auto"},
		ReasoningEffort: req.ReasoningEffort,
		Metadata:        req.Metadata,
	})
	if err != nil {
		return out, err
	}

	acc := unifiedllm.NewStreamAccumulator()
	results := make(chan toolOutcome)
	toolCtx := context.WithoutCancel(ctx)
	dispatched := map[string]bool{}
	pending := 0
	var streamErr error

	dispatch := func(tc unifiedllm.ToolCall) {
		if streamErr != nil {
			return
		}
		if tc.ID == "" {
			tc.ID = "call_" + uuid.NewString()
		} else if dispatched[tc.ID] {
			return
		}
		dispatched[tc.ID] = true
		if len(tc.Arguments) == 0 {
			tc.Arguments = []byte("{}")
		}
		call := Call{ID: tc.ID, Name: tc.Name, Input: tc.Arguments}
		origin := OriginBuiltin
		if t, err := req.Tools.Resolve(call.Name); err == nil {
			origin = t.Origin()
		}
		req.Emitter.Emit(envelope.Must(envelope.TypeToolCallStart, call.ID, envelope.ToolCallStart{
			CallID: call.ID, ToolName: call.Name, Origin: origin, Input: call.Input,
		}))
		out.calls = append(out.calls, call)
		out.outcomes = append(out.outcomes, toolOutcome{})
		pending++
		sched.dispatch(toolCtx, len(out.calls)-1, call, results)
	}

	for events != nil || pending > 0 {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				// Providers that only report tool calls in the final response.
				if streamErr == nil && len(out.calls) == 0 {
					for _, tc := range acc.Response().ToolCallsFromResponse() {
						dispatch(tc)
					}
				}
				continue
			}
			acc.Process(ev)
			switch ev.Type {
			case unifiedllm.TextDelta:
				if ev.Delta != "" {
					req.Emitter.Emit(envelope.Must(envelope.TypeTextDelta, "", envelope.Text{Text: ev.Delta}))
				}
			case unifiedllm.ReasoningDelta:
				if ev.ReasoningDelta != "" {
					req.Emitter.Emit(envelope.Must(envelope.TypeReasoningDelta, "", envelope.Text{Text: ev.ReasoningDelta}))
				}
			case unifiedllm.ToolCallEnd:
				if ev.ToolCall != nil {
					dispatch(*ev.ToolCall)
				}
			case unifiedllm.StreamError:
				streamErr = ev.Error
				if streamErr == nil {
					streamErr = errors.New("model stream failed")
				}
			}
		case o := <-results:
			pending--
			out.outcomes[o.index] = o
			r := envelope.ToolCallResult{CallID: o.call.ID, ToolName: o.call.Name, Output: o.output}
			if o.err != nil {
				r.Output, r.Error = "", o.err.Error()
			}
			req.Emitter.Emit(envelope.Must(envelope.TypeToolCallResult, o.call.ID, r))
		}
	}

	resp := acc.Response()
	out.usage = resp.Usage
	if streamErr != nil {
		return out, streamErr
	}

	out.assistant = unifiedllm.Message{Role: unifiedllm.RoleAssistant}
	if text := resp.Text(); text != "" {
		out.assistant.Content = append(out.assistant.Content, unifiedllm.TextPart(text))
	}
	for _, c := range out.calls {
		out.assistant.Content = append(out.assistant.Content, unifiedllm.ToolCallPart(c.ID, c.Name, c.Input))
	}
	return out, nil
}

type toolOutcome struct {
	index  int
	call   Call
	output string
	err    error
}

// scheduler runs tool calls concurrently, up to a limit. Calls sharing a
// serialize key run one at a time in dispatch order.
type scheduler struct {
	registry *Registry
	sem      *semaphore.Weighted
	logger   *zap.Logger
	tails    map[string]chan struct{}
}

func newScheduler(registry *Registry, parallel int, logger *zap.Logger) *scheduler {
	return &scheduler{
		registry: registry,
		sem:      semaphore.NewWeighted(int64(parallel)),
		logger:   logger,
		tails:    make(map[string]chan struct{}),
	}
}

// dispatch must be called from one goroutine, in call order.
func (s *scheduler) dispatch(ctx context.Context, index int, call Call, results chan<- toolOutcome) {
	var prev, mine chan struct{}
	if key := s.serializeKey(call); key != "" {
		prev = s.tails[key]
		mine = make(chan struct{})
		s.tails[key] = mine
	}

	go func() {
		o := toolOutcome{index: index, call: call}
		func() {
			if mine != nil {
				defer close(mine)
			}
			if prev != nil {
				<-prev
			}
			// The predecessor is waited for before taking a slot, so a
			// queued call never holds one.
			if err := s.sem.Acquire(ctx, 1); err != nil {
				o.err = err
				return
			}
			defer s.sem.Release(1)
			o.output, o.err = s.invoke(ctx, call)
		}()
		results <- o
	}()
}

func (s *scheduler) invoke(ctx context.Context, call Call) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tool panicked", zap.String("tool", call.Name), zap.String("call_id", call.ID), zap.Any("panic", r))
			err = fmt.Errorf("tool %s failed unexpectedly", call.Name)
		}
	}()
	output, err = s.registry.Invoke(ctx, call)
	if err != nil {
		s.logger.Debug("tool call failed", zap.String("tool", call.Name), zap.String("call_id", call.ID), zap.Error(err))
	}
	return output, err
}

func (s *scheduler) serializeKey(call Call) string {
	t, err := s.registry.Resolve(call.Name)
	if err != nil {
		return ""
	}
	ser, ok := t.(Serializer)
	if !ok {
		return ""
	}
	return ser.SerializeKey(call.Input)
}
