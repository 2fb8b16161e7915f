// Package agentloop drives the model/tool loop behind one chat request.
//
// A request runs a bounded number of rounds. In each round the model is
// streamed; text and reasoning deltas are forwarded to the envelope stream
// as they arrive, and each tool call is dispatched as soon as the model
// finishes describing it. Tool results are emitted in completion order but
// handed back to the model in call order. Calls to generateFiles and
// runCommand that target the same sandbox run one at a time, in call order.
//
// Every tool, built-in or provided by an external tool server, has the same
// Tool shape and is reached through a Registry that validates input against
// the tool's JSON Schema.
//
// # Quick Start
//
//	tc := &agentloop.ToolContext{Sandboxes: provider, Emitter: emitter}
//	reg, _ := agentloop.NewRegistry(logger, agentloop.BuiltinTools(tc)...)
//	loop := agentloop.NewLoop(client, enricher, agentloop.DefaultConfig(), logger)
//
//	res, err := loop.Run(ctx, agentloop.Request{
//	    Model:    unifiedllm.DefaultModel,
//	    System:   agentloop.BuildSystemPrompt(agentloop.PromptOptions{Tools: reg.Definitions()}),
//	    Messages: agentloop.ToMessages(history),
//	    Tools:    reg,
//	    Emitter:  emitter,
//	})
package agentloop
