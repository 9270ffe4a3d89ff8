// Package agent turns one user message into provider calls and tool
// executions.
//
// Invariants:
// - Router work for a conversation runs inside its chat-lock lane ("conv:<id>").
// - Every tool result is stored as a turn before the next provider call.
// - A request makes at most MaxChain tool steps.
// - Tool failures are fed back to the model as turns; only a failure of
//   every provider is returned to the caller.
//
// Providers share one contract (Provider, optionally StreamingProvider).
// APIProvider uses native function calling; CLIProvider runs a subprocess
// that speaks newline-delimited JSON and embeds tool calls in its text.
// Fallback combines two providers.
//
// Usage:
//
//	router, _ := agent.NewRouter(agent.RouterConfig{
//		Provider: agent.NewFallback(api, cli, logger),
//		Streamer: cli,
//		Store:    store,
//		Skills:   registry,
//		Queue:    commandqueue.New(),
//	})
//	outcome, err := router.Handle(ctx, agent.Conversation{ID: "telegram:42"}, "hello", nil)
package agent
