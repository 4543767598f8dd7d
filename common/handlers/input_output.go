package handlers

import "context"

// InputHandler is the identity handler for the run's single entry node: its
// output is the run input, already seeded into step results as "input" by
// the executor before scheduling begins.
type InputHandler struct{}

func (InputHandler) Handle(_ context.Context, hc *HandlerContext) (any, error) {
	return hc.Resolver.Root["input"], nil
}

// OutputHandler is the identity handler for the run's designated output
// node: it resolves its own config (the bindings the workflow author wired
// into it) against the current step results and becomes the run's output.
type OutputHandler struct{}

func (OutputHandler) Handle(_ context.Context, hc *HandlerContext) (any, error) {
	return hc.Resolver.ResolveConfig(hc.data()), nil
}
