package handlers

import (
	"context"
	"sync"
)

// ParallelHandler executes all listed body nodes concurrently against a
// shared snapshot of the current step results, waits for all, and gathers
// outputs into an object keyed by body-node id. When failFast
// is set and any body fails, ParallelHandler cancels the remaining siblings
// by way of the shared context and returns the first error; otherwise it
// collects every result, recording an error string where a body failed.
type ParallelHandler struct{}

func (ParallelHandler) Handle(ctx context.Context, hc *HandlerContext) (any, error) {
	data := hc.data()
	body := stringSliceField(data, "body")
	failFast := boolField(data, "failFast")

	runCtx := ctx
	var cancel context.CancelFunc
	if failFast {
		runCtx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	type result struct {
		nodeID string
		output any
		err    error
	}

	results := make([]result, len(body))
	var wg sync.WaitGroup
	for i, nodeID := range body {
		wg.Add(1)
		go func(i int, nodeID string) {
			defer wg.Done()
			out, err := hc.Dispatch.ExecuteNode(runCtx, nodeID, hc.Resolver.Root)
			results[i] = result{nodeID: nodeID, output: out, err: err}
			if err != nil && failFast && cancel != nil {
				cancel()
			}
		}(i, nodeID)
	}
	wg.Wait()

	outputs := make(map[string]any, len(results))
	for _, r := range results {
		if r.err != nil {
			if failFast {
				return nil, r.err
			}
			outputs[r.nodeID] = map[string]any{"error": r.err.Error()}
			continue
		}
		outputs[r.nodeID] = r.output
	}
	return outputs, nil
}
