package handlers

import (
	"context"
	"sync"

	"github.com/lyzr/workflows/common/engineerrors"
	"github.com/lyzr/workflows/common/interpolate"
)

const defaultMaxIterations = 1000

// LoopHandler resolves an iterator expression to an array and, for each
// item, binds iterationVariable/indexVariable into a sub-context layered
// over the outer step results and executes the body nodes through the
// injected NodeExecutor. Body-node outputs from prior iterations are never
// visible to later ones: each iteration gets its own copy of the outer
// snapshot.
type LoopHandler struct{}

func (LoopHandler) Handle(ctx context.Context, hc *HandlerContext) (any, error) {
	data := hc.data()

	iteratorExpr := stringField(data, "iteratorExpression")
	iterationVar := stringField(data, "iterationVariable")
	indexVar := stringField(data, "indexVariable")
	body := stringSliceField(data, "body")
	executionMode := stringField(data, "executionMode")
	breakExpr := stringField(data, "breakCondition")

	maxIterations := intField(data, "maxIterations", defaultMaxIterations)

	items, ok := hc.Resolver.ResolveReference(iteratorExpr).([]any)
	if !ok {
		return nil, engineerrors.NewValidation("loop iteratorExpression did not resolve to an array")
	}
	if len(items) > maxIterations {
		items = items[:maxIterations]
	}

	var breakPred *interpolate.Predicate
	if breakExpr != "" {
		p, err := interpolate.Compile(breakExpr)
		if err != nil {
			return nil, engineerrors.NewValidation("malformed loop breakCondition: " + err.Error())
		}
		breakPred = p
	}

	type iterationResult struct {
		index   int
		item    any
		outputs map[string]any
	}

	bindItem := func(index int, item any) map[string]any {
		sub := make(map[string]any, len(hc.Resolver.Root)+2)
		for k, v := range hc.Resolver.Root {
			sub[k] = v
		}
		if iterationVar != "" {
			sub[iterationVar] = item
		}
		if indexVar != "" {
			sub[indexVar] = index
		}
		return sub
	}

	// breakAt evaluates the break condition against one item's sub-context,
	// before that item's body runs. The condition sees the outer snapshot
	// plus the iteration bindings, never prior body outputs.
	breakAt := func(index int, item any) (bool, error) {
		if breakPred == nil {
			return false, nil
		}
		matched, err := breakPred.Eval(interpolate.New(bindItem(index, item)))
		if err != nil {
			return false, engineerrors.NewValidation("loop breakCondition evaluation failed: " + err.Error())
		}
		return matched, nil
	}

	runIteration := func(index int, item any) (iterationResult, error) {
		sub := bindItem(index, item)
		outputs := make(map[string]any, len(body))
		for _, nodeID := range body {
			out, err := hc.Dispatch.ExecuteNode(ctx, nodeID, sub)
			if err != nil {
				return iterationResult{}, err
			}
			outputs[nodeID] = out
			sub[nodeID] = out
		}
		return iterationResult{index: index, item: item, outputs: outputs}, nil
	}

	iterations := make([]any, len(items))
	breakTriggered := false
	total := 0

	if executionMode == "parallel" {
		// The break condition still applies: items are screened in input
		// order before any body dispatch, and the first match truncates the
		// batch. Only the surviving prefix runs concurrently.
		for i, item := range items {
			matched, err := breakAt(i, item)
			if err != nil {
				return nil, err
			}
			if matched {
				items = items[:i]
				breakTriggered = true
				break
			}
		}

		results := make([]iterationResult, len(items))
		errs := make([]error, len(items))
		var wg sync.WaitGroup
		for i, item := range items {
			wg.Add(1)
			go func(i int, item any) {
				defer wg.Done()
				r, err := runIteration(i, item)
				results[i] = r
				errs[i] = err
			}(i, item)
		}
		wg.Wait()
		for i := range items {
			if errs[i] != nil {
				return nil, errs[i]
			}
			iterations[i] = map[string]any{
				"index":   results[i].index,
				"item":    results[i].item,
				"outputs": results[i].outputs,
			}
		}
		total = len(items)
		iterations = iterations[:total]
	} else {
		for i, item := range items {
			select {
			case <-ctx.Done():
				return nil, engineerrors.NewCancelled("loop cancelled")
			default:
			}

			matched, err := breakAt(i, item)
			if err != nil {
				return nil, err
			}
			if matched {
				breakTriggered = true
				break
			}

			r, err := runIteration(i, item)
			if err != nil {
				return nil, err
			}
			iterations[total] = map[string]any{
				"index":   r.index,
				"item":    r.item,
				"outputs": r.outputs,
			}
			total++
		}
		iterations = iterations[:total]
	}

	return map[string]any{
		"iterations":      iterations,
		"totalIterations": total,
		"breakTriggered":  breakTriggered,
		"executionMode":   executionMode,
	}, nil
}
