package toolruntime

import "context"

// Fake is a deterministic ExecuteTool for node-handler and executor tests,
// keyed by tool name.
type Fake struct {
	Results map[string]Result
	Errs    map[string]error
	Calls   []Call
}

// NewFake builds an empty Fake.
func NewFake() *Fake {
	return &Fake{Results: map[string]Result{}, Errs: map[string]error{}}
}

func (f *Fake) Execute(_ context.Context, call Call) (Result, error) {
	f.Calls = append(f.Calls, call)
	if err, ok := f.Errs[call.Name]; ok {
		return Result{}, err
	}
	if res, ok := f.Results[call.Name]; ok {
		return res, nil
	}
	return Result{Output: map[string]any{}}, nil
}
