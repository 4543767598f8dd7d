package handlers

import (
	"context"

	"github.com/lyzr/workflows/common/engineerrors"
	"github.com/lyzr/workflows/common/interpolate"
	"github.com/lyzr/workflows/common/models"
)

// ConditionHandler evaluates either a single "expression" or an ordered
// "cases" list against the current step results and selects a branch
// label. A malformed predicate is a fatal node error; an evaluation
// failure on an individual case (e.g. a missing operand resolving to an
// unusable type) falls through to the next case rather than aborting the
// node.
type ConditionHandler struct{}

type conditionCase struct {
	Expression string `json:"expression"`
	Label      string `json:"label"`
}

func (ConditionHandler) Handle(_ context.Context, hc *HandlerContext) (any, error) {
	data := hc.data()

	if expr := stringField(data, "expression"); expr != "" {
		label, err := evalToLabel(hc.Resolver, expr, models.LabelTrue, models.LabelFalse)
		if err != nil {
			return nil, err
		}
		return map[string]any{"branch": label}, nil
	}

	rawCases := sliceField(data, "cases")
	for _, rc := range rawCases {
		m, ok := rc.(map[string]any)
		if !ok {
			continue
		}
		c := conditionCase{
			Expression: stringField(m, "expression"),
			Label:      stringField(m, "label"),
		}
		if c.Expression == "" {
			continue
		}
		pred, err := interpolate.Compile(c.Expression)
		if err != nil {
			return nil, engineerrors.NewValidation("malformed condition expression: " + err.Error())
		}
		matched, err := pred.Eval(hc.Resolver)
		if err != nil {
			continue
		}
		if matched {
			return map[string]any{"branch": c.Label}, nil
		}
	}

	return map[string]any{"branch": models.LabelDefault}, nil
}

func evalToLabel(r *interpolate.Resolver, expr, trueLabel, falseLabel string) (string, error) {
	pred, err := interpolate.Compile(expr)
	if err != nil {
		return "", engineerrors.NewValidation("malformed condition expression: " + err.Error())
	}
	matched, err := pred.Eval(r)
	if err != nil {
		return "", engineerrors.NewValidation("condition evaluation failed: " + err.Error())
	}
	if matched {
		return trueLabel, nil
	}
	return falseLabel, nil
}
