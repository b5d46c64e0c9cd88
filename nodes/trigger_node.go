package nodes

import (
	"context"

	nodeflow "nodeflow"
)

// TriggerExecutor runs entry nodes. The trigger payload is already in the
// initial context, so the context passes through unchanged.
type TriggerExecutor struct{}

func (TriggerExecutor) Execute(ctx context.Context, in Input) (nodeflow.Context, error) {
	return track(ctx, in, func() (nodeflow.Context, error) {
		return in.Context.Clone(), nil
	})
}

func init() {
	Describe(Definition{Type: nodeflow.NodeTypeInitial, Description: "Editor placeholder; passes the context through."})
	Describe(Definition{Type: nodeflow.NodeTypeManualTrigger, Description: "Started by hand; passes the context through."})
	Describe(Definition{Type: nodeflow.NodeTypeFormTrigger, Description: "Started by a form submission; the payload is under googleForm."})
	Describe(Definition{Type: nodeflow.NodeTypePaymentTrigger, Description: "Started by a payment event; the payload is under stripe."})
}
