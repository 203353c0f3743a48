package conversation

import (
	"context"
	"encoding/json"

	"github.com/tenex-sh/tenexd/internal/errs"
	"github.com/tenex-sh/tenexd/internal/tool"
)

// SetPhaseInput is the payload for set_phase (spec.md §4.9's
// switch_phase tool).
type SetPhaseInput struct {
	Phase  string `json:"phase" jsonschema:"required,enum=CHAT,enum=BRAINSTORM,enum=PLAN,enum=EXECUTE,enum=VERIFICATION,enum=CHORES,enum=REFLECTION"`
	Reason string `json:"reason" jsonschema:"required,description=Why this transition is happening"`
}

// NewSetPhaseTool builds set_phase. Per spec.md §9's Open Question
// resolution (phase is read-only for non-PM agents), wiring this tool
// into only the PM's allow-list is the executor/project layer's
// responsibility — the tool itself does not re-check the caller's role.
func NewSetPhaseTool(coord *Coordinator) tool.Spec {
	return tool.Spec{
		Name:        "set_phase",
		Description: "Transition the current conversation to a new phase.",
		InputSchema: tool.GenerateSchema[SetPhaseInput](),
		Execute: func(ctx context.Context, tc tool.Context, input json.RawMessage) (any, error) {
			var in SetPhaseInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, &errs.ValidationError{Subject: "set_phase", Err: err}
			}
			if err := coord.SetPhase(ctx, tc.ConversationID, in.Phase, in.Reason); err != nil {
				return nil, err
			}
			return map[string]string{"phase": in.Phase}, nil
		},
	}
}
