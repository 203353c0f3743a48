package delegation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tenex-sh/tenexd/internal/errs"
	"github.com/tenex-sh/tenexd/internal/tool"
)

// Resolver resolves a recipient string (slug, npub, or hex pubkey) to a
// pubkey. Implemented by internal/agent.Registry.Resolve; kept as a
// function type here so internal/delegation never imports internal/agent.
type Resolver func(recipient string) (string, error)

// DelegateInput is the payload for delegate/delegate_external/
// delegate_followup.
type DelegateInput struct {
	Recipients []string `json:"recipients" jsonschema:"required,description=Agents to delegate to (slug or pubkey)"`
	Message    string   `json:"message" jsonschema:"required,description=The task or question to delegate"`
	TimeoutMS  int      `json:"timeout_ms,omitempty" jsonschema:"description=Override the default await timeout in milliseconds"`
}

// DelegateOutput summarizes a completed delegation.
type DelegateOutput struct {
	DelegationID string           `json:"delegation_id"`
	Results      []DelegateResult `json:"results"`
}

// DelegateResult is one recipient's reply, in tool-output form.
type DelegateResult struct {
	Recipient string `json:"recipient"`
	Status    string `json:"status"`
	Content   string `json:"content,omitempty"`
}

// PhaseInput is the payload for delegate_phase.
type PhaseInput struct {
	Recipients []string `json:"recipients" jsonschema:"required"`
	Message    string   `json:"message" jsonschema:"required"`
	Phase      string   `json:"phase" jsonschema:"required,enum=CHAT,enum=BRAINSTORM,enum=PLAN,enum=EXECUTE,enum=VERIFICATION,enum=CHORES,enum=REFLECTION"`
}

// NewDelegateTool builds the delegate tool: registers a delegation
// (rejecting self-delegation, spec.md §4.9) and blocks the calling turn
// on Await — DelegationRegistry.await is a named suspension point in
// spec.md §5's concurrency model.
func NewDelegateTool(name string, reg *Registry, resolve Resolver) tool.Spec {
	return tool.Spec{
		Name:        name,
		Description: "Delegate a task to one or more agents and wait for their replies.",
		InputSchema: tool.GenerateSchema[DelegateInput](),
		Execute: func(ctx context.Context, tc tool.Context, input json.RawMessage) (any, error) {
			var in DelegateInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, &errs.ValidationError{Subject: name, Err: err}
			}
			return runDelegate(ctx, reg, resolve, tc, in.Recipients, in.Message, in.TimeoutMS, "")
		},
	}
}

// NewDelegatePhaseTool builds delegate_phase, the sole delegation tool
// exempt from the self-delegation rule (spec.md §4.9, §3).
func NewDelegatePhaseTool(reg *Registry, resolve Resolver) tool.Spec {
	return tool.Spec{
		Name:        "delegate_phase",
		Description: "Transition the conversation's phase, optionally delegating (including to self).",
		InputSchema: tool.GenerateSchema[PhaseInput](),
		Execute: func(ctx context.Context, tc tool.Context, input json.RawMessage) (any, error) {
			var in PhaseInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, &errs.ValidationError{Subject: "delegate_phase", Err: err}
			}
			return runDelegate(ctx, reg, resolve, tc, in.Recipients, in.Message, 0, in.Phase)
		},
	}
}

func runDelegate(ctx context.Context, reg *Registry, resolve Resolver, tc tool.Context, recipients []string, message string, timeoutMS int, phase string) (any, error) {
	pubkeys := make([]string, 0, len(recipients))
	for _, r := range recipients {
		pk, err := resolve(r)
		if err != nil {
			return nil, err
		}
		pubkeys = append(pubkeys, pk)
	}

	id, err := reg.Register(ctx, RegisterInput{
		Delegator:      tc.AgentPubkey,
		Recipients:     pubkeys,
		ConversationID: tc.ConversationID,
		RequestEventID: tc.ToolUseID,
		Phase:          phase,
	})
	if err != nil {
		return nil, err
	}

	timeout := DefaultTimeout
	if timeoutMS > 0 {
		timeout = time.Duration(timeoutMS) * time.Millisecond
	}

	res, err := reg.Await(ctx, id, timeout)
	out := toDelegateOutput(res)

	var timeoutErr *errs.TimeoutError
	if err != nil && !isTimeout(err, &timeoutErr) {
		return nil, err
	}

	return nil, &tool.StopExecution{Reason: "delegation settled", Output: out}
}

func isTimeout(err error, target **errs.TimeoutError) bool {
	t, ok := err.(*errs.TimeoutError)
	if ok {
		*target = t
	}
	return ok
}

func toDelegateOutput(res DelegationResult) DelegateOutput {
	out := DelegateOutput{DelegationID: res.DelegationID}
	for _, r := range res.Results {
		out.Results = append(out.Results, DelegateResult{Recipient: r.RecipientPubkey, Status: r.Status, Content: r.Content})
	}
	return out
}

// CompleteInput is the payload for the complete tool.
type CompleteInput struct {
	Summary string `json:"summary" jsonschema:"required,description=Final summary of work completed this turn"`
}

// NewCompleteTool builds the complete tool: always halts the executor
// loop (spec.md §4.4), publishing Summary as the turn's final output.
func NewCompleteTool() tool.Spec {
	return tool.Spec{
		Name:        "complete",
		Description: "Signal that this agent's turn is finished.",
		InputSchema: tool.GenerateSchema[CompleteInput](),
		Execute: func(ctx context.Context, tc tool.Context, input json.RawMessage) (any, error) {
			var in CompleteInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, &errs.ValidationError{Subject: "complete", Err: err}
			}
			return nil, &tool.StopExecution{Reason: "turn complete", Output: in.Summary}
		},
	}
}
