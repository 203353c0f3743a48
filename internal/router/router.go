// Package router implements the EventRouter (spec.md §4.8): the
// classification pipeline that turns one inbound relay event into
// either a silent drop, a delegation-reply correlation, or a dispatched
// turn against the right ProjectRuntime and agent recipients.
package router

import (
	"context"
	"strings"

	"github.com/tenex-sh/tenexd/internal/agent"
	"github.com/tenex-sh/tenexd/internal/project"
	"github.com/tenex-sh/tenexd/internal/relay"
	"github.com/tenex-sh/tenexd/internal/telemetry"
)

// Event kinds (spec.md §6: "the exact numeric values are a deployment
// constant; we specify their semantics"). These numbers are fixed at
// compile time; Options only configures which kinds are ignored.
const (
	KindConversationMessage = 1111
	KindProjectDefinition   = 31933
	KindAgentDefinition     = 31934
	KindStatusHeartbeat     = 30078
)

// DefaultIgnoredKinds are dropped silently at step 1 of the
// classification pipeline: ordinary Nostr metadata/social kinds that
// never carry TENEX conversation semantics.
func DefaultIgnoredKinds() map[int]bool {
	return map[int]bool{0: true, 3: true, 7: true}
}

// Decision records which branch of the classification pipeline an event
// took, for logging and tests.
type Decision string

const (
	DecisionIgnoredKind     Decision = "ignored_kind"
	DecisionDelegationReply Decision = "delegation_reply"
	DecisionUnresolved      Decision = "unresolved_project"
	DecisionDuplicate       Decision = "duplicate"
	DecisionAgentRefresh    Decision = "agent_refresh"
	DecisionRoutedNewRoot   Decision = "routed_new_root"
	DecisionRoutedReply     Decision = "routed_reply"
)

// Dispatch receives a classified turn: one event that has cleared
// dedup, destined for recipients within runtime's project. The router
// does not itself run an AgentExecutor turn — that is wired in by the
// caller (the daemon layer), keeping internal/router free of a
// dependency on internal/executor/internal/llm.
type Dispatch func(ctx context.Context, runtime *project.Runtime, ev relay.Event, recipients []string) error

// Lookup resolves a project coordinate or an agent pubkey to its
// running ProjectRuntime. Supplied by the Daemon, which owns the
// project_id -> ProjectRuntime map (spec.md §4.10).
type Lookup interface {
	ByProject(coordinate string) (*project.Runtime, bool)
	ByAgent(pubkey string) (*project.Runtime, bool)
}

// Router classifies and routes inbound events (spec.md §4.8).
type Router struct {
	ignoredKinds map[int]bool
	lookup       Lookup
	loader       *agent.GlobalLoader
	dispatch     Dispatch
	log          telemetry.Logger
}

// Options configures a Router. Lookup and Dispatch are required.
type Options struct {
	IgnoredKinds map[int]bool
	Lookup       Lookup
	GlobalLoader *agent.GlobalLoader
	Dispatch     Dispatch
	Log          telemetry.Logger
}

// New builds a Router.
func New(opts Options) *Router {
	ignored := opts.IgnoredKinds
	if ignored == nil {
		ignored = DefaultIgnoredKinds()
	}
	log := opts.Log
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	return &Router{
		ignoredKinds: ignored,
		lookup:       opts.Lookup,
		loader:       opts.GlobalLoader,
		dispatch:     opts.Dispatch,
		log:          log,
	}
}

// Route runs the full classification pipeline for one event.
func (r *Router) Route(ctx context.Context, ev relay.Event) (Decision, error) {
	if r.ignoredKinds[ev.Kind] {
		return DecisionIgnoredKind, nil
	}

	runtime, ok := r.resolveRuntime(ev)
	if !ok {
		r.log.Warn(ctx, "event unresolvable to a project", "event", ev.ID, "kind", ev.Kind)
		return DecisionUnresolved, nil
	}

	if qtag, ok := ev.FirstTag("q"); ok && qtag.Value() != "" {
		if err := runtime.Delegations().OnReply(ctx, qtag.Value(), ev); err == nil {
			return DecisionDelegationReply, nil
		}
		// Unknown delegation ID: fall through to normal routing — the
		// q-tag may be stale or belong to an already-completed
		// delegation, not a routing error.
	}

	firstSeen, err := runtime.Store().MarkIfUnseen(ctx, ev.ID)
	if err != nil {
		return "", err
	}
	if !firstSeen {
		return DecisionDuplicate, nil
	}
	runtime.Touch()

	if ev.Kind == KindProjectDefinition {
		if err := r.refreshAgents(runtime, ev); err != nil {
			return "", err
		}
		return DecisionAgentRefresh, nil
	}

	return r.routeConversationMessage(ctx, runtime, ev)
}

func (r *Router) resolveRuntime(ev relay.Event) (*project.Runtime, bool) {
	if atag, ok := ev.FirstTag("a"); ok && atag.Value() != "" {
		if rt, ok := r.lookup.ByProject(atag.Value()); ok {
			return rt, true
		}
	}
	for _, ptag := range ev.TagsNamed("p") {
		if rt, ok := r.lookup.ByAgent(ptag.Value()); ok {
			return rt, true
		}
	}
	if rt, ok := r.lookup.ByAgent(ev.PubKey); ok {
		return rt, true
	}
	return nil, false
}

func (r *Router) refreshAgents(runtime *project.Runtime, ev relay.Event) error {
	def, err := project.ParseDefinition(ev)
	if err != nil {
		return err
	}
	defs := make([]agent.Definition, 0, len(def.AgentPubkeys))
	for _, pk := range def.AgentPubkeys {
		adef, err := r.loader.Load(pk)
		if err != nil {
			return err
		}
		defs = append(defs, adef)
	}
	return runtime.Agents().Refresh(runtime.ID(), defs)
}

// routeConversationMessage implements spec.md §4.8's kind-specific
// handlers for ordinary conversation messages: a reply-less root
// routes to the PM unless its content opens with an explicit @<slug>
// mention; a reply with p-tags routes to every mentioned agent.
func (r *Router) routeConversationMessage(ctx context.Context, runtime *project.Runtime, ev relay.Event) (Decision, error) {
	if _, err := runtime.Conversations().Ingest(ctx, ev); err != nil {
		return "", err
	}

	_, hasParent := ev.FirstTag("e")
	if !hasParent {
		recipient := runtime.Agents().PM()
		if slug, ok := leadingMention(ev.Content); ok {
			if pk, err := runtime.Agents().Resolve(slug); err == nil {
				recipient = pk
			}
		}
		if err := r.dispatch(ctx, runtime, ev, []string{recipient}); err != nil {
			return "", err
		}
		return DecisionRoutedNewRoot, nil
	}

	var recipients []string
	for _, ptag := range ev.TagsNamed("p") {
		recipients = append(recipients, ptag.Value())
	}
	if len(recipients) == 0 {
		return DecisionRoutedReply, nil
	}
	if err := r.dispatch(ctx, runtime, ev, recipients); err != nil {
		return "", err
	}
	return DecisionRoutedReply, nil
}

// leadingMention extracts an "@slug" token opening content, if present.
func leadingMention(content string) (string, bool) {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "@") {
		return "", false
	}
	rest := content[1:]
	end := strings.IndexFunc(rest, func(r rune) bool {
		return r == ' ' || r == '\n' || r == '\t'
	})
	if end == -1 {
		end = len(rest)
	}
	if end == 0 {
		return "", false
	}
	return rest[:end], true
}
