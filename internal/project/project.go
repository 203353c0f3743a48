// Package project implements the ProjectRuntime (spec.md §4.7): the
// per-project container that owns a ProjectContext — an AgentRegistry,
// ToolRegistry, DelegationRegistry, ConversationCoordinator and Store
// instance scoped to exactly one project — plus the inactivity/failure
// lifecycle the Daemon drives it through.
package project

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tenex-sh/tenexd/internal/agent"
	"github.com/tenex-sh/tenexd/internal/conversation"
	"github.com/tenex-sh/tenexd/internal/delegation"
	"github.com/tenex-sh/tenexd/internal/errs"
	"github.com/tenex-sh/tenexd/internal/relay"
	"github.com/tenex-sh/tenexd/internal/store"
	"github.com/tenex-sh/tenexd/internal/telemetry"
	"github.com/tenex-sh/tenexd/internal/tool"
)

// State values for a Runtime's lifecycle (spec.md §4.7).
const (
	StateStarting = "starting"
	StateRunning  = "running"
	StateFailed   = "failed"
	StateIdle     = "idle"
	StateStopped  = "stopped"
)

// Definition is a project's identity and agent roster, parsed from a
// Project definition event (spec.md §6: an addressable event with a `d`
// tag for the project slug and ordered `agent` tags).
type Definition struct {
	Coordinate   string
	PubKey       string
	Name         string
	AgentPubkeys []string
}

// ParseDefinition extracts a Definition from a project-definition event.
func ParseDefinition(ev relay.Event) (Definition, error) {
	d, ok := ev.FirstTag("d")
	if !ok || d.Value() == "" {
		return Definition{}, &errs.ValidationError{Subject: "project definition", Err: fmt.Errorf("missing d tag")}
	}

	def := Definition{
		Coordinate: fmt.Sprintf("%d:%s:%s", ev.Kind, ev.PubKey, d.Value()),
		PubKey:     ev.PubKey,
		Name:       d.Value(),
	}
	for _, t := range ev.TagsNamed("agent") {
		if v := t.Value(); v != "" {
			def.AgentPubkeys = append(def.AgentPubkeys, v)
		}
	}
	if len(def.AgentPubkeys) == 0 {
		return Definition{}, &errs.ValidationError{Subject: "project definition", Err: fmt.Errorf("no agent tags")}
	}
	return def, nil
}

// metadataFile caches the last-applied Definition on disk so a restart
// doesn't need to wait for a fresh relay replay before a runtime can
// start (best-effort: if absent, the Daemon must supply a fresh
// Definition before calling New).
type metadataFile struct {
	Definition Definition `json:"definition"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// LoadMetadata reads the cached project definition from dir, if present.
func LoadMetadata(dir string) (Definition, bool) {
	data, err := os.ReadFile(filepath.Join(dir, "project.json"))
	if err != nil {
		return Definition{}, false
	}
	var mf metadataFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return Definition{}, false
	}
	return mf.Definition, true
}

func saveMetadata(dir string, def Definition) error {
	mf := metadataFile{Definition: def, UpdatedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return &errs.FatalError{Reason: "marshal project.json", Err: err}
	}
	path := filepath.Join(dir, "project.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &errs.FatalError{Reason: "write project.json", Err: err}
	}
	return os.Rename(tmp, path)
}

// Runtime is one project's ProjectContext (agents, tools, delegations,
// conversations, store) plus its lifecycle state.
type Runtime struct {
	id  string
	dir string
	log telemetry.Logger

	store         store.Store
	agents        *agent.Registry
	tools         *tool.Registry
	delegations   *delegation.Registry
	conversations *conversation.Coordinator

	idleTimeout time.Duration

	mu           sync.Mutex
	state        string
	failure      error
	lastActivity time.Time
	activeTurns  int
}

// Options configures New.
type Options struct {
	Dir          string
	IdleTimeout  time.Duration
	MaxTokens    int
	Log          telemetry.Logger
	GlobalLoader *agent.GlobalLoader
	Store        store.Store
	// ExtraTools lets the caller (the daemon's wiring layer) inject
	// project-scoped tools beyond delegate/delegate_phase/complete/set_phase
	// (file I/O, shell, MCP bridges — out of scope per spec.md §1, but the
	// registry must be able to host them).
	ExtraTools []tool.Spec
}

// New performs ProjectRuntime startup (spec.md §4.7): load project
// metadata, build the AgentRegistry, open the dedup store (supplied via
// Options.Store, already scoped to this project directory), and
// rehydrate the DelegationRegistry and ConversationCoordinator. Failure
// at any step returns a non-nil Runtime in StateFailed alongside the
// error, so the Daemon can record the failure and refuse to route
// events to it without re-attempting construction on every event.
func New(id string, def Definition, opts Options) (*Runtime, error) {
	r := &Runtime{
		id:           id,
		dir:          opts.Dir,
		log:          opts.Log,
		store:        opts.Store,
		idleTimeout:  opts.IdleTimeout,
		state:        StateStarting,
		lastActivity: time.Now(),
	}
	if r.log == nil {
		r.log = telemetry.NoopLogger{}
	}

	defs := make([]agent.Definition, 0, len(def.AgentPubkeys))
	for _, pk := range def.AgentPubkeys {
		adef, err := opts.GlobalLoader.Load(pk)
		if err != nil {
			return r.fail(err), err
		}
		defs = append(defs, adef)
	}

	agents, err := agent.NewRegistry(id, defs)
	if err != nil {
		return r.fail(err), err
	}
	r.agents = agents

	if err := saveMetadata(opts.Dir, def); err != nil {
		return r.fail(err), err
	}

	ctx := context.Background()

	delegations := delegation.New(id, opts.Store, r.log)
	if err := delegations.Load(ctx); err != nil {
		return r.fail(err), err
	}
	r.delegations = delegations

	conversations := conversation.New(id, opts.Store, r.log, conversation.WithMaxTokens(opts.MaxTokens))
	if err := conversations.Load(ctx); err != nil {
		return r.fail(err), err
	}
	r.conversations = conversations

	resolver := delegation.Resolver(agents.Resolve)
	specs := []tool.Spec{
		delegation.NewDelegateTool("delegate", delegations, resolver),
		delegation.NewDelegateTool("delegate_external", delegations, resolver),
		delegation.NewDelegateTool("delegate_followup", delegations, resolver),
		delegation.NewDelegatePhaseTool(delegations, resolver),
		delegation.NewCompleteTool(),
		conversation.NewSetPhaseTool(conversations),
	}
	specs = append(specs, opts.ExtraTools...)

	tools, err := tool.NewRegistry(specs...)
	if err != nil {
		return r.fail(err), err
	}
	r.tools = tools

	r.state = StateRunning
	return r, nil
}

func (r *Runtime) fail(err error) *Runtime {
	r.state = StateFailed
	r.failure = err
	r.log.Error(context.Background(), "project runtime startup failed", "project", r.id, "error", err)
	return r
}

// ID returns the project's coordinate.
func (r *Runtime) ID() string { return r.id }

// State returns the runtime's current lifecycle state.
func (r *Runtime) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Failure returns the error that caused StateFailed, if any.
func (r *Runtime) Failure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure
}

// Agents, Tools, Delegations, and Conversations expose the project's
// ProjectContext members (spec.md §3) for the EventRouter/AgentExecutor
// to operate against.
func (r *Runtime) Agents() *agent.Registry                  { return r.agents }
func (r *Runtime) Tools() *tool.Registry                    { return r.tools }
func (r *Runtime) Delegations() *delegation.Registry        { return r.delegations }
func (r *Runtime) Conversations() *conversation.Coordinator { return r.conversations }
func (r *Runtime) Store() store.Store                       { return r.store }

// Touch resets the inactivity window; called on every routed event
// (spec.md §4.7).
func (r *Runtime) Touch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastActivity = time.Now()
	if r.state == StateIdle {
		r.state = StateRunning
	}
}

// BeginTurn/EndTurn track in-flight AgentExecutor turns, gating idle
// eligibility (spec.md §4.7: "no AgentExecutor is active").
func (r *Runtime) BeginTurn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeTurns++
}

func (r *Runtime) EndTurn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeTurns > 0 {
		r.activeTurns--
	}
}

// IsIdle reports whether this runtime's inactivity window has elapsed
// with no pending delegation and no active turn, making it eligible for
// teardown (spec.md §4.7). The Daemon's 60s reaper calls this.
func (r *Runtime) IsIdle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateFailed || r.state == StateStopped {
		return false
	}
	if r.activeTurns > 0 {
		return false
	}
	if time.Since(r.lastActivity) < r.idleTimeout {
		return false
	}
	return r.delegations.PendingCount() == 0
}

// Teardown flushes the DelegationRegistry and ConversationCoordinator
// and closes the store (spec.md §4.7). Called by the Daemon once
// IsIdle() is true, or on shutdown.
func (r *Runtime) Teardown(ctx context.Context) error {
	r.mu.Lock()
	r.state = StateStopped
	r.mu.Unlock()

	if err := r.delegations.Flush(ctx); err != nil {
		return err
	}
	if err := r.conversations.Flush(ctx); err != nil {
		return err
	}
	return r.store.Close(ctx)
}
