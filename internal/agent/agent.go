// Package agent implements the AgentRegistry (spec.md §4.3): loading
// agent definitions from the global directory, resolving recipients
// (npub/hex/slug) within a project, and identifying the Project Manager.
package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tenex-sh/tenexd/internal/errs"
)

// Definition is an agent definition as persisted globally, keyed by
// pubkey (spec.md §3).
type Definition struct {
	PubKey       string   `json:"pubkey"`
	Slug         string   `json:"slug"`
	DisplayName  string   `json:"display_name"`
	Role         string   `json:"role"`
	Instructions string   `json:"instructions"`
	ToolAllow    []string `json:"tool_allow_list"`
	Model        string   `json:"model,omitempty"`
	IsPM         bool     `json:"is_pm,omitempty"`
}

// AllowsTool reports whether name is in the agent's tool allow-list.
func (d Definition) AllowsTool(name string) bool {
	for _, t := range d.ToolAllow {
		if t == name {
			return true
		}
	}
	return false
}

// AmbiguousPMError is returned when a project declares more than one
// agent with is_pm=true.
type AmbiguousPMError struct {
	ProjectID string
	Pubkeys   []string
}

func (e *AmbiguousPMError) Error() string {
	return fmt.Sprintf("project %q declares multiple PM agents: %v", e.ProjectID, e.Pubkeys)
}

// Registry resolves recipients within one project: slug/pubkey lookup,
// PM identification, and per-agent tool allow-lists. One Registry is
// built per ProjectRuntime from the project's ordered agent list.
type Registry struct {
	mu       sync.RWMutex
	bySlug   map[string]string     // project-local slug -> pubkey
	byPubkey map[string]Definition // pubkey -> definition (may be shared across projects)
	pm       string                // pubkey of the project manager
}

// GlobalLoader loads agent definitions from the well-known global
// directory, keyed by pubkey (spec.md §6: {global_dir}/agents/{pubkey}.json).
type GlobalLoader struct {
	dir string
}

// NewGlobalLoader returns a loader rooted at dir.
func NewGlobalLoader(dir string) *GlobalLoader {
	return &GlobalLoader{dir: dir}
}

// Load reads the definition file for pubkey.
func (l *GlobalLoader) Load(pubkey string) (Definition, error) {
	path := filepath.Join(l.dir, "agents", pubkey+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, &errs.ValidationError{Subject: fmt.Sprintf("load agent %q", pubkey), Err: err}
	}
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return Definition{}, &errs.ValidationError{Subject: fmt.Sprintf("parse agent %q", pubkey), Err: err}
	}
	return def, nil
}

// NewRegistry builds a Registry for a project from its ordered list of
// agent definitions (already resolved in project-list order; the first
// entry is the default PM unless exactly one agent carries IsPM).
func NewRegistry(projectID string, agents []Definition) (*Registry, error) {
	if len(agents) == 0 {
		return nil, &errs.ValidationError{Subject: fmt.Sprintf("project %q", projectID), Err: fmt.Errorf("no agents declared")}
	}

	r := &Registry{
		bySlug:   make(map[string]string, len(agents)),
		byPubkey: make(map[string]Definition, len(agents)),
	}

	var pmCandidates []string
	for _, a := range agents {
		r.bySlug[a.Slug] = a.PubKey
		r.byPubkey[a.PubKey] = a
		if a.IsPM {
			pmCandidates = append(pmCandidates, a.PubKey)
		}
	}

	switch len(pmCandidates) {
	case 0:
		r.pm = agents[0].PubKey
	case 1:
		r.pm = pmCandidates[0]
	default:
		return nil, &AmbiguousPMError{ProjectID: projectID, Pubkeys: pmCandidates}
	}

	return r, nil
}

// PM returns the project manager's pubkey.
func (r *Registry) PM() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pm
}

// Definition returns the agent definition for pubkey.
func (r *Registry) Definition(pubkey string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byPubkey[pubkey]
	return def, ok
}

// Pubkeys returns every agent pubkey declared for this project, in no
// particular order. Used by callers that need the full roster (e.g. the
// heartbeat broadcaster's "active agents" listing) rather than a single
// lookup.
func (r *Registry) Pubkeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byPubkey))
	for pk := range r.byPubkey {
		out = append(out, pk)
	}
	return out
}

// looksLikePubkey reports whether s resembles an npub bech32 string or a
// raw 64-character hex pubkey (spec.md §4.3's resolution order).
func looksLikePubkey(s string) bool {
	if strings.HasPrefix(s, "npub1") {
		return true
	}
	if len(s) == 64 {
		for _, c := range s {
			if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
				return false
			}
		}
		return true
	}
	return false
}

// Resolve implements spec.md §4.3's recipient resolution: npub/hex
// pubkey first, then project-local slug, else UnknownRecipientError.
func (r *Registry) Resolve(recipient string) (string, error) {
	if looksLikePubkey(recipient) {
		return recipient, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if pubkey, ok := r.bySlug[recipient]; ok {
		return pubkey, nil
	}
	return "", &errs.UnknownRecipientError{Recipient: recipient}
}

// Refresh replaces the registry's agent set in place, used when a
// project metadata update event arrives (spec.md §4.8's "Project
// metadata update: refresh AgentRegistry").
func (r *Registry) Refresh(projectID string, agents []Definition) error {
	next, err := NewRegistry(projectID, agents)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySlug = next.bySlug
	r.byPubkey = next.byPubkey
	r.pm = next.pm
	return nil
}
