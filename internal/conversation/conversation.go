// Package conversation implements the ConversationCoordinator (spec.md
// §4.6): building and maintaining conversation trees from inbound
// events, and deriving the per-agent message sequence (thread_for) used
// to assemble an AgentExecutor's prompt.
package conversation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tenex-sh/tenexd/internal/errs"
	"github.com/tenex-sh/tenexd/internal/relay"
	"github.com/tenex-sh/tenexd/internal/store"
	"github.com/tenex-sh/tenexd/internal/telemetry"
)

// Phase values for a conversation (spec.md §3).
const (
	PhaseChat         = "CHAT"
	PhaseBrainstorm    = "BRAINSTORM"
	PhasePlan         = "PLAN"
	PhaseExecute      = "EXECUTE"
	PhaseVerification = "VERIFICATION"
	PhaseChores       = "CHORES"
	PhaseReflection   = "REFLECTION"
)

var validPhases = map[string]bool{
	PhaseChat: true, PhaseBrainstorm: true, PhasePlan: true,
	PhaseExecute: true, PhaseVerification: true, PhaseChores: true,
	PhaseReflection: true,
}

// defaultRecentTurns is the number of most-recent turns pruning always
// keeps (spec.md §4.6).
const defaultRecentTurns = 20

// Role labels a Message from the viewing agent's perspective (spec.md
// §4.6): "assistant" if the viewer authored it, "user" otherwise.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry in the thread an AgentExecutor assembles into its
// prompt.
type Message struct {
	Role         Role
	Content      string
	AuthorPubkey string
	EventID      string
	CreatedAt    time.Time
	Phase        string
}

type node struct {
	eventID   string
	parentID  string
	pubkey    string
	content   string
	createdAt time.Time
	mentions  []string
	phase     string
}

type conversationState struct {
	rootID           string
	phase            string
	pendingPhaseTag  string
	participants     map[string]struct{}
	summary          string
	lastActivity     time.Time
	nodes            map[string]*node
	order            []string // insertion order, for deterministic iteration
}

// Coordinator is the per-project ConversationCoordinator. It is
// single-writer per ProjectRuntime (spec.md §5); readers outside the
// runtime are not permitted.
type Coordinator struct {
	projectID   string
	st          store.Store
	log         telemetry.Logger
	maxTokens   int
	recentTurns int

	mu            sync.Mutex
	conversations map[string]*conversationState
	nodeIndex     map[string]string // event ID -> root ID, across all loaded conversations
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMaxTokens overrides the pruning token budget (spec.md
// §6's max_conversation_tokens).
func WithMaxTokens(n int) Option {
	return func(c *Coordinator) { c.maxTokens = n }
}

// WithRecentTurns overrides how many trailing turns pruning always keeps.
func WithRecentTurns(n int) Option {
	return func(c *Coordinator) { c.recentTurns = n }
}

// New builds a Coordinator for projectID backed by st.
func New(projectID string, st store.Store, log telemetry.Logger, opts ...Option) *Coordinator {
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	c := &Coordinator{
		projectID:     projectID,
		st:            st,
		log:           log,
		recentTurns:   defaultRecentTurns,
		conversations: make(map[string]*conversationState),
		nodeIndex:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load rehydrates every persisted conversation tree for this project.
func (c *Coordinator) Load(ctx context.Context) error {
	roots, err := c.st.ListConversations(ctx)
	if err != nil {
		return err
	}
	for _, root := range roots {
		if _, err := c.loadConversation(ctx, root); err != nil {
			c.log.Warn(ctx, "conversation load failed, skipping", "root", root, "error", err)
		}
	}
	return nil
}

func (c *Coordinator) loadConversation(ctx context.Context, rootID string) (*conversationState, error) {
	c.mu.Lock()
	if cs, ok := c.conversations[rootID]; ok {
		c.mu.Unlock()
		return cs, nil
	}
	c.mu.Unlock()

	snap, err := c.st.LoadConversation(ctx, rootID)
	if err != nil {
		return nil, err
	}

	cs := &conversationState{
		rootID:       snap.RootID,
		phase:        snap.Phase,
		participants: make(map[string]struct{}, len(snap.Participants)),
		summary:      snap.Summary,
		lastActivity: snap.LastActivity,
		nodes:        make(map[string]*node, len(snap.Nodes)),
	}
	for _, p := range snap.Participants {
		cs.participants[p] = struct{}{}
	}
	for _, n := range snap.Nodes {
		cs.nodes[n.EventID] = &node{
			eventID:   n.EventID,
			parentID:  n.ParentID,
			pubkey:    n.PubKey,
			content:   n.Content,
			createdAt: n.CreatedAt,
			mentions:  n.Mentions,
			phase:     n.Phase,
		}
		cs.order = append(cs.order, n.EventID)
	}

	c.mu.Lock()
	c.conversations[rootID] = cs
	for id := range cs.nodes {
		c.nodeIndex[id] = rootID
	}
	c.mu.Unlock()

	return cs, nil
}

// Ingest inserts ev into its conversation tree using reply tags,
// creating a new conversation if ev has none. Idempotent on ev.ID
// (spec.md §8 invariant 7): ingesting the same event twice yields the
// same tree.
func (c *Coordinator) Ingest(ctx context.Context, ev relay.Event) (rootID string, err error) {
	parentID, rootHint := replyTargets(ev)

	var cs *conversationState
	switch {
	case parentID == "" && rootHint == "":
		// New root event: no reply-link (spec.md §3).
		c.mu.Lock()
		if existing, ok := c.conversations[ev.ID]; ok {
			c.mu.Unlock()
			cs = existing
			break
		}
		c.mu.Unlock()
		cs = c.newConversation(ev.ID)
	default:
		root := rootHint
		if root == "" {
			root = c.rootFor(parentID)
		}
		if root == "" {
			// Parent's root is unknown (never ingested, or this process
			// never saw it) — fall back to treating the reply target
			// itself as the conversation root so the event is never
			// dropped.
			root = parentID
		}
		cs, err = c.getOrCreate(ctx, root)
		if err != nil {
			return "", err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := cs.nodes[ev.ID]; exists {
		return cs.rootID, nil // idempotent
	}

	cs.nodes[ev.ID] = &node{
		eventID:   ev.ID,
		parentID:  parentID,
		pubkey:    ev.PubKey,
		content:   ev.Content,
		createdAt: ev.CreatedAt,
		mentions:  mentionedPubkeys(ev),
		phase:     firstTagValue(ev, "phase"),
	}
	cs.order = append(cs.order, ev.ID)
	cs.participants[ev.PubKey] = struct{}{}
	cs.lastActivity = ev.CreatedAt
	c.nodeIndex[ev.ID] = cs.rootID

	return cs.rootID, nil
}

func (c *Coordinator) newConversation(rootID string) *conversationState {
	cs := &conversationState{
		rootID:       rootID,
		phase:        PhaseChat,
		participants: make(map[string]struct{}),
		nodes:        make(map[string]*node),
	}
	c.mu.Lock()
	c.conversations[rootID] = cs
	c.mu.Unlock()
	return cs
}

func (c *Coordinator) getOrCreate(ctx context.Context, rootID string) (*conversationState, error) {
	c.mu.Lock()
	if cs, ok := c.conversations[rootID]; ok {
		c.mu.Unlock()
		return cs, nil
	}
	c.mu.Unlock()

	cs, err := c.loadConversation(ctx, rootID)
	if err == nil {
		return cs, nil
	}
	if err != store.ErrNotFound {
		return nil, err
	}
	return c.newConversation(rootID), nil
}

func (c *Coordinator) rootFor(eventID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodeIndex[eventID]
}

// replyTargets extracts the reply-to event ID (an "e" tag) and the root
// event ID (an "E" tag), per spec.md §6's conversation-message tag
// semantics.
func replyTargets(ev relay.Event) (parentID, rootID string) {
	if t, ok := ev.FirstTag("e"); ok {
		parentID = t.Value()
	}
	if t, ok := ev.FirstTag("E"); ok {
		rootID = t.Value()
	}
	return parentID, rootID
}

func mentionedPubkeys(ev relay.Event) []string {
	var out []string
	for _, t := range ev.TagsNamed("p") {
		if v := t.Value(); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func firstTagValue(ev relay.Event, name string) string {
	if t, ok := ev.FirstTag(name); ok {
		return t.Value()
	}
	return ""
}

// Phase returns a conversation's current phase.
func (c *Coordinator) Phase(rootID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.conversations[rootID]
	if !ok {
		return "", &errs.ValidationError{Subject: "conversation phase", Err: fmt.Errorf("unknown conversation %q", rootID)}
	}
	return cs.phase, nil
}

// SetPhase mutates a conversation's phase (spec.md §4.6). The new phase
// is recorded on the conversation immediately; it is also queued as a
// pending tag so the next outbound reply in this conversation carries a
// phase attribute, letting observers reconstruct phase history from the
// event log alone.
func (c *Coordinator) SetPhase(ctx context.Context, rootID, phase, reason string) error {
	if !validPhases[phase] {
		return &errs.ValidationError{Subject: "set_phase", Err: fmt.Errorf("unknown phase %q", phase)}
	}

	c.mu.Lock()
	cs, ok := c.conversations[rootID]
	if !ok {
		c.mu.Unlock()
		return &errs.ValidationError{Subject: "set_phase", Err: fmt.Errorf("unknown conversation %q", rootID)}
	}
	cs.phase = phase
	cs.pendingPhaseTag = phase
	c.mu.Unlock()

	c.log.Info(ctx, "conversation phase transition", "root", rootID, "phase", phase, "reason", reason)
	return nil
}

// ConsumePendingPhaseTag returns and clears the phase tag queued for the
// next outbound reply in rootID's conversation, if any.
func (c *Coordinator) ConsumePendingPhaseTag(rootID string) (phase string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, exists := c.conversations[rootID]
	if !exists || cs.pendingPhaseTag == "" {
		return "", false
	}
	phase, cs.pendingPhaseTag = cs.pendingPhaseTag, ""
	return phase, true
}

// ThreadFor produces the message sequence an agent sees when it wakes on
// eventID (spec.md §4.6): ancestors from eventID to the root, spliced
// with sibling subtrees viewerPubkey is addressed in, then pruned to
// maxTokens if one is configured. pendingSummaries lets callers (the
// executor, via DelegationRegistry) attach delegation-completion
// summaries the viewer is waiting on without this package depending on
// internal/delegation.
func (c *Coordinator) ThreadFor(eventID, viewerPubkey string, pendingSummaries []Message) ([]Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rootID, ok := c.nodeIndex[eventID]
	if !ok {
		return nil, &errs.ValidationError{Subject: "thread_for", Err: fmt.Errorf("unknown event %q", eventID)}
	}
	cs := c.conversations[rootID]

	ancestors := ancestorChain(cs, eventID)
	ancestorSet := make(map[string]bool, len(ancestors))
	for _, n := range ancestors {
		ancestorSet[n.eventID] = true
	}

	var extras []*node
	for _, id := range cs.order {
		if ancestorSet[id] {
			continue
		}
		n := cs.nodes[id]
		if containsPubkey(n.mentions, viewerPubkey) {
			extras = append(extras, n)
		}
	}

	all := append(ancestors, extras...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].createdAt.Before(all[j].createdAt) })

	msgs := make([]Message, 0, len(all)+len(pendingSummaries))
	for _, n := range all {
		role := RoleUser
		if n.pubkey == viewerPubkey {
			role = RoleAssistant
		}
		msgs = append(msgs, Message{
			Role:         role,
			Content:      n.content,
			AuthorPubkey: n.pubkey,
			EventID:      n.eventID,
			CreatedAt:    n.createdAt,
			Phase:        n.phase,
		})
	}
	msgs = append(msgs, pendingSummaries...)

	if c.maxTokens > 0 {
		pendingIDs := make(map[string]bool, len(pendingSummaries))
		for _, m := range pendingSummaries {
			pendingIDs[m.EventID] = true
		}
		msgs = prune(msgs, c.maxTokens, c.recentTurns, viewerPubkey, pendingIDs)
	}

	return msgs, nil
}

func ancestorChain(cs *conversationState, eventID string) []*node {
	var chain []*node
	cur := eventID
	seen := make(map[string]bool)
	for cur != "" && !seen[cur] {
		seen[cur] = true
		n, ok := cs.nodes[cur]
		if !ok {
			break
		}
		chain = append(chain, n)
		cur = n.parentID
	}
	// chain is leaf-to-root; reverse to root-to-leaf.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

func containsPubkey(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}

// estimateTokens is a coarse heuristic (~4 chars/token); good enough to
// decide when to prune without depending on a model-specific tokenizer.
func estimateTokens(s string) int { return (len(s) + 3) / 4 }

// prune collapses older ancestors once the thread exceeds maxTokens,
// always preserving the root, the most recent recentTurns messages, any
// message the viewer authored, and any message tied to a still-pending
// delegation (spec.md §4.6).
func prune(msgs []Message, maxTokens, recentTurns int, viewerPubkey string, pendingDelegationEventIDs map[string]bool) []Message {
	total := 0
	for _, m := range msgs {
		total += estimateTokens(m.Content)
	}
	if total <= maxTokens || len(msgs) <= 1 {
		return msgs
	}

	keep := make([]bool, len(msgs))
	keep[0] = true // root
	for i := len(msgs) - 1; i >= 0 && i >= len(msgs)-recentTurns; i-- {
		keep[i] = true
	}
	for i, m := range msgs {
		if m.AuthorPubkey == viewerPubkey || pendingDelegationEventIDs[m.EventID] {
			keep[i] = true
		}
	}

	out := make([]Message, 0, len(msgs))
	summarized := 0
	flushSummary := func() {
		if summarized == 0 {
			return
		}
		out = append(out, Message{
			Role:         RoleSystem,
			Content:      fmt.Sprintf("[%d earlier message(s) summarized to fit the conversation budget]", summarized),
			AuthorPubkey: "system",
		})
		summarized = 0
	}

	for i, m := range msgs {
		if keep[i] {
			flushSummary()
			out = append(out, m)
			continue
		}
		summarized++
	}
	flushSummary()
	return out
}

// Flush persists every loaded conversation's current tree, called on
// ProjectRuntime teardown.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.mu.Lock()
	snapshots := make([]store.ConversationSnapshot, 0, len(c.conversations))
	for _, cs := range c.conversations {
		snapshots = append(snapshots, toSnapshot(cs))
	}
	c.mu.Unlock()

	for _, snap := range snapshots {
		if err := c.st.SaveConversation(ctx, snap); err != nil {
			return err
		}
	}
	return nil
}

func toSnapshot(cs *conversationState) store.ConversationSnapshot {
	participants := make([]string, 0, len(cs.participants))
	for p := range cs.participants {
		participants = append(participants, p)
	}
	sort.Strings(participants)

	nodes := make([]store.ConversationNode, 0, len(cs.order))
	for _, id := range cs.order {
		n := cs.nodes[id]
		nodes = append(nodes, store.ConversationNode{
			EventID:   n.eventID,
			ParentID:  n.parentID,
			PubKey:    n.pubkey,
			Content:   n.content,
			CreatedAt: n.createdAt,
			Mentions:  n.mentions,
			Phase:     n.phase,
		})
	}

	return store.ConversationSnapshot{
		RootID:       cs.rootID,
		Phase:        cs.phase,
		Participants: participants,
		Summary:      cs.summary,
		LastActivity: cs.lastActivity,
		Nodes:        nodes,
	}
}
