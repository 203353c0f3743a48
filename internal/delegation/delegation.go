// Package delegation implements the DelegationRegistry (spec.md §4.5):
// tracking outstanding delegations, correlating completion replies back
// to waiting agent turns, and persisting state across restarts.
package delegation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tenex-sh/tenexd/internal/errs"
	"github.com/tenex-sh/tenexd/internal/relay"
	"github.com/tenex-sh/tenexd/internal/store"
	"github.com/tenex-sh/tenexd/internal/telemetry"
)

// Status values for a delegation and its per-recipient results.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimedOut  = "timed_out"
	StatusOrphaned  = "orphaned"
)

// DefaultTimeout is spec.md §4.5's default await timeout (10 minutes).
const DefaultTimeout = 10 * time.Minute

const debounceInterval = 100 * time.Millisecond

// RegisterInput is the argument to Register.
type RegisterInput struct {
	Delegator      string
	Recipients     []string
	ConversationID string
	RequestEventID string
	Phase          string // non-empty marks this a phase-transition delegation
}

// Result is one recipient's outcome within a delegation.
type Result struct {
	RecipientPubkey string
	Content         string
	Status          string
	RepliedAt       time.Time
}

// DelegationResult is returned by Await: the final state of every
// recipient once the delegation completes, is cancelled, or times out.
type DelegationResult struct {
	DelegationID string
	Results      []Result
}

type entry struct {
	record  store.DelegationRecord
	waiters []chan struct{}
}

// Registry tracks outstanding delegations for one project. It is
// single-writer per ProjectRuntime (spec.md §5); readers outside the
// runtime are not permitted.
type Registry struct {
	projectID string
	st        store.Store
	log       telemetry.Logger

	mu      sync.Mutex
	entries map[string]*entry

	saveMu      sync.Mutex
	savePending bool
	saveTimer   *time.Timer
}

// New builds a Registry for projectID backed by st. Callers should call
// Load immediately after to rehydrate any in-flight delegations.
func New(projectID string, st store.Store, log telemetry.Logger) *Registry {
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	return &Registry{
		projectID: projectID,
		st:        st,
		log:       log,
		entries:   make(map[string]*entry),
	}
}

// Load rehydrates in-flight delegations from the store. Any pending
// delegation found on disk has no in-memory waiter (the process just
// started), so it is immediately marked orphaned and logged as a
// warning, per spec.md §4.5.
func (r *Registry) Load(ctx context.Context) error {
	snap, err := r.st.LoadDelegations(ctx, r.projectID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range snap.Delegations {
		if rec.Status == StatusPending {
			rec.Status = StatusOrphaned
			r.log.Warn(ctx, "delegation orphaned on restart", "delegation_id", rec.DelegationID, "project", r.projectID)
		}
		r.entries[rec.DelegationID] = &entry{record: rec}
	}
	return nil
}

// Register creates a new outstanding delegation and returns its ID. It
// does not wait for completion. Self-delegation is rejected unless
// phase is set (phase-transition delegations are exempt, spec.md §3/§8
// invariant 5).
func (r *Registry) Register(ctx context.Context, in RegisterInput) (string, error) {
	if in.Phase == "" {
		for _, recipient := range in.Recipients {
			if recipient == in.Delegator {
				return "", &errs.SelfDelegationError{Agent: in.Delegator}
			}
		}
	}
	if len(in.Recipients) == 0 {
		return "", &errs.ValidationError{Subject: "delegation register", Err: fmt.Errorf("at least one recipient is required")}
	}

	id := uuid.NewString()
	pending := append([]string(nil), in.Recipients...)

	rec := store.DelegationRecord{
		DelegationID:      id,
		DelegatorPubkey:   in.Delegator,
		RecipientPubkeys:  append([]string(nil), in.Recipients...),
		ConversationID:    in.ConversationID,
		RequestEventID:    in.RequestEventID,
		Phase:             in.Phase,
		CreatedAt:         time.Now().UTC(),
		PendingRecipients: pending,
		Status:            StatusPending,
	}

	r.mu.Lock()
	r.entries[id] = &entry{record: rec}
	r.mu.Unlock()

	r.scheduleSave(ctx)
	return id, nil
}

// Await blocks until every recipient of delegationID has replied, the
// timeout elapses, or ctx is cancelled. On timeout, remaining pending
// recipients are marked timed_out (not cancelled remotely — best
// effort, per spec.md §4.5).
func (r *Registry) Await(ctx context.Context, delegationID string, timeout time.Duration) (DelegationResult, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	r.mu.Lock()
	e, ok := r.entries[delegationID]
	if !ok {
		r.mu.Unlock()
		return DelegationResult{}, &errs.ValidationError{Subject: "delegation await", Err: fmt.Errorf("unknown delegation %q", delegationID)}
	}
	if len(e.record.PendingRecipients) == 0 {
		r.mu.Unlock()
		return r.resultLocked(delegationID), nil
	}
	wake := make(chan struct{})
	e.waiters = append(e.waiters, wake)
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-wake:
		r.mu.Lock()
		res := r.resultLocked(delegationID)
		r.mu.Unlock()
		return res, nil
	case <-timer.C:
		r.timeoutRemaining(ctx, delegationID)
		r.mu.Lock()
		res := r.resultLocked(delegationID)
		r.mu.Unlock()
		return res, &errs.TimeoutError{Op: "delegation await", Timeout: timeout.String()}
	case <-ctx.Done():
		r.mu.Lock()
		res := r.resultLocked(delegationID)
		r.mu.Unlock()
		return res, ctx.Err()
	}
}

func (r *Registry) resultLocked(delegationID string) DelegationResult {
	e, ok := r.entries[delegationID]
	if !ok {
		return DelegationResult{DelegationID: delegationID}
	}
	results := make([]Result, 0, len(e.record.Results))
	for _, rec := range e.record.Results {
		results = append(results, Result{
			RecipientPubkey: rec.RecipientPubkey,
			Content:         rec.Content,
			Status:          rec.Status,
			RepliedAt:       rec.RepliedAt,
		})
	}
	return DelegationResult{DelegationID: delegationID, Results: results}
}

func (r *Registry) timeoutRemaining(ctx context.Context, delegationID string) {
	r.mu.Lock()
	e, ok := r.entries[delegationID]
	if !ok {
		r.mu.Unlock()
		return
	}
	for _, recipient := range e.record.PendingRecipients {
		e.record.Results = upsertResult(e.record.Results, Result{
			RecipientPubkey: recipient,
			Status:          StatusTimedOut,
			RepliedAt:       time.Now().UTC(),
		})
	}
	e.record.PendingRecipients = nil
	e.record.Status = StatusTimedOut
	r.mu.Unlock()

	r.scheduleSave(ctx)
}

// OnReply is called by the EventRouter when an inbound event's q-tag
// references a delegation request being awaited. It removes the
// replier from pending_recipients and records the result. Duplicate
// replies (a recipient already removed from pending) are ignored.
func (r *Registry) OnReply(ctx context.Context, delegationID string, ev relay.Event) error {
	r.mu.Lock()
	e, ok := r.entries[delegationID]
	if !ok {
		r.mu.Unlock()
		return &errs.ValidationError{Subject: "delegation reply", Err: fmt.Errorf("unknown delegation %q", delegationID)}
	}

	idx := indexOf(e.record.PendingRecipients, ev.PubKey)
	if idx == -1 {
		r.mu.Unlock()
		return nil // duplicate reply, ignored
	}

	e.record.PendingRecipients = append(e.record.PendingRecipients[:idx], e.record.PendingRecipients[idx+1:]...)
	e.record.Results = upsertResult(e.record.Results, Result{
		RecipientPubkey: ev.PubKey,
		Content:         ev.Content,
		Status:          StatusCompleted,
		RepliedAt:       ev.CreatedAt,
	})

	if len(e.record.PendingRecipients) == 0 {
		e.record.Status = StatusCompleted
		waiters := e.waiters
		e.waiters = nil
		r.mu.Unlock()
		for _, w := range waiters {
			close(w)
		}
	} else {
		r.mu.Unlock()
	}

	r.scheduleSave(ctx)
	return nil
}

func indexOf(items []string, target string) int {
	for i, item := range items {
		if item == target {
			return i
		}
	}
	return -1
}

func upsertResult(results []Result, next Result) []Result {
	for i, r := range results {
		if r.RecipientPubkey == next.RecipientPubkey {
			results[i] = next
			return results
		}
	}
	return append(results, Result{
		RecipientPubkey: next.RecipientPubkey,
		Content:         next.Content,
		Status:          next.Status,
		RepliedAt:       next.RepliedAt,
	})
}

// PendingCount reports how many delegations currently have at least one
// pending recipient, used by ProjectRuntime to decide teardown eligibility.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if len(e.record.PendingRecipients) > 0 {
			n++
		}
	}
	return n
}

// PendingRecipients returns a copy of the recipients still outstanding for
// delegationID, or nil if it doesn't exist. Used by ProjectRuntime status
// reporting and by tests asserting the pending set only ever shrinks.
func (r *Registry) PendingRecipients(delegationID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[delegationID]
	if !ok {
		return nil
	}
	out := make([]string, len(e.record.PendingRecipients))
	copy(out, e.record.PendingRecipients)
	return out
}

// scheduleSave debounces persistence by debounceInterval (spec.md §4.5).
func (r *Registry) scheduleSave(ctx context.Context) {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	if r.savePending {
		return
	}
	r.savePending = true
	r.saveTimer = time.AfterFunc(debounceInterval, func() {
		r.saveMu.Lock()
		r.savePending = false
		r.saveMu.Unlock()
		if err := r.Flush(context.Background()); err != nil {
			r.log.Error(ctx, "delegation snapshot flush failed", "error", err, "project", r.projectID)
		}
	})
}

// Flush writes the current in-memory state to the store immediately,
// bypassing the debounce. Used on ProjectRuntime teardown.
func (r *Registry) Flush(ctx context.Context) error {
	r.mu.Lock()
	records := make([]store.DelegationRecord, 0, len(r.entries))
	for _, e := range r.entries {
		records = append(records, e.record)
	}
	r.mu.Unlock()

	return r.st.SaveDelegations(ctx, store.DelegationSnapshot{
		ProjectID:   r.projectID,
		Delegations: records,
		SavedAt:     time.Now().UTC(),
	})
}
