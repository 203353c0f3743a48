// Package store defines the persistence contract for per-project durable
// state (spec.md §4.2, §4.5): the deduplication set and the delegation
// registry snapshot. Two backends implement Store: internal/store/filestore
// (the default, JSON-file-backed) and internal/store/mongo (opt-in, for
// multi-node deployments), mirroring the teacher's dual in-memory/Mongo
// feature stores (features/session/mongo, features/run/mongo).
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store.LoadDelegations when no snapshot has
// ever been written for a project.
var ErrNotFound = errors.New("store: not found")

// DelegationSnapshot is the serialized form of a DelegationRegistry,
// written on every mutation (debounced) and reloaded on ProjectRuntime
// startup.
type DelegationSnapshot struct {
	ProjectID   string               `json:"project_id" bson:"project_id"`
	Delegations []DelegationRecord   `json:"delegations" bson:"delegations"`
	SavedAt     time.Time            `json:"saved_at" bson:"saved_at"`
}

// DelegationRecord mirrors spec.md §3's delegation record shape.
type DelegationRecord struct {
	DelegationID    string             `json:"delegation_id" bson:"delegation_id"`
	DelegatorPubkey string             `json:"delegator_pubkey" bson:"delegator_pubkey"`
	RecipientPubkeys []string          `json:"recipient_pubkeys" bson:"recipient_pubkeys"`
	ConversationID  string             `json:"conversation_id" bson:"conversation_id"`
	RequestEventID  string             `json:"request_event_id" bson:"request_event_id"`
	Phase           string             `json:"phase,omitempty" bson:"phase,omitempty"`
	CreatedAt       time.Time          `json:"created_at" bson:"created_at"`
	PendingRecipients []string         `json:"pending_recipients" bson:"pending_recipients"`
	Results         []DelegationResult `json:"results" bson:"results"`
	Status          string             `json:"status" bson:"status"` // pending, completed, timed_out, orphaned
}

// DelegationResult is one recipient's reply to a delegation.
type DelegationResult struct {
	RecipientPubkey string    `json:"recipient_pubkey" bson:"recipient_pubkey"`
	Content         string    `json:"content" bson:"content"`
	Status          string    `json:"status" bson:"status"` // completed, failed, timed_out
	RepliedAt       time.Time `json:"replied_at" bson:"replied_at"`
}

// ConversationSnapshot is the serialized form of one conversation tree
// (spec.md §6: `conversations/{root}.json`).
type ConversationSnapshot struct {
	RootID       string            `json:"root_id" bson:"root_id"`
	Phase        string            `json:"phase" bson:"phase"`
	Participants []string          `json:"participants" bson:"participants"`
	Summary      string            `json:"summary,omitempty" bson:"summary,omitempty"`
	LastActivity time.Time         `json:"last_activity" bson:"last_activity"`
	Nodes        []ConversationNode `json:"nodes" bson:"nodes"`
}

// ConversationNode is one event within a conversation tree, stripped to
// the fields ConversationCoordinator needs to rebuild thread_for without
// depending on internal/relay.Event (keeps internal/store free of a
// dependency on internal/relay).
type ConversationNode struct {
	EventID   string    `json:"event_id" bson:"event_id"`
	ParentID  string    `json:"parent_id,omitempty" bson:"parent_id,omitempty"`
	PubKey    string    `json:"pubkey" bson:"pubkey"`
	Content   string    `json:"content" bson:"content"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	Mentions  []string  `json:"mentions,omitempty" bson:"mentions,omitempty"`
	Phase     string    `json:"phase,omitempty" bson:"phase,omitempty"`
}

// Store is the per-project persistence contract. Every method is scoped
// to a single project directory/collection; callers never share a Store
// instance across projects (ProjectRuntime owns exactly one).
type Store interface {
	// Seen reports whether id has already been marked processed.
	Seen(ctx context.Context, id string) (bool, error)
	// Mark records id as processed. Idempotent. The pair (Seen, Mark) is
	// atomic per ID as required by spec.md §4.2 — callers must use
	// MarkIfUnseen for check-then-act rather than composing Seen+Mark.
	Mark(ctx context.Context, id string) error
	// MarkIfUnseen atomically checks and marks id in one step, returning
	// true if this call is the first to mark it.
	MarkIfUnseen(ctx context.Context, id string) (firstSeen bool, err error)

	// LoadDelegations returns the last persisted snapshot for projectID,
	// or ErrNotFound if none exists.
	LoadDelegations(ctx context.Context, projectID string) (DelegationSnapshot, error)
	// SaveDelegations overwrites the persisted snapshot for projectID.
	SaveDelegations(ctx context.Context, snapshot DelegationSnapshot) error

	// LoadConversation returns the persisted tree rooted at rootID, or
	// ErrNotFound if none exists.
	LoadConversation(ctx context.Context, rootID string) (ConversationSnapshot, error)
	// SaveConversation overwrites the persisted tree rooted at
	// snapshot.RootID.
	SaveConversation(ctx context.Context, snapshot ConversationSnapshot) error
	// ListConversations returns the root IDs of every persisted
	// conversation, for rehydration on ProjectRuntime startup.
	ListConversations(ctx context.Context) ([]string, error)

	// Close releases any resources (file handles, network clients).
	Close(ctx context.Context) error
}
