// Package mongo is the opt-in, multi-node Store backend: it persists the
// dedup set and delegation snapshots in MongoDB collections instead of a
// local project directory, so several daemon instances can share project
// state (selected by config.StoreBackend == "mongo"). It mirrors the
// teacher's features/session/mongo dual in-memory/Mongo store pattern,
// including its collection/singleResult seam for testing without a live
// database.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/tenex-sh/tenexd/internal/errs"
	"github.com/tenex-sh/tenexd/internal/store"
)

const (
	defaultDedupCollection        = "tenexd_processed_events"
	defaultDelegationCollection   = "tenexd_delegations"
	defaultConversationCollection = "tenexd_conversations"
	defaultOpTimeout              = 5 * time.Second
)

// Options configures the Mongo-backed Store.
type Options struct {
	Client                 *mongodriver.Client
	Database               string
	ProjectID              string
	DedupCollection        string
	DelegationCollection   string
	ConversationCollection string
	Timeout                time.Duration
}

// Store is a store.Store backed by MongoDB, scoped to one project via
// ProjectID.
type Store struct {
	client    *mongodriver.Client
	projectID string
	dedup     collection
	delegs    collection
	convs     collection
	timeout   time.Duration
}

type processedDoc struct {
	ProjectID string    `bson:"project_id"`
	EventID   string    `bson:"event_id"`
	MarkedAt  time.Time `bson:"marked_at"`
}

type delegationDoc struct {
	ProjectID   string                   `bson:"project_id"`
	Delegations []store.DelegationRecord `bson:"delegations"`
	SavedAt     time.Time                `bson:"saved_at"`
}

type conversationDoc struct {
	ProjectID    string                      `bson:"project_id"`
	RootID       string                      `bson:"root_id"`
	Phase        string                      `bson:"phase"`
	Participants []string                    `bson:"participants"`
	Summary      string                      `bson:"summary,omitempty"`
	LastActivity time.Time                   `bson:"last_activity"`
	Nodes        []store.ConversationNode    `bson:"nodes"`
}

// New builds a Store from opts, ensuring the per-project dedup index
// exists.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, &errs.FatalError{Reason: "mongo store: client is required"}
	}
	if opts.Database == "" {
		return nil, &errs.FatalError{Reason: "mongo store: database name is required"}
	}
	if opts.ProjectID == "" {
		return nil, &errs.FatalError{Reason: "mongo store: project id is required"}
	}

	dedupName := opts.DedupCollection
	if dedupName == "" {
		dedupName = defaultDedupCollection
	}
	delegName := opts.DelegationCollection
	if delegName == "" {
		delegName = defaultDelegationCollection
	}
	convName := opts.ConversationCollection
	if convName == "" {
		convName = defaultConversationCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	dedup := mongoCollection{coll: db.Collection(dedupName)}
	delegs := mongoCollection{coll: db.Collection(delegName)}
	convs := mongoCollection{coll: db.Collection(convName)}

	idxCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ensureDedupIndex(idxCtx, dedup); err != nil {
		return nil, &errs.FatalError{Reason: "mongo store: create dedup index", Err: err}
	}

	return newStoreWithCollections(opts.Client, opts.ProjectID, dedup, delegs, convs, timeout), nil
}

func newStoreWithCollections(client *mongodriver.Client, projectID string, dedup, delegs, convs collection, timeout time.Duration) *Store {
	return &Store{client: client, projectID: projectID, dedup: dedup, delegs: delegs, convs: convs, timeout: timeout}
}

func ensureDedupIndex(ctx context.Context, dedup collection) error {
	_, err := dedup.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "project_id", Value: 1}, {Key: "event_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Seen reports whether id has a matching processed-event document.
func (s *Store) Seen(ctx context.Context, id string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.dedup.FindOne(ctx, bson.M{"project_id": s.projectID, "event_id": id}).Err()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, mongodriver.ErrNoDocuments):
		return false, nil
	default:
		return false, &errs.TransportError{Op: "mongo seen", Err: err}
	}
}

// Mark upserts a processed-event document via $setOnInsert, making it
// naturally idempotent: re-marking an existing ID is a no-op write.
func (s *Store) Mark(ctx context.Context, id string) error {
	_, err := s.upsertProcessed(ctx, id)
	if err != nil {
		return &errs.TransportError{Op: "mongo mark", Err: err}
	}
	return nil
}

// MarkIfUnseen relies on the upsert's UpsertedCount to report whether
// this call is the one that actually created the document, making
// (seen, mark) atomic per ID as spec.md §4.2 requires.
func (s *Store) MarkIfUnseen(ctx context.Context, id string) (bool, error) {
	res, err := s.upsertProcessed(ctx, id)
	if err != nil {
		return false, &errs.TransportError{Op: "mongo mark_if_unseen", Err: err}
	}
	return res.UpsertedCount > 0, nil
}

func (s *Store) upsertProcessed(ctx context.Context, id string) (*mongodriver.UpdateResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"project_id": s.projectID, "event_id": id}
	update := bson.M{"$setOnInsert": processedDoc{ProjectID: s.projectID, EventID: id, MarkedAt: time.Now().UTC()}}
	return s.dedup.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
}

// LoadDelegations returns the latest delegation snapshot document.
func (s *Store) LoadDelegations(ctx context.Context, projectID string) (store.DelegationSnapshot, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc delegationDoc
	res := s.delegs.FindOne(ctx, bson.M{"project_id": projectID})
	if err := res.Err(); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.DelegationSnapshot{}, store.ErrNotFound
		}
		return store.DelegationSnapshot{}, &errs.TransportError{Op: "mongo load_delegations", Err: err}
	}
	if err := res.Decode(&doc); err != nil {
		return store.DelegationSnapshot{}, &errs.TransportError{Op: "mongo load_delegations decode", Err: err}
	}
	return store.DelegationSnapshot{ProjectID: doc.ProjectID, Delegations: doc.Delegations, SavedAt: doc.SavedAt}, nil
}

// SaveDelegations upserts the delegation snapshot document for the
// snapshot's project.
func (s *Store) SaveDelegations(ctx context.Context, snapshot store.DelegationSnapshot) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"project_id": snapshot.ProjectID}
	update := bson.M{"$set": delegationDoc{
		ProjectID:   snapshot.ProjectID,
		Delegations: snapshot.Delegations,
		SavedAt:     snapshot.SavedAt,
	}}
	if _, err := s.delegs.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return &errs.TransportError{Op: "mongo save_delegations", Err: err}
	}
	return nil
}

// LoadConversation returns the conversation document for rootID within
// this store's project.
func (s *Store) LoadConversation(ctx context.Context, rootID string) (store.ConversationSnapshot, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc conversationDoc
	res := s.convs.FindOne(ctx, bson.M{"project_id": s.projectID, "root_id": rootID})
	if err := res.Err(); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.ConversationSnapshot{}, store.ErrNotFound
		}
		return store.ConversationSnapshot{}, &errs.TransportError{Op: "mongo load_conversation", Err: err}
	}
	if err := res.Decode(&doc); err != nil {
		return store.ConversationSnapshot{}, &errs.TransportError{Op: "mongo load_conversation decode", Err: err}
	}
	return store.ConversationSnapshot{
		RootID:       doc.RootID,
		Phase:        doc.Phase,
		Participants: doc.Participants,
		Summary:      doc.Summary,
		LastActivity: doc.LastActivity,
		Nodes:        doc.Nodes,
	}, nil
}

// SaveConversation upserts the conversation document for
// snapshot.RootID within this store's project.
func (s *Store) SaveConversation(ctx context.Context, snapshot store.ConversationSnapshot) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"project_id": s.projectID, "root_id": snapshot.RootID}
	update := bson.M{"$set": conversationDoc{
		ProjectID:    s.projectID,
		RootID:       snapshot.RootID,
		Phase:        snapshot.Phase,
		Participants: snapshot.Participants,
		Summary:      snapshot.Summary,
		LastActivity: snapshot.LastActivity,
		Nodes:        snapshot.Nodes,
	}}
	if _, err := s.convs.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return &errs.TransportError{Op: "mongo save_conversation", Err: err}
	}
	return nil
}

// ListConversations scans every conversation document for this project
// and returns its root IDs, for rehydration on ProjectRuntime startup.
func (s *Store) ListConversations(ctx context.Context) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.convs.Find(ctx, bson.M{"project_id": s.projectID})
	if err != nil {
		return nil, &errs.TransportError{Op: "mongo list_conversations", Err: err}
	}
	defer cur.Close(ctx)

	var roots []string
	for cur.Next(ctx) {
		var doc conversationDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, &errs.TransportError{Op: "mongo list_conversations decode", Err: err}
		}
		roots = append(roots, doc.RootID)
	}
	if err := cur.Err(); err != nil {
		return nil, &errs.TransportError{Op: "mongo list_conversations cursor", Err: err}
	}
	return roots, nil
}

// Close disconnects the underlying Mongo client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

var _ store.Store = (*Store)(nil)
