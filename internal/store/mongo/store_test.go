package mongo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/tenex-sh/tenexd/internal/store"
)

type fakeSingleResult struct {
	doc any
	err error
}

func (r fakeSingleResult) Err() error { return r.err }

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	switch typed := val.(type) {
	case *processedDoc:
		*typed = *(r.doc.(*processedDoc))
	case *delegationDoc:
		*typed = *(r.doc.(*delegationDoc))
	case *conversationDoc:
		*typed = *(r.doc.(*conversationDoc))
	default:
		return assertUnsupported()
	}
	return nil
}

func assertUnsupported() error { return mongodriver.ErrNoDocuments }

type fakeIndexView struct{ created int }

func (v *fakeIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	v.created++
	return "idx", nil
}

type fakeDedupCollection struct {
	mu    sync.Mutex
	docs  map[string]processedDoc
	index fakeIndexView
}

func newFakeDedupCollection() *fakeDedupCollection {
	return &fakeDedupCollection{docs: make(map[string]processedDoc)}
}

func (c *fakeDedupCollection) key(filter any) string {
	m := filter.(bson.M)
	return m["project_id"].(string) + "/" + m["event_id"].(string)
}

func (c *fakeDedupCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[c.key(filter)]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	copyDoc := doc
	return fakeSingleResult{doc: &copyDoc}
}

func (c *fakeDedupCollection) UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := c.key(filter)
	if _, exists := c.docs[key]; exists {
		return &mongodriver.UpdateResult{MatchedCount: 1}, nil
	}

	setOnInsert := update.(bson.M)["$setOnInsert"].(processedDoc)
	c.docs[key] = setOnInsert
	return &mongodriver.UpdateResult{UpsertedCount: 1}, nil
}

func (c *fakeDedupCollection) Indexes() indexView { return &c.index }

func (c *fakeDedupCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	return &fakeCursor{}, nil
}

type fakeDelegationCollection struct {
	mu   sync.Mutex
	docs map[string]delegationDoc
}

func newFakeDelegationCollection() *fakeDelegationCollection {
	return &fakeDelegationCollection{docs: make(map[string]delegationDoc)}
}

func (c *fakeDelegationCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	projectID := filter.(bson.M)["project_id"].(string)
	doc, ok := c.docs[projectID]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	copyDoc := doc
	return fakeSingleResult{doc: &copyDoc}
}

func (c *fakeDelegationCollection) UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	projectID := filter.(bson.M)["project_id"].(string)
	c.docs[projectID] = update.(bson.M)["$set"].(delegationDoc)
	return &mongodriver.UpdateResult{UpsertedCount: 1}, nil
}

func (c *fakeDelegationCollection) Indexes() indexView { return &fakeIndexView{} }

func (c *fakeDelegationCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	return &fakeCursor{}, nil
}

type fakeConversationCollection struct {
	mu   sync.Mutex
	docs map[string]conversationDoc
}

func newFakeConversationCollection() *fakeConversationCollection {
	return &fakeConversationCollection{docs: make(map[string]conversationDoc)}
}

func (c *fakeConversationCollection) key(filter any) string {
	m := filter.(bson.M)
	return m["project_id"].(string) + "/" + m["root_id"].(string)
}

func (c *fakeConversationCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[c.key(filter)]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	copyDoc := doc
	return fakeSingleResult{doc: &copyDoc}
}

func (c *fakeConversationCollection) UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs[c.key(filter)] = update.(bson.M)["$set"].(conversationDoc)
	return &mongodriver.UpdateResult{UpsertedCount: 1}, nil
}

func (c *fakeConversationCollection) Indexes() indexView { return &fakeIndexView{} }

func (c *fakeConversationCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	docs := make([]conversationDoc, 0, len(c.docs))
	for _, d := range c.docs {
		docs = append(docs, d)
	}
	return &fakeCursor{docs: docs}, nil
}

type fakeCursor struct {
	docs []conversationDoc
	pos  int
}

func (c *fakeCursor) Next(ctx context.Context) bool {
	if c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *fakeCursor) Decode(val any) error {
	typed := val.(*conversationDoc)
	*typed = c.docs[c.pos-1]
	return nil
}

func (c *fakeCursor) Err() error             { return nil }
func (c *fakeCursor) Close(ctx context.Context) error { return nil }

func TestMongoMarkIfUnseenAtomicPerID(t *testing.T) {
	dedup := newFakeDedupCollection()
	s := newStoreWithCollections(nil, "proj-1", dedup, newFakeDelegationCollection(), newFakeConversationCollection(), time.Second)

	first, err := s.MarkIfUnseen(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := s.MarkIfUnseen(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.False(t, second)
}

func TestMongoSeenAfterMark(t *testing.T) {
	dedup := newFakeDedupCollection()
	s := newStoreWithCollections(nil, "proj-1", dedup, newFakeDelegationCollection(), newFakeConversationCollection(), time.Second)

	ok, err := s.Seen(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Mark(context.Background(), "evt-1"))

	ok, err = s.Seen(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMongoDelegationsRoundTrip(t *testing.T) {
	delegs := newFakeDelegationCollection()
	s := newStoreWithCollections(nil, "proj-1", newFakeDedupCollection(), delegs, newFakeConversationCollection(), time.Second)

	ctx := context.Background()
	_, err := s.LoadDelegations(ctx, "proj-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	snap := store.DelegationSnapshot{
		ProjectID: "proj-1",
		SavedAt:   time.Now(),
		Delegations: []store.DelegationRecord{
			{DelegationID: "d1", Status: "pending"},
		},
	}
	require.NoError(t, s.SaveDelegations(ctx, snap))

	loaded, err := s.LoadDelegations(ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, loaded.Delegations, 1)
	assert.Equal(t, "d1", loaded.Delegations[0].DelegationID)
}

func TestEnsureDedupIndexCreatesIndex(t *testing.T) {
	dedup := newFakeDedupCollection()
	require.NoError(t, ensureDedupIndex(context.Background(), dedup))
	assert.Equal(t, 1, dedup.index.created)
}

func TestMongoConversationRoundTripAndList(t *testing.T) {
	convs := newFakeConversationCollection()
	s := newStoreWithCollections(nil, "proj-1", newFakeDedupCollection(), newFakeDelegationCollection(), convs, time.Second)

	ctx := context.Background()
	_, err := s.LoadConversation(ctx, "root-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	snap := store.ConversationSnapshot{
		RootID:       "root-1",
		Phase:        "CHAT",
		Participants: []string{"pm", "a1"},
		LastActivity: time.Now(),
		Nodes: []store.ConversationNode{
			{EventID: "root-1", PubKey: "user"},
		},
	}
	require.NoError(t, s.SaveConversation(ctx, snap))

	loaded, err := s.LoadConversation(ctx, "root-1")
	require.NoError(t, err)
	assert.Equal(t, "CHAT", loaded.Phase)
	require.Len(t, loaded.Nodes, 1)

	roots, err := s.ListConversations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"root-1"}, roots)
}
