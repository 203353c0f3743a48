package filestore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenex-sh/tenexd/internal/store"
	"github.com/tenex-sh/tenexd/internal/store/filestore"
)

func TestMarkIfUnseenIsAtomicPerID(t *testing.T) {
	s, err := filestore.Open(t.TempDir())
	require.NoError(t, err)

	first, err := s.MarkIfUnseen(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := s.MarkIfUnseen(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.False(t, second)
}

func TestSeenAfterMark(t *testing.T) {
	s, err := filestore.Open(t.TempDir())
	require.NoError(t, err)

	ok, err := s.Seen(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Mark(context.Background(), "evt-1"))

	ok, err = s.Seen(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDedupEvictsOldestBeyondCapacity(t *testing.T) {
	s, err := filestore.Open(t.TempDir(), filestore.WithCapacity(2))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Mark(ctx, "a"))
	require.NoError(t, s.Mark(ctx, "b"))
	require.NoError(t, s.Mark(ctx, "c"))

	aSeen, _ := s.Seen(ctx, "a")
	cSeen, _ := s.Seen(ctx, "c")
	assert.False(t, aSeen, "oldest entry should have been evicted")
	assert.True(t, cSeen)
}

func TestDedupPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := filestore.Open(dir)
	require.NoError(t, err)
	require.NoError(t, s1.Mark(ctx, "evt-1"))

	s2, err := filestore.Open(dir)
	require.NoError(t, err)
	ok, err := s2.Seen(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCorruptProcessedEventsIsQuarantined(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "processed-events.json"), []byte("{not json"), 0o644))

	s, err := filestore.Open(dir)
	require.NoError(t, err)

	ok, err := s.Seen(context.Background(), "anything")
	require.NoError(t, err)
	assert.False(t, ok)

	matches, _ := filepath.Glob(filepath.Join(dir, "processed-events.json.corrupt.*"))
	assert.Len(t, matches, 1)
}

func TestDelegationsRoundTrip(t *testing.T) {
	s, err := filestore.Open(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = s.LoadDelegations(ctx, "proj-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	snap := store.DelegationSnapshot{
		ProjectID: "proj-1",
		SavedAt:   time.Now(),
		Delegations: []store.DelegationRecord{
			{DelegationID: "d1", DelegatorPubkey: "pm", RecipientPubkeys: []string{"a1"}, PendingRecipients: []string{"a1"}, Status: "pending"},
		},
	}
	require.NoError(t, s.SaveDelegations(ctx, snap))

	loaded, err := s.LoadDelegations(ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, loaded.Delegations, 1)
	assert.Equal(t, "d1", loaded.Delegations[0].DelegationID)
}

func TestConversationRoundTripAndList(t *testing.T) {
	s, err := filestore.Open(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = s.LoadConversation(ctx, "root-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	snap := store.ConversationSnapshot{
		RootID:       "root-1",
		Phase:        "CHAT",
		Participants: []string{"pm"},
		LastActivity: time.Now(),
		Nodes: []store.ConversationNode{
			{EventID: "root-1", PubKey: "user", Content: "hello"},
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
