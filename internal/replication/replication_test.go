package replication

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suhailpatel/realm-core/internal/protocol"
)

func TestWriteThenRead_RoundTrips(t *testing.T) {
	e := New()
	v := e.Write("notes/a.md", []byte("hello"), 1, 1000)
	assert.EqualValues(t, 1, v)

	data, ok := e.Read("notes/a.md")
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))
}

func TestRead_MissingPathReturnsFalse(t *testing.T) {
	e := New()
	_, ok := e.Read("nope.md")
	assert.False(t, ok)
}

func TestList_ReturnsSortedPaths(t *testing.T) {
	e := New()
	e.Write("b.md", []byte("b"), 1, 1)
	e.Write("a.md", []byte("a"), 1, 2)
	assert.Equal(t, []string{"a.md", "b.md"}, e.List())
}

func TestUploadableChangesets_RespectsVersionWindow(t *testing.T) {
	e := New()
	e.Write("a.md", []byte("1"), 1, 1)
	e.Write("b.md", []byte("2"), 1, 2)
	e.Write("c.md", []byte("3"), 1, 3)

	changesets, err := e.UploadableChangesets(context.Background(), 1, 2)
	require.NoError(t, err)
	require.Len(t, changesets, 1)
	assert.EqualValues(t, 2, changesets[0].LastIntegratedLocalVersion)
}

func TestIntegrate_AppliesServerChangesetsAndAdvancesVersion(t *testing.T) {
	e := New()
	before := e.localVersion

	incoming := protocol.Changeset{
		RemoteVersion:   5,
		OriginFileIdent: 99,
		Data:            encodeChange("remote/note.md", []byte("server content")),
	}

	after, err := e.Integrate(context.Background(), []protocol.Changeset{incoming})
	require.NoError(t, err)
	assert.Greater(t, after, before)

	data, ok := e.Read("remote/note.md")
	require.True(t, ok)
	assert.Equal(t, "server content", string(data))
}

func TestHistoryStatus_DefaultsToNoResetPending(t *testing.T) {
	e := New()
	pending, err := e.HistoryStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestMarkClientResetPending_ReflectsInHistoryStatus(t *testing.T) {
	e := New()
	e.MarkClientResetPending()
	pending, err := e.HistoryStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, pending)
}

func TestRecoverFromFresh_DiscardClearsPendingAndResetFlag(t *testing.T) {
	e := New()
	e.Write("local.md", []byte("unsynced"), 1, 1)
	e.MarkClientResetPending()

	summary, err := e.RecoverFromFresh(context.Background(), "/data/vault.realm.fresh", true)
	require.NoError(t, err)
	assert.Contains(t, summary, "discarded")

	changesets, err := e.UploadableChangesets(context.Background(), 0, 1000)
	require.NoError(t, err)
	assert.Empty(t, changesets)

	pending, err := e.HistoryStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestRecoverFromFresh_NoDiscardPreservesPending(t *testing.T) {
	e := New()
	e.Write("local.md", []byte("unsynced"), 1, 1)

	summary, err := e.RecoverFromFresh(context.Background(), "/data/vault.realm.fresh", false)
	require.NoError(t, err)
	assert.Contains(t, summary, "merged")

	changesets, err := e.UploadableChangesets(context.Background(), 0, 1000)
	require.NoError(t, err)
	assert.Len(t, changesets, 1)
}
