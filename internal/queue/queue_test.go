package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()

	q, err := New(t.TempDir())
	require.NoError(t, err)
	return q
}

func TestDraftsFIFO(t *testing.T) {
	q := newTestQueue(t)

	require.NoError(t, q.PushDraft([]byte("a")))
	require.NoError(t, q.PushDraft([]byte("b")))

	blobs, err := q.PopDrafts()
	require.NoError(t, err)
	require.Len(t, blobs, 2)
	assert.Equal(t, []byte("a"), blobs[0])
	assert.Equal(t, []byte("b"), blobs[1])
}

func TestPopDrains(t *testing.T) {
	q := newTestQueue(t)

	require.NoError(t, q.PushOutbox([]byte("x")))
	assert.Equal(t, 1, q.Size(KindOutbox))

	blobs, err := q.PopOutbox()
	require.NoError(t, err)
	assert.Len(t, blobs, 1)

	assert.Equal(t, 0, q.Size(KindOutbox))

	blobs, err = q.PopOutbox()
	require.NoError(t, err)
	assert.Empty(t, blobs)
}

func TestSubQueuesAreIndependent(t *testing.T) {
	q := newTestQueue(t)

	require.NoError(t, q.PushDraft([]byte("draft")))
	require.NoError(t, q.PushOutbox([]byte("outbox")))
	require.NoError(t, q.PushComposeBackup([]byte("backup")))

	assert.Equal(t, 1, q.Size(KindDraft))
	assert.Equal(t, 1, q.Size(KindOutbox))
	assert.Equal(t, 1, q.Size(KindComposeBackup))

	blobs, err := q.PopComposeBackups()
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	assert.Equal(t, []byte("backup"), blobs[0])

	assert.Equal(t, 1, q.Size(KindDraft))
	assert.Equal(t, 1, q.Size(KindOutbox))
}

func TestOrderSurvivesDrainAndRefill(t *testing.T) {
	q := newTestQueue(t)

	require.NoError(t, q.PushDraft([]byte("1")))
	require.NoError(t, q.PushDraft([]byte("2")))

	_, err := q.PopDrafts()
	require.NoError(t, err)

	require.NoError(t, q.PushDraft([]byte("3")))
	require.NoError(t, q.PushDraft([]byte("4")))

	blobs, err := q.PopDrafts()
	require.NoError(t, err)
	require.Len(t, blobs, 2)
	assert.Equal(t, []byte("3"), blobs[0])
	assert.Equal(t, []byte("4"), blobs[1])
}

func TestManyEntriesKeepNumericOrder(t *testing.T) {
	q := newTestQueue(t)

	// Past ten entries, lexical file ordering would interleave 10
	// before 2; numeric ordering must not.
	for i := 0; i < 12; i++ {
		require.NoError(t, q.PushDraft([]byte{byte('a' + i)}))
	}

	blobs, err := q.PopDrafts()
	require.NoError(t, err)
	require.Len(t, blobs, 12)
	for i := 0; i < 12; i++ {
		assert.Equal(t, []byte{byte('a' + i)}, blobs[i])
	}
}
