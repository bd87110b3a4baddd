package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailterm/internal/model"
)

func newTestStore(t *testing.T, encrypt bool) *Store {
	t.Helper()

	s, err := NewStore(t.TempDir(), encrypt, "testpass")
	require.NoError(t, err)
	return s
}

func testHeader(subject string) model.Header {
	h := model.Header{
		MessageID: "<" + subject + "@x.test>",
		From:      []string{"Alice <alice@x.test>"},
		To:        []string{"bob@x.test"},
		Subject:   subject,
	}
	h.SetDate(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	return h
}

func TestUidsMissThenRoundTrip(t *testing.T) {
	s := newTestStore(t, false)

	_, ok := s.GetUids("INBOX")
	assert.False(t, ok)

	s.PutUids("INBOX", []uint32{3, 1, 2})

	uids, ok := s.GetUids("INBOX")
	require.True(t, ok)
	assert.Equal(t, []uint32{1, 2, 3}, uids)
}

func TestHeaderRoundTrip(t *testing.T) {
	s := newTestStore(t, false)

	_, ok := s.GetHeader("INBOX", 7)
	assert.False(t, ok)

	want := testHeader("hello")
	s.PutHeader("INBOX", 7, want)

	got, ok := s.GetHeader("INBOX", 7)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestFlagsRoundTrip(t *testing.T) {
	s := newTestStore(t, false)

	_, ok := s.GetFlags("INBOX", 7)
	assert.False(t, ok)

	s.PutFlags("INBOX", 7, model.FlagSeen|model.FlagAnswered)
	s.PutFlags("INBOX", 8, model.FlagFlagged)

	f, ok := s.GetFlags("INBOX", 7)
	require.True(t, ok)
	assert.True(t, f.Seen())
	assert.True(t, f.Answered())
	assert.False(t, f.Flagged())

	all, ok := s.AllFlags("INBOX")
	require.True(t, ok)
	assert.Len(t, all, 2)
}

func TestBodyRoundTrip(t *testing.T) {
	s := newTestStore(t, false)

	want := model.Body{
		Raw:  []byte("raw message"),
		Text: "raw message",
	}
	s.PutBody("INBOX", 9, want)

	got, ok := s.GetBody("INBOX", 9)
	require.True(t, ok)
	assert.Equal(t, want.Raw, got.Raw)
	assert.Equal(t, want.Text, got.Text)
}

func TestRemoveMessages(t *testing.T) {
	s := newTestStore(t, false)

	s.PutUids("INBOX", []uint32{1, 2, 3})
	for _, uid := range []uint32{1, 2, 3} {
		s.PutHeader("INBOX", uid, testHeader("m"))
		s.PutFlags("INBOX", uid, model.FlagSeen)
		s.PutBody("INBOX", uid, model.Body{Raw: []byte("x")})
	}

	s.RemoveMessages("INBOX", []uint32{2})

	uids, ok := s.GetUids("INBOX")
	require.True(t, ok)
	assert.Equal(t, []uint32{1, 3}, uids)

	_, ok = s.GetHeader("INBOX", 2)
	assert.False(t, ok)
	_, ok = s.GetFlags("INBOX", 2)
	assert.False(t, ok)
	_, ok = s.GetBody("INBOX", 2)
	assert.False(t, ok)

	_, ok = s.GetHeader("INBOX", 1)
	assert.True(t, ok)
}

func TestRenameFolder(t *testing.T) {
	s := newTestStore(t, false)

	s.PutUids("Old", []uint32{5})
	s.PutHeader("Old", 5, testHeader("kept"))

	s.Rename("Old", "New")

	_, ok := s.GetUids("Old")
	assert.False(t, ok)

	uids, ok := s.GetUids("New")
	require.True(t, ok)
	assert.Equal(t, []uint32{5}, uids)

	h, ok := s.GetHeader("New", 5)
	require.True(t, ok)
	assert.Equal(t, "kept", h.Subject)
}

func TestRenameMissingFolderIsNoop(t *testing.T) {
	s := newTestStore(t, false)
	s.Rename("Nope", "Other")

	_, ok := s.GetUids("Other")
	assert.False(t, ok)
}

func TestValidityChangeWipesFolder(t *testing.T) {
	s := newTestStore(t, false)

	s.PutUids("INBOX", []uint32{1})
	s.PutHeader("INBOX", 1, testHeader("old epoch"))

	assert.False(t, s.CheckValidity("INBOX", 100))
	assert.True(t, s.CheckValidity("INBOX", 100))

	// New epoch invalidates everything cached for the folder.
	assert.False(t, s.CheckValidity("INBOX", 101))
	_, ok := s.GetHeader("INBOX", 1)
	assert.False(t, ok)
}

func TestEncryptedRoundTrip(t *testing.T) {
	s := newTestStore(t, true)

	want := testHeader("sealed")
	s.PutHeader("INBOX", 3, want)
	s.PutBody("INBOX", 3, model.Body{Raw: []byte("sealed body")})

	got, ok := s.GetHeader("INBOX", 3)
	require.True(t, ok)
	assert.Equal(t, want, got)

	body, ok := s.GetBody("INBOX", 3)
	require.True(t, ok)
	assert.Equal(t, []byte("sealed body"), body.Raw)
}

func TestEncryptedWrongPasswordIsMiss(t *testing.T) {
	dir := t.TempDir()

	s, err := NewStore(dir, true, "first")
	require.NoError(t, err)
	s.PutHeader("INBOX", 1, testHeader("secret"))

	other, err := NewStore(dir, true, "second")
	require.NoError(t, err)

	_, ok := other.GetHeader("INBOX", 1)
	assert.False(t, ok)
}

func TestCorruptedBlobIsMiss(t *testing.T) {
	dir := t.TempDir()

	s, err := NewStore(dir, true, "pass")
	require.NoError(t, err)
	s.PutHeader("INBOX", 1, testHeader("secret"))

	// Flip bytes in the stored header blob.
	headerPath := filepath.Join(s.folderDir("INBOX"), "headers", "1")
	data, err := os.ReadFile(headerPath)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(headerPath, data, 0o600))

	// A fresh store avoids the in-memory body cache.
	fresh, err := NewStore(dir, true, "pass")
	require.NoError(t, err)

	_, ok := fresh.GetHeader("INBOX", 1)
	assert.False(t, ok)
}

func TestChangePass(t *testing.T) {
	dir := t.TempDir()

	s, err := NewStore(dir, true, "old")
	require.NoError(t, err)
	s.PutHeader("INBOX", 1, testHeader("kept across rekey"))

	require.NoError(t, s.ChangePass("old", "new"))

	reopened, err := NewStore(dir, true, "new")
	require.NoError(t, err)

	h, ok := reopened.GetHeader("INBOX", 1)
	require.True(t, ok)
	assert.Equal(t, "kept across rekey", h.Subject)
}

func TestFolders(t *testing.T) {
	s := newTestStore(t, false)

	s.PutUids("INBOX", []uint32{1})
	s.PutUids("Sent", []uint32{2})

	assert.Equal(t, []string{"INBOX", "Sent"}, s.Folders())
}

func TestClear(t *testing.T) {
	s := newTestStore(t, false)

	s.PutUids("INBOX", []uint32{1})
	require.NoError(t, s.Clear())

	_, ok := s.GetUids("INBOX")
	assert.False(t, ok)
	assert.Empty(t, s.Folders())
}
