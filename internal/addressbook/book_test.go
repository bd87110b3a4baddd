package addressbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBook(t *testing.T) *Book {
	t.Helper()

	b, err := Open(t.TempDir(), false, "")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := b.Close(); err != nil {
			t.Errorf("closing test book: %v", err)
		}
	})
	return b
}

func TestLookupOrderedByUsage(t *testing.T) {
	b := newTestBook(t)

	b.Add("<m1@x.test>", []string{"alice@x.test", "bob@x.test"})
	b.Add("<m2@x.test>", []string{"bob@x.test"})
	b.Add("<m3@x.test>", []string{"bob@x.test", "carol@x.test"})

	got := b.Lookup("")
	require.Len(t, got, 3)
	assert.Equal(t, "bob@x.test", got[0])
}

func TestLookupFiltersSubstringCaseInsensitive(t *testing.T) {
	b := newTestBook(t)

	b.Add("<m1@x.test>", []string{"Alice Smith <alice@x.test>", "bob@y.test"})

	got := b.Lookup("ALICE")
	require.Len(t, got, 1)
	assert.Equal(t, "Alice Smith <alice@x.test>", got[0])

	assert.Empty(t, b.Lookup("nobody"))
}

func TestDuplicateMessageIDIsSkipped(t *testing.T) {
	b := newTestBook(t)

	b.Add("<same@x.test>", []string{"alice@x.test"})
	b.Add("<same@x.test>", []string{"alice@x.test", "new@x.test"})

	got := b.Lookup("")
	require.Len(t, got, 1)
	assert.Equal(t, "alice@x.test", got[0])
}

func TestFromAddressesAreSeparate(t *testing.T) {
	b := newTestBook(t)

	b.AddFrom("me@x.test")
	b.AddFrom("me@x.test")
	b.AddFrom("other@x.test")

	got := b.LookupFrom("")
	require.Len(t, got, 2)
	assert.Equal(t, "me@x.test", got[0])

	assert.Empty(t, b.Lookup("me@x.test"))
}

func TestEncryptedReopen(t *testing.T) {
	dir := t.TempDir()

	b, err := Open(dir, true, "pass")
	require.NoError(t, err)
	b.Add("<m@x.test>", []string{"alice@x.test"})
	require.NoError(t, b.Close())

	reopened, err := Open(dir, true, "pass")
	require.NoError(t, err)
	defer reopened.Close()

	got := reopened.Lookup("alice")
	require.Len(t, got, 1)
}

func TestChangePass(t *testing.T) {
	dir := t.TempDir()

	b, err := Open(dir, true, "old")
	require.NoError(t, err)
	b.Add("<m@x.test>", []string{"alice@x.test"})
	require.NoError(t, b.Close())

	require.NoError(t, ChangePass(dir, "old", "new"))

	reopened, err := Open(dir, true, "new")
	require.NoError(t, err)
	defer reopened.Close()

	assert.Len(t, reopened.Lookup("alice"), 1)
}
