package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	plain := []byte("From: a@x.test\r\nSubject: hello\r\n\r\nbody text")

	sealed, err := Seal(plain, "secret")
	require.NoError(t, err)
	require.NotEqual(t, plain, sealed)

	opened, err := Open(sealed, "secret")
	require.NoError(t, err)
	assert.Equal(t, plain, opened)
}

func TestOpenWrongPassword(t *testing.T) {
	sealed, err := Seal([]byte("payload"), "right")
	require.NoError(t, err)

	_, err = Open(sealed, "wrong")
	assert.Error(t, err)
}

func TestSealEmptyPayload(t *testing.T) {
	sealed, err := Seal(nil, "secret")
	require.NoError(t, err)

	opened, err := Open(sealed, "secret")
	require.NoError(t, err)
	assert.Empty(t, opened)
}

func TestOpenCorruptedCiphertext(t *testing.T) {
	sealed, err := Seal([]byte("payload payload payload"), "secret")
	require.NoError(t, err)

	sealed[saltSize+3] ^= 0xff

	_, err = Open(sealed, "secret")
	assert.Error(t, err)
}

func TestOpenCorruptedDigest(t *testing.T) {
	sealed, err := Seal([]byte("payload"), "secret")
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xff

	_, err = Open(sealed, "secret")
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestOpenTruncated(t *testing.T) {
	_, err := Open([]byte("short"), "secret")
	assert.Error(t, err)
}

func TestSaltVariesPerSeal(t *testing.T) {
	a, err := Seal([]byte("same"), "secret")
	require.NoError(t, err)
	b, err := Seal([]byte("same"), "secret")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestSealOpenFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "plain")
	dst := filepath.Join(dir, "sealed")
	out := filepath.Join(dir, "restored")

	require.NoError(t, os.WriteFile(src, []byte("file payload"), 0o600))

	require.NoError(t, SealFile(src, dst, "secret"))
	_, err := os.Stat(src)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, OpenFile(dst, out, "secret"))
	restored, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, []byte("file payload"), restored)
}
