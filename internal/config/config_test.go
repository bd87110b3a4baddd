package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "mailterm.conf"))
	require.NoError(t, err)

	assert.Equal(t, 993, cfg.IMAPPort)
	assert.Equal(t, 465, cfg.SMTPPort)
	assert.Equal(t, "INBOX", cfg.Inbox)
	assert.Equal(t, "Trash", cfg.Trash)
	assert.True(t, cfg.CacheEncrypt)
	assert.False(t, cfg.Offline)
	assert.Equal(t, 29, cfg.IdleTimeout)
	assert.Equal(t, 10, cfg.ComposeBackupInterval)
}

func TestLoadKeyValueFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailterm.conf")
	content := "address=me@x.test\n" +
		"name=Me Myself\n" +
		"user=me@x.test\n" +
		"imap_host=imap.x.test\n" +
		"imap_port=143\n" +
		"smtp_host=smtp.x.test\n" +
		"smtp_port=587\n" +
		"inbox=INBOX\n" +
		"trash=Deleted Items\n" +
		"cache_encrypt=0\n" +
		"prefetch_level=3\n" +
		"offline=1\n" +
		"folders_exclude=Spam, Junk\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "me@x.test", cfg.Address)
	assert.Equal(t, "Me Myself", cfg.Name)
	assert.Equal(t, 143, cfg.IMAPPort)
	assert.Equal(t, 587, cfg.SMTPPort)
	assert.Equal(t, "Deleted Items", cfg.Trash)
	assert.False(t, cfg.CacheEncrypt)
	assert.Equal(t, 3, cfg.PrefetchLevel)
	assert.True(t, cfg.Offline)

	excluded := cfg.ExcludedFolders()
	assert.True(t, excluded["Spam"])
	assert.True(t, excluded["Junk"])
	assert.False(t, excluded["INBOX"])
}

func TestIdleTimeoutClampedToProtocolLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailterm.conf")
	require.NoError(t, os.WriteFile(path, []byte("idle_timeout=99\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 29, cfg.IdleTimeout)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailterm.conf")

	cfg, err := Load(path)
	require.NoError(t, err)
	cfg.Address = "me@x.test"
	cfg.IMAPHost = "imap.x.test"
	cfg.Pass = "secret"
	cfg.SavePass = false

	require.NoError(t, Save(path, cfg))

	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "me@x.test", back.Address)
	assert.Equal(t, "imap.x.test", back.IMAPHost)
	// The password is only persisted when save_pass is on.
	assert.Empty(t, back.Pass)
}
