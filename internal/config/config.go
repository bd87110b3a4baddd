package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/encoding/javaproperties"
	"github.com/spf13/viper"
)

// newViper returns a viper instance configured to read and write the
// key=value properties format used for the config file.
func newViper() *viper.Viper {
	registry := viper.NewCodecRegistry()
	codec := &javaproperties.Codec{}
	registry.RegisterCodec("properties", codec)

	v := viper.NewWithOptions(viper.WithCodecRegistry(registry))
	v.SetConfigType("properties")
	return v
}

// Config is the account configuration, loaded from a key=value file
// in the application directory.
type Config struct {
	// Identity and credentials.
	Address string `mapstructure:"address"`
	Name    string `mapstructure:"name"`
	User    string `mapstructure:"user"`
	Pass    string `mapstructure:"pass"`

	// Endpoints.
	IMAPHost string `mapstructure:"imap_host"`
	IMAPPort int    `mapstructure:"imap_port"`
	SMTPHost string `mapstructure:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port"`

	// Well-known folder mappings.
	Inbox  string `mapstructure:"inbox"`
	Sent   string `mapstructure:"sent"`
	Drafts string `mapstructure:"drafts"`
	Trash  string `mapstructure:"trash"`

	CacheEncrypt    bool `mapstructure:"cache_encrypt"`
	SavePass        bool `mapstructure:"save_pass"`
	PrefetchLevel   int  `mapstructure:"prefetch_level"`
	ClientStoreSent bool `mapstructure:"client_store_sent"`

	// ComposeBackupInterval is in seconds; 0 disables periodic
	// compose backups.
	ComposeBackupInterval int `mapstructure:"compose_backup_interval"`

	// Offline starts the engine disconnected.
	Offline bool `mapstructure:"offline"`

	// FoldersExclude is a comma-separated list of folders skipped
	// during full sync.
	FoldersExclude string `mapstructure:"folders_exclude"`

	// IdleTimeout is the IDLE refresh interval in minutes, capped at
	// the protocol limit of 29.
	IdleTimeout int `mapstructure:"idle_timeout"`

	// AppDir is the application directory holding cache, index,
	// queues and the address book. Not read from the file.
	AppDir string `mapstructure:"-"`
}

// DefaultAppDir returns the default application directory,
// ~/.config/mailterm.
func DefaultAppDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "mailterm")
}

// Load reads the key=value configuration at path. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)

	v.SetDefault("imap_port", 993)
	v.SetDefault("smtp_port", 465)
	v.SetDefault("inbox", "INBOX")
	v.SetDefault("sent", "Sent")
	v.SetDefault("drafts", "Drafts")
	v.SetDefault("trash", "Trash")
	v.SetDefault("cache_encrypt", 1)
	v.SetDefault("save_pass", 0)
	v.SetDefault("prefetch_level", 2)
	v.SetDefault("client_store_sent", 1)
	v.SetDefault("compose_backup_interval", 10)
	v.SetDefault("offline", 0)
	v.SetDefault("idle_timeout", 29)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			if _, nf := err.(viper.ConfigFileNotFoundError); !nf {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.AppDir = filepath.Dir(path)

	if cfg.IdleTimeout < 1 || cfg.IdleTimeout > 29 {
		cfg.IdleTimeout = 29
	}

	return cfg, nil
}

// Save writes the configuration back to a key=value file at path,
// creating parent directories if needed.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := newViper()
	v.SetConfigFile(path)

	v.Set("address", cfg.Address)
	v.Set("name", cfg.Name)
	v.Set("user", cfg.User)
	if cfg.SavePass {
		v.Set("pass", cfg.Pass)
	}
	v.Set("imap_host", cfg.IMAPHost)
	v.Set("imap_port", cfg.IMAPPort)
	v.Set("smtp_host", cfg.SMTPHost)
	v.Set("smtp_port", cfg.SMTPPort)
	v.Set("inbox", cfg.Inbox)
	v.Set("sent", cfg.Sent)
	v.Set("drafts", cfg.Drafts)
	v.Set("trash", cfg.Trash)
	v.Set("cache_encrypt", boolToInt(cfg.CacheEncrypt))
	v.Set("save_pass", boolToInt(cfg.SavePass))
	v.Set("prefetch_level", cfg.PrefetchLevel)
	v.Set("client_store_sent", boolToInt(cfg.ClientStoreSent))
	v.Set("compose_backup_interval", cfg.ComposeBackupInterval)
	v.Set("offline", boolToInt(cfg.Offline))
	v.Set("folders_exclude", cfg.FoldersExclude)
	v.Set("idle_timeout", cfg.IdleTimeout)

	var buf bytes.Buffer
	if err := v.WriteConfigTo(&buf); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}

// ExcludedFolders returns the parsed folder exclusion set.
func (c *Config) ExcludedFolders() map[string]bool {
	excluded := make(map[string]bool)
	for _, f := range strings.Split(c.FoldersExclude, ",") {
		f = strings.TrimSpace(f)
		if f != "" {
			excluded[f] = true
		}
	}
	return excluded
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
