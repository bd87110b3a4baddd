// Package addressbook persists the mapping from seen message-ids to
// contact addresses, with usage-ranked lookup.
package addressbook

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailterm/internal/crypto"
)

const (
	dbName     = "addressbook.db"
	sealedName = "addressbook.db.sealed"
)

// Book is the sqlite-backed address book.
type Book struct {
	mu      sync.Mutex
	db      *sqlx.DB
	dir     string
	workDB  string
	encrypt bool
	pass    string
}

// Open opens (or creates) the address book under dir. When encryption
// is on, the sealed database is unsealed into a private temporary
// file and re-sealed on Close.
func Open(dir string, encrypt bool, pass string) (*Book, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	b := &Book{dir: dir, encrypt: encrypt, pass: pass}

	b.workDB = filepath.Join(dir, dbName)
	if encrypt {
		tmp, err := os.CreateTemp("", "mailterm-abook-*.db")
		if err != nil {
			return nil, fmt.Errorf("creating address book temp file: %w", err)
		}
		tmp.Close()
		b.workDB = tmp.Name()

		sealed := filepath.Join(dir, sealedName)
		if _, err := os.Stat(sealed); err == nil {
			if err := crypto.OpenFile(sealed, b.workDB, pass); err != nil {
				os.Remove(b.workDB)
				return nil, fmt.Errorf("unsealing address book: %w", err)
			}
		}
	}

	db, err := sqlx.Open("sqlite", b.workDB)
	if err != nil {
		return nil, fmt.Errorf("opening address book db: %w", err)
	}

	schema := []string{
		"CREATE TABLE IF NOT EXISTS msgids (msgid TEXT PRIMARY KEY NOT NULL)",
		"CREATE TABLE IF NOT EXISTS addresses (address TEXT PRIMARY KEY NOT NULL, usages INT)",
		"CREATE TABLE IF NOT EXISTS fromaddresses (address TEXT PRIMARY KEY NOT NULL, usages INT)",
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating address book schema: %w", err)
		}
	}

	b.db = db
	return b, nil
}

// Close closes the database and, when encrypted, seals it back.
func (b *Book) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db == nil {
		return nil
	}
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("closing address book db: %w", err)
	}
	b.db = nil

	if b.encrypt {
		sealed := filepath.Join(b.dir, sealedName)
		if err := crypto.SealFile(b.workDB, sealed, b.pass); err != nil {
			return fmt.Errorf("sealing address book: %w", err)
		}
		os.Remove(b.workDB + "-wal")
		os.Remove(b.workDB + "-shm")
	}

	return nil
}

// Add records the addresses contributed by one message. A message-id
// already seen is skipped so usage counters stay accurate.
func (b *Book) Add(msgID string, addresses []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db == nil || msgID == "" {
		return
	}

	var seen int
	err := b.db.Get(&seen,
		"SELECT COUNT(msgid) FROM msgids WHERE msgid = ?", msgID)
	if err != nil {
		log.WithError(err).Warn("address book msgid lookup")
		return
	}
	if seen > 0 {
		return
	}

	if _, err := b.db.Exec(
		"INSERT INTO msgids (msgid) VALUES (?)", msgID); err != nil {
		log.WithError(err).Warn("address book msgid insert")
		return
	}

	for _, addr := range addresses {
		if addr == "" {
			continue
		}
		_, err := b.db.Exec(`
			INSERT INTO addresses (address, usages) VALUES (?, 1)
			ON CONFLICT (address) DO UPDATE SET usages = usages + 1`, addr)
		if err != nil {
			log.WithError(err).Warnf("address book insert %s", addr)
		}
	}
}

// AddFrom counts one observed From: address.
func (b *Book) AddFrom(address string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db == nil || address == "" {
		return
	}

	_, err := b.db.Exec(`
		INSERT INTO fromaddresses (address, usages) VALUES (?, 1)
		ON CONFLICT (address) DO UPDATE SET usages = usages + 1`, address)
	if err != nil {
		log.WithError(err).Warnf("address book from insert %s", address)
	}
}

// Lookup returns addresses containing the filter substring
// (case-insensitive), most used first.
func (b *Book) Lookup(filter string) []string {
	return b.lookup("addresses", filter)
}

// LookupFrom is Lookup over the observed From: addresses.
func (b *Book) LookupFrom(filter string) []string {
	return b.lookup("fromaddresses", filter)
}

func (b *Book) lookup(table, filter string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db == nil {
		return nil
	}

	var addresses []string
	err := b.db.Select(&addresses, fmt.Sprintf(`
		SELECT address FROM %s
		WHERE address LIKE ? ESCAPE '\'
		ORDER BY usages DESC, address ASC`, table),
		"%"+escapeLike(filter)+"%")
	if err != nil {
		log.WithError(err).Warn("address book lookup")
		return nil
	}

	return addresses
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

// ChangePass re-seals the address book database under a new password.
// The book must be closed first.
func ChangePass(dir, oldPass, newPass string) error {
	sealed := filepath.Join(dir, sealedName)
	data, err := os.ReadFile(sealed)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading sealed address book: %w", err)
	}

	plain, err := crypto.Open(data, oldPass)
	if err != nil {
		return fmt.Errorf("unsealing address book: %w", err)
	}

	resealed, err := crypto.Seal(plain, newPass)
	if err != nil {
		return fmt.Errorf("resealing address book: %w", err)
	}

	return os.WriteFile(sealed, resealed, 0o600)
}
