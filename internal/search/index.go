// Package search maintains the full-text index over cached headers
// and plain-text bodies.
package search

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailterm/internal/crypto"
	"github.com/nhle/mailterm/internal/model"
)

const (
	dbName     = "index.db"
	sealedName = "index.db.sealed"
)

// Index is the sqlite FTS5 full-text index. Document identity is
// (folder, uid); hits are ordered by message wall-clock descending.
type Index struct {
	mu      sync.Mutex
	db      *sqlx.DB
	dir     string
	workDB  string
	encrypt bool
	pass    string
}

// Open opens (or creates) the index under dir. When encryption is on,
// the sealed database is unsealed into a private temporary file and
// re-sealed on Close.
func Open(dir string, encrypt bool, pass string) (*Index, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating index directory %s: %w", dir, err)
	}

	idx := &Index{dir: dir, encrypt: encrypt, pass: pass}

	idx.workDB = filepath.Join(dir, dbName)
	if encrypt {
		tmp, err := os.CreateTemp("", "mailterm-index-*.db")
		if err != nil {
			return nil, fmt.Errorf("creating index temp file: %w", err)
		}
		tmp.Close()
		idx.workDB = tmp.Name()

		sealed := filepath.Join(dir, sealedName)
		if _, err := os.Stat(sealed); err == nil {
			if err := crypto.OpenFile(sealed, idx.workDB, pass); err != nil {
				os.Remove(idx.workDB)
				return nil, fmt.Errorf("unsealing index: %w", err)
			}
		}
	}

	db, err := sqlx.Open("sqlite", idx.workDB)
	if err != nil {
		return nil, fmt.Errorf("opening index db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS docs (
			folder TEXT NOT NULL,
			uid INTEGER NOT NULL,
			date INTEGER NOT NULL,
			PRIMARY KEY (folder, uid)
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS mail_fts USING fts5(
			body, subject, sender, recipient, folder
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating index schema: %w", err)
		}
	}

	idx.db = db
	return idx, nil
}

// Close closes the database and, when encrypted, seals it back into
// the index directory.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.db == nil {
		return nil
	}
	if err := x.db.Close(); err != nil {
		return fmt.Errorf("closing index db: %w", err)
	}
	x.db = nil

	if x.encrypt {
		sealed := filepath.Join(x.dir, sealedName)
		if err := crypto.SealFile(x.workDB, sealed, x.pass); err != nil {
			return fmt.Errorf("sealing index: %w", err)
		}
		// WAL side files of the temp db are not sealed.
		os.Remove(x.workDB + "-wal")
		os.Remove(x.workDB + "-shm")
	}

	return nil
}

// IndexMessage adds or replaces the document for (folder, uid).
// Idempotent.
func (x *Index) IndexMessage(
	folder string, uid uint32, header model.Header, bodyPlain string,
) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.db == nil {
		return
	}

	x.removeLocked(folder, uid)

	res, err := x.db.Exec(
		"INSERT INTO docs (folder, uid, date) VALUES (?, ?, ?)",
		folder, uid, header.Date.Unix(),
	)
	if err != nil {
		log.WithError(err).Warnf("indexing %s/%d", folder, uid)
		return
	}

	rowid, err := res.LastInsertId()
	if err != nil {
		log.WithError(err).Warn("indexing: last insert id")
		return
	}

	_, err = x.db.Exec(
		`INSERT INTO mail_fts (rowid, body, subject, sender, recipient, folder)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rowid,
		bodyPlain,
		header.Subject,
		strings.Join(header.From, " "),
		strings.Join(append(append([]string{}, header.To...), header.Cc...), " "),
		folder,
	)
	if err != nil {
		log.WithError(err).Warnf("indexing fts %s/%d", folder, uid)
	}
}

// Remove deletes the document for (folder, uid). Idempotent.
func (x *Index) Remove(folder string, uid uint32) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.db == nil {
		return
	}
	x.removeLocked(folder, uid)
}

func (x *Index) removeLocked(folder string, uid uint32) {
	var rowid int64
	err := x.db.Get(&rowid,
		"SELECT rowid FROM docs WHERE folder = ? AND uid = ?", folder, uid)
	if err != nil {
		return
	}

	if _, err := x.db.Exec("DELETE FROM docs WHERE rowid = ?", rowid); err != nil {
		log.WithError(err).Warnf("removing %s/%d", folder, uid)
	}
	if _, err := x.db.Exec("DELETE FROM mail_fts WHERE rowid = ?", rowid); err != nil {
		log.WithError(err).Warnf("removing fts %s/%d", folder, uid)
	}
}

// RemoveFolder deletes every document of one folder.
func (x *Index) RemoveFolder(folder string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.db == nil {
		return
	}

	rows, err := x.db.Query("SELECT rowid FROM docs WHERE folder = ?", folder)
	if err != nil {
		return
	}
	var rowids []int64
	for rows.Next() {
		var rowid int64
		if rows.Scan(&rowid) == nil {
			rowids = append(rowids, rowid)
		}
	}
	rows.Close()

	for _, rowid := range rowids {
		x.db.Exec("DELETE FROM docs WHERE rowid = ?", rowid)
		x.db.Exec("DELETE FROM mail_fts WHERE rowid = ?", rowid)
	}
}

// Search evaluates the query and returns up to max hits starting at
// offset, ordered by date descending, plus a has-more indicator.
func (x *Index) Search(
	query string, offset, max int,
) ([]model.FolderUID, bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.db == nil {
		return nil, false, fmt.Errorf("index closed")
	}

	root, err := parseQuery(query)
	if err != nil {
		return nil, false, fmt.Errorf("parsing query: %w", err)
	}

	if max <= 0 {
		max = 100
	}

	var args []interface{}
	pred := root.sql(&args)
	args = append(args, max+1, offset)

	stmt := fmt.Sprintf(
		`SELECT d.folder, d.uid FROM docs d WHERE %s
		 ORDER BY d.date DESC, d.uid DESC LIMIT ? OFFSET ?`, pred)

	rows, err := x.db.Query(stmt, args...)
	if err != nil {
		return nil, false, fmt.Errorf("searching: %w", err)
	}
	defer rows.Close()

	var hits []model.FolderUID
	for rows.Next() {
		var hit model.FolderUID
		if err := rows.Scan(&hit.Folder, &hit.UID); err != nil {
			return nil, false, fmt.Errorf("scanning hit: %w", err)
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("reading hits: %w", err)
	}

	hasMore := false
	if len(hits) > max {
		hits = hits[:max]
		hasMore = true
	}

	return hits, hasMore, nil
}

// ChangePass re-seals the index database under a new password. The
// index must be closed first.
func ChangePass(dir, oldPass, newPass string) error {
	sealed := filepath.Join(dir, sealedName)
	data, err := os.ReadFile(sealed)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading sealed index: %w", err)
	}

	plain, err := crypto.Open(data, oldPass)
	if err != nil {
		return fmt.Errorf("unsealing index: %w", err)
	}

	resealed, err := crypto.Seal(plain, newPass)
	if err != nil {
		return fmt.Errorf("resealing index: %w", err)
	}

	return os.WriteFile(sealed, resealed, 0o600)
}
