// Package cache implements the per-folder on-disk store for UIDs,
// headers, flags and bodies, with optional at-rest encryption.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"github.com/nhle/mailterm/internal/crypto"
	"github.com/nhle/mailterm/internal/model"
)

// hotBodies is the size of the in-memory cache of decrypted bodies.
const hotBodies = 32

// Store is the per-folder on-disk cache. All read failures degrade to
// a miss; write failures are logged and never fail the caller.
type Store struct {
	dir     string
	encrypt bool
	pass    string

	mu     sync.Mutex
	bodies *lru.Cache[string, model.Body]
}

// NewStore opens (or creates) the cache rooted at dir.
func NewStore(dir string, encrypt bool, pass string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating cache directory %s: %w", dir, err)
	}

	bodies, err := lru.New[string, model.Body](hotBodies)
	if err != nil {
		return nil, fmt.Errorf("creating body cache: %w", err)
	}

	return &Store{
		dir:     dir,
		encrypt: encrypt,
		pass:    pass,
		bodies:  bodies,
	}, nil
}

// folderDir returns the hashed directory for a folder name.
func (s *Store) folderDir(folder string) string {
	sum := sha256.Sum256([]byte(folder))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:]))
}

// ensureFolder creates the folder's directory tree and name record.
func (s *Store) ensureFolder(folder string) (string, error) {
	dir := s.folderDir(folder)

	if _, err := os.Stat(dir); err == nil {
		return dir, nil
	}

	for _, sub := range []string{"headers", "bodies"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return "", fmt.Errorf("creating folder cache %s: %w", dir, err)
		}
	}

	s.writeBlob(filepath.Join(dir, "name"), []byte(folder))
	return dir, nil
}

// writeBlob writes data to path, sealing it when encryption is on.
// Failures are logged only; the server remains the source of truth.
func (s *Store) writeBlob(path string, data []byte) {
	if s.encrypt {
		sealed, err := crypto.Seal(data, s.pass)
		if err != nil {
			log.WithError(err).Warnf("sealing %s", path)
			return
		}
		data = sealed
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		log.WithError(err).Warnf("writing %s", path)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		log.WithError(err).Warnf("renaming %s", path)
	}
}

// readBlob reads and, when needed, unseals the blob at path. A
// decryption or integrity failure is a miss with a warning.
func (s *Store) readBlob(path string) ([]byte, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.WithError(err).Warnf("reading %s", path)
		}
		return nil, false
	}

	if s.encrypt {
		plain, err := crypto.Open(data, s.pass)
		if err != nil {
			log.WithError(err).Warnf("unsealing %s", path)
			return nil, false
		}
		data = plain
	}

	return data, true
}

// GetUids returns the cached UID set of a folder.
func (s *Store) GetUids(folder string) ([]uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.readBlob(filepath.Join(s.folderDir(folder), "uids"))
	if !ok {
		return nil, false
	}

	var uids []uint32
	if err := json.Unmarshal(data, &uids); err != nil {
		log.WithError(err).Warnf("decoding uids for %s", folder)
		return nil, false
	}

	return uids, true
}

// PutUids replaces the cached UID set of a folder.
func (s *Store) PutUids(folder string, uids []uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.ensureFolder(folder)
	if err != nil {
		log.WithError(err).Warn("putting uids")
		return
	}

	sorted := make([]uint32, len(uids))
	copy(sorted, uids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	data, err := json.Marshal(sorted)
	if err != nil {
		log.WithError(err).Warn("encoding uids")
		return
	}

	s.writeBlob(filepath.Join(dir, "uids"), data)
}

// GetHeader returns the cached header of one UID.
func (s *Store) GetHeader(folder string, uid uint32) (model.Header, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getHeaderLocked(folder, uid)
}

func (s *Store) getHeaderLocked(folder string, uid uint32) (model.Header, bool) {
	path := filepath.Join(s.folderDir(folder), "headers", uidName(uid))

	data, ok := s.readBlob(path)
	if !ok {
		return model.Header{}, false
	}

	var h model.Header
	if err := json.Unmarshal(data, &h); err != nil {
		log.WithError(err).Warnf("decoding header %s/%d", folder, uid)
		return model.Header{}, false
	}

	return h, true
}

// PutHeader stores the header of one UID.
func (s *Store) PutHeader(folder string, uid uint32, h model.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.ensureFolder(folder)
	if err != nil {
		log.WithError(err).Warn("putting header")
		return
	}

	data, err := json.Marshal(h)
	if err != nil {
		log.WithError(err).Warn("encoding header")
		return
	}

	s.writeBlob(filepath.Join(dir, "headers", uidName(uid)), data)
}

// GetFlags returns the cached flags of one UID.
func (s *Store) GetFlags(folder string, uid uint32) (model.Flags, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flags, ok := s.readFlags(folder)
	if !ok {
		return 0, false
	}

	f, ok := flags[uid]
	return f, ok
}

// PutFlags stores the flags of one UID.
func (s *Store) PutFlags(folder string, uid uint32, f model.Flags) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flags, _ := s.readFlags(folder)
	if flags == nil {
		flags = make(map[uint32]model.Flags)
	}
	flags[uid] = f
	s.writeFlags(folder, flags)
}

// AllFlags returns the whole flag table of a folder.
func (s *Store) AllFlags(folder string) (map[uint32]model.Flags, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readFlags(folder)
}

func (s *Store) readFlags(folder string) (map[uint32]model.Flags, bool) {
	data, ok := s.readBlob(filepath.Join(s.folderDir(folder), "flags"))
	if !ok {
		return nil, false
	}

	var flags map[uint32]model.Flags
	if err := json.Unmarshal(data, &flags); err != nil {
		log.WithError(err).Warnf("decoding flags for %s", folder)
		return nil, false
	}

	return flags, true
}

func (s *Store) writeFlags(folder string, flags map[uint32]model.Flags) {
	dir, err := s.ensureFolder(folder)
	if err != nil {
		log.WithError(err).Warn("putting flags")
		return
	}

	data, err := json.Marshal(flags)
	if err != nil {
		log.WithError(err).Warn("encoding flags")
		return
	}

	s.writeBlob(filepath.Join(dir, "flags"), data)
}

// GetBody returns the cached body of one UID.
func (s *Store) GetBody(folder string, uid uint32) (model.Body, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := folder + "/" + uidName(uid)
	if body, ok := s.bodies.Get(key); ok {
		return body, true
	}

	path := filepath.Join(s.folderDir(folder), "bodies", uidName(uid))
	data, ok := s.readBlob(path)
	if !ok {
		return model.Body{}, false
	}

	var body model.Body
	if err := json.Unmarshal(data, &body); err != nil {
		log.WithError(err).Warnf("decoding body %s/%d", folder, uid)
		return model.Body{}, false
	}

	s.bodies.Add(key, body)
	return body, true
}

// PutBody stores the body of one UID.
func (s *Store) PutBody(folder string, uid uint32, body model.Body) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.ensureFolder(folder)
	if err != nil {
		log.WithError(err).Warn("putting body")
		return
	}

	data, err := json.Marshal(body)
	if err != nil {
		log.WithError(err).Warn("encoding body")
		return
	}

	s.writeBlob(filepath.Join(dir, "bodies", uidName(uid)), data)
	s.bodies.Add(folder+"/"+uidName(uid), body)
}

// RemoveMessages deletes the header, flags and body entries of the
// given UIDs, mirroring a server-side deletion.
func (s *Store) RemoveMessages(folder string, uids []uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.folderDir(folder)
	flags, _ := s.readFlags(folder)

	for _, uid := range uids {
		os.Remove(filepath.Join(dir, "headers", uidName(uid)))
		os.Remove(filepath.Join(dir, "bodies", uidName(uid)))
		s.bodies.Remove(folder + "/" + uidName(uid))
		delete(flags, uid)
	}

	if flags != nil {
		s.writeFlags(folder, flags)
	}

	if cached, ok := s.readUidsLocked(folder); ok {
		removed := make(map[uint32]bool, len(uids))
		for _, uid := range uids {
			removed[uid] = true
		}
		kept := cached[:0]
		for _, uid := range cached {
			if !removed[uid] {
				kept = append(kept, uid)
			}
		}
		data, err := json.Marshal(kept)
		if err == nil {
			s.writeBlob(filepath.Join(dir, "uids"), data)
		}
	}
}

func (s *Store) readUidsLocked(folder string) ([]uint32, bool) {
	data, ok := s.readBlob(filepath.Join(s.folderDir(folder), "uids"))
	if !ok {
		return nil, false
	}
	var uids []uint32
	if err := json.Unmarshal(data, &uids); err != nil {
		return nil, false
	}
	return uids, true
}

// Rename moves a folder's cache to a new name. Noop when absent.
func (s *Store) Rename(oldFolder, newFolder string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldDir := s.folderDir(oldFolder)
	if _, err := os.Stat(oldDir); err != nil {
		return
	}

	newDir := s.folderDir(newFolder)
	os.RemoveAll(newDir)
	if err := os.Rename(oldDir, newDir); err != nil {
		log.WithError(err).Warnf("renaming folder cache %s", oldFolder)
		return
	}

	s.writeBlob(filepath.Join(newDir, "name"), []byte(newFolder))
	s.bodies.Purge()
}

// CheckValidity compares the folder's cached UIDVALIDITY against the
// server's and wipes the folder cache on mismatch. Returns true when
// the cached data was still valid.
func (s *Store) CheckValidity(folder string, validity uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.folderDir(folder)
	path := filepath.Join(dir, "validity")

	if data, ok := s.readBlob(path); ok {
		cached, err := strconv.ParseUint(string(data), 10, 32)
		if err == nil && uint32(cached) == validity {
			return true
		}
		log.Warnf("uidvalidity changed for %s, clearing folder cache", folder)
		os.RemoveAll(dir)
		s.bodies.Purge()
	}

	if _, err := s.ensureFolder(folder); err != nil {
		log.WithError(err).Warn("recording uidvalidity")
		return false
	}
	s.writeBlob(path, []byte(strconv.FormatUint(uint64(validity), 10)))
	return false
}

// Folders lists the folder names present in the cache.
func (s *Store) Folders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}

	var folders []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name, ok := s.readBlob(filepath.Join(s.dir, e.Name(), "name"))
		if ok {
			folders = append(folders, string(name))
		}
	}
	sort.Strings(folders)
	return folders
}

// Clear wipes the whole cache directory.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bodies.Purge()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("listing cache: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.dir, e.Name())); err != nil {
			return fmt.Errorf("removing %s: %w", e.Name(), err)
		}
	}
	return nil
}

// ChangePass re-seals every encrypted blob under a new password.
func (s *Store) ChangePass(oldPass, newPass string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.encrypt {
		return nil
	}

	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}

		sealed, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}

		plain, err := crypto.Open(sealed, oldPass)
		if err != nil {
			return fmt.Errorf("unsealing %s: %w", path, err)
		}

		resealed, err := crypto.Seal(plain, newPass)
		if err != nil {
			return fmt.Errorf("resealing %s: %w", path, err)
		}

		return os.WriteFile(path, resealed, 0o600)
	})
	if err != nil {
		return err
	}

	s.pass = newPass
	s.bodies.Purge()
	return nil
}

func uidName(uid uint32) string {
	return strconv.FormatUint(uint64(uid), 10)
}
