// Package queue implements the durable offline FIFO for drafts,
// outbox messages and compose backups.
package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Kind selects one of the three sub-queues.
type Kind string

const (
	KindDraft         Kind = "drafts"
	KindOutbox        Kind = "outbox"
	KindComposeBackup Kind = "compose"
)

// Queue stores each entry as a numbered .eml file under its
// sub-queue directory.
type Queue struct {
	dir string
	mu  sync.Mutex
}

// New opens (or creates) the queue rooted at dir.
func New(dir string) (*Queue, error) {
	for _, kind := range []Kind{KindDraft, KindOutbox, KindComposeBackup} {
		sub := filepath.Join(dir, string(kind))
		if err := os.MkdirAll(sub, 0o700); err != nil {
			return nil, fmt.Errorf("creating queue directory %s: %w", sub, err)
		}
	}
	return &Queue{dir: dir}, nil
}

// Push appends a message blob to the sub-queue.
func (q *Queue) Push(kind Kind, blob []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	sub := filepath.Join(q.dir, string(kind))

	next := 1
	for _, n := range q.entryNumbers(sub) {
		if n >= next {
			next = n + 1
		}
	}

	path := filepath.Join(sub, fmt.Sprintf("%d.eml", next))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fmt.Errorf("writing queue entry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("committing queue entry: %w", err)
	}

	return nil
}

// Pop atomically drains the sub-queue, returning entries in FIFO
// order. Entries are moved into a sentinel directory before being
// read so a crash mid-drain does not duplicate them.
func (q *Queue) Pop(kind Kind) ([][]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	sub := filepath.Join(q.dir, string(kind))
	numbers := q.entryNumbers(sub)
	if len(numbers) == 0 {
		return nil, nil
	}

	drain := filepath.Join(q.dir, ".draining-"+uuid.New().String())
	if err := os.MkdirAll(drain, 0o700); err != nil {
		return nil, fmt.Errorf("creating drain directory: %w", err)
	}
	defer os.RemoveAll(drain)

	sort.Ints(numbers)

	var blobs [][]byte
	for _, n := range numbers {
		name := fmt.Sprintf("%d.eml", n)
		moved := filepath.Join(drain, name)
		if err := os.Rename(filepath.Join(sub, name), moved); err != nil {
			log.WithError(err).Warnf("draining queue entry %s", name)
			continue
		}
		blob, err := os.ReadFile(moved)
		if err != nil {
			log.WithError(err).Warnf("reading queue entry %s", name)
			continue
		}
		blobs = append(blobs, blob)
	}

	return blobs, nil
}

// Size returns the number of entries in the sub-queue.
func (q *Queue) Size(kind Kind) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entryNumbers(filepath.Join(q.dir, string(kind))))
}

func (q *Queue) entryNumbers(sub string) []int {
	entries, err := os.ReadDir(sub)
	if err != nil {
		return nil
	}

	var numbers []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".eml") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(name, ".eml"))
		if err != nil {
			continue
		}
		numbers = append(numbers, n)
	}
	return numbers
}

// PushDraft appends to the draft queue.
func (q *Queue) PushDraft(blob []byte) error {
	return q.Push(KindDraft, blob)
}

// PopDrafts drains the draft queue.
func (q *Queue) PopDrafts() ([][]byte, error) {
	return q.Pop(KindDraft)
}

// PushOutbox appends to the outbox queue.
func (q *Queue) PushOutbox(blob []byte) error {
	return q.Push(KindOutbox, blob)
}

// PopOutbox drains the outbox queue.
func (q *Queue) PopOutbox() ([][]byte, error) {
	return q.Pop(KindOutbox)
}

// PushComposeBackup appends to the compose backup queue.
func (q *Queue) PushComposeBackup(blob []byte) error {
	return q.Push(KindComposeBackup, blob)
}

// PopComposeBackups drains the compose backup queue.
func (q *Queue) PopComposeBackups() ([][]byte, error) {
	return q.Pop(KindComposeBackup)
}
