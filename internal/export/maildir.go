// Package export writes cached mail out to a local Maildir, the
// offline export surface of the engine.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/emersion/go-maildir"
	log "github.com/sirupsen/logrus"

	"github.com/nhle/mailterm/internal/cache"
)

// ToMaildir exports every cached folder into dir, one Maildir per
// folder (path separators in folder names become dots). Returns the
// number of exported messages.
func ToMaildir(store *cache.Store, dir string) (int, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return 0, fmt.Errorf("creating export directory %s: %w", dir, err)
	}

	exported := 0
	for _, folder := range store.Folders() {
		n, err := exportFolder(store, folder, dir)
		if err != nil {
			return exported, err
		}
		exported += n
	}

	return exported, nil
}

func exportFolder(store *cache.Store, folder, dir string) (int, error) {
	uids, ok := store.GetUids(folder)
	if !ok || len(uids) == 0 {
		return 0, nil
	}

	name := strings.ReplaceAll(folder, "/", ".")
	md := maildir.Dir(filepath.Join(dir, name))
	if err := md.Init(); err != nil {
		return 0, fmt.Errorf("initialising maildir %s: %w", name, err)
	}

	exported := 0
	for _, uid := range uids {
		body, ok := store.GetBody(folder, uid)
		if !ok || len(body.Raw) == 0 {
			continue
		}

		del, err := maildir.NewDelivery(string(md))
		if err != nil {
			return exported, fmt.Errorf("creating delivery in %s: %w", name, err)
		}
		if _, err := del.Write(body.Raw); err != nil {
			del.Abort()
			return exported, fmt.Errorf("writing message %d: %w", uid, err)
		}
		if err := del.Close(); err != nil {
			return exported, fmt.Errorf("closing delivery: %w", err)
		}

		exported++
	}

	log.Infof("exported %d messages from %s", exported, folder)
	return exported, nil
}
