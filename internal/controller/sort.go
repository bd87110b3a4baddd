package controller

import (
	"fmt"
	"sort"

	"github.com/nhle/mailterm/internal/model"
)

// displayKey computes the sort key of one uid under a sort/filter
// mode. An empty key excludes the uid from the projection. Keys are
// iterated in descending string order, so ascending modes bit-invert
// their key.
func (c *Controller) displayKey(
	folder string, uid uint32, mode model.SortFilter,
) string {
	header, hasHeader := c.headers[folder][uid]
	flags := c.flags[folder][uid]

	dateUidKey := header.DateTime + " " + fmt.Sprintf("%010d", uid)

	switch mode {
	case model.SortDefault, model.SortDateDesc:
		return dateUidKey

	case model.SortDateAsc:
		return bitInvert(dateUidKey)

	case model.SortUnseenDesc:
		return unseenBit(flags) + " " + dateUidKey

	case model.SortUnseenAsc:
		return bitInvert(unseenBit(flags) + " " + dateUidKey)

	case model.SortUnseenOnly:
		if !flags.Seen() {
			return dateUidKey
		}
		return ""

	case model.SortAttchDesc:
		return attchBit(header) + " " + dateUidKey

	case model.SortAttchAsc:
		return bitInvert(attchBit(header) + " " + dateUidKey)

	case model.SortAttchOnly:
		if hasHeader && header.HasAttachments {
			return dateUidKey
		}
		return ""

	case model.SortCurrDateOnly:
		if hasHeader && header.DateOnly() == c.filterCustom[folder] {
			return dateUidKey
		}
		return ""

	case model.SortNameDesc:
		return c.nameKey(folder, header) + " " + dateUidKey

	case model.SortNameAsc:
		return bitInvert(c.nameKey(folder, header) + " " + dateUidKey)

	case model.SortCurrNameOnly:
		if hasHeader && c.nameKey(folder, header) == c.filterCustom[folder] {
			return dateUidKey
		}
		return ""

	case model.SortSubjDesc:
		return model.NormalizeSubject(header.Subject, true) + " " + dateUidKey

	case model.SortSubjAsc:
		return bitInvert(
			model.NormalizeSubject(header.Subject, true) + " " + dateUidKey)

	case model.SortCurrSubjOnly:
		if hasHeader &&
			model.NormalizeSubject(header.Subject, true) == c.filterCustom[folder] {
			return dateUidKey
		}
		return ""

	default:
		return dateUidKey
	}
}

// nameKey is the correspondent name: From everywhere except the Sent
// folder, where To is the interesting side.
func (c *Controller) nameKey(folder string, header model.Header) string {
	if folder == c.cfg.Sent {
		return model.NormalizeName(header.ShortTo())
	}
	return model.NormalizeName(header.ShortFrom())
}

func unseenBit(flags model.Flags) string {
	if flags.Seen() {
		return "0"
	}
	return "1"
}

func attchBit(header model.Header) string {
	if header.HasAttachments {
		return "1"
	}
	return "0"
}

// bitInvert flips every byte so descending iteration yields ascending
// order.
func bitInvert(s string) string {
	b := []byte(s)
	for i := range b {
		b[i] = 0xff - b[i]
	}
	return string(b)
}

// computeDisplayUids is the pure projection of a folder's UID set
// through the sort/filter mode: filtered, keyed, ordered descending,
// duplicate-free.
func (c *Controller) computeDisplayUids(
	folder string, mode model.SortFilter,
) []uint32 {
	type keyed struct {
		key string
		uid uint32
	}

	uids := c.headerUids[folder]
	entries := make([]keyed, 0, len(uids))
	seen := make(map[uint32]bool, len(uids))

	for _, uid := range uids {
		if seen[uid] {
			continue
		}
		seen[uid] = true

		key := c.displayKey(folder, uid, mode)
		if key == "" {
			continue
		}
		entries = append(entries, keyed{key: key, uid: uid})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].key != entries[j].key {
			return entries[i].key > entries[j].key
		}
		return entries[i].uid > entries[j].uid
	})

	out := make([]uint32, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.uid)
	}
	return out
}

// DisplayUids returns the folder's projection under its active mode,
// recomputing it when the underlying header/flag/uid version moved.
func (c *Controller) DisplayUids(folder string) []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.displayUidsLocked(folder)
}

func (c *Controller) displayUidsLocked(folder string) []uint32 {
	mode := c.sortFilter[folder]

	version := c.inputVersion[folder]
	if cachedVersion, ok := c.displayVersion[folder]; ok &&
		cachedVersion == version {
		if uids, ok := c.displayUids[folder][mode]; ok {
			return uids
		}
	}

	uids := c.computeDisplayUids(folder, mode)

	if c.displayUids[folder] == nil {
		c.displayUids[folder] = make(map[model.SortFilter][]uint32)
	} else if c.displayVersion[folder] != version {
		// Inputs moved: every cached mode of this folder is stale.
		for m := range c.displayUids[folder] {
			delete(c.displayUids[folder], m)
		}
	}
	c.displayUids[folder][mode] = uids
	c.displayVersion[folder] = version

	return uids
}
