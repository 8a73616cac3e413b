package keystore

import (
	"sort"
	"time"
)

// KeyEntry is a secret to be written.
type KeyEntry struct {
	Name string
	Data []byte
	Meta map[string]string
}

// CloudEntry is a secret as stored in the cloud vault. The dates have
// millisecond precision and are in UTC.
type CloudEntry struct {
	Name             string
	Data             []byte
	CreationDate     time.Time
	ModificationDate time.Time
	Meta             map[string]string
}

// Clock returns the current time.
type Clock func() time.Time

// millisNow is the default Clock.
func millisNow() time.Time {
	return fromMillis(time.Now().UnixMilli())
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func truncate(t time.Time) time.Time {
	return fromMillis(t.UnixMilli())
}

func copyMeta(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func copyEntries(entries map[string]CloudEntry) map[string]CloudEntry {
	out := make(map[string]CloudEntry, len(entries))
	for k, v := range entries {
		out[k] = v
	}
	return out
}

func sortedEntries(entries map[string]CloudEntry) []CloudEntry {
	out := make([]CloudEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
