package keystore

import (
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/vaultsync-io/vaultsync/localvault"
)

// Reserved local meta keys holding the cloud dates of an entry as decimal
// Unix milliseconds.
const (
	MetaCreationDate     = "k_cda"
	MetaModificationDate = "k_mda"
)

// validateMeta rejects caller meta that uses a reserved key.
func validateMeta(meta map[string]string) error {
	for _, k := range []string{MetaCreationDate, MetaModificationDate} {
		if _, ok := meta[k]; ok {
			return errors.Wrapf(ErrInvalidMeta, "%q", k)
		}
	}
	return nil
}

// localMeta returns the local meta mirroring a cloud entry.
func localMeta(e CloudEntry) map[string]string {
	meta := make(map[string]string, len(e.Meta)+2)
	for k, v := range e.Meta {
		meta[k] = v
	}
	meta[MetaCreationDate] = strconv.FormatInt(e.CreationDate.UnixMilli(), 10)
	meta[MetaModificationDate] = strconv.FormatInt(e.ModificationDate.UnixMilli(), 10)
	return meta
}

// fromLocal rebuilds the cloud view of a local entry. It returns false if
// the entry was not written by a SyncStore.
func fromLocal(e *localvault.Entry) (CloudEntry, bool) {
	created, ok := parseMillis(e.Meta[MetaCreationDate])
	if !ok {
		return CloudEntry{}, false
	}
	modified, ok := parseMillis(e.Meta[MetaModificationDate])
	if !ok {
		return CloudEntry{}, false
	}
	var meta map[string]string
	for k, v := range e.Meta {
		if k == MetaCreationDate || k == MetaModificationDate {
			continue
		}
		if meta == nil {
			meta = make(map[string]string)
		}
		meta[k] = v
	}
	return CloudEntry{
		Name:             e.Name,
		Data:             e.Data,
		CreationDate:     created,
		ModificationDate: modified,
		Meta:             meta,
	}, true
}

func parseMillis(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return fromMillis(ms), true
}
