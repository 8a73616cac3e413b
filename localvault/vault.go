// Package localvault provides the device-local secret store the sync engine
// mirrors the cloud vault into.
package localvault

import (
	"sort"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when no entry has the requested name.
	ErrNotFound = errors.New("local entry not found")

	// ErrAlreadyExists is returned when storing a name that is taken.
	ErrAlreadyExists = errors.New("local entry already exists")

	// ErrInvalidName is returned for an empty entry name.
	ErrInvalidName = errors.New("entry name is empty")
)

// Entry is a secret held by the local vault. The timestamps are maintained by
// the vault.
type Entry struct {
	Name             string
	Data             []byte
	Meta             map[string]string
	CreationDate     time.Time
	ModificationDate time.Time
}

// Vault is a local secret store. Implementations are safe for concurrent use.
type Vault interface {
	// Store adds a new entry.
	Store(name string, data []byte, meta map[string]string) (*Entry, error)

	// Update replaces the data and meta of an existing entry.
	Update(name string, data []byte, meta map[string]string) (*Entry, error)

	// Retrieve returns the named entry.
	Retrieve(name string) (*Entry, error)

	// RetrieveAll returns every entry sorted by name.
	RetrieveAll() ([]*Entry, error)

	// Delete removes the named entry.
	Delete(name string) error

	// Exists reports whether the named entry is present.
	Exists(name string) (bool, error)

	// Close releases the vault's resources.
	Close() error
}

// IsNotFound returns true if the error means the entry is missing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists returns true if the error means the name is taken.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// now returns the current time truncated to what the vault stores.
func now() time.Time {
	return time.UnixMilli(time.Now().UnixMilli()).UTC()
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

func (e *Entry) clone() *Entry {
	return &Entry{
		Name:             e.Name,
		Data:             append([]byte(nil), e.Data...),
		Meta:             copyMeta(e.Meta),
		CreationDate:     e.CreationDate,
		ModificationDate: e.ModificationDate,
	}
}

func sortEntries(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})
}
