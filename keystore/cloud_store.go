package keystore

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/vaultsync-io/vaultsync/encryption"
	"github.com/vaultsync-io/vaultsync/logger"
	"github.com/vaultsync-io/vaultsync/taskgraph"
	"github.com/vaultsync-io/vaultsync/vault"
)

// VaultManager is the subset of vault.Manager the CloudStore uses.
type VaultManager interface {
	Pull(ctx context.Context) (*vault.DecryptedValue, error)
	Push(ctx context.Context, value, previousHash []byte) (*vault.DecryptedValue, error)
	Reset(ctx context.Context) (*vault.DecryptedValue, error)
	UpdateRecipients(ctx context.Context, newPublicKeys []*encryption.PublicKey,
		newPrivateKey *encryption.PrivateKey) (*vault.DecryptedValue, error)
	UpdateRecipientsWithValue(ctx context.Context, value, previousHash []byte,
		newPublicKeys []*encryption.PublicKey, newPrivateKey *encryption.PrivateKey) (*vault.DecryptedValue, error)
}

// CloudStore keeps a decoded copy of the cloud vault and writes changes back
// with compare-and-swap on the last seen hash. Mutations run one at a time in
// call order.
type CloudStore struct {
	manager VaultManager
	queue   *taskgraph.SerialQueue
	logger  logger.Logger
	clock   Clock

	mu    sync.RWMutex
	cache map[string]CloudEntry
	last  *vault.DecryptedValue
}

// CloudStoreOption configures a CloudStore.
type CloudStoreOption func(*CloudStore)

// WithCloudLogger sets the logger.
func WithCloudLogger(l logger.Logger) CloudStoreOption {
	return func(s *CloudStore) {
		s.logger = l
	}
}

// WithClock sets the clock used for entry dates.
func WithClock(c Clock) CloudStoreOption {
	return func(s *CloudStore) {
		s.clock = c
	}
}

// NewCloudStore creates a CloudStore over manager.
func NewCloudStore(manager VaultManager, opts ...CloudStoreOption) *CloudStore {
	s := &CloudStore{
		manager: manager,
		logger:  logger.NewDiscardLogger(),
		clock:   millisNow,
		cache:   make(map[string]CloudEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queue = taskgraph.NewSerialQueue("cloud-store", s.logger)
	return s
}

// Close stops the store's queue.
func (s *CloudStore) Close() {
	s.queue.Close()
}

// HasSynced reports whether the cloud state has been retrieved.
func (s *CloudStore) HasSynced() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last != nil
}

func (s *CloudStore) now() time.Time {
	return truncate(s.clock())
}

// snapshot returns a copy of the cache and the last blob, or ErrOutOfSync.
func (s *CloudStore) snapshot() (map[string]CloudEntry, *vault.DecryptedValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return nil, nil, ErrOutOfSync
	}
	return copyEntries(s.cache), s.last, nil
}

// apply decodes a server-confirmed blob into the cache.
func (s *CloudStore) apply(v *vault.DecryptedValue) (map[string]CloudEntry, error) {
	entries, err := DeserializeEntries(v.Value)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache = entries
	s.last = v
	s.mu.Unlock()
	return copyEntries(entries), nil
}

// commit serializes entries, pushes them guarded by the hash of last, and
// replaces the cache with what the server returned.
func (s *CloudStore) commit(ctx context.Context, entries map[string]CloudEntry,
	last *vault.DecryptedValue) (map[string]CloudEntry, error) {

	value, err := SerializeEntries(entries)
	if err != nil {
		return nil, err
	}
	pushed, err := s.manager.Push(ctx, value, last.Hash)
	if err != nil {
		return nil, err
	}
	return s.apply(pushed)
}

// RetrieveCloudEntries pulls the cloud vault and replaces the cache.
func (s *CloudStore) RetrieveCloudEntries(ctx context.Context) ([]CloudEntry, error) {
	return taskgraph.Do(ctx, s.queue, func(ctx context.Context) ([]CloudEntry, error) {
		pulled, err := s.manager.Pull(ctx)
		if err != nil {
			return nil, err
		}
		entries, err := s.apply(pulled)
		if err != nil {
			return nil, err
		}
		s.logger.Debugf("Retrieved %d cloud entries, version %d", len(entries), pulled.Version)
		return sortedEntries(entries), nil
	})
}

// StoreEntry stores a new entry.
func (s *CloudStore) StoreEntry(ctx context.Context, name string, data []byte,
	meta map[string]string) (CloudEntry, error) {

	stored, err := s.StoreEntries(ctx, []KeyEntry{{Name: name, Data: data, Meta: meta}})
	if err != nil {
		return CloudEntry{}, err
	}
	return stored[0], nil
}

// StoreEntries stores new entries in one push and returns them as confirmed
// by the server, in input order.
func (s *CloudStore) StoreEntries(ctx context.Context, entries []KeyEntry) ([]CloudEntry, error) {
	if len(entries) == 0 {
		return nil, errors.Wrap(ErrInvalidInput, "no entries")
	}
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.Name == "" {
			return nil, errors.Wrap(ErrInvalidInput, "entry name is empty")
		}
		if _, ok := seen[e.Name]; ok {
			return nil, errors.Wrapf(ErrAlreadyExists, "%q given twice", e.Name)
		}
		seen[e.Name] = struct{}{}
	}
	return taskgraph.Do(ctx, s.queue, func(ctx context.Context) ([]CloudEntry, error) {
		cache, last, err := s.snapshot()
		if err != nil {
			return nil, err
		}
		ts := s.now()
		for _, e := range entries {
			if _, ok := cache[e.Name]; ok {
				return nil, errors.Wrapf(ErrAlreadyExists, "%q", e.Name)
			}
			cache[e.Name] = CloudEntry{
				Name:             e.Name,
				Data:             append([]byte(nil), e.Data...),
				CreationDate:     ts,
				ModificationDate: ts,
				Meta:             copyMeta(e.Meta),
			}
		}
		confirmed, err := s.commit(ctx, cache, last)
		if err != nil {
			return nil, err
		}
		return pick(confirmed, entries)
	})
}

// pick returns the confirmed entries for the given names.
func pick(confirmed map[string]CloudEntry, entries []KeyEntry) ([]CloudEntry, error) {
	out := make([]CloudEntry, 0, len(entries))
	for _, e := range entries {
		c, ok := confirmed[e.Name]
		if !ok {
			return nil, errors.Wrapf(ErrInconsistentState, "%q missing from server response", e.Name)
		}
		out = append(out, c)
	}
	return out, nil
}

// UpdateEntry replaces the data and meta of an entry. The creation date is
// kept if the entry exists.
func (s *CloudStore) UpdateEntry(ctx context.Context, name string, data []byte,
	meta map[string]string) (CloudEntry, error) {

	if name == "" {
		return CloudEntry{}, errors.Wrap(ErrInvalidInput, "entry name is empty")
	}
	return taskgraph.Do(ctx, s.queue, func(ctx context.Context) (CloudEntry, error) {
		cache, last, err := s.snapshot()
		if err != nil {
			return CloudEntry{}, err
		}
		ts := s.now()
		created := ts
		if old, ok := cache[name]; ok {
			created = old.CreationDate
		}
		cache[name] = CloudEntry{
			Name:             name,
			Data:             append([]byte(nil), data...),
			CreationDate:     created,
			ModificationDate: ts,
			Meta:             copyMeta(meta),
		}
		confirmed, err := s.commit(ctx, cache, last)
		if err != nil {
			return CloudEntry{}, err
		}
		out, err := pick(confirmed, []KeyEntry{{Name: name}})
		if err != nil {
			return CloudEntry{}, err
		}
		return out[0], nil
	})
}

// DeleteEntry deletes an entry.
func (s *CloudStore) DeleteEntry(ctx context.Context, name string) error {
	return s.DeleteEntries(ctx, []string{name})
}

// DeleteEntries deletes entries in one push. Every name must exist.
func (s *CloudStore) DeleteEntries(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return errors.Wrap(ErrInvalidInput, "no names")
	}
	_, err := taskgraph.Do(ctx, s.queue, func(ctx context.Context) (struct{}, error) {
		cache, last, err := s.snapshot()
		if err != nil {
			return struct{}{}, err
		}
		for _, name := range names {
			if _, ok := cache[name]; !ok {
				return struct{}{}, errors.Wrapf(ErrNotFound, "%q", name)
			}
			delete(cache, name)
		}
		_, err = s.commit(ctx, cache, last)
		return struct{}{}, err
	})
	return err
}

// DeleteAllEntries empties the cloud vault. It does not need a prior sync.
func (s *CloudStore) DeleteAllEntries(ctx context.Context) error {
	_, err := taskgraph.Do(ctx, s.queue, func(ctx context.Context) (struct{}, error) {
		reset, err := s.manager.Reset(ctx)
		if err != nil {
			return struct{}{}, err
		}
		_, err = s.apply(reset)
		return struct{}{}, err
	})
	return err
}

// UpdateRecipients re-encrypts the cloud vault for a new recipient set.
func (s *CloudStore) UpdateRecipients(ctx context.Context, newPublicKeys []*encryption.PublicKey,
	newPrivateKey *encryption.PrivateKey) error {

	_, err := taskgraph.Do(ctx, s.queue, func(ctx context.Context) (struct{}, error) {
		_, last, err := s.snapshot()
		if err != nil {
			return struct{}{}, err
		}
		var rotated *vault.DecryptedValue
		if last.IsEmpty() {
			rotated, err = s.manager.UpdateRecipients(ctx, newPublicKeys, newPrivateKey)
		} else {
			rotated, err = s.manager.UpdateRecipientsWithValue(ctx, last.Value, last.Hash,
				newPublicKeys, newPrivateKey)
		}
		if err != nil {
			return struct{}{}, err
		}
		_, err = s.apply(rotated)
		return struct{}{}, err
	})
	return err
}

// RetrieveEntry returns the cached entry.
func (s *CloudStore) RetrieveEntry(name string) (CloudEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return CloudEntry{}, ErrOutOfSync
	}
	e, ok := s.cache[name]
	if !ok {
		return CloudEntry{}, errors.Wrapf(ErrNotFound, "%q", name)
	}
	return e, nil
}

// RetrieveAllEntries returns the cached entries sorted by name.
func (s *CloudStore) RetrieveAllEntries() ([]CloudEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return nil, ErrOutOfSync
	}
	return sortedEntries(s.cache), nil
}

// ExistsEntry reports whether the cache holds name.
func (s *CloudStore) ExistsEntry(name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return false, ErrOutOfSync
	}
	_, ok := s.cache[name]
	return ok, nil
}
