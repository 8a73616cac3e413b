package keystore

import (
	"context"
	"time"

	"github.com/hako/durafmt"
	"github.com/pkg/errors"

	"github.com/vaultsync-io/vaultsync/encryption"
	"github.com/vaultsync-io/vaultsync/localvault"
	"github.com/vaultsync-io/vaultsync/logger"
	"github.com/vaultsync-io/vaultsync/taskgraph"
)

// SyncStoreConfig holds the dependencies of a SyncStore.
type SyncStoreConfig struct {
	Identity  string
	Namespace string
	Local     localvault.Vault
	Cloud     *CloudStore
	Executor  *taskgraph.Executor
	Logger    logger.Logger
}

// SyncResult counts the local changes made by a Sync.
type SyncResult struct {
	Deleted  int
	Imported int
	Updated  int
}

// Changed reports whether the sync touched the local vault.
func (r SyncResult) Changed() bool {
	return r.Deleted+r.Imported+r.Updated > 0
}

// SyncStore keeps one identity's entries in the local vault in step with the
// cloud vault. Writes go to the cloud first and are then mirrored locally.
type SyncStore struct {
	identity string
	local    *namespacedVault
	cloud    *CloudStore
	executor *taskgraph.Executor
	queue    *taskgraph.SerialQueue
	logger   logger.Logger
}

// NewSyncStore creates a SyncStore.
func NewSyncStore(config SyncStoreConfig) (*SyncStore, error) {
	if config.Identity == "" {
		return nil, errors.Wrap(ErrInvalidInput, "identity is empty")
	}
	if config.Local == nil || config.Cloud == nil {
		return nil, errors.Wrap(ErrInvalidInput, "local vault and cloud store are required")
	}
	if config.Namespace == "" {
		config.Namespace = DefaultNamespace
	}
	if config.Logger == nil {
		config.Logger = logger.NewDiscardLogger()
	}
	if config.Executor == nil {
		config.Executor = taskgraph.NewExecutor(taskgraph.WithLogger(config.Logger))
	}
	return &SyncStore{
		identity: config.Identity,
		local:    newNamespacedVault(config.Local, config.Namespace, config.Identity),
		cloud:    config.Cloud,
		executor: config.Executor,
		queue:    taskgraph.NewSerialQueue("sync-store", config.Logger),
		logger:   config.Logger,
	}, nil
}

// Close stops the store's queue. The cloud store and local vault are left
// open.
func (s *SyncStore) Close() {
	s.queue.Close()
}

// Identity returns the identity the store is scoped to.
func (s *SyncStore) Identity() string {
	return s.identity
}

// localEntries returns this identity's engine-written local entries.
func (s *SyncStore) localEntries() (map[string]CloudEntry, error) {
	all, err := s.local.RetrieveAll()
	if err != nil {
		return nil, err
	}
	out := make(map[string]CloudEntry, len(all))
	for _, e := range all {
		if c, ok := fromLocal(e); ok {
			out[c.Name] = c
		}
	}
	return out, nil
}

// Sync refreshes the cloud state and makes the local vault match it.
func (s *SyncStore) Sync(ctx context.Context) (SyncResult, error) {
	return taskgraph.Do(ctx, s.queue, func(ctx context.Context) (SyncResult, error) {
		start := time.Now()
		g := taskgraph.New("sync")
		cloud := taskgraph.Add(g, "cloud.retrieve", func(ctx context.Context, r *taskgraph.Results) (map[string]CloudEntry, error) {
			entries, err := s.cloud.RetrieveCloudEntries(ctx)
			if err != nil {
				return nil, err
			}
			out := make(map[string]CloudEntry, len(entries))
			for _, e := range entries {
				out[e.Name] = e
			}
			return out, nil
		})
		local := taskgraph.Add(g, "local.retrieve", func(ctx context.Context, r *taskgraph.Results) (map[string]CloudEntry, error) {
			return s.localEntries()
		})
		result := taskgraph.Add(g, "reconcile", func(ctx context.Context, r *taskgraph.Results) (SyncResult, error) {
			c, err := taskgraph.Get(r, cloud)
			if err != nil {
				return SyncResult{}, err
			}
			l, err := taskgraph.Get(r, local)
			if err != nil {
				return SyncResult{}, err
			}
			return s.reconcile(l, c)
		}, cloud, local)

		res, err := taskgraph.Run(ctx, s.executor, g, result)
		if err != nil {
			return res, err
		}
		s.logger.Infof("Synchronized %s: %d deleted, %d imported, %d updated in %s",
			s.identity, res.Deleted, res.Imported, res.Updated, durafmt.Parse(time.Since(start)).LimitFirstN(2))
		return res, nil
	})
}

// reconcile applies the cloud state to the local vault. Only a newer cloud
// modification date replaces a local entry.
func (s *SyncStore) reconcile(local, cloud map[string]CloudEntry) (SyncResult, error) {
	var res SyncResult
	for name := range local {
		if _, ok := cloud[name]; ok {
			continue
		}
		if err := s.local.Delete(name); err != nil && !localvault.IsNotFound(err) {
			return res, err
		}
		res.Deleted++
	}
	for name, c := range cloud {
		l, ok := local[name]
		if !ok {
			if _, err := s.storeLocal(c); err != nil {
				return res, err
			}
			res.Imported++
			continue
		}
		if !l.ModificationDate.Before(c.ModificationDate) {
			continue
		}
		if _, err := s.local.Update(name, c.Data, localMeta(c)); err != nil {
			return res, err
		}
		res.Updated++
	}
	return res, nil
}

// storeLocal mirrors a cloud entry locally, replacing a foreign entry of the
// same name.
func (s *SyncStore) storeLocal(c CloudEntry) (*localvault.Entry, error) {
	e, err := s.local.Store(c.Name, c.Data, localMeta(c))
	if localvault.IsAlreadyExists(err) {
		return s.local.Update(c.Name, c.Data, localMeta(c))
	}
	return e, err
}

// addCheckAbsent adds checks failing with ErrAlreadyExists if any name is in
// either store.
func (s *SyncStore) addCheckAbsent(g *taskgraph.Graph, names []string) (taskgraph.Handle[struct{}], taskgraph.Handle[struct{}]) {
	cloud := taskgraph.Add(g, "cloud.absent", func(ctx context.Context, r *taskgraph.Results) (struct{}, error) {
		for _, name := range names {
			ok, err := s.cloud.ExistsEntry(name)
			if err != nil {
				return struct{}{}, err
			}
			if ok {
				return struct{}{}, errors.Wrapf(ErrAlreadyExists, "%q in cloud", name)
			}
		}
		return struct{}{}, nil
	})
	local := taskgraph.Add(g, "local.absent", func(ctx context.Context, r *taskgraph.Results) (struct{}, error) {
		for _, name := range names {
			ok, err := s.local.Exists(name)
			if err != nil {
				return struct{}{}, err
			}
			if ok {
				return struct{}{}, errors.Wrapf(ErrAlreadyExists, "%q in local vault", name)
			}
		}
		return struct{}{}, nil
	})
	return cloud, local
}

// addCheckPresent adds checks failing with ErrNotFound unless every name is
// in both stores.
func (s *SyncStore) addCheckPresent(g *taskgraph.Graph, names []string) (taskgraph.Handle[struct{}], taskgraph.Handle[struct{}]) {
	cloud := taskgraph.Add(g, "cloud.present", func(ctx context.Context, r *taskgraph.Results) (struct{}, error) {
		for _, name := range names {
			ok, err := s.cloud.ExistsEntry(name)
			if err != nil {
				return struct{}{}, err
			}
			if !ok {
				return struct{}{}, errors.Wrapf(ErrNotFound, "%q not in cloud", name)
			}
		}
		return struct{}{}, nil
	})
	local := taskgraph.Add(g, "local.present", func(ctx context.Context, r *taskgraph.Results) (struct{}, error) {
		for _, name := range names {
			if _, err := s.retrieveLocal(name); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	})
	return cloud, local
}

// StoreEntry stores a new entry in the cloud and the local vault.
func (s *SyncStore) StoreEntry(ctx context.Context, name string, data []byte,
	meta map[string]string) (CloudEntry, error) {

	stored, err := s.StoreEntries(ctx, []KeyEntry{{Name: name, Data: data, Meta: meta}})
	if err != nil {
		return CloudEntry{}, err
	}
	return stored[0], nil
}

// StoreEntries stores new entries. The cloud write happens first; if the
// local mirror then fails the error is returned and a later Sync repairs the
// local vault.
func (s *SyncStore) StoreEntries(ctx context.Context, entries []KeyEntry) ([]CloudEntry, error) {
	if len(entries) == 0 {
		return nil, errors.Wrap(ErrInvalidInput, "no entries")
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		if e.Name == "" {
			return nil, errors.Wrap(ErrInvalidInput, "entry name is empty")
		}
		if err := validateMeta(e.Meta); err != nil {
			return nil, err
		}
		names[i] = e.Name
	}
	return taskgraph.Do(ctx, s.queue, func(ctx context.Context) ([]CloudEntry, error) {
		g := taskgraph.New("store")
		cloudAbsent, localAbsent := s.addCheckAbsent(g, names)
		stored := taskgraph.Add(g, "cloud.store", func(ctx context.Context, r *taskgraph.Results) ([]CloudEntry, error) {
			return s.cloud.StoreEntries(ctx, entries)
		}, cloudAbsent, localAbsent)
		mirrored := taskgraph.Add(g, "local.store", func(ctx context.Context, r *taskgraph.Results) ([]CloudEntry, error) {
			confirmed, err := taskgraph.Get(r, stored)
			if err != nil {
				return nil, err
			}
			for _, c := range confirmed {
				if _, err := s.local.Store(c.Name, c.Data, localMeta(c)); err != nil {
					return nil, err
				}
			}
			return confirmed, nil
		}, stored)
		return taskgraph.Run(ctx, s.executor, g, mirrored)
	})
}

// UpdateEntry replaces the data and meta of an entry present in both
// stores.
func (s *SyncStore) UpdateEntry(ctx context.Context, name string, data []byte,
	meta map[string]string) (CloudEntry, error) {

	if name == "" {
		return CloudEntry{}, errors.Wrap(ErrInvalidInput, "entry name is empty")
	}
	if err := validateMeta(meta); err != nil {
		return CloudEntry{}, err
	}
	return taskgraph.Do(ctx, s.queue, func(ctx context.Context) (CloudEntry, error) {
		g := taskgraph.New("update")
		cloudPresent, localPresent := s.addCheckPresent(g, []string{name})
		updated := taskgraph.Add(g, "cloud.update", func(ctx context.Context, r *taskgraph.Results) (CloudEntry, error) {
			return s.cloud.UpdateEntry(ctx, name, data, meta)
		}, cloudPresent, localPresent)
		mirrored := taskgraph.Add(g, "local.update", func(ctx context.Context, r *taskgraph.Results) (CloudEntry, error) {
			c, err := taskgraph.Get(r, updated)
			if err != nil {
				return CloudEntry{}, err
			}
			if _, err := s.local.Update(c.Name, c.Data, localMeta(c)); err != nil {
				return CloudEntry{}, err
			}
			return c, nil
		}, updated)
		return taskgraph.Run(ctx, s.executor, g, mirrored)
	})
}

// DeleteEntry deletes an entry from both stores.
func (s *SyncStore) DeleteEntry(ctx context.Context, name string) error {
	return s.DeleteEntries(ctx, []string{name})
}

// DeleteEntries deletes entries present in both stores.
func (s *SyncStore) DeleteEntries(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return errors.Wrap(ErrInvalidInput, "no names")
	}
	_, err := taskgraph.Do(ctx, s.queue, func(ctx context.Context) (struct{}, error) {
		g := taskgraph.New("delete")
		cloudPresent, localPresent := s.addCheckPresent(g, names)
		deleted := taskgraph.Add(g, "cloud.delete", func(ctx context.Context, r *taskgraph.Results) (struct{}, error) {
			return struct{}{}, s.cloud.DeleteEntries(ctx, names)
		}, cloudPresent, localPresent)
		mirrored := taskgraph.Add(g, "local.delete", func(ctx context.Context, r *taskgraph.Results) (struct{}, error) {
			for _, name := range names {
				if err := s.local.Delete(name); err != nil {
					return struct{}{}, err
				}
			}
			return struct{}{}, nil
		}, deleted)
		return taskgraph.Run(ctx, s.executor, g, mirrored)
	})
	return err
}

// DeleteAllEntries empties the cloud vault and removes this identity's
// engine-written local entries.
func (s *SyncStore) DeleteAllEntries(ctx context.Context) error {
	_, err := taskgraph.Do(ctx, s.queue, func(ctx context.Context) (struct{}, error) {
		if err := s.cloud.DeleteAllEntries(ctx); err != nil {
			return struct{}{}, err
		}
		local, err := s.localEntries()
		if err != nil {
			return struct{}{}, err
		}
		for name := range local {
			if err := s.local.Delete(name); err != nil && !localvault.IsNotFound(err) {
				return struct{}{}, err
			}
		}
		s.logger.Infof("Deleted all entries of %s (%d local)", s.identity, len(local))
		return struct{}{}, nil
	})
	return err
}

// UpdateRecipients re-encrypts the cloud vault for a new recipient set.
func (s *SyncStore) UpdateRecipients(ctx context.Context, newPublicKeys []*encryption.PublicKey,
	newPrivateKey *encryption.PrivateKey) error {

	return s.cloud.UpdateRecipients(ctx, newPublicKeys, newPrivateKey)
}

func (s *SyncStore) retrieveLocal(name string) (CloudEntry, error) {
	e, err := s.local.Retrieve(name)
	if localvault.IsNotFound(err) {
		return CloudEntry{}, errors.Wrapf(ErrNotFound, "%q", name)
	}
	if err != nil {
		return CloudEntry{}, err
	}
	c, ok := fromLocal(e)
	if !ok {
		return CloudEntry{}, errors.Wrapf(ErrNotFound, "%q", name)
	}
	return c, nil
}

// RetrieveEntry returns an entry from the local vault. The dates are those
// of the cloud entry it mirrors.
func (s *SyncStore) RetrieveEntry(name string) (CloudEntry, error) {
	return s.retrieveLocal(name)
}

// RetrieveAllEntries returns the local entries sorted by name.
func (s *SyncStore) RetrieveAllEntries() ([]CloudEntry, error) {
	local, err := s.localEntries()
	if err != nil {
		return nil, err
	}
	return sortedEntries(local), nil
}

// ExistsEntry reports whether the local vault holds the entry.
func (s *SyncStore) ExistsEntry(name string) (bool, error) {
	_, err := s.retrieveLocal(name)
	if IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}
