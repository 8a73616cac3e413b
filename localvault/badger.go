package localvault

import (
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/vaultsync-io/vaultsync/encryption"
	"github.com/vaultsync-io/vaultsync/logger"
)

var entryPrefix = []byte("entry/")

// BadgerConfig configures a Badger-backed Vault.
type BadgerConfig struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir string

	InMemory   bool
	SyncWrites bool

	// Sealer, if set, encrypts every record at rest.
	Sealer *encryption.LocalEncryptionHandler

	// GCInterval is how often the value log is garbage collected. Zero
	// disables collection.
	GCInterval     time.Duration
	GCDiscardRatio float64

	Logger logger.Logger
}

// DefaultBadgerConfig returns the configuration for a persistent vault in dir.
func DefaultBadgerConfig(dir string) BadgerConfig {
	return BadgerConfig{
		Dir:            dir,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// Badger is a Vault persisted in a Badger database.
type Badger struct {
	db     *badger.DB
	sealer *encryption.LocalEncryptionHandler
	logger logger.Logger

	// mu serializes read-modify-write cycles so that Store and Update see a
	// consistent existence check.
	mu sync.Mutex

	stopGC chan struct{}
	gcDone chan struct{}
}

// OpenBadger opens or creates a Badger-backed Vault.
func OpenBadger(config BadgerConfig) (*Badger, error) {
	if !config.InMemory && config.Dir == "" {
		return nil, errors.New("local vault directory is required")
	}
	if config.Logger == nil {
		config.Logger = logger.NewDiscardLogger()
	}
	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(config.Dir, 0700); err != nil {
			return nil, errors.Wrapf(err, "failed to create local vault directory %s", config.Dir)
		}
		opts = badger.DefaultOptions(config.Dir)
	}
	opts = opts.
		WithSyncWrites(config.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(logger.NewBadgerLogger(config.Logger))

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open local vault")
	}
	b := &Badger{
		db:     db,
		sealer: config.Sealer,
		logger: config.Logger,
	}
	if config.GCInterval > 0 && !config.InMemory {
		b.stopGC = make(chan struct{})
		b.gcDone = make(chan struct{})
		go b.runGC(config.GCInterval, config.GCDiscardRatio)
	}
	return b, nil
}

func (b *Badger) runGC(interval time.Duration, ratio float64) {
	defer close(b.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopGC:
			return
		case <-ticker.C:
			err := b.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				b.logger.Warnf("Local vault value log GC failed: %v", err)
			}
		}
	}
}

func entryKey(name string) []byte {
	return append(append([]byte(nil), entryPrefix...), name...)
}

func (b *Badger) encode(e *Entry) ([]byte, error) {
	data, err := marshalEntry(e)
	if err != nil {
		return nil, err
	}
	if b.sealer == nil {
		return data, nil
	}
	return b.sealer.Seal(data)
}

func (b *Badger) decode(data []byte) (*Entry, error) {
	if b.sealer != nil {
		var err error
		if data, err = b.sealer.Read(data); err != nil {
			return nil, errors.Wrap(err, "failed to unseal local record")
		}
	}
	return unmarshalEntry(data)
}

func (b *Badger) get(txn *badger.Txn, name string) (*Entry, error) {
	item, err := txn.Get(entryKey(name))
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return b.decode(data)
}

func (b *Badger) put(txn *badger.Txn, e *Entry) error {
	data, err := b.encode(e)
	if err != nil {
		return err
	}
	return txn.Set(entryKey(e.Name), data)
}

// Store implements Vault.
func (b *Badger) Store(name string, data []byte, meta map[string]string) (*Entry, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ts := now()
	e := &Entry{
		Name:             name,
		Data:             append([]byte(nil), data...),
		Meta:             copyMeta(meta),
		CreationDate:     ts,
		ModificationDate: ts,
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := b.get(txn, name); err == nil {
			return ErrAlreadyExists
		} else if err != ErrNotFound {
			return err
		}
		return b.put(txn, e)
	})
	if err != nil {
		return nil, err
	}
	return e.clone(), nil
}

// Update implements Vault.
func (b *Badger) Update(name string, data []byte, meta map[string]string) (*Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var e *Entry
	err := b.db.Update(func(txn *badger.Txn) error {
		old, err := b.get(txn, name)
		if err != nil {
			return err
		}
		e = &Entry{
			Name:             name,
			Data:             append([]byte(nil), data...),
			Meta:             copyMeta(meta),
			CreationDate:     old.CreationDate,
			ModificationDate: now(),
		}
		return b.put(txn, e)
	})
	if err != nil {
		return nil, err
	}
	return e.clone(), nil
}

// Retrieve implements Vault.
func (b *Badger) Retrieve(name string) (*Entry, error) {
	var e *Entry
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		e, err = b.get(txn, name)
		return err
	})
	return e, err
}

// RetrieveAll implements Vault.
func (b *Badger) RetrieveAll() ([]*Entry, error) {
	var entries []*Entry
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = entryPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			e, err := b.decode(data)
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortEntries(entries)
	return entries, nil
}

// Delete implements Vault.
func (b *Badger) Delete(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(entryKey(name)); err == badger.ErrKeyNotFound {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return txn.Delete(entryKey(name))
	})
}

// Exists implements Vault.
func (b *Badger) Exists(name string) (bool, error) {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(entryKey(name))
		return err
	})
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	return err == nil, err
}

// Close stops garbage collection and closes the database.
func (b *Badger) Close() error {
	if b.stopGC != nil {
		close(b.stopGC)
		<-b.gcDone
	}
	return b.db.Close()
}
