package server

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/atomic"
	"github.com/pkg/errors"

	"github.com/vaultsync-io/vaultsync/codec"
	"github.com/vaultsync-io/vaultsync/encryption"
)

// Blob is the stored vault of one identity.
type Blob struct {
	Meta    []byte
	Value   []byte
	Version uint64
	Hash    []byte
}

// BlobStore persists blobs by identity. Callers serialize access per
// identity.
type BlobStore interface {
	// Load returns the identity's blob, or an empty Blob if none was saved.
	Load(identity string) (*Blob, error)

	// Save replaces the identity's blob.
	Save(identity string, blob *Blob) error

	Close() error
}

// MemoryStore is a BlobStore held in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]*Blob
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]*Blob)}
}

// Load implements BlobStore.
func (m *MemoryStore) Load(identity string) (*Blob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[identity]
	if !ok {
		return &Blob{}, nil
	}
	copied := *b
	return &copied, nil
}

// Save implements BlobStore.
func (m *MemoryStore) Save(identity string, blob *Blob) error {
	copied := *blob
	m.mu.Lock()
	m.blobs[identity] = &copied
	m.mu.Unlock()
	return nil
}

// Close implements BlobStore.
func (m *MemoryStore) Close() error {
	return nil
}

// FileStore is a BlobStore keeping one file per identity. Files are
// replaced atomically.
type FileStore struct {
	dir string
}

// NewFileStore creates a FileStore in dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrap(err, "failed to create data directory")
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(identity string) (string, error) {
	sum, err := encryption.Hash([]byte(identity), encryption.SHA256)
	if err != nil {
		return "", err
	}
	return filepath.Join(f.dir, hex.EncodeToString(sum)+".blob"), nil
}

// Load implements BlobStore.
func (f *FileStore) Load(identity string) (*Blob, error) {
	path, err := f.path(identity)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Blob{}, nil
	}
	if err != nil {
		return nil, err
	}
	r := new(blobRecord)
	if err := codec.Unmarshal(data, r, codec.MsgTypeStoredBlob); err != nil {
		return nil, errors.Wrapf(err, "corrupt blob file %s", path)
	}
	if r.identity != identity {
		return nil, errors.Errorf("blob file %s belongs to another identity", path)
	}
	return &r.blob, nil
}

// Save implements BlobStore.
func (f *FileStore) Save(identity string, blob *Blob) error {
	path, err := f.path(identity)
	if err != nil {
		return err
	}
	data, err := codec.Marshal(&blobRecord{identity: identity, blob: *blob}, codec.MsgTypeStoredBlob)
	if err != nil {
		return err
	}
	return atomic.WriteFile(path, bytes.NewReader(data))
}

// Close implements BlobStore.
func (f *FileStore) Close() error {
	return nil
}

type blobRecord struct {
	identity string
	blob     Blob
}

func (r *blobRecord) Encode(e codec.PacketEncoder) error {
	if err := e.PutString(r.identity); err != nil {
		return err
	}
	e.PutInt64(int64(r.blob.Version))
	if err := e.PutBytes(r.blob.Meta); err != nil {
		return err
	}
	if err := e.PutBytes(r.blob.Value); err != nil {
		return err
	}
	return e.PutBytes(r.blob.Hash)
}

func (r *blobRecord) Decode(d codec.PacketDecoder) error {
	var err error
	if r.identity, err = d.GetString(); err != nil {
		return err
	}
	version, err := d.GetInt64()
	if err != nil {
		return err
	}
	r.blob.Version = uint64(version)
	if r.blob.Meta, err = d.GetBytes(); err != nil {
		return err
	}
	if r.blob.Value, err = d.GetBytes(); err != nil {
		return err
	}
	r.blob.Hash, err = d.GetBytes()
	return err
}
