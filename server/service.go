package server

import (
	"bytes"
	"sync"

	"github.com/pkg/errors"

	"github.com/vaultsync-io/vaultsync/codec"
	"github.com/vaultsync-io/vaultsync/encryption"
)

// errHashMismatch is returned when a push's guard is not the current hash.
var errHashMismatch = errors.New("previous hash does not match")

// vaultService applies pull, push, and reset to stored blobs. Operations on
// one identity are serialized.
type vaultService struct {
	store BlobStore

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newVaultService(store BlobStore) *vaultService {
	return &vaultService{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

func (v *vaultService) lock(identity string) func() {
	v.mu.Lock()
	l, ok := v.locks[identity]
	if !ok {
		l = new(sync.Mutex)
		v.locks[identity] = l
	}
	v.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (v *vaultService) pull(identity string) (*Blob, error) {
	defer v.lock(identity)()
	return v.store.Load(identity)
}

// push stores meta and value if previousHash is the current hash. A blob
// that was never written has an empty hash.
func (v *vaultService) push(identity string, previousHash, meta, value []byte) (*Blob, error) {
	defer v.lock(identity)()
	current, err := v.store.Load(identity)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(current.Hash, previousHash) {
		return nil, errHashMismatch
	}
	return v.save(identity, current.Version+1, meta, value)
}

func (v *vaultService) reset(identity string) (*Blob, error) {
	defer v.lock(identity)()
	current, err := v.store.Load(identity)
	if err != nil {
		return nil, err
	}
	return v.save(identity, current.Version+1, nil, nil)
}

func (v *vaultService) save(identity string, version uint64, meta, value []byte) (*Blob, error) {
	hash, err := blobHash(version, meta, value)
	if err != nil {
		return nil, err
	}
	blob := &Blob{Meta: meta, Value: value, Version: version, Hash: hash}
	if err := v.store.Save(identity, blob); err != nil {
		return nil, errors.Wrap(err, "failed to save blob")
	}
	return blob, nil
}

type hashInput struct {
	version     uint64
	meta, value []byte
}

func (h *hashInput) Encode(e codec.PacketEncoder) error {
	e.PutInt64(int64(h.version))
	if err := e.PutBytes(h.meta); err != nil {
		return err
	}
	return e.PutBytes(h.value)
}

// blobHash is SHA-256 over the encoded version, meta and value.
func blobHash(version uint64, meta, value []byte) ([]byte, error) {
	data, err := codec.Encode(&hashInput{version: version, meta: meta, value: value})
	if err != nil {
		return nil, err
	}
	return encryption.Hash(data, encryption.SHA256)
}
