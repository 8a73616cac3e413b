package vault

import (
	"bytes"
	"context"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/vaultsync-io/vaultsync/encryption"
	"github.com/vaultsync-io/vaultsync/logger"
	"github.com/vaultsync-io/vaultsync/taskgraph"
	"github.com/vaultsync-io/vaultsync/token"
)

// TokenService is the service name tokens are requested for.
const TokenService = "vault"

// Token operations.
const (
	OperationGet    = "get"
	OperationPut    = "put"
	OperationDelete = "delete"
)

// Crypto is the cryptographic capability the Manager relies on.
type Crypto interface {
	Encrypt(data []byte, signer *encryption.PrivateKey, recipients []*encryption.PublicKey) (meta, value []byte, err error)
	Decrypt(meta, value []byte, recipient *encryption.PrivateKey, signers []*encryption.PublicKey) ([]byte, error)
}

// ManagerConfig holds the dependencies of a Manager.
type ManagerConfig struct {
	Client     Client
	Tokens     token.Provider
	Crypto     Crypto
	PublicKeys []*encryption.PublicKey
	PrivateKey *encryption.PrivateKey
	Executor   *taskgraph.Executor
	Logger     logger.Logger

	// NoRetryOnUnauthorized disables the single retry with a fresh token
	// after a token-expired error.
	NoRetryOnUnauthorized bool
}

type keySet struct {
	public  []*encryption.PublicKey
	private *encryption.PrivateKey
}

// Manager encrypts, signs, and stores a single value in the vault and reads
// it back. Operations on one Manager run one at a time in call order.
type Manager struct {
	client   Client
	tokens   token.Provider
	crypto   Crypto
	executor *taskgraph.Executor
	queue    *taskgraph.SerialQueue
	logger   logger.Logger
	retry    bool

	mu   sync.RWMutex
	keys keySet
}

// NewManager creates a Manager.
func NewManager(config ManagerConfig) (*Manager, error) {
	if len(config.PublicKeys) == 0 {
		return nil, ErrNoPublicKeys
	}
	if config.PrivateKey == nil {
		return nil, errors.Wrap(encryption.ErrInvalidKey, "missing private key")
	}
	if config.Client == nil || config.Tokens == nil {
		return nil, errors.New("vault client and token provider are required")
	}
	m := &Manager{
		client:   config.Client,
		tokens:   config.Tokens,
		crypto:   config.Crypto,
		executor: config.Executor,
		logger:   config.Logger,
		retry:    !config.NoRetryOnUnauthorized,
		keys: keySet{
			public:  append([]*encryption.PublicKey(nil), config.PublicKeys...),
			private: config.PrivateKey,
		},
	}
	if m.crypto == nil {
		m.crypto = encryption.NewCrypto()
	}
	if m.logger == nil {
		m.logger = logger.NewDiscardLogger()
	}
	if m.executor == nil {
		m.executor = taskgraph.NewExecutor(taskgraph.WithLogger(m.logger))
	}
	m.queue = taskgraph.NewSerialQueue("vault-manager", m.logger)
	return m, nil
}

// Close stops the Manager's queue. Pending operations fail with
// taskgraph.ErrQueueClosed.
func (m *Manager) Close() {
	m.queue.Close()
}

// PublicKeys returns the current recipient set.
func (m *Manager) PublicKeys() []*encryption.PublicKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*encryption.PublicKey(nil), m.keys.public...)
}

// PrivateKey returns the current private key.
func (m *Manager) PrivateKey() *encryption.PrivateKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keys.private
}

func (m *Manager) currentKeys() keySet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return keySet{public: append([]*encryption.PublicKey(nil), m.keys.public...), private: m.keys.private}
}

func (m *Manager) setKeys(keys keySet) {
	m.mu.Lock()
	m.keys = keys
	m.mu.Unlock()
}

// checkRotation validates a rotation request.
func checkRotation(newPublicKeys []*encryption.PublicKey, newPrivateKey *encryption.PrivateKey) error {
	if newPublicKeys == nil && newPrivateKey == nil {
		return ErrKeysNotUpdated
	}
	if newPublicKeys != nil && len(newPublicKeys) == 0 {
		return ErrNoPublicKeys
	}
	return nil
}

// checkRecipient rejects a key set whose private key can't decrypt what it
// signs.
func (k keySet) checkRecipient() error {
	self := k.private.Public()
	for _, pub := range k.public {
		if pub.Equal(self) {
			return nil
		}
	}
	return ErrSignerNotRecipient
}

// rotated merges a rotation request into keys.
func (k keySet) rotated(newPublicKeys []*encryption.PublicKey, newPrivateKey *encryption.PrivateKey) keySet {
	if newPublicKeys != nil {
		k.public = append([]*encryption.PublicKey(nil), newPublicKeys...)
	}
	if newPrivateKey != nil {
		k.private = newPrivateKey
	}
	return k
}

func (m *Manager) shouldRetry() func(error) bool {
	if !m.retry {
		return nil
	}
	return IsTokenExpired
}

// enqueue runs a graph-building operation on the Manager's queue with the
// token-expiry retry applied. check, if set, vets the current keys before
// the graph runs. commit, if set, runs on the queue after the graph
// succeeds.
func (m *Manager) enqueue(ctx context.Context, check func(keys keySet) error,
	factory func(keys keySet, force bool) (*taskgraph.Graph, taskgraph.Handle[*DecryptedValue]),
	commit func(keys keySet)) (*DecryptedValue, error) {

	return taskgraph.Do(ctx, m.queue, func(ctx context.Context) (*DecryptedValue, error) {
		keys := m.currentKeys()
		if check != nil {
			if err := check(keys); err != nil {
				return nil, err
			}
		}
		out, err := taskgraph.RetryAggregate[*DecryptedValue](ctx, m.executor, func(force bool) (*taskgraph.Graph, taskgraph.Handle[*DecryptedValue]) {
			return factory(keys, force)
		}, m.shouldRetry())
		if err == nil && commit != nil {
			commit(keys)
		}
		return out, err
	})
}

// Pull downloads, decrypts, and verifies the stored value.
func (m *Manager) Pull(ctx context.Context) (*DecryptedValue, error) {
	return m.enqueue(ctx, nil, func(keys keySet, force bool) (*taskgraph.Graph, taskgraph.Handle[*DecryptedValue]) {
		g := taskgraph.New("vault.pull")
		tok := m.addToken(g, OperationGet, force)
		pulled := m.addPull(g, tok)
		return g, m.addDecrypt(g, pulled, keys)
	}, nil)
}

// Push encrypts value for the recipient set and stores it if previousHash
// is still current. The returned value is the decrypted server response.
func (m *Manager) Push(ctx context.Context, value, previousHash []byte) (*DecryptedValue, error) {
	return m.enqueue(ctx, nil, func(keys keySet, force bool) (*taskgraph.Graph, taskgraph.Handle[*DecryptedValue]) {
		g := taskgraph.New("vault.push")
		tok := m.addToken(g, OperationPut, force)
		enc := taskgraph.Add(g, "encrypt", func(ctx context.Context, r *taskgraph.Results) (*EncryptedValue, error) {
			return m.encrypt(value, keys)
		})
		pushed := m.addPush(g, tok, enc, func(*taskgraph.Results) ([]byte, error) { return previousHash, nil })
		return g, m.addDecrypt(g, pushed, keys)
	}, nil)
}

// Reset empties the stored value.
func (m *Manager) Reset(ctx context.Context) (*DecryptedValue, error) {
	return m.enqueue(ctx, nil, func(keys keySet, force bool) (*taskgraph.Graph, taskgraph.Handle[*DecryptedValue]) {
		g := taskgraph.New("vault.reset")
		tok := m.addToken(g, OperationDelete, force)
		reset := taskgraph.Add(g, "reset", func(ctx context.Context, r *taskgraph.Results) (*DecryptedValue, error) {
			t, err := taskgraph.Get(r, tok)
			if err != nil {
				return nil, err
			}
			ev, err := m.client.Reset(ctx, t.Value)
			if err != nil {
				return nil, err
			}
			if !ev.IsEmpty() {
				return nil, errors.Wrap(ErrTamperedResponse, "reset returned data")
			}
			m.logger.Debugf("Vault reset to version %d", ev.Version)
			return &DecryptedValue{Version: ev.Version, Hash: ev.Hash}, nil
		}, tok)
		return g, reset
	}, nil)
}

// UpdateRecipients re-encrypts the stored value for a new recipient set.
// Either argument may be nil to keep the current one. An empty stored value
// is returned unchanged. The Manager switches to the new keys once the
// rotation succeeds.
func (m *Manager) UpdateRecipients(ctx context.Context, newPublicKeys []*encryption.PublicKey,
	newPrivateKey *encryption.PrivateKey) (*DecryptedValue, error) {

	if err := checkRotation(newPublicKeys, newPrivateKey); err != nil {
		return nil, err
	}
	return m.enqueue(ctx, func(keys keySet) error {
		return keys.rotated(newPublicKeys, newPrivateKey).checkRecipient()
	}, func(oldKeys keySet, force bool) (*taskgraph.Graph, taskgraph.Handle[*DecryptedValue]) {
		newKeys := oldKeys.rotated(newPublicKeys, newPrivateKey)
		g := taskgraph.New("vault.rotate")
		getTok := m.addToken(g, OperationGet, force)
		putTok := m.addToken(g, OperationPut, force)
		pulled := m.addPull(g, getTok)
		current := m.addDecrypt(g, pulled, oldKeys)
		enc := taskgraph.Add(g, "encrypt", func(ctx context.Context, r *taskgraph.Results) (*EncryptedValue, error) {
			d, err := taskgraph.Get(r, current)
			if err != nil {
				return nil, err
			}
			if d.IsEmpty() {
				return nil, taskgraph.Complete(d)
			}
			return m.encrypt(d.Value, newKeys)
		}, current)
		pushed := m.addPush(g, putTok, enc, func(r *taskgraph.Results) ([]byte, error) {
			ev, err := taskgraph.Get(r, pulled)
			if err != nil {
				return nil, err
			}
			return ev.Hash, nil
		}, pulled)
		return g, m.addDecrypt(g, pushed, newKeys)
	}, func(keys keySet) {
		m.setKeys(keys.rotated(newPublicKeys, newPrivateKey))
	})
}

// UpdateRecipientsWithValue encrypts a known plaintext for a new recipient
// set and stores it if previousHash is still current.
func (m *Manager) UpdateRecipientsWithValue(ctx context.Context, value, previousHash []byte,
	newPublicKeys []*encryption.PublicKey, newPrivateKey *encryption.PrivateKey) (*DecryptedValue, error) {

	if len(value) == 0 {
		return nil, ErrEmptyData
	}
	if err := checkRotation(newPublicKeys, newPrivateKey); err != nil {
		return nil, err
	}
	return m.enqueue(ctx, func(keys keySet) error {
		return keys.rotated(newPublicKeys, newPrivateKey).checkRecipient()
	}, func(oldKeys keySet, force bool) (*taskgraph.Graph, taskgraph.Handle[*DecryptedValue]) {
		newKeys := oldKeys.rotated(newPublicKeys, newPrivateKey)
		g := taskgraph.New("vault.rotate-value")
		tok := m.addToken(g, OperationPut, force)
		enc := taskgraph.Add(g, "encrypt", func(ctx context.Context, r *taskgraph.Results) (*EncryptedValue, error) {
			return m.encrypt(value, newKeys)
		})
		pushed := m.addPush(g, tok, enc, func(*taskgraph.Results) ([]byte, error) { return previousHash, nil })
		return g, m.addDecrypt(g, pushed, newKeys)
	}, func(keys keySet) {
		m.setKeys(keys.rotated(newPublicKeys, newPrivateKey))
	})
}

func (m *Manager) addToken(g *taskgraph.Graph, operation string, force bool) taskgraph.Handle[token.Token] {
	return taskgraph.Add(g, "token."+operation, func(ctx context.Context, r *taskgraph.Results) (token.Token, error) {
		return m.tokens.GetToken(ctx, token.Context{
			Service:     TokenService,
			Operation:   operation,
			ForceReload: force,
		})
	})
}

func (m *Manager) addPull(g *taskgraph.Graph, tok taskgraph.Handle[token.Token]) taskgraph.Handle[*EncryptedValue] {
	return taskgraph.Add(g, "pull", func(ctx context.Context, r *taskgraph.Results) (*EncryptedValue, error) {
		t, err := taskgraph.Get(r, tok)
		if err != nil {
			return nil, err
		}
		return m.client.Pull(ctx, t.Value)
	}, tok)
}

// addPush adds the network push of enc's output. The echoed blob must equal
// what was sent.
func (m *Manager) addPush(g *taskgraph.Graph, tok taskgraph.Handle[token.Token], enc taskgraph.Handle[*EncryptedValue],
	guard func(*taskgraph.Results) ([]byte, error), extra ...taskgraph.Dep) taskgraph.Handle[*EncryptedValue] {

	deps := append([]taskgraph.Dep{tok, enc}, extra...)
	return taskgraph.Add(g, "push", func(ctx context.Context, r *taskgraph.Results) (*EncryptedValue, error) {
		t, err := taskgraph.Get(r, tok)
		if err != nil {
			return nil, err
		}
		sealed, err := taskgraph.Get(r, enc)
		if err != nil {
			return nil, err
		}
		previousHash, err := guard(r)
		if err != nil {
			return nil, err
		}
		ev, err := m.client.Push(ctx, sealed.Meta, sealed.Value, previousHash, t.Value)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(ev.Meta, sealed.Meta) || !bytes.Equal(ev.Value, sealed.Value) {
			return nil, errors.Wrap(ErrTamperedResponse, "pushed value differs from stored value")
		}
		m.logger.Debugf("Pushed %s to vault, version %d",
			humanize.Bytes(uint64(len(ev.Meta)+len(ev.Value))), ev.Version)
		return ev, nil
	}, deps...)
}

func (m *Manager) addDecrypt(g *taskgraph.Graph, src taskgraph.Handle[*EncryptedValue], keys keySet) taskgraph.Handle[*DecryptedValue] {
	return taskgraph.Add(g, "decrypt", func(ctx context.Context, r *taskgraph.Results) (*DecryptedValue, error) {
		ev, err := taskgraph.Get(r, src)
		if err != nil {
			return nil, err
		}
		return m.decrypt(ev, keys)
	}, src)
}

func (m *Manager) encrypt(value []byte, keys keySet) (*EncryptedValue, error) {
	meta, data, err := m.crypto.Encrypt(value, keys.private, keys.public)
	if err != nil {
		return nil, err
	}
	return &EncryptedValue{Meta: meta, Value: data}, nil
}

func (m *Manager) decrypt(ev *EncryptedValue, keys keySet) (*DecryptedValue, error) {
	if ev.IsEmpty() {
		return &DecryptedValue{Version: ev.Version, Hash: ev.Hash}, nil
	}
	data, err := m.crypto.Decrypt(ev.Meta, ev.Value, keys.private, keys.public)
	if err != nil {
		return nil, err
	}
	return &DecryptedValue{Meta: ev.Meta, Value: data, Version: ev.Version, Hash: ev.Hash}, nil
}
