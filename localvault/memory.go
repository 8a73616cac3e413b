package localvault

import "sync"

// Memory is a Vault held in process memory.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemory returns an empty in-memory Vault.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*Entry)}
}

// Store implements Vault.
func (m *Memory) Store(name string, data []byte, meta map[string]string) (*Entry, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[name]; ok {
		return nil, ErrAlreadyExists
	}
	ts := now()
	e := &Entry{
		Name:             name,
		Data:             append([]byte(nil), data...),
		Meta:             copyMeta(meta),
		CreationDate:     ts,
		ModificationDate: ts,
	}
	m.entries[name] = e
	return e.clone(), nil
}

// Update implements Vault.
func (m *Memory) Update(name string, data []byte, meta map[string]string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.entries[name]
	if !ok {
		return nil, ErrNotFound
	}
	e := &Entry{
		Name:             name,
		Data:             append([]byte(nil), data...),
		Meta:             copyMeta(meta),
		CreationDate:     old.CreationDate,
		ModificationDate: now(),
	}
	m.entries[name] = e
	return e.clone(), nil
}

// Retrieve implements Vault.
func (m *Memory) Retrieve(name string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	if !ok {
		return nil, ErrNotFound
	}
	return e.clone(), nil
}

// RetrieveAll implements Vault.
func (m *Memory) RetrieveAll() ([]*Entry, error) {
	m.mu.RLock()
	entries := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e.clone())
	}
	m.mu.RUnlock()
	sortEntries(entries)
	return entries, nil
}

// Delete implements Vault.
func (m *Memory) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[name]; !ok {
		return ErrNotFound
	}
	delete(m.entries, name)
	return nil
}

// Exists implements Vault.
func (m *Memory) Exists(name string) (bool, error) {
	m.mu.RLock()
	_, ok := m.entries[name]
	m.mu.RUnlock()
	return ok, nil
}

// Close implements Vault.
func (m *Memory) Close() error {
	return nil
}
