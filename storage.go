package inkstone

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
)

// Storage is the persistence collaborator the engine consumes. Keys are
// namespaced "<collection>/<id>"; durability and atomicity per single
// key-write are assumed. The engine implements no multi-key transactions
// beyond each collection's mutex.
type Storage interface {
	// Get reads the value stored under key. Returns os.ErrNotExist if
	// the key is absent.
	Get(key string) ([]byte, error)

	// Set durably writes value under key.
	Set(key string, value []byte) error

	// Delete removes key. Deleting an absent key is a no-op.
	Delete(key string) error

	// Keys returns all keys with the given prefix.
	Keys(prefix string) ([]string, error)

	// Close releases any resources.
	Close() error
}

// MemoryStorage implements Storage in memory. Useful for tests and for
// running several devices in one process.
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string][]byte)}
}

func (m *MemoryStorage) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStorage) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStorage) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryStorage) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *MemoryStorage) Close() error { return nil }

// Ensure interfaces are implemented.
var (
	_ Storage = (*MemoryStorage)(nil)
	_ Storage = (*SQLiteStorage)(nil)
)

func encodeRawItem(raw RawItem) ([]byte, error) {
	return json.Marshal(raw)
}

func decodeRawItem(data []byte) (RawItem, error) {
	var raw RawItem
	err := json.Unmarshal(data, &raw)
	return raw, err
}
