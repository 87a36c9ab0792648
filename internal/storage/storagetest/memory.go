// Package storagetest provides an in-memory storage adapter for tests of
// packages that sync through storage.Adapter.
package storagetest

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is a thread-safe in-memory object store. The Fail* fields make
// individual operations fail for keys matching a predicate.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
	calls   []string

	FailUpsert func(key string) error
	FailDelete func(key string) error
	FailList   error
	FailCheck  error
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// Seed stores content at key without recording a call.
func (m *Memory) Seed(key string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[key] = append([]byte(nil), content...)
}

func (m *Memory) Upsert(_ context.Context, key string, content []byte, isFolder bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, "upsert "+key)

	if m.FailUpsert != nil {
		if err := m.FailUpsert(key); err != nil {
			return err
		}
	}

	if isFolder {
		content = nil
	}

	m.objects[key] = append([]byte(nil), content...)

	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, "delete "+key)

	if m.FailDelete != nil {
		if err := m.FailDelete(key); err != nil {
			return err
		}
	}

	delete(m.objects, key)

	return nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, "list "+prefix)

	if m.FailList != nil {
		return nil, m.FailList
	}

	var keys []string

	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}

	sort.Strings(keys)

	return keys, nil
}

func (m *Memory) Check(context.Context) error {
	return m.FailCheck
}

// Keys returns every stored key, sorted.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// Get returns the content stored at key.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.objects[key]

	return b, ok
}

// Calls returns the operations performed so far, as "op key" strings.
func (m *Memory) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.calls...)
}
