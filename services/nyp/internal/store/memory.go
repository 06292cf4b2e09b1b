package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Memory keeps documents in process memory. Nothing survives a restart.
type Memory struct {
	mu   sync.RWMutex
	docs map[string][]byte
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{docs: map[string][]byte{}, now: time.Now}
}

func (m *Memory) Load(ctx context.Context, name string, def json.RawMessage) (json.RawMessage, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.docs[name]
	if !ok {
		return def, nil
	}
	return append(json.RawMessage(nil), b...), nil
}

func (m *Memory) Save(ctx context.Context, name string, doc json.RawMessage) error {
	return m.SaveAll(ctx, map[string]json.RawMessage{name: doc})
}

func (m *Memory) SaveAll(ctx context.Context, docs map[string]json.RawMessage) error {
	for name, doc := range docs {
		if err := validateDoc(name, doc); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, doc := range docs {
		m.docs[name] = append([]byte(nil), doc...)
	}
	return nil
}

func (m *Memory) Exists(ctx context.Context, name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.docs[name]
	return ok, nil
}

func (m *Memory) Delete(ctx context.Context, name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.docs[name]
	delete(m.docs, name)
	return ok, nil
}

func (m *Memory) Backup(ctx context.Context, name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.docs[name]
	if !ok {
		return "", nil
	}
	dst := backupName(name, m.now().UTC().Format(backupLayout))
	m.docs[dst] = append([]byte(nil), b...)
	return dst, nil
}

func (m *Memory) List(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.docs))
	for name := range m.docs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Info() Info {
	return Info{Mode: ModeMemory, Location: "memory"}
}
