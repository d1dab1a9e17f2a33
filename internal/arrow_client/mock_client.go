package arrow_client

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/23skdu/longbow-octdiff/internal/device"
	"github.com/23skdu/longbow-octdiff/internal/octree"
)

type mockField struct {
	tensor *device.Tensor
	batch  *octree.Batch
}

// MockFieldStore is an in-process FieldStore for tests and dry runs.
type MockFieldStore struct {
	mu        sync.RWMutex
	connected bool
	ctx       *device.Context
	data      map[string]mockField
}

func NewMockFieldStore() *MockFieldStore {
	return &MockFieldStore{
		ctx:  device.NewContext(),
		data: make(map[string]mockField),
	}
}

// Connect simulates connection
func (m *MockFieldStore) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Close simulates disconnection
func (m *MockFieldStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// PutField stores a copy of t with the finest-level ids of oct.
func (m *MockFieldStore) PutField(ctx context.Context, name string, t *device.Tensor, oct octree.Octree) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	batch, err := octree.NewBatch(oct.BatchSize(), oct.Depth(), map[int][]int{
		oct.Depth(): oct.BatchID(oct.Depth(), true),
	})
	if err != nil {
		return err
	}
	if batch.Rows() != t.Rows() {
		return fmt.Errorf("%w: %d batch ids for %d rows", device.ErrShapeMismatch, batch.Rows(), t.Rows())
	}
	m.data[name] = mockField{tensor: t.Clone(m.ctx, name), batch: batch}
	return nil
}

func (m *MockFieldStore) GetField(ctx context.Context, name string) (*device.Tensor, *octree.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return nil, nil, ErrNotConnected
	}
	f, ok := m.data[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return f.tensor.Clone(m.ctx, name), f.batch, nil
}

// ListFields returns the stored names in sorted order.
func (m *MockFieldStore) ListFields(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	connected := m.connected
	m.mu.RUnlock()
	if !connected {
		return nil, ErrNotConnected
	}
	return m.Names(), nil
}

// Names returns stored field names (for testing)
func (m *MockFieldStore) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.data))
	for name := range m.data {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset clears all stored data
func (m *MockFieldStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]mockField)
}
