package layer

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Manager is the collaborator interface the compositor and orchestrator
// consume to obtain the current layer set. Implementations own layer
// lifecycle; consumers treat returned layers as read-only per render pass.
type Manager interface {
	GetAllLayers() []Layer
	GetLayer(id string) (Layer, bool)
	SetLayerVisibility(id string, visible bool) error
}

// MemoryManager is an in-memory Manager suitable for single-process use
// and tests.
type MemoryManager struct {
	mu     sync.RWMutex
	layers map[string]*Layer
	seq    atomic.Uint64
}

var _ Manager = (*MemoryManager)(nil)

// NewMemoryManager creates an empty MemoryManager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{layers: make(map[string]*Layer)}
}

// Upsert inserts or replaces a layer. New layers receive the next
// insertion sequence number; replaced layers keep their original one so
// zIndex tie-breaking stays stable across updates.
func (m *MemoryManager) Upsert(l Layer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.layers[l.ID]; ok {
		l.Seq = prev.Seq
	} else {
		l.Seq = m.seq.Add(1)
	}
	m.layers[l.ID] = &l
}

// Remove deletes a layer by id.
func (m *MemoryManager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.layers, id)
}

// GetAllLayers returns a snapshot of all layers in insertion order.
func (m *MemoryManager) GetAllLayers() []Layer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Layer, 0, len(m.layers))
	for _, l := range m.layers {
		out = append(out, *l)
	}
	// Deterministic order for callers: insertion sequence.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Seq > out[j].Seq; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// GetLayer returns a copy of the layer with the given id.
func (m *MemoryManager) GetLayer(id string) (Layer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.layers[id]
	if !ok {
		return Layer{}, false
	}
	return *l, true
}

// SetLayerVisibility toggles a layer's visibility.
func (m *MemoryManager) SetLayerVisibility(id string, visible bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.layers[id]
	if !ok {
		return fmt.Errorf("layer: no such layer %q", id)
	}
	l.Visible = visible
	return nil
}
