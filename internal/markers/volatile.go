package markers

import "sync"

// VolatileBackend keeps markers in process memory. It has no integrity
// witness and loses everything at exit; it exists so consumers still work on
// hosts with no durable per-user storage.
type VolatileBackend struct {
	mu   sync.RWMutex
	sets map[string]map[string]string
}

// NewVolatileBackend returns an empty in-memory store.
func NewVolatileBackend() *VolatileBackend {
	return &VolatileBackend{sets: make(map[string]map[string]string)}
}

// Kind implements Store.
func (v *VolatileBackend) Kind() Kind { return BackendVolatile }

// SetMarker implements Store.
func (v *VolatileBackend) SetMarker(namespace, key, value string) error {
	if err := validateMarker(namespace, key, value); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	set, ok := v.sets[namespace]
	if !ok {
		set = make(map[string]string)
		v.sets[namespace] = set
	}
	set[key] = value
	return nil
}

// GetMarker implements Store. It never returns ErrTampered.
func (v *VolatileBackend) GetMarker(namespace, key string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	value, ok := v.sets[namespace][key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// ClearMarkers implements Store.
func (v *VolatileBackend) ClearMarkers(namespace string) error {
	v.mu.Lock()
	delete(v.sets, namespace)
	v.mu.Unlock()
	return nil
}
