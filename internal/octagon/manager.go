package octagon

import (
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/trustsync/internal/cuttlefish"
	"github.com/roach88/trustsync/internal/trusterr"
)

// Manager is the registry of trust contexts on a device, one per
// ContextKey. There is no process-wide instance; callers own their Manager.
//
// Thread-safety: all methods are safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	contexts map[cuttlefish.ContextKey]*Context
	deps     Deps
	opts     []Option
	halted   bool
}

// NewManager creates a registry whose contexts share deps and opts.
func NewManager(deps Deps, opts ...Option) *Manager {
	return &Manager{
		contexts: make(map[cuttlefish.ContextKey]*Context),
		deps:     deps,
		opts:     opts,
	}
}

// Get returns the context for key, creating it if needed.
// Extra options apply only when the context is created.
func (m *Manager) Get(key cuttlefish.ContextKey, opts ...Option) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.halted {
		return nil, trusterr.New(trusterr.CodeHalted, "manager halted")
	}
	if c, ok := m.contexts[key]; ok {
		return c, nil
	}
	all := append(append([]Option{}, m.opts...), opts...)
	c := NewContext(key, m.deps, all...)
	m.contexts[key] = c
	return c, nil
}

// Add registers a context built elsewhere, for example with its own
// collaborators. Fails if the key is already taken.
func (m *Manager) Add(c *Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.halted {
		return trusterr.New(trusterr.CodeHalted, "manager halted")
	}
	if _, ok := m.contexts[c.Key()]; ok {
		return fmt.Errorf("context %s already registered", c.Key())
	}
	m.contexts[c.Key()] = c
	return nil
}

// Lookup returns the context for key without creating it.
func (m *Manager) Lookup(key cuttlefish.ContextKey) (*Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contexts[key]
	return c, ok
}

// Remove halts the context for key and unregisters it.
// Returns false if no context was registered.
func (m *Manager) Remove(key cuttlefish.ContextKey) bool {
	m.mu.Lock()
	c, ok := m.contexts[key]
	delete(m.contexts, key)
	m.mu.Unlock()
	if !ok {
		return false
	}
	c.Halt()
	return true
}

// Keys returns the registered keys, sorted by container then context.
func (m *Manager) Keys() []cuttlefish.ContextKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]cuttlefish.ContextKey, 0, len(m.contexts))
	for k := range m.contexts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Container != keys[j].Container {
			return keys[i].Container < keys[j].Container
		}
		return keys[i].Context < keys[j].Context
	})
	return keys
}

// NotifyPeerListChanged tells every context in container that the backend
// ledger changed. Suitable as a cuttlefish.Memory subscriber.
func (m *Manager) NotifyPeerListChanged(container string) {
	m.mu.Lock()
	var targets []*Context
	for k, c := range m.contexts {
		if k.Container == container {
			targets = append(targets, c)
		}
	}
	m.mu.Unlock()

	for _, c := range targets {
		c.PeerListChanged()
	}
}

// Halt halts every context and refuses new ones.
func (m *Manager) Halt() {
	m.mu.Lock()
	m.halted = true
	contexts := make([]*Context, 0, len(m.contexts))
	for _, c := range m.contexts {
		contexts = append(contexts, c)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range contexts {
		wg.Add(1)
		go func(c *Context) {
			defer wg.Done()
			c.Halt()
		}(c)
	}
	wg.Wait()
}
