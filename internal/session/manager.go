package session

import (
	"sync"

	"go.uber.org/zap"

	"previewd/internal/metrics"
)

// KeyCanceller drops queued jobs of a key. *worker.Dispatcher implements it.
type KeyCanceller interface {
	CancelKey(key string)
}

// Manager keeps one controller per viewer.
type Manager struct {
	loader Loader
	runner Runner
	opts   Options

	mu          sync.Mutex
	controllers map[string]*Controller
}

func NewManager(loader Loader, runner Runner, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		loader:      loader,
		runner:      runner,
		opts:        opts,
		controllers: make(map[string]*Controller),
	}
}

// Get returns the controller of viewer, creating it on first use.
func (m *Manager) Get(viewer string) *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.controllers[viewer]; ok {
		return c
	}
	c := NewController(viewer, m.loader, m.runner, m.opts)
	m.controllers[viewer] = c
	metrics.ControllersActive.Inc()
	return c
}

// Lookup returns the controller of viewer without creating one.
func (m *Manager) Lookup(viewer string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.controllers[viewer]
	return c, ok
}

// Remove closes the viewer's session and forgets its controller.
func (m *Manager) Remove(viewer string) {
	m.mu.Lock()
	c, ok := m.controllers[viewer]
	delete(m.controllers, viewer)
	m.mu.Unlock()
	if !ok {
		return
	}
	metrics.ControllersActive.Dec()
	if kc, ok := m.runner.(KeyCanceller); ok {
		kc.CancelKey(viewer)
	}
	c.Close()
}

// CloseAll closes every session, used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	controllers := m.controllers
	m.controllers = make(map[string]*Controller)
	m.mu.Unlock()

	for viewer, c := range controllers {
		metrics.ControllersActive.Dec()
		if kc, ok := m.runner.(KeyCanceller); ok {
			kc.CancelKey(viewer)
		}
		c.Close()
	}
}

// Len reports the number of live controllers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.controllers)
}
