package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"patchcast/pkg/bind"
	"patchcast/pkg/dom"
	"patchcast/pkg/logger"
)

var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
)

// Options shapes every session the manager creates.
type Options struct {
	// Containers seeds a blank mirror when PageTemplate is empty.
	Containers []string
	// PageTemplate, when set, is parsed as the initial page for every
	// new session instead of a blank mirror.
	PageTemplate string
	// PrependContainers lists container ids that grow newest-first.
	PrependContainers []string
	// MarkerFormat overrides the "(modified ...)" stamp on updates.
	MarkerFormat string
	// QueueCapacity bounds each session's ingest queue.
	QueueCapacity int
	// RegisterKinds installs interactive-element initializers on each
	// new session's registry.
	RegisterKinds map[string]bind.InitFunc
}

// Manager creates and tracks sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	opts     Options
	hub      Broadcaster
}

func NewManager(opts Options, hub Broadcaster) *Manager {
	return &Manager{
		sessions: map[string]*Session{},
		opts:     opts,
		hub:      hub,
	}
}

func (m *Manager) newDocument() (*dom.Document, error) {
	domOpts := dom.Options{
		PrependContainers: m.opts.PrependContainers,
		MarkerFormat:      m.opts.MarkerFormat,
	}
	if m.opts.PageTemplate != "" {
		return dom.Parse(m.opts.PageTemplate, domOpts)
	}
	return dom.NewBlank(m.opts.Containers, domOpts)
}

// Create starts a new session with a fresh document mirror.
func (m *Manager) Create(id string) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("session id required")
	}
	doc, err := m.newDocument()
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	registry := bind.NewRegistry()
	for kind, fn := range m.opts.RegisterKinds {
		registry.RegisterKind(kind, fn)
	}

	m.mu.Lock()
	if _, dup := m.sessions[id]; dup {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionExists)
	}
	s := newSession(id, doc, registry, m.opts.QueueCapacity, m.hub)
	m.sessions[id] = s
	m.mu.Unlock()

	logger.Info("session_created", "session", id, "queue_cap", s.queue.Cap())
	return s, nil
}

// Get returns an existing session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return s, nil
}

// GetOrCreate returns the session, creating it on first use. Producers
// and subscribers both go through this, so whichever arrives first
// materializes the mirror.
func (m *Manager) GetOrCreate(id string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()
	s, err := m.Create(id)
	if errors.Is(err, ErrSessionExists) {
		return m.Get(id)
	}
	return s, err
}

// List returns session ids in stable order.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// StatsAll snapshots every session's counters.
func (m *Manager) StatsAll() []Stats {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	out := make([]Stats, 0, len(list))
	for _, s := range list {
		out = append(out, s.Stats())
	}
	return out
}

// CloseSession stops one session's worker and forgets it.
func (m *Manager) CloseSession(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	s.Close()
	logger.Info("session_closed", "session", id)
	return nil
}

// Close stops every session worker, for shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		list = append(list, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	for _, s := range list {
		s.Close()
	}
}
