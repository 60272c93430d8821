package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/framepipe/internal/decode"
	"github.com/zsiec/framepipe/internal/framecache"
)

// ErrNotFound is returned for unknown source IDs.
var ErrNotFound = errors.New("source: not found")

// OpenRequest names a file and the collaborators that read it.
type OpenRequest struct {
	URI      string
	Demuxer  decode.Demuxer
	Hardware decode.Factory
	Software decode.Factory
}

// Info is the JSON view of an open source.
type Info struct {
	ID       string          `json:"id"`
	URI      string          `json:"uri"`
	OpenedAt time.Time       `json:"openedAt"`
	Metadata decode.Metadata `json:"metadata"`
	Stats    Stats           `json:"stats"`
}

// Manager tracks the open sources of one editing session. All sources it
// opens share its frame cache.
type Manager struct {
	log   *slog.Logger
	cache *framecache.Cache

	mu      sync.RWMutex
	sources map[string]*Source
}

// NewManager creates a source manager. If log is nil, slog.Default() is used.
func NewManager(cache *framecache.Cache, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log.With("component", "source-manager"),
		cache:   cache,
		sources: make(map[string]*Source),
	}
}

// Open opens a source under a fresh ID.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*Source, error) {
	id := uuid.NewString()
	s, err := Open(ctx, Config{
		ID:       id,
		URI:      req.URI,
		Demuxer:  req.Demuxer,
		Hardware: req.Hardware,
		Software: req.Software,
		Cache:    m.cache,
		Logger:   m.log,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sources[id] = s
	n := len(m.sources)
	m.mu.Unlock()

	m.log.Info("source registered", "id", id, "uri", req.URI, "open", n)
	return s, nil
}

// Get returns the source with id.
func (m *Manager) Get(id string) (*Source, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sources[id]
	return s, ok
}

// List returns open sources in the order they were opened.
func (m *Manager) List() []*Source {
	m.mu.RLock()
	sources := make([]*Source, 0, len(m.sources))
	for _, s := range m.sources {
		sources = append(sources, s)
	}
	m.mu.RUnlock()

	sort.Slice(sources, func(i, j int) bool {
		return sources[i].openedAt.Before(sources[j].openedAt)
	})
	return sources
}

// Infos returns the JSON view of every open source.
func (m *Manager) Infos() []Info {
	list := m.List()
	infos := make([]Info, 0, len(list))
	for _, s := range list {
		infos = append(infos, Info{
			ID:       s.id,
			URI:      s.uri,
			OpenedAt: s.openedAt,
			Metadata: s.meta,
			Stats:    s.Stats(),
		})
	}
	return infos
}

// Close closes and forgets the source with id. Its cached frames are purged.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sources[id]
	if ok {
		delete(m.sources, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("close %s: %w", id, ErrNotFound)
	}
	return s.Close()
}

// CloseAll closes every source.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	sources := m.sources
	m.sources = make(map[string]*Source)
	m.mu.Unlock()

	var errs []error
	for _, s := range sources {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
