package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quailyquaily/wamux/internal/fsstore"
)

var (
	ErrDuplicateID = errors.New("session: duplicate id")
	ErrNotFound    = errors.New("session: not found")
)

// Registry owns the in-memory session records and their persisted config
// files (<dir>/<id>.json). Live connection state is not recoverable
// across restarts; only the config survives.
type Registry struct {
	mu      sync.Mutex
	dir     string
	records map[string]*Record
	logger  *slog.Logger
}

func NewRegistry(dir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dir:     strings.TrimSpace(dir),
		records: make(map[string]*Record),
		logger:  logger,
	}
}

func (g *Registry) Dir() string { return g.dir }

// Create assigns an id when the config does not carry one, persists the
// config, and inserts a connecting record with the bot active.
func (g *Registry) Create(cfg Config) (*Record, error) {
	id := strings.TrimSpace(cfg.SessionID)
	if id == "" {
		id = uuid.NewString()
	}
	cfg.SessionID = id

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.records[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	if err := fsstore.WriteJSONAtomic(g.configPath(id), cfg); err != nil {
		return nil, fmt.Errorf("persist session config: %w", err)
	}
	rec := newRecord(id, cfg)
	g.records[id] = rec
	g.logger.Info("session_created", "session_id", id)
	return rec, nil
}

func (g *Registry) Get(id string) (*Record, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[id]
	return rec, ok
}

// Remove drops the record and deletes its persisted file. Removing an
// absent id is a no-op.
func (g *Registry) Remove(id string) {
	g.mu.Lock()
	_, ok := g.records[id]
	delete(g.records, id)
	g.mu.Unlock()

	if err := os.Remove(g.configPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		g.logger.Warn("session_config_remove_error", "session_id", id, "error", err.Error())
	}
	if ok {
		g.logger.Info("session_removed", "session_id", id)
	}
}

func (g *Registry) List() []*Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Record, 0, len(g.records))
	for _, rec := range g.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID() < out[j].SessionID() })
	return out
}

// Persist rewrites the durable config file for a session so that
// check-session queries reflect the current config after a restart.
func (g *Registry) Persist(id string) error {
	rec, ok := g.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return fsstore.WriteJSONAtomic(g.configPath(id), rec.Config())
}

// LoadPersisted reads a persisted config regardless of whether a live
// record exists.
func (g *Registry) LoadPersisted(id string) (Config, bool, error) {
	var cfg Config
	found, err := fsstore.ReadJSON(g.configPath(id), &cfg)
	return cfg, found, err
}

// PersistedSession describes one config file on disk, for cleanup scans.
type PersistedSession struct {
	SessionID string
	ModTime   time.Time
}

func (g *Registry) PersistedSessions() ([]PersistedSession, error) {
	entries, err := os.ReadDir(g.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan sessions dir: %w", err)
	}
	out := make([]PersistedSession, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, PersistedSession{
			SessionID: strings.TrimSuffix(name, ".json"),
			ModTime:   info.ModTime(),
		})
	}
	return out, nil
}

// RemovePersisted deletes only the on-disk config file.
func (g *Registry) RemovePersisted(id string) error {
	if err := os.Remove(g.configPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (g *Registry) configPath(id string) string {
	return filepath.Join(g.dir, id+".json")
}
