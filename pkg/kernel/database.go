package kernel

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
)

// EnvDatabasePath overrides the default operator database location.
const EnvDatabasePath = "ANVIL_DATABASE_PATH"

// EnvTarget overrides hardware-target detection.
const EnvTarget = "ANVIL_TARGET"

const (
	dbVersion  = 1
	dbFileName = "operators.json"
)

// DefaultDatabasePath returns the process-wide operator database base path.
func DefaultDatabasePath() string {
	if p := os.Getenv(EnvDatabasePath); p != "" {
		return p
	}
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "anvil", "operators")
}

type dbDocument struct {
	Version   int        `json:"version"`
	Target    string     `json:"target"`
	Operators []dbRecord `json:"operators"`
}

type dbRecord struct {
	Record
	State []byte `json:"state,omitempty"`
}

// LoadFromDatabase hydrates the cache with every operator persisted for the
// target under the given base path, rebuilding each through the engine
// builder with its stored tuning state. Records the builder rejects are
// skipped with a warning. The target is marked hydrated so lazy hydration
// does not run again.
func (c *Cache) LoadFromDatabase(path, target string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hydrated[target] = true
	_, err := c.loadLocked(path, target)
	return err
}

func (c *Cache) loadLocked(path, target string) (int, error) {
	raw, err := os.ReadFile(filepath.Join(path, sanitizeTarget(target), dbFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var doc dbDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0, fmt.Errorf("corrupt operator database: %w", err)
	}
	if doc.Version != dbVersion {
		return 0, fmt.Errorf("operator database version %d not supported", doc.Version)
	}
	loaded := 0
	for _, rec := range doc.Operators {
		cfg := rec.Config.Normalized()
		op, err := c.builder(cfg, target, rec.State)
		if err != nil {
			c.log.Warn("skipping persisted operator the builder rejected",
				"id", rec.ID, "engine", rec.Engine, "error", err)
			continue
		}
		rec.Target = target
		rec.Config = cfg
		c.entries[cacheKey{cfg: cfg.Key(), target: target}] = &entry{
			Record: rec.Record,
			op:     op,
			state:  rec.State,
		}
		loaded++
	}
	return loaded, nil
}

// SaveIntoDatabase writes every cached operator for the target to the base
// path, replacing the previous database file. The write is atomic via a
// temporary file rename.
func (c *Cache) SaveIntoDatabase(path, target string) error {
	c.mu.RLock()
	doc := dbDocument{Version: dbVersion, Target: target}
	for _, e := range c.entries {
		if e.Target != target {
			continue
		}
		doc.Operators = append(doc.Operators, dbRecord{Record: e.Record, State: e.state})
	}
	c.mu.RUnlock()

	dir := filepath.Join(path, sanitizeTarget(target))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create database dir: %w", err)
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode operator database: %w", err)
	}
	tmp, err := os.CreateTemp(dir, dbFileName+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, dbFileName))
}

// sanitizeTarget maps a hardware-target string to a directory name.
func sanitizeTarget(target string) string {
	if target == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, target)
}
