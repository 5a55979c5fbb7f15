package configsvc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alicia-home/alicia/internal/fault"
)

// Store owns the on-disk configuration tree:
//
//	config/global.json
//	config/services/<name>.json
//	config/environments/<env>.json
//	config/schemas/<name>.json
//	config/backups/<timestamp>.json
//
// Everything is held in memory and written through on update.
type Store struct {
	dir string

	mu           sync.RWMutex
	global       map[string]any
	services     map[string]map[string]any
	environments map[string]map[string]any
	schemas      map[string]*Schema
}

// NewStore builds a Store rooted at dir, creating the tree when absent, and
// loads everything present.
func NewStore(dir string) (*Store, error) {
	s := &Store{
		dir:          dir,
		global:       make(map[string]any),
		services:     make(map[string]map[string]any),
		environments: make(map[string]map[string]any),
		schemas:      make(map[string]*Schema),
	}
	for _, sub := range []string{"", "services", "environments", "schemas", "backups"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) load() error {
	if err := readJSONIfExists(filepath.Join(s.dir, "global.json"), &s.global); err != nil {
		return err
	}
	if err := s.loadDir("services", func(name string, data []byte) error {
		var cfg map[string]any
		if err := json.Unmarshal(data, &cfg); err != nil {
			return err
		}
		s.services[name] = cfg
		return nil
	}); err != nil {
		return err
	}
	if err := s.loadDir("environments", func(name string, data []byte) error {
		var cfg map[string]any
		if err := json.Unmarshal(data, &cfg); err != nil {
			return err
		}
		s.environments[name] = cfg
		return nil
	}); err != nil {
		return err
	}
	return s.loadDir("schemas", func(name string, data []byte) error {
		var sch Schema
		if err := json.Unmarshal(data, &sch); err != nil {
			return err
		}
		s.schemas[name] = &sch
		return nil
	})
}

func (s *Store) loadDir(sub string, apply func(name string, data []byte) error) error {
	entries, err := os.ReadDir(filepath.Join(s.dir, sub))
	if err != nil {
		return fmt.Errorf("read %s: %w", sub, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, sub, e.Name()))
		if err != nil {
			return fmt.Errorf("read %s/%s: %w", sub, e.Name(), err)
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		if err := apply(name, data); err != nil {
			return fmt.Errorf("parse %s/%s: %w", sub, e.Name(), err)
		}
	}
	return nil
}

func readJSONIfExists(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Global returns a copy of the global configuration.
func (s *Store) Global() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Clone(s.global)
}

// Service returns a copy of a service's overlay.
func (s *Store) Service(name string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.services[name]
	return Clone(cfg), ok
}

// ServiceNames returns the services with an overlay, sorted.
func (s *Store) ServiceNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.services))
	for name := range s.services {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SchemaFor returns the validation schema for a service, or nil.
func (s *Store) SchemaFor(name string) *Schema {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schemas[name]
}

// Merged resolves the effective configuration: global, then the environment
// overlay, then the service overlay when a service is named.
func (s *Store) Merged(service, environment string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Clone(s.global)
	if out == nil {
		out = map[string]any{}
	}
	if env, ok := s.environments[environment]; ok {
		out = DeepMerge(out, env)
	}
	if service != "" {
		if svc, ok := s.services[service]; ok {
			out = DeepMerge(out, svc)
		}
	}
	return out
}

// SetService replaces a service overlay and persists it, returning the
// previous overlay. The returned path identifies the written file so the
// caller can suppress its own watcher event.
func (s *Store) SetService(name string, cfg map[string]any) (old map[string]any, path string, err error) {
	if name == "" {
		return nil, "", fault.New(fault.Validation, "service name required")
	}
	path = filepath.Join(s.dir, "services", name+".json")

	s.mu.Lock()
	defer s.mu.Unlock()
	old = Clone(s.services[name])
	if err := writeJSON(path, cfg); err != nil {
		return nil, "", err
	}
	s.services[name] = Clone(cfg)
	return old, path, nil
}

// MergeGlobal deep-merges cfg into the global configuration and persists
// the result, returning the previous and resulting maps.
func (s *Store) MergeGlobal(cfg map[string]any) (old, merged map[string]any, path string, err error) {
	path = filepath.Join(s.dir, "global.json")

	s.mu.Lock()
	defer s.mu.Unlock()
	old = Clone(s.global)
	merged = DeepMerge(s.global, cfg)
	if err := writeJSON(path, merged); err != nil {
		return nil, nil, "", err
	}
	s.global = merged
	return old, Clone(merged), path, nil
}

// Backup snapshots the whole tree into one timestamped file under backups/
// and returns its path.
func (s *Store) Backup() (string, error) {
	s.mu.RLock()
	snap := map[string]any{
		"created_at":   time.Now().UTC().Format(time.RFC3339),
		"global":       Clone(s.global),
		"services":     cloneTree(s.services),
		"environments": cloneTree(s.environments),
	}
	s.mu.RUnlock()

	path := filepath.Join(s.dir, "backups", time.Now().UTC().Format("20060102-150405")+".json")
	if err := writeJSON(path, snap); err != nil {
		return "", err
	}
	return path, nil
}

func cloneTree(t map[string]map[string]any) map[string]any {
	out := make(map[string]any, len(t))
	for k, v := range t {
		out[k] = Clone(v)
	}
	return out
}

// Reload re-reads one file after an external edit and reports what changed.
// kind is "global", "service", "environment", or "schema"; name is empty for
// global. Unrecognized paths are ignored.
func (s *Store) Reload(path string) (kind, name string, changed bool, err error) {
	rel, err := filepath.Rel(s.dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", "", false, nil
	}
	if !strings.HasSuffix(rel, ".json") {
		return "", "", false, nil
	}
	base := strings.TrimSuffix(filepath.Base(rel), ".json")

	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", false, fmt.Errorf("reload %s: %w", rel, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch filepath.Dir(rel) {
	case ".":
		if base != "global" {
			return "", "", false, nil
		}
		var cfg map[string]any
		if err := json.Unmarshal(data, &cfg); err != nil {
			return "global", "", false, fmt.Errorf("reload global.json: %w", err)
		}
		s.global = cfg
		return "global", "", true, nil
	case "services":
		var cfg map[string]any
		if err := json.Unmarshal(data, &cfg); err != nil {
			return "service", base, false, fmt.Errorf("reload services/%s.json: %w", base, err)
		}
		s.services[base] = cfg
		return "service", base, true, nil
	case "environments":
		var cfg map[string]any
		if err := json.Unmarshal(data, &cfg); err != nil {
			return "environment", base, false, fmt.Errorf("reload environments/%s.json: %w", base, err)
		}
		s.environments[base] = cfg
		return "environment", base, true, nil
	case "schemas":
		var sch Schema
		if err := json.Unmarshal(data, &sch); err != nil {
			return "schema", base, false, fmt.Errorf("reload schemas/%s.json: %w", base, err)
		}
		s.schemas[base] = &sch
		return "schema", base, true, nil
	}
	return "", "", false, nil
}

// writeJSON writes v atomically: temp file in the same directory, then
// rename.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
