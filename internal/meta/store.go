package meta

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"

	"repoyard/internal/config"
	"repoyard/internal/identity"
	"repoyard/internal/lock"
)

// Store is the authoritative index of known repos. The index file is a
// cache of the local store's directory layout: Refresh rebuilds it from the
// filesystem, Load reads the last written snapshot.
type Store struct {
	cfg   *config.Config
	locks *lock.Manager
}

// NewStore returns a Store using the given lock manager for index writes.
func NewStore(cfg *config.Config, locks *lock.Manager) *Store {
	return &Store{cfg: cfg, locks: locks}
}

// Load reads the persisted yard index, rebuilding it first if no snapshot
// exists yet.
func (s *Store) Load() (*Yard, error) {
	data, err := os.ReadFile(s.cfg.MetaPath())
	if os.IsNotExist(err) {
		return s.Refresh()
	}
	if err != nil {
		return nil, fmt.Errorf("reading yard index: %w", err)
	}

	var yard Yard
	if err := json.Unmarshal(data, &yard); err != nil {
		return nil, fmt.Errorf("parsing yard index %s: %w", s.cfg.MetaPath(), err)
	}
	return &yard, nil
}

// Refresh rebuilds the yard index from the materialized repo directories,
// persists it atomically under the global lock, and returns the freshly
// written value. A persist failure returns the error, never a value
// inconsistent with disk.
func (s *Store) Refresh() (*Yard, error) {
	yard, err := s.scan()
	if err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(yard, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding yard index: %w", err)
	}

	h, err := s.locks.AcquireGlobal(lock.DefaultGlobalTimeout)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	if err := AtomicWriteFile(s.cfg.MetaPath(), data); err != nil {
		return nil, fmt.Errorf("persisting yard index: %w", err)
	}
	return yard, nil
}

// scan walks the local store and loads every repo's metadata file. The
// filesystem is the authoritative source; the index file is derived.
func (s *Store) scan() (*Yard, error) {
	yard := &Yard{}

	locations := make([]string, 0, len(s.cfg.StorageLocations))
	for name := range s.cfg.StorageLocations {
		locations = append(locations, name)
	}
	sort.Strings(locations)

	for _, sl := range locations {
		dir := filepath.Join(s.cfg.LocalStoreDir(), sl)
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading local store for %s: %w", sl, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			m, err := LoadRepoMeta(s.cfg, sl, e.Name())
			if err != nil {
				return nil, fmt.Errorf("loading repo %s/%s: %w", sl, e.Name(), err)
			}
			yard.RepoMetas = append(yard.RepoMetas, m)
		}
	}

	sort.Slice(yard.RepoMetas, func(i, j int) bool {
		return yard.RepoMetas[i].IndexKey() < yard.RepoMetas[j].IndexKey()
	})
	return yard, nil
}

// SaveRepoMeta writes a repo's metadata file into its local directory.
func SaveRepoMeta(cfg *config.Config, m *RepoMeta) error {
	path := m.LocalPartPath(cfg, PartMeta)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating repo directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", MetaFileName, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(m); err != nil {
		return fmt.Errorf("encoding %s: %w", MetaFileName, err)
	}
	return nil
}

// LoadRepoMeta reads one repo's metadata file, deriving the identity fields
// from the directory name.
func LoadRepoMeta(cfg *config.Config, storageLocation, indexKey string) (*RepoMeta, error) {
	repoID, name, err := identity.Parse(indexKey)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(cfg.LocalStoreDir(), storageLocation, indexKey, MetaFileName)
	var m RepoMeta
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	loaded, err := NewRepoMeta(repoID, name, storageLocation, m.CreatorHostname, m.Groups)
	if err != nil {
		return nil, err
	}
	return loaded, nil
}

// AtomicWriteFile writes data with the temp-file-then-rename pattern so a
// crash mid-write never corrupts the previous valid snapshot.
func AtomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}
