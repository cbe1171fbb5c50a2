// Package remoteindex caches, per storage location, which index key each
// repo ID currently lives under on the remote. Remote listings are slow
// subprocess calls; the cache turns most lookups into one existence check.
package remoteindex

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"repoyard/internal/config"
	"repoyard/internal/identity"
	"repoyard/internal/meta"
	"repoyard/internal/transfer"
)

// Cache maps repo IDs to remote index keys, one cache file per storage
// location. Entries are hints: every hit is verified against the remote
// before being trusted, and a miss triggers a full rescan.
type Cache struct {
	cfg *config.Config
	t   transfer.Transfer
}

// NewCache returns a Cache backed by the given transfer tool.
func NewCache(cfg *config.Config, t transfer.Transfer) *Cache {
	return &Cache{cfg: cfg, t: t}
}

func (c *Cache) path(storageLocation string) string {
	return filepath.Join(c.cfg.RemoteIndexesDir(), storageLocation+".yaml")
}

func (c *Cache) load(storageLocation string) (map[string]string, error) {
	data, err := os.ReadFile(c.path(storageLocation))
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading remote index cache for %s: %w", storageLocation, err)
	}
	index := map[string]string{}
	if err := yaml.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parsing remote index cache for %s: %w", storageLocation, err)
	}
	return index, nil
}

func (c *Cache) save(storageLocation string, index map[string]string) error {
	data, err := yaml.Marshal(index)
	if err != nil {
		return fmt.Errorf("encoding remote index cache: %w", err)
	}
	if err := meta.AtomicWriteFile(c.path(storageLocation), data); err != nil {
		return fmt.Errorf("writing remote index cache for %s: %w", storageLocation, err)
	}
	return nil
}

// Resolve returns the remote index key for a repo ID. A cached entry is
// verified against the remote first; a stale or missing entry falls back to
// a full remote rescan. found is false when the repo has no remote
// counterpart at all.
func (c *Cache) Resolve(storageLocation, repoID string) (indexKey string, found bool, err error) {
	sl, err := c.cfg.Location(storageLocation)
	if err != nil {
		return "", false, err
	}
	store := meta.StoreRoot(storageLocation, sl)

	index, err := c.load(storageLocation)
	if err != nil {
		return "", false, err
	}

	if key, ok := index[repoID]; ok {
		exists, _, err := transfer.Exists(c.t, meta.RemoteRepoDir(store, key))
		if err != nil {
			return "", false, err
		}
		if exists {
			return key, true, nil
		}
		// Stale hint: the repo moved or vanished. Rescan below.
	}

	index, err = c.Rebuild(storageLocation)
	if err != nil {
		return "", false, err
	}
	key, ok := index[repoID]
	return key, ok, nil
}

// Update records a repo's remote index key.
func (c *Cache) Update(storageLocation, repoID, indexKey string) error {
	index, err := c.load(storageLocation)
	if err != nil {
		return err
	}
	index[repoID] = indexKey
	return c.save(storageLocation, index)
}

// Evict removes a repo's cache entry, if any.
func (c *Cache) Evict(storageLocation, repoID string) error {
	index, err := c.load(storageLocation)
	if err != nil {
		return err
	}
	if _, ok := index[repoID]; !ok {
		return nil
	}
	delete(index, repoID)
	return c.save(storageLocation, index)
}

// Rebuild replaces the cache for a storage location with a full remote
// scan and returns the fresh index.
func (c *Cache) Rebuild(storageLocation string) (map[string]string, error) {
	keys, err := c.ListRemote(storageLocation)
	if err != nil {
		return nil, err
	}

	index := make(map[string]string, len(keys))
	for _, key := range keys {
		id, _, err := identity.Parse(key)
		if err != nil {
			// Foreign directories in the repo store are skipped, not fatal.
			continue
		}
		if prev, ok := index[id]; ok {
			return nil, fmt.Errorf("storage location %s holds two repos with ID %s: %s and %s", storageLocation, id, prev, key)
		}
		index[id] = key
	}

	if err := c.save(storageLocation, index); err != nil {
		return nil, err
	}
	return index, nil
}

// ListRemote returns all repo index keys present at a storage location,
// straight from the remote.
func (c *Cache) ListRemote(storageLocation string) ([]string, error) {
	sl, err := c.cfg.Location(storageLocation)
	if err != nil {
		return nil, err
	}
	store := meta.StoreRoot(storageLocation, sl)

	entries, err := c.t.List(meta.RemoteReposPath(store))
	if err != nil {
		return nil, fmt.Errorf("listing repos at %s: %w", storageLocation, err)
	}
	var keys []string
	for _, e := range entries {
		if !e.IsDir {
			continue
		}
		keys = append(keys, e.Name)
	}
	return keys, nil
}
