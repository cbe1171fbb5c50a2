package meta

import "sort"

// Yard is the full collection of known repos. RepoMetas is the single
// authoritative sequence; every lookup view below is recomputed from it on
// demand and never from another view.
type Yard struct {
	RepoMetas []*RepoMeta `json:"repo_metas"`
}

// ByIndexKey maps index key to repo.
func (y *Yard) ByIndexKey() map[string]*RepoMeta {
	out := make(map[string]*RepoMeta, len(y.RepoMetas))
	for _, m := range y.RepoMetas {
		out[m.IndexKey()] = m
	}
	return out
}

// ByID maps repo ID to repo.
func (y *Yard) ByID() map[string]*RepoMeta {
	out := make(map[string]*RepoMeta, len(y.RepoMetas))
	for _, m := range y.RepoMetas {
		out[m.RepoID()] = m
	}
	return out
}

// ByStorageLocation groups repos by the storage-location values actually
// present in the sequence, keyed by index key within each group.
func (y *Yard) ByStorageLocation() map[string]map[string]*RepoMeta {
	out := make(map[string]map[string]*RepoMeta)
	for _, m := range y.RepoMetas {
		group, ok := out[m.StorageLocation]
		if !ok {
			group = make(map[string]*RepoMeta)
			out[m.StorageLocation] = group
		}
		group[m.IndexKey()] = m
	}
	return out
}

// IndexKeys returns all index keys, sorted.
func (y *Yard) IndexKeys() []string {
	keys := make([]string, 0, len(y.RepoMetas))
	for _, m := range y.RepoMetas {
		keys = append(keys, m.IndexKey())
	}
	sort.Strings(keys)
	return keys
}

// IDSet returns the set of all known repo IDs, for collision checks at
// creation time.
func (y *Yard) IDSet() map[string]bool {
	out := make(map[string]bool, len(y.RepoMetas))
	for _, m := range y.RepoMetas {
		out[m.RepoID()] = true
	}
	return out
}
