// Package meta owns the authoritative local index of known repos and the
// per-repo metadata and sync-record files.
package meta

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"repoyard/internal/config"
	"repoyard/internal/identity"
	"repoyard/internal/transfer"
)

// Part identifies an independently synced piece of a repo.
type Part string

const (
	PartData Part = "data"
	PartMeta Part = "meta"
)

// Parts returns all repo parts in sync order: metadata first, so a fresh
// remote counterpart is self-describing before its data lands.
func Parts() []Part { return []Part{PartMeta, PartData} }

// Remote store layout, relative to a storage location's store root.
const (
	remoteReposDir       = "repos"
	remoteSyncRecordsDir = "sync_records"
	remoteBackupsDir     = "backups"

	// MetaFileName is the per-repo metadata file, on both sides.
	MetaFileName = "repometa.toml"

	dataDirName = "data"
)

var groupNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-/]+$`)

// RepoMeta describes one known repo. Identity fields (timestamp, sub-ID,
// name, storage location) are derived from the repo's directory placement
// and never stored inside the metadata file itself.
type RepoMeta struct {
	CreationTimestamp string   `json:"creation_timestamp_utc" toml:"-"`
	SubID             string   `json:"repo_subid" toml:"-"`
	Name              string   `json:"name" toml:"-"`
	StorageLocation   string   `json:"storage_location" toml:"-"`
	CreatorHostname   string   `json:"creator_hostname" toml:"creator_hostname"`
	Groups            []string `json:"groups" toml:"groups"`
}

// NewRepoMeta builds a RepoMeta from a generated repo ID.
func NewRepoMeta(repoID, name, storageLocation, creatorHostname string, groups []string) (*RepoMeta, error) {
	ts, subID, ok := strings.Cut(repoID, "_")
	if !ok || ts == "" || subID == "" {
		return nil, fmt.Errorf("malformed repo ID %q", repoID)
	}
	m := &RepoMeta{
		CreationTimestamp: ts,
		SubID:             subID,
		Name:              name,
		StorageLocation:   storageLocation,
		CreatorHostname:   creatorHostname,
		Groups:            groups,
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *RepoMeta) validate() error {
	seen := make(map[string]bool, len(m.Groups))
	for _, g := range m.Groups {
		if !groupNamePattern.MatchString(g) {
			return fmt.Errorf("invalid group name %q: allowed characters are alphanumeric, '_', '-', '/'", g)
		}
		if seen[g] {
			return fmt.Errorf("duplicate group %q", g)
		}
		seen[g] = true
	}
	return nil
}

// RepoID returns the immutable repo identifier.
func (m *RepoMeta) RepoID() string {
	return m.CreationTimestamp + "_" + m.SubID
}

// IndexKey returns the composite directory token for this repo. It must
// always match the on-disk directory name of the local materialization.
func (m *RepoMeta) IndexKey() string {
	return identity.Compose(m.RepoID(), m.Name)
}

// Local paths.

// LocalDir is the repo's directory in the local store.
func (m *RepoMeta) LocalDir(cfg *config.Config) string {
	return filepath.Join(cfg.LocalStoreDir(), m.StorageLocation, m.IndexKey())
}

// LocalPartPath is the local path of a repo part.
func (m *RepoMeta) LocalPartPath(cfg *config.Config, part Part) string {
	switch part {
	case PartData:
		return filepath.Join(m.LocalDir(cfg), dataDirName)
	case PartMeta:
		return filepath.Join(m.LocalDir(cfg), MetaFileName)
	}
	panic(fmt.Sprintf("unknown repo part %q", part))
}

// LocalSyncRecordPath is the local sync record file for a repo part.
func (m *RepoMeta) LocalSyncRecordPath(cfg *config.Config, part Part) string {
	return LocalSyncRecordPath(cfg, m.IndexKey(), part)
}

// LocalSyncRecordPath is the local sync record file for any index key.
func LocalSyncRecordPath(cfg *config.Config, indexKey string, part Part) string {
	return filepath.Join(cfg.SyncRecordsDir(), indexKey, string(part)+".rec")
}

// Remote paths are built from a storage location's store root and an index
// key, because the remote copy may carry a different name than the local
// one. Paths address the transfer tool, not the local OS.

// StoreRoot returns the transfer location of a storage location's store
// root. The location's name doubles as the tool's remote name.
func StoreRoot(name string, sl config.StorageLocation) transfer.Loc {
	if sl.Type == config.StorageRemote {
		return transfer.Loc{Remote: name, Path: sl.StorePath}
	}
	return transfer.Local(sl.StorePath)
}

// RemoteReposPath is the directory holding all repos of a store.
func RemoteReposPath(store transfer.Loc) transfer.Loc {
	return store.Join(remoteReposDir)
}

// RemoteRepoDir is the remote directory of one repo.
func RemoteRepoDir(store transfer.Loc, indexKey string) transfer.Loc {
	return store.Join(remoteReposDir, indexKey)
}

// RemotePartPath is the remote path of a repo part.
func RemotePartPath(store transfer.Loc, indexKey string, part Part) transfer.Loc {
	switch part {
	case PartData:
		return RemoteRepoDir(store, indexKey).Join(dataDirName)
	case PartMeta:
		return RemoteRepoDir(store, indexKey).Join(MetaFileName)
	}
	panic(fmt.Sprintf("unknown repo part %q", part))
}

// RemoteSyncRecordPath is the remote sync record file for a repo part.
func RemoteSyncRecordPath(store transfer.Loc, indexKey string, part Part) transfer.Loc {
	return store.Join(remoteSyncRecordsDir, indexKey, string(part)+".rec")
}

// RemoteSyncRecordsDir is the remote sync-record directory for a repo.
func RemoteSyncRecordsDir(store transfer.Loc, indexKey string) transfer.Loc {
	return store.Join(remoteSyncRecordsDir, indexKey)
}

// RemoteBackupPath is where the previous remote content of a part is moved
// before an overwriting transfer.
func RemoteBackupPath(store transfer.Loc, indexKey string, part Part) transfer.Loc {
	return store.Join(remoteBackupsDir, indexKey, string(part))
}
