package syncer

import (
	"fmt"
	"os"
	"path/filepath"

	"repoyard/internal/identity"
	"repoyard/internal/lock"
	"repoyard/internal/meta"
	"repoyard/internal/tombstone"
	"repoyard/internal/transfer"
)

// CreateRepo registers a new repo in the local store. fromPath, when
// non-empty, seeds the data directory from an existing local directory:
// moved by default, copied when copyFrom is set.
func (s *Service) CreateRepo(name, storageLocation, fromPath string, copyFrom bool) (*meta.RepoMeta, error) {
	if storageLocation == "" {
		storageLocation = s.cfg.DefaultStorageLocation
	}
	if _, err := s.cfg.Location(storageLocation); err != nil {
		return nil, err
	}

	yard, err := s.store.Load()
	if err != nil {
		return nil, err
	}

	gen := identity.NewGenerator(s.cfg.SubIDCharset, s.cfg.SubIDLength)
	repoID, err := gen.NewID(yard.IDSet())
	if err != nil {
		return nil, err
	}

	m, err := meta.NewRepoMeta(repoID, name, storageLocation, s.hostname, nil)
	if err != nil {
		return nil, err
	}

	if err := meta.SaveRepoMeta(s.cfg, m); err != nil {
		return nil, err
	}
	dataDir := m.LocalPartPath(s.cfg, meta.PartData)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	if fromPath != "" {
		if err := s.seedData(dataDir, fromPath, copyFrom); err != nil {
			return nil, err
		}
	}

	if _, err := s.store.Refresh(); err != nil {
		return nil, err
	}
	s.logger.Info("repo created", "repo", m.IndexKey(), "storage_location", storageLocation)
	return m, nil
}

func (s *Service) seedData(dataDir, fromPath string, copyFrom bool) error {
	if copyFrom {
		if err := os.CopyFS(dataDir, os.DirFS(fromPath)); err != nil {
			return fmt.Errorf("copying %s: %w", fromPath, err)
		}
		return nil
	}
	// Moving replaces the freshly created empty directory.
	if err := os.Remove(dataDir); err != nil {
		return err
	}
	if err := os.Rename(fromPath, dataDir); err != nil {
		return fmt.Errorf("moving %s: %w", fromPath, err)
	}
	return nil
}

// RenameScope selects which copies a rename touches.
type RenameScope string

const (
	ScopeLocal  RenameScope = "local"
	ScopeRemote RenameScope = "remote"
	ScopeBoth   RenameScope = "both"
)

// Rename changes a repo's name. The repo ID never changes; only index keys
// (and so directory names) do. Remote scope renames the remote copy
// through the transfer tool and updates the index cache without a rescan.
func (s *Service) Rename(m *meta.RepoMeta, newName string, scope RenameScope) error {
	newKey := identity.Compose(m.RepoID(), newName)
	if _, _, err := identity.Parse(newKey); err != nil {
		return err
	}

	h, err := s.locks.AcquireRepo(m.IndexKey(), lock.DefaultRepoTimeout)
	if err != nil {
		return err
	}
	defer h.Release()

	if scope == ScopeRemote || scope == ScopeBoth {
		if err := s.renameRemote(m, newKey); err != nil {
			return err
		}
	}
	if scope == ScopeLocal || scope == ScopeBoth {
		if err := s.renameLocal(m, newKey, newName); err != nil {
			return err
		}
	}

	// Refresh takes the global lock; release the repo lock first to keep
	// the global-before-repo ordering.
	h.Release()
	_, err = s.store.Refresh()
	return err
}

func (s *Service) renameLocal(m *meta.RepoMeta, newKey, newName string) error {
	oldDir := m.LocalDir(s.cfg)
	oldRecords := filepath.Join(s.cfg.SyncRecordsDir(), m.IndexKey())

	newDir := filepath.Join(filepath.Dir(oldDir), newKey)
	if err := os.Rename(oldDir, newDir); err != nil {
		return fmt.Errorf("renaming repo directory: %w", err)
	}
	if _, err := os.Stat(oldRecords); err == nil {
		if err := os.Rename(oldRecords, filepath.Join(s.cfg.SyncRecordsDir(), newKey)); err != nil {
			return fmt.Errorf("renaming sync records: %w", err)
		}
	}

	s.logger.Info("repo renamed locally", "repo", m.IndexKey(), "new_key", newKey)
	m.Name = newName
	return nil
}

func (s *Service) renameRemote(m *meta.RepoMeta, newKey string) error {
	store, err := s.storeRoot(m.StorageLocation)
	if err != nil {
		return err
	}
	if err := s.checkTombstone(store, m.StorageLocation, m.RepoID()); err != nil {
		return err
	}

	remoteKey, found, err := s.cache.Resolve(m.StorageLocation, m.RepoID())
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("repo %s has no remote copy at %s to rename", m.IndexKey(), m.StorageLocation)
	}
	if remoteKey == newKey {
		return nil
	}

	if err := s.transfer.Move(meta.RemoteRepoDir(store, remoteKey), meta.RemoteRepoDir(store, newKey)); err != nil {
		return fmt.Errorf("renaming remote repo: %w", err)
	}
	oldRecords := meta.RemoteSyncRecordsDir(store, remoteKey)
	if exists, _, err := transfer.Exists(s.transfer, oldRecords); err != nil {
		return err
	} else if exists {
		if err := s.transfer.Move(oldRecords, meta.RemoteSyncRecordsDir(store, newKey)); err != nil {
			return fmt.Errorf("renaming remote sync records: %w", err)
		}
	}

	s.logger.Info("repo renamed remotely", "remote_key", remoteKey, "new_key", newKey)
	return s.cache.Update(m.StorageLocation, m.RepoID(), newKey)
}

// NameDirection selects which side's name wins in SyncName.
type NameDirection string

const (
	NameToLocal  NameDirection = "to-local"
	NameToRemote NameDirection = "to-remote"
)

// SyncName reconciles a local/remote name mismatch by renaming one side to
// match the other.
func (s *Service) SyncName(m *meta.RepoMeta, direction NameDirection) error {
	remoteKey, found, err := s.cache.Resolve(m.StorageLocation, m.RepoID())
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("repo %s has no remote copy at %s", m.IndexKey(), m.StorageLocation)
	}
	if remoteKey == m.IndexKey() {
		return nil
	}

	switch direction {
	case NameToLocal:
		_, remoteName, err := identity.Parse(remoteKey)
		if err != nil {
			return fmt.Errorf("remote key %q: %w", remoteKey, err)
		}
		return s.Rename(m, remoteName, ScopeLocal)
	case NameToRemote:
		return s.Rename(m, m.Name, ScopeRemote)
	}
	return fmt.Errorf("unknown name direction %q", direction)
}

// Delete removes a repo. Unless localOnly is set, the remote copy is
// purged, and a tombstone is written and confirmed before any remote data
// is touched: a crash mid-delete may leave a tombstone with no data, never
// data with no tombstone.
func (s *Service) Delete(m *meta.RepoMeta, localOnly bool) error {
	h, err := s.locks.AcquireRepo(m.IndexKey(), lock.DefaultRepoTimeout)
	if err != nil {
		return err
	}
	defer h.Release()

	if !localOnly {
		if err := s.deleteRemote(m); err != nil {
			return err
		}
	}

	if err := os.RemoveAll(m.LocalDir(s.cfg)); err != nil {
		return fmt.Errorf("removing local repo directory: %w", err)
	}
	if err := os.RemoveAll(filepath.Join(s.cfg.SyncRecordsDir(), m.IndexKey())); err != nil {
		return fmt.Errorf("removing local sync records: %w", err)
	}

	h.Release()
	if _, err := s.store.Refresh(); err != nil {
		return err
	}
	s.logger.Info("repo deleted", "repo", m.IndexKey(), "local_only", localOnly)
	return nil
}

func (s *Service) deleteRemote(m *meta.RepoMeta) error {
	store, err := s.storeRoot(m.StorageLocation)
	if err != nil {
		return err
	}

	remoteKey, found, err := s.cache.Resolve(m.StorageLocation, m.RepoID())
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	_, remoteName, err := identity.Parse(remoteKey)
	if err != nil {
		return fmt.Errorf("remote key %q: %w", remoteKey, err)
	}
	ts := &tombstone.Tombstone{
		RepoID:            m.RepoID(),
		DeletedAt:         s.clock.Now().UTC(),
		DeletedByHostname: s.hostname,
		LastKnownName:     remoteName,
	}
	// Tombstone first. Only after it is confirmed may remote data go.
	if err := s.tombstones.Create(store, ts); err != nil {
		return err
	}

	for _, loc := range []transfer.Loc{
		meta.RemoteRepoDir(store, remoteKey),
		meta.RemoteSyncRecordsDir(store, remoteKey),
		store.Join("backups", remoteKey),
	} {
		exists, _, err := transfer.Exists(s.transfer, loc)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		if err := s.transfer.Purge(loc); err != nil {
			return fmt.Errorf("purging %s: %w", loc.Spec(), err)
		}
	}

	return s.cache.Evict(m.StorageLocation, m.RepoID())
}

// Untombstone removes a repo ID's tombstone, allowing normal resolution
// again. Fails with tombstone.NotFoundError if none exists.
func (s *Service) Untombstone(storageLocation, repoID string) error {
	store, err := s.storeRoot(storageLocation)
	if err != nil {
		return err
	}
	if err := s.tombstones.Remove(store, repoID); err != nil {
		return err
	}
	s.logger.Info("tombstone removed", "repo_id", repoID, "storage_location", storageLocation)
	return nil
}

// Tombstones lists all tombstones at a storage location.
func (s *Service) Tombstones(storageLocation string) ([]*tombstone.Tombstone, error) {
	store, err := s.storeRoot(storageLocation)
	if err != nil {
		return nil, err
	}
	return s.tombstones.List(store)
}

// Include materializes a repo's data locally by pulling it from the
// remote. The repo keeps its local name even if the remote name differs.
func (s *Service) Include(m *meta.RepoMeta) error {
	if s.included(m) {
		return fmt.Errorf("repo %s is already included", m.IndexKey())
	}
	_, found, err := s.cache.Resolve(m.StorageLocation, m.RepoID())
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("repo %s has no remote copy at %s to include from", m.IndexKey(), m.StorageLocation)
	}
	if err := os.MkdirAll(m.LocalPartPath(s.cfg, meta.PartData), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	// An excluded repo has no data sync record; an explicit replace pull
	// is the recovery path.
	return s.SyncRepo(m, SyncOptions{
		Direction: DirectionPull,
		Setting:   SettingReplace,
		Parts:     []meta.Part{meta.PartData},
	})
}

// Exclude drops the local data copy of a repo, keeping its metadata. It
// refuses unless the data part is currently synced, so no local-only
// changes can be lost.
func (s *Service) Exclude(m *meta.RepoMeta) error {
	h, err := s.locks.AcquireRepo(m.IndexKey(), lock.DefaultRepoTimeout)
	if err != nil {
		return err
	}
	defer h.Release()

	st, err := s.Status(m)
	if err != nil {
		return err
	}
	if !st.Included {
		return fmt.Errorf("repo %s is not included", m.IndexKey())
	}
	for _, ps := range st.Parts {
		if ps.Part == meta.PartData && ps.Condition != Synced {
			return &RefusedError{
				IndexKey:  m.IndexKey(),
				Part:      ps.Part,
				Condition: ps.Condition,
				Reason:    "data must be synced before the local copy is dropped",
			}
		}
	}

	if err := os.RemoveAll(m.LocalPartPath(s.cfg, meta.PartData)); err != nil {
		return fmt.Errorf("removing local data: %w", err)
	}
	if err := meta.RemoveLocalSyncRecord(m.LocalSyncRecordPath(s.cfg, meta.PartData)); err != nil {
		return err
	}
	s.logger.Info("repo excluded", "repo", m.IndexKey())
	return nil
}
