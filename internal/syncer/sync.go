package syncer

import (
	"fmt"
	"os"
	"sort"

	"github.com/hashicorp/go-multierror"

	"repoyard/internal/identity"
	"repoyard/internal/lock"
	"repoyard/internal/meta"
	"repoyard/internal/transfer"
)

// Direction selects which side overwrites the other. Auto derives it from
// the determined condition.
type Direction string

const (
	DirectionAuto Direction = ""
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
)

// Setting controls how much divergence a sync will overwrite.
type Setting string

const (
	// SettingCareful transfers only when the determined condition agrees
	// with the direction. The default.
	SettingCareful Setting = "careful"
	// SettingReplace allows an explicit direction to overwrite a
	// diverged, incomplete, or aborted counterpart, with backup.
	SettingReplace Setting = "replace"
	// SettingForce additionally transfers when already synced.
	SettingForce Setting = "force"
)

// SyncOptions tune one sync invocation.
type SyncOptions struct {
	Direction Direction
	Setting   Setting
	// Parts limits the sync to the given parts; nil means all.
	Parts []meta.Part
}

func (o *SyncOptions) applyDefaults() {
	if o.Setting == "" {
		o.Setting = SettingCareful
	}
	if len(o.Parts) == 0 {
		o.Parts = meta.Parts()
	}
}

// SyncRepo synchronizes one repo with its storage location under the
// per-repo lock. A tombstoned repo ID fails before any transfer. On a part
// transfer failure the in-progress marker is left in place so the next
// attempt detects the aborted sync.
func (s *Service) SyncRepo(m *meta.RepoMeta, opts SyncOptions) error {
	opts.applyDefaults()

	store, err := s.storeRoot(m.StorageLocation)
	if err != nil {
		return err
	}
	if err := s.checkTombstone(store, m.StorageLocation, m.RepoID()); err != nil {
		return err
	}

	h, err := s.locks.AcquireRepo(m.IndexKey(), lock.DefaultRepoTimeout)
	if err != nil {
		return err
	}
	defer h.Release()

	if err := s.interrupt.Checkpoint(); err != nil {
		return err
	}

	st, err := s.determine(m)
	if err != nil {
		return err
	}
	if st.NameMismatch {
		s.logger.Warn("remote name differs from local name",
			"repo", m.IndexKey(), "remote_key", st.RemoteIndexKey)
	}

	// A new repo's local key becomes the remote target.
	remoteKey := st.RemoteIndexKey
	if remoteKey == "" {
		remoteKey = m.IndexKey()
	}

	synced := false
	for _, ps := range st.Parts {
		if !partSelected(ps.Part, opts.Parts) {
			continue
		}
		if err := s.interrupt.Checkpoint(); err != nil {
			return err
		}

		dir, err := s.decide(m, ps, opts)
		if err != nil {
			return err
		}
		switch dir {
		case DirectionPush:
			s.logger.Info("pushing part", "repo", m.IndexKey(), "part", ps.Part, "storage_location", m.StorageLocation)
			if err := s.pushPart(m, store, remoteKey, ps); err != nil {
				return err
			}
			synced = true
		case DirectionPull:
			s.logger.Info("pulling part", "repo", m.IndexKey(), "part", ps.Part, "storage_location", m.StorageLocation)
			if err := s.pullPart(m, store, remoteKey, ps); err != nil {
				return err
			}
			synced = true
		default:
			s.logger.Debug("part already synced", "repo", m.IndexKey(), "part", ps.Part)
		}
	}

	if synced {
		if err := s.cache.Update(m.StorageLocation, m.RepoID(), remoteKey); err != nil {
			return err
		}
	}
	return nil
}

func partSelected(part meta.Part, parts []meta.Part) bool {
	for _, p := range parts {
		if p == part {
			return true
		}
	}
	return false
}

// decide maps a part's condition and the sync options to a transfer
// direction, DirectionAuto meaning no transfer is needed.
func (s *Service) decide(m *meta.RepoMeta, ps PartStatus, opts SyncOptions) (Direction, error) {
	refuse := func(reason string) (Direction, error) {
		return DirectionAuto, &RefusedError{
			IndexKey:  m.IndexKey(),
			Part:      ps.Part,
			Condition: ps.Condition,
			Reason:    reason,
		}
	}

	switch ps.Condition {
	case Excluded:
		return DirectionAuto, nil

	case Synced:
		if opts.Setting != SettingForce {
			return DirectionAuto, nil
		}
		if opts.Direction == DirectionAuto {
			return DirectionPush, nil
		}
		return opts.Direction, nil

	case NeedsPush:
		if opts.Direction == DirectionAuto || opts.Direction == DirectionPush {
			return DirectionPush, nil
		}
		if opts.Setting == SettingCareful {
			return refuse("local copy is ahead; pulling would discard local changes (use setting replace)")
		}
		return DirectionPull, nil

	case NeedsPull:
		if opts.Direction == DirectionAuto || opts.Direction == DirectionPull {
			return DirectionPull, nil
		}
		if opts.Setting == SettingCareful {
			return refuse("remote copy is ahead; pushing would discard remote changes (use setting replace)")
		}
		return DirectionPush, nil

	case Aborted:
		if opts.Setting == SettingCareful {
			return DirectionAuto, &AbortedSyncError{
				IndexKey:        m.IndexKey(),
				Part:            ps.Part,
				StorageLocation: m.StorageLocation,
			}
		}
		if opts.Direction == DirectionAuto {
			return refuse("a previous sync was aborted; choose an explicit direction")
		}
		return opts.Direction, nil

	case SyncIncomplete, Conflict:
		if opts.Setting == SettingCareful {
			return refuse("no direction is safe; inspect both copies, then use setting replace with an explicit direction")
		}
		if opts.Direction == DirectionAuto {
			return refuse("choose an explicit direction")
		}
		return opts.Direction, nil
	}
	return DirectionAuto, fmt.Errorf("unknown sync condition %q", ps.Condition)
}

// pushPart overwrites the remote part with the local copy. Previously
// synced remote content is moved to a backup location first.
func (s *Service) pushPart(m *meta.RepoMeta, store transfer.Loc, remoteKey string, ps PartStatus) error {
	recPath := m.LocalSyncRecordPath(s.cfg, ps.Part)
	rec := meta.NewSyncRecord(false, s.hostname)
	if err := rec.WriteLocal(recPath); err != nil {
		return err
	}

	remotePart := meta.RemotePartPath(store, remoteKey, ps.Part)
	backedUp, err := s.backupRemote(store, remoteKey, ps.Part, remotePart)
	if err != nil {
		return err
	}

	if err := s.transferPush(m, ps.Part, remotePart); err != nil {
		// The in-progress marker stays: the next status run reports the
		// aborted sync instead of guessing.
		s.restoreBackup(store, remoteKey, ps.Part, remotePart, backedUp)
		return err
	}

	rec.SyncComplete = true
	rec.Timestamp = s.clock.Now().UTC()
	if err := rec.WriteRemote(s.transfer, meta.RemoteSyncRecordPath(store, remoteKey, ps.Part)); err != nil {
		return err
	}
	return rec.WriteLocal(recPath)
}

func (s *Service) transferPush(m *meta.RepoMeta, part meta.Part, remotePart transfer.Loc) error {
	local := m.LocalPartPath(s.cfg, part)
	switch part {
	case meta.PartData:
		return s.transfer.Copy(transfer.Local(local), remotePart, transfer.CopyOptions{
			Exclude: s.cfg.DataExcludes,
		})
	case meta.PartMeta:
		data, err := os.ReadFile(local)
		if err != nil {
			return fmt.Errorf("reading %s: %w", local, err)
		}
		return s.transfer.Write(remotePart, data)
	}
	return fmt.Errorf("unknown repo part %q", part)
}

// backupRemote moves existing remote part content aside before an
// overwrite, replacing any previous backup. Reports whether a backup was
// made.
func (s *Service) backupRemote(store transfer.Loc, remoteKey string, part meta.Part, remotePart transfer.Loc) (bool, error) {
	exists, _, err := transfer.Exists(s.transfer, remotePart)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	backup := meta.RemoteBackupPath(store, remoteKey, part)
	prev, prevIsDir, err := transfer.Exists(s.transfer, backup)
	if err != nil {
		return false, err
	}
	if prev {
		clear := s.transfer.Delete
		if prevIsDir {
			clear = s.transfer.Purge
		}
		if err := clear(backup); err != nil {
			return false, fmt.Errorf("clearing previous backup: %w", err)
		}
	}
	if err := s.transfer.Move(remotePart, backup); err != nil {
		return false, fmt.Errorf("backing up remote content: %w", err)
	}
	return true, nil
}

// restoreBackup puts backed-up remote content back after a failed
// transfer, where possible. A restore failure is logged, not propagated:
// the transfer error is the primary failure.
func (s *Service) restoreBackup(store transfer.Loc, remoteKey string, part meta.Part, remotePart transfer.Loc, backedUp bool) {
	if !backedUp {
		return
	}
	backup := meta.RemoteBackupPath(store, remoteKey, part)
	if err := s.transfer.Move(backup, remotePart); err != nil {
		s.logger.Error("could not restore remote backup after failed transfer",
			"repo", remoteKey, "part", part, "backup", backup.Spec(), "error", err)
	}
}

// pullPart overwrites the local part with the remote copy.
func (s *Service) pullPart(m *meta.RepoMeta, store transfer.Loc, remoteKey string, ps PartStatus) error {
	recPath := m.LocalSyncRecordPath(s.cfg, ps.Part)
	rec := meta.NewSyncRecord(false, s.hostname)
	if err := rec.WriteLocal(recPath); err != nil {
		return err
	}

	remotePart := meta.RemotePartPath(store, remoteKey, ps.Part)
	local := m.LocalPartPath(s.cfg, ps.Part)
	switch ps.Part {
	case meta.PartData:
		if err := os.MkdirAll(local, 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		if err := s.transfer.Copy(remotePart, transfer.Local(local), transfer.CopyOptions{
			Exclude: s.cfg.DataExcludes,
		}); err != nil {
			return err
		}
	case meta.PartMeta:
		data, exists, err := s.transfer.Read(remotePart)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("remote has no %s for %s", meta.MetaFileName, remoteKey)
		}
		if err := meta.AtomicWriteFile(local, data); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown repo part %q", ps.Part)
	}

	// The confirmed local record adopts the remote record's identity so
	// both sides provably describe the same content.
	if ps.RemoteRecord != nil {
		rec.ID = ps.RemoteRecord.ID
	}
	rec.SyncComplete = true
	rec.Timestamp = s.clock.Now().UTC()
	if ps.RemoteRecord == nil {
		if err := rec.WriteRemote(s.transfer, meta.RemoteSyncRecordPath(store, remoteKey, ps.Part)); err != nil {
			return err
		}
	}
	return rec.WriteLocal(recPath)
}

// SyncAll synchronizes several repos, acquiring all their locks up front
// in deterministic order so concurrent batch runs cannot deadlock. Refs
// may be empty, meaning every known repo. Failures are collected per repo;
// the rest of the batch still runs.
func (s *Service) SyncAll(refs []string, opts SyncOptions) error {
	yard, err := s.store.Load()
	if err != nil {
		return err
	}

	var keys []string
	if len(refs) == 0 {
		keys = yard.IndexKeys()
	} else {
		for _, ref := range refs {
			key, err := identity.Resolve(ref, yard.IndexKeys())
			if err != nil {
				return err
			}
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	handles, err := s.locks.AcquireRepos(keys, lock.DefaultRepoTimeout)
	if err != nil {
		return err
	}
	defer handles.Release()

	byKey := yard.ByIndexKey()
	var result *multierror.Error
	for _, key := range keys {
		if err := s.interrupt.Checkpoint(); err != nil {
			result = multierror.Append(result, err)
			break
		}
		if err := s.SyncRepo(byKey[key], opts); err != nil {
			s.logger.Error("sync failed", "repo", key, "error", err)
			result = multierror.Append(result, fmt.Errorf("repo %s: %w", key, err))
		}
	}
	return result.ErrorOrNil()
}
