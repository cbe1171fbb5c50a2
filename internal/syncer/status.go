package syncer

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"repoyard/internal/meta"
	"repoyard/internal/transfer"
)

// Condition is the determined sync state of one repo part.
type Condition string

const (
	// Synced: both sides carry the same confirmed sync record and the
	// local copy is unmodified since.
	Synced Condition = "SYNCED"
	// NeedsPush: the local copy is ahead (modified since the last sync,
	// or never pushed at all).
	NeedsPush Condition = "NEEDS_PUSH"
	// NeedsPull: the remote copy is ahead and the local copy is
	// unmodified since its last sync.
	NeedsPull Condition = "NEEDS_PULL"
	// SyncIncomplete: a sync record on either side is marked incomplete.
	SyncIncomplete Condition = "SYNC_INCOMPLETE"
	// Conflict: both sides changed since their records diverged; no
	// direction is safe without an explicit choice.
	Conflict Condition = "CONFLICT"
	// Aborted: no local sync record exists but a remote copy does. A
	// prior sync was interrupted; distinct from never-synced.
	Aborted Condition = "ABORTED"
	// Excluded: the part is not materialized locally.
	Excluded Condition = "EXCLUDED"
)

// PartStatus is the status of one part of a repo.
type PartStatus struct {
	Part         meta.Part
	Condition    Condition
	LocalRecord  *meta.SyncRecord
	RemoteRecord *meta.SyncRecord
}

// Status is the full sync status of one repo against its storage location.
type Status struct {
	IndexKey        string
	StorageLocation string
	// RemoteIndexKey is the key the remote copy currently lives under,
	// empty when the repo has no remote counterpart.
	RemoteIndexKey string
	// NameMismatch is set when local and remote names differ for the
	// same repo ID. Sync is by ID; a mismatch is a notice, not an error.
	NameMismatch bool
	Included     bool
	Parts        []PartStatus
}

// RemoteExists reports whether the repo has a remote counterpart.
func (st *Status) RemoteExists() bool { return st.RemoteIndexKey != "" }

// Status determines the sync status of one repo. It consults the remote
// only through record reads and the index cache, never transferring data.
// A tombstoned repo ID yields a TombstonedError; an interrupted prior sync
// yields an AbortedSyncError.
func (s *Service) Status(m *meta.RepoMeta) (*Status, error) {
	st, err := s.determine(m)
	if err != nil {
		return nil, err
	}
	for _, ps := range st.Parts {
		if ps.Condition == Aborted {
			return nil, &AbortedSyncError{
				IndexKey:        m.IndexKey(),
				Part:            ps.Part,
				StorageLocation: m.StorageLocation,
			}
		}
	}
	return st, nil
}

// determine computes the full status, reporting an aborted prior sync as a
// part condition rather than an error, so sync can act on it.
func (s *Service) determine(m *meta.RepoMeta) (*Status, error) {
	store, err := s.storeRoot(m.StorageLocation)
	if err != nil {
		return nil, err
	}
	if err := s.checkTombstone(store, m.StorageLocation, m.RepoID()); err != nil {
		return nil, err
	}

	remoteKey, found, err := s.cache.Resolve(m.StorageLocation, m.RepoID())
	if err != nil {
		return nil, err
	}

	st := &Status{
		IndexKey:        m.IndexKey(),
		StorageLocation: m.StorageLocation,
		Included:        s.included(m),
	}
	if found {
		st.RemoteIndexKey = remoteKey
		st.NameMismatch = remoteKey != m.IndexKey()
	}

	for _, part := range meta.Parts() {
		ps, err := s.partStatus(m, st, store, part)
		if err != nil {
			return nil, err
		}
		st.Parts = append(st.Parts, ps)
	}
	return st, nil
}

// included reports whether the repo's data is materialized locally.
func (s *Service) included(m *meta.RepoMeta) bool {
	info, err := os.Stat(m.LocalPartPath(s.cfg, meta.PartData))
	return err == nil && info.IsDir()
}

func (s *Service) partStatus(m *meta.RepoMeta, st *Status, store transfer.Loc, part meta.Part) (PartStatus, error) {
	ps := PartStatus{Part: part}

	if part == meta.PartData && !st.Included {
		ps.Condition = Excluded
		return ps, nil
	}

	lrec, err := meta.ReadLocalSyncRecord(m.LocalSyncRecordPath(s.cfg, part))
	if err != nil {
		return ps, err
	}
	ps.LocalRecord = lrec

	var rrec *meta.SyncRecord
	if st.RemoteExists() {
		rrec, err = meta.ReadRemoteSyncRecord(s.transfer, meta.RemoteSyncRecordPath(store, st.RemoteIndexKey, part))
		if err != nil {
			return ps, err
		}
		ps.RemoteRecord = rrec
	}

	ps.Condition, err = s.partCondition(m, st, part, lrec, rrec)
	return ps, err
}

func (s *Service) partCondition(m *meta.RepoMeta, st *Status, part meta.Part, lrec, rrec *meta.SyncRecord) (Condition, error) {
	if lrec == nil {
		if st.RemoteExists() {
			// Interrupted prior sync, not a fresh repo.
			return Aborted, nil
		}
		return NeedsPush, nil
	}

	if !lrec.SyncComplete {
		return SyncIncomplete, nil
	}
	if !st.RemoteExists() || rrec == nil {
		// The remote side lost its copy or its record; push restores it.
		return NeedsPush, nil
	}
	if !rrec.SyncComplete {
		return SyncIncomplete, nil
	}

	modified, err := s.modifiedSince(m, part, lrec.Timestamp)
	if err != nil {
		return "", err
	}

	if lrec.ID == rrec.ID {
		if modified {
			return NeedsPush, nil
		}
		return Synced, nil
	}

	// Records diverged: some other machine synced since we last did.
	if rrec.Timestamp.After(lrec.Timestamp) && !modified {
		return NeedsPull, nil
	}
	return Conflict, nil
}

// modifiedSince reports whether the local part content changed after the
// given time, by walking modification times.
func (s *Service) modifiedSince(m *meta.RepoMeta, part meta.Part, since time.Time) (bool, error) {
	root := m.LocalPartPath(s.cfg, part)
	modified := false
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !d.IsDir() && info.ModTime().After(since) {
			modified = true
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("walking %s: %w", root, err)
	}
	return modified, nil
}
