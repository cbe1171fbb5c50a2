package syncer

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"repoyard/internal/config"
	"repoyard/internal/interrupt"
	"repoyard/internal/lock"
	"repoyard/internal/meta"
	"repoyard/internal/remoteindex"
	"repoyard/internal/testutil"
	"repoyard/internal/tombstone"
	"repoyard/internal/transfer"
)

func newTestService(t *testing.T) (*Service, *testutil.FakeTransfer) {
	t.Helper()
	cfg := config.NewConfig("test-install", t.TempDir())
	cfg.DefaultStorageLocation = "my_remote"
	cfg.StorageLocations["my_remote"] = config.StorageLocation{Type: config.StorageRemote, StorePath: "repoyard"}

	ft := testutil.NewFakeTransfer()
	locks := lock.NewManager(cfg.LocksDir())
	store := meta.NewStore(cfg, locks)
	cache := remoteindex.NewCache(cfg, ft)
	tombstones := tombstone.NewRegistry(ft)
	svc := NewService(cfg, store, locks, ft, cache, tombstones,
		interrupt.NewController(), NewNopLogger(), RealClock{}, "host1")
	return svc, ft
}

func createRepo(t *testing.T, svc *Service, name string) *meta.RepoMeta {
	t.Helper()
	m, err := svc.CreateRepo(name, "", "", false)
	if err != nil {
		t.Fatalf("CreateRepo() error = %v", err)
	}
	return m
}

func writeData(t *testing.T, svc *Service, m *meta.RepoMeta, name, content string) {
	t.Helper()
	p := filepath.Join(m.LocalPartPath(svc.cfg, meta.PartData), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func storeRoot(t *testing.T, svc *Service) transfer.Loc {
	t.Helper()
	root, err := svc.storeRoot("my_remote")
	if err != nil {
		t.Fatal(err)
	}
	return root
}

func TestCreateAndPush(t *testing.T) {
	svc, ft := newTestService(t)
	m := createRepo(t, svc, "notes")
	writeData(t, svc, m, "a.txt", "hello")

	if err := svc.SyncRepo(m, SyncOptions{}); err != nil {
		t.Fatalf("SyncRepo() error = %v", err)
	}

	root := storeRoot(t, svc)
	key := m.IndexKey()
	for _, loc := range []transfer.Loc{
		meta.RemotePartPath(root, key, meta.PartMeta),
		meta.RemotePartPath(root, key, meta.PartData).Join("a.txt"),
		meta.RemoteSyncRecordPath(root, key, meta.PartMeta),
		meta.RemoteSyncRecordPath(root, key, meta.PartData),
	} {
		if _, ok := ft.RemoteFile(loc); !ok {
			t.Errorf("remote missing %s after push; have %v", loc.Spec(), ft.RemoteFiles())
		}
	}

	st, err := svc.Status(m)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !st.RemoteExists() || st.NameMismatch || !st.Included {
		t.Errorf("Status = %+v", st)
	}
	for _, ps := range st.Parts {
		if ps.Condition != Synced {
			t.Errorf("part %s condition = %s, want SYNCED", ps.Part, ps.Condition)
		}
		if ps.LocalRecord == nil || ps.RemoteRecord == nil || ps.LocalRecord.ID != ps.RemoteRecord.ID {
			t.Errorf("part %s records do not match: %+v %+v", ps.Part, ps.LocalRecord, ps.RemoteRecord)
		}
	}
}

func TestModifiedLocalNeedsPush(t *testing.T) {
	svc, _ := newTestService(t)
	m := createRepo(t, svc, "notes")
	writeData(t, svc, m, "a.txt", "v1")
	if err := svc.SyncRepo(m, SyncOptions{}); err != nil {
		t.Fatal(err)
	}

	// Touch the data into the future so the change is unambiguous.
	p := filepath.Join(m.LocalPartPath(svc.cfg, meta.PartData), "a.txt")
	if err := os.WriteFile(p, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(p, future, future); err != nil {
		t.Fatal(err)
	}

	st, err := svc.Status(m)
	if err != nil {
		t.Fatal(err)
	}
	if got := partCondition(t, st, meta.PartData); got != NeedsPush {
		t.Errorf("data condition = %s, want NEEDS_PUSH", got)
	}
}

func TestTombstonedSyncFailsWithoutTransfer(t *testing.T) {
	svc, ft := newTestService(t)
	m := createRepo(t, svc, "notes")
	writeData(t, svc, m, "a.txt", "hello")
	if err := svc.SyncRepo(m, SyncOptions{}); err != nil {
		t.Fatal(err)
	}

	// Another machine deleted this repo remotely.
	reg := tombstone.NewRegistry(ft)
	deletedAt := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if err := reg.Create(storeRoot(t, svc), &tombstone.Tombstone{
		RepoID: m.RepoID(), DeletedAt: deletedAt, DeletedByHostname: "host2", LastKnownName: "notes",
	}); err != nil {
		t.Fatal(err)
	}

	ft.Ops = nil
	err := svc.SyncRepo(m, SyncOptions{})
	var te *TombstonedError
	if !errors.As(err, &te) {
		t.Fatalf("SyncRepo() = %v, want TombstonedError", err)
	}
	if te.RepoID != m.RepoID() || !te.DeletedAt.Equal(deletedAt) || te.DeletedByHostname != "host2" {
		t.Errorf("TombstonedError = %+v", te)
	}
	for _, op := range ft.Ops {
		for _, forbidden := range []string{"Copy ", "Move ", "Purge ", "Write "} {
			if strings.HasPrefix(op, forbidden) {
				t.Errorf("tombstoned sync still mutated the remote: %s", op)
			}
		}
	}
}

func TestUntombstoneRestoresSync(t *testing.T) {
	svc, ft := newTestService(t)
	m := createRepo(t, svc, "notes")
	reg := tombstone.NewRegistry(ft)
	if err := reg.Create(storeRoot(t, svc), &tombstone.Tombstone{
		RepoID: m.RepoID(), DeletedAt: time.Now().UTC(), DeletedByHostname: "host2", LastKnownName: "notes",
	}); err != nil {
		t.Fatal(err)
	}

	var te *TombstonedError
	if err := svc.SyncRepo(m, SyncOptions{}); !errors.As(err, &te) {
		t.Fatalf("SyncRepo() = %v, want TombstonedError", err)
	}

	if err := svc.Untombstone("my_remote", m.RepoID()); err != nil {
		t.Fatalf("Untombstone() error = %v", err)
	}
	if err := svc.SyncRepo(m, SyncOptions{}); err != nil {
		t.Fatalf("SyncRepo() after untombstone error = %v", err)
	}

	var nf *tombstone.NotFoundError
	if err := svc.Untombstone("my_remote", m.RepoID()); !errors.As(err, &nf) {
		t.Errorf("second Untombstone() = %v, want NotFoundError", err)
	}
}

func TestAbortedSyncDetected(t *testing.T) {
	svc, _ := newTestService(t)
	m := createRepo(t, svc, "notes")
	writeData(t, svc, m, "a.txt", "hello")
	if err := svc.SyncRepo(m, SyncOptions{}); err != nil {
		t.Fatal(err)
	}

	// Losing the local records while the remote copy stands is the
	// signature of an interrupted sync, not of a fresh repo.
	if err := os.RemoveAll(filepath.Join(svc.cfg.SyncRecordsDir(), m.IndexKey())); err != nil {
		t.Fatal(err)
	}

	_, err := svc.Status(m)
	var ae *AbortedSyncError
	if !errors.As(err, &ae) {
		t.Fatalf("Status() = %v, want AbortedSyncError", err)
	}
	if ae.IndexKey != m.IndexKey() {
		t.Errorf("AbortedSyncError.IndexKey = %q", ae.IndexKey)
	}

	// Careful sync refuses; replace with an explicit direction recovers.
	if err := svc.SyncRepo(m, SyncOptions{}); !errors.As(err, &ae) {
		t.Fatalf("careful SyncRepo() = %v, want AbortedSyncError", err)
	}
	if err := svc.SyncRepo(m, SyncOptions{Direction: DirectionPush, Setting: SettingReplace}); err != nil {
		t.Fatalf("replace push after abort error = %v", err)
	}
	if _, err := svc.Status(m); err != nil {
		t.Errorf("Status() after recovery error = %v", err)
	}
}

func TestFailedPushLeavesMarker(t *testing.T) {
	svc, ft := newTestService(t)
	m := createRepo(t, svc, "notes")
	writeData(t, svc, m, "a.txt", "hello")

	ft.FailOn = map[string]error{"Copy": errors.New("network down")}
	if err := svc.SyncRepo(m, SyncOptions{}); err == nil {
		t.Fatal("SyncRepo() = nil, want transfer error")
	}

	rec, err := meta.ReadLocalSyncRecord(m.LocalSyncRecordPath(svc.cfg, meta.PartData))
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.SyncComplete {
		t.Errorf("in-progress marker after failed push = %+v, want incomplete record", rec)
	}
}

func TestPullWhenRemoteAhead(t *testing.T) {
	svc, ft := newTestService(t)
	m := createRepo(t, svc, "notes")
	writeData(t, svc, m, "a.txt", "v1")
	if err := svc.SyncRepo(m, SyncOptions{}); err != nil {
		t.Fatal(err)
	}

	// Another machine pushed a newer version.
	root := storeRoot(t, svc)
	key := m.IndexKey()
	ft.SetRemote(meta.RemotePartPath(root, key, meta.PartData).Join("a.txt"), []byte("v2"))
	time.Sleep(10 * time.Millisecond)
	other := meta.NewSyncRecord(true, "host2")
	if err := other.WriteRemote(ft, meta.RemoteSyncRecordPath(root, key, meta.PartData)); err != nil {
		t.Fatal(err)
	}

	st, err := svc.Status(m)
	if err != nil {
		t.Fatal(err)
	}
	if got := partCondition(t, st, meta.PartData); got != NeedsPull {
		t.Fatalf("data condition = %s, want NEEDS_PULL", got)
	}

	if err := svc.SyncRepo(m, SyncOptions{}); err != nil {
		t.Fatalf("SyncRepo() error = %v", err)
	}
	data, err := os.ReadFile(filepath.Join(m.LocalPartPath(svc.cfg, meta.PartData), "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "v2" {
		t.Errorf("local content after pull = %q, want v2", data)
	}

	rec, err := meta.ReadLocalSyncRecord(m.LocalSyncRecordPath(svc.cfg, meta.PartData))
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID != other.ID {
		t.Errorf("local record ID = %s, want remote's %s", rec.ID, other.ID)
	}
}

func TestConflictRefusedThenReplaced(t *testing.T) {
	svc, ft := newTestService(t)
	m := createRepo(t, svc, "notes")
	writeData(t, svc, m, "a.txt", "v1")
	if err := svc.SyncRepo(m, SyncOptions{}); err != nil {
		t.Fatal(err)
	}

	// Both sides diverge.
	root := storeRoot(t, svc)
	key := m.IndexKey()
	ft.SetRemote(meta.RemotePartPath(root, key, meta.PartData).Join("a.txt"), []byte("theirs"))
	other := meta.NewSyncRecord(true, "host2")
	if err := other.WriteRemote(ft, meta.RemoteSyncRecordPath(root, key, meta.PartData)); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(m.LocalPartPath(svc.cfg, meta.PartData), "a.txt")
	if err := os.WriteFile(p, []byte("ours"), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(p, future, future); err != nil {
		t.Fatal(err)
	}

	st, err := svc.Status(m)
	if err != nil {
		t.Fatal(err)
	}
	if got := partCondition(t, st, meta.PartData); got != Conflict {
		t.Fatalf("data condition = %s, want CONFLICT", got)
	}

	var re *RefusedError
	if err := svc.SyncRepo(m, SyncOptions{}); !errors.As(err, &re) {
		t.Fatalf("careful SyncRepo() on conflict = %v, want RefusedError", err)
	}

	ft.Ops = nil
	if err := svc.SyncRepo(m, SyncOptions{Direction: DirectionPush, Setting: SettingReplace}); err != nil {
		t.Fatalf("replace push error = %v", err)
	}
	// The diverged remote content was backed up before the overwrite.
	backedUp := false
	for _, op := range ft.Ops {
		if strings.HasPrefix(op, "Move ") && strings.Contains(op, "/backups/") {
			backedUp = true
		}
	}
	if !backedUp {
		t.Errorf("replace push did not back up remote content: %v", ft.Ops)
	}
	if data, _ := ft.RemoteFile(meta.RemotePartPath(root, key, meta.PartData).Join("a.txt")); string(data) != "ours" {
		t.Errorf("remote content after push = %q, want ours", data)
	}
	if data, ok := ft.RemoteFile(meta.RemoteBackupPath(root, key, meta.PartData).Join("a.txt")); !ok || string(data) != "theirs" {
		t.Errorf("backup content = %q, %v, want theirs", data, ok)
	}
}

func TestNameMismatchSyncsByID(t *testing.T) {
	svc, _ := newTestService(t)
	m := createRepo(t, svc, "notes")
	writeData(t, svc, m, "a.txt", "hello")
	if err := svc.SyncRepo(m, SyncOptions{}); err != nil {
		t.Fatal(err)
	}
	remoteKey := m.IndexKey()

	if err := svc.Rename(m, "journal", ScopeLocal); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}

	st, err := svc.Status(m)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !st.NameMismatch {
		t.Error("NameMismatch = false after local-only rename")
	}
	if st.RemoteIndexKey != remoteKey {
		t.Errorf("RemoteIndexKey = %q, want %q (resolution is by ID)", st.RemoteIndexKey, remoteKey)
	}
	for _, ps := range st.Parts {
		if ps.Condition != Synced {
			t.Errorf("part %s condition = %s, want SYNCED despite the mismatch", ps.Part, ps.Condition)
		}
	}
	if err := svc.SyncRepo(m, SyncOptions{}); err != nil {
		t.Errorf("SyncRepo() with name mismatch error = %v", err)
	}
}

func TestRenameRemoteUpdatesCache(t *testing.T) {
	svc, ft := newTestService(t)
	m := createRepo(t, svc, "notes")
	writeData(t, svc, m, "a.txt", "hello")
	if err := svc.SyncRepo(m, SyncOptions{}); err != nil {
		t.Fatal(err)
	}
	oldKey := m.IndexKey()

	if err := svc.Rename(m, "journal", ScopeBoth); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if m.IndexKey() == oldKey {
		t.Fatal("local key unchanged after rename")
	}

	root := storeRoot(t, svc)
	if _, ok := ft.RemoteFile(meta.RemotePartPath(root, m.IndexKey(), meta.PartMeta)); !ok {
		t.Errorf("remote repo not found under new key; have %v", ft.RemoteFiles())
	}
	if _, ok := ft.RemoteFile(meta.RemoteSyncRecordPath(root, m.IndexKey(), meta.PartData)); !ok {
		t.Error("remote sync records not moved with the rename")
	}

	st, err := svc.Status(m)
	if err != nil {
		t.Fatal(err)
	}
	if st.NameMismatch || st.RemoteIndexKey != m.IndexKey() {
		t.Errorf("Status after rename = %+v", st)
	}
}

func TestSyncName(t *testing.T) {
	svc, _ := newTestService(t)
	m := createRepo(t, svc, "notes")
	writeData(t, svc, m, "a.txt", "hello")
	if err := svc.SyncRepo(m, SyncOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := svc.Rename(m, "journal", ScopeLocal); err != nil {
		t.Fatal(err)
	}

	if err := svc.SyncName(m, NameToRemote); err != nil {
		t.Fatalf("SyncName() error = %v", err)
	}
	st, err := svc.Status(m)
	if err != nil {
		t.Fatal(err)
	}
	if st.NameMismatch {
		t.Error("NameMismatch persists after SyncName to-remote")
	}
}

func TestDeleteTombstonesBeforePurge(t *testing.T) {
	svc, ft := newTestService(t)
	m := createRepo(t, svc, "notes")
	writeData(t, svc, m, "a.txt", "hello")
	if err := svc.SyncRepo(m, SyncOptions{}); err != nil {
		t.Fatal(err)
	}

	ft.Ops = nil
	if err := svc.Delete(m, false); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	tombstoneWrite, firstPurge := -1, -1
	for i, op := range ft.Ops {
		if strings.HasPrefix(op, "Write ") && strings.Contains(op, "/tombstones/") && tombstoneWrite == -1 {
			tombstoneWrite = i
		}
		if strings.HasPrefix(op, "Purge ") && firstPurge == -1 {
			firstPurge = i
		}
	}
	if tombstoneWrite == -1 {
		t.Fatalf("no tombstone written during delete: %v", ft.Ops)
	}
	if firstPurge != -1 && firstPurge < tombstoneWrite {
		t.Errorf("remote purge at op %d precedes tombstone write at op %d", firstPurge, tombstoneWrite)
	}

	if _, err := os.Stat(m.LocalDir(svc.cfg)); !os.IsNotExist(err) {
		t.Error("local repo directory still present after delete")
	}
	reg := tombstone.NewRegistry(ft)
	if ok, _ := reg.Exists(storeRoot(t, svc), m.RepoID()); !ok {
		t.Error("tombstone missing after delete")
	}
	for _, spec := range ft.RemoteFiles() {
		if strings.Contains(spec, "/repos/") || strings.Contains(spec, "/sync_records/") {
			t.Errorf("remote content survived delete: %s", spec)
		}
	}
}

func TestDeleteCrashBetweenTombstoneAndPurge(t *testing.T) {
	svc, ft := newTestService(t)
	m := createRepo(t, svc, "notes")
	writeData(t, svc, m, "a.txt", "hello")
	if err := svc.SyncRepo(m, SyncOptions{}); err != nil {
		t.Fatal(err)
	}

	// Purge failing right after the tombstone landed is the simulated
	// crash: a tombstone with data is acceptable, never the reverse.
	ft.FailOn = map[string]error{"Purge": errors.New("connection reset")}
	if err := svc.Delete(m, false); err == nil {
		t.Fatal("Delete() = nil, want purge error")
	}

	reg := tombstone.NewRegistry(ft)
	if ok, _ := reg.Exists(storeRoot(t, svc), m.RepoID()); !ok {
		t.Error("tombstone missing after interrupted delete")
	}
}

func TestExcludeAndInclude(t *testing.T) {
	svc, _ := newTestService(t)
	m := createRepo(t, svc, "notes")
	writeData(t, svc, m, "a.txt", "hello")

	// Unsynced data is refused.
	var re *RefusedError
	if err := svc.Exclude(m); !errors.As(err, &re) {
		t.Fatalf("Exclude() before sync = %v, want RefusedError", err)
	}

	if err := svc.SyncRepo(m, SyncOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := svc.Exclude(m); err != nil {
		t.Fatalf("Exclude() error = %v", err)
	}
	if _, err := os.Stat(m.LocalPartPath(svc.cfg, meta.PartData)); !os.IsNotExist(err) {
		t.Fatal("data directory still present after exclude")
	}

	st, err := svc.Status(m)
	if err != nil {
		t.Fatal(err)
	}
	if st.Included {
		t.Error("Included = true after exclude")
	}
	if got := partCondition(t, st, meta.PartData); got != Excluded {
		t.Errorf("data condition = %s, want EXCLUDED", got)
	}

	if err := svc.Include(m); err != nil {
		t.Fatalf("Include() error = %v", err)
	}
	data, err := os.ReadFile(filepath.Join(m.LocalPartPath(svc.cfg, meta.PartData), "a.txt"))
	if err != nil {
		t.Fatalf("data not materialized by include: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("included content = %q", data)
	}
	st, err = svc.Status(m)
	if err != nil {
		t.Fatal(err)
	}
	if got := partCondition(t, st, meta.PartData); got != Synced {
		t.Errorf("data condition after include = %s, want SYNCED", got)
	}
}

func TestSyncAll(t *testing.T) {
	svc, ft := newTestService(t)
	m1 := createRepo(t, svc, "notes")
	m2 := createRepo(t, svc, "site")
	writeData(t, svc, m1, "a.txt", "one")
	writeData(t, svc, m2, "b.txt", "two")

	if err := svc.SyncAll(nil, SyncOptions{}); err != nil {
		t.Fatalf("SyncAll() error = %v", err)
	}

	root := storeRoot(t, svc)
	for _, m := range []*meta.RepoMeta{m1, m2} {
		if _, ok := ft.RemoteFile(meta.RemotePartPath(root, m.IndexKey(), meta.PartMeta)); !ok {
			t.Errorf("repo %s not pushed by SyncAll", m.IndexKey())
		}
	}
}

func partCondition(t *testing.T, st *Status, part meta.Part) Condition {
	t.Helper()
	for _, ps := range st.Parts {
		if ps.Part == part {
			return ps.Condition
		}
	}
	t.Fatalf("status has no part %s", part)
	return ""
}
