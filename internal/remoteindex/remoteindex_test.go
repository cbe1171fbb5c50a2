package remoteindex

import (
	"os"
	"testing"
	"time"

	"repoyard/internal/config"
	"repoyard/internal/meta"
	"repoyard/internal/testutil"
	"repoyard/internal/transfer"
)

const (
	repoID   = "20240101120000_abc123"
	indexKey = repoID + "__notes"
)

func testCache(t *testing.T) (*Cache, *testutil.FakeTransfer, transfer.Loc) {
	t.Helper()
	cfg := config.NewConfig("test-install", t.TempDir())
	cfg.StorageLocations["my_remote"] = config.StorageLocation{Type: config.StorageRemote, StorePath: "repoyard"}

	ft := testutil.NewFakeTransfer()
	store := meta.StoreRoot("my_remote", cfg.StorageLocations["my_remote"])
	return NewCache(cfg, ft), ft, store
}

func seedRemoteRepo(ft *testutil.FakeTransfer, store transfer.Loc, key string) {
	ft.SetRemote(meta.RemotePartPath(store, key, meta.PartMeta), []byte("creator_hostname = \"h\"\n"))
}

func TestResolveRescansOnMiss(t *testing.T) {
	cache, ft, store := testCache(t)
	seedRemoteRepo(ft, store, indexKey)

	key, found, err := cache.Resolve("my_remote", repoID)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !found || key != indexKey {
		t.Errorf("Resolve() = %q, %v, want %q, true", key, found, indexKey)
	}
	if _, err := os.Stat(cache.path("my_remote")); err != nil {
		t.Errorf("cache file not written: %v", err)
	}
}

func TestResolveVerifiesCachedEntry(t *testing.T) {
	cache, ft, store := testCache(t)
	seedRemoteRepo(ft, store, indexKey)
	if _, err := cache.Rebuild("my_remote"); err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}

	// Backdate the cache file: a verified hit must not rewrite it.
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(cache.path("my_remote"), past, past); err != nil {
		t.Fatal(err)
	}

	key, found, err := cache.Resolve("my_remote", repoID)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !found || key != indexKey {
		t.Fatalf("Resolve() = %q, %v", key, found)
	}
	info, err := os.Stat(cache.path("my_remote"))
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(past) {
		t.Error("cached hit rewrote the cache file (fell back to a rescan)")
	}
}

func TestResolveEvictsStaleEntryAfterRename(t *testing.T) {
	cache, ft, store := testCache(t)
	seedRemoteRepo(ft, store, indexKey)
	if _, err := cache.Rebuild("my_remote"); err != nil {
		t.Fatal(err)
	}

	// Rename the remote copy out from under the cache.
	renamed := repoID + "__journal"
	if err := ft.Move(meta.RemoteRepoDir(store, indexKey), meta.RemoteRepoDir(store, renamed)); err != nil {
		t.Fatal(err)
	}

	key, found, err := cache.Resolve("my_remote", repoID)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !found || key != renamed {
		t.Errorf("Resolve() after rename = %q, %v, want %q, true", key, found, renamed)
	}
}

func TestResolveAbsentRepo(t *testing.T) {
	cache, _, _ := testCache(t)

	_, found, err := cache.Resolve("my_remote", repoID)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if found {
		t.Error("Resolve() found a repo on an empty remote")
	}
}

func TestRebuildSkipsForeignDirsAndRejectsDuplicates(t *testing.T) {
	cache, ft, store := testCache(t)
	seedRemoteRepo(ft, store, indexKey)
	ft.SetRemote(meta.RemoteReposPath(store).Join("not-a-repo", "file.txt"), []byte("x"))

	index, err := cache.Rebuild("my_remote")
	if err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}
	if len(index) != 1 || index[repoID] != indexKey {
		t.Errorf("Rebuild() = %v", index)
	}

	seedRemoteRepo(ft, store, repoID+"__othername")
	if _, err := cache.Rebuild("my_remote"); err == nil {
		t.Error("Rebuild() with duplicate repo ID = nil, want error")
	}
}

func TestEvict(t *testing.T) {
	cache, ft, store := testCache(t)
	seedRemoteRepo(ft, store, indexKey)
	if _, err := cache.Rebuild("my_remote"); err != nil {
		t.Fatal(err)
	}

	if err := cache.Evict("my_remote", repoID); err != nil {
		t.Fatalf("Evict() error = %v", err)
	}
	index, err := cache.load("my_remote")
	if err != nil {
		t.Fatal(err)
	}
	if len(index) != 0 {
		t.Errorf("index after Evict() = %v", index)
	}

	if err := cache.Evict("my_remote", "20990101120000_zzz999"); err != nil {
		t.Errorf("Evict() of unknown ID error = %v", err)
	}
}
