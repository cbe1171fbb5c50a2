// Package app is the application layer between the CLI and the syncer
// service: it wires all components from config, accepts raw string
// arguments, and records operations in the local history database.
package app

import (
	"fmt"
	"io"
	"os"
	"time"

	"repoyard/internal/config"
	"repoyard/internal/history"
	"repoyard/internal/interrupt"
	"repoyard/internal/lock"
	"repoyard/internal/meta"
	"repoyard/internal/remoteindex"
	"repoyard/internal/syncer"
	"repoyard/internal/tombstone"
	"repoyard/internal/transfer"
)

// App wires the full dependency graph for one CLI invocation.
// The caller must call Close when done.
type App struct {
	cfg       *config.Config
	service   *syncer.Service
	history   *history.Store
	interrupt *interrupt.Controller
	logCloser io.Closer
	operation string
}

// New creates a fully wired App from the given config. operation
// identifies the CLI command being run (e.g. "Sync", "Delete").
func New(cfg *config.Config, operation string) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("determining hostname: %w", err)
	}

	opID := time.Now().UTC().Format("20060102T150405Z")
	logger, logCloser, err := newLogger(cfg.LogDir, opID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	hist, err := history.Open(cfg.HistoryPath(), hostname)
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("opening history: %w", err)
	}

	locks := lock.NewManager(cfg.LocksDir())
	store := meta.NewStore(cfg, locks)
	tool := transfer.NewTool(cfg.TransferTool.Binary, cfg.TransferTool.ConfigPath)
	cache := remoteindex.NewCache(cfg, tool)
	tombstones := tombstone.NewRegistry(tool)

	ic := interrupt.NewController()
	ic.Start()

	svc := syncer.NewService(cfg, store, locks, tool, cache, tombstones, ic,
		&slogAdapter{l: logger}, syncer.RealClock{}, hostname)

	return &App{
		cfg:       cfg,
		service:   svc,
		history:   hist,
		interrupt: ic,
		logCloser: logCloser,
		operation: operation,
	}, nil
}

// Close releases the app's resources.
func (a *App) Close() error {
	a.interrupt.Stop()
	err := a.history.Close()
	if cerr := a.logCloser.Close(); err == nil {
		err = cerr
	}
	return err
}

// record runs fn and logs its outcome to the history database. History
// failures never mask the operation's own result.
func (a *App) record(target, storageLocation string, fn func() error) error {
	id, err := a.history.Begin(a.operation, target, storageLocation)
	if err != nil {
		return fmt.Errorf("recording operation: %w", err)
	}
	opErr := fn()
	if err := a.history.Finish(id, opErr); err != nil && opErr == nil {
		return fmt.Errorf("recording operation outcome: %w", err)
	}
	return opErr
}

// Resolve maps a user-supplied reference to one known repo.
func (a *App) Resolve(ref string) (*meta.RepoMeta, error) {
	return a.service.Resolve(ref)
}

// NewRepo creates a repo and returns its metadata.
func (a *App) NewRepo(name, storageLocation, fromPath string, copyFrom bool) (*meta.RepoMeta, error) {
	var m *meta.RepoMeta
	err := a.record(name, storageLocation, func() error {
		var err error
		m, err = a.service.CreateRepo(name, storageLocation, fromPath, copyFrom)
		return err
	})
	return m, err
}

// List returns the known repos, optionally filtered by group.
func (a *App) List(group string) ([]*meta.RepoMeta, error) {
	yard, err := a.service.Refresh()
	if err != nil {
		return nil, err
	}
	if group == "" {
		return yard.RepoMetas, nil
	}
	var out []*meta.RepoMeta
	for _, m := range yard.RepoMetas {
		for _, g := range m.Groups {
			if g == group {
				out = append(out, m)
				break
			}
		}
	}
	return out, nil
}

// Status determines one repo's sync status.
func (a *App) Status(ref string) (*syncer.Status, error) {
	m, err := a.Resolve(ref)
	if err != nil {
		return nil, err
	}
	return a.service.Status(m)
}

// Included reports whether a repo's data is materialized locally.
func (a *App) Included(m *meta.RepoMeta) bool {
	_, err := os.Stat(m.LocalPartPath(a.cfg, meta.PartData))
	return err == nil
}

// Sync synchronizes one repo.
func (a *App) Sync(ref, direction, setting, part string) error {
	m, err := a.Resolve(ref)
	if err != nil {
		return err
	}
	opts, err := parseSyncOptions(direction, setting, part)
	if err != nil {
		return err
	}
	return a.record(m.IndexKey(), m.StorageLocation, func() error {
		return a.service.SyncRepo(m, opts)
	})
}

// SyncAll synchronizes several repos (all known repos when refs is empty).
func (a *App) SyncAll(refs []string, direction, setting, part string) error {
	opts, err := parseSyncOptions(direction, setting, part)
	if err != nil {
		return err
	}
	return a.record("", "", func() error {
		return a.service.SyncAll(refs, opts)
	})
}

// Rename changes a repo's name in the given scope.
func (a *App) Rename(ref, newName, scope string) error {
	m, err := a.Resolve(ref)
	if err != nil {
		return err
	}
	var rs syncer.RenameScope
	switch scope {
	case "local":
		rs = syncer.ScopeLocal
	case "remote":
		rs = syncer.ScopeRemote
	case "both", "":
		rs = syncer.ScopeBoth
	default:
		return fmt.Errorf("unknown rename scope %q (want local, remote, or both)", scope)
	}
	return a.record(m.IndexKey(), m.StorageLocation, func() error {
		return a.service.Rename(m, newName, rs)
	})
}

// SyncName reconciles a local/remote name mismatch.
func (a *App) SyncName(ref, direction string) error {
	m, err := a.Resolve(ref)
	if err != nil {
		return err
	}
	var nd syncer.NameDirection
	switch direction {
	case "to-local":
		nd = syncer.NameToLocal
	case "to-remote":
		nd = syncer.NameToRemote
	default:
		return fmt.Errorf("unknown name direction %q (want to-local or to-remote)", direction)
	}
	return a.record(m.IndexKey(), m.StorageLocation, func() error {
		return a.service.SyncName(m, nd)
	})
}

// Delete removes a repo, tombstoning the remote copy unless localOnly.
func (a *App) Delete(ref string, localOnly bool) error {
	m, err := a.Resolve(ref)
	if err != nil {
		return err
	}
	return a.record(m.IndexKey(), m.StorageLocation, func() error {
		return a.service.Delete(m, localOnly)
	})
}

// Untombstone removes a repo ID's tombstone at a storage location.
func (a *App) Untombstone(storageLocation, repoID string) error {
	return a.record(repoID, storageLocation, func() error {
		return a.service.Untombstone(storageLocation, repoID)
	})
}

// Tombstones lists the tombstones at a storage location.
func (a *App) Tombstones(storageLocation string) ([]*tombstone.Tombstone, error) {
	return a.service.Tombstones(storageLocation)
}

// Include materializes a repo's data locally.
func (a *App) Include(ref string) error {
	m, err := a.Resolve(ref)
	if err != nil {
		return err
	}
	return a.record(m.IndexKey(), m.StorageLocation, func() error {
		return a.service.Include(m)
	})
}

// Exclude drops a repo's local data copy.
func (a *App) Exclude(ref string) error {
	m, err := a.Resolve(ref)
	if err != nil {
		return err
	}
	return a.record(m.IndexKey(), m.StorageLocation, func() error {
		return a.service.Exclude(m)
	})
}

// Refresh rebuilds the repo index from the local store.
func (a *App) Refresh() (*meta.Yard, error) {
	return a.service.Refresh()
}

// CleanupLocks removes lock files older than maxAge and returns their
// paths.
func (a *App) CleanupLocks(maxAge time.Duration) ([]string, error) {
	locks := lock.NewManager(a.cfg.LocksDir())
	return locks.CleanupStale(maxAge)
}

// History returns the most recent operations, newest first.
func (a *App) History(limit int) ([]history.Operation, error) {
	return a.history.Recent(limit)
}

func parseSyncOptions(direction, setting, part string) (syncer.SyncOptions, error) {
	var opts syncer.SyncOptions

	switch direction {
	case "":
		opts.Direction = syncer.DirectionAuto
	case "push":
		opts.Direction = syncer.DirectionPush
	case "pull":
		opts.Direction = syncer.DirectionPull
	default:
		return opts, fmt.Errorf("unknown direction %q (want push or pull)", direction)
	}

	switch setting {
	case "", "careful":
		opts.Setting = syncer.SettingCareful
	case "replace":
		opts.Setting = syncer.SettingReplace
	case "force":
		opts.Setting = syncer.SettingForce
	default:
		return opts, fmt.Errorf("unknown setting %q (want careful, replace, or force)", setting)
	}

	switch part {
	case "":
	case "data":
		opts.Parts = []meta.Part{meta.PartData}
	case "meta":
		opts.Parts = []meta.Part{meta.PartMeta}
	default:
		return opts, fmt.Errorf("unknown part %q (want data or meta)", part)
	}

	return opts, nil
}
