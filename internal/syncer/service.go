// Package syncer is the orchestration layer: it determines per-repo sync
// status, acquires locks in the correct order, resolves remote counterparts
// by ID, honors tombstones, and drives the guarded transfers.
package syncer

import (
	"errors"
	"fmt"
	"time"

	"repoyard/internal/config"
	"repoyard/internal/identity"
	"repoyard/internal/interrupt"
	"repoyard/internal/lock"
	"repoyard/internal/meta"
	"repoyard/internal/remoteindex"
	"repoyard/internal/tombstone"
	"repoyard/internal/transfer"
)

// Logger provides structured logging for the service layer.
// The args follow slog conventions: alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NopLogger is a Logger that discards all output. Use in tests.
type NopLogger struct{}

func NewNopLogger() *NopLogger { return &NopLogger{} }

func (*NopLogger) Debug(string, ...any) {}
func (*NopLogger) Info(string, ...any)  {}
func (*NopLogger) Warn(string, ...any)  {}
func (*NopLogger) Error(string, ...any) {}

// Clock abstracts time retrieval so business logic is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TombstonedError reports a sync or resolution attempt against a repo ID
// that was deliberately deleted. The operator must delete the local orphan
// or untombstone the remote.
type TombstonedError struct {
	RepoID            string
	StorageLocation   string
	DeletedAt         time.Time
	DeletedByHostname string
}

func (e *TombstonedError) Error() string {
	return fmt.Sprintf("repo %s was deleted at %s on %s by host %s; delete the local copy or untombstone it",
		e.RepoID, e.StorageLocation, e.DeletedAt.Format(time.RFC3339), e.DeletedByHostname)
}

// AbortedSyncError reports a repo part with no local sync record while a
// remote counterpart exists: a prior sync was interrupted. Never conflated
// with "never synced".
type AbortedSyncError struct {
	IndexKey        string
	Part            meta.Part
	StorageLocation string
}

func (e *AbortedSyncError) Error() string {
	return fmt.Sprintf("repo %s part %s: remote copy exists at %s but there is no local sync record; a previous sync was aborted",
		e.IndexKey, e.Part, e.StorageLocation)
}

// RefusedError reports a transfer the careful setting would not allow for
// the determined condition.
type RefusedError struct {
	IndexKey  string
	Part      meta.Part
	Condition Condition
	Reason    string
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("refusing to sync repo %s part %s (%s): %s", e.IndexKey, e.Part, e.Condition, e.Reason)
}

// Service coordinates all components to perform the high-level repo
// operations needed by the CLI.
type Service struct {
	cfg        *config.Config
	store      *meta.Store
	locks      *lock.Manager
	transfer   transfer.Transfer
	cache      *remoteindex.Cache
	tombstones *tombstone.Registry
	interrupt  *interrupt.Controller
	logger     Logger
	clock      Clock
	hostname   string
}

// NewService creates a Service with the provided dependencies.
func NewService(cfg *config.Config, store *meta.Store, locks *lock.Manager, t transfer.Transfer,
	cache *remoteindex.Cache, tombstones *tombstone.Registry, ic *interrupt.Controller,
	logger Logger, clock Clock, hostname string) *Service {
	return &Service{
		cfg:        cfg,
		store:      store,
		locks:      locks,
		transfer:   t,
		cache:      cache,
		tombstones: tombstones,
		interrupt:  ic,
		logger:     logger,
		clock:      clock,
		hostname:   hostname,
	}
}

// Resolve maps a user-supplied reference to one known repo.
func (s *Service) Resolve(ref string) (*meta.RepoMeta, error) {
	yard, err := s.store.Load()
	if err != nil {
		return nil, err
	}
	key, err := identity.Resolve(ref, yard.IndexKeys())
	if err != nil {
		return nil, err
	}
	return yard.ByIndexKey()[key], nil
}

// Refresh rebuilds the repo index from the local store.
func (s *Service) Refresh() (*meta.Yard, error) {
	return s.store.Refresh()
}

// storeRoot returns the transfer location of a repo's storage location.
func (s *Service) storeRoot(storageLocation string) (transfer.Loc, error) {
	sl, err := s.cfg.Location(storageLocation)
	if err != nil {
		return transfer.Loc{}, err
	}
	return meta.StoreRoot(storageLocation, sl), nil
}

// checkTombstone returns a TombstonedError if the repo ID is tombstoned at
// the storage location.
func (s *Service) checkTombstone(store transfer.Loc, storageLocation, repoID string) error {
	ts, err := s.tombstones.Get(store, repoID)
	var nf *tombstone.NotFoundError
	if errors.As(err, &nf) {
		return nil
	}
	if err != nil {
		return err
	}
	return &TombstonedError{
		RepoID:            repoID,
		StorageLocation:   storageLocation,
		DeletedAt:         ts.DeletedAt,
		DeletedByHostname: ts.DeletedByHostname,
	}
}
