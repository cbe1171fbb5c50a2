// Package tombstone records intentional repo deletions on the remote, so
// other machines can tell a deleted repo apart from one they simply have
// not pushed yet.
package tombstone

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"repoyard/internal/transfer"
)

const tombstonesDir = "tombstones"

// Tombstone marks one repo as deliberately deleted from a storage
// location. It is keyed by repo ID: renames never detach it.
type Tombstone struct {
	RepoID            string    `json:"repo_id"`
	DeletedAt         time.Time `json:"deleted_at_utc"`
	DeletedByHostname string    `json:"deleted_by_hostname"`
	LastKnownName     string    `json:"last_known_name"`
}

// NotFoundError reports a repo ID with no tombstone at the storage
// location.
type NotFoundError struct {
	RepoID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no tombstone for repo %s", e.RepoID)
}

// Registry reads and writes tombstones through the transfer tool.
type Registry struct {
	t transfer.Transfer
}

// NewRegistry returns a Registry backed by the given transfer tool.
func NewRegistry(t transfer.Transfer) *Registry {
	return &Registry{t: t}
}

// Path returns the tombstone file location for a repo ID.
func Path(store transfer.Loc, repoID string) transfer.Loc {
	return store.Join(tombstonesDir, repoID+".json")
}

// Create writes a tombstone and reads it back to confirm it landed. The
// read-back matters: deletion of repo content must not start until the
// tombstone is durably in place.
func (r *Registry) Create(store transfer.Loc, ts *Tombstone) error {
	data, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("encoding tombstone: %w", err)
	}

	loc := Path(store, ts.RepoID)
	if err := r.t.Write(loc, data); err != nil {
		return fmt.Errorf("writing tombstone %s: %w", loc.Spec(), err)
	}

	confirmed, err := r.Get(store, ts.RepoID)
	if err != nil {
		return fmt.Errorf("confirming tombstone %s: %w", loc.Spec(), err)
	}
	if confirmed.RepoID != ts.RepoID {
		return fmt.Errorf("tombstone %s read back with wrong repo ID %s", loc.Spec(), confirmed.RepoID)
	}
	return nil
}

// Get reads a repo's tombstone. A missing tombstone yields NotFoundError.
func (r *Registry) Get(store transfer.Loc, repoID string) (*Tombstone, error) {
	loc := Path(store, repoID)
	data, exists, err := r.t.Read(loc)
	if err != nil {
		return nil, fmt.Errorf("reading tombstone %s: %w", loc.Spec(), err)
	}
	if !exists {
		return nil, &NotFoundError{RepoID: repoID}
	}

	var ts Tombstone
	if err := json.Unmarshal(data, &ts); err != nil {
		return nil, fmt.Errorf("parsing tombstone %s: %w", loc.Spec(), err)
	}
	return &ts, nil
}

// Exists reports whether a repo is tombstoned at the storage location.
func (r *Registry) Exists(store transfer.Loc, repoID string) (bool, error) {
	_, err := r.Get(store, repoID)
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List returns all tombstones at the storage location, sorted by repo ID.
func (r *Registry) List(store transfer.Loc) ([]*Tombstone, error) {
	dir := store.Join(tombstonesDir)
	entries, err := r.t.List(dir)
	if err != nil {
		return nil, fmt.Errorf("listing tombstones at %s: %w", dir.Spec(), err)
	}

	var out []*Tombstone
	for _, e := range entries {
		repoID, ok := strings.CutSuffix(e.Name, ".json")
		if e.IsDir || !ok {
			continue
		}
		ts, err := r.Get(store, repoID)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RepoID < out[j].RepoID })
	return out, nil
}

// Remove deletes a repo's tombstone. A missing tombstone yields
// NotFoundError, so callers can tell a no-op from a revival.
func (r *Registry) Remove(store transfer.Loc, repoID string) error {
	exists, err := r.Exists(store, repoID)
	if err != nil {
		return err
	}
	if !exists {
		return &NotFoundError{RepoID: repoID}
	}
	loc := Path(store, repoID)
	if err := r.t.Delete(loc); err != nil {
		return fmt.Errorf("removing tombstone %s: %w", loc.Spec(), err)
	}
	return nil
}
