package meta

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/oklog/ulid"

	"repoyard/internal/transfer"
)

// SyncRecord is the per-repo, per-part record of the last known sync
// state, kept on both sides of a sync. A record with SyncComplete false is
// the in-progress marker: it is written before a transfer begins and
// replaced by a complete record only after the transfer is confirmed.
type SyncRecord struct {
	ID             string    `json:"ulid"`
	Timestamp      time.Time `json:"timestamp"`
	SyncComplete   bool      `json:"sync_complete"`
	SyncerHostname string    `json:"syncer_hostname"`
}

// NewSyncRecord creates a record stamped with a fresh ULID.
func NewSyncRecord(complete bool, syncerHostname string) *SyncRecord {
	now := time.Now().UTC()
	id := ulid.MustNew(ulid.Timestamp(now), ulid.Monotonic(rand.Reader, 0))
	return &SyncRecord{
		ID:             id.String(),
		Timestamp:      now,
		SyncComplete:   complete,
		SyncerHostname: syncerHostname,
	}
}

// ReadLocalSyncRecord reads a sync record file. A missing file yields
// (nil, nil): the repo part has no confirmed sync on this machine.
func ReadLocalSyncRecord(path string) (*SyncRecord, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading sync record %s: %w", path, err)
	}
	return decodeSyncRecord(data, path)
}

// WriteLocal persists the record to a local file.
func (r *SyncRecord) WriteLocal(path string) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding sync record: %w", err)
	}
	if err := AtomicWriteFile(path, data); err != nil {
		return fmt.Errorf("writing sync record %s: %w", path, err)
	}
	return nil
}

// RemoveLocalSyncRecord deletes a local sync record if present.
func RemoveLocalSyncRecord(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing sync record %s: %w", path, err)
	}
	return nil
}

// ReadRemoteSyncRecord fetches a record through the transfer tool. A
// missing file yields (nil, nil).
func ReadRemoteSyncRecord(t transfer.Transfer, loc transfer.Loc) (*SyncRecord, error) {
	data, exists, err := t.Read(loc)
	if err != nil {
		return nil, fmt.Errorf("reading remote sync record %s: %w", loc.Spec(), err)
	}
	if !exists {
		return nil, nil
	}
	return decodeSyncRecord(data, loc.Spec())
}

// WriteRemote stores the record through the transfer tool.
func (r *SyncRecord) WriteRemote(t transfer.Transfer, loc transfer.Loc) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding sync record: %w", err)
	}
	if err := t.Write(loc, data); err != nil {
		return fmt.Errorf("writing remote sync record %s: %w", loc.Spec(), err)
	}
	return nil
}

func decodeSyncRecord(data []byte, src string) (*SyncRecord, error) {
	var r SyncRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing sync record %s: %w", src, err)
	}
	return &r, nil
}
