// Package statestore implements the atomic per-WAN snapshot persistence
// protocol: primary + backup files, corruption quarantine,
// and a default-on-total-failure fallback.
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SchemaVersion is the current schema tag written into every snapshot.
// Readers accept any other non-empty version as forward-compatible and
// proceed rather than rejecting the document; nothing is logged for it.
const SchemaVersion = "1.0"

// Snapshot is the persisted record for one WAN: the shared RTT/EWMA state
// plus both controller records (download, and upload when present).
type Snapshot struct {
	SchemaVersion string           `json:"schema_version"`
	WAN           string           `json:"wan"`
	Shared        SharedRecord     `json:"shared"`
	Download      ControllerRecord `json:"download"`
	Upload        ControllerRecord `json:"upload"`
}

// SharedRecord holds the per-WAN RTT estimates and counters both
// directions share.
type SharedRecord struct {
	BaselineRTTMs       float64   `json:"baseline_rtt_ms"`
	LoadedRTTMs         float64   `json:"loaded_rtt_ms"`
	LastRTTMs           float64   `json:"last_rtt_ms"`
	CycleCount          uint64    `json:"cycle_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCycleAt         time.Time `json:"last_cycle_at,omitempty"`
}

// ControllerRecord is the per-direction controller record.
type ControllerRecord struct {
	RateBps            int64   `json:"rate_bps"`
	LastWrittenRateBps int64   `json:"last_written_rate_bps"`
	State              string  `json:"state"`
	ConsecutiveGreen   int     `json:"consecutive_green"`
	ConsecutiveSoftRed int     `json:"consecutive_soft_red"`
	TransitionAt       float64 `json:"transition_at_seconds"`
}

// Store persists and loads Snapshots for a single WAN, at <dir>/<name>_state.json
// (+ .backup, + timestamped .corrupt quarantine files).
type Store struct {
	dir string
	wan string
}

// New constructs a Store for wan rooted at dir.
func New(dir, wan string) *Store {
	return &Store{dir: dir, wan: wan}
}

func (s *Store) primaryPath() string { return filepath.Join(s.dir, s.wan+"_state.json") }
func (s *Store) backupPath() string  { return filepath.Join(s.dir, s.wan+"_state.json.backup") }

// Default returns the zero-value initial snapshot used when no state can be
// recovered, stamped with the current schema version and wan name.
func (s *Store) Default() Snapshot {
	return Snapshot{
		SchemaVersion: SchemaVersion,
		WAN:           s.wan,
		Download:      ControllerRecord{State: "GREEN", LastWrittenRateBps: -1},
		Upload:        ControllerRecord{State: "GREEN", LastWrittenRateBps: -1},
	}
}

// Save serializes snap, rotating the current primary to backup first, then
// writing the new primary via temp-file + atomic rename at mode 0600. A
// failure here is a logged, non-fatal event: the in-memory state
// remains authoritative and the caller retries on the next cycle.
func (s *Store) Save(snap Snapshot) error {
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: marshal: %w", err)
	}
	return saveAtomic(s.dir, s.wan+"_state", s.primaryPath(), s.backupPath(), b)
}

// saveAtomic implements the shared save protocol: ensure the directory,
// rotate the current primary (if any) to backup, write the new primary via a
// temp file and atomic rename at mode 0600.
func saveAtomic(dir, tmpPrefix, primary, backup string, b []byte) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("statestore: create dir: %w", err)
	}

	if _, err := os.Stat(primary); err == nil {
		if err := copyFile(primary, backup); err != nil {
			return fmt.Errorf("statestore: rotate backup: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("statestore: stat primary: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+".*.tmp")
	if err != nil {
		return fmt.Errorf("statestore: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("statestore: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("statestore: close temp: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("statestore: chmod temp: %w", err)
	}
	if err := os.Rename(tmpPath, primary); err != nil {
		return fmt.Errorf("statestore: rename: %w", err)
	}
	return nil
}

// LoadResult reports how Load recovered state, so callers can log exactly
// once.
type LoadResult struct {
	Snapshot   Snapshot
	UsedBackup bool
	UsedDefault bool
	QuarantinedPrimary string
	Warning    string
}

// Load implements the primary -> quarantine-and-try-backup -> default
// protocol.
func (s *Store) Load() (LoadResult, error) {
	if snap, ok, err := s.tryParse(s.primaryPath()); err != nil {
		return LoadResult{}, err
	} else if ok {
		return LoadResult{Snapshot: snap}, nil
	}

	quarantined, qerr := s.quarantinePrimary()
	if qerr != nil && !os.IsNotExist(qerr) {
		return LoadResult{}, fmt.Errorf("statestore: quarantine primary: %w", qerr)
	}

	if snap, ok, err := s.tryParse(s.backupPath()); err != nil {
		return LoadResult{}, err
	} else if ok {
		return LoadResult{Snapshot: snap, UsedBackup: true, QuarantinedPrimary: quarantined}, nil
	}

	res := LoadResult{
		Snapshot:           s.Default(),
		UsedDefault:        true,
		QuarantinedPrimary: quarantined,
	}
	// A pristine first start (no files at all) is not a recovery failure;
	// warn only when state existed and could not be read.
	if quarantined != "" || fileExists(s.backupPath()) {
		res.Warning = "state store: both primary and backup unavailable or invalid; starting from default snapshot"
	}
	return res, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// tryParse reads and validates path. The boolean return is true only on a
// fully successful, schema-valid read.
func (s *Store) tryParse(path string) (Snapshot, bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, false, nil
	}
	if snap.SchemaVersion == "" {
		return Snapshot{}, false, nil
	}
	return snap, true, nil
}

func (s *Store) quarantinePrimary() (string, error) {
	return quarantine(s.primaryPath())
}

// quarantine moves path aside to a timestamp-suffixed .corrupt file and
// returns the destination. Corrupt files are never overwritten.
func quarantine(path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	dest := fmt.Sprintf("%s.corrupt.%d", path, time.Now().UnixNano())
	return dest, os.Rename(path, dest)
}

func copyFile(src, dst string) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}
