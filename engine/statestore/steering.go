package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SteeringSnapshot is the steering controller's persisted record: the binary
// routing state, its hysteresis counters, and the bounded activation history
// used for flap detection. It lives in its own file, separate from any WAN's
// autorate snapshot, and is the only steering state that survives a restart.
type SteeringSnapshot struct {
	SchemaVersion string `json:"schema_version"`
	PrimaryWAN    string `json:"primary_wan"`

	State           string `json:"state"`
	ConsecutiveBad  int    `json:"consecutive_bad"`
	ConsecutiveGood int    `json:"consecutive_good"`

	LastTransitionAtSeconds float64 `json:"last_transition_at_seconds"`

	// RecentVerdicts is a bounded deque of the most recent composite
	// congestion verdicts, newest last.
	RecentVerdicts []string `json:"recent_verdicts,omitempty"`

	// RecentActivations holds the timestamps of recent rule activations,
	// newest last, bounded by the configured flap history length.
	RecentActivations []time.Time `json:"recent_activations,omitempty"`
}

// SteeringStore persists SteeringSnapshots with the same primary/backup/
// quarantine protocol as the per-WAN Store.
type SteeringStore struct {
	dir string
}

// NewSteeringStore constructs a SteeringStore rooted at dir.
func NewSteeringStore(dir string) *SteeringStore {
	return &SteeringStore{dir: dir}
}

func (s *SteeringStore) primaryPath() string { return filepath.Join(s.dir, "steering_state.json") }
func (s *SteeringStore) backupPath() string {
	return filepath.Join(s.dir, "steering_state.json.backup")
}

// Default returns the initial snapshot: PRIMARY_GOOD with zeroed counters.
func (s *SteeringStore) Default(primaryWAN string) SteeringSnapshot {
	return SteeringSnapshot{
		SchemaVersion: SchemaVersion,
		PrimaryWAN:    primaryWAN,
		State:         "PRIMARY_GOOD",
	}
}

// Save writes snap using the shared atomic save protocol.
func (s *SteeringStore) Save(snap SteeringSnapshot) error {
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: marshal steering: %w", err)
	}
	return saveAtomic(s.dir, "steering_state", s.primaryPath(), s.backupPath(), b)
}

// SteeringLoadResult mirrors LoadResult for the steering record.
type SteeringLoadResult struct {
	Snapshot           SteeringSnapshot
	UsedBackup         bool
	UsedDefault        bool
	QuarantinedPrimary string
	Warning            string
}

// Load implements the primary -> quarantine-and-try-backup -> default
// protocol for the steering record.
func (s *SteeringStore) Load(primaryWAN string) (SteeringLoadResult, error) {
	if snap, ok := s.tryParse(s.primaryPath()); ok {
		return SteeringLoadResult{Snapshot: snap}, nil
	}

	quarantined, qerr := quarantine(s.primaryPath())
	if qerr != nil && !os.IsNotExist(qerr) {
		return SteeringLoadResult{}, fmt.Errorf("statestore: quarantine steering primary: %w", qerr)
	}

	if snap, ok := s.tryParse(s.backupPath()); ok {
		return SteeringLoadResult{Snapshot: snap, UsedBackup: true, QuarantinedPrimary: quarantined}, nil
	}

	res := SteeringLoadResult{
		Snapshot:           s.Default(primaryWAN),
		UsedDefault:        true,
		QuarantinedPrimary: quarantined,
	}
	if quarantined != "" || fileExists(s.backupPath()) {
		res.Warning = "state store: steering primary and backup unavailable or invalid; starting from default snapshot"
	}
	return res, nil
}

func (s *SteeringStore) tryParse(path string) (SteeringSnapshot, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return SteeringSnapshot{}, false
	}
	var snap SteeringSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return SteeringSnapshot{}, false
	}
	if snap.SchemaVersion == "" {
		return SteeringSnapshot{}, false
	}
	return snap, true
}
