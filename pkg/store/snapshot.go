package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// SnapshotFormat is the current snapshot encoding version. Increment on
// breaking changes to the Snapshot structure.
const SnapshotFormat = 1

// Snapshot is the persisted representation of one session's committed state.
type Snapshot struct {
	// Token is the session token the snapshot belongs to.
	Token string `json:"token"`

	// CreatedAt is when the session was first created.
	CreatedAt time.Time `json:"created_at"`

	// LastActive is when the session last processed an event.
	LastActive time.Time `json:"last_active"`

	// Vars is the committed var map at snapshot time.
	Vars map[string]any `json:"vars,omitempty"`

	// StateVersion is the commit counter of the state at snapshot time.
	StateVersion uint64 `json:"state_version"`

	// Format is the snapshot encoding version.
	Format int `json:"format"`
}

// EncodeSnapshot serializes a snapshot, stamping the current format version.
func EncodeSnapshot(s *Snapshot) ([]byte, error) {
	s.Format = SnapshotFormat
	return json.Marshal(s)
}

// DecodeSnapshot parses an encoded snapshot and rejects formats newer than
// this build understands.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("store: decode snapshot: %w", err)
	}
	if s.Format > SnapshotFormat {
		return nil, fmt.Errorf("store: snapshot format %d is newer than supported %d", s.Format, SnapshotFormat)
	}
	return &s, nil
}
