package depot

import (
	"fmt"
	"time"
)

// VersionState is the lifecycle state of a cached version.
type VersionState string

const (
	StateActive     VersionState = "active"
	StateEvicted    VersionState = "evicted"
	StateDeprecated VersionState = "deprecated"
	StateDeleted    VersionState = "deleted"
)

// Valid reports whether s is a known state.
func (s VersionState) Valid() bool {
	switch s {
	case StateActive, StateEvicted, StateDeprecated, StateDeleted:
		return true
	}
	return false
}

// CheckTransition returns nil when a version in state from may move to state to.
// Moving to the current state is allowed and is a no-op for callers.
// Deleted is terminal.
func CheckTransition(from, to VersionState) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: unknown state %q -> %q", ErrInvalidArgument, from, to)
	}
	if from == to {
		return nil
	}
	switch {
	case from == StateDeleted:
	case to == StateDeleted:
		return nil
	case from == StateActive && (to == StateEvicted || to == StateDeprecated):
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// VersionRecord is the project/version store entry for one coordinate.
type VersionRecord struct {
	GroupID     string       `json:"group_id"`
	ArtifactID  string       `json:"artifact_id"`
	VersionID   string       `json:"version_id"`
	State       VersionState `json:"state"`
	PublishedAt time.Time    `json:"published_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Coordinate returns the record's coordinate.
func (r *VersionRecord) Coordinate() Coordinate {
	return Coordinate{GroupID: r.GroupID, ArtifactID: r.ArtifactID, VersionID: r.VersionID}
}
