// Package depot holds the value types shared by the artifact depot: version
// coordinates, lifecycle states, the error taxonomy and batch results.
package depot

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/Masterminds/semver/v3"
)

// SnapshotSuffix marks a branch-tracking, mutable version such as "master-SNAPSHOT".
const SnapshotSuffix = "-SNAPSHOT"

// Coordinate identifies one cached artifact version.
type Coordinate struct {
	GroupID    string `json:"group_id"`
	ArtifactID string `json:"artifact_id"`
	VersionID  string `json:"version_id"`
}

// NewCoordinate creates a validated coordinate.
func NewCoordinate(groupID, artifactID, versionID string) (Coordinate, error) {
	c := Coordinate{GroupID: groupID, ArtifactID: artifactID, VersionID: versionID}
	if err := c.Validate(); err != nil {
		return Coordinate{}, err
	}
	return c, nil
}

// String returns the coordinate in group:artifact:version form.
func (c Coordinate) String() string {
	return c.GroupID + ":" + c.ArtifactID + ":" + c.VersionID
}

// IsSnapshot reports whether the coordinate's version is a snapshot.
func (c Coordinate) IsSnapshot() bool {
	return IsSnapshotVersion(c.VersionID)
}

// Validate checks that every field is usable as a storage key segment.
func (c Coordinate) Validate() error {
	if err := ValidateProject(c.GroupID, c.ArtifactID); err != nil {
		return err
	}
	return validateField("versionId", c.VersionID)
}

// ValidateProject checks the group and artifact identifiers of a project.
func ValidateProject(groupID, artifactID string) error {
	if err := validateField("groupId", groupID); err != nil {
		return err
	}
	return validateField("artifactId", artifactID)
}

func validateField(name, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidArgument, name)
	}
	for _, r := range value {
		// ':' separates the fields of a group:artifact:version coordinate.
		if r == 0 || r == '/' || r == ':' || unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return fmt.Errorf("%w: %s %q contains invalid character %q", ErrInvalidArgument, name, value, r)
		}
	}
	return nil
}

// IsSnapshotVersion reports whether versionID names a snapshot build.
func IsSnapshotVersion(versionID string) bool {
	return strings.HasSuffix(versionID, SnapshotSuffix)
}

// CompareVersions orders two release versions by semantic version.
// Versions that do not parse sort below every parseable version and
// compare lexically among themselves. Returns -1, 0 or 1.
func CompareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	switch {
	case errA == nil && errB == nil:
		if c := va.Compare(vb); c != 0 {
			return c
		}
		// 1.0 and 1.0.0 parse to the same version; keep the order total.
		return strings.Compare(a, b)
	case errA == nil:
		return 1
	case errB == nil:
		return -1
	default:
		return strings.Compare(a, b)
	}
}

// CompareCoordinates orders coordinates by group, artifact and then version text.
func CompareCoordinates(a, b Coordinate) int {
	if c := strings.Compare(a.GroupID, b.GroupID); c != 0 {
		return c
	}
	if c := strings.Compare(a.ArtifactID, b.ArtifactID); c != 0 {
		return c
	}
	return strings.Compare(a.VersionID, b.VersionID)
}
