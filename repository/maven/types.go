// Package maven answers version lookups against a Maven repository by reading
// each project's maven-metadata.xml.
package maven

import (
	"encoding/xml"
	"strings"
)

// DefaultRepositoryURL is the default Maven Central repository URL.
const DefaultRepositoryURL = "https://repo.maven.apache.org/maven2"

// MavenMetadata represents the content of a maven-metadata.xml file.
type MavenMetadata struct {
	XMLName    xml.Name   `xml:"metadata" json:"-"`
	GroupID    string     `xml:"groupId" json:"group_id"`
	ArtifactID string     `xml:"artifactId" json:"artifact_id"`
	Version    string     `xml:"version,omitempty" json:"version,omitempty"`
	Versioning Versioning `xml:"versioning" json:"versioning"`
}

// Versioning contains version information within maven-metadata.xml.
type Versioning struct {
	Latest      string   `xml:"latest,omitempty" json:"latest,omitempty"`
	Release     string   `xml:"release,omitempty" json:"release,omitempty"`
	Versions    Versions `xml:"versions" json:"versions"`
	LastUpdated string   `xml:"lastUpdated,omitempty" json:"last_updated,omitempty"`
}

// Versions is a wrapper for the list of versions in maven-metadata.xml.
type Versions struct {
	Version []string `xml:"version" json:"version"`
}

// VersionList returns the listed versions with blanks and duplicates removed,
// in document order.
func (m *MavenMetadata) VersionList() []string {
	seen := make(map[string]struct{}, len(m.Versioning.Versions.Version))
	out := make([]string, 0, len(m.Versioning.Versions.Version))
	for _, v := range m.Versioning.Versions.Version {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// groupIDToPath converts a Maven groupId to a path (dots to slashes).
// e.g., "org.apache.commons" -> "org/apache/commons"
func groupIDToPath(groupID string) string {
	return strings.ReplaceAll(groupID, ".", "/")
}
