// Package archicad implements discovery of and command dispatch to running
// Archicad instances.
//
// An instance speaks two incompatible command dialects over the same
// JSON-over-HTTP port: the built-in API ("API.*" commands) and the Tapir
// add-on (commands tunneled through API.ExecuteAddOnCommand). The Dispatcher
// hides that asymmetry; the Registry holds an atomically replaced snapshot of
// known instances; the Scanner populates it by probing a fixed port range.
package archicad

import (
	"fmt"
	"time"
)

// ProjectType classifies what kind of project an instance has open.
type ProjectType string

const (
	ProjectSolo     ProjectType = "solo"
	ProjectTeamwork ProjectType = "teamwork"
	ProjectUntitled ProjectType = "untitled"
)

// Instance is an immutable snapshot of one reachable Archicad instance.
// Snapshots are replaced wholesale on every discovery scan, never mutated,
// so concurrent readers cannot observe a torn update.
type Instance struct {
	Host           string    `json:"host"`
	Port           int       `json:"port"`
	ProjectName    string    `json:"project_name"`
	ProjectPath    string    `json:"project_path,omitempty"`
	Version        string    `json:"archicad_version"`
	IsTeamwork     bool      `json:"-"`
	TapirAvailable bool      `json:"is_tapir_available"`
	LastSeen       time.Time `json:"-"`
}

// BaseURL returns the JSON API endpoint for this instance.
func (i Instance) BaseURL() string {
	host := i.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, i.Port)
}

// Type derives the project classification from the snapshot metadata.
func (i Instance) Type() ProjectType {
	switch {
	case i.IsTeamwork:
		return ProjectTeamwork
	case i.ProjectName == "" || i.ProjectName == "Unknown" || i.ProjectName == "Untitled":
		return ProjectUntitled
	default:
		return ProjectSolo
	}
}
