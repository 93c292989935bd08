package object

import (
	"encoding/json"
	"fmt"
	"time"
)

// MainBranch is the name of the branch created when a collection is initialised.
const MainBranch = "main"

// Document is a single schemaless record. The `_id` field holds its identifier.
type Document map[string]any

func NewDocument() Document {
	return make(map[string]any)
}

// ID returns the identifier of the document or an empty string.
func (d Document) ID() string {
	id, _ := d[IDField].(string)
	return id
}

// IsEmpty returns true if the document has no fields. Empty documents mark deletions.
func (d Document) IsEmpty() bool {
	return len(d) == 0
}

// IDField is the name of the identifier field of every document.
const IDField = "_id"

// VersionID identifies a node of the version tree.
type VersionID struct {
	Version int    `json:"version"`
	Branch  string `json:"branch"`
}

// Root is the version every history starts from.
var Root = VersionID{Version: 0, Branch: MainBranch}

func (v VersionID) String() string {
	return fmt.Sprintf("(%d, %s)", v.Version, v.Branch)
}

// LogEntry is a registered version.
type LogEntry struct {
	ID        string    `json:"_id"`
	Version   int       `json:"version"`
	Branch    string    `json:"branch"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Parent    string    `json:"parent,omitempty"`
	Children  []string  `json:"children"`
}

// VersionID returns the version identifier of the entry.
func (e LogEntry) VersionID() VersionID {
	return VersionID{Version: e.Version, Branch: e.Branch}
}

// WeaklyEquals compares entries by version, branch and id.
// Timestamps and links are ignored since they change when entries are copied between collections.
func (e LogEntry) WeaklyEquals(other LogEntry) bool {
	return e.ID == other.ID && e.Version == other.Version && e.Branch == other.Branch
}

// Branch is a named pointer into the version tree.
type Branch struct {
	Name            string `json:"_id"`
	PointsToVersion int    `json:"points_to_version"`
	PointsToBranch  string `json:"points_to_branch"`
}

// IsEmpty returns true if no version was registered on the branch yet.
func (b Branch) IsEmpty() bool {
	return b.PointsToBranch != b.Name
}

// Target returns the version the branch points to.
func (b Branch) Target() VersionID {
	return VersionID{Version: b.PointsToVersion, Branch: b.PointsToBranch}
}

// Delta holds the patches that move one document across a version tree edge.
type Delta struct {
	ID         string          `json:"_id"`
	DocumentID string          `json:"document_id"`
	Version    int             `json:"version"`
	Branch     string          `json:"branch"`
	Timestamp  time.Time       `json:"timestamp"`
	Forward    json.RawMessage `json:"forward"`
	Backward   json.RawMessage `json:"backward"`
	Parent     string          `json:"parent,omitempty"`
	Children   []string        `json:"children"`
}

// VersionID returns the version the delta was registered at.
func (d Delta) VersionID() VersionID {
	return VersionID{Version: d.Version, Branch: d.Branch}
}

// Tracker records one unregistered mutation of a document.
type Tracker struct {
	ID         string `json:"_id"`
	Seq        uint64 `json:"seq"`
	DocumentID string `json:"document_id"`
	Op         string `json:"op"`
}

// Metadata is the head state of a tracked collection.
type Metadata struct {
	ID             string `json:"_id"`
	CurrentVersion int    `json:"current_version"`
	CurrentBranch  string `json:"current_branch"`
	Detached       bool   `json:"detached"`
	Changed        bool   `json:"changed"`
	HasStash       bool   `json:"has_stash"`
	HasConflicts   bool   `json:"has_conflicts"`
	ListenerSeq    uint64 `json:"listener_seq"`
	Schema         string `json:"schema,omitempty"`
}

// Head returns the checked out version.
func (m Metadata) Head() VersionID {
	return VersionID{Version: m.CurrentVersion, Branch: m.CurrentBranch}
}

// Conflict is a document that could not be merged automatically.
type Conflict struct {
	ID                string   `json:"_id"`
	DocumentID        string   `json:"document_id"`
	Destination       Document `json:"destination"`
	Merged            Document `json:"merged"`
	Source            Document `json:"source"`
	DestinationBranch string   `json:"destination_branch"`
	SourceBranch      string   `json:"source_branch"`
}

// Lock is an entry of the shared lock registry.
type Lock struct {
	ID             string `json:"_id"`
	CollectionName string `json:"collection_name"`
	Locked         bool   `json:"locked"`
	Owner          string `json:"owner"`
}
