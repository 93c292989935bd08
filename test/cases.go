// Package test holds versioning scenarios described in YAML.
package test

import (
	"embed"
	"io/fs"
	"path/filepath"

	"github.com/nasdf/vercol/object"
	"gopkg.in/yaml.v3"
)

//go:embed cases
var casesFS embed.FS

// Scenario is a sequence of operations on one or more collections.
type Scenario struct {
	Description string `yaml:"description"`
	// Schema is passed to init when set.
	Schema string `yaml:"schema"`
	Steps  []Step `yaml:"steps"`
}

// Step is a single operation followed by optional checks.
type Step struct {
	// Op is one of put, delete, init, register, checkout, create_branch, delete_version,
	// discard, stash, stash_apply, stash_discard, push, pull, resolve or check.
	Op string `yaml:"op"`
	// Collection defaults to local.
	Collection   string         `yaml:"collection"`
	Remote       string         `yaml:"remote"`
	ID           string         `yaml:"id"`
	Document     map[string]any `yaml:"document"`
	Message      string         `yaml:"message"`
	Version      *int           `yaml:"version"`
	Branch       string         `yaml:"branch"`
	Overwrite    bool           `yaml:"overwrite"`
	Checkout     bool           `yaml:"checkout"`
	DiscardLocal bool           `yaml:"discard_local"`
	// Result is the expected boolean outcome of the operation.
	Result *bool `yaml:"result"`
	// Error is a substring of the expected error.
	Error  string       `yaml:"error"`
	Expect *Expectation `yaml:"expect"`
}

// Expectation describes the state of a collection after a step.
type Expectation struct {
	// Documents maps ids to their contents without the _id field.
	Documents    map[string]map[string]any `yaml:"documents"`
	Head         *object.VersionID         `yaml:"head"`
	Detached     *bool                     `yaml:"detached"`
	Changed      *bool                     `yaml:"changed"`
	HasStash     *bool                     `yaml:"has_stash"`
	HasConflicts *bool                     `yaml:"has_conflicts"`
	Branches     []string                  `yaml:"branches"`
	// Log holds the messages of the current branch, newest first.
	Log []string `yaml:"log"`
	// Versions is the length of the log of the current branch.
	Versions  int      `yaml:"versions"`
	Conflicts []string `yaml:"conflicts"`
}

// CollectionName returns the collection the step applies to.
func (s Step) CollectionName() string {
	if s.Collection == "" {
		return "local"
	}
	return s.Collection
}

// ScenarioPaths returns the paths of every scenario file.
func ScenarioPaths() (paths []string, _ error) {
	return paths, fs.WalkDir(casesFS, "cases", func(path string, d fs.DirEntry, err error) error {
		if filepath.Ext(path) == ".yaml" {
			paths = append(paths, path)
		}
		return err
	})
}

// LoadScenario loads and parses a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := fs.ReadFile(casesFS, path)
	if err != nil {
		return nil, err
	}
	var scenario Scenario
	if err := yaml.Unmarshal(data, &scenario); err != nil {
		return nil, err
	}
	return &scenario, nil
}
