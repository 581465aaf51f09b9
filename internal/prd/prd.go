// Package prd holds the plain-data contract produced by the external PRD
// parser and a set-level runner that executes one scheduler per PRD,
// honoring declared dependencies between documents.
package prd

// Phase is a contiguous slice of a PRD's tasks, executed in sequence
// within the PRD.
type Phase struct {
	ID     string         `json:"id" yaml:"id"`
	Name   string         `json:"name" yaml:"name"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"` // optional overlay
}

// PRD is one product requirement document as parsed by the external
// frontend. TasksPath names the task-store partition for this document;
// concurrent PRDs must not share one.
type PRD struct {
	ID        string   `json:"id" yaml:"id"`
	Version   string   `json:"version,omitempty" yaml:"version,omitempty"`
	Phases    []Phase  `json:"phases,omitempty" yaml:"phases,omitempty"`
	TasksPath string   `json:"tasksPath" yaml:"tasksPath"`
	DependsOn []string `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
}
