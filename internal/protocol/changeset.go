package protocol

// OperationKind enumerates file operations in a change-set.
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpPatch  OperationKind = "patch"
	OpDelete OperationKind = "delete"
)

// Patch is one search/replace pair applied to an existing file. The
// validation gate may rewrite Search in place after fuzzy anchor recovery;
// the applier then uses the corrected anchor verbatim.
type Patch struct {
	Search  string `json:"search"`
	Replace string `json:"replace"`
}

// FileOperation is one entry in a change-set. Path is repo-relative.
// Content is set for create/update; Patches for patch.
type FileOperation struct {
	Path    string        `json:"path"`
	Kind    OperationKind `json:"operation"`
	Content string        `json:"content,omitempty"`
	Patches []Patch       `json:"patches,omitempty"`
}

// ChangeSet is an ordered list of file operations proposed by the child.
// An empty operations list is a no-op success, not a failure.
type ChangeSet struct {
	Operations []FileOperation `json:"operations"`
	Summary    string          `json:"summary,omitempty"`
}

// Paths returns the target paths of all operations, in order.
func (cs *ChangeSet) Paths() []string {
	if cs == nil {
		return nil
	}
	out := make([]string, 0, len(cs.Operations))
	for _, op := range cs.Operations {
		out = append(out, op.Path)
	}
	return out
}

// Empty reports whether the change-set carries no operations.
func (cs *ChangeSet) Empty() bool {
	return cs == nil || len(cs.Operations) == 0
}
