package validation

// Action enumerates how a validation error can be recovered.
type Action string

const (
	ActionFix    Action = "fix"
	ActionRetry  Action = "retry"
	ActionSkip   Action = "skip"
	ActionManual Action = "manual"
)

// Suggestion is a structured recovery proposal attached to an error and
// emitted with the validation event. Template, when present, is a change
// shape the child can imitate.
type Suggestion struct {
	Action      Action `json:"action"`
	Description string `json:"description"`
	Template    string `json:"template,omitempty"`
	Reference   string `json:"reference,omitempty"`
}

// suggestionFor computes the recovery suggestion for an error category.
func suggestionFor(e Error) *Suggestion {
	switch e.Category {
	case CategoryBoundary:
		return &Suggestion{
			Action:      ActionManual,
			Description: "The change targets a file outside the task's declared scope. Restrict edits to the task's target files, or widen the task's file list.",
			Reference:   e.Path,
		}
	case CategoryDestructive:
		return &Suggestion{
			Action:      ActionFix,
			Description: "Replace the full-file update with targeted patch operations so existing code survives.",
			Template: `{"path": "` + e.Path + `", "operation": "patch", "patches": [{"search": "<exact lines copied from the file>", "replace": "<edited lines>"}]}`,
		}
	case CategoryFileNotFound:
		return &Suggestion{
			Action:      ActionFix,
			Description: "The target file does not exist. Use a create operation with full content instead of a patch.",
			Template:    `{"path": "` + e.Path + `", "operation": "create", "content": "<full file content>"}`,
		}
	case CategoryPatchNotFound:
		return &Suggestion{
			Action:      ActionRetry,
			Description: "Re-read the current file contents and copy the search anchor verbatim, including indentation.",
			Reference:   e.Message,
		}
	case CategorySyntax:
		return &Suggestion{
			Action:      ActionFix,
			Description: "Fix the flagged syntax issue before resubmitting; check brace balance around the edited region.",
		}
	default:
		return &Suggestion{
			Action:      ActionManual,
			Description: "Unrecognized validation failure; inspect the change manually.",
		}
	}
}
