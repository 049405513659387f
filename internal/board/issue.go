package board

// IssueLevel is the severity of a validation finding.
type IssueLevel string

const (
	// IssueLevelWarning is informational and never blocks a commit.
	IssueLevelWarning IssueLevel = "warning"
	// IssueLevelError blocks the whole patch.
	IssueLevelError IssueLevel = "error"
)

// Issue is one validation finding.
type Issue struct {
	Level    IssueLevel `json:"level"`
	Message  string     `json:"message"`
	ObjectID string     `json:"objectId,omitempty"`
}

// HasErrors reports whether any issue blocks a commit.
func HasErrors(issues []Issue) bool {
	for _, issue := range issues {
		if issue.Level == IssueLevelError {
			return true
		}
	}
	return false
}

// Warnings returns only the non-blocking issues.
func Warnings(issues []Issue) []Issue {
	warnings := make([]Issue, 0, len(issues))
	for _, issue := range issues {
		if issue.Level == IssueLevelWarning {
			warnings = append(warnings, issue)
		}
	}
	return warnings
}

func errorIssue(objectID, message string) Issue {
	return Issue{Level: IssueLevelError, Message: message, ObjectID: objectID}
}

func warningIssue(objectID, message string) Issue {
	return Issue{Level: IssueLevelWarning, Message: message, ObjectID: objectID}
}
