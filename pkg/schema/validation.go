package schema

import "fmt"

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single validation problem with location context.
// Path points into the definition (e.g. "nodes[2].task", "edges[0]").
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult aggregates all issues from the validation pipeline.
type ValidationResult struct {
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// Valid returns true if there are no error-severity issues.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors()) == 0
}

// Errors returns the error-severity issues.
func (r *ValidationResult) Errors() []ValidationIssue {
	var out []ValidationIssue
	for _, is := range r.Issues {
		if is.Severity == SeverityError {
			out = append(out, is)
		}
	}
	return out
}

// Warnings returns the warning-severity issues.
func (r *ValidationResult) Warnings() []ValidationIssue {
	var out []ValidationIssue
	for _, is := range r.Issues {
		if is.Severity == SeverityWarning {
			out = append(out, is)
		}
	}
	return out
}

// AddError appends an error-severity issue.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Issues = append(r.Issues, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddWarning appends a warning-severity issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Issues = append(r.Issues, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Issues = append(r.Issues, other.Issues...)
}

// ToError converts the result to a FlowError if invalid, nil if valid.
func (r *ValidationResult) ToError() error {
	errs := r.Errors()
	if len(errs) == 0 {
		return nil
	}

	msg := errs[0].Message
	if len(errs) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(errs))
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count":   len(errs),
			"warning_count": len(r.Warnings()),
			"issues":        r.Issues,
		})
}
