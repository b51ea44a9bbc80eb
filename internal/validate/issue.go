package validate

import (
	"fmt"
	"strings"
)

// Severity ranks an issue. Warnings never block compilation on their own;
// a single error does.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

// String returns the lowercase severity name.
func (s Severity) String() string {
	if s == SeverityError {
		return "error"
	}
	return "warning"
}

// Code identifies the class of a validation issue.
type Code string

const (
	CodeStructural       Code = "StructuralError"
	CodeCycle            Code = "CycleError"
	CodeDeadCode         Code = "DeadCodeWarning"
	CodeType             Code = "TypeError"
	CodeParameter        Code = "ParameterError"
	CodeResourceConflict Code = "ResourceConflictWarning"
)

// Issue is one finding from the validator. NodeIDs and EdgeID reference the
// authored graph so the editor can highlight the offending elements.
type Issue struct {
	Severity Severity
	Code     Code
	NodeIDs  []string
	EdgeID   string
	Field    string
	Message  string
}

// Error implements error so a fatal issue can be wrapped and returned.
func (i Issue) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s]", i.Severity, i.Code)
	if len(i.NodeIDs) > 0 {
		fmt.Fprintf(&b, " node %s", strings.Join(i.NodeIDs, ", "))
	}
	if i.EdgeID != "" {
		fmt.Fprintf(&b, " edge %s", i.EdgeID)
	}
	if i.Field != "" {
		fmt.Fprintf(&b, " field %s", i.Field)
	}
	fmt.Fprintf(&b, ": %s", i.Message)
	return b.String()
}

// HasErrors reports whether any issue in the list is fatal.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}
