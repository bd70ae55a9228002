package pipeline

import "fmt"

// Diagnostics accumulates the problems found while validating or
// planning a definition. Errors are fatal: a definition with errors
// never starts. Warnings are surfaced to the submitter but do not
// block execution.
type Diagnostics struct {
	Errors   []Error
	Warnings []Warning
}

func (d *Diagnostics) IsEmpty() bool {
	return len(d.Errors) == 0 && len(d.Warnings) == 0
}

func (d Diagnostics) IsErr() bool {
	return len(d.Errors) != 0
}

func (d *Diagnostics) Combine(other Diagnostics) {
	d.Errors = append(d.Errors, other.Errors...)
	d.Warnings = append(d.Warnings, other.Warnings...)
}

func (d *Diagnostics) AddError(path string, err error) {
	d.Errors = append(d.Errors, Error{
		Path:  path,
		Error: err,
	})
}

func (d *Diagnostics) AddWarning(path string, kind WarningKind, reason string) {
	d.Warnings = append(d.Warnings, Warning{
		Path:   path,
		Type:   kind,
		Reason: reason,
	})
}

// Error is fatal. The path identifies the job or section at fault.
type Error struct {
	Path  string
	Error error
}

func (e Error) String() string {
	return fmt.Sprintf("error: %s: %s", e.Path, e.Error.Error())
}

// Warning is non-fatal.
type Warning struct {
	Path   string
	Type   WarningKind
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("warning: %s: %s: %s", w.Path, w.Type, w.Reason)
}

type WarningKind string

var (
	JobSkipped           WarningKind = "job skipped"
	InvalidPattern       WarningKind = "invalid pattern"
	InvalidConfiguration WarningKind = "invalid configuration"
)
