// Package errors provides the structured errors the dbtlens CLI prints.
//
// A UserError says what went wrong, why, and how to fix it, and carries the
// process exit code:
//
//	Error: Cannot load dbtlens configuration
//	Cause: yaml: line 3: mapping values are not allowed in this context
//	Fix:   Check the syntax of dbtlens.yaml
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
)

// Exit codes.
const (
	ExitSuccess  = 0
	ExitConfig   = 1
	ExitProject  = 2 // dbt project missing or unreadable
	ExitCommand  = 3 // dbt command failed
	ExitInput    = 4
	ExitNotFound = 6
	ExitInternal = 10
)

// UserError is an error with user-facing context and an exit code.
type UserError struct {
	Message  string
	Cause    string
	Fix      string
	ExitCode int
	Err      error
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// NewConfigError reports a missing or invalid dbtlens.yaml.
func NewConfigError(msg, cause, fix string, err error) *UserError {
	return &UserError{Message: msg, Cause: cause, Fix: fix, ExitCode: ExitConfig, Err: err}
}

// NewProjectError reports a dbt project that cannot be found or read.
func NewProjectError(msg, cause, fix string, err error) *UserError {
	return &UserError{Message: msg, Cause: cause, Fix: fix, ExitCode: ExitProject, Err: err}
}

// NewCommandError reports a failed dbt invocation.
func NewCommandError(msg, cause, fix string, err error) *UserError {
	return &UserError{Message: msg, Cause: cause, Fix: fix, ExitCode: ExitCommand, Err: err}
}

// NewInputError reports bad arguments.
func NewInputError(msg, cause, fix string) *UserError {
	return &UserError{Message: msg, Cause: cause, Fix: fix, ExitCode: ExitInput}
}

// NewNotFoundError reports a missing file, model or CTE.
func NewNotFoundError(msg, cause, fix string) *UserError {
	return &UserError{Message: msg, Cause: cause, Fix: fix, ExitCode: ExitNotFound}
}

// NewInternalError reports a bug.
func NewInternalError(msg, cause string, err error) *UserError {
	return &UserError{
		Message:  msg,
		Cause:    cause,
		Fix:      "This is a bug. Please report it with the command you ran",
		ExitCode: ExitInternal,
		Err:      err,
	}
}

var (
	colorError = color.New(color.FgRed, color.Bold)
	colorCause = color.New(color.FgYellow)
	colorFix   = color.New(color.FgGreen)
)

// Format renders the error for a terminal. Empty Cause and Fix lines are
// omitted. NO_COLOR disables colors as well as noColor.
func (e *UserError) Format(noColor bool) string {
	prev := color.NoColor
	defer func() { color.NoColor = prev }()
	if noColor || os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
	}

	var out strings.Builder
	out.WriteString(colorError.Sprint("Error: "))
	out.WriteString(e.Message)
	out.WriteString("\n")
	if e.Cause != "" {
		out.WriteString(colorCause.Sprint("Cause: "))
		out.WriteString(e.Cause)
		out.WriteString("\n")
	}
	if e.Fix != "" {
		out.WriteString(colorFix.Sprint("Fix:   "))
		out.WriteString(e.Fix)
		out.WriteString("\n")
	}
	return out.String()
}

// ErrorJSON is the machine-readable form of a UserError.
type ErrorJSON struct {
	Error    string `json:"error"`
	Cause    string `json:"cause,omitempty"`
	Fix      string `json:"fix,omitempty"`
	ExitCode int    `json:"exit_code"`
}

func (e *UserError) ToJSON() ErrorJSON {
	return ErrorJSON{Error: e.Message, Cause: e.Cause, Fix: e.Fix, ExitCode: e.ExitCode}
}

// Report writes err to w and returns the exit code to use. Errors that are
// not a UserError are reported as internal.
func Report(w io.Writer, err error, jsonOutput bool) int {
	if err == nil {
		return ExitSuccess
	}

	var ue *UserError
	if !errors.As(err, &ue) {
		ue = NewInternalError("Unexpected error", err.Error(), nil)
	}
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(ue.ToJSON())
	} else {
		fmt.Fprint(w, ue.Format(false))
	}
	return ue.ExitCode
}

// FatalError reports err on stderr and exits with its code.
func FatalError(err error, jsonOutput bool) {
	if err == nil {
		return
	}
	os.Exit(Report(os.Stderr, err, jsonOutput))
}
