// Package errors provides centralized error definitions for the Foreman
// engine. It defines the error taxonomy the scheduler relies on to decide
// retry, hold, pause, and fail transitions:
//
//   - PlanError: structural plan problems (cycle, file overlap, unknown
//     dependency) — rejected at edit time, never reach the scheduler.
//   - WorkerError: worker process crash, timeout, or cancellation.
//   - MergeConflictError: integration conflict held for explicit resolution.
//   - BudgetExceededError: a spend ceiling was breached, tagged with scope.
//
// Gate failures are deliberately absent: a failing quality gate is data
// (gate.Result), not an error, and never crosses a boundary as one.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library helpers so callers import only this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Plan-related sentinel errors.
var (
	// ErrDependencyCycle indicates a circular dependency between sections.
	ErrDependencyCycle = New("dependency cycle detected")
	// ErrFileOverlap indicates two same-level sections own the same file.
	ErrFileOverlap = New("file ownership overlap")
	// ErrUnknownDependency indicates a dependency on a nonexistent section.
	ErrUnknownDependency = New("unknown dependency")
	// ErrPlanNotFound indicates that a plan could not be found.
	ErrPlanNotFound = New("plan not found")
	// ErrSectionNotFound indicates that a section could not be found.
	ErrSectionNotFound = New("section not found")
)

// Worker-related sentinel errors.
var (
	// ErrWorkerCrashed indicates the worker process exited abnormally.
	ErrWorkerCrashed = New("worker process crashed")
	// ErrWorkerTimeout indicates the worker exceeded its time ceiling.
	ErrWorkerTimeout = New("worker timed out")
	// ErrWorkerCanceled indicates the worker was canceled by the engine.
	ErrWorkerCanceled = New("worker canceled")
	// ErrPoolClosed indicates the worker pool has been shut down.
	ErrPoolClosed = New("worker pool closed")
)

// Run-related sentinel errors.
var (
	// ErrRunNotFound indicates that a run record could not be found.
	ErrRunNotFound = New("run not found")
	// ErrRunActive indicates another run for the project is already in progress.
	ErrRunActive = New("run already in progress")
	// ErrRunImmutable indicates a completed run cannot be mutated.
	ErrRunImmutable = New("run is completed and immutable")
)

// General sentinel errors.
var (
	// ErrMergeConflict indicates an integration conflict awaiting resolution.
	ErrMergeConflict = New("merge conflict")
	// ErrBudgetExceeded indicates a spend ceiling was breached.
	ErrBudgetExceeded = New("budget exceeded")
)

// -----------------------------------------------------------------------------
// PlanError
// -----------------------------------------------------------------------------

// PlanError represents a structural problem with an execution plan.
// It carries the offending section pair so a plan editor can highlight it.
//
// Example:
//
//	err := errors.NewPlanError("sections overlap on main.go", errors.ErrFileOverlap).
//		WithSections("sec-api", "sec-cli")
type PlanError struct {
	message  string
	cause    error
	Sections []string
	File     string
}

// NewPlanError creates a new PlanError wrapping the given sentinel.
func NewPlanError(message string, cause error) *PlanError {
	return &PlanError{message: message, cause: cause}
}

// WithSections records the offending section IDs.
func (e *PlanError) WithSections(ids ...string) *PlanError {
	e.Sections = append(e.Sections, ids...)
	return e
}

// WithFile records the file path involved in the violation.
func (e *PlanError) WithFile(path string) *PlanError {
	e.File = path
	return e
}

// Error returns the formatted error message.
func (e *PlanError) Error() string {
	var parts []string
	if len(e.Sections) > 0 {
		parts = append(parts, fmt.Sprintf("sections=%s", strings.Join(e.Sections, ",")))
	}
	if e.File != "" {
		parts = append(parts, fmt.Sprintf("file=%s", e.File))
	}
	prefix := "plan error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("plan error [%s]", strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Unwrap returns the underlying sentinel.
func (e *PlanError) Unwrap() error { return e.cause }

// Is reports whether this error matches the target.
func (e *PlanError) Is(target error) bool {
	if _, ok := target.(*PlanError); ok {
		return true
	}
	return e.cause != nil && errors.Is(e.cause, target)
}

// -----------------------------------------------------------------------------
// WorkerError
// -----------------------------------------------------------------------------

// WorkerError represents a failure of a worker execution: process crash,
// timeout, or engine-initiated cancellation. Timeouts are retryable.
type WorkerError struct {
	message   string
	cause     error
	WorkerID  string
	SectionID string
}

// NewWorkerError creates a new WorkerError wrapping the given sentinel.
func NewWorkerError(message string, cause error) *WorkerError {
	return &WorkerError{message: message, cause: cause}
}

// WithWorkerID adds the worker ID to the error context.
func (e *WorkerError) WithWorkerID(id string) *WorkerError {
	e.WorkerID = id
	return e
}

// WithSectionID adds the section ID to the error context.
func (e *WorkerError) WithSectionID(id string) *WorkerError {
	e.SectionID = id
	return e
}

// Error returns the formatted error message.
func (e *WorkerError) Error() string {
	var parts []string
	if e.WorkerID != "" {
		parts = append(parts, fmt.Sprintf("worker=%s", e.WorkerID))
	}
	if e.SectionID != "" {
		parts = append(parts, fmt.Sprintf("section=%s", e.SectionID))
	}
	prefix := "worker error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("worker error [%s]", strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Unwrap returns the underlying sentinel.
func (e *WorkerError) Unwrap() error { return e.cause }

// Is reports whether this error matches the target.
func (e *WorkerError) Is(target error) bool {
	if _, ok := target.(*WorkerError); ok {
		return true
	}
	return e.cause != nil && errors.Is(e.cause, target)
}

// -----------------------------------------------------------------------------
// MergeConflictError
// -----------------------------------------------------------------------------

// MergeConflictError indicates that integrating a section's commits hit a
// conflict. The section is held, not failed; resolution is explicit.
type MergeConflictError struct {
	SectionID string
	Files     []string
}

// NewMergeConflictError creates a new MergeConflictError.
func NewMergeConflictError(sectionID string, files []string) *MergeConflictError {
	return &MergeConflictError{SectionID: sectionID, Files: files}
}

// Error returns the formatted error message.
func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict [section=%s]: %d conflicting files: %s",
		e.SectionID, len(e.Files), strings.Join(e.Files, ", "))
}

// Is reports whether this error matches the target.
func (e *MergeConflictError) Is(target error) bool {
	if _, ok := target.(*MergeConflictError); ok {
		return true
	}
	return errors.Is(ErrMergeConflict, target)
}

// Unwrap returns the merge conflict sentinel.
func (e *MergeConflictError) Unwrap() error { return ErrMergeConflict }

// -----------------------------------------------------------------------------
// BudgetExceededError
// -----------------------------------------------------------------------------

// BudgetScope identifies which ceiling was breached. The scope determines
// the blast radius: subtask scope fails one attempt, section scope fails the
// section, session scope pauses the whole run.
type BudgetScope string

const (
	// ScopeSubtask limits a single dispatch attempt.
	ScopeSubtask BudgetScope = "subtask"
	// ScopeSection limits the accumulated spend of one section.
	ScopeSection BudgetScope = "section"
	// ScopeSession limits the accumulated spend of the whole run.
	ScopeSession BudgetScope = "session"
)

// BudgetExceededError indicates a spend ceiling was breached.
type BudgetExceededError struct {
	Scope     BudgetScope
	SectionID string
	Meter     string  // "cost", "tokens", or "turns"
	Limit     float64 // the configured ceiling
	Used      float64 // the accumulated value at breach time
}

// NewBudgetExceededError creates a new BudgetExceededError.
func NewBudgetExceededError(scope BudgetScope, meter string, limit, used float64) *BudgetExceededError {
	return &BudgetExceededError{Scope: scope, Meter: meter, Limit: limit, Used: used}
}

// WithSectionID adds the section ID to the error context.
func (e *BudgetExceededError) WithSectionID(id string) *BudgetExceededError {
	e.SectionID = id
	return e
}

// Error returns the formatted error message.
func (e *BudgetExceededError) Error() string {
	if e.SectionID != "" {
		return fmt.Sprintf("budget exceeded [scope=%s, section=%s]: %s %.2f over limit %.2f",
			e.Scope, e.SectionID, e.Meter, e.Used, e.Limit)
	}
	return fmt.Sprintf("budget exceeded [scope=%s]: %s %.2f over limit %.2f",
		e.Scope, e.Meter, e.Used, e.Limit)
}

// Is reports whether this error matches the target.
func (e *BudgetExceededError) Is(target error) bool {
	if _, ok := target.(*BudgetExceededError); ok {
		return true
	}
	return errors.Is(ErrBudgetExceeded, target)
}

// Unwrap returns the budget sentinel.
func (e *BudgetExceededError) Unwrap() error { return ErrBudgetExceeded }

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable reports whether the error represents a transient condition the
// scheduler may retry: worker timeouts and crashes, but not cancellations,
// plan errors, or budget breaches.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if Is(err, ErrWorkerCanceled) || Is(err, ErrBudgetExceeded) {
		return false
	}
	return Is(err, ErrWorkerTimeout) || Is(err, ErrWorkerCrashed)
}

// BudgetScopeOf returns the scope of a budget breach, or "" if err is not a
// BudgetExceededError.
func BudgetScopeOf(err error) BudgetScope {
	var be *BudgetExceededError
	if As(err, &be) {
		return be.Scope
	}
	return ""
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
