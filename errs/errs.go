// Package errs defines the error taxonomy shared across tdinvert.
//
// Every failure in the system is one of five kinds (see SPEC_FULL.md §7):
// validation, io, invariant, proposal-invalid, and numeric. Validation, io,
// and invariant errors are fatal and should reach main() and exit non-zero.
// Proposal-invalid and numeric errors are ordinary outcomes inside the
// sampler: a move is rejected, nothing more.
package errs

import "fmt"

// ValidationError wraps a bad CLI argument, missing file, or out-of-range
// parameter. Exit immediately, non-zero.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

func Validation(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// IOError wraps a read/write failure, surfacing the failing path.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("io: %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func IO(path string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Path: path, Err: err}
}

// InvariantError marks an unrecoverable bug: a tree-structure invariant
// broke, or a predicted/observed vector size mismatch. These are not
// supposed to happen; treat as fatal with a diagnostic.
type InvariantError struct {
	What string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated: %s", e.What)
}

func Invariant(format string, args ...interface{}) error {
	return &InvariantError{What: fmt.Sprintf(format, args...)}
}

// ProposalInvalidError means a proposal sampled something structurally
// impossible (value outside prior range, parent missing for a birth, a leaf
// with no children eligible for death already gone). The caller must treat
// this as a local rejection: increment propose, not accept, and move on.
type ProposalInvalidError struct {
	Move string
	Why  string
}

func (e *ProposalInvalidError) Error() string {
	return fmt.Sprintf("proposal-invalid: %s: %s", e.Move, e.Why)
}

func ProposalInvalid(move, format string, args ...interface{}) error {
	return &ProposalInvalidError{Move: move, Why: fmt.Sprintf(format, args...)}
}

// NumericError marks a non-finite likelihood or log-normalization. Treated
// as an automatic reject; the caller logs a warning and counts the move
// rejected.
type NumericError struct {
	What string
}

func (e *NumericError) Error() string {
	return fmt.Sprintf("numeric: %s", e.What)
}

func Numeric(format string, args ...interface{}) error {
	return &NumericError{What: fmt.Sprintf(format, args...)}
}

// IsReject reports whether err represents an ordinary rejected-proposal
// outcome (proposal-invalid or numeric) as opposed to a fatal error.
func IsReject(err error) bool {
	switch err.(type) {
	case *ProposalInvalidError, *NumericError:
		return true
	default:
		return false
	}
}
