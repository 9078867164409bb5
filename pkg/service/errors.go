package service

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies unit and job failures so workers surface a typed
// result to the ledger instead of swallowing exceptions.
type ErrorKind string

const (
	// KindValidation: bad parameters, surfaced immediately, job never created.
	KindValidation ErrorKind = "validation"
	// KindUnitFailure: one atomic unit failed; isolated to its sub-task.
	KindUnitFailure ErrorKind = "unit_failure"
	// KindDependencyMissing: a required upstream file is absent.
	KindDependencyMissing ErrorKind = "dependency_missing"
	// KindCanceled: cooperative cancellation; a distinct terminal state, not
	// an error condition.
	KindCanceled ErrorKind = "canceled"
	// KindImportFailure: the final merge failed; staged results are preserved.
	KindImportFailure ErrorKind = "import_failure"
)

// UnitError carries the failure kind alongside a human-readable message that
// ends up in the owning task's ledger record.
type UnitError struct {
	Kind ErrorKind
	Err  error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}

func Validationf(format string, args ...interface{}) error {
	return &UnitError{Kind: KindValidation, Err: errors.Errorf(format, args...)}
}

func UnitFailuref(format string, args ...interface{}) error {
	return &UnitError{Kind: KindUnitFailure, Err: errors.Errorf(format, args...)}
}

func DependencyMissingf(format string, args ...interface{}) error {
	return &UnitError{Kind: KindDependencyMissing, Err: errors.Errorf(format, args...)}
}

func Canceledf(format string, args ...interface{}) error {
	return &UnitError{Kind: KindCanceled, Err: errors.Errorf(format, args...)}
}

func ImportFailure(err error) error {
	return &UnitError{Kind: KindImportFailure, Err: err}
}

// KindOf extracts the error kind; plain errors count as unit failures and
// context cancellation counts as canceled.
func KindOf(err error) ErrorKind {
	var ue *UnitError
	if errors.As(err, &ue) {
		return ue.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindUnitFailure
}

// IsCanceled reports whether an error represents cooperative cancellation.
func IsCanceled(err error) bool {
	return err != nil && KindOf(err) == KindCanceled
}
