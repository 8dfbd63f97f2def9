package types

import "errors"

// Error classes surfaced by workflow actions
var (
	ErrValidationFailed   = errors.New("compliance validation failed")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrForbidden          = errors.New("forbidden")
	ErrBadRequest         = errors.New("bad request")
	ErrNotFound           = errors.New("not found")
	ErrInternal           = errors.New("internal error")
)

// ValidationError is returned when an action is blocked by a failing
// compliance check. It carries the validation that blocked it.
type ValidationError struct {
	Validation *TransferValidation
}

func (e *ValidationError) Error() string {
	if e.Validation == nil {
		return ErrValidationFailed.Error()
	}
	return ErrValidationFailed.Error() + ": " + string(e.Validation.ReasonCode)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// ValidationFrom extracts the failing validation from an error chain
func ValidationFrom(err error) (*TransferValidation, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) && verr.Validation != nil {
		return verr.Validation, true
	}
	return nil, false
}
