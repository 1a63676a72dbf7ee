package domain

import "errors"

// Error kinds recognized at the run boundary. Recoverable kinds are absorbed
// into the run record; only Fatal aborts a run.
var (
	ErrInputMissing    = errors.New("input missing")
	ErrGateFailed      = errors.New("quality gate failed")
	ErrDetectorError   = errors.New("detector error")
	ErrStoreConflict   = errors.New("store conflict")
	ErrDispatcherError = errors.New("dispatcher error")
	ErrPolicyViolation = errors.New("policy violation")
	ErrFatal           = errors.New("fatal")
)

// IsFatal reports whether err must abort the enclosing run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
