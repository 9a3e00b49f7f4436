package updater

// notIdleError rejects a start request while a run is in progress.
type notIdleError struct{ phase Phase }

func (e notIdleError) Error() string { return "updater busy: phase " + string(e.phase) }

// IsNotIdle reports whether err means a run was already active (HTTP 409).
func IsNotIdle(err error) bool {
	_, ok := err.(notIdleError)
	return ok
}

// unavailableError signals the transfer client service is missing.
type unavailableError struct{ msg string }

func (e unavailableError) Error() string { return e.msg }

// ErrUnavailable constructs an unavailableError.
func ErrUnavailable(msg string) error { return unavailableError{msg: msg} }

// IsUnavailable reports whether err indicates a missing service (HTTP 503).
func IsUnavailable(err error) bool {
	_, ok := err.(unavailableError)
	return ok
}
