package transfer

// busyError signals that a fetch session is already in flight; the
// protocol supports exactly one session per client.
type busyError struct{ file string }

func (e busyError) Error() string { return "fetch busy: transfer in progress for " + e.file }

// ErrBusy constructs a busyError for the in-flight file.
func ErrBusy(file string) error { return busyError{file: file} }

// IsBusy reports whether err means a second fetch was rejected (HTTP 409).
func IsBusy(err error) bool {
	_, ok := err.(busyError)
	return ok
}
