package httpapi

import (
	"net/http"

	"boxd/internal/transfer"
	"boxd/internal/updater"
)

// writeServiceError maps controller errors to HTTP status codes: busy and
// not-idle conflicts map to 409, a missing service to 503, anything else
// to 500.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case transfer.IsBusy(err), updater.IsNotIdle(err):
		writeError(w, http.StatusConflict, err.Error())
	case updater.IsUnavailable(err):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
