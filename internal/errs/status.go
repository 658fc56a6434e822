package errs

import (
	"errors"
	"net/http"
)

// HTTPStatus maps a core error to the HTTP status the transport collaborator
// should emit. Unknown errors map to 500; only classified kinds get a
// narrower status.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var (
		contract    *ContractViolation
		missing     *MissingFeatures
		mismatch    *ManifestMismatch
		notAllowed  *BuildNotAllowed
		incremental *IncrementalRejected
		frozen      *FrozenViolation
		denied      *PolicyDenied
		duplicate   *Duplicate
		tampered    *TamperDetected
		notFound    *NotFound
	)

	switch {
	case errors.As(err, &contract), errors.As(err, &notAllowed):
		return http.StatusBadRequest
	case errors.As(err, &frozen), errors.As(err, &denied):
		return http.StatusForbidden
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &duplicate), errors.As(err, &incremental):
		return http.StatusConflict
	case errors.As(err, &mismatch), errors.As(err, &missing):
		return http.StatusUnprocessableEntity
	case errors.As(err, &tampered):
		return http.StatusConflict
	case errors.Is(err, ErrNotPrimed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
