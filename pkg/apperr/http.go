package apperr

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// HTTPStatus maps err's kind to an HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindInvalidState:
		return http.StatusConflict
	case KindEmptyBundle:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindArchival, KindUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// ToHTTP converts err into an echo HTTP error. Integrity failures and
// unclassified errors get a generic message so no record content leaks.
func ToHTTP(err error) error {
	if err == nil {
		return nil
	}
	status := HTTPStatus(err)
	switch KindOf(err) {
	case KindIntegrity:
		return echo.NewHTTPError(status, "record integrity check failed")
	case "":
		return echo.NewHTTPError(status, "internal server error")
	}
	return echo.NewHTTPError(status, err.Error())
}
