package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/workflows/common/engineerrors"
)

// httpError maps an engine error to an echo.HTTPError using the error
// kind's declared HTTP status (engineerrors.Code.HTTPStatus), falling back
// to 500 for untyped errors. The engine never picks an HTTP status itself;
// the transport layer does.
func httpError(err error) error {
	if ee, ok := engineerrors.As(err); ok {
		return echo.NewHTTPError(ee.Kind.HTTPStatus(), echo.Map{"code": string(ee.Kind), "message": ee.Message, "context": ee.Context})
	}
	return echo.NewHTTPError(http.StatusInternalServerError, echo.Map{"message": err.Error()})
}
