package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/spectralhq/spectralnotify/broker"
)

// statusOf maps broker error codes to HTTP statuses.
func statusOf(code broker.Code) int {
	switch code {
	case broker.CodeInvalidInput:
		return http.StatusBadRequest
	case broker.CodeUnauthorized:
		return http.StatusUnauthorized
	case broker.CodeNotFound:
		return http.StatusNotFound
	case broker.CodeTerminalState,
		broker.CodeDuplicateEntity,
		broker.CodeDuplicatePhase,
		broker.CodeIdempotencyConflict:
		return http.StatusConflict
	case broker.CodeBackpressure:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// HTTPErrorHandler renders every error as the {code, message, data?} body.
// Echo's own errors (body limit, rate limit, bad routes) are folded into the
// same shape.
func HTTPErrorHandler(logger *logrus.Entry) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var be *broker.Error
		if he, ok := err.(*echo.HTTPError); ok {
			be = &broker.Error{
				Code:    codeForStatus(he.Code),
				Message: messageOf(he),
			}
			if err := c.JSON(he.Code, be); err != nil {
				logger.WithError(err).Error("write error response")
			}
			return
		}

		be = broker.AsError(err)
		status := statusOf(be.Code)
		if status == http.StatusInternalServerError {
			logger.WithError(err).WithField("path", c.Path()).Error("internal error")
			// Do not leak internals to the client.
			be = broker.NewError(broker.CodeInternal, "internal error")
		}
		if err := c.JSON(status, be); err != nil {
			logger.WithError(err).Error("write error response")
		}
	}
}

func codeForStatus(status int) broker.Code {
	switch status {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusRequestEntityTooLarge:
		return broker.CodeInvalidInput
	case http.StatusUnauthorized:
		return broker.CodeUnauthorized
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return broker.CodeNotFound
	}
	return broker.CodeInternal
}

func messageOf(he *echo.HTTPError) string {
	if msg, ok := he.Message.(string); ok {
		return msg
	}
	return http.StatusText(he.Code)
}
