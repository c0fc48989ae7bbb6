package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// APIError is the JSON body of every error response
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func apiError(status int, code, message string) *echo.HTTPError {
	return echo.NewHTTPError(status, &APIError{Code: code, Message: message})
}

func badRequest(code, message string) *echo.HTTPError {
	return apiError(http.StatusBadRequest, code, message)
}

func notFound(code, message string) *echo.HTTPError {
	return apiError(http.StatusNotFound, code, message)
}

func conflict(code, message string) *echo.HTTPError {
	return apiError(http.StatusConflict, code, message)
}

func unavailable(code, message string) *echo.HTTPError {
	return apiError(http.StatusServiceUnavailable, code, message)
}

func internalError(code, message string) *echo.HTTPError {
	return apiError(http.StatusInternalServerError, code, message)
}
