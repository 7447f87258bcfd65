// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/samber/oops"
)

// errorBody is the JSON shape every failed management call returns.
type errorBody struct {
	Error   string `json:"error"`
	ErrCode string `json:"errcode"`
}

// httpStatus maps the internal error taxonomy onto HTTP statuses.
func httpStatus(code string) int {
	switch code {
	case "INVALID_TOKEN", "INVALID_CREDENTIALS":
		return http.StatusUnauthorized
	case "NOT_FOUND", "PLUGIN_HAS_NO_DATABASE", "TABLE_NOT_FOUND", "FILE_NOT_FOUND":
		return http.StatusNotFound
	case "ALREADY_EXISTS", "ID_CONFLICT", "IN_USE":
		return http.StatusConflict
	case "NOT_A_PLUGIN", "INVALID_META", "HOST_TOO_OLD", "ID_CHANGED",
		"MODULE_NOT_FOUND", "MAIN_CLASS_NOT_FOUND", "MODULE_EXEC_FAILED",
		"MODULE_PARSE_FAILED", "MODULE_COMPILE_FAILED",
		"MXID_MISMATCH", "DEVICE_ID_MISMATCH", "CLIENT_DISABLED",
		"UNSUPPORTED_DATABASE", "NOT_LOADED", "BAD_CONFIG",
		"BAD_REQUEST", "BAD_REQUEST_BODY", "QUERY_FAILED",
		"QUERY_SYNTAX_ERROR", "QUERY_CONSTRAINT_VIOLATION", "SCHEMA_TOO_NEW":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondError serializes any internal error as {error, errcode}.
func respondError(c echo.Context, err error) error {
	code := "INTERNAL_SERVER_ERROR"
	if oopsErr, ok := oops.AsOops(err); ok && oopsErr.Code() != "" {
		code = oopsErr.Code()
	}
	return c.JSON(httpStatus(code), errorBody{
		Error:   err.Error(),
		ErrCode: strings.ToLower(code),
	})
}

// respondErrorCode serializes a literal errcode with a message.
func respondErrorCode(c echo.Context, status int, errcode, message string) error {
	return c.JSON(status, errorBody{Error: message, ErrCode: errcode})
}
