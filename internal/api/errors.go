package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/weftworks/weft/internal/service"
)

// serviceErrorStatus maps facade error codes to HTTP statuses. Codes
// not listed here (including INTERNAL) answer 500.
var serviceErrorStatus = map[string]int{
	"INVALID_ARGUMENT": http.StatusBadRequest,
	"NOT_FOUND":        http.StatusNotFound,
	"CONFLICT":         http.StatusConflict,
}

func invalidArgumentError(message string) *service.ServiceError {
	return &service.ServiceError{
		Code:    "INVALID_ARGUMENT",
		Message: message,
	}
}

func writeInvalidArgument(w http.ResponseWriter, message string) {
	writeServiceError(w, invalidArgumentError(message))
}

func writePayloadTooLarge(w http.ResponseWriter, limit int64) {
	msg := "request body too large"
	if limit > 0 {
		msg = "request body too large (max " + strconv.FormatInt(limit, 10) + " bytes)"
	}
	WriteError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", msg)
}

func writeDecodeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *bodyTooLargeError
	if errors.As(err, &tooLarge) {
		writePayloadTooLarge(w, tooLarge.Limit)
		return
	}
	writeInvalidArgument(w, err.Error())
}

// writeServiceError answers with the facade error's code and mapped
// status. Anything that is not a ServiceError stays opaque: the client
// gets a generic 500 and the detail goes to the log at the call site.
func writeServiceError(w http.ResponseWriter, err error) {
	var svcErr *service.ServiceError
	if err == nil || !errors.As(err, &svcErr) {
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
		return
	}
	status, ok := serviceErrorStatus[svcErr.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	WriteError(w, status, svcErr.Code, svcErr.Message)
}
