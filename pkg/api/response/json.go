// Package response writes the JSON bodies of the order API.
package response

import (
	"encoding/json"
	"net/http"
)

// JSON writes data with the given status. The body is encoded before any
// header is sent so an encoding failure still yields a clean 500.
func JSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var body []byte
	if data != nil {
		var err error
		if body, err = json.Marshal(data); err != nil {
			statusCode = http.StatusInternalServerError
			body = []byte(`{"error":{"code":"` + ErrCodeInternalServer + `","message":"failed to encode response"}}`)
		}
		body = append(body, '\n')
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}

// Accepted answers 202 and points Location at the resource the client should
// poll, such as the order view of a saga that is still running.
func Accepted(w http.ResponseWriter, location string, data interface{}) {
	if location != "" {
		w.Header().Set("Location", location)
	}
	JSON(w, http.StatusAccepted, data)
}

// Error writes the error envelope.
func Error(w http.ResponseWriter, statusCode int, code, message string, requestID string) {
	ErrorWithDetails(w, statusCode, code, message, nil, requestID)
}

// ErrorWithDetails writes the error envelope with details, for example the
// request field that failed validation.
func ErrorWithDetails(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}, requestID string) {
	JSON(w, statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:      code,
			Message:   message,
			Details:   details,
			RequestID: requestID,
		},
	})
}
