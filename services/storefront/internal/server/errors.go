package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"ebookstore/internal/util"
	"ebookstore/services/storefront/internal/app"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
	Details   any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeErrorResponse(w, status, errorResponse{Error: msg, Code: errorCodeFor(status, msg)})
}

func writeErrorResponse(w http.ResponseWriter, status int, body errorResponse) {
	body.RequestID = strings.TrimSpace(w.Header().Get("X-Request-Id"))
	writeJSON(w, status, body)
}

// appErrors maps app sentinels to HTTP status and stable error codes.
// Order matters: the first match wins.
var appErrors = []struct {
	err    error
	status int
	code   string
}{
	{app.ErrBookNotFound, http.StatusNotFound, "BOOK_NOT_FOUND"},
	{app.ErrOrderNotFound, http.StatusNotFound, "ORDER_NOT_FOUND"},
	{app.ErrAuthorNotFound, http.StatusNotFound, "AUTHOR_NOT_FOUND"},
	{app.ErrCategoryNotFound, http.StatusNotFound, "CATEGORY_NOT_FOUND"},
	{app.ErrPermissionDenied, http.StatusForbidden, "DOWNLOAD_NOT_PURCHASED"},
	{app.ErrQuotaExceeded, http.StatusForbidden, "DOWNLOAD_QUOTA_EXCEEDED"},
	{app.ErrFileUnavailable, http.StatusNotFound, "DOWNLOAD_FILE_UNAVAILABLE"},
	{app.ErrUnauthorized, http.StatusUnauthorized, "AUTH_INVALID_TOKEN"},
	{app.ErrForbidden, http.StatusForbidden, "AUTH_FORBIDDEN"},
	{app.ErrInvalidCredentials, http.StatusUnauthorized, "AUTH_INVALID_CREDENTIALS"},
	{app.ErrEmailAndPasswordRequired, http.StatusBadRequest, "AUTH_INVALID_REQUEST"},
	{app.ErrEmailAlreadyExists, http.StatusConflict, "AUTH_EMAIL_EXISTS"},
	{app.ErrOrderNotPending, http.StatusConflict, "ORDER_NOT_PENDING"},
	{app.ErrInUse, http.StatusConflict, "RESOURCE_IN_USE"},
	{app.ErrInvalidWebhook, http.StatusBadRequest, "WEBHOOK_INVALID"},
	{app.ErrInvalidInput, http.StatusBadRequest, "REQUEST_INVALID"},
}

// writeAppError renders an app error. Unknown errors are logged and hidden
// behind a generic 500.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range appErrors {
		if !errors.Is(err, m.err) {
			continue
		}
		body := errorResponse{Error: err.Error(), Code: m.code}
		var quota *app.QuotaError
		if errors.As(err, &quota) {
			body.Details = quota
		}
		writeErrorResponse(w, m.status, body)
		return
	}
	util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func errorCodeFor(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "webhook secret not configured":
		return "SYSTEM_INTERNAL_ERROR"
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "forbidden":
		return "AUTH_FORBIDDEN"
	case message == "invalid signature":
		return "WEBHOOK_INVALID_SIGNATURE"
	case message == "file too large":
		return "BOOK_FILE_TOO_LARGE"
	case strings.Contains(message, "file is required"):
		return "BOOK_FILE_REQUIRED"
	case message == "invalid form data":
		return "BOOK_INVALID_UPLOAD_FORM"
	case strings.HasPrefix(message, "too many"):
		return "RATE_LIMITED"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "REQUEST_INVALID"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "AUTH_FORBIDDEN"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
