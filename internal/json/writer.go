package json

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/dgellow/yt-mcp-gateway/internal/log"
)

// ErrorResponse is the body of every non-OAuth error the gateway writes.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WriteResponse writes data as JSON with the given status code.
func WriteResponse(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.LogError("Failed to encode JSON response: %v", err)
		return err
	}
	return nil
}

func Write(w http.ResponseWriter, data any) error {
	return WriteResponse(w, http.StatusOK, data)
}

// WriteError writes an ErrorResponse. code is a snake_case identifier.
func WriteError(w http.ResponseWriter, statusCode int, code string, message string) {
	_ = WriteResponse(w, statusCode, ErrorResponse{Error: code, Message: message})
}

// WriteUnauthorizedRFC9728 rejects a request to a protected resource and
// points the client at its metadata (RFC 9728 section 5.1):
//
//	WWW-Authenticate: Bearer resource_metadata="<uri>"
func WriteUnauthorizedRFC9728(w http.ResponseWriter, message string, protectedResourceMetadataURI string) {
	if protectedResourceMetadataURI != "" {
		challenge := fmt.Sprintf(`Bearer resource_metadata="%s"`, escapeQuotedString(protectedResourceMetadataURI))
		w.Header().Set("WWW-Authenticate", challenge)
	}
	WriteError(w, http.StatusUnauthorized, "unauthorized", message)
}

// escapeQuotedString applies RFC 9110 quoted-string escaping.
func escapeQuotedString(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

// WriteMethodNotAllowed answers 405 and lists the accepted methods in Allow.
func WriteMethodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
}

func WriteInternalServerError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, "internal_server_error", message)
}

func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "bad_request", message)
}

func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, "not_found", message)
}

func WriteServiceUnavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusServiceUnavailable, "service_unavailable", message)
}

// WriteTooManyRequests tells the client to back off for retryAfter seconds.
func WriteTooManyRequests(w http.ResponseWriter, message string, retryAfter int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	WriteError(w, http.StatusTooManyRequests, "too_many_requests", message)
}
