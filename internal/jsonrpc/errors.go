package jsonrpc

import "net/http"

// JSON-RPC 2.0 error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WriteSessionNotFound answers a request naming an MCP session that is
// unknown or owned by another grant. Clients re-initialize on 404.
func WriteSessionNotFound(w http.ResponseWriter) {
	WriteErrorWithStatus(w, nil, InvalidParams, "session not found", http.StatusNotFound)
}

func statusForCode(code int) int {
	switch code {
	case InternalError:
		return http.StatusInternalServerError
	case MethodNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}
