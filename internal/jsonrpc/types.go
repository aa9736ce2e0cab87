package jsonrpc

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dgellow/yt-mcp-gateway/internal/log"
)

const Version = "2.0"

// Error is a JSON-RPC 2.0 error object
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Response is a JSON-RPC 2.0 response. Only errors are written by the
// gateway itself; results come from the MCP server.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// WriteError writes a JSON-RPC error response with a status derived from
// the code.
func WriteError(w http.ResponseWriter, id any, code int, message string) {
	WriteErrorWithStatus(w, id, code, message, statusForCode(code))
}

// WriteErrorWithStatus writes a JSON-RPC error response with an explicit
// HTTP status, e.g. 404 for an unknown MCP session.
func WriteErrorWithStatus(w http.ResponseWriter, id any, code int, message string, status int) {
	resp := Response{
		JSONRPC: Version,
		ID:      id,
		Error:   NewError(code, message),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.LogError("Failed to encode JSON-RPC error: %v", err)
	}
}
