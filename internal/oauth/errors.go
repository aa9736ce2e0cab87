package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/dgellow/yt-mcp-gateway/internal/log"
	"github.com/ory/fosite"
)

type ErrorCode string

const (
	CodeInvalidRequest         ErrorCode = "invalid_request"
	CodeInvalidClient          ErrorCode = "invalid_client"
	CodeInvalidRedirect        ErrorCode = "invalid_redirect_uri"
	CodeInvalidTarget          ErrorCode = "invalid_target"
	CodeStateMismatch          ErrorCode = "state_mismatch"
	CodeAlreadyUsed            ErrorCode = "code_already_used"
	CodeFlowExpired            ErrorCode = "flow_expired"
	CodeUpstreamExchangeFailed ErrorCode = "upstream_exchange_failed"
	CodeAccessDenied           ErrorCode = "access_denied"
	CodeServerError            ErrorCode = "server_error"
)

// Sentinels for errors.Is. Only the Code is compared.
var (
	ErrInvalidClient          = &FlowError{Code: CodeInvalidClient}
	ErrInvalidRedirect        = &FlowError{Code: CodeInvalidRedirect}
	ErrStateMismatch          = &FlowError{Code: CodeStateMismatch}
	ErrCodeAlreadyUsed        = &FlowError{Code: CodeAlreadyUsed}
	ErrFlowExpired            = &FlowError{Code: CodeFlowExpired}
	ErrUpstreamExchangeFailed = &FlowError{Code: CodeUpstreamExchangeFailed}
	ErrAccessDenied           = &FlowError{Code: CodeAccessDenied}
)

// FlowError terminates an authorization flow. The downstream client has to
// start over at /authorize; nothing is retried by the gateway.
type FlowError struct {
	Code        ErrorCode `json:"error"`
	Description string    `json:"error_description,omitempty"`

	// State is where the flow was when it failed.
	State FlowState `json:"-"`
	Cause error     `json:"-"`

	// RedirectURI and ClientState are set once the client's redirect_uri has
	// been verified, so the error can be returned to the client instead of
	// being rendered by the gateway (RFC 6749 section 4.1.2.1).
	RedirectURI string `json:"-"`
	ClientState string `json:"-"`
}

func (e *FlowError) Error() string {
	msg := string(e.Code)
	if e.Description != "" {
		msg = fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

func (e *FlowError) Is(target error) bool {
	t, ok := target.(*FlowError)
	return ok && t.Code == e.Code
}

// HTTPStatus is the status used when the error is rendered by the gateway.
func (e *FlowError) HTTPStatus() int {
	switch e.Code {
	case CodeAccessDenied:
		return http.StatusForbidden
	case CodeUpstreamExchangeFailed:
		return http.StatusBadGateway
	case CodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// fromFosite converts an error from fosite's request validation.
func fromFosite(err error) *FlowError {
	rfcErr := fosite.ErrorToRFC6749Error(err)
	desc := rfcErr.DescriptionField
	if rfcErr.HintField != "" {
		desc = desc + " " + rfcErr.HintField
	}
	return &FlowError{
		Code:        ErrorCode(rfcErr.ErrorField),
		Description: desc,
		Cause:       err,
	}
}

// WriteFlowError renders err for the user agent. Errors that carry a
// verified redirect are sent back to the client; everything else is a JSON
// error body.
func WriteFlowError(w http.ResponseWriter, r *http.Request, err error) {
	var flowErr *FlowError
	if !errors.As(err, &flowErr) {
		flowErr = &FlowError{Code: CodeServerError, Description: "internal error", Cause: err}
	}

	if flowErr.RedirectURI != "" {
		WriteAuthorizeError(w, r, flowErr.RedirectURI, flowErr.ClientState, flowErr)
		return
	}
	WriteTokenError(w, flowErr.HTTPStatus(), flowErr)
}

func WriteAuthorizeError(w http.ResponseWriter, r *http.Request, redirectURI string, state string, flowErr *FlowError) {
	u, err := url.Parse(redirectURI)
	if redirectURI == "" || err != nil {
		WriteTokenError(w, http.StatusBadRequest, flowErr)
		return
	}

	q := u.Query()
	q.Set("error", string(flowErr.Code))
	if flowErr.Description != "" {
		q.Set("error_description", flowErr.Description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()

	http.Redirect(w, r, u.String(), http.StatusFound)
}

func WriteTokenError(w http.ResponseWriter, status int, flowErr *FlowError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(flowErr); err != nil {
		log.LogError("Failed to encode OAuth error response: %v", err)
	}
}
