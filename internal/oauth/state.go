package oauth

import (
	"context"
	"fmt"

	"github.com/dgellow/yt-mcp-gateway/internal/log"
	"github.com/dgellow/yt-mcp-gateway/internal/telemetry"
)

// FlowState is a stage of the authorization state machine.
type FlowState int

const (
	Idle FlowState = iota
	AwaitingUpstreamRedirect
	AwaitingUpstreamCallback
	ExchangingCode
	Issuing
	Complete
	Failed
)

var flowStateNames = map[FlowState]string{
	Idle:                     "idle",
	AwaitingUpstreamRedirect: "awaiting_upstream_redirect",
	AwaitingUpstreamCallback: "awaiting_upstream_callback",
	ExchangingCode:           "exchanging_code",
	Issuing:                  "issuing",
	Complete:                 "complete",
	Failed:                   "failed",
}

func (s FlowState) String() string {
	if name, ok := flowStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("FlowState(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s FlowState) Terminal() bool {
	return s == Complete || s == Failed
}

// successor is the only forward transition out of each non-terminal state.
// Failed is reachable from any of them.
var successor = map[FlowState]FlowState{
	Idle:                     AwaitingUpstreamRedirect,
	AwaitingUpstreamRedirect: AwaitingUpstreamCallback,
	AwaitingUpstreamCallback: ExchangingCode,
	ExchangingCode:           Issuing,
	Issuing:                  Complete,
}

// Flow tracks one run of the state machine. A run spans two HTTP requests
// (authorize and callback); the callback resumes it from the continuation.
type Flow struct {
	ID       string
	ClientID string

	state   FlowState
	metrics *telemetry.Metrics
}

func newFlow(id string, at FlowState, metrics *telemetry.Metrics) *Flow {
	return &Flow{ID: id, state: at, metrics: metrics}
}

func (f *Flow) State() FlowState {
	return f.state
}

func (f *Flow) advance(ctx context.Context, to FlowState) error {
	from := f.state
	if from.Terminal() {
		return fmt.Errorf("flow %s is already %s", f.ID, from)
	}
	if to != Failed && successor[from] != to {
		return fmt.Errorf("illegal flow transition %s -> %s", from, to)
	}

	f.state = to
	f.metrics.FlowTransition(ctx, from.String(), to.String())
	log.LogTraceWithFields("flow", "Transition", map[string]any{
		"flow":   f.ID,
		"client": f.ClientID,
		"from":   from.String(),
		"to":     to.String(),
	})

	if to == Complete {
		f.metrics.FlowOutcome(ctx, "complete")
	}
	return nil
}

// fail moves the flow to Failed and builds the error describing why.
func (f *Flow) fail(ctx context.Context, code ErrorCode, description string, cause error) *FlowError {
	at := f.state
	if !at.Terminal() {
		_ = f.advance(ctx, Failed)
		f.metrics.FlowOutcome(ctx, string(code))
	}

	fields := map[string]any{
		"flow":   f.ID,
		"client": f.ClientID,
		"state":  at.String(),
		"code":   string(code),
	}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	log.LogWarnWithFields("flow", description, fields)

	return &FlowError{
		Code:        code,
		Description: description,
		State:       at,
		Cause:       cause,
	}
}
