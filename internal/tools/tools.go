// Package tools is the catalogue of YouTube tools offered to MCP clients.
// Every tool reads upstream credentials only from the Props it is bound to.
package tools

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/dgellow/yt-mcp-gateway/internal/config"
	"github.com/dgellow/yt-mcp-gateway/internal/log"
	"github.com/dgellow/yt-mcp-gateway/internal/props"
	"github.com/dgellow/yt-mcp-gateway/internal/telemetry"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"google.golang.org/api/option"
)

// Tool is one invocable capability. Execute never returns a Go error:
// failures are reported in the result so a broken tool cannot end the
// session or disturb sibling calls.
type Tool interface {
	Name() string
	Definition() mcp.Tool
	Execute(ctx context.Context, args Args, p props.Props) *mcp.CallToolResult
}

// Registry enumerates the tool variants and binds them to Props.
type Registry struct {
	variants []Tool
	allowed  func(string) bool
	metrics  *telemetry.Metrics

	clientOptions []option.ClientOption
	baseClient    *http.Client
	now           func() time.Time
}

type Option func(*Registry)

// WithToolFilter restricts the tools offered to clients.
func WithToolFilter(filter *config.ToolFilterConfig) Option {
	return func(r *Registry) {
		r.allowed = toolFilterFunc(filter)
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithClientOptions is passed to every Google API client, after the
// credentials. Tests use it to point the clients at a fake endpoint.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(r *Registry) {
		r.clientOptions = append(r.clientOptions, opts...)
	}
}

// WithBaseHTTPClient sets the client the per-call credentials are layered on.
func WithBaseHTTPClient(c *http.Client) Option {
	return func(r *Registry) {
		r.baseClient = c
	}
}

// WithClock replaces time.Now for date ranges.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry builds the registry with every tool variant.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		allowed: func(string) bool { return true },
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	clients := r.newClients
	r.variants = []Tool{
		greet{},
		searchVideos{clients: clients},
		videoDetails{clients: clients},
		channelInfo{clients: clients},
		channelVideos{clients: clients},
		contentIdeas{clients: clients, now: r.now},
		competitors{clients: clients},
		basicChannelStats{clients: clients},
		demographics{clients: clients, now: r.now},
		analytics{clients: clients, now: r.now},
		recentVideos{clients: clients},
	}
	return r
}

// Variants returns the enabled tools in catalogue order.
func (r *Registry) Variants() []Tool {
	var enabled []Tool
	for _, t := range r.variants {
		if r.allowed(t.Name()) {
			enabled = append(enabled, t)
		}
	}
	return enabled
}

// Bind returns server tools whose handlers all run with p. It is called once
// per agent.
func (r *Registry) Bind(p props.Props) map[string]mcpserver.ServerTool {
	bound := make(map[string]mcpserver.ServerTool)
	for _, t := range r.Variants() {
		bound[t.Name()] = mcpserver.ServerTool{
			Tool:    t.Definition(),
			Handler: r.handler(t, p),
		}
	}

	log.LogDebugWithFields("tools", "Bound tools", map[string]any{
		"user":      p.Email,
		"toolCount": len(bound),
	})
	return bound
}

func (r *Registry) handler(t Tool, p props.Props) mcpserver.ToolHandlerFunc {
	def := t.Definition()
	return func(ctx context.Context, req mcp.CallToolRequest) (result *mcp.CallToolResult, err error) {
		start := time.Now()
		defer func() {
			if rec := recover(); rec != nil {
				log.LogErrorWithFields("tools", "Tool panicked", map[string]any{
					"tool":  t.Name(),
					"panic": fmt.Sprint(rec),
				})
				result = mcp.NewToolResultError(fmt.Sprintf("Error running %s: internal error", t.Name()))
				err = nil
			}
			outcome := "ok"
			if result != nil && result.IsError {
				outcome = "error"
			}
			r.metrics.ToolCall(ctx, t.Name(), outcome, time.Since(start))
		}()

		args, verr := validateArgs(def.InputSchema, req.GetArguments())
		if verr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid arguments for %s: %v", t.Name(), verr)), nil
		}

		log.LogTraceWithFields("tools", "Calling tool", map[string]any{
			"tool": t.Name(),
			"user": p.Email,
		})
		return t.Execute(ctx, args, p), nil
	}
}

// toolFilterFunc builds a filter predicate from the tool filter config.
func toolFilterFunc(filter *config.ToolFilterConfig) func(string) bool {
	if filter == nil || len(filter.List) == 0 {
		return func(string) bool { return true }
	}

	set := make(map[string]struct{}, len(filter.List))
	for _, name := range filter.List {
		set[name] = struct{}{}
	}

	switch config.ToolFilterMode(strings.ToLower(string(filter.Mode))) {
	case config.ToolFilterModeAllow:
		return func(name string) bool {
			_, ok := set[name]
			return ok
		}
	case config.ToolFilterModeBlock:
		return func(name string) bool {
			_, ok := set[name]
			return !ok
		}
	default:
		return func(string) bool { return true }
	}
}

// Args are validated tool arguments with schema defaults applied.
type Args map[string]any

func (a Args) String(key string) string {
	s, _ := a[key].(string)
	return s
}

// Int returns a numeric argument. Validation has already rejected
// fractional values.
func (a Args) Int(key string) int {
	f, _ := toFloat(a[key])
	return int(f)
}

func (a Args) Strings(key string) []string {
	raw, _ := a[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// validateArgs checks raw against the tool's input schema: required
// properties, types, enums, string length, numeric range and array bounds.
// Every numeric argument the tools take is a count, so fractions are
// rejected.
func validateArgs(schema mcp.ToolInputSchema, raw map[string]any) (Args, error) {
	args := make(Args, len(schema.Properties))

	for _, name := range schema.Required {
		if v, ok := raw[name]; !ok || v == nil {
			return nil, fmt.Errorf("missing required argument %q", name)
		}
	}

	for name, p := range schema.Properties {
		prop, _ := p.(map[string]any)
		v, ok := raw[name]
		if !ok || v == nil {
			if def, ok := prop["default"]; ok {
				args[name] = def
			}
			continue
		}
		if err := checkProperty(name, prop, v); err != nil {
			return nil, err
		}
		args[name] = v
	}
	return args, nil
}

func checkProperty(name string, prop map[string]any, v any) error {
	switch prop["type"] {
	case "string":
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("argument %q must be a string", name)
		}
		if min, ok := toFloat(prop["minLength"]); ok && float64(len(s)) < min {
			return fmt.Errorf("argument %q must not be empty", name)
		}
		if enum := enumValues(prop["enum"]); len(enum) > 0 && !slices.Contains(enum, s) {
			return fmt.Errorf("argument %q must be one of %s", name, strings.Join(enum, ", "))
		}
	case "number":
		f, ok := toFloat(v)
		if !ok {
			return fmt.Errorf("argument %q must be a number", name)
		}
		if f != math.Trunc(f) {
			return fmt.Errorf("argument %q must be an integer", name)
		}
		if min, ok := toFloat(prop["minimum"]); ok && f < min {
			return fmt.Errorf("argument %q must be at least %v", name, min)
		}
		if max, ok := toFloat(prop["maximum"]); ok && f > max {
			return fmt.Errorf("argument %q must be at most %v", name, max)
		}
	case "array":
		items, ok := v.([]any)
		if !ok {
			return fmt.Errorf("argument %q must be an array", name)
		}
		if min, ok := toFloat(prop["minItems"]); ok && float64(len(items)) < min {
			return fmt.Errorf("argument %q needs at least %v items", name, min)
		}
		if max, ok := toFloat(prop["maxItems"]); ok && float64(len(items)) > max {
			return fmt.Errorf("argument %q takes at most %v items", name, max)
		}
		for _, item := range items {
			if s, ok := item.(string); !ok || s == "" {
				return fmt.Errorf("argument %q must contain non-empty strings", name)
			}
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func enumValues(v any) []string {
	switch e := v.(type) {
	case []string:
		return e
	case []any:
		out := make([]string, 0, len(e))
		for _, item := range e {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
