package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	jsonwriter "github.com/dgellow/yt-mcp-gateway/internal/json"
	"github.com/dgellow/yt-mcp-gateway/internal/jsonrpc"
	"github.com/dgellow/yt-mcp-gateway/internal/log"
	"github.com/dgellow/yt-mcp-gateway/internal/session"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

const (
	ssePath          = "/sse"
	sseMessagePath   = "/sse/message"
	streamablePath   = "/mcp"
	sessionIDHeader  = "Mcp-Session-Id"
	sseKeepAlive     = 30 * time.Second
	sessionIDParam   = "sessionId"
	userLimitMessage = "Too many open sessions for this user"
)

type transportKey struct{}

func withTransport(ctx context.Context, t session.Transport) context.Context {
	return context.WithValue(ctx, transportKey{}, t)
}

func transportFromContext(ctx context.Context) session.Transport {
	if t, ok := ctx.Value(transportKey{}).(session.Transport); ok {
		return t
	}
	return session.TransportStreamable
}

// MCPHandler serves both MCP transports from one MCP server. Requests arrive
// authenticated: the auth middleware has already put the caller's agent in
// the context. Every protocol session is attached to that agent and gets the
// agent's tools; a session id presented under another grant is unknown.
type MCPHandler struct {
	agents     *session.Registry
	mcpServer  *mcpserver.MCPServer
	sse        *mcpserver.SSEServer
	streamable *mcpserver.StreamableHTTPServer
}

// NewMCPHandler creates the MCP server and its SSE and streamable HTTP
// transports. baseURL is where clients reach the gateway; the SSE endpoint
// event points them at baseURL/sse/message.
func NewMCPHandler(info mcp.Implementation, baseURL string, agents *session.Registry) *MCPHandler {
	h := &MCPHandler{agents: agents}

	hooks := &mcpserver.Hooks{}
	hooks.AddOnRegisterSession(h.onRegisterSession)
	hooks.AddOnUnregisterSession(h.onUnregisterSession)

	h.mcpServer = mcpserver.NewMCPServer(info.Name, info.Version,
		mcpserver.WithHooks(hooks),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	)

	h.sse = mcpserver.NewSSEServer(h.mcpServer,
		mcpserver.WithBaseURL(baseURL),
		mcpserver.WithSSEEndpoint(ssePath),
		mcpserver.WithMessageEndpoint(sseMessagePath),
		mcpserver.WithKeepAliveInterval(sseKeepAlive),
	)

	h.streamable = mcpserver.NewStreamableHTTPServer(h.mcpServer,
		mcpserver.WithEndpointPath(streamablePath),
		mcpserver.WithHTTPContextFunc(h.streamableContext),
	)

	return h
}

func (h *MCPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agent, ok := session.AgentFromContext(r.Context())
	if !ok {
		// The auth middleware guarantees an agent; reaching here is a wiring bug
		log.LogError("MCP request without an agent in context: %s", r.URL.Path)
		jsonwriter.WriteInternalServerError(w, "Internal server error")
		return
	}

	switch r.URL.Path {
	case ssePath:
		h.handleSSE(w, r, agent)
	case sseMessagePath:
		h.handleSSEMessage(w, r, agent)
	case streamablePath:
		h.handleStreamable(w, r, agent)
	default:
		jsonwriter.WriteNotFound(w, "Not found")
	}
}

func (h *MCPHandler) handleSSE(w http.ResponseWriter, r *http.Request, agent *session.Agent) {
	if r.Method != http.MethodGet {
		jsonwriter.WriteMethodNotAllowed(w, http.MethodGet)
		return
	}
	if err := h.agents.CheckUserLimit(agent.Props.Email); err != nil {
		jsonwriter.WriteTooManyRequests(w, userLimitMessage, 60)
		return
	}

	log.LogInfoWithFields("mcp", "Opening SSE stream", map[string]any{
		"user":       agent.Props.Email,
		"grant":      agent.GrantID,
		"remoteAddr": r.RemoteAddr,
		"userAgent":  r.UserAgent(),
	})
	ctx := withTransport(r.Context(), session.TransportSSE)
	h.sse.ServeHTTP(w, r.WithContext(ctx))
}

func (h *MCPHandler) handleSSEMessage(w http.ResponseWriter, r *http.Request, agent *session.Agent) {
	if r.Method != http.MethodPost {
		jsonwriter.WriteMethodNotAllowed(w, http.MethodPost)
		return
	}

	sessionID := r.URL.Query().Get(sessionIDParam)
	if sessionID == "" {
		jsonrpc.WriteError(w, nil, jsonrpc.InvalidParams, "missing sessionId")
		return
	}
	if err := h.agents.Authorize(sessionID, agent.GrantID); err != nil {
		jsonrpc.WriteSessionNotFound(w)
		return
	}

	log.LogTraceWithFields("mcp", "Forwarding SSE message", map[string]any{
		"sessionID":     sessionID,
		"user":          agent.Props.Email,
		"contentLength": r.ContentLength,
	})
	ctx := withTransport(r.Context(), session.TransportSSE)
	h.sse.ServeHTTP(w, r.WithContext(ctx))
}

func (h *MCPHandler) handleStreamable(w http.ResponseWriter, r *http.Request, agent *session.Agent) {
	sessionID := r.Header.Get(sessionIDHeader)

	switch r.Method {
	case http.MethodPost, http.MethodGet, http.MethodDelete:
	default:
		jsonwriter.WriteMethodNotAllowed(w, http.MethodPost, http.MethodGet, http.MethodDelete)
		return
	}

	if sessionID == "" {
		if r.Method != http.MethodPost {
			jsonrpc.WriteError(w, nil, jsonrpc.InvalidRequest, "missing Mcp-Session-Id header")
			return
		}
		if err := h.agents.CheckUserLimit(agent.Props.Email); err != nil {
			jsonwriter.WriteTooManyRequests(w, userLimitMessage, 60)
			return
		}
	} else if err := h.agents.Authorize(sessionID, agent.GrantID); err != nil {
		jsonrpc.WriteSessionNotFound(w)
		return
	}

	log.LogTraceWithFields("mcp", "Handling streamable request", map[string]any{
		"method":    r.Method,
		"sessionID": sessionID,
		"user":      agent.Props.Email,
	})

	ctx := withTransport(r.Context(), session.TransportStreamable)
	h.streamable.ServeHTTP(w, r.WithContext(ctx))

	if r.Method == http.MethodDelete {
		h.agents.Release(ctx, sessionID)
	}
}

// streamableContext runs for every streamable request once the transport has
// resolved the protocol session. A request without a session id header is an
// initialization: the new session is attached to the caller's agent here.
func (h *MCPHandler) streamableContext(ctx context.Context, r *http.Request) context.Context {
	if r.Header.Get(sessionIDHeader) != "" {
		return ctx
	}
	clientSession := mcpserver.ClientSessionFromContext(ctx)
	if clientSession == nil || clientSession.SessionID() == "" {
		return ctx
	}
	h.attach(ctx, clientSession)
	return ctx
}

func (h *MCPHandler) onRegisterSession(ctx context.Context, clientSession mcpserver.ClientSession) {
	h.attach(ctx, clientSession)
}

func (h *MCPHandler) onUnregisterSession(ctx context.Context, clientSession mcpserver.ClientSession) {
	h.agents.Release(ctx, clientSession.SessionID())
}

// attach binds clientSession to the agent in ctx and installs its tools.
func (h *MCPHandler) attach(ctx context.Context, clientSession mcpserver.ClientSession) {
	agent, ok := session.AgentFromContext(ctx)
	if !ok {
		log.LogWarnWithFields("mcp", "No agent in session context", map[string]any{
			"sessionID": clientSession.SessionID(),
		})
		return
	}

	sessionWithTools, ok := clientSession.(mcpserver.SessionWithTools)
	if !ok {
		log.LogErrorWithFields("mcp", "Session does not support per-session tools", map[string]any{
			"sessionID": clientSession.SessionID(),
		})
		return
	}
	sessionWithTools.SetSessionTools(agent.Tools())

	h.agents.Attach(ctx, clientSession.SessionID(), agent, transportFromContext(ctx))
}

// Shutdown closes every open stream.
func (h *MCPHandler) Shutdown(ctx context.Context) error {
	return errors.Join(
		h.sse.Shutdown(ctx),
		h.streamable.Shutdown(ctx),
	)
}
