package server

import (
	"errors"
	"net/http"
	"time"

	jsonwriter "github.com/dgellow/yt-mcp-gateway/internal/json"
	"github.com/dgellow/yt-mcp-gateway/internal/log"
	"github.com/dgellow/yt-mcp-gateway/internal/oauth"
	"github.com/dgellow/yt-mcp-gateway/internal/props"
	"github.com/dgellow/yt-mcp-gateway/internal/session"
	"github.com/dgellow/yt-mcp-gateway/internal/storage"
	"github.com/dgellow/yt-mcp-gateway/internal/urlutil"
	"github.com/ory/fosite"
)

// MiddlewareFunc is a function that wraps an http.Handler
type MiddlewareFunc func(http.Handler) http.Handler

// ChainMiddleware chains multiple middleware functions
func ChainMiddleware(h http.Handler, middlewares ...MiddlewareFunc) http.Handler {
	for _, mw := range middlewares {
		h = mw(h)
	}
	return h
}

// NewCORSMiddleware adds CORS headers to responses
func NewCORSMiddleware(allowedOrigins []string) MiddlewareFunc {
	allowedMap := make(map[string]bool)
	for _, origin := range allowedOrigins {
		allowedMap[origin] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" && allowedMap[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			} else if len(allowedOrigins) == 0 {
				// No allowed origins configured: development mode
				w.Header().Set("Access-Control-Allow-Origin", "*")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Cache-Control, mcp-protocol-version, Mcp-Session-Id")
			w.Header().Set("Access-Control-Expose-Headers", "Mcp-Session-Id, WWW-Authenticate")
			w.Header().Set("Access-Control-Max-Age", "3600")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// responseWriterDelegator wraps http.ResponseWriter to capture status and bytes written
// while properly delegating all optional interfaces through Unwrap
type responseWriterDelegator struct {
	http.ResponseWriter
	status      int
	written     int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriterDelegator {
	return &responseWriterDelegator{
		ResponseWriter: w,
		status:         http.StatusOK,
	}
}

func (r *responseWriterDelegator) Status() int {
	return r.status
}

func (r *responseWriterDelegator) BytesWritten() int {
	return r.written
}

func (r *responseWriterDelegator) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.status = code
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseWriterDelegator) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.written += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *responseWriterDelegator) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Flush implements http.Flusher; the SSE transport needs it.
func (r *responseWriterDelegator) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

var _ http.ResponseWriter = (*responseWriterDelegator)(nil)
var _ http.Flusher = (*responseWriterDelegator)(nil)

// NewLoggerMiddleware logs one line per request. The query string is left
// out: it carries authorization codes and state on the OAuth endpoints.
func NewLoggerMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrapResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			log.LogInfoWithFields(prefix, "request", map[string]any{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapped.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
				"bytes":       wrapped.BytesWritten(),
				"remote_addr": r.RemoteAddr,
			})
		})
	}
}

// NewRecoverMiddleware recovers from panics
func NewRecoverMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					log.LogErrorWithFields(prefix, "Recovered from panic", map[string]any{
						"path":  r.URL.Path,
						"panic": err,
					})
					jsonwriter.WriteInternalServerError(w, "Internal Server Error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// NewAuthMiddleware authenticates the tool transports. The bearer token is
// introspected, its grant loaded from the credential store and the grant's
// agent resolved, all before the request reaches the MCP server. Any failure
// is a 401 carrying the protected resource metadata location (RFC 9728).
func NewAuthMiddleware(provider fosite.OAuth2Provider, grants storage.GrantStore, agents *session.Registry, baseURL string) MiddlewareFunc {
	metadataURI := urlutil.MustJoinPath(baseURL, ".well-known", "oauth-protected-resource")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			token, ok := oauth.BearerToken(r.Header.Get("Authorization"))
			if !ok {
				log.LogTraceWithFields("auth", "Missing bearer token", map[string]any{
					"path": r.URL.Path,
				})
				jsonwriter.WriteUnauthorizedRFC9728(w, "Missing or invalid Authorization header", metadataURI)
				return
			}

			sess, ar, err := oauth.IntrospectAccessToken(ctx, provider, token)
			if err != nil {
				log.LogDebugWithFields("auth", "Token rejected", map[string]any{
					"path":  r.URL.Path,
					"error": err.Error(),
				})
				jsonwriter.WriteUnauthorizedRFC9728(w, "Invalid or expired token", metadataURI)
				return
			}

			if err := oauth.ValidateAudience(ar.GetGrantedAudience(), baseURL); err != nil {
				log.LogWarnWithFields("auth", "Token audience mismatch", map[string]any{
					"user":  sess.Email,
					"error": err.Error(),
				})
				jsonwriter.WriteUnauthorizedRFC9728(w, "Token is not valid for this resource", metadataURI)
				return
			}

			grant, err := grants.GetGrant(ctx, sess.GrantID)
			if err != nil {
				if errors.Is(err, storage.ErrGrantNotFound) {
					log.LogDebugWithFields("auth", "Grant expired or revoked", map[string]any{
						"grant": sess.GrantID,
						"user":  sess.Email,
					})
					jsonwriter.WriteUnauthorizedRFC9728(w, "Authorization expired or revoked", metadataURI)
					return
				}
				log.LogErrorWithFields("auth", "Failed to load grant", map[string]any{
					"grant": sess.GrantID,
					"error": err.Error(),
				})
				jsonwriter.WriteServiceUnavailable(w, "Credential store unavailable")
				return
			}
			if grant.ClientID != ar.GetClient().GetID() {
				log.LogWarnWithFields("auth", "Grant presented by another client", map[string]any{
					"grant":  grant.ID,
					"client": ar.GetClient().GetID(),
				})
				jsonwriter.WriteUnauthorizedRFC9728(w, "Invalid or expired token", metadataURI)
				return
			}

			agent, err := agents.Resolve(ctx, grant.ID, grant.Props)
			if err != nil {
				log.LogWarnWithFields("auth", "Grant has no usable credentials", map[string]any{
					"grant": grant.ID,
					"error": err.Error(),
				})
				jsonwriter.WriteUnauthorizedRFC9728(w, "Authorization expired or revoked", metadataURI)
				return
			}

			ctx = session.WithAgent(ctx, agent)
			ctx = props.WithContext(ctx, agent.Props)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
