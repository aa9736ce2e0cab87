// Package session keeps one explicit agent record per downstream grant and
// tracks which protocol sessions belong to which agent.
package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgellow/yt-mcp-gateway/internal/log"
	"github.com/dgellow/yt-mcp-gateway/internal/props"
	"github.com/dgellow/yt-mcp-gateway/internal/telemetry"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultSessionTimeout is how long idle agents and unary sessions remain active
	DefaultSessionTimeout = 30 * time.Minute

	// DefaultCleanupInterval is how often to check for expired sessions
	DefaultCleanupInterval = 1 * time.Minute

	// DefaultMaxSessionsPerUser limits concurrent protocol sessions per user
	DefaultMaxSessionsPerUser = 10
)

var (
	// ErrSessionNotFound is returned when a protocol session is unknown or
	// belongs to another grant. Both cases look the same to the caller.
	ErrSessionNotFound = errors.New("session not found")

	// ErrUserLimitExceeded is returned when user has too many sessions
	ErrUserLimitExceeded = errors.New("user session limit exceeded")

	// ErrInvalidProps is returned when a grant resolves to Props that cannot
	// authenticate upstream calls.
	ErrInvalidProps = errors.New("grant carries no upstream credentials")
)

// BindFunc builds the tool set of an agent. It is called exactly once per
// agent, after its Props are fully resolved.
type BindFunc func(p props.Props) map[string]mcpserver.ServerTool

// Transport is how a protocol session is connected.
type Transport string

const (
	TransportSSE        Transport = "sse"
	TransportStreamable Transport = "streamable"
)

// Agent is the execution context of one downstream grant. Every protocol
// session opened with the grant shares it, whichever transport it uses.
type Agent struct {
	GrantID string
	Props   props.Props

	tools        map[string]mcpserver.ServerTool
	created      time.Time
	lastAccessed atomic.Pointer[time.Time]
}

// Tools returns the agent's bound tools. The map is a copy; the handlers are
// shared.
func (a *Agent) Tools() map[string]mcpserver.ServerTool {
	return maps.Clone(a.tools)
}

func (a *Agent) touch(now time.Time) {
	a.lastAccessed.Store(&now)
}

type protocolSession struct {
	grantID      string
	email        string
	transport    Transport
	created      time.Time
	lastAccessed atomic.Pointer[time.Time]
}

// Registry owns agents keyed by grant and the protocol sessions attached to
// them.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]*Agent
	sessions map[string]*protocolSession
	group    singleflight.Group // one agent construction per grant

	bind            BindFunc
	timeout         time.Duration
	maxPerUser      int
	cleanupInterval time.Duration
	metrics         *telemetry.Metrics
	now             func() time.Time

	stopCleanup chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// Option configures the registry
type Option func(*Registry)

// WithTimeout sets the idle timeout
func WithTimeout(timeout time.Duration) Option {
	return func(r *Registry) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithMaxPerUser sets the maximum sessions per user. 0 means unlimited.
func WithMaxPerUser(max int) Option {
	return func(r *Registry) {
		r.maxPerUser = max
	}
}

// WithCleanupInterval sets how often to run cleanup
func WithCleanupInterval(interval time.Duration) Option {
	return func(r *Registry) {
		if interval > 0 {
			r.cleanupInterval = interval
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithClock replaces time.Now (for testing)
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates a registry and starts its cleanup routine.
func NewRegistry(bind BindFunc, opts ...Option) *Registry {
	r := &Registry{
		agents:          make(map[string]*Agent),
		sessions:        make(map[string]*protocolSession),
		bind:            bind,
		timeout:         DefaultSessionTimeout,
		maxPerUser:      DefaultMaxSessionsPerUser,
		cleanupInterval: DefaultCleanupInterval,
		now:             time.Now,
		stopCleanup:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.wg.Add(1)
	go r.startCleanupRoutine()

	return r
}

// Resolve returns the agent for grantID, constructing it from p on first use.
// Concurrent calls for the same grant share one construction, so tools are
// bound once per agent.
func (r *Registry) Resolve(ctx context.Context, grantID string, p props.Props) (*Agent, error) {
	if !p.Valid() {
		return nil, ErrInvalidProps
	}

	v, err, _ := r.group.Do(grantID, func() (any, error) {
		r.mu.RLock()
		agent, ok := r.agents[grantID]
		r.mu.RUnlock()

		if ok {
			agent.touch(r.now())
			log.LogTraceWithFields("session_registry", "Reusing agent", map[string]any{
				"grant": grantID,
				"user":  p.Email,
			})
			return agent, nil
		}

		return r.createAgent(grantID, p), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Agent), nil
}

func (r *Registry) createAgent(grantID string, p props.Props) *Agent {
	now := r.now()
	agent := &Agent{
		GrantID: grantID,
		Props:   p,
		tools:   r.bind(p),
		created: now,
	}
	agent.touch(now)

	r.mu.Lock()
	r.agents[grantID] = agent
	total := len(r.agents)
	r.mu.Unlock()

	log.LogInfoWithFields("session_registry", "Created agent", map[string]any{
		"grant":     grantID,
		"user":      p.Email,
		"toolCount": len(agent.tools),
	})
	log.LogTraceWithFields("session_registry", "Agent created with details", map[string]any{
		"grant":       grantID,
		"timeout":     r.timeout.String(),
		"maxPerUser":  r.maxPerUser,
		"totalAgents": total,
	})
	return agent
}

// Agent returns the live agent for grantID.
func (r *Registry) Agent(grantID string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[grantID]
	return agent, ok
}

// CheckUserLimit reports whether email may open another protocol session.
func (r *Registry) CheckUserLimit(email string) error {
	if email == "" || r.maxPerUser == 0 {
		return nil
	}

	count := r.UserSessionCount(email)
	if count >= r.maxPerUser {
		log.LogWarnWithFields("session_registry", "User session limit exceeded", map[string]any{
			"user":  email,
			"count": count,
			"limit": r.maxPerUser,
		})
		return fmt.Errorf("%w: user %s has %d sessions (limit: %d)",
			ErrUserLimitExceeded, email, count, r.maxPerUser)
	}
	return nil
}

// UserSessionCount counts protocol sessions for a specific user
func (r *Registry) UserSessionCount(email string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, s := range r.sessions {
		if s.email == email {
			count++
		}
	}
	return count
}

// Attach records that protocol session sessionID belongs to agent.
func (r *Registry) Attach(ctx context.Context, sessionID string, agent *Agent, transport Transport) {
	now := r.now()
	s := &protocolSession{
		grantID:   agent.GrantID,
		email:     agent.Props.Email,
		transport: transport,
		created:   now,
	}
	s.lastAccessed.Store(&now)

	r.mu.Lock()
	_, existed := r.sessions[sessionID]
	r.sessions[sessionID] = s
	r.mu.Unlock()

	agent.touch(now)
	if !existed {
		r.metrics.SessionOpened(ctx)
	}

	log.LogInfoWithFields("session_registry", "Attached session", map[string]any{
		"sessionID": sessionID,
		"grant":     agent.GrantID,
		"user":      agent.Props.Email,
		"transport": string(transport),
	})
}

// Authorize checks that sessionID belongs to grantID and marks it used.
func (r *Registry) Authorize(sessionID, grantID string) error {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()

	if !ok {
		return ErrSessionNotFound
	}
	if s.grantID != grantID {
		log.LogWarnWithFields("session_registry", "Session used with a foreign grant", map[string]any{
			"sessionID": sessionID,
			"grant":     grantID,
		})
		return ErrSessionNotFound
	}

	now := r.now()
	s.lastAccessed.Store(&now)
	return nil
}

// Release detaches sessionID. An agent left without sessions is dropped; the
// next request with its grant builds a fresh one.
func (r *Registry) Release(ctx context.Context, sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	dropped := false
	if !r.hasSessionsLocked(s.grantID) {
		delete(r.agents, s.grantID)
		dropped = true
	}
	remaining := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SessionClosed(ctx)

	log.LogInfoWithFields("session_registry", "Released session", map[string]any{
		"sessionID": sessionID,
		"grant":     s.grantID,
		"user":      s.email,
	})
	log.LogTraceWithFields("session_registry", "Session released with details", map[string]any{
		"sessionID":         sessionID,
		"transport":         string(s.transport),
		"duration":          r.now().Sub(s.created).String(),
		"agentDropped":      dropped,
		"remainingSessions": remaining,
	})
}

func (r *Registry) hasSessionsLocked(grantID string) bool {
	for _, s := range r.sessions {
		if s.grantID == grantID {
			return true
		}
	}
	return false
}

// Shutdown stops the cleanup routine and forgets every agent and session.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() {
		close(r.stopCleanup)
	})
	r.wg.Wait()

	r.mu.Lock()
	sessions := len(r.sessions)
	r.agents = make(map[string]*Agent)
	r.sessions = make(map[string]*protocolSession)
	r.mu.Unlock()

	for range sessions {
		r.metrics.SessionClosed(context.Background())
	}
}

// startCleanupRoutine periodically removes timed-out sessions
func (r *Registry) startCleanupRoutine() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.cleanupTimedOut()
		case <-r.stopCleanup:
			return
		}
	}
}

// cleanupTimedOut expires idle unary sessions, then agents that are idle and
// have nothing attached. SSE sessions live until their stream closes.
func (r *Registry) cleanupTimedOut() {
	now := r.now()

	r.mu.RLock()
	timedOut := make([]string, 0)
	for id, s := range r.sessions {
		if s.transport == TransportSSE {
			continue
		}
		if last := s.lastAccessed.Load(); last != nil && now.Sub(*last) > r.timeout {
			timedOut = append(timedOut, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range timedOut {
		log.LogInfoWithFields("session_registry", "Removing timed out session", map[string]any{
			"sessionID": id,
			"timeout":   r.timeout.String(),
		})
		r.Release(context.Background(), id)
	}

	r.mu.Lock()
	idleAgents := 0
	for grantID, agent := range r.agents {
		last := agent.lastAccessed.Load()
		if last == nil || now.Sub(*last) <= r.timeout || r.hasSessionsLocked(grantID) {
			continue
		}
		delete(r.agents, grantID)
		idleAgents++
	}
	total := len(r.agents)
	r.mu.Unlock()

	if len(timedOut) > 0 || idleAgents > 0 {
		log.LogTraceWithFields("session_registry", "Session cleanup cycle", map[string]any{
			"timedOutSessions": len(timedOut),
			"idleAgents":       idleAgents,
			"remainingAgents":  total,
		})
	}
}

type agentContextKey struct{}

// WithAgent returns ctx carrying agent.
func WithAgent(ctx context.Context, agent *Agent) context.Context {
	return context.WithValue(ctx, agentContextKey{}, agent)
}

// AgentFromContext returns the agent stored by WithAgent.
func AgentFromContext(ctx context.Context) (*Agent, bool) {
	agent, ok := ctx.Value(agentContextKey{}).(*Agent)
	return agent, ok && agent != nil
}
