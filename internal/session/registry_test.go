package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgellow/yt-mcp-gateway/internal/props"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// countingBind records how often tools are bound and which token they saw.
type countingBind struct {
	calls  atomic.Int32
	mu     sync.Mutex
	tokens []string
}

func (b *countingBind) bind(p props.Props) map[string]mcpserver.ServerTool {
	b.calls.Add(1)
	b.mu.Lock()
	b.tokens = append(b.tokens, p.AccessToken)
	b.mu.Unlock()

	token := p.AccessToken
	return map[string]mcpserver.ServerTool{
		"whoami": {
			Tool: mcp.NewTool("whoami"),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return mcp.NewToolResultText(token), nil
			},
		},
	}
}

func alice() props.Props {
	return props.Props{AccessToken: "token-alice", Email: "alice@example.com"}
}

func bob() props.Props {
	return props.Props{AccessToken: "token-bob", Email: "bob@example.com"}
}

func TestRegistry_ResolveReusesAgent(t *testing.T) {
	b := &countingBind{}
	r := NewRegistry(b.bind)
	defer r.Shutdown()

	a1, err := r.Resolve(context.Background(), "grant-1", alice())
	require.NoError(t, err)
	a2, err := r.Resolve(context.Background(), "grant-1", alice())
	require.NoError(t, err)

	assert.Same(t, a1, a2)
	assert.Equal(t, int32(1), b.calls.Load())

	got, ok := r.Agent("grant-1")
	assert.True(t, ok)
	assert.Same(t, a1, got)
}

func TestRegistry_ResolveConcurrentBindsOnce(t *testing.T) {
	b := &countingBind{}
	r := NewRegistry(b.bind)
	defer r.Shutdown()

	var wg sync.WaitGroup
	agents := make([]*Agent, 20)
	for i := range agents {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agent, err := r.Resolve(context.Background(), "grant-1", alice())
			assert.NoError(t, err)
			agents[i] = agent
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), b.calls.Load())
	for _, agent := range agents {
		assert.Same(t, agents[0], agent)
	}
}

func TestRegistry_ResolveRejectsEmptyProps(t *testing.T) {
	b := &countingBind{}
	r := NewRegistry(b.bind)
	defer r.Shutdown()

	_, err := r.Resolve(context.Background(), "grant-1", props.Props{Email: "alice@example.com"})
	assert.ErrorIs(t, err, ErrInvalidProps)
	assert.Zero(t, b.calls.Load())
}

func TestRegistry_AgentsDoNotShareProps(t *testing.T) {
	b := &countingBind{}
	r := NewRegistry(b.bind)
	defer r.Shutdown()
	ctx := context.Background()

	agentA, err := r.Resolve(ctx, "grant-a", alice())
	require.NoError(t, err)
	agentB, err := r.Resolve(ctx, "grant-b", bob())
	require.NoError(t, err)

	for agent, want := range map[*Agent]string{agentA: "token-alice", agentB: "token-bob"} {
		tool := agent.Tools()["whoami"]
		result, err := tool.Handler(ctx, mcp.CallToolRequest{})
		require.NoError(t, err)
		text, ok := result.Content[0].(mcp.TextContent)
		require.True(t, ok)
		assert.Equal(t, want, text.Text)
	}
}

func TestRegistry_AuthorizeChecksOwner(t *testing.T) {
	b := &countingBind{}
	r := NewRegistry(b.bind)
	defer r.Shutdown()
	ctx := context.Background()

	agentA, err := r.Resolve(ctx, "grant-a", alice())
	require.NoError(t, err)
	r.Attach(ctx, "session-1", agentA, TransportSSE)

	assert.NoError(t, r.Authorize("session-1", "grant-a"))
	assert.ErrorIs(t, r.Authorize("session-1", "grant-b"), ErrSessionNotFound)
	assert.ErrorIs(t, r.Authorize("session-unknown", "grant-a"), ErrSessionNotFound)
}

func TestRegistry_ReleaseDropsAgentWithLastSession(t *testing.T) {
	b := &countingBind{}
	r := NewRegistry(b.bind)
	defer r.Shutdown()
	ctx := context.Background()

	agent, err := r.Resolve(ctx, "grant-a", alice())
	require.NoError(t, err)
	r.Attach(ctx, "session-1", agent, TransportSSE)
	r.Attach(ctx, "session-2", agent, TransportStreamable)

	r.Release(ctx, "session-1")
	_, ok := r.Agent("grant-a")
	assert.True(t, ok, "agent still has a session")

	r.Release(ctx, "session-2")
	_, ok = r.Agent("grant-a")
	assert.False(t, ok)
	assert.ErrorIs(t, r.Authorize("session-2", "grant-a"), ErrSessionNotFound)

	// Releasing twice is harmless
	r.Release(ctx, "session-2")
}

func TestRegistry_UserLimits(t *testing.T) {
	b := &countingBind{}
	r := NewRegistry(b.bind, WithMaxPerUser(2))
	defer r.Shutdown()
	ctx := context.Background()

	agent, err := r.Resolve(ctx, "grant-a", alice())
	require.NoError(t, err)

	require.NoError(t, r.CheckUserLimit("alice@example.com"))
	r.Attach(ctx, "session-1", agent, TransportSSE)
	require.NoError(t, r.CheckUserLimit("alice@example.com"))
	r.Attach(ctx, "session-2", agent, TransportStreamable)

	err = r.CheckUserLimit("alice@example.com")
	assert.True(t, errors.Is(err, ErrUserLimitExceeded))
	assert.NoError(t, r.CheckUserLimit("bob@example.com"))

	r.Release(ctx, "session-1")
	assert.NoError(t, r.CheckUserLimit("alice@example.com"))
	assert.Equal(t, 1, r.UserSessionCount("alice@example.com"))
}

func TestRegistry_UnlimitedWhenZero(t *testing.T) {
	b := &countingBind{}
	r := NewRegistry(b.bind, WithMaxPerUser(0))
	defer r.Shutdown()
	ctx := context.Background()

	agent, err := r.Resolve(ctx, "grant-a", alice())
	require.NoError(t, err)
	for _, id := range []string{"s1", "s2", "s3"} {
		r.Attach(ctx, id, agent, TransportStreamable)
	}
	assert.NoError(t, r.CheckUserLimit("alice@example.com"))
}

func TestRegistry_CleanupTimedOut(t *testing.T) {
	clock := &testClock{t: time.Now()}
	b := &countingBind{}
	r := NewRegistry(b.bind, WithTimeout(time.Minute), WithCleanupInterval(time.Hour), WithClock(clock.Now))
	defer r.Shutdown()
	ctx := context.Background()

	streaming, err := r.Resolve(ctx, "grant-sse", alice())
	require.NoError(t, err)
	r.Attach(ctx, "sse-1", streaming, TransportSSE)

	unary, err := r.Resolve(ctx, "grant-mcp", bob())
	require.NoError(t, err)
	r.Attach(ctx, "mcp-1", unary, TransportStreamable)

	_, err = r.Resolve(ctx, "grant-idle", props.Props{AccessToken: "token-carol", Email: "carol@example.com"})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	r.cleanupTimedOut()

	assert.NoError(t, r.Authorize("sse-1", "grant-sse"), "open streams are not expired")
	_, ok := r.Agent("grant-sse")
	assert.True(t, ok)

	assert.ErrorIs(t, r.Authorize("mcp-1", "grant-mcp"), ErrSessionNotFound)
	_, ok = r.Agent("grant-mcp")
	assert.False(t, ok)

	_, ok = r.Agent("grant-idle")
	assert.False(t, ok)
}

func TestRegistry_AuthorizeKeepsUnarySessionAlive(t *testing.T) {
	clock := &testClock{t: time.Now()}
	b := &countingBind{}
	r := NewRegistry(b.bind, WithTimeout(time.Minute), WithCleanupInterval(time.Hour), WithClock(clock.Now))
	defer r.Shutdown()
	ctx := context.Background()

	agent, err := r.Resolve(ctx, "grant-a", alice())
	require.NoError(t, err)
	r.Attach(ctx, "mcp-1", agent, TransportStreamable)

	clock.Advance(45 * time.Second)
	require.NoError(t, r.Authorize("mcp-1", "grant-a"))
	_, err = r.Resolve(ctx, "grant-a", alice())
	require.NoError(t, err)
	clock.Advance(45 * time.Second)
	r.cleanupTimedOut()

	assert.NoError(t, r.Authorize("mcp-1", "grant-a"))
}

func TestAgentContext(t *testing.T) {
	_, ok := AgentFromContext(context.Background())
	assert.False(t, ok)

	agent := &Agent{GrantID: "grant-a", Props: alice()}
	got, ok := AgentFromContext(WithAgent(context.Background(), agent))
	require.True(t, ok)
	assert.Same(t, agent, got)
}
