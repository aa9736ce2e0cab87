package tools

import (
	"context"
	"fmt"

	"github.com/dgellow/yt-mcp-gateway/internal/props"
	"github.com/mark3labs/mcp-go/mcp"
)

type greet struct{}

func (greet) Name() string { return "greet" }

func (greet) Definition() mcp.Tool {
	return mcp.NewTool("greet",
		mcp.WithDescription("Greet the user with a message"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Who to greet")),
	)
}

func (greet) Execute(_ context.Context, args Args, _ props.Props) *mcp.CallToolResult {
	return mcp.NewToolResultText(fmt.Sprintf("Hello, %s", args.String("name")))
}
