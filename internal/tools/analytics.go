package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgellow/yt-mcp-gateway/internal/log"
	"github.com/dgellow/yt-mcp-gateway/internal/props"
	"github.com/mark3labs/mcp-go/mcp"
	"google.golang.org/api/youtubeanalytics/v2"
)

type basicChannelStats struct {
	clients clientFactory
}

func (basicChannelStats) Name() string { return "youtube_getBasicChannelStats" }

func (t basicChannelStats) Definition() mcp.Tool {
	return mcp.NewTool(t.Name(),
		mcp.WithDescription("Get basic statistics for your YouTube channel (subscribers, views, videos)."),
	)
}

func (t basicChannelStats) Execute(ctx context.Context, _ Args, p props.Props) *mcp.CallToolResult {
	const prefix = "Error getting channel stats: "
	text := apiErrorText{forbidden: "Access denied. Please ensure you're authenticated with YouTube."}

	c, err := t.clients(ctx, p)
	if err != nil {
		return failure(t.Name(), prefix, err, text)
	}

	resp, err := c.YouTube.Channels.List([]string{"snippet", "statistics"}).Mine(true).Context(ctx).Do()
	if err != nil {
		return failure(t.Name(), prefix, err, text)
	}
	if len(resp.Items) == 0 {
		return mcp.NewToolResultText("No YouTube channel found for this account. Please make sure you have a YouTube channel associated with your Google account.")
	}

	ch := resp.Items[0]
	s, stats := channelParts(ch)
	name := s.Title
	if name == "" {
		name = "Unknown Channel"
	}
	country := s.Country
	if country == "" {
		country = "Not specified"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📺 **%s** Channel Stats\n\n", name)
	fmt.Fprintf(&b, "🆔 **Channel ID:** %s\n", ch.Id)
	fmt.Fprintf(&b, "👥 **Subscribers:** %s\n", humanizeUint(stats.SubscriberCount))
	fmt.Fprintf(&b, "👀 **Total Views:** %s\n", humanizeUint(stats.ViewCount))
	fmt.Fprintf(&b, "🎬 **Total Videos:** %s\n", humanizeUint(stats.VideoCount))
	fmt.Fprintf(&b, "📅 **Channel Created:** %s\n", formatDate(s.PublishedAt))
	fmt.Fprintf(&b, "🌍 **Country:** %s\n", country)
	if s.CustomUrl != "" {
		fmt.Fprintf(&b, "🔗 **Custom URL:** youtube.com/%s\n", s.CustomUrl)
	}
	fmt.Fprintf(&b, "\n📝 **Description:** %s...", truncate(s.Description, 200))
	return mcp.NewToolResultText(b.String())
}

type demographics struct {
	clients clientFactory
	now     func() time.Time
}

func (demographics) Name() string { return "youtube_getDemographics" }

func (t demographics) Definition() mcp.Tool {
	return mcp.NewTool(t.Name(),
		mcp.WithDescription("Get basic audience demographics for your channel (age, gender, top countries)."),
		mcp.WithString("days", mcp.Enum("30", "90"), mcp.DefaultString("30"), mcp.Description("Number of days to analyze (30 or 90)")),
	)
}

// demographicQuery is one optional breakdown of the audience.
type demographicQuery struct {
	heading   string
	metric    string
	dimension string
	limit     int
}

var demographicQueries = []demographicQuery{
	{heading: "📊 **Age Groups:**", metric: "viewerPercentage", dimension: "ageGroup"},
	{heading: "⚧ **Gender Distribution:**", metric: "viewerPercentage", dimension: "gender"},
	{heading: "🌍 **Top Countries by Views:**", metric: "views", dimension: "country", limit: 5},
}

func (t demographics) Execute(ctx context.Context, args Args, p props.Props) *mcp.CallToolResult {
	const prefix = "Error getting demographics: "
	text := apiErrorText{
		forbidden:  "Analytics access denied or insufficient permissions for demographic data.",
		badRequest: "Invalid request. Your channel may not have enough data for demographics.",
	}

	c, err := t.clients(ctx, p)
	if err != nil {
		return failure(t.Name(), prefix, err, text)
	}
	channelID, err := myChannelID(ctx, c.YouTube)
	if err != nil {
		return failure(t.Name(), prefix, err, text)
	}

	days := args.String("days")
	n, _ := strconv.Atoi(days)
	start, end := dateRange(t.now(), n)

	var b strings.Builder
	fmt.Fprintf(&b, "👥 **Audience Demographics** (Last %s days)\n", days)
	fmt.Fprintf(&b, "📈 **Period:** %s to %s\n\n", start, end)

	hasData := false
	for _, q := range demographicQueries {
		call := c.Analytics.Reports.Query().
			Ids("channel==" + channelID).
			StartDate(start).
			EndDate(end).
			Metrics(q.metric).
			Dimensions(q.dimension).
			Sort("-" + q.metric)
		if q.limit > 0 {
			call = call.MaxResults(10)
		}
		resp, err := call.Context(ctx).Do()
		if err != nil {
			// Small channels get no data for some breakdowns; the others
			// are still worth showing.
			log.LogDebugWithFields("tools", "Demographic breakdown unavailable", map[string]any{
				"tool":      t.Name(),
				"dimension": q.dimension,
				"error":     err.Error(),
			})
			continue
		}
		if len(resp.Rows) == 0 {
			continue
		}
		hasData = true
		writeBreakdown(&b, q, resp)
	}

	if !hasData {
		return mcp.NewToolResultText(fmt.Sprintf("No demographic data available for the last %s days. This could mean:\n\n", days) +
			"• Your channel needs more watch time to generate demographic insights\n" +
			"• Your audience size is too small for detailed demographics\n" +
			"• Demographic data is still processing\n" +
			"• Your channel may need at least 100+ hours of watch time\n\n" +
			"💡 Try the basic analytics tool instead: youtube_getAnalytics")
	}

	b.WriteString("\n💡 **Note:** Demographic data requires sufficient audience size and watch time.")
	return mcp.NewToolResultText(b.String())
}

func writeBreakdown(b *strings.Builder, q demographicQuery, resp *youtubeanalytics.QueryResponse) {
	b.WriteString(q.heading + "\n")
	rows := resp.Rows
	if q.limit > 0 && len(rows) > q.limit {
		rows = rows[:q.limit]
	}
	for i, row := range rows {
		label := rowString(row, 0)
		value := rowNumber(row, 1)
		if q.metric == "viewerPercentage" {
			// Already on a 0-100 scale.
			fmt.Fprintf(b, "• %s: %.1f%%\n", label, value)
			continue
		}
		fmt.Fprintf(b, "%d. %s: %s views\n", i+1, label, humanizeInt(int64(value)))
	}
	if q.limit == 0 {
		b.WriteString("\n")
	}
}

func rowString(row []any, i int) string {
	if i < len(row) {
		if s, ok := row[i].(string); ok && s != "" {
			return s
		}
	}
	return "Unknown"
}

func rowNumber(row []any, i int) float64 {
	if i < len(row) {
		if f, ok := toFloat(row[i]); ok {
			return f
		}
	}
	return 0
}

type analytics struct {
	clients clientFactory
	now     func() time.Time
}

func (analytics) Name() string { return "youtube_getAnalytics" }

func (t analytics) Definition() mcp.Tool {
	return mcp.NewTool(t.Name(),
		mcp.WithDescription("Get basic analytics for your channel - views and subscribers for recent periods."),
		mcp.WithString("days", mcp.Enum("7", "30"), mcp.DefaultString("7"), mcp.Description("Number of days to analyze (7 or 30)")),
	)
}

func (t analytics) Execute(ctx context.Context, args Args, p props.Props) *mcp.CallToolResult {
	const prefix = "Error getting analytics: "
	text := apiErrorText{
		forbidden:  "Analytics access denied. Your channel may need more watch time or the Analytics API may not be enabled.",
		badRequest: "Invalid request. This might be due to insufficient channel data.",
	}

	c, err := t.clients(ctx, p)
	if err != nil {
		return failure(t.Name(), prefix, err, text)
	}
	channelID, err := myChannelID(ctx, c.YouTube)
	if err != nil {
		return failure(t.Name(), prefix, err, text)
	}

	days := args.String("days")
	n, _ := strconv.Atoi(days)
	start, end := dateRange(t.now(), n)

	resp, err := c.Analytics.Reports.Query().
		Ids("channel==" + channelID).
		StartDate(start).
		EndDate(end).
		Metrics("views,subscribersGained").
		Context(ctx).Do()
	if err != nil {
		return failure(t.Name(), prefix, err, text)
	}
	if len(resp.Rows) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No analytics data available for the last %s days. This could mean:\n", days) +
			"• Your channel is very new\n" +
			"• Not enough activity in this period\n" +
			"• Analytics data is still processing")
	}

	var views, subscribers int64
	for _, row := range resp.Rows {
		views += int64(rowNumber(row, 0))
		subscribers += int64(rowNumber(row, 1))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📊 **Simple Analytics** (Last %s days)\n\n", days)
	fmt.Fprintf(&b, "📈 **Period:** %s to %s\n", start, end)
	fmt.Fprintf(&b, "👀 **Total Views:** %s\n", humanizeInt(views))
	fmt.Fprintf(&b, "👥 **New Subscribers:** %d\n", subscribers)
	fmt.Fprintf(&b, "📅 **Daily Average Views:** %s\n\n", humanizeInt(roundDiv(views, int64(n))))
	b.WriteString("💡 This is basic analytics data from YouTube Analytics API.")
	return mcp.NewToolResultText(b.String())
}

type recentVideos struct {
	clients clientFactory
}

func (recentVideos) Name() string { return "youtube_getMyRecentVideos" }

func (t recentVideos) Definition() mcp.Tool {
	return mcp.NewTool(t.Name(),
		mcp.WithDescription("Get your most recent uploaded videos with basic stats."),
		mcp.WithNumber("maxResults", mcp.Min(1), mcp.Max(25), mcp.DefaultNumber(10), mcp.Description("Number of recent videos to retrieve")),
	)
}

func (t recentVideos) Execute(ctx context.Context, args Args, p props.Props) *mcp.CallToolResult {
	const prefix = "Error getting recent videos: "
	c, err := t.clients(ctx, p)
	if err != nil {
		return failure(t.Name(), prefix, err, apiErrorText{})
	}
	channelID, err := myChannelID(ctx, c.YouTube)
	if err != nil {
		return failure(t.Name(), prefix, err, apiErrorText{})
	}

	maxResults := args.Int("maxResults")
	search, err := c.YouTube.Search.List([]string{"snippet"}).
		ChannelId(channelID).
		Order("date").
		Type("video").
		MaxResults(int64(maxResults)).
		Context(ctx).Do()
	if err != nil {
		return failure(t.Name(), prefix, err, apiErrorText{})
	}
	ids := searchVideoIDs(search.Items)
	if len(search.Items) == 0 {
		return mcp.NewToolResultText("No videos found on your channel.")
	}

	stats := make(map[string]*youtubeVideoStats, len(ids))
	if len(ids) > 0 {
		videos, err := c.YouTube.Videos.List([]string{"statistics", "contentDetails"}).Id(ids...).Context(ctx).Do()
		if err != nil {
			return failure(t.Name(), prefix, err, apiErrorText{})
		}
		for _, v := range videos.Items {
			_, vs, _ := videoParts(v)
			stats[v.Id] = &youtubeVideoStats{views: vs.ViewCount, likes: vs.LikeCount, comments: vs.CommentCount}
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🎬 **Your %d Most Recent Videos**\n\n", maxResults)
	for i, item := range search.Items {
		if i > 0 {
			b.WriteString("\n")
		}
		videoID, title, published := "", "Unknown Title", ""
		if item.Id != nil {
			videoID = item.Id.VideoId
		}
		if item.Snippet != nil {
			if item.Snippet.Title != "" {
				title = item.Snippet.Title
			}
			published = item.Snippet.PublishedAt
		}
		st := stats[videoID]
		if st == nil {
			st = &youtubeVideoStats{}
		}
		fmt.Fprintf(&b, "**%d. %s**\n", i+1, title)
		fmt.Fprintf(&b, "   📅 Published: %s\n", formatDate(published))
		fmt.Fprintf(&b, "   👀 Views: %s | 👍 Likes: %s | 💬 Comments: %s\n",
			humanizeUint(st.views), humanizeUint(st.likes), humanizeUint(st.comments))
		fmt.Fprintf(&b, "   🔗 %s%s\n", watchURL, videoID)
	}
	return mcp.NewToolResultText(b.String())
}

type youtubeVideoStats struct {
	views, likes, comments uint64
}
