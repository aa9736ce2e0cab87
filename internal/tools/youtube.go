package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgellow/yt-mcp-gateway/internal/log"
	"github.com/dgellow/yt-mcp-gateway/internal/props"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/youtube/v3"
)

var errNoChannel = errors.New("could not retrieve channel ID")

// failure logs err and wraps it into an error result.
func failure(tool, prefix string, err error, text apiErrorText) *mcp.CallToolResult {
	log.LogWarnWithFields("tools", "Tool call failed", map[string]any{
		"tool":  tool,
		"error": err.Error(),
	})
	return mcp.NewToolResultError(prefix + describeError(err, text))
}

// myChannelID resolves the authenticated user's channel.
func myChannelID(ctx context.Context, yt *youtube.Service) (string, error) {
	resp, err := yt.Channels.List([]string{"id"}).Mine(true).Context(ctx).Do()
	if err != nil {
		return "", err
	}
	if len(resp.Items) == 0 || resp.Items[0].Id == "" {
		return "", errNoChannel
	}
	return resp.Items[0].Id, nil
}

func searchVideoIDs(items []*youtube.SearchResult) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if item.Id != nil && item.Id.VideoId != "" {
			ids = append(ids, item.Id.VideoId)
		}
	}
	return ids
}

type searchVideos struct {
	clients clientFactory
}

func (searchVideos) Name() string { return "youtube_searchVideos" }

func (t searchVideos) Definition() mcp.Tool {
	return mcp.NewTool(t.Name(),
		mcp.WithDescription("Search for YouTube videos based on a query."),
		mcp.WithString("query", mcp.Required(), mcp.MinLength(1), mcp.Description("The search query term(s)")),
		mcp.WithNumber("maxResults", mcp.Min(1), mcp.Max(50), mcp.DefaultNumber(5), mcp.Description("Maximum number of results to return (1-50)")),
		mcp.WithString("order", mcp.Enum("date", "rating", "relevance", "title", "videoCount", "viewCount"), mcp.DefaultString("relevance"), mcp.Description("Sort order for results")),
		mcp.WithString("videoType", mcp.Enum("any", "episode", "movie"), mcp.DefaultString("any"), mcp.Description("Filter by video type")),
	)
}

func (t searchVideos) Execute(ctx context.Context, args Args, p props.Props) *mcp.CallToolResult {
	const prefix = "Error searching YouTube: "
	c, err := t.clients(ctx, p)
	if err != nil {
		return failure(t.Name(), prefix, err, apiErrorText{})
	}

	query := args.String("query")
	resp, err := c.YouTube.Search.List([]string{"snippet"}).
		Q(query).
		MaxResults(int64(args.Int("maxResults"))).
		Order(args.String("order")).
		Type("video").
		VideoType(args.String("videoType")).
		Context(ctx).Do()
	if err != nil {
		return failure(t.Name(), prefix, err, apiErrorText{})
	}
	if len(resp.Items) == 0 {
		return mcp.NewToolResultText("No YouTube videos found matching the query.")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🔍 **YouTube Search Results for \"%s\"**\n\n", query)
	for i, item := range resp.Items {
		if i > 0 {
			b.WriteString("\n")
		}
		videoID, link := "", "N/A"
		if item.Id != nil && item.Id.VideoId != "" {
			videoID = item.Id.VideoId
			link = watchURL + videoID
		}
		s := item.Snippet
		if s == nil {
			s = &youtube.SearchResultSnippet{}
		}
		fmt.Fprintf(&b, "**%d. %s**\n", i+1, s.Title)
		fmt.Fprintf(&b, "   • Channel: %s\n", s.ChannelTitle)
		fmt.Fprintf(&b, "   • Published: %s\n", formatDate(s.PublishedAt))
		fmt.Fprintf(&b, "   • Video ID: %s\n", videoID)
		fmt.Fprintf(&b, "   • Link: %s\n", link)
		fmt.Fprintf(&b, "   • Description: %s...\n", truncate(s.Description, 150))
	}
	return mcp.NewToolResultText(b.String())
}

type videoDetails struct {
	clients clientFactory
}

func (videoDetails) Name() string { return "youtube_getVideoDetails" }

func (t videoDetails) Definition() mcp.Tool {
	return mcp.NewTool(t.Name(),
		mcp.WithDescription("Get detailed information about a specific YouTube video."),
		mcp.WithString("videoId", mcp.Required(), mcp.MinLength(1), mcp.Description("The ID of the YouTube video")),
	)
}

func (t videoDetails) Execute(ctx context.Context, args Args, p props.Props) *mcp.CallToolResult {
	const prefix = "Error getting video details: "
	c, err := t.clients(ctx, p)
	if err != nil {
		return failure(t.Name(), prefix, err, apiErrorText{})
	}

	videoID := args.String("videoId")
	resp, err := c.YouTube.Videos.List([]string{"snippet", "contentDetails", "statistics"}).
		Id(videoID).
		Context(ctx).Do()
	if err != nil {
		return failure(t.Name(), prefix, err, apiErrorText{})
	}
	if len(resp.Items) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("Video with ID %s not found.", videoID))
	}

	v := resp.Items[0]
	s, stats, details := videoParts(v)

	tags := "None"
	if len(s.Tags) > 0 {
		tags = strings.Join(s.Tags[:min(10, len(s.Tags))], ", ")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🎬 **%s**\n\n", s.Title)
	b.WriteString("📊 **Performance Metrics:**\n")
	fmt.Fprintf(&b, "• Views: %s\n", humanizeUint(stats.ViewCount))
	fmt.Fprintf(&b, "• Likes: %s\n", humanizeUint(stats.LikeCount))
	fmt.Fprintf(&b, "• Comments: %s\n", humanizeUint(stats.CommentCount))
	fmt.Fprintf(&b, "• Duration: %s\n\n", formatDuration(details.Duration))
	b.WriteString("📝 **Video Info:**\n")
	fmt.Fprintf(&b, "• Channel: %s\n", s.ChannelTitle)
	fmt.Fprintf(&b, "• Published: %s\n", formatDate(s.PublishedAt))
	fmt.Fprintf(&b, "• Video ID: %s\n", videoID)
	fmt.Fprintf(&b, "• Link: %s%s\n\n", watchURL, videoID)
	fmt.Fprintf(&b, "📖 **Description:**\n%s...\n\n", truncate(s.Description, 400))
	fmt.Fprintf(&b, "🏷️ **Tags:** %s", tags)
	return mcp.NewToolResultText(b.String())
}

// videoParts returns non-nil parts of v so formatting never dereferences nil.
func videoParts(v *youtube.Video) (*youtube.VideoSnippet, *youtube.VideoStatistics, *youtube.VideoContentDetails) {
	s, stats, details := v.Snippet, v.Statistics, v.ContentDetails
	if s == nil {
		s = &youtube.VideoSnippet{}
	}
	if stats == nil {
		stats = &youtube.VideoStatistics{}
	}
	if details == nil {
		details = &youtube.VideoContentDetails{}
	}
	return s, stats, details
}

type channelInfo struct {
	clients clientFactory
}

func (channelInfo) Name() string { return "youtube_getChannelInfo" }

func (t channelInfo) Definition() mcp.Tool {
	return mcp.NewTool(t.Name(),
		mcp.WithDescription("Get detailed information about a YouTube channel."),
		mcp.WithString("channelId", mcp.Description("Channel ID (leave empty for your own channel)")),
		mcp.WithString("channelName", mcp.Description("Channel name/username to search for")),
	)
}

func (t channelInfo) Execute(ctx context.Context, args Args, p props.Props) *mcp.CallToolResult {
	const prefix = "Error getting channel info: "
	c, err := t.clients(ctx, p)
	if err != nil {
		return failure(t.Name(), prefix, err, apiErrorText{})
	}

	call := c.YouTube.Channels.List([]string{"snippet", "statistics", "contentDetails"})
	switch {
	case args.String("channelId") != "":
		call = call.Id(args.String("channelId"))
	case args.String("channelName") != "":
		call = call.ForUsername(args.String("channelName"))
	default:
		call = call.Mine(true)
	}

	resp, err := call.Context(ctx).Do()
	if err != nil {
		return failure(t.Name(), prefix, err, apiErrorText{})
	}
	if len(resp.Items) == 0 {
		return mcp.NewToolResultText("Channel not found.")
	}

	ch := resp.Items[0]
	s, stats := channelParts(ch)
	country := s.Country
	if country == "" {
		country = "Not specified"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📺 **%s**\n\n", s.Title)
	b.WriteString("📊 **Channel Statistics:**\n")
	fmt.Fprintf(&b, "• Subscribers: %s\n", humanizeUint(stats.SubscriberCount))
	fmt.Fprintf(&b, "• Total Views: %s\n", humanizeUint(stats.ViewCount))
	fmt.Fprintf(&b, "• Total Videos: %s\n\n", humanizeUint(stats.VideoCount))
	b.WriteString("📝 **Channel Info:**\n")
	fmt.Fprintf(&b, "• Channel ID: %s\n", ch.Id)
	fmt.Fprintf(&b, "• Created: %s\n", formatDate(s.PublishedAt))
	fmt.Fprintf(&b, "• Country: %s\n\n", country)
	fmt.Fprintf(&b, "📖 **Description:**\n%s...", truncate(s.Description, 400))
	return mcp.NewToolResultText(b.String())
}

func channelParts(ch *youtube.Channel) (*youtube.ChannelSnippet, *youtube.ChannelStatistics) {
	s, stats := ch.Snippet, ch.Statistics
	if s == nil {
		s = &youtube.ChannelSnippet{}
	}
	if stats == nil {
		stats = &youtube.ChannelStatistics{}
	}
	return s, stats
}

type channelVideos struct {
	clients clientFactory
}

func (channelVideos) Name() string { return "youtube_getChannelVideos" }

func (t channelVideos) Definition() mcp.Tool {
	return mcp.NewTool(t.Name(),
		mcp.WithDescription("Get recent videos from a specific channel."),
		mcp.WithString("channelId", mcp.Description("Channel ID (leave empty for your own channel)")),
		mcp.WithNumber("maxResults", mcp.Min(1), mcp.Max(50), mcp.DefaultNumber(10), mcp.Description("Number of videos to retrieve")),
		mcp.WithString("order", mcp.Enum("date", "relevance", "viewCount", "rating"), mcp.DefaultString("date"), mcp.Description("Sort order for videos")),
	)
}

func (t channelVideos) Execute(ctx context.Context, args Args, p props.Props) *mcp.CallToolResult {
	const prefix = "Error getting channel videos: "
	c, err := t.clients(ctx, p)
	if err != nil {
		return failure(t.Name(), prefix, err, apiErrorText{})
	}

	channelID := args.String("channelId")
	if channelID == "" {
		if channelID, err = myChannelID(ctx, c.YouTube); err != nil {
			return failure(t.Name(), prefix, err, apiErrorText{})
		}
	}

	search, err := c.YouTube.Search.List([]string{"snippet"}).
		ChannelId(channelID).
		Type("video").
		Order(args.String("order")).
		MaxResults(int64(args.Int("maxResults"))).
		Context(ctx).Do()
	if err != nil {
		return failure(t.Name(), prefix, err, apiErrorText{})
	}
	ids := searchVideoIDs(search.Items)
	if len(ids) == 0 {
		return mcp.NewToolResultText("No videos found for this channel.")
	}

	videos, err := c.YouTube.Videos.List([]string{"snippet", "statistics", "contentDetails"}).
		Id(ids...).
		Context(ctx).Do()
	if err != nil {
		return failure(t.Name(), prefix, err, apiErrorText{})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🎥 **Recent Videos** (%d videos)\n\n", len(videos.Items))
	for i, v := range videos.Items {
		if i > 0 {
			b.WriteString("\n")
		}
		s, stats, details := videoParts(v)
		fmt.Fprintf(&b, "**%d. %s**\n", i+1, s.Title)
		fmt.Fprintf(&b, "   • Published: %s\n", formatDate(s.PublishedAt))
		fmt.Fprintf(&b, "   • Views: %s\n", humanizeUint(stats.ViewCount))
		fmt.Fprintf(&b, "   • Likes: %s\n", humanizeUint(stats.LikeCount))
		fmt.Fprintf(&b, "   • Duration: %s\n", formatDuration(details.Duration))
		fmt.Fprintf(&b, "   • Video ID: %s\n", v.Id)
		fmt.Fprintf(&b, "   • Link: %s%s\n", watchURL, v.Id)
	}
	return mcp.NewToolResultText(b.String())
}

type contentIdeas struct {
	clients clientFactory
	now     func() time.Time
}

func (contentIdeas) Name() string { return "youtube_suggestContentIdeas" }

func (t contentIdeas) Definition() mcp.Tool {
	return mcp.NewTool(t.Name(),
		mcp.WithDescription("Suggest content ideas based on trending topics in your niche or a specific topic."),
		mcp.WithString("topic", mcp.Required(), mcp.MinLength(1), mcp.Description("Topic or keyword to analyze for content ideas")),
		mcp.WithNumber("maxResults", mcp.Min(1), mcp.Max(20), mcp.DefaultNumber(10), mcp.Description("Number of trending videos to analyze")),
	)
}

func (t contentIdeas) Execute(ctx context.Context, args Args, p props.Props) *mcp.CallToolResult {
	const prefix = "Error suggesting content ideas: "
	c, err := t.clients(ctx, p)
	if err != nil {
		return failure(t.Name(), prefix, err, apiErrorText{})
	}

	topic := args.String("topic")
	search, err := c.YouTube.Search.List([]string{"snippet"}).
		Q(topic).
		Type("video").
		Order("viewCount").
		PublishedAfter(t.now().UTC().AddDate(0, 0, -30).Format(time.RFC3339)).
		MaxResults(int64(args.Int("maxResults"))).
		Context(ctx).Do()
	if err != nil {
		return failure(t.Name(), prefix, err, apiErrorText{})
	}
	ids := searchVideoIDs(search.Items)
	if len(ids) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No trending videos found for \"%s\".", topic))
	}

	videos, err := c.YouTube.Videos.List([]string{"snippet", "statistics"}).
		Id(ids...).
		Context(ctx).Do()
	if err != nil {
		return failure(t.Name(), prefix, err, apiErrorText{})
	}

	texts := make([]string, 0, 2*len(videos.Items))
	for _, v := range videos.Items {
		s, _, _ := videoParts(v)
		texts = append(texts, s.Title)
	}
	for _, v := range videos.Items {
		s, _, _ := videoParts(v)
		texts = append(texts, s.Description)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "💡 **Content Ideas for \"%s\"**\n\n", topic)
	b.WriteString("🔥 **Trending Videos Analysis:**\n")
	for i, v := range videos.Items[:min(5, len(videos.Items))] {
		if i > 0 {
			b.WriteString("\n")
		}
		s, stats, _ := videoParts(v)
		fmt.Fprintf(&b, "%d. **%s**\n", i+1, s.Title)
		fmt.Fprintf(&b, "   • %s views\n", humanizeUint(stats.ViewCount))
		fmt.Fprintf(&b, "   • Channel: %s\n", s.ChannelTitle)
		fmt.Fprintf(&b, "   • Published: %s\n", formatDate(s.PublishedAt))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "🎯 **Popular Keywords in \"%s\":**\n", topic)
	for _, kw := range topKeywords(texts, 10) {
		fmt.Fprintf(&b, "• %s\n", kw)
	}
	b.WriteString("\n📝 **Content Suggestions:**\n")
	for _, idea := range []string{
		"%s Tutorial for Beginners",
		"Top 10 %s Tips and Tricks",
		"%s vs [Alternative] - Complete Comparison",
		"My Experience with %s - Lessons Learned",
		"Common %s Mistakes to Avoid",
		"%s in %d - What's New?",
		"Building/Creating with %s - Step by Step",
		"%s Review - Is It Worth It?",
	} {
		var line string
		if strings.Contains(idea, "%d") {
			line = fmt.Sprintf(idea, topic, t.now().Year())
		} else {
			line = fmt.Sprintf(idea, topic)
		}
		fmt.Fprintf(&b, "• \"%s\"\n", line)
	}
	return mcp.NewToolResultText(b.String())
}

type competitors struct {
	clients clientFactory
}

func (competitors) Name() string { return "youtube_analyzeCompetitors" }

func (t competitors) Definition() mcp.Tool {
	return mcp.NewTool(t.Name(),
		mcp.WithDescription("Analyze competitor channels to understand their content strategy and performance."),
		mcp.WithArray("competitorChannelIds", mcp.Required(), mcp.WithStringItems(), mcp.MinItems(1), mcp.MaxItems(5), mcp.Description("Array of competitor channel IDs to analyze")),
		mcp.WithString("analysisDepth", mcp.Enum("basic", "detailed"), mcp.DefaultString("basic"), mcp.Description("Level of analysis to perform")),
	)
}

// competitorReport is the analysis of one channel. err is set when the
// channel does not exist.
type competitorReport struct {
	channelID   string
	err         string
	title       string
	subscribers int64
	totalViews  int64
	totalVideos int64

	recentVideos int
	averageViews int64
	latestTitle  string
}

func (t competitors) Execute(ctx context.Context, args Args, p props.Props) *mcp.CallToolResult {
	const prefix = "Error analyzing competitors: "
	c, err := t.clients(ctx, p)
	if err != nil {
		return failure(t.Name(), prefix, err, apiErrorText{})
	}

	ids := args.Strings("competitorChannelIds")
	detailed := args.String("analysisDepth") == "detailed"

	reports := make([]competitorReport, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			report, err := analyzeChannel(gctx, c.YouTube, id, detailed)
			if err != nil {
				return err
			}
			reports[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return failure(t.Name(), prefix, err, apiErrorText{})
	}

	var b strings.Builder
	b.WriteString("🔍 **Competitor Analysis**\n\n")
	for i, r := range reports {
		if i > 0 {
			b.WriteString("\n")
		}
		if r.err != "" {
			fmt.Fprintf(&b, "%d. **Channel ID: %s**\n   ❌ %s\n", i+1, r.channelID, r.err)
			continue
		}
		fmt.Fprintf(&b, "%d. **%s**\n", i+1, r.title)
		fmt.Fprintf(&b, "   • Subscribers: %s\n", humanizeInt(r.subscribers))
		fmt.Fprintf(&b, "   • Total Views: %s\n", humanizeInt(r.totalViews))
		fmt.Fprintf(&b, "   • Total Videos: %s\n", humanizeInt(r.totalVideos))
		fmt.Fprintf(&b, "   • Avg Views per Video: %s\n", averagePerVideo(r.totalViews, r.totalVideos))
		if r.recentVideos > 0 {
			fmt.Fprintf(&b, "   • Recent Avg Views: %s\n", humanizeInt(r.averageViews))
			fmt.Fprintf(&b, "   • Latest Video: \"%s\"\n", r.latestTitle)
		}
	}
	b.WriteString("\n📊 **Key Insights:**\n")
	b.WriteString("• Compare subscriber growth rates\n")
	b.WriteString("• Analyze content themes and posting frequency\n")
	b.WriteString("• Study successful video formats and titles\n")
	b.WriteString("• Identify content gaps you could fill\n")
	return mcp.NewToolResultText(b.String())
}

func analyzeChannel(ctx context.Context, yt *youtube.Service, channelID string, detailed bool) (competitorReport, error) {
	report := competitorReport{channelID: channelID}

	resp, err := yt.Channels.List([]string{"snippet", "statistics"}).Id(channelID).Context(ctx).Do()
	if err != nil {
		return report, err
	}
	if len(resp.Items) == 0 {
		report.err = "Channel not found"
		return report, nil
	}

	s, stats := channelParts(resp.Items[0])
	report.title = s.Title
	report.subscribers = int64(stats.SubscriberCount)
	report.totalViews = int64(stats.ViewCount)
	report.totalVideos = int64(stats.VideoCount)

	if !detailed {
		return report, nil
	}

	search, err := yt.Search.List([]string{"snippet"}).
		ChannelId(channelID).
		Type("video").
		Order("date").
		MaxResults(10).
		Context(ctx).Do()
	if err != nil {
		return report, err
	}
	ids := searchVideoIDs(search.Items)
	if len(ids) == 0 {
		return report, nil
	}

	videos, err := yt.Videos.List([]string{"snippet", "statistics"}).Id(ids...).Context(ctx).Do()
	if err != nil {
		return report, err
	}
	if len(videos.Items) == 0 {
		return report, nil
	}

	var total int64
	for _, v := range videos.Items {
		_, vs, _ := videoParts(v)
		total += int64(vs.ViewCount)
	}
	first, _, _ := videoParts(videos.Items[0])
	report.recentVideos = len(videos.Items)
	report.averageViews = roundDiv(total, int64(len(videos.Items)))
	report.latestTitle = first.Title
	return report, nil
}
