package tools

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"google.golang.org/api/googleapi"
)

const watchURL = "https://www.youtube.com/watch?v="

var isoDuration = regexp.MustCompile(`PT(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?`)

// formatDuration renders an ISO 8601 video duration as h:mm:ss, or m:ss
// under an hour. Anything else is returned unchanged.
func formatDuration(d string) string {
	m := isoDuration.FindStringSubmatch(d)
	if m == nil {
		return d
	}
	hours, _ := strconv.Atoi(m[1])
	minutes, _ := strconv.Atoi(m[2])
	seconds, _ := strconv.Atoi(m[3])

	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}

// humanizeUint renders an API counter with thousands separators.
func humanizeUint(n uint64) string {
	return humanize.Comma(int64(n))
}

func humanizeInt(n int64) string {
	return humanize.Comma(n)
}

// roundDiv is a/b rounded half away from zero. b must not be 0.
func roundDiv(a, b int64) int64 {
	return int64(math.Round(float64(a) / float64(b)))
}

func averagePerVideo(views, videos int64) string {
	if videos == 0 {
		return "N/A"
	}
	return humanize.Comma(roundDiv(views, videos))
}

// formatDate renders an RFC 3339 timestamp from the API as a calendar date.
func formatDate(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return "Unknown"
	}
	return t.Format("Jan 2, 2006")
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// dateRange returns the Analytics API window for the last days days, ending
// yesterday.
func dateRange(now time.Time, days int) (start, end string) {
	now = now.UTC()
	return now.AddDate(0, 0, -days).Format(time.DateOnly), now.AddDate(0, 0, -1).Format(time.DateOnly)
}

var keywordPattern = regexp.MustCompile(`\b\w{4,}\b`)

// topKeywords counts words of four or more characters across texts and
// returns the n most frequent. Ties keep first-seen order.
func topKeywords(texts []string, n int) []string {
	counts := make(map[string]int)
	var order []string
	for _, w := range keywordPattern.FindAllString(strings.ToLower(strings.Join(texts, " ")), -1) {
		if counts[w] == 0 {
			order = append(order, w)
		}
		counts[w]++
	}

	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if len(order) > n {
		order = order[:n]
	}
	return order
}

// apiErrorText overrides the message for specific API failures.
type apiErrorText struct {
	forbidden  string
	badRequest string
}

// describeError turns a Google API failure into text for the user. An
// expired or revoked token cannot be fixed in-process, so it asks for a new
// authorization instead of a retry.
func describeError(err error, text apiErrorText) string {
	if errors.Is(err, errNoCredentials) {
		return err.Error()
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err.Error()
	}

	switch {
	case gerr.Code == http.StatusUnauthorized:
		return "Authorization expired. Please re-run the authorization flow."
	case hasReason(gerr, "quotaExceeded", "dailyLimitExceeded", "rateLimitExceeded"):
		return "API quota exceeded. Please try again later."
	case gerr.Code == http.StatusForbidden && text.forbidden != "":
		return text.forbidden
	case gerr.Code == http.StatusBadRequest && text.badRequest != "":
		return text.badRequest
	case gerr.Message != "":
		return gerr.Message
	}
	return err.Error()
}

func hasReason(gerr *googleapi.Error, reasons ...string) bool {
	for _, item := range gerr.Errors {
		for _, r := range reasons {
			if item.Reason == r {
				return true
			}
		}
	}
	return false
}
