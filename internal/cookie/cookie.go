package cookie

import (
	"net/http"
	"time"

	"github.com/dgellow/yt-mcp-gateway/internal/envutil"
	"github.com/dgellow/yt-mcp-gateway/internal/log"
)

// FlowCookiePrefix names the cookies carrying the anti-forgery binding of an
// in-flight authorization. Each flow gets its own cookie so concurrent
// authorizations in one browser do not overwrite each other.
const FlowCookiePrefix = "yt_gateway_flow_"

// FlowCookieName is the cookie name of the flow with id flowID.
func FlowCookieName(flowID string) string {
	return FlowCookiePrefix + flowID
}

// flowPath scopes the cookie to the callback so it is never sent elsewhere.
const flowPath = "/oauth"

// SetFlowBinding stores the binding for the duration of an authorization flow.
// SameSite=Lax lets it ride along on Google's top-level redirect back to us.
func SetFlowBinding(w http.ResponseWriter, flowID, value string, maxAge time.Duration) {
	secure := !envutil.IsDev()
	http.SetCookie(w, &http.Cookie{
		Name:     FlowCookieName(flowID),
		Value:    value,
		Path:     flowPath,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(maxAge.Seconds()),
	})

	log.LogTraceWithFields("cookie", "Flow cookie set", map[string]any{
		"flow":   flowID,
		"maxAge": maxAge.String(),
		"secure": secure,
	})
}

// GetFlowBinding returns the binding the user agent presents for flowID, or "".
func GetFlowBinding(r *http.Request, flowID string) string {
	if flowID == "" {
		return ""
	}
	c, err := r.Cookie(FlowCookieName(flowID))
	if err != nil {
		return ""
	}
	return c.Value
}

// ClearFlowBinding expires the flow cookie once the callback has consumed it.
func ClearFlowBinding(w http.ResponseWriter, flowID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     FlowCookieName(flowID),
		Value:    "",
		Path:     flowPath,
		HttpOnly: true,
		Secure:   !envutil.IsDev(),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
