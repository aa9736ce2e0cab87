package json

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteUnauthorizedRFC9728(t *testing.T) {
	tests := []struct {
		name                         string
		message                      string
		protectedResourceMetadataURI string
		wantHeader                   string
		wantStatus                   int
	}{
		{
			name:                         "with resource metadata URI",
			message:                      "Invalid token",
			protectedResourceMetadataURI: "https://yt.example.com/.well-known/oauth-protected-resource",
			wantHeader:                   `Bearer resource_metadata="https://yt.example.com/.well-known/oauth-protected-resource"`,
			wantStatus:                   http.StatusUnauthorized,
		},
		{
			name:                         "without resource metadata URI",
			message:                      "Invalid token",
			protectedResourceMetadataURI: "",
			wantHeader:                   "",
			wantStatus:                   http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()

			WriteUnauthorizedRFC9728(w, tt.message, tt.protectedResourceMetadataURI)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v", w.Code, tt.wantStatus)
			}

			gotHeader := w.Header().Get("WWW-Authenticate")
			if gotHeader != tt.wantHeader {
				t.Errorf("WWW-Authenticate header = %q, want %q", gotHeader, tt.wantHeader)
			}

			// Check that response contains error message
			body := w.Body.String()
			if body == "" {
				t.Error("expected non-empty response body")
			}
		})
	}
}

func TestWriteMethodNotAllowed(t *testing.T) {
	w := httptest.NewRecorder()

	WriteMethodNotAllowed(w, http.MethodGet, http.MethodPost)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %v, want %v", w.Code, http.StatusMethodNotAllowed)
	}
	if got := w.Header().Get("Allow"); got != "GET, POST" {
		t.Errorf("Allow = %q, want %q", got, "GET, POST")
	}
	want := `{"error":"method_not_allowed","message":"Method not allowed"}` + "\n"
	if w.Body.String() != want {
		t.Errorf("body = %q, want %q", w.Body.String(), want)
	}
}

func TestEscapeQuotedString(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "no special characters",
			input: "simple-realm",
			want:  "simple-realm",
		},
		{
			name:  "with double quote",
			input: `realm"with"quotes`,
			want:  `realm\"with\"quotes`,
		},
		{
			name:  "with backslash",
			input: `realm\with\backslash`,
			want:  `realm\\with\\backslash`,
		},
		{
			name:  "with both",
			input: `realm\"mixed`,
			want:  `realm\\\"mixed`,
		},
		{
			name:  "URL with protocol",
			input: "https://yt.example.com/.well-known/oauth-protected-resource",
			want:  "https://yt.example.com/.well-known/oauth-protected-resource",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := escapeQuotedString(tt.input)
			if got != tt.want {
				t.Errorf("escapeQuotedString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWriteUnauthorizedRFC9728_Escaping(t *testing.T) {
	w := httptest.NewRecorder()

	WriteUnauthorizedRFC9728(w, "Invalid token", `https://yt.example.com/path"with"quotes`)

	wantHeader := `Bearer resource_metadata="https://yt.example.com/path\"with\"quotes"`
	gotHeader := w.Header().Get("WWW-Authenticate")
	if gotHeader != wantHeader {
		t.Errorf("WWW-Authenticate header = %q, want %q", gotHeader, wantHeader)
	}
}

func TestWriteTooManyRequests(t *testing.T) {
	w := httptest.NewRecorder()
	WriteTooManyRequests(w, "Rate limit exceeded", 1)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if got := w.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want %q", got, "1")
	}
	want := `{"error":"too_many_requests","message":"Rate limit exceeded"}` + "\n"
	if w.Body.String() != want {
		t.Errorf("body = %q, want %q", w.Body.String(), want)
	}
}
