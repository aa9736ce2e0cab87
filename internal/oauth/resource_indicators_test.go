package oauth

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractResourceParameters(t *testing.T) {
	tests := []struct {
		name     string
		rawQuery string
		want     []string
		wantErr  bool
	}{
		{
			name:     "single resource parameter",
			rawQuery: "resource=https://yt.example.com/sse",
			want:     []string{"https://yt.example.com/sse"},
		},
		{
			name:     "multiple resource parameters",
			rawQuery: "resource=https://yt.example.com/sse&resource=https://yt.example.com/mcp",
			want:     []string{"https://yt.example.com/sse", "https://yt.example.com/mcp"},
		},
		{
			name:     "duplicate parameters should deduplicate",
			rawQuery: "resource=https://yt.example.com/sse&resource=https://yt.example.com/sse",
			want:     []string{"https://yt.example.com/sse"},
		},
		{
			name:     "empty parameter should be skipped",
			rawQuery: "resource=&resource=https://yt.example.com/sse",
			want:     []string{"https://yt.example.com/sse"},
		},
		{
			name:     "no resource parameters",
			rawQuery: "client_id=test&state=abc",
			want:     []string{},
		},
		{
			name:     "empty query",
			rawQuery: "",
			want:     []string{},
		},
		{
			name: "exactly at limit (100 parameters)",
			rawQuery: func() string {
				params := make([]string, 100)
				for i := range 100 {
					params[i] = fmt.Sprintf("resource=https://yt.example.com/r%d", i)
				}
				return strings.Join(params, "&")
			}(),
			want: func() []string {
				result := make([]string, 100)
				for i := range 100 {
					result[i] = fmt.Sprintf("https://yt.example.com/r%d", i)
				}
				return result
			}(),
		},
		{
			name: "exceeds limit (101 parameters)",
			rawQuery: func() string {
				params := make([]string, 101)
				for i := range 101 {
					params[i] = fmt.Sprintf("resource=https://yt.example.com/r%d", i)
				}
				return strings.Join(params, "&")
			}(),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &http.Request{
				URL: &url.URL{RawQuery: tt.rawQuery},
			}

			got, err := ExtractResourceParameters(req)
			if (err != nil) != tt.wantErr {
				t.Errorf("ExtractResourceParameters() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if len(got) != len(tt.want) {
				t.Errorf("ExtractResourceParameters() = %v, want %v", got, tt.want)
				return
			}

			for i, resource := range got {
				if resource != tt.want[i] {
					t.Errorf("ExtractResourceParameters()[%d] = %v, want %v", i, resource, tt.want[i])
				}
			}
		})
	}
}

func TestValidateResourceURI(t *testing.T) {
	tests := []struct {
		name        string
		issuer      string
		resourceURI string
		wantErr     bool
		errContains string
	}{
		{
			name:        "valid resource under root issuer",
			issuer:      "https://yt.example.com",
			resourceURI: "https://yt.example.com/sse",
			wantErr:     false,
		},
		{
			name:        "valid nested path under root issuer",
			issuer:      "https://yt.example.com",
			resourceURI: "https://yt.example.com/api/v1/postgres",
			wantErr:     false,
		},
		{
			name:        "valid resource equals root issuer",
			issuer:      "https://yt.example.com",
			resourceURI: "https://yt.example.com",
			wantErr:     false,
		},
		{
			name:        "invalid relative URI",
			issuer:      "https://yt.example.com",
			resourceURI: "/postgres",
			wantErr:     true,
			errContains: "must be absolute",
		},
		{
			name:        "invalid contains fragment",
			issuer:      "https://yt.example.com",
			resourceURI: "https://yt.example.com/sse#section",
			wantErr:     true,
			errContains: "must not contain fragment",
		},
		{
			name:        "invalid scheme mismatch",
			issuer:      "https://yt.example.com",
			resourceURI: "http://yt.example.com/sse",
			wantErr:     true,
			errContains: "scheme must match issuer",
		},
		{
			name:        "invalid host mismatch",
			issuer:      "https://yt.example.com",
			resourceURI: "https://external.com/postgres",
			wantErr:     true,
			errContains: "host must match issuer",
		},
		{
			name:        "path normalization handled by url.Parse",
			issuer:      "https://yt.example.com",
			resourceURI: "https://yt.example.com/../postgres",
			wantErr:     false,
		},
		{
			name:        "invalid unsupported scheme",
			issuer:      "https://yt.example.com",
			resourceURI: "ftp://yt.example.com/sse",
			wantErr:     true,
			errContains: "must be http or https",
		},
		{
			name:        "valid subpath for non-root issuer",
			issuer:      "https://yt.example.com/api",
			resourceURI: "https://yt.example.com/api/v1",
			wantErr:     false,
		},
		{
			name:        "invalid sibling path for non-root issuer",
			issuer:      "https://yt.example.com/api",
			resourceURI: "https://yt.example.com/apiv1",
			wantErr:     true,
			errContains: "not a valid subpath",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateResourceURI(tt.resourceURI, tt.issuer)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateResourceURI() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if tt.wantErr && err != nil && tt.errContains != "" {
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("ValidateResourceURI() error = %v, want error containing %q", err, tt.errContains)
				}
			}
		})
	}
}

func TestValidateAudience(t *testing.T) {
	resource := "https://yt.example.com"

	tests := []struct {
		name          string
		tokenAudience []string
		wantErr       bool
	}{
		{
			name:          "gateway audience",
			tokenAudience: []string{"https://yt.example.com"},
		},
		{
			name:          "transport path audience",
			tokenAudience: []string{"https://yt.example.com/mcp"},
		},
		{
			name:          "one matching audience among several",
			tokenAudience: []string{"https://other.example.com", "https://yt.example.com/sse"},
		},
		{
			name:          "no audience",
			tokenAudience: nil,
		},
		{
			name:          "foreign audience",
			tokenAudience: []string{"https://other.example.com"},
			wantErr:       true,
		},
		{
			name:          "scheme downgrade",
			tokenAudience: []string{"http://yt.example.com"},
			wantErr:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAudience(tt.tokenAudience, resource)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "does not include resource")
				return
			}
			assert.NoError(t, err)
		})
	}
}
