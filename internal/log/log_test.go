package log

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", want: "info"},
		{in: "debug", want: "debug"},
		{in: "TRACE", want: "trace"},
		{in: "warning", want: "warn"},
		{in: "error", want: "error"},
		{in: "loud", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			prev := GetLogLevel()
			t.Cleanup(func() { _ = SetLogLevel(prev) })

			err := SetLogLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, GetLogLevel())
		})
	}
}

func TestSensitiveFieldsAreRedacted(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(os.Stderr) })

	LogInfoWithFields("flow", "grant issued", map[string]any{
		"access_token": "ya29.secret",
		"client_id":    "client-1",
	})

	out := buf.String()
	assert.Contains(t, out, "component=flow")
	assert.Contains(t, out, "client_id=client-1")
	assert.Contains(t, out, "[REDACTED]")
	assert.NotContains(t, out, "ya29.secret")
}

func TestTraceSuppressedAboveTraceLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	prev := GetLogLevel()
	t.Cleanup(func() {
		_ = SetLogLevel(prev)
		SetOutput(os.Stderr)
	})

	require.NoError(t, SetLogLevel("debug"))
	buf.Reset()
	LogTrace("hidden %d", 1)
	assert.Empty(t, buf.String())

	require.NoError(t, SetLogLevel("trace"))
	buf.Reset()
	LogTraceWithFields("router", "visible", nil)
	assert.Contains(t, buf.String(), "level=TRACE")
}
