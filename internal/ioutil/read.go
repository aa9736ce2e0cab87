package ioutil

import (
	"fmt"
	"io"
	"strings"
)

// ReadLimited reads up to limit bytes of an upstream response body for use in
// an error message. Surrounding whitespace is trimmed; a failed read is
// described rather than dropped.
func ReadLimited(r io.Reader, limit int64) string {
	body, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return fmt.Sprintf("<unreadable: %v>", err)
	}
	return strings.TrimSpace(string(body))
}
