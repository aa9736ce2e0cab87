package crypto

import (
	"crypto/subtle"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CSRFProtection issues stateless nonce:timestamp:signature tokens. The
// authorization flow uses one per browser as the binding between the
// continuation it hands to Google and the cookie it sets on the user agent.
type CSRFProtection struct {
	signingKey []byte
	ttl        time.Duration
	now        func() time.Time
}

// NewCSRFProtection creates a new CSRF protection instance
func NewCSRFProtection(signingKey []byte, ttl time.Duration) CSRFProtection {
	return CSRFProtection{
		signingKey: signingKey,
		ttl:        ttl,
		now:        time.Now,
	}
}

// WithClock returns a copy reading time from now.
func (c CSRFProtection) WithClock(now func() time.Time) CSRFProtection {
	c.now = now
	return c
}

// Generate creates a new token
func (c *CSRFProtection) Generate() (string, error) {
	nonce, err := GenerateSecureToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	timestamp := strconv.FormatInt(c.now().Unix(), 10)
	data := nonce + ":" + timestamp
	return data + ":" + SignData(data, c.signingKey), nil
}

// Validate checks that token is authentic and younger than the ttl
func (c *CSRFProtection) Validate(token string) bool {
	parts := strings.SplitN(token, ":", 3)
	if len(parts) != 3 {
		return false
	}

	timestamp, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return false
	}
	if c.now().Sub(time.Unix(timestamp, 0)) > c.ttl {
		return false
	}

	return ValidateSignedData(parts[0]+":"+parts[1], parts[2], c.signingKey)
}

// Matches reports whether the presented token equals the expected one and is valid.
func (c *CSRFProtection) Matches(presented, expected string) bool {
	if presented == "" || expected == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
		return false
	}
	return c.Validate(presented)
}
