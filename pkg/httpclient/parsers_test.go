package httpclient

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	assert.Equal(t, time.Duration(0), ParseRetryAfter(h))

	h.Set("Retry-After", "30")
	assert.Equal(t, 30*time.Second, ParseRetryAfter(h))

	h.Set("Retry-After", time.Now().Add(90*time.Second).UTC().Format(http.TimeFormat))
	d := ParseRetryAfter(h)
	assert.Greater(t, d, 80*time.Second)
	assert.LessOrEqual(t, d, 90*time.Second)

	h.Set("Retry-After", "garbage")
	assert.Equal(t, time.Duration(0), ParseRetryAfter(h))

	// past dates yield no delay
	h.Set("Retry-After", time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat))
	assert.Equal(t, time.Duration(0), ParseRetryAfter(h))
}

func TestParseQuotaResetText(t *testing.T) {
	tests := []struct {
		name string
		body string
		want time.Duration
	}{
		{"full", `{"error":{"message":"Your quota will reset after 1h 2m 3s."}}`, time.Hour + 2*time.Minute + 3*time.Second},
		{"minutes only", `quota will reset after 10m`, 10 * time.Minute},
		{"seconds only", `quota will reset after 45s`, 45 * time.Second},
		{"no match", `rate limit exceeded`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseQuotaResetText([]byte(tt.body)))
		})
	}
}

func TestResetDelay(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "15")
	assert.Equal(t, 15*time.Second, ResetDelay(h, []byte(`quota will reset after 1h`)),
		"header wins over body")

	assert.Equal(t, time.Hour, ResetDelay(http.Header{}, []byte(`quota will reset after 1h`)))

	assert.Equal(t, DefaultCooldown, ResetDelay(http.Header{}, []byte(`nothing useful`)))
}
