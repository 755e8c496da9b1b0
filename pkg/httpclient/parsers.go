// Copyright 2025 The Antigravity Gateway Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpclient

import (
	"net/http"
	"regexp"
	"strconv"
	"time"
)

// DefaultCooldown is used when no reset time can be parsed from a 429.
const DefaultCooldown = 60 * time.Second

// quotaResetRe matches the vendor body text "quota will reset after 1h 2m 3s"
// with each unit optional.
var quotaResetRe = regexp.MustCompile(`quota will reset after\s*(?:(\d+)h)?\s*(?:(\d+)m)?\s*(?:(\d+)s)?`)

// ParseRetryAfter parses the Retry-After header as either delay-seconds or
// an HTTP date. Returns 0 when absent or unparseable.
func ParseRetryAfter(headers http.Header) time.Duration {
	retryAfter := headers.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(retryAfter); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}

// ParseQuotaResetText extracts a reset delay from a vendor error body.
// Returns 0 when the body carries no recognizable reset phrase.
func ParseQuotaResetText(body []byte) time.Duration {
	m := quotaResetRe.FindSubmatch(body)
	if m == nil {
		return 0
	}
	var total time.Duration
	if len(m[1]) > 0 {
		h, _ := strconv.Atoi(string(m[1]))
		total += time.Duration(h) * time.Hour
	}
	if len(m[2]) > 0 {
		min, _ := strconv.Atoi(string(m[2]))
		total += time.Duration(min) * time.Minute
	}
	if len(m[3]) > 0 {
		s, _ := strconv.Atoi(string(m[3]))
		total += time.Duration(s) * time.Second
	}
	return total
}

// ResetDelay resolves the cooldown for a rate-limited response: Retry-After
// header first, then the vendor body text, then DefaultCooldown.
func ResetDelay(headers http.Header, body []byte) time.Duration {
	if d := ParseRetryAfter(headers); d > 0 {
		return d
	}
	if d := ParseQuotaResetText(body); d > 0 {
		return d
	}
	return DefaultCooldown
}
