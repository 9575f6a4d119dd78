package reliability

import (
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// IsRetryableApplyStatus reports whether a commit failure signals contention
// rather than a terminal error.
func IsRetryableApplyStatus(code int) bool {
	switch code {
	case http.StatusConflict, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	default:
		return false
	}
}

// IsFatalPollStatus reports whether a status poll failure ends tracking.
func IsFatalPollStatus(code int) bool {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped doubling backoff.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// GrowthBackoff computes base*factor^attempt, capped.
func GrowthBackoff(attempt int, base time.Duration, factor float64, cap time.Duration) time.Duration {
	if attempt <= 0 || factor <= 1 {
		return minDuration(base, cap)
	}
	d := float64(base) * math.Pow(factor, float64(attempt))
	if d >= float64(cap) {
		return cap
	}
	return time.Duration(math.Round(d))
}

// WithJitter adds up to half of d on top of d and caps the result. The floor
// stays d so callers can reason about minimum elapsed time.
func WithJitter(d, cap time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	if half := int64(d / 2); half > 0 {
		d += time.Duration(rand.Int63n(half))
	}
	return minDuration(d, cap)
}

// ParseRetryAfter reads a Retry-After header in either delta-seconds or
// HTTP-date form.
func ParseRetryAfter(raw string, now time.Time) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		switch {
		case math.IsNaN(secs) || secs < 0:
			return 0, false
		case secs*float64(time.Second) >= math.MaxInt64:
			// Oversized hints saturate so BoundRetryAfter can cap them.
			return time.Duration(math.MaxInt64), true
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if at, err := http.ParseTime(raw); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// BoundRetryAfter caps a server hint.
func BoundRetryAfter(hint, cap time.Duration) time.Duration {
	if hint < 0 {
		return 0
	}
	return minDuration(hint, cap)
}

func minDuration(a, b time.Duration) time.Duration {
	if b > 0 && a > b {
		return b
	}
	return a
}
