package reliability

import "time"

// IsRetryableHTTPStatus reports whether a vendor HTTP status is worth retrying.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableRealtimeMessageType classifies ElevenLabs realtime error
// message types. Auth, quota and input errors repeat on a new session.
func IsRetryableRealtimeMessageType(messageType string) bool {
	switch messageType {
	case "rate_limited", "resource_exhausted", "queue_overflow", "session_time_limit_exceeded", "transcriber_error", "error":
		return true
	default:
		return false
	}
}

// IsRetryableNLSStatus classifies Aliyun NLS TaskFailed status codes.
func IsRetryableNLSStatus(status int) bool {
	switch status {
	case 40000001, // token expired or invalid; a new token source call refreshes it
		40000004, // idle timeout
		40000005, // too many requests
		40270002: // no valid audio, the next utterance may succeed
		return true
	}
	return status >= 50000000 && status < 60000000
}

// ExponentialBackoff doubles base once per attempt and caps the result.
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
