package ai

// UpstreamError reports a failed upstream call. StatusCode is the HTTP status
// the upstream responded with, or 0 when the failure happened before a
// response (network error, bad payload).
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "upstream request failed"
}
