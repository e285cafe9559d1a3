package api

// CheckRequest asks for one admission decision. Identifier is optional;
// when empty, the gateway resolves it from the request headers.
type CheckRequest struct {
	Identifier  string `json:"identifier"`
	LimitType   string `json:"limitType"`
	Endpoint    string `json:"endpoint"`
	APIProvider string `json:"apiProvider"`
}

type CheckResponse struct {
	Allowed    bool   `json:"allowed"`
	Remaining  int64  `json:"remaining"`
	ResetTime  int64  `json:"resetTime,omitempty"`
	RetryAfter int64  `json:"retryAfter,omitempty"`
	Limit      int64  `json:"limit,omitempty"`
	Window     int64  `json:"window,omitempty"`
	Rule       string `json:"rule,omitempty"`
	Reason     string `json:"reason"`
}

// ReleaseRequest frees a concurrency slot acquired by an allowed check.
type ReleaseRequest struct {
	Identifier string `json:"identifier"`
	Rule       string `json:"rule"`
}

// MetricsRequest is the external metrics-collector push payload.
type MetricsRequest struct {
	CPUUsage        float64 `json:"cpuUsage"`
	MemoryUsage     float64 `json:"memoryUsage"`
	RequestRate     float64 `json:"requestRate"`
	ErrorRate       float64 `json:"errorRate"`
	P95ResponseTime float64 `json:"p95ResponseTime"` // milliseconds
	Timestamp       int64   `json:"timestamp"`       // unix seconds, 0 = now
}

type AssignRequest struct {
	Identifier string `json:"identifier"`
}

type ImportResponse struct {
	Imported int `json:"imported"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
