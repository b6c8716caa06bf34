package protocol

import "time"

// Hook names understood by subprocess plugins.
const (
	HookInit     = "init"
	HookShutdown = "shutdown"
	HookHealth   = "health"
	HookBefore   = "before_request"
	HookAfter    = "after_response"
)

// Request is the protocol v1 envelope sent to a plugin process via stdin,
// one envelope per hook invocation.
type Request struct {
	Protocol   int            `json:"protocol"`
	CallID     string         `json:"call_id"`
	Hook       string         `json:"hook"`
	Config     map[string]any `json:"config,omitempty"`
	Request    *HTTPRequest   `json:"request,omitempty"`  // only for before_request
	Response   *HTTPResponse  `json:"response,omitempty"` // only for after_response
	DeadlineAt time.Time      `json:"deadline_at"`
}

// Response is the envelope a plugin process writes to stdout.
type Response struct {
	Status   string        `json:"status"` // ok | error
	Error    string        `json:"error,omitempty"`
	Health   string        `json:"health,omitempty"` // healthy | degraded | unhealthy, for hook=health
	Request  *HTTPRequest  `json:"request,omitempty"`
	Response *HTTPResponse `json:"response,omitempty"`
	Logs     []LogEntry    `json:"logs,omitempty"`
}

// HTTPRequest is the mutable request view passed through before-hooks.
// A plugin may rewrite headers, metadata, or the body; omitting the request
// from its response leaves the host's copy untouched.
type HTTPRequest struct {
	Method   string            `json:"method"`
	Path     string            `json:"path"`
	Query    string            `json:"query,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     []byte            `json:"body,omitempty"`
	ClientIP string            `json:"client_ip,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// HTTPResponse is the mutable response view passed through after-hooks.
type HTTPResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
}

// LogEntry represents a log message from a plugin.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}

// Clone returns a deep copy of the request.
func (r *HTTPRequest) Clone() *HTTPRequest {
	if r == nil {
		return nil
	}
	out := *r
	out.Headers = cloneStringMap(r.Headers)
	out.Meta = cloneStringMap(r.Meta)
	out.Body = append([]byte(nil), r.Body...)
	return &out
}

// Clone returns a deep copy of the response.
func (r *HTTPResponse) Clone() *HTTPResponse {
	if r == nil {
		return nil
	}
	out := *r
	out.Headers = cloneStringMap(r.Headers)
	out.Body = append([]byte(nil), r.Body...)
	return &out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
