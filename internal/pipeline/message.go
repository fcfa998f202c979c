package pipeline

import (
	"encoding/json"
	"net/http"
)

// Request is the unit of work flowing through a chain. The engine treats
// Body as opaque bytes; Method, Path, Query and Header exist only for cache
// keying and routing decisions by the host.
type Request struct {
	// ID identifies the request and its transaction. Empty IDs are
	// assigned by the chain.
	ID string

	Method string
	Path   string
	Query  map[string][]string
	Header map[string][]string
	Body   []byte
}

// HeaderValue returns the first value of a request header.
func (r *Request) HeaderValue(name string) string {
	if r.Header == nil {
		return ""
	}
	values := r.Header[name]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Response is a step's output. Fallback marks synthetic degraded responses;
// NoStore excludes the response from caching.
type Response struct {
	Status   int
	Header   map[string]string
	Body     []byte
	Fallback bool
	NoStore  bool
}

// IsSuccess reports whether the status is in the 2xx range.
func (r *Response) IsSuccess() bool {
	return r.Status >= 200 && r.Status < 300
}

// fallbackBody is the wire shape of a synthetic degraded response body.
type fallbackBody struct {
	Fallback bool   `json:"fallback"`
	Step     string `json:"step"`
	Message  string `json:"message"`
}

// NewFallbackResponse builds the synthetic degraded response substituted
// when a step's recovery degrades to fallback. It is always well-formed.
func NewFallbackResponse(step string, err error) *Response {
	body := fallbackBody{
		Fallback: true,
		Step:     step,
		Message:  "service degraded",
	}
	data, _ := json.Marshal(body)

	return &Response{
		Status:   http.StatusServiceUnavailable,
		Header:   map[string]string{"Content-Type": "application/json"},
		Body:     data,
		Fallback: true,
		NoStore:  true,
	}
}

// FallbackFactory adapts NewFallbackResponse to the recovery manager's
// fallback hook.
func FallbackFactory(step string, err error) interface{} {
	return NewFallbackResponse(step, err)
}
