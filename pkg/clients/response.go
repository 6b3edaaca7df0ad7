package clients

import (
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/ajitpratap0/erpconnect/pkg/json"
)

// RequestInfo identifies the request behind a Response.
type RequestInfo struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// Response is a normalized HTTP response. Data holds the decoded JSON value
// for JSON content types and the body text otherwise.
type Response struct {
	Data       interface{}   `json:"data"`
	Body       []byte        `json:"-"`
	Status     int           `json:"status"`
	StatusText string        `json:"status_text"`
	Headers    http.Header   `json:"headers"`
	Request    RequestInfo   `json:"request"`
	Duration   time.Duration `json:"duration"`
	// Attempts is how many tries the retry strategy used
	Attempts int `json:"attempts"`
}

func newResponse(hresp *http.Response, body []byte, method, target string, elapsed time.Duration) *Response {
	resp := &Response{
		Body:       body,
		Status:     hresp.StatusCode,
		StatusText: statusText(hresp),
		Headers:    hresp.Header,
		Request:    RequestInfo{Method: method, URL: target},
		Duration:   elapsed,
	}

	if len(body) == 0 {
		return resp
	}
	if resp.IsJSON() {
		var data interface{}
		if err := json.Unmarshal(body, &data); err == nil {
			resp.Data = data
			return resp
		}
	}
	resp.Data = string(body)
	return resp
}

// IsJSON reports whether the response declares a JSON content type.
func (r *Response) IsJSON() bool {
	mt, _, err := mime.ParseMediaType(r.Headers.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// Decode unmarshals the raw body into v.
func (r *Response) Decode(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// Object returns Data as a JSON object, or nil when it is not one.
func (r *Response) Object() map[string]interface{} {
	m, _ := r.Data.(map[string]interface{})
	return m
}

func statusText(hresp *http.Response) string {
	// Status is "200 OK"; servers may send a custom reason phrase.
	if _, text, ok := strings.Cut(hresp.Status, " "); ok && text != "" {
		return text
	}
	return http.StatusText(hresp.StatusCode)
}
