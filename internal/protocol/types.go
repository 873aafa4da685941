package protocol

import "fmt"

// Version identifies the HTTP protocol version reported by the helper.
type Version struct {
	Major    int `json:"Major"`
	Minor    int `json:"Minor"`
	Revision int `json:"Revision"`
}

// String renders the version as major.minor.revision.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Revision)
}

// Response is the structured document the helper process emits on stdout
// after a successful transfer. Body is transported base64-encoded and
// decoded by encoding/json into raw bytes.
type Response struct {
	Headers           map[string]string `json:"Headers"`
	ContentLength     int64             `json:"ContentLength"`
	ContentType       string            `json:"ContentType"`
	ContentEncoding   string            `json:"ContentEncoding"`
	StatusCode        int               `json:"StatusCode"`
	StatusDescription string            `json:"StatusDescription"`
	Method            string            `json:"Method"`
	ResponseURI       string            `json:"ResponseUri"`
	ProtocolVersion   Version           `json:"ProtocolVersion"`
	Body              []byte            `json:"Body"`
}

// ReadAsBytes returns the response body. A zero ContentLength yields an
// empty slice, never nil.
func (r *Response) ReadAsBytes() []byte {
	if r.ContentLength == 0 || len(r.Body) == 0 {
		return []byte{}
	}
	return r.Body
}

// ReadAsString returns the response body as text.
func (r *Response) ReadAsString() string {
	return string(r.ReadAsBytes())
}

// Header returns a response header by name. Duplicate header names are
// already joined with ";" by the helper; lookup is exact-match on the
// name the helper reported.
func (r *Response) Header(name string) (string, bool) {
	v, ok := r.Headers[name]
	return v, ok
}
