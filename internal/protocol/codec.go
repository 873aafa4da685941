package protocol

import (
	"encoding/json"
	"fmt"
)

// DecodeBytes deserializes a helper response document from raw stdout bytes.
// Empty input is an error; callers fall back to stderr text in that case.
func DecodeBytes(data []byte) (*Response, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("helper produced no output on stdout")
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("helper output is not a valid response document: %w", err)
	}

	// Validate required fields
	if resp.StatusCode == 0 {
		return nil, fmt.Errorf("response document missing required field: StatusCode")
	}

	// ContentLength is derived: documents may omit it (or carry a
	// negative placeholder), and the decoded body length is authoritative.
	// An explicit zero with an empty body stays an empty response.
	if resp.ContentLength <= 0 {
		resp.ContentLength = int64(len(resp.Body))
	}
	if resp.Headers == nil {
		resp.Headers = map[string]string{}
	}

	return &resp, nil
}

// StatusLine renders a short status summary for logs and plain-text callbacks.
func StatusLine(resp *Response) string {
	if resp.StatusDescription == "" {
		return fmt.Sprintf("%d", resp.StatusCode)
	}
	return fmt.Sprintf("%d %s", resp.StatusCode, resp.StatusDescription)
}
