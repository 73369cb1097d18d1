// Package fetch builds outgoing requests from defaults and per-call
// settings, and fetches resource states through the short cache.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// Init holds request settings. Zero fields are unset.
type Init struct {
	Method string
	Header http.Header
	Body   []byte
}

// NewRequest creates a request for rawURL. Settings in init override the
// ones in defaults; headers are merged, init winning per header name.
func NewRequest(ctx context.Context, rawURL string, init, defaults *Init) (*http.Request, error) {
	method, body := pick(init, defaults)
	if method == "" {
		method = http.MethodGet
	}

	requ, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", rawURL, err)
	}
	requ.Header = MergeHeaders(headerOf(defaults), headerOf(init))
	return requ, nil
}

// RebuildRequest creates a new request from base. Headers are merged in the
// order defaults, base, init.
func RebuildRequest(ctx context.Context, base *http.Request, init, defaults *Init) (*http.Request, error) {
	method, body := pick(init, defaults)
	if method == "" {
		method = base.Method
	}

	var reader io.Reader
	switch {
	case body != nil:
		reader = bodyReader(body)
	case base.GetBody != nil:
		rc, err := base.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to copy request body: %w", err)
		}
		reader = rc
	case base.Body != nil && base.Body != http.NoBody:
		reader = base.Body
	}

	requ, err := http.NewRequestWithContext(ctx, method, base.URL.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild request for %s: %w", base.URL, err)
	}
	requ.Header = MergeHeaders(headerOf(defaults), base.Header, headerOf(init))
	return requ, nil
}

// MergeHeaders merges header sets into a new header. When a name appears in
// several sets, the values of the last set replace the earlier ones. Nil
// sets are skipped.
func MergeHeaders(sets ...http.Header) http.Header {
	result := http.Header{}
	for _, set := range sets {
		for key, values := range set {
			if len(values) == 0 {
				continue
			}
			result[http.CanonicalHeaderKey(key)] = append([]string(nil), values...)
		}
	}
	return result
}

func pick(init, defaults *Init) (string, []byte) {
	var method string
	var body []byte
	for _, in := range []*Init{defaults, init} {
		if in == nil {
			continue
		}
		if in.Method != "" {
			method = in.Method
		}
		if in.Body != nil {
			body = in.Body
		}
	}
	return method, body
}

func headerOf(in *Init) http.Header {
	if in == nil {
		return nil
	}
	return in.Header
}

func bodyReader(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return bytes.NewReader(body)
}
