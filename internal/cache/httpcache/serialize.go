package httpcache

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
)

const prefix = "---HTTP-RESPONSE---\n"

// Serialize dumps resp in wire format behind a marker prefix. The response
// body stays readable afterwards.
func Serialize(resp *http.Response) ([]byte, error) {
	b, err := httputil.DumpResponse(resp, true)
	if err != nil {
		return nil, err
	}

	return append([]byte(prefix), b...), nil
}

// Deserialize parses data written by Serialize. The returned body is fully
// buffered.
func Deserialize(b []byte) (*http.Response, error) {
	if !bytes.HasPrefix(b, []byte(prefix)) {
		n := min(len(b), len(prefix))
		return nil, fmt.Errorf("invalid prefix: expected %q, got %q", prefix, b[:n])
	}

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b[len(prefix):])), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize response: %w", err)
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read cached body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	return resp, nil
}
