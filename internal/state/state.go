// Package state holds the in-memory representation of a fetched resource:
// its URI, body, response headers and the links it advertises.
package state

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
)

// State is a snapshot of a resource at the time it was fetched
type State struct {
	URI       string
	Body      []byte
	Header    http.Header
	Links     *Links
	// Variant names the representation of URI held in Body when the
	// resource has several (see httpcache.Variant). Empty otherwise.
	Variant   string
	Timestamp time.Time
}

// New creates a state. Nil header and links are replaced by empty ones.
func New(uri string, body []byte, header http.Header, links *Links) *State {
	if header == nil {
		header = http.Header{}
	}
	if links == nil {
		links = NewLinks()
	}
	return &State{
		URI:       uri,
		Body:      body,
		Header:    header,
		Links:     links,
		Timestamp: time.Now(),
	}
}

// Key identifies the resource in caches
func (s *State) Key() string {
	return s.URI
}

// Clone returns a deep copy sharing no mutable data with s
func (s *State) Clone() *State {
	return &State{
		URI:       s.URI,
		Body:      bytes.Clone(s.Body),
		Header:    s.Header.Clone(),
		Links:     s.Links.Clone(),
		Variant:   s.Variant,
		Timestamp: s.Timestamp,
	}
}

// Equal compares by value. Timestamp is ignored.
func (s *State) Equal(other *State) bool {
	if s == nil || other == nil {
		return s == other
	}
	if s.URI != other.URI || s.Variant != other.Variant || !bytes.Equal(s.Body, other.Body) {
		return false
	}
	if !headersEqual(s.Header, other.Header) {
		return false
	}
	return s.Links.Equal(other.Links)
}

func (s *State) ContentType() string {
	return s.Header.Get("Content-Type")
}

// Response rebuilds a 200 response carrying the state's headers and body
func (s *State) Response(req *http.Request) *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(bytes.Clone(s.Body))),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// FromResponse reads resp into a state. The response body is consumed and
// replaced with an in-memory copy, so the caller can still forward it.
func FromResponse(uri string, resp *http.Response) (*State, error) {
	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(resp.Body)
		if closeErr := resp.Body.Close(); err == nil && closeErr != nil {
			err = closeErr
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
	}

	base, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid resource URI %q: %w", uri, err)
	}

	links := NewLinks(ParseLinkHeader(resp.Header.Values("Link"), base)...)
	if isHTML(resp.Header.Get("Content-Type")) {
		for _, link := range parseHTMLLinks(body, base) {
			links.Add(link)
		}
	}

	return New(uri, body, resp.Header.Clone(), links), nil
}

func isHTML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// parseHTMLLinks collects <link rel> and <a rel> elements
func parseHTMLLinks(body []byte, base *url.URL) []Link {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		logrus.Debugf("Failed to parse HTML links of %s: %v", base, err)
		return nil
	}

	var out []Link
	doc.Find("link[rel][href], a[rel][href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		rels, _ := sel.Attr("rel")
		title, _ := sel.Attr("title")
		typ, _ := sel.Attr("type")
		for _, rel := range strings.Fields(rels) {
			out = append(out, Link{
				Rel:   strings.ToLower(rel),
				Href:  resolve(base, strings.TrimSpace(href)),
				Title: title,
				Type:  typ,
			})
		}
	})
	return out
}

func headersEqual(a, b http.Header) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
	}
	return true
}
