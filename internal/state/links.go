package state

import (
	"net/url"
	"strings"
)

// Link is a typed relation from a resource to another URI
type Link struct {
	Rel   string `json:"rel"`
	Href  string `json:"href"`
	Title string `json:"title,omitempty"`
	Type  string `json:"type,omitempty"`
}

// Links is an ordered collection of links. Relation names are compared
// case-insensitively.
type Links struct {
	items []Link
}

func NewLinks(links ...Link) *Links {
	l := &Links{}
	for _, link := range links {
		l.Add(link)
	}
	return l
}

// Add appends a link. Duplicates (same rel and href) are ignored.
func (l *Links) Add(link Link) {
	link.Rel = strings.ToLower(link.Rel)
	for _, existing := range l.items {
		if existing.Rel == link.Rel && existing.Href == link.Href {
			return
		}
	}
	l.items = append(l.items, link)
}

// Get returns the first link with the given relation
func (l *Links) Get(rel string) (Link, bool) {
	rel = strings.ToLower(rel)
	for _, link := range l.items {
		if link.Rel == rel {
			return link, true
		}
	}
	return Link{}, false
}

func (l *Links) GetMany(rel string) []Link {
	rel = strings.ToLower(rel)
	var out []Link
	for _, link := range l.items {
		if link.Rel == rel {
			out = append(out, link)
		}
	}
	return out
}

func (l *Links) Has(rel string) bool {
	_, ok := l.Get(rel)
	return ok
}

// Delete removes every link with the given relation
func (l *Links) Delete(rel string) {
	rel = strings.ToLower(rel)
	kept := l.items[:0]
	for _, link := range l.items {
		if link.Rel != rel {
			kept = append(kept, link)
		}
	}
	// Zero the tail so dropped links are not retained
	for i := len(kept); i < len(l.items); i++ {
		l.items[i] = Link{}
	}
	l.items = kept
}

// All returns a copy of every link, in insertion order
func (l *Links) All() []Link {
	out := make([]Link, len(l.items))
	copy(out, l.items)
	return out
}

func (l *Links) Len() int {
	if l == nil {
		return 0
	}
	return len(l.items)
}

func (l *Links) Clone() *Links {
	if l == nil {
		return nil
	}
	c := &Links{}
	if l.items != nil {
		c.items = make([]Link, len(l.items))
		copy(c.items, l.items)
	}
	return c
}

func (l *Links) Equal(other *Links) bool {
	if l.Len() != other.Len() {
		return false
	}
	for i := 0; i < l.Len(); i++ {
		if l.items[i] != other.items[i] {
			return false
		}
	}
	return true
}

// ParseLinkHeader parses RFC 8288 Link header values. Relative targets are
// resolved against base when it is not nil.
func ParseLinkHeader(values []string, base *url.URL) []Link {
	var out []Link
	for _, value := range values {
		for _, part := range splitUnquoted(value, ',') {
			part = strings.TrimSpace(part)
			if !strings.HasPrefix(part, "<") {
				continue
			}
			end := strings.Index(part, ">")
			if end < 0 {
				continue
			}
			href := resolve(base, strings.TrimSpace(part[1:end]))

			params := map[string]string{}
			for _, p := range splitUnquoted(part[end+1:], ';') {
				name, val, ok := strings.Cut(strings.TrimSpace(p), "=")
				if !ok {
					continue
				}
				params[strings.ToLower(strings.TrimSpace(name))] = strings.Trim(strings.TrimSpace(val), `"`)
			}

			// rel may hold several space-separated relation types
			for _, rel := range strings.Fields(params["rel"]) {
				out = append(out, Link{
					Rel:   strings.ToLower(rel),
					Href:  href,
					Title: params["title"],
					Type:  params["type"],
				})
			}
		}
	}
	return out
}

// splitUnquoted splits value on sep outside of <...> and quoted strings
func splitUnquoted(value string, sep rune) []string {
	var parts []string
	inURI, inQuote := false, false
	start := 0
	for i, r := range value {
		switch {
		case r == '<' && !inQuote:
			inURI = true
		case r == '>' && !inQuote:
			inURI = false
		case r == '"' && !inURI:
			inQuote = !inQuote
		case r == sep && !inURI && !inQuote:
			parts = append(parts, value[start:i])
			start = i + 1
		}
	}
	return append(parts, value[start:])
}

func resolve(base *url.URL, href string) string {
	if base == nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
