package streaming

import "strings"

// Citation is one retrieval source attached to generated output.
type Citation struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// CitationSet deduplicates citations and search queries within one turn.
type CitationSet struct {
	urls    map[string]struct{}
	queries map[string]struct{}
	all     []Citation
}

// NewCitationSet returns an empty set.
func NewCitationSet() *CitationSet {
	return &CitationSet{urls: make(map[string]struct{}), queries: make(map[string]struct{})}
}

// NormalizeURL upgrades plain http to https. Other schemes are left alone.
func NormalizeURL(raw string) string {
	u := strings.TrimSpace(raw)
	if len(u) >= 7 && strings.EqualFold(u[:7], "http://") {
		return "https://" + u[7:]
	}
	return u
}

// Admit normalizes incoming citations and returns only those whose URL has not
// been seen this turn, in input order. Empty URLs are dropped.
func (s *CitationSet) Admit(in []Citation) []Citation {
	var fresh []Citation
	for _, c := range in {
		c.URL = NormalizeURL(c.URL)
		if c.URL == "" {
			continue
		}
		if _, seen := s.urls[c.URL]; seen {
			continue
		}
		s.urls[c.URL] = struct{}{}
		fresh = append(fresh, c)
	}
	s.all = append(s.all, fresh...)
	return fresh
}

// AdmitQueries returns the search queries not seen before this turn.
func (s *CitationSet) AdmitQueries(in []string) []string {
	var fresh []string
	for _, q := range in {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		if _, seen := s.queries[q]; seen {
			continue
		}
		s.queries[q] = struct{}{}
		fresh = append(fresh, q)
	}
	return fresh
}

// All returns every admitted citation in emission order.
func (s *CitationSet) All() []Citation {
	out := make([]Citation, len(s.all))
	copy(out, s.all)
	return out
}
