package parser

import "regexp"

// Strategy recognises one listing format. Implementations must be pure.
type Strategy interface {
	Name() string
	Match(line string) (Extract, bool)
}

// Extract holds the raw pieces a strategy pulled out of a line.
type Extract struct {
	Number string
	Title  string
	URL    string
}

// RegexStrategy matches a line against a pattern with named groups
// "number", "title" and "url".
type RegexStrategy struct {
	name string
	re   *regexp.Regexp
}

func NewRegexStrategy(name, pattern string) *RegexStrategy {
	return &RegexStrategy{name: name, re: regexp.MustCompile(pattern)}
}

func (s *RegexStrategy) Name() string { return s.name }

func (s *RegexStrategy) Match(line string) (Extract, bool) {
	m := s.re.FindStringSubmatch(line)
	if m == nil {
		return Extract{}, false
	}
	var ext Extract
	for i, group := range s.re.SubexpNames() {
		switch group {
		case "number":
			ext.Number = m[i]
		case "title":
			ext.Title = m[i]
		case "url":
			ext.URL = m[i]
		}
	}
	return ext, true
}

// Listing formats, in priority order.
const (
	PatternChapterColon = "chapter_colon" // Chapter 12: Title - https://...
	PatternNumberDot    = "number_dot"    // 12. Title | https://...
	PatternChDash       = "ch_dash"       // Ch.12 - Title (https://...)
	PatternBracket      = "bracket"       // [12] Title: https://...
)

// DefaultStrategies returns the built-in formats in priority order.
func DefaultStrategies() []Strategy {
	return []Strategy{
		NewRegexStrategy(PatternChapterColon,
			`(?i)^chapter\s*(?P<number>\d+)\s*:\s*(?P<title>.+?)\s+-\s+(?P<url>\S+)$`),
		NewRegexStrategy(PatternNumberDot,
			`^(?P<number>\d+)\.\s*(?P<title>.+?)\s*\|\s*(?P<url>\S+)$`),
		NewRegexStrategy(PatternChDash,
			`(?i)^ch\.?\s*(?P<number>\d+)\s*-\s*(?P<title>.+?)\s*\((?P<url>[^()\s]+)\)$`),
		NewRegexStrategy(PatternBracket,
			`^\[(?P<number>\d+)\]\s*(?P<title>.+?)\s*:\s+(?P<url>\S+)$`),
	}
}
