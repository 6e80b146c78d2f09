package parser

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"chapterhub/pkg/models"
)

// Parser turns pasted chapter listings into candidates. Strategies are tried
// in order and the first one that matches a line wins; results of different
// strategies are never combined.
type Parser struct {
	Strategies []Strategy
}

// Result is the detailed output of a parse call.
type Result struct {
	Candidates []models.ParseCandidate `json:"candidates"`
	// Unmatched holds the 1-based line numbers of non-blank lines that no
	// strategy recognised. Those lines produce no candidate.
	Unmatched []int `json:"unmatched,omitempty"`
}

// Summary counts candidates per classification.
type Summary struct {
	Total     int `json:"total"`
	Valid     int `json:"valid"`
	Invalid   int `json:"invalid"`
	Duplicate int `json:"duplicate"`
}

// New returns a parser using the given strategies, or the default ones when
// none are supplied.
func New(strategies ...Strategy) *Parser {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	return &Parser{Strategies: strategies}
}

var defaultParser = New()

// Parse runs the default parser over text.
func Parse(text string) []models.ParseCandidate {
	return defaultParser.Parse(text)
}

func (p *Parser) Parse(text string) []models.ParseCandidate {
	return p.ParseDetailed(text).Candidates
}

// ParseDetailed parses text and also reports which lines were dropped.
// It never touches the network or any store and is deterministic.
func (p *Parser) ParseDetailed(text string) Result {
	res := Result{Candidates: []models.ParseCandidate{}}

	// number -> id of the first non-invalid candidate carrying it
	canonical := make(map[int]string)

	for i, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		lineNo := i + 1

		strategy, ext, ok := p.match(line)
		if !ok {
			res.Unmatched = append(res.Unmatched, lineNo)
			continue
		}

		c := models.ParseCandidate{
			ID:      fmt.Sprintf("c%d", len(res.Candidates)+1),
			Line:    lineNo,
			RawLine: line,
			Pattern: strategy.Name(),
			Title:   normalizeTitle(ext.Title),
			URL:     strings.TrimSpace(ext.URL),
		}
		c.Problems = validate(&c, ext.Number)

		switch {
		case len(c.Problems) > 0:
			c.Classification = models.CandidateInvalid
		case canonical[c.Number] != "":
			c.Classification = models.CandidateDuplicate
			c.DuplicateOf = canonical[c.Number]
		default:
			c.Classification = models.CandidateValid
			canonical[c.Number] = c.ID
		}

		res.Candidates = append(res.Candidates, c)
	}

	return res
}

func (p *Parser) match(line string) (Strategy, Extract, bool) {
	for _, s := range p.Strategies {
		if ext, ok := s.Match(line); ok {
			return s, ext, true
		}
	}
	return nil, Extract{}, false
}

// validate fills c.Number and returns the problems that make c invalid.
func validate(c *models.ParseCandidate, rawNumber string) []string {
	var problems []string

	n, err := strconv.Atoi(strings.TrimSpace(rawNumber))
	switch {
	case err != nil:
		problems = append(problems, fmt.Sprintf("chapter number %q out of range", rawNumber))
	case n <= 0:
		problems = append(problems, "chapter number must be > 0")
	default:
		c.Number = n
	}

	if c.Title == "" {
		problems = append(problems, "title missing")
	}
	if c.URL == "" {
		problems = append(problems, "url missing")
	} else if !models.ValidURL(c.URL) {
		problems = append(problems, fmt.Sprintf("malformed url %q", c.URL))
	}
	return problems
}

// normalizeTitle trims the title and puts it in Unicode NFC so the same
// title typed on different keyboards compares equal.
func normalizeTitle(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// Summarize counts candidates by classification.
func Summarize(cands []models.ParseCandidate) Summary {
	s := Summary{Total: len(cands)}
	for _, c := range cands {
		switch c.Classification {
		case models.CandidateValid:
			s.Valid++
		case models.CandidateInvalid:
			s.Invalid++
		case models.CandidateDuplicate:
			s.Duplicate++
		}
	}
	return s
}
