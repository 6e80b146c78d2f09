package models

type Classification string

const (
	CandidateValid     Classification = "valid"
	CandidateInvalid   Classification = "invalid"
	CandidateDuplicate Classification = "duplicate"
)

// ParseCandidate is one structured guess extracted from a single line of a
// pasted chapter listing. It is never stored directly.
type ParseCandidate struct {
	ID             string         `json:"id"`   // transient, stable within one parse call
	Line           int            `json:"line"` // 1-based line in the input text
	RawLine        string         `json:"raw_line"`
	Pattern        string         `json:"pattern"`
	Number         int            `json:"number"`
	Title          string         `json:"title"`
	URL            string         `json:"url"`
	Classification Classification `json:"classification"`
	DuplicateOf    string         `json:"duplicate_of,omitempty"`
	Problems       []string       `json:"problems,omitempty"`
}
