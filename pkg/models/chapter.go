package models

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/text/language"
)

type TranslationType string

const (
	TranslationOfficial TranslationType = "official"
	TranslationFan      TranslationType = "fan"
	TranslationMachine  TranslationType = "machine"
)

type ChapterStatus string

const (
	StatusPublished ChapterStatus = "published"
	StatusDraft     ChapterStatus = "draft"
	StatusArchived  ChapterStatus = "archived"
	StatusPending   ChapterStatus = "pending"
)

const DefaultLanguage = "en"

// ChapterRecord is a single chapter listing inside a manga catalog.
// Version starts at 1 and is bumped by every successful commit.
type ChapterRecord struct {
	ID              string          `json:"id"`
	MangaID         string          `json:"manga_id"`
	Number          int             `json:"number"`
	Title           string          `json:"title"`
	URL             string          `json:"url"`
	Language        string          `json:"language"`
	TranslationType TranslationType `json:"translation_type"`
	Status          ChapterStatus   `json:"status"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NewChapter is the input for inserting a record, either from an imported
// candidate or from manual entry.
type NewChapter struct {
	MangaID         string          `json:"manga_id"`
	Number          int             `json:"number"`
	Title           string          `json:"title"`
	URL             string          `json:"url"`
	Language        string          `json:"language,omitempty"`
	TranslationType TranslationType `json:"translation_type,omitempty"`
	Status          ChapterStatus   `json:"status,omitempty"`
}

// ChapterPatch carries the fields an editor changed. A nil field was not
// touched and keeps the stored value.
type ChapterPatch struct {
	Number          *int             `json:"number,omitempty"`
	Title           *string          `json:"title,omitempty"`
	URL             *string          `json:"url,omitempty"`
	Language        *string          `json:"language,omitempty"`
	TranslationType *TranslationType `json:"translation_type,omitempty"`
	Status          *ChapterStatus   `json:"status,omitempty"`
}

// Field names used in patches and conflict reports.
const (
	FieldNumber          = "number"
	FieldTitle           = "title"
	FieldURL             = "url"
	FieldLanguage        = "language"
	FieldTranslationType = "translation_type"
	FieldStatus          = "status"
)

// EditableFields lists the mutable fields in a stable order.
var EditableFields = []string{
	FieldNumber,
	FieldTitle,
	FieldURL,
	FieldLanguage,
	FieldTranslationType,
	FieldStatus,
}

// Record materialises a NewChapter with defaults applied. ID, Version and
// timestamps are left for the store to assign.
func (n NewChapter) Record() ChapterRecord {
	rec := ChapterRecord{
		MangaID:         strings.TrimSpace(n.MangaID),
		Number:          n.Number,
		Title:           strings.TrimSpace(n.Title),
		URL:             strings.TrimSpace(n.URL),
		Language:        strings.TrimSpace(n.Language),
		TranslationType: n.TranslationType,
		Status:          n.Status,
	}
	if rec.Language == "" {
		rec.Language = DefaultLanguage
	}
	if rec.TranslationType == "" {
		rec.TranslationType = TranslationOfficial
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	return rec
}

// Apply returns a copy of rec with every touched field of p written over it.
func (p ChapterPatch) Apply(rec ChapterRecord) ChapterRecord {
	if p.Number != nil {
		rec.Number = *p.Number
	}
	if p.Title != nil {
		rec.Title = strings.TrimSpace(*p.Title)
	}
	if p.URL != nil {
		rec.URL = strings.TrimSpace(*p.URL)
	}
	if p.Language != nil {
		rec.Language = strings.TrimSpace(*p.Language)
	}
	if p.TranslationType != nil {
		rec.TranslationType = *p.TranslationType
	}
	if p.Status != nil {
		rec.Status = *p.Status
	}
	return rec
}

// Touched reports the names of the fields set on p, in EditableFields order.
func (p ChapterPatch) Touched() []string {
	var out []string
	for _, f := range EditableFields {
		if _, ok := p.Value(f); ok {
			out = append(out, f)
		}
	}
	return out
}

// Value returns the patched value of field and whether it was touched.
func (p ChapterPatch) Value(field string) (any, bool) {
	switch field {
	case FieldNumber:
		if p.Number != nil {
			return *p.Number, true
		}
	case FieldTitle:
		if p.Title != nil {
			return strings.TrimSpace(*p.Title), true
		}
	case FieldURL:
		if p.URL != nil {
			return strings.TrimSpace(*p.URL), true
		}
	case FieldLanguage:
		if p.Language != nil {
			return strings.TrimSpace(*p.Language), true
		}
	case FieldTranslationType:
		if p.TranslationType != nil {
			return *p.TranslationType, true
		}
	case FieldStatus:
		if p.Status != nil {
			return *p.Status, true
		}
	}
	return nil, false
}

// FieldValue returns the stored value of a named field.
func (r ChapterRecord) FieldValue(field string) (any, bool) {
	switch field {
	case FieldNumber:
		return r.Number, true
	case FieldTitle:
		return r.Title, true
	case FieldURL:
		return r.URL, true
	case FieldLanguage:
		return r.Language, true
	case FieldTranslationType:
		return r.TranslationType, true
	case FieldStatus:
		return r.Status, true
	}
	return nil, false
}

// SetFrom copies the stored value of field from r into p.
func (p *ChapterPatch) SetFrom(r ChapterRecord, field string) error {
	switch field {
	case FieldNumber:
		v := r.Number
		p.Number = &v
	case FieldTitle:
		v := r.Title
		p.Title = &v
	case FieldURL:
		v := r.URL
		p.URL = &v
	case FieldLanguage:
		v := r.Language
		p.Language = &v
	case FieldTranslationType:
		v := r.TranslationType
		p.TranslationType = &v
	case FieldStatus:
		v := r.Status
		p.Status = &v
	default:
		return fmt.Errorf("unknown field %q", field)
	}
	return nil
}

// ValidationError lists every field problem found on a record.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid chapter: " + strings.Join(e.Problems, "; ")
}

// Validate reports every rule a stored record breaks.
func (r ChapterRecord) Validate() error {
	var problems []string
	if strings.TrimSpace(r.MangaID) == "" {
		problems = append(problems, "manga_id required")
	}
	if r.Number <= 0 {
		problems = append(problems, "number must be > 0")
	}
	if strings.TrimSpace(r.Title) == "" {
		problems = append(problems, "title required")
	}
	if !ValidURL(r.URL) {
		problems = append(problems, "url must be an absolute http(s) URL")
	}
	if _, err := language.Parse(r.Language); err != nil {
		problems = append(problems, fmt.Sprintf("language %q is not a BCP-47 tag", r.Language))
	}
	if !r.TranslationType.Valid() {
		problems = append(problems, "translation_type must be one of: official, fan, machine")
	}
	if !r.Status.Valid() {
		problems = append(problems, "status must be one of: published, draft, archived, pending")
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// ValidURL reports whether raw is a well-formed absolute http(s) URI with a host.
func ValidURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if !u.IsAbs() || u.Host == "" {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return true
	default:
		return false
	}
}

func (t TranslationType) Valid() bool {
	switch t {
	case TranslationOfficial, TranslationFan, TranslationMachine:
		return true
	}
	return false
}

func (s ChapterStatus) Valid() bool {
	switch s {
	case StatusPublished, StatusDraft, StatusArchived, StatusPending:
		return true
	}
	return false
}

// NormalizeTranslationType accepts the loose spellings editors type.
func NormalizeTranslationType(s string) TranslationType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "official", "licensed":
		return TranslationOfficial
	case "fan", "fan_translation", "scanlation":
		return TranslationFan
	case "machine", "mtl", "machine_translation":
		return TranslationMachine
	default:
		return ""
	}
}

func NormalizeStatus(s string) ChapterStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "published":
		return StatusPublished
	case "draft":
		return StatusDraft
	case "archived", "archive":
		return StatusArchived
	case "pending":
		return StatusPending
	default:
		return ""
	}
}
