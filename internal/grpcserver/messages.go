package grpcserver

import (
	"chapterhub/internal/conflict"
	"chapterhub/internal/parser"
	"chapterhub/pkg/models"
)

type ParseRequest struct {
	Text string `json:"text"`
}

type ParseResponse struct {
	Candidates []models.ParseCandidate `json:"candidates"`
	Unmatched  []int                   `json:"unmatched,omitempty"`
	Summary    parser.Summary          `json:"summary"`
}

type GetRequest struct {
	ID string `json:"id"`
}

type GetResponse struct {
	Record models.ChapterRecord `json:"record"`
	Lease  *models.Lease        `json:"lease,omitempty"`
}

type AcquireRequest struct {
	ID         string `json:"id"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

type LeaseRequest struct {
	ID string `json:"id"`
}

type LeaseResponse struct {
	Lease models.Lease `json:"lease"`
}

type ReleaseResponse struct{}

type CommitRequest struct {
	ID          string              `json:"id"`
	BaseVersion int64               `json:"base_version"`
	Changes     models.ChapterPatch `json:"changes"`
}

type ResolveRequest struct {
	Report     *conflict.ConflictReport   `json:"report"`
	Resolution map[string]conflict.Choice `json:"resolution"`
}

type OutcomeResponse struct {
	Outcome conflict.Outcome `json:"outcome"`
}
