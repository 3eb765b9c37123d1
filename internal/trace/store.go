package trace

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/traceboard/traceboard/internal/query"
)

var ErrNotFound = errors.New("trace record not found")
var ErrNotImplemented = errors.New("trace store method not implemented")

// Store is the storage contract for the dashboard. ListTraces serves the
// summary tier (no input/output/metadata); GetTrace serves the detail tier.
type Store interface {
	WriteTrace(ctx context.Context, trace *Trace) error
	WriteBatch(ctx context.Context, traces []*Trace) error
	GetTrace(ctx context.Context, projectID, id string) (*Trace, error)
	CountTraces(ctx context.Context) (int64, error)
	ListTraces(ctx context.Context, q query.ListQuery) (*ListResult, error)
	FilterOptions(ctx context.Context, projectID string, from, to time.Time) (*FilterOptions, error)
	DeleteTraces(ctx context.Context, projectID string, ids []string) (int64, error)
	SetBookmark(ctx context.Context, projectID, id string, bookmarked bool) error
	SetTags(ctx context.Context, projectID, id string, tags []string) error
}

// ListResult is one page of summary records plus the filtered total, which
// drives the page count the grid shows.
type ListResult struct {
	Traces     []*Trace
	TotalCount int
}

// FilterOptions holds the dynamic option lists for filterable columns,
// loaded independently of the listing so the grid never waits on them.
type FilterOptions struct {
	Names        []FilterOption
	Tags         []FilterOption
	Levels       []FilterOption
	Environments []FilterOption
	Releases     []FilterOption
}

type FilterOption struct {
	Value string `json:"value"`
	Count int64  `json:"count,omitempty"`
}

func normalizeTrace(in *Trace) *Trace {
	row := *in
	now := time.Now().UTC()

	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.Timestamp.IsZero() {
		row.Timestamp = now
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = row.CreatedAt
	}
	// Timestamps are stored as text; mixed offsets would break both the
	// datetime column parsing and the lexicographic timestamp ordering.
	row.Timestamp = row.Timestamp.UTC()
	row.CreatedAt = row.CreatedAt.UTC()
	row.UpdatedAt = row.UpdatedAt.UTC()
	if row.ProjectID == "" {
		row.ProjectID = "default"
	}
	row.Level = ParseLevel(string(row.Level))
	if row.Tags == nil {
		row.Tags = []string{}
	}
	if row.Usage.TotalTokens == 0 {
		row.Usage.TotalTokens = row.Usage.PromptTokens + row.Usage.CompletionTokens
	}
	if row.Cost != nil && row.Cost.TotalUSD == 0 {
		cost := *row.Cost
		cost.TotalUSD = cost.InputUSD + cost.OutputUSD
		row.Cost = &cost
	}
	for i := range row.Scores {
		if row.Scores[i].ID == "" {
			row.Scores[i].ID = uuid.NewString()
		}
		if row.Scores[i].TraceID == "" {
			row.Scores[i].TraceID = row.ID
		}
		if row.Scores[i].Timestamp.IsZero() {
			row.Scores[i].Timestamp = now
		} else {
			row.Scores[i].Timestamp = row.Scores[i].Timestamp.UTC()
		}
	}

	return &row
}
