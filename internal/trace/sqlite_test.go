package trace

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/traceboard/traceboard/internal/query"
)

func newSQLiteTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "traceboard.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func seedTrace(t *testing.T, store *SQLiteStore, trace *Trace) {
	t.Helper()
	if err := store.WriteTrace(context.Background(), trace); err != nil {
		t.Fatalf("WriteTrace(%q) error: %v", trace.ID, err)
	}
}

func listQuery(projectID string, filters query.Filters) query.ListQuery {
	return query.ListQuery{
		ProjectID: projectID,
		Filters:   filters,
		Page:      query.Pagination{PageIndex: 0, PageSize: 50},
	}
}

func TestSQLiteGetTraceReturnsDetailTier(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	latency := 812.5
	seedTrace(t, store, &Trace{
		ID:        "trace-1",
		ProjectID: "proj",
		Timestamp: time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC),
		Name:      "rag-pipeline",
		UserID:    "user-1",
		LatencyMS: &latency,
		Tags:      []string{"prod", "rag"},
		Scores:    []Score{{Name: "relevance", Value: 0.92}},
		Usage:     Usage{PromptTokens: 100, CompletionTokens: 50},
		Input:     `{"question":"what is WAL"}`,
		Output:    `{"answer":"write-ahead log"}`,
		Metadata:  `{"pipeline":"v3"}`,
	})

	got, err := store.GetTrace(context.Background(), "proj", "trace-1")
	if err != nil {
		t.Fatalf("GetTrace() error: %v", err)
	}
	if got.Input == "" || got.Output == "" || got.Metadata == "" {
		t.Fatalf("detail payloads missing: input=%q output=%q metadata=%q", got.Input, got.Output, got.Metadata)
	}
	if got.LatencyMS == nil || *got.LatencyMS != latency {
		t.Fatalf("LatencyMS = %v, want %v", got.LatencyMS, latency)
	}
	if got.Usage.TotalTokens != 150 {
		t.Fatalf("TotalTokens = %d, want derived 150", got.Usage.TotalTokens)
	}
	if len(got.Scores) != 1 || got.Scores[0].Name != "relevance" {
		t.Fatalf("Scores = %+v, want relevance score", got.Scores)
	}

	if _, err := store.GetTrace(context.Background(), "proj", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTrace(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := store.GetTrace(context.Background(), "other-project", "trace-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTrace(wrong project) error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteListTracesExcludesDetailPayloads(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	seedTrace(t, store, &Trace{
		ID:        "trace-1",
		ProjectID: "proj",
		Timestamp: time.Now().UTC(),
		Input:     "large input payload",
		Output:    "large output payload",
		Metadata:  "large metadata payload",
		Scores:    []Score{{Name: "accuracy", Value: 1}},
	})

	result, err := store.ListTraces(context.Background(), listQuery("proj", nil))
	if err != nil {
		t.Fatalf("ListTraces() error: %v", err)
	}
	if len(result.Traces) != 1 {
		t.Fatalf("ListTraces() returned %d traces, want 1", len(result.Traces))
	}
	item := result.Traces[0]
	if item.Input != "" || item.Output != "" || item.Metadata != "" {
		t.Fatalf("summary tier leaked detail payloads: input=%q output=%q metadata=%q", item.Input, item.Output, item.Metadata)
	}
	if len(item.Scores) != 1 {
		t.Fatalf("summary tier missing scores: %+v", item.Scores)
	}
}

func TestSQLiteListTracesFiltersAndCount(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	for i, tr := range []*Trace{
		{ID: "a", UserID: "user-1", Name: "chat", Level: LevelDefault, Tags: []string{"prod"}},
		{ID: "b", UserID: "user-1", Name: "chat", Level: LevelError, Tags: []string{"prod", "beta"}},
		{ID: "c", UserID: "user-2", Name: "embed", Level: LevelError, Tags: []string{"beta"}},
		{ID: "d", UserID: "user-1", Name: "embed", Level: LevelWarning, Tags: []string{}},
	} {
		tr.ProjectID = "proj"
		tr.Timestamp = base.Add(time.Duration(i) * time.Minute)
		seedTrace(t, store, tr)
	}

	// Scope to user-1 the way the server injects it.
	scoped := query.Effective(query.Filters{
		{Column: "level", Type: query.TypeStringOptions, Operator: query.OpAnyOf, Value: []string{"ERROR", "WARNING"}},
	}, "user-1")

	result, err := store.ListTraces(context.Background(), listQuery("proj", scoped))
	if err != nil {
		t.Fatalf("ListTraces() error: %v", err)
	}
	if result.TotalCount != 2 {
		t.Fatalf("TotalCount = %d, want 2", result.TotalCount)
	}
	ids := map[string]bool{}
	for _, tr := range result.Traces {
		ids[tr.ID] = true
	}
	if !ids["b"] || !ids["d"] || ids["c"] {
		t.Fatalf("unexpected result ids: %v", ids)
	}
}

func TestSQLiteListTracesTagFilters(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	now := time.Now().UTC()
	for _, tr := range []*Trace{
		{ID: "a", Tags: []string{"prod", "rag"}},
		{ID: "b", Tags: []string{"prod"}},
		{ID: "c", Tags: []string{"beta"}},
	} {
		tr.ProjectID = "proj"
		tr.Timestamp = now
		seedTrace(t, store, tr)
	}

	tests := []struct {
		name     string
		operator query.Operator
		values   []string
		wantIDs  map[string]bool
	}{
		{name: "any of", operator: query.OpAnyOf, values: []string{"prod"}, wantIDs: map[string]bool{"a": true, "b": true}},
		{name: "all of", operator: query.OpAllOf, values: []string{"prod", "rag"}, wantIDs: map[string]bool{"a": true}},
		{name: "none of", operator: query.OpNoneOf, values: []string{"prod"}, wantIDs: map[string]bool{"c": true}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			filters := query.Filters{{Column: "tags", Type: query.TypeArrayOptions, Operator: tt.operator, Value: tt.values}}
			result, err := store.ListTraces(context.Background(), listQuery("proj", filters))
			if err != nil {
				t.Fatalf("ListTraces() error: %v", err)
			}
			if len(result.Traces) != len(tt.wantIDs) {
				t.Fatalf("got %d traces, want %d", len(result.Traces), len(tt.wantIDs))
			}
			for _, tr := range result.Traces {
				if !tt.wantIDs[tr.ID] {
					t.Fatalf("unexpected trace %q in result", tr.ID)
				}
			}
		})
	}
}

func TestSQLiteListTracesSearchMatchesIDNameAndUser(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	now := time.Now().UTC()
	for _, tr := range []*Trace{
		{ID: "alpha-123", Name: "summarize", UserID: "user-1"},
		{ID: "beta-456", Name: "needle-step", UserID: "user-2"},
		{ID: "gamma-789", Name: "classify", UserID: "needle-user"},
	} {
		tr.ProjectID = "proj"
		tr.Timestamp = now
		seedTrace(t, store, tr)
	}

	q := listQuery("proj", nil)
	q.Search = "needle"
	result, err := store.ListTraces(context.Background(), q)
	if err != nil {
		t.Fatalf("ListTraces() error: %v", err)
	}
	if result.TotalCount != 2 {
		t.Fatalf("TotalCount = %d, want 2", result.TotalCount)
	}
}

func TestSQLiteListTracesPaginationAndOrder(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		seedTrace(t, store, &Trace{
			ID:        string(rune('a' + i)),
			ProjectID: "proj",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}

	q := listQuery("proj", nil)
	q.Page = query.Pagination{PageIndex: 1, PageSize: 2}
	result, err := store.ListTraces(context.Background(), q)
	if err != nil {
		t.Fatalf("ListTraces() error: %v", err)
	}
	if result.TotalCount != 5 {
		t.Fatalf("TotalCount = %d, want 5", result.TotalCount)
	}
	if len(result.Traces) != 2 {
		t.Fatalf("page has %d traces, want 2", len(result.Traces))
	}
	// Default order is newest first; page 1 holds the third and fourth newest.
	if result.Traces[0].ID != "c" || result.Traces[1].ID != "b" {
		t.Fatalf("page order = [%s %s], want [c b]", result.Traces[0].ID, result.Traces[1].ID)
	}
}

func TestSQLiteListTracesSortByLatency(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	now := time.Now().UTC()
	for id, ms := range map[string]float64{"slow": 900, "fast": 10, "mid": 300} {
		latency := ms
		seedTrace(t, store, &Trace{ID: id, ProjectID: "proj", Timestamp: now, LatencyMS: &latency})
	}

	q := listQuery("proj", nil)
	q.OrderBy = query.OrderBy{Column: "latency", Direction: query.DirectionAsc}
	result, err := store.ListTraces(context.Background(), q)
	if err != nil {
		t.Fatalf("ListTraces() error: %v", err)
	}
	got := []string{result.Traces[0].ID, result.Traces[1].ID, result.Traces[2].ID}
	want := []string{"fast", "mid", "slow"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sort order = %v, want %v", got, want)
		}
	}
}

func TestSQLiteDeleteTracesRemovesRowsAndScores(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	now := time.Now().UTC()
	for _, id := range []string{"a", "b", "c"} {
		seedTrace(t, store, &Trace{
			ID:        id,
			ProjectID: "proj",
			Timestamp: now,
			Scores:    []Score{{Name: "quality", Value: 1}},
		})
	}

	deleted, err := store.DeleteTraces(context.Background(), "proj", []string{"a", "c", "missing"})
	if err != nil {
		t.Fatalf("DeleteTraces() error: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("DeleteTraces() = %d, want 2", deleted)
	}

	result, err := store.ListTraces(context.Background(), listQuery("proj", nil))
	if err != nil {
		t.Fatalf("ListTraces() error: %v", err)
	}
	if result.TotalCount != 1 || result.Traces[0].ID != "b" {
		t.Fatalf("remaining traces = %+v, want only b", result.Traces)
	}

	var orphans int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM scores WHERE trace_id IN ('a', 'c')`).Scan(&orphans); err != nil {
		t.Fatalf("count orphan scores: %v", err)
	}
	if orphans != 0 {
		t.Fatalf("found %d orphan score rows after delete", orphans)
	}
}

func TestSQLiteDeleteTracesIsProjectScoped(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	seedTrace(t, store, &Trace{ID: "a", ProjectID: "proj", Timestamp: time.Now().UTC()})

	deleted, err := store.DeleteTraces(context.Background(), "other-project", []string{"a"})
	if err != nil {
		t.Fatalf("DeleteTraces() error: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("DeleteTraces() = %d from wrong project, want 0", deleted)
	}
}

func TestSQLiteSetBookmarkAndTags(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	seedTrace(t, store, &Trace{ID: "a", ProjectID: "proj", Timestamp: time.Now().UTC()})

	if err := store.SetBookmark(context.Background(), "proj", "a", true); err != nil {
		t.Fatalf("SetBookmark() error: %v", err)
	}
	if err := store.SetTags(context.Background(), "proj", "a", []string{"triage", "prod"}); err != nil {
		t.Fatalf("SetTags() error: %v", err)
	}

	got, err := store.GetTrace(context.Background(), "proj", "a")
	if err != nil {
		t.Fatalf("GetTrace() error: %v", err)
	}
	if !got.Bookmarked {
		t.Fatal("Bookmarked = false, want true")
	}
	if len(got.Tags) != 2 {
		t.Fatalf("Tags = %v, want two entries", got.Tags)
	}

	if err := store.SetBookmark(context.Background(), "proj", "missing", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetBookmark(missing) error = %v, want ErrNotFound", err)
	}
	if err := store.SetTags(context.Background(), "proj", "missing", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetTags(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteFilterOptionsAreTimeWindowed(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)

	seedTrace(t, store, &Trace{ID: "old", ProjectID: "proj", Timestamp: old, Name: "legacy-job", Tags: []string{"legacy"}})
	seedTrace(t, store, &Trace{ID: "new-1", ProjectID: "proj", Timestamp: recent, Name: "chat", Tags: []string{"prod"}})
	seedTrace(t, store, &Trace{ID: "new-2", ProjectID: "proj", Timestamp: recent.Add(time.Hour), Name: "chat", Tags: []string{"prod", "beta"}})

	options, err := store.FilterOptions(context.Background(), "proj", recent.Add(-time.Hour), time.Time{})
	if err != nil {
		t.Fatalf("FilterOptions() error: %v", err)
	}

	if len(options.Names) != 1 || options.Names[0].Value != "chat" || options.Names[0].Count != 2 {
		t.Fatalf("Names = %+v, want chat with count 2", options.Names)
	}
	for _, tag := range options.Tags {
		if tag.Value == "legacy" {
			t.Fatal("tag from outside the window leaked into options")
		}
	}
	if len(options.Levels) == 0 {
		t.Fatal("Levels should include DEFAULT")
	}
}

func TestSQLiteUpsertReplacesExistingTrace(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	now := time.Now().UTC()
	seedTrace(t, store, &Trace{ID: "a", ProjectID: "proj", Timestamp: now, Name: "first", Scores: []Score{{Name: "v1", Value: 1}}})
	seedTrace(t, store, &Trace{ID: "a", ProjectID: "proj", Timestamp: now, Name: "second", Scores: []Score{{Name: "v2", Value: 2}}})

	got, err := store.GetTrace(context.Background(), "proj", "a")
	if err != nil {
		t.Fatalf("GetTrace() error: %v", err)
	}
	if got.Name != "second" {
		t.Fatalf("Name = %q after re-ingest, want second", got.Name)
	}
	if len(got.Scores) != 1 || got.Scores[0].Name != "v2" {
		t.Fatalf("Scores = %+v after re-ingest, want only v2", got.Scores)
	}
}

func TestSQLiteTimestampOffsetsNormalizeToUTC(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	// 11:00+05:00 is 06:00 UTC, so it sorts before the 08:00 UTC row.
	offset := time.Date(2024, 1, 1, 11, 0, 0, 0, time.FixedZone("plus5", 5*3600))
	seedTrace(t, store, &Trace{ID: "offset", ProjectID: "proj", Timestamp: offset})
	seedTrace(t, store, &Trace{ID: "later", ProjectID: "proj", Timestamp: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)})

	result, err := store.ListTraces(context.Background(), listQuery("proj", nil))
	if err != nil {
		t.Fatalf("ListTraces() error: %v", err)
	}
	if len(result.Traces) != 2 {
		t.Fatalf("len(Traces) = %d, want 2", len(result.Traces))
	}
	if result.Traces[0].ID != "later" || result.Traces[1].ID != "offset" {
		t.Fatalf("order = [%s %s], want [later offset]", result.Traces[0].ID, result.Traces[1].ID)
	}

	got, err := store.GetTrace(context.Background(), "proj", "offset")
	if err != nil {
		t.Fatalf("GetTrace() error: %v", err)
	}
	if !got.Timestamp.Equal(offset) {
		t.Fatalf("Timestamp = %v, want the instant %v", got.Timestamp, offset)
	}
	if got.Timestamp.Location() != time.UTC {
		t.Fatalf("Timestamp location = %v, want UTC", got.Timestamp.Location())
	}
}

func TestSQLiteWriteBatch(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	now := time.Now().UTC()
	batch := []*Trace{
		{ID: "a", ProjectID: "proj", Timestamp: now},
		nil,
		{ID: "b", ProjectID: "proj", Timestamp: now},
	}
	if err := store.WriteBatch(context.Background(), batch); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}

	result, err := store.ListTraces(context.Background(), listQuery("proj", nil))
	if err != nil {
		t.Fatalf("ListTraces() error: %v", err)
	}
	if result.TotalCount != 2 {
		t.Fatalf("TotalCount = %d after batch, want 2", result.TotalCount)
	}

	count, err := store.CountTraces(context.Background())
	if err != nil {
		t.Fatalf("CountTraces() error: %v", err)
	}
	if count != 2 {
		t.Fatalf("CountTraces() = %d, want 2", count)
	}
}
