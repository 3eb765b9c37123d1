package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/traceboard/traceboard/internal/query"
	"github.com/traceboard/traceboard/migrations"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows only one writer at a time; serialize writes to avoid
	// SQLITE_BUSY contention when callers write traces concurrently.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{
		Path: path,
		db:   db,
	}

	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		return fmt.Errorf("enable sqlite foreign keys: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ensureSchema() error {
	if err := migrations.Apply(context.Background(), s.db, migrations.DriverSQLite); err != nil {
		return fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return nil
}

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries transient lock contention so queued traces are not
// dropped during concurrent writes.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var timer *time.Timer
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			stopTimer()
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}

func (s *SQLiteStore) WriteTrace(ctx context.Context, trace *Trace) error {
	if trace == nil {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row := normalizeTrace(trace)
	err := retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite write transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		if err := sqliteUpsertTrace(ctx, tx, row); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sqlite write transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write trace %q: %w", row.ID, err)
	}
	return nil
}

func (s *SQLiteStore) WriteBatch(ctx context.Context, traces []*Trace) error {
	if len(traces) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite batch transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		for _, trace := range traces {
			if trace == nil {
				continue
			}
			row := normalizeTrace(trace)
			if err := sqliteUpsertTrace(ctx, tx, row); err != nil {
				return fmt.Errorf("write trace %q in batch: %w", row.ID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sqlite batch transaction: %w", err)
		}
		return nil
	})
}

func sqliteUpsertTrace(ctx context.Context, tx *sql.Tx, row *Trace) error {
	tags, err := json.Marshal(row.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}

	var inputCost, outputCost, totalCost sql.NullFloat64
	if row.Cost != nil {
		inputCost = sql.NullFloat64{Float64: row.Cost.InputUSD, Valid: true}
		outputCost = sql.NullFloat64{Float64: row.Cost.OutputUSD, Valid: true}
		totalCost = sql.NullFloat64{Float64: row.Cost.TotalUSD, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO traces (
    id,
    project_id,
    timestamp,
    name,
    user_id,
    session_id,
    level,
    observation_count,
    latency_ms,
    "release",
    version,
    environment,
    bookmarked,
    tags,
    prompt_tokens,
    completion_tokens,
    total_tokens,
    input_cost,
    output_cost,
    total_cost,
    input,
    output,
    metadata,
    created_at,
    updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    timestamp = excluded.timestamp,
    name = excluded.name,
    user_id = excluded.user_id,
    session_id = excluded.session_id,
    level = excluded.level,
    observation_count = excluded.observation_count,
    latency_ms = excluded.latency_ms,
    "release" = excluded."release",
    version = excluded.version,
    environment = excluded.environment,
    tags = excluded.tags,
    prompt_tokens = excluded.prompt_tokens,
    completion_tokens = excluded.completion_tokens,
    total_tokens = excluded.total_tokens,
    input_cost = excluded.input_cost,
    output_cost = excluded.output_cost,
    total_cost = excluded.total_cost,
    input = excluded.input,
    output = excluded.output,
    metadata = excluded.metadata,
    updated_at = excluded.updated_at`,
		row.ID,
		row.ProjectID,
		row.Timestamp,
		row.Name,
		row.UserID,
		row.SessionID,
		string(row.Level),
		row.ObservationCount,
		row.LatencyMS,
		row.Release,
		row.Version,
		row.Environment,
		row.Bookmarked,
		string(tags),
		row.Usage.PromptTokens,
		row.Usage.CompletionTokens,
		row.Usage.TotalTokens,
		inputCost,
		outputCost,
		totalCost,
		row.Input,
		row.Output,
		row.Metadata,
		row.CreatedAt,
		row.UpdatedAt,
	)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM scores WHERE trace_id = ?`, row.ID); err != nil {
		return fmt.Errorf("reset scores: %w", err)
	}
	for _, score := range row.Scores {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO scores (id, trace_id, project_id, name, value, string_value, data_type, source, comment, timestamp)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			score.ID,
			row.ID,
			row.ProjectID,
			score.Name,
			score.Value,
			score.StringValue,
			score.DataType,
			score.Source,
			score.Comment,
			score.Timestamp,
		); err != nil {
			return fmt.Errorf("write score %q: %w", score.Name, err)
		}
	}
	return nil
}

const sqliteSummaryColumns = `
t.id,
CAST(t.timestamp AS TEXT),
t.name,
t.user_id,
t.session_id,
t.level,
t.observation_count,
t.latency_ms,
t."release",
t.version,
t.environment,
t.bookmarked,
t.tags,
t.prompt_tokens,
t.completion_tokens,
t.total_tokens,
t.input_cost,
t.output_cost,
t.total_cost,
CAST(t.created_at AS TEXT),
CAST(t.updated_at AS TEXT)
`

const sqliteDetailColumns = sqliteSummaryColumns + `,
t.input,
t.output,
t.metadata
`

func (s *SQLiteStore) GetTrace(ctx context.Context, projectID, id string) (*Trace, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sqliteDetailColumns+" FROM traces t WHERE t.project_id = ? AND t.id = ? LIMIT 1",
		projectID, id)
	item, err := scanSQLiteTrace(row, true)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trace %q: %w", id, err)
	}
	item.ProjectID = projectID

	if err := s.attachScores(ctx, []*Trace{item}); err != nil {
		return nil, err
	}
	return item, nil
}

func (s *SQLiteStore) CountTraces(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM traces").Scan(&count); err != nil {
		return 0, fmt.Errorf("count traces: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) ListTraces(ctx context.Context, q query.ListQuery) (*ListResult, error) {
	whereSQL, whereArgs, err := buildListWhere(q, sqliteDialect, 0)
	if err != nil {
		return nil, err
	}
	orderSQL, err := buildOrderBy(q.OrderBy)
	if err != nil {
		return nil, err
	}
	page := q.Page.Clamp()

	var (
		traces []*Trace
		total  int
	)

	// The page and the filtered total run concurrently; WAL mode allows
	// parallel readers.
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		listSQL := "SELECT " + sqliteSummaryColumns + " FROM traces t WHERE " + whereSQL +
			" ORDER BY " + orderSQL + " LIMIT ? OFFSET ?"
		args := append(append([]any{}, whereArgs...), page.PageSize, page.Offset())

		rows, err := s.db.QueryContext(egCtx, listSQL, args...)
		if err != nil {
			return fmt.Errorf("query traces: %w", err)
		}
		defer rows.Close()

		items := make([]*Trace, 0, page.PageSize)
		for rows.Next() {
			item, err := scanSQLiteTrace(rows, false)
			if err != nil {
				return fmt.Errorf("scan trace row: %w", err)
			}
			item.ProjectID = q.ProjectID
			items = append(items, item)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate trace rows: %w", err)
		}
		traces = items
		return nil
	})
	eg.Go(func() error {
		countSQL := "SELECT COUNT(*) FROM traces t WHERE " + whereSQL
		if err := s.db.QueryRowContext(egCtx, countSQL, whereArgs...).Scan(&total); err != nil {
			return fmt.Errorf("count traces: %w", err)
		}
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	if err := s.attachScores(ctx, traces); err != nil {
		return nil, err
	}

	return &ListResult{Traces: traces, TotalCount: total}, nil
}

// attachScores loads score rows for one listing page in a single IN query.
func (s *SQLiteStore) attachScores(ctx context.Context, traces []*Trace) error {
	if len(traces) == 0 {
		return nil
	}

	byID := make(map[string]*Trace, len(traces))
	markers := make([]string, 0, len(traces))
	args := make([]any, 0, len(traces))
	for _, t := range traces {
		byID[t.ID] = t
		markers = append(markers, "?")
		args = append(args, t.ID)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, trace_id, name, value, string_value, data_type, source, comment, CAST(timestamp AS TEXT)
FROM scores
WHERE trace_id IN (`+strings.Join(markers, ", ")+`)
ORDER BY trace_id, timestamp, id`, args...)
	if err != nil {
		return fmt.Errorf("query scores: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			score         Score
			stringValue   sql.NullString
			dataType      sql.NullString
			source        sql.NullString
			comment       sql.NullString
			timestampText sql.NullString
		)
		if err := rows.Scan(&score.ID, &score.TraceID, &score.Name, &score.Value,
			&stringValue, &dataType, &source, &comment, &timestampText); err != nil {
			return fmt.Errorf("scan score row: %w", err)
		}
		score.StringValue = stringValue.String
		score.DataType = dataType.String
		score.Source = source.String
		score.Comment = comment.String
		if timestampText.Valid {
			parsed, err := parseSQLiteTimestamp(timestampText.String)
			if err != nil {
				return fmt.Errorf("parse score timestamp %q: %w", timestampText.String, err)
			}
			score.Timestamp = parsed
		}
		if trace, ok := byID[score.TraceID]; ok {
			trace.Scores = append(trace.Scores, score)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate score rows: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FilterOptions(ctx context.Context, projectID string, from, to time.Time) (*FilterOptions, error) {
	whereSQL := "project_id = ?"
	args := []any{projectID}
	if !from.IsZero() {
		whereSQL += " AND timestamp >= ?"
		args = append(args, from.UTC())
	}
	if !to.IsZero() {
		whereSQL += " AND timestamp <= ?"
		args = append(args, to.UTC())
	}

	options := &FilterOptions{}
	grouped := []struct {
		expr string
		dest *[]FilterOption
	}{
		{"name", &options.Names},
		{"level", &options.Levels},
		{"environment", &options.Environments},
		{`"release"`, &options.Releases},
	}
	for _, g := range grouped {
		values, err := s.optionValues(ctx,
			`SELECT `+g.expr+`, COUNT(*) FROM traces WHERE `+whereSQL+
				` AND `+g.expr+` IS NOT NULL AND `+g.expr+` <> ''`+
				` GROUP BY `+g.expr+` ORDER BY COUNT(*) DESC, `+g.expr+` ASC`, args)
		if err != nil {
			return nil, err
		}
		*g.dest = values
	}

	tags, err := s.optionValues(ctx,
		`SELECT json_each.value, COUNT(*) FROM traces, json_each(traces.tags) WHERE `+whereSQL+
			` GROUP BY json_each.value ORDER BY COUNT(*) DESC, json_each.value ASC`, args)
	if err != nil {
		return nil, err
	}
	options.Tags = tags

	return options, nil
}

func (s *SQLiteStore) optionValues(ctx context.Context, querySQL string, args []any) ([]FilterOption, error) {
	rows, err := s.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("query filter options: %w", err)
	}
	defer rows.Close()

	values := make([]FilterOption, 0)
	for rows.Next() {
		var option FilterOption
		if err := rows.Scan(&option.Value, &option.Count); err != nil {
			return nil, fmt.Errorf("scan filter option: %w", err)
		}
		values = append(values, option)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate filter options: %w", err)
	}
	return values, nil
}

func (s *SQLiteStore) DeleteTraces(ctx context.Context, projectID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	markers := make([]string, 0, len(ids))
	args := []any{projectID}
	for _, id := range ids {
		markers = append(markers, "?")
		args = append(args, id)
	}
	inClause := strings.Join(markers, ", ")

	var deleted int64
	err := retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite delete transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM scores WHERE project_id = ? AND trace_id IN (`+inClause+`)`, args...); err != nil {
			return fmt.Errorf("delete scores: %w", err)
		}
		result, err := tx.ExecContext(ctx,
			`DELETE FROM traces WHERE project_id = ? AND id IN (`+inClause+`)`, args...)
		if err != nil {
			return fmt.Errorf("delete traces: %w", err)
		}
		deleted, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("count deleted traces: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sqlite delete transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (s *SQLiteStore) SetBookmark(ctx context.Context, projectID, id string, bookmarked bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE traces SET bookmarked = ?, updated_at = ? WHERE project_id = ? AND id = ?`,
			bookmarked, time.Now().UTC(), projectID, id)
		if err != nil {
			return fmt.Errorf("set bookmark on trace %q: %w", id, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("count bookmarked traces: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *SQLiteStore) SetTags(ctx context.Context, projectID, id string, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE traces SET tags = ?, updated_at = ? WHERE project_id = ? AND id = ?`,
			string(encoded), time.Now().UTC(), projectID, id)
		if err != nil {
			return fmt.Errorf("set tags on trace %q: %w", id, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("count retagged traces: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTrace(scanner rowScanner, detail bool) (*Trace, error) {
	var (
		item          Trace
		timestampText sql.NullString
		userID        sql.NullString
		sessionID     sql.NullString
		latencyMS     sql.NullFloat64
		release       sql.NullString
		version       sql.NullString
		environment   sql.NullString
		tags          sql.NullString
		inputCost     sql.NullFloat64
		outputCost    sql.NullFloat64
		totalCost     sql.NullFloat64
		createdAtText sql.NullString
		updatedAtText sql.NullString
		input         sql.NullString
		output        sql.NullString
		metadata      sql.NullString
	)

	dest := []any{
		&item.ID,
		&timestampText,
		&item.Name,
		&userID,
		&sessionID,
		&item.Level,
		&item.ObservationCount,
		&latencyMS,
		&release,
		&version,
		&environment,
		&item.Bookmarked,
		&tags,
		&item.Usage.PromptTokens,
		&item.Usage.CompletionTokens,
		&item.Usage.TotalTokens,
		&inputCost,
		&outputCost,
		&totalCost,
		&createdAtText,
		&updatedAtText,
	}
	if detail {
		dest = append(dest, &input, &output, &metadata)
	}

	if err := scanner.Scan(dest...); err != nil {
		return nil, err
	}

	if timestampText.Valid {
		parsed, err := parseSQLiteTimestamp(timestampText.String)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", timestampText.String, err)
		}
		item.Timestamp = parsed
	}
	if createdAtText.Valid {
		parsed, err := parseSQLiteTimestamp(createdAtText.String)
		if err != nil {
			return nil, fmt.Errorf("parse created_at %q: %w", createdAtText.String, err)
		}
		item.CreatedAt = parsed
	}
	if updatedAtText.Valid {
		parsed, err := parseSQLiteTimestamp(updatedAtText.String)
		if err != nil {
			return nil, fmt.Errorf("parse updated_at %q: %w", updatedAtText.String, err)
		}
		item.UpdatedAt = parsed
	}

	item.UserID = userID.String
	item.Environment = environment.String
	if sessionID.Valid {
		item.SessionID = &sessionID.String
	}
	if latencyMS.Valid {
		item.LatencyMS = &latencyMS.Float64
	}
	if release.Valid {
		item.Release = &release.String
	}
	if version.Valid {
		item.Version = &version.String
	}
	if totalCost.Valid || inputCost.Valid || outputCost.Valid {
		item.Cost = &Cost{
			InputUSD:  inputCost.Float64,
			OutputUSD: outputCost.Float64,
			TotalUSD:  totalCost.Float64,
		}
	}

	item.Tags = []string{}
	if tags.Valid && strings.TrimSpace(tags.String) != "" {
		if err := json.Unmarshal([]byte(tags.String), &item.Tags); err != nil {
			return nil, fmt.Errorf("decode tags %q: %w", tags.String, err)
		}
	}

	if detail {
		item.Input = input.String
		item.Output = output.String
		item.Metadata = metadata.String
	}

	return &item, nil
}

func parseSQLiteTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	withTZLayouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05 -0700 MST",
	}
	for _, layout := range withTZLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	withoutTZLayouts := []string{
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	for _, layout := range withoutTZLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported sqlite datetime format")
}
