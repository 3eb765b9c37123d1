package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/traceboard/traceboard/internal/query"
	"github.com/traceboard/traceboard/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{
		DSN: dsn,
		db:  db,
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

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) configure() error {
	if s.db == nil {
		return fmt.Errorf("postgres database is not initialized")
	}

	s.db.SetMaxOpenConns(20)
	s.db.SetMaxIdleConns(10)
	s.db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) ensureSchema() error {
	if err := migrations.Apply(context.Background(), s.db, migrations.DriverPostgres); err != nil {
		return fmt.Errorf("ensure postgres schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) WriteTrace(ctx context.Context, trace *Trace) error {
	if trace == nil {
		return nil
	}

	row := normalizeTrace(trace)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin postgres write transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := postgresUpsertTrace(ctx, tx, row); err != nil {
		return fmt.Errorf("write trace %q: %w", row.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit postgres write transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) WriteBatch(ctx context.Context, traces []*Trace) error {
	if len(traces) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin postgres batch transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, trace := range traces {
		if trace == nil {
			continue
		}
		row := normalizeTrace(trace)
		if err := postgresUpsertTrace(ctx, tx, row); err != nil {
			return fmt.Errorf("write trace %q in batch: %w", row.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit postgres batch transaction: %w", err)
	}
	return nil
}

func postgresUpsertTrace(ctx context.Context, tx *sql.Tx, row *Trace) error {
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
) VALUES (
    $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
    $14::jsonb, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25
)
ON CONFLICT (id) DO UPDATE SET
    timestamp = EXCLUDED.timestamp,
    name = EXCLUDED.name,
    user_id = EXCLUDED.user_id,
    session_id = EXCLUDED.session_id,
    level = EXCLUDED.level,
    observation_count = EXCLUDED.observation_count,
    latency_ms = EXCLUDED.latency_ms,
    "release" = EXCLUDED."release",
    version = EXCLUDED.version,
    environment = EXCLUDED.environment,
    tags = EXCLUDED.tags,
    prompt_tokens = EXCLUDED.prompt_tokens,
    completion_tokens = EXCLUDED.completion_tokens,
    total_tokens = EXCLUDED.total_tokens,
    input_cost = EXCLUDED.input_cost,
    output_cost = EXCLUDED.output_cost,
    total_cost = EXCLUDED.total_cost,
    input = EXCLUDED.input,
    output = EXCLUDED.output,
    metadata = EXCLUDED.metadata,
    updated_at = EXCLUDED.updated_at`,
		row.ID,
		row.ProjectID,
		row.Timestamp.UTC(),
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
		row.CreatedAt.UTC(),
		row.UpdatedAt.UTC(),
	)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM scores WHERE trace_id = $1`, row.ID); err != nil {
		return fmt.Errorf("reset scores: %w", err)
	}
	for _, score := range row.Scores {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO scores (id, trace_id, project_id, name, value, string_value, data_type, source, comment, timestamp)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			score.ID,
			row.ID,
			row.ProjectID,
			score.Name,
			score.Value,
			score.StringValue,
			score.DataType,
			score.Source,
			score.Comment,
			score.Timestamp.UTC(),
		); err != nil {
			return fmt.Errorf("write score %q: %w", score.Name, err)
		}
	}
	return nil
}

const postgresSummaryColumns = `
t.id,
t.timestamp,
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
t.tags::text,
t.prompt_tokens,
t.completion_tokens,
t.total_tokens,
t.input_cost,
t.output_cost,
t.total_cost,
t.created_at,
t.updated_at
`

const postgresDetailColumns = postgresSummaryColumns + `,
t.input,
t.output,
t.metadata
`

func (s *PostgresStore) GetTrace(ctx context.Context, projectID, id string) (*Trace, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+postgresDetailColumns+" FROM traces t WHERE t.project_id = $1 AND t.id = $2 LIMIT 1",
		projectID, id)
	item, err := scanPostgresTrace(row, true)
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

func (s *PostgresStore) CountTraces(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM traces").Scan(&count); err != nil {
		return 0, fmt.Errorf("count traces: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListTraces(ctx context.Context, q query.ListQuery) (*ListResult, error) {
	whereSQL, whereArgs, err := buildListWhere(q, postgresDialect, 0)
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

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		limitMarker := "$" + strconv.Itoa(len(whereArgs)+1)
		offsetMarker := "$" + strconv.Itoa(len(whereArgs)+2)
		listSQL := "SELECT " + postgresSummaryColumns + " FROM traces t WHERE " + whereSQL +
			" ORDER BY " + orderSQL + " LIMIT " + limitMarker + " OFFSET " + offsetMarker
		args := append(append([]any{}, whereArgs...), page.PageSize, page.Offset())

		rows, err := s.db.QueryContext(egCtx, listSQL, args...)
		if err != nil {
			return fmt.Errorf("query traces: %w", err)
		}
		defer rows.Close()

		items := make([]*Trace, 0, page.PageSize)
		for rows.Next() {
			item, err := scanPostgresTrace(rows, false)
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

func (s *PostgresStore) attachScores(ctx context.Context, traces []*Trace) error {
	if len(traces) == 0 {
		return nil
	}

	byID := make(map[string]*Trace, len(traces))
	ids := make([]string, 0, len(traces))
	for _, t := range traces {
		byID[t.ID] = t
		ids = append(ids, t.ID)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, trace_id, name, value, string_value, data_type, source, comment, timestamp
FROM scores
WHERE trace_id = ANY($1)
ORDER BY trace_id, timestamp, id`, ids)
	if err != nil {
		return fmt.Errorf("query scores: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			score       Score
			stringValue sql.NullString
			dataType    sql.NullString
			source      sql.NullString
			comment     sql.NullString
		)
		if err := rows.Scan(&score.ID, &score.TraceID, &score.Name, &score.Value,
			&stringValue, &dataType, &source, &comment, &score.Timestamp); err != nil {
			return fmt.Errorf("scan score row: %w", err)
		}
		score.StringValue = stringValue.String
		score.DataType = dataType.String
		score.Source = source.String
		score.Comment = comment.String
		score.Timestamp = score.Timestamp.UTC()
		if trace, ok := byID[score.TraceID]; ok {
			trace.Scores = append(trace.Scores, score)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate score rows: %w", err)
	}
	return nil
}

func (s *PostgresStore) FilterOptions(ctx context.Context, projectID string, from, to time.Time) (*FilterOptions, error) {
	whereSQL := "project_id = $1"
	args := []any{projectID}
	if !from.IsZero() {
		args = append(args, from.UTC())
		whereSQL += " AND timestamp >= $" + strconv.Itoa(len(args))
	}
	if !to.IsZero() {
		args = append(args, to.UTC())
		whereSQL += " AND timestamp <= $" + strconv.Itoa(len(args))
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
		`SELECT tag.value, COUNT(*) FROM traces, jsonb_array_elements_text(traces.tags) AS tag(value)
WHERE `+whereSQL+` GROUP BY tag.value ORDER BY COUNT(*) DESC, tag.value ASC`, args)
	if err != nil {
		return nil, err
	}
	options.Tags = tags

	return options, nil
}

func (s *PostgresStore) optionValues(ctx context.Context, querySQL string, args []any) ([]FilterOption, error) {
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

func (s *PostgresStore) DeleteTraces(ctx context.Context, projectID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin postgres delete transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM scores WHERE project_id = $1 AND trace_id = ANY($2)`, projectID, ids); err != nil {
		return 0, fmt.Errorf("delete scores: %w", err)
	}
	result, err := tx.ExecContext(ctx,
		`DELETE FROM traces WHERE project_id = $1 AND id = ANY($2)`, projectID, ids)
	if err != nil {
		return 0, fmt.Errorf("delete traces: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted traces: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit postgres delete transaction: %w", err)
	}
	return deleted, nil
}

func (s *PostgresStore) SetBookmark(ctx context.Context, projectID, id string, bookmarked bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE traces SET bookmarked = $1, updated_at = $2 WHERE project_id = $3 AND id = $4`,
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
}

func (s *PostgresStore) SetTags(ctx context.Context, projectID, id string, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE traces SET tags = $1::jsonb, updated_at = $2 WHERE project_id = $3 AND id = $4`,
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
}

func scanPostgresTrace(scanner rowScanner, detail bool) (*Trace, error) {
	var (
		item        Trace
		userID      sql.NullString
		sessionID   sql.NullString
		latencyMS   sql.NullFloat64
		release     sql.NullString
		version     sql.NullString
		environment sql.NullString
		tags        sql.NullString
		inputCost   sql.NullFloat64
		outputCost  sql.NullFloat64
		totalCost   sql.NullFloat64
		input       sql.NullString
		output      sql.NullString
		metadata    sql.NullString
	)

	dest := []any{
		&item.ID,
		&item.Timestamp,
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
		&item.CreatedAt,
		&item.UpdatedAt,
	}
	if detail {
		dest = append(dest, &input, &output, &metadata)
	}

	if err := scanner.Scan(dest...); err != nil {
		return nil, err
	}

	item.Timestamp = item.Timestamp.UTC()
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()

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
