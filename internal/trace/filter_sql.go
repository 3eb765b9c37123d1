package trace

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/traceboard/traceboard/internal/query"
)

// dialect captures the few SQL spellings that differ between sqlite and
// postgres so the filter compiler stays shared.
type dialect struct {
	// placeholder returns the bind marker for the n-th argument (1-based).
	placeholder func(n int) string
	// like is the case-insensitive pattern operator.
	like string
	// tagMatch formats an EXISTS probe for one tag value, given a marker.
	tagMatch func(marker string) string
}

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	like:        "LIKE",
	tagMatch: func(marker string) string {
		return "EXISTS (SELECT 1 FROM json_each(t.tags) WHERE json_each.value = " + marker + ")"
	},
}

var postgresDialect = dialect{
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	like:        "ILIKE",
	tagMatch: func(marker string) string {
		return "EXISTS (SELECT 1 FROM jsonb_array_elements_text(t.tags) AS tag(value) WHERE tag.value = " + marker + ")"
	},
}

// columnSQL maps grid column ids onto trace table expressions. It doubles as
// the whitelist: a filter or sort on a column outside this map is rejected
// before any SQL is assembled.
var columnSQL = map[string]string{
	"id":               "t.id",
	"timestamp":        "t.timestamp",
	"name":             "t.name",
	"userId":           "t.user_id",
	"sessionId":        "t.session_id",
	"level":            "t.level",
	"observationCount": "t.observation_count",
	"latency":          "t.latency_ms",
	"release":          `t."release"`,
	"version":          "t.version",
	"environment":      "t.environment",
	"bookmarked":       "t.bookmarked",
	"promptTokens":     "t.prompt_tokens",
	"completionTokens": "t.completion_tokens",
	"totalTokens":      "t.total_tokens",
	"inputCost":        "t.input_cost",
	"outputCost":       "t.output_cost",
	"totalCost":        "t.total_cost",
}

const tagsColumn = "tags"

type whereBuilder struct {
	dialect dialect
	offset  int
	clauses []string
	args    []any
}

func (b *whereBuilder) bind(value any) string {
	b.args = append(b.args, value)
	return b.dialect.placeholder(b.offset + len(b.args))
}

func (b *whereBuilder) add(clause string) {
	b.clauses = append(b.clauses, clause)
}

// buildListWhere compiles the query's project scope, filter list, and search
// string into one WHERE expression. argOffset is the number of bind markers
// the caller already placed before this clause (postgres numbering).
func buildListWhere(q query.ListQuery, d dialect, argOffset int) (string, []any, error) {
	b := &whereBuilder{dialect: d, offset: argOffset}

	b.add("t.project_id = " + b.bind(q.ProjectID))

	for _, filter := range q.Filters {
		if err := compileFilter(b, filter); err != nil {
			return "", nil, err
		}
	}

	if search := strings.TrimSpace(q.Search); search != "" {
		pattern := "%" + escapeLike(search) + "%"
		b.add("(" +
			"t.id " + d.like + " " + b.bind(pattern) + " ESCAPE '\\' OR " +
			"t.name " + d.like + " " + b.bind(pattern) + " ESCAPE '\\' OR " +
			"t.user_id " + d.like + " " + b.bind(pattern) + " ESCAPE '\\')")
	}

	return strings.Join(b.clauses, " AND "), b.args, nil
}

func compileFilter(b *whereBuilder, filter query.Filter) error {
	if err := filter.Validate(); err != nil {
		return err
	}

	if filter.Column == tagsColumn {
		if filter.Type != query.TypeArrayOptions {
			return fmt.Errorf("%w: tags only supports array option filters", query.ErrInvalidFilter)
		}
		return compileTagsFilter(b, filter)
	}

	expr, ok := columnSQL[filter.Column]
	if !ok {
		return fmt.Errorf("%w: unknown filter column %q", query.ErrInvalidFilter, filter.Column)
	}

	switch filter.Type {
	case query.TypeString:
		value := filter.Value.(string)
		switch filter.Operator {
		case query.OpEquals:
			b.add(expr + " = " + b.bind(value))
		case query.OpNotEquals:
			b.add(expr + " <> " + b.bind(value))
		case query.OpContains:
			b.add(expr + " " + b.dialect.like + " " + b.bind("%"+escapeLike(value)+"%") + " ESCAPE '\\'")
		case query.OpNotContains:
			b.add(expr + " NOT " + b.dialect.like + " " + b.bind("%"+escapeLike(value)+"%") + " ESCAPE '\\'")
		case query.OpStartsWith:
			b.add(expr + " " + b.dialect.like + " " + b.bind(escapeLike(value)+"%") + " ESCAPE '\\'")
		case query.OpEndsWith:
			b.add(expr + " " + b.dialect.like + " " + b.bind("%"+escapeLike(value)) + " ESCAPE '\\'")
		}
	case query.TypeNumber:
		b.add(expr + " " + string(filter.Operator) + " " + b.bind(filter.Value.(float64)))
	case query.TypeDatetime:
		b.add(expr + " " + string(filter.Operator) + " " + b.bind(filter.Value.(time.Time).UTC()))
	case query.TypeStringOptions:
		values := filter.Value.([]string)
		markers := make([]string, 0, len(values))
		for _, value := range values {
			markers = append(markers, b.bind(value))
		}
		if filter.Operator == query.OpAnyOf {
			b.add(expr + " IN (" + strings.Join(markers, ", ") + ")")
		} else {
			b.add(expr + " NOT IN (" + strings.Join(markers, ", ") + ")")
		}
	case query.TypeBoolean:
		op := "="
		if filter.Operator == query.OpNotEquals {
			op = "<>"
		}
		b.add(expr + " " + op + " " + b.bind(filter.Value.(bool)))
	default:
		return fmt.Errorf("%w: type %q is not filterable on column %q", query.ErrInvalidFilter, filter.Type, filter.Column)
	}

	return nil
}

func compileTagsFilter(b *whereBuilder, filter query.Filter) error {
	values := filter.Value.([]string)
	probes := make([]string, 0, len(values))
	for _, value := range values {
		probes = append(probes, b.dialect.tagMatch(b.bind(value)))
	}

	switch filter.Operator {
	case query.OpAnyOf:
		b.add("(" + strings.Join(probes, " OR ") + ")")
	case query.OpNoneOf:
		b.add("NOT (" + strings.Join(probes, " OR ") + ")")
	case query.OpAllOf:
		b.add("(" + strings.Join(probes, " AND ") + ")")
	default:
		return fmt.Errorf("%w: operator %q is not valid for tags", query.ErrInvalidFilter, filter.Operator)
	}
	return nil
}

// buildOrderBy compiles the single-column sort against the column whitelist.
// The stable tiebreak on id keeps pagination deterministic when the sort
// column has duplicates.
func buildOrderBy(orderBy query.OrderBy) (string, error) {
	if orderBy.IsZero() {
		return "t.timestamp DESC, t.id DESC", nil
	}
	if err := orderBy.Validate(); err != nil {
		return "", err
	}
	expr, ok := columnSQL[orderBy.Column]
	if !ok {
		return "", fmt.Errorf("%w: column %q is not sortable", query.ErrInvalidFilter, orderBy.Column)
	}
	direction := "ASC"
	if orderBy.Direction == query.DirectionDesc {
		direction = "DESC"
	}
	return expr + " " + direction + ", t.id DESC", nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)
	return replacer.Replace(value)
}
