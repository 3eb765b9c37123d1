package trace

import (
	"encoding/json"
	"strings"
	"time"
)

// Row is the flattened summary shape a listing page serves: everything a
// grid needs to paint a row, without the detail-tier payloads. Optional
// fields marshal as JSON null when absent; latency 0 marshals as 0.
type Row struct {
	ID               string     `json:"id"`
	Timestamp        time.Time  `json:"timestamp"`
	Name             string     `json:"name"`
	UserID           string     `json:"userId,omitempty"`
	Level            Level      `json:"level"`
	ObservationCount int        `json:"observationCount"`
	LatencyMS        *float64   `json:"latencyMs"`
	Release          *string    `json:"release"`
	Version          *string    `json:"version"`
	SessionID        *string    `json:"sessionId"`
	Environment      string     `json:"environment,omitempty"`
	Bookmarked       bool       `json:"bookmarked"`
	Tags             []string   `json:"tags"`
	Scores           []RowScore `json:"scores"`
	Usage            RowUsage   `json:"usage"`
	Cost             *RowCost   `json:"cost,omitempty"`
}

type RowScore struct {
	Name        string  `json:"name"`
	Value       float64 `json:"value"`
	StringValue string  `json:"stringValue,omitempty"`
	DataType    string  `json:"dataType,omitempty"`
	Source      string  `json:"source,omitempty"`
	Comment     string  `json:"comment,omitempty"`
}

type RowUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

type RowCost struct {
	InputUSD  float64 `json:"inputUsd"`
	OutputUSD float64 `json:"outputUsd"`
	TotalUSD  float64 `json:"totalUsd"`
}

// RowFromTrace maps a stored record into the view-row shape. Shape concerns
// are settled once here rather than per-cell: absent scalars stay nil, a
// stored zero latency stays 0, and tags/scores are always non-nil so the
// serialized row never has a missing list.
func RowFromTrace(t *Trace) Row {
	row := Row{
		ID:               t.ID,
		Timestamp:        t.Timestamp,
		Name:             t.Name,
		UserID:           t.UserID,
		Level:            t.Level,
		ObservationCount: t.ObservationCount,
		LatencyMS:        t.LatencyMS,
		Release:          t.Release,
		Version:          t.Version,
		SessionID:        t.SessionID,
		Environment:      t.Environment,
		Bookmarked:       t.Bookmarked,
		Tags:             t.Tags,
		Scores:           make([]RowScore, 0, len(t.Scores)),
		Usage: RowUsage{
			PromptTokens:     t.Usage.PromptTokens,
			CompletionTokens: t.Usage.CompletionTokens,
			TotalTokens:      t.Usage.TotalTokens,
		},
	}
	if row.Tags == nil {
		row.Tags = []string{}
	}
	for _, score := range t.Scores {
		row.Scores = append(row.Scores, RowScore{
			Name:        score.Name,
			Value:       score.Value,
			StringValue: score.StringValue,
			DataType:    score.DataType,
			Source:      score.Source,
			Comment:     score.Comment,
		})
	}
	if t.Cost != nil {
		row.Cost = &RowCost{
			InputUSD:  t.Cost.InputUSD,
			OutputUSD: t.Cost.OutputUSD,
			TotalUSD:  t.Cost.TotalUSD,
		}
	}
	return row
}

// Detail is the full record shape for a single-trace view: the summary row
// plus the payload fields the listing never loads.
type Detail struct {
	Row
	Input     any       `json:"input"`
	Output    any       `json:"output"`
	Metadata  any       `json:"metadata"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DetailFromTrace maps a fully loaded record into the detail shape. Payloads
// are stored as raw JSON text; they decode into structured values here, or
// pass through as strings when the stored text is not valid JSON.
func DetailFromTrace(t *Trace) Detail {
	return Detail{
		Row:       RowFromTrace(t),
		Input:     decodePayload(t.Input),
		Output:    decodePayload(t.Output),
		Metadata:  decodePayload(t.Metadata),
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

func decodePayload(raw string) any {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return raw
	}
	return decoded
}

// RowsFromTraces maps a page of records, preserving order.
func RowsFromTraces(traces []*Trace) []Row {
	rows := make([]Row, 0, len(traces))
	for _, t := range traces {
		if t == nil {
			continue
		}
		rows = append(rows, RowFromTrace(t))
	}
	return rows
}
