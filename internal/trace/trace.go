package trace

import (
	"strings"
	"time"
)

// Level is the enumerated severity of a trace.
type Level string

const (
	LevelDebug   Level = "DEBUG"
	LevelDefault Level = "DEFAULT"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
)

// ParseLevel normalizes a raw level string, falling back to DEFAULT for
// unknown values so ingestion never rejects a trace over its severity label.
func ParseLevel(raw string) Level {
	switch Level(strings.ToUpper(strings.TrimSpace(raw))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarning:
		return LevelWarning
	case LevelError:
		return LevelError
	default:
		return LevelDefault
	}
}

// Score is an evaluation value (automated or human) attached to a trace.
type Score struct {
	ID          string
	TraceID     string
	Name        string
	Value       float64
	StringValue string
	DataType    string
	Source      string
	Comment     string
	Timestamp   time.Time
}

// Usage is the token-usage triple for a trace.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Cost is the optional cost triple, in USD with decimal precision.
type Cost struct {
	InputUSD  float64
	OutputUSD float64
	TotalUSD  float64
}

// Trace is a single recorded execution unit. Optional scalar fields use
// pointers so a stored NULL stays distinguishable from a genuine zero:
// a latency of 0ms is a real measurement, an absent latency is not.
//
// Input, Output, and Metadata are the detail tier: they can be arbitrarily
// large JSON documents and are only loaded by GetTrace, never by ListTraces.
type Trace struct {
	ID               string
	ProjectID        string
	Timestamp        time.Time
	Name             string
	UserID           string
	Level            Level
	ObservationCount int
	LatencyMS        *float64
	Release          *string
	Version          *string
	SessionID        *string
	Environment      string
	Bookmarked       bool
	Tags             []string
	Scores           []Score
	Usage            Usage
	Cost             *Cost

	Input    string
	Output   string
	Metadata string

	CreatedAt time.Time
	UpdatedAt time.Time
}
