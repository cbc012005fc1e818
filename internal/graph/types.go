package graph

import (
	"encoding/json"
)

// Row is a single result row keyed by the RETURN column names of the query.
type Row = map[string]any

// Result is the outcome of a graph operation as seen by the reasoning loop.
// It is always well-formed: failures are carried as data, never as a Go error,
// so the loop can fold them into the conversation and let the model recover.
type Result struct {
	Success  bool
	RowCount int
	Data     []Row
	Err      string
	Code     string
	Query    string
	Params   map[string]any
	Note     string
}

// Failure constructs a failure Result for the given query.
func Failure(query string, params map[string]any, code, msg string) Result {
	return Result{
		Success: false,
		Err:     msg,
		Code:    code,
		Query:   query,
		Params:  params,
	}
}

// Successful constructs a success Result for the given query.
func Successful(query string, params map[string]any, data []Row) Result {
	return Result{
		Success:  true,
		RowCount: len(data),
		Data:     data,
		Query:    query,
		Params:   params,
	}
}

// MarshalJSON emits the tagged wire shape consumed by the reasoning loop.
// Success and failure use disjoint field sets so the model never sees an
// ambiguous half-populated result.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Success {
		out := map[string]any{
			"success":  true,
			"rowCount": r.RowCount,
			"data":     r.Data,
			"query":    r.Query,
		}
		if r.Data == nil {
			out["data"] = []Row{}
		}
		if len(r.Params) > 0 {
			out["params"] = r.Params
		}
		if r.Note != "" {
			out["note"] = r.Note
		}
		return json.Marshal(out)
	}

	out := map[string]any{
		"success": false,
		"error":   r.Err,
		"query":   r.Query,
	}
	if r.Code != "" {
		out["code"] = r.Code
	}
	if len(r.Params) > 0 {
		out["params"] = r.Params
	}
	if r.Note != "" {
		out["note"] = r.Note
	}
	return json.Marshal(out)
}
