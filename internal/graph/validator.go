package graph

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxRowLimit caps the number of rows any query may return, regardless of
// what the caller requested.
const MaxRowLimit = 500

// DefaultRowLimit is applied when the caller does not request a limit.
const DefaultRowLimit = 200

// MutationError reports a query rejected for containing a write operation.
type MutationError struct {
	Keyword string
	Query   string
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("graph: query rejected: mutation keyword %q is not allowed on a read-only store", e.Keyword)
}

// mutationKeywords matches whole-token write keywords case-insensitively.
// Substring matches inside identifiers (e.g. a property named "offset_delete")
// do not trip the validator.
var mutationKeywords = regexp.MustCompile(`(?i)(^|[^\w$])(CREATE|MERGE|SET|DELETE|REMOVE|DETACH)([^\w]|$)`)

// mutatingProcedures matches CALLs to procedures that mutate data or schema
// even though the surrounding query contains no write keyword.
var mutatingProcedures = regexp.MustCompile(`(?i)\bCALL\s+(db\.create|dbms\.|apoc\.create|apoc\.merge|apoc\.refactor|apoc\.periodic|apoc\.trigger)`)

// explicitLimit detects a LIMIT clause already present in the query.
var explicitLimit = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+|\$\w+)`)

// aggregationFuncs mark queries whose result set is already reduced; bolting
// a LIMIT onto them would change their meaning.
var aggregationFuncs = []string{"count(", "collect(", "sum(", "avg(", "min(", "max("}

// ValidateQuery checks a Cypher query for write operations and normalizes its
// row limit. It returns the (possibly rewritten) query to execute.
//
// The effective limit is min(requestedLimit, MaxRowLimit), falling back to
// DefaultRowLimit when requestedLimit is zero or negative. A LIMIT clause is
// injected only when the query has neither an explicit LIMIT nor an
// aggregation; both cases are left untouched.
func ValidateQuery(query string, requestedLimit int) (string, int, error) {
	trimmed := strings.TrimSpace(query)
	// A trailing statement terminator would leave injected clauses outside
	// the statement.
	trimmed = strings.TrimRight(trimmed, "; \t\r\n")
	if trimmed == "" {
		return "", 0, fmt.Errorf("graph: query is empty")
	}

	if m := mutationKeywords.FindStringSubmatch(trimmed); m != nil {
		return "", 0, &MutationError{Keyword: strings.ToUpper(m[2]), Query: trimmed}
	}
	if m := mutatingProcedures.FindStringSubmatch(trimmed); m != nil {
		return "", 0, &MutationError{Keyword: "CALL " + m[1], Query: trimmed}
	}

	limit := requestedLimit
	if limit <= 0 {
		limit = DefaultRowLimit
	}
	if limit > MaxRowLimit {
		limit = MaxRowLimit
	}

	if explicitLimit.MatchString(trimmed) || isAggregating(trimmed) {
		return trimmed, limit, nil
	}

	return fmt.Sprintf("%s LIMIT %d", trimmed, limit), limit, nil
}

func isAggregating(query string) bool {
	lower := strings.ToLower(query)
	for _, fn := range aggregationFuncs {
		if strings.Contains(lower, fn) {
			return true
		}
	}
	return false
}
