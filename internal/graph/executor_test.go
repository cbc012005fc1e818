package graph

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records queries and replies from a scripted response list.
type fakeRunner struct {
	queries []string
	params  []map[string]any
	replies []fakeReply
}

type fakeReply struct {
	rows []Row
	err  error
}

func (f *fakeRunner) Run(_ context.Context, query string, params map[string]any) ([]Row, error) {
	f.queries = append(f.queries, query)
	f.params = append(f.params, params)
	if len(f.replies) == 0 {
		return nil, nil
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return reply.rows, reply.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestExecuteSuccess(t *testing.T) {
	runner := &fakeRunner{replies: []fakeReply{
		{rows: []Row{{"address": "alice@example.com"}, {"address": "bob@example.com"}}},
	}}
	exec := NewExecutor(runner, testLogger(), time.Second)

	res := exec.Execute(context.Background(), "MATCH (u:User) RETURN u.address AS address", nil, 0)

	require.True(t, res.Success)
	assert.Equal(t, 2, res.RowCount)
	assert.Len(t, res.Data, 2)
	assert.Contains(t, res.Query, "LIMIT 200")
}

func TestExecuteRejectedQueryNeverReachesStore(t *testing.T) {
	runner := &fakeRunner{}
	exec := NewExecutor(runner, testLogger(), time.Second)

	res := exec.Execute(context.Background(), "MATCH (n) DETACH DELETE n", nil, 0)

	require.False(t, res.Success)
	assert.Equal(t, "MutationRejected", res.Code)
	assert.Empty(t, runner.queries, "rejected query must not be executed")
}

func TestExecuteStoreError(t *testing.T) {
	runner := &fakeRunner{replies: []fakeReply{
		{err: errors.New("connection refused")},
	}}
	exec := NewExecutor(runner, testLogger(), time.Second)

	res := exec.Execute(context.Background(), "MATCH (n:User) RETURN n", nil, 0)

	require.False(t, res.Success)
	assert.Equal(t, "DriverError", res.Code)
	assert.Contains(t, res.Err, "connection refused")
}

func TestExecuteClampsRowsToLimit(t *testing.T) {
	rows := make([]Row, 30)
	for i := range rows {
		rows[i] = Row{"i": i}
	}
	runner := &fakeRunner{replies: []fakeReply{{rows: rows}}}
	exec := NewExecutor(runner, testLogger(), time.Second)

	// Aggregating query: no LIMIT injected, so the executor clamps in Go.
	res := exec.Execute(context.Background(), "MATCH (n) RETURN count(n)", nil, 10)

	require.True(t, res.Success)
	assert.Equal(t, 10, res.RowCount)
}

func TestResultJSONShapes(t *testing.T) {
	ok := Successful("MATCH (n) RETURN n", nil, []Row{{"n": 1}})
	data, err := ok.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"rowCount":1,"data":[{"n":1}],"query":"MATCH (n) RETURN n"}`, string(data))

	fail := Failure("BAD", nil, "SyntaxError", "boom")
	data, err = fail.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false,"error":"boom","code":"SyntaxError","query":"BAD"}`, string(data))
}
