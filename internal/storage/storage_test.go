package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phishgraph/phishgraph/internal/model"
	"github.com/phishgraph/phishgraph/internal/storage"
	"github.com/phishgraph/phishgraph/internal/testutil"
	"github.com/phishgraph/phishgraph/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = storage.New(ctx, tc.DSN, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		os.Exit(1)
	}

	// Running migrations twice verifies the runner is idempotent.
	for i := 0; i < 2; i++ {
		if err := testDB.RunMigrations(ctx, migrations.FS); err != nil {
			fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
			os.Exit(1)
		}
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func TestCreateAndGetAnalyst(t *testing.T) {
	ctx := context.Background()

	hash := "salt$hash"
	created, err := testDB.CreateAnalyst(ctx, model.Analyst{
		AnalystID:  "alice@corp.example",
		Name:       "Alice",
		Role:       model.RoleAnalyst,
		APIKeyHash: &hash,
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, created.ID)

	got, err := testDB.GetAnalystByAnalystID(ctx, "alice@corp.example")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, model.RoleAnalyst, got.Role)
	require.NotNil(t, got.APIKeyHash)
	assert.Equal(t, hash, *got.APIKeyHash)
}

func TestGetAnalystNotFound(t *testing.T) {
	_, err := testDB.GetAnalystByAnalystID(context.Background(), "nobody")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateAndGetInvestigation(t *testing.T) {
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	created, err := testDB.CreateInvestigation(ctx, model.Investigation{
		AnalystID:   "alice@corp.example",
		SubjectID:   "msg-42",
		Question:    "Is this phishing?",
		Answer:      "Yes, credential phishing.",
		State:       "done",
		Trace:       []byte(`[{"tool":"run_query"}]`),
		Hops:        3,
		TokensUsed:  1200,
		CompletedAt: &now,
	})
	require.NoError(t, err)

	got, err := testDB.GetInvestigation(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "msg-42", got.SubjectID)
	assert.Equal(t, "done", got.State)
	assert.Equal(t, 3, got.Hops)
	assert.JSONEq(t, `[{"tool":"run_query"}]`, string(got.Trace))
	require.NotNil(t, got.CompletedAt)
}

func TestGetInvestigationNotFound(t *testing.T) {
	_, err := testDB.GetInvestigation(context.Background(), uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSetInvestigationEmbeddingEnqueuesOutbox(t *testing.T) {
	ctx := context.Background()

	inv, err := testDB.CreateInvestigation(ctx, model.Investigation{
		AnalystID: "alice@corp.example",
		SubjectID: "msg-embed",
		Question:  "q",
		State:     "done",
	})
	require.NoError(t, err)

	vec := make([]float32, 1024)
	vec[0] = 0.5
	require.NoError(t, testDB.SetInvestigationEmbedding(ctx, inv.ID, pgvector.NewVector(vec)))

	var outboxCount int
	err = testDB.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM search_outbox WHERE investigation_id = $1 AND operation = 'upsert'`,
		inv.ID,
	).Scan(&outboxCount)
	require.NoError(t, err)
	assert.Equal(t, 1, outboxCount)

	missing, err := testDB.ListInvestigationIDsMissingEmbedding(ctx, 1000)
	require.NoError(t, err)
	assert.NotContains(t, missing, inv.ID)
}

func TestSetInvestigationEmbeddingMissingRow(t *testing.T) {
	err := testDB.SetInvestigationEmbedding(context.Background(), uuid.New(), pgvector.NewVector(make([]float32, 1024)))
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetInvestigationsByIDsPreservesOrder(t *testing.T) {
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		inv, err := testDB.CreateInvestigation(ctx, model.Investigation{
			AnalystID: "alice@corp.example",
			SubjectID: fmt.Sprintf("msg-order-%d", i),
			Question:  "q",
			State:     "done",
		})
		require.NoError(t, err)
		ids = append(ids, inv.ID)
	}

	// Request in reverse, plus one unknown id that must be skipped.
	want := []uuid.UUID{ids[2], ids[0], ids[1]}
	got, err := testDB.GetInvestigationsByIDs(ctx, append([]uuid.UUID{uuid.New()}, want...))
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, inv := range got {
		assert.Equal(t, want[i], inv.ID)
	}
}
