package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/collection-cli/internal/model"
	"github.com/sells-group/collection-cli/internal/store"
)

const cliFixture = `
accounts:
  - id: 1
    status: active
  - id: 2
    status: fraud
obligations:
  - id: 100
    account_id: 1
    due_date: "2025-12-31"
    due_amount: 150000
    status: unpaid
  - id: 200
    account_id: 2
    due_date: "2025-12-31"
    due_amount: 90000
    status: unpaid
`

func execute(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func TestCLI_FixtureRunAndReconcile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	dbPath := filepath.Join(dir, "collection.db")
	t.Setenv("COLLECTION_STORE_DRIVER", "sqlite")
	t.Setenv("COLLECTION_STORE_DATABASE_URL", dbPath)
	t.Setenv("COLLECTION_LOG_LEVEL", "error")

	fixturePath := filepath.Join(dir, "ledger.yaml")
	require.NoError(t, os.WriteFile(fixturePath, []byte(cliFixture), 0644))

	require.NoError(t, execute(t, "migrate"))
	require.NoError(t, execute(t, "fixture", "load", fixturePath))
	require.NoError(t, execute(t, "run-bucket", "B5", "2026-04-10"))
	require.NoError(t, execute(t, "reconcile", "2026-04-10"))

	st, err := store.NewSQLite(dbPath)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	d, err := model.ParseRunDate("2026-04-10")
	require.NoError(t, err)
	run, err := st.GetBucketRun(context.Background(), "B5", d)
	require.NoError(t, err)
	require.NotNil(t, run)

	assert.Equal(t, model.RunCompleted, run.State)
	assert.Equal(t, 2, run.Summary.Candidates)
	assert.Equal(t, 1, run.Summary.TotalSent())
	assert.Equal(t, 1, run.Summary.NotSentBy[model.ReasonAccountStatusBlocked])
}

func TestCLI_RunBucketRejectsBadDate(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("COLLECTION_STORE_DRIVER", "sqlite")
	t.Setenv("COLLECTION_STORE_DATABASE_URL", filepath.Join(dir, "collection.db"))
	t.Setenv("COLLECTION_LOG_LEVEL", "error")

	err := execute(t, "run-bucket", "B1", "yesterday-ish")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid run date")
}

func TestCLI_ExportAfterRun(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	t.Setenv("COLLECTION_STORE_DRIVER", "sqlite")
	t.Setenv("COLLECTION_STORE_DATABASE_URL", filepath.Join(dir, "collection.db"))
	t.Setenv("COLLECTION_LOG_LEVEL", "error")
	t.Setenv("COLLECTION_EXPORT_DIR", dir)

	fixturePath := filepath.Join(dir, "ledger.yaml")
	require.NoError(t, os.WriteFile(fixturePath, []byte(cliFixture), 0644))

	require.NoError(t, execute(t, "fixture", "load", fixturePath))
	require.Error(t, execute(t, "export", "B5", "2026-04-10"), "no completed run yet")

	require.NoError(t, execute(t, "run-bucket", "B5", "2026-04-10"))
	require.NoError(t, execute(t, "export", "B5", "2026-04-10"))
	assert.FileExists(t, filepath.Join(dir, "B5_2026-04-10.xlsx"))
}
