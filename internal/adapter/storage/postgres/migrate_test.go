package postgres

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationFS_PairsUpAndDown(t *testing.T) {
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, names)

	ups, downs := 0, 0
	for _, n := range names {
		switch {
		case strings.HasSuffix(n, ".up.sql"):
			ups++
		case strings.HasSuffix(n, ".down.sql"):
			downs++
		}
	}
	assert.Equal(t, ups, downs)
}

func TestMigrationFS_CreatesRepositoryTables(t *testing.T) {
	raw, err := fs.ReadFile(migrationFS, "migrations/000001_init.up.sql")
	require.NoError(t, err)
	schema := string(raw)

	for _, table := range []string{"users", "accounts", "settlements", "settlement_state_history", "ledger_entries", "audit_logs"} {
		assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
	assert.Contains(t, schema, "UNIQUE (settlement_id, to_state)")
	assert.Contains(t, schema, "ON ledger_entries (account_id, entry_type, reference_id) WHERE reference_id <> ''")
	assert.NotContains(t, schema, "UNIQUE (account_id, entry_type, reference_id)")
}
