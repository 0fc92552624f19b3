package database

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propledger/backend/internal/config"
)

func TestDSN(t *testing.T) {
	dsn := DSN(config.DatabaseConfig{
		Host: "db", Port: "5432", User: "ledger", Password: "pw", Name: "propledger", SSLMode: "require",
	})
	assert.Equal(t, "host=db port=5432 user=ledger password=pw dbname=propledger sslmode=require", dsn)
}

func TestSchemaEnablesRowLevelSecurity(t *testing.T) {
	schema := Schema()
	for _, table := range []string{
		"tenant_temporal_policies",
		"staff_memberships",
		"subject_aggregates",
		"ledger_entries",
		"outbox_records",
	} {
		t.Run(table, func(t *testing.T) {
			assert.Contains(t, schema, "ALTER TABLE "+table+" ENABLE ROW LEVEL SECURITY")
			assert.Contains(t, schema, "ALTER TABLE "+table+" FORCE ROW LEVEL SECURITY")
			assert.Regexp(t, regexp.MustCompile(`CREATE POLICY tenant_isolation\w* ON `+table), schema)
		})
	}

	t.Run("ledger entries are append-only", func(t *testing.T) {
		assert.Contains(t, schema, "CREATE POLICY tenant_isolation_select ON ledger_entries FOR SELECT")
		assert.Contains(t, schema, "CREATE POLICY tenant_isolation_insert ON ledger_entries FOR INSERT")
		assert.NotRegexp(t, regexp.MustCompile(`CREATE POLICY \w+ ON ledger_entries(\s+USING|\s+FOR (ALL|UPDATE|DELETE))`), schema)
		assert.Contains(t, schema, "BEFORE UPDATE OR DELETE ON ledger_entries")
	})

	t.Run("outbox records are never deleted", func(t *testing.T) {
		assert.Contains(t, schema, "CREATE POLICY tenant_isolation_update ON outbox_records FOR UPDATE")
		assert.NotRegexp(t, regexp.MustCompile(`CREATE POLICY \w+ ON outbox_records(\s+USING|\s+FOR (ALL|DELETE))`), schema)
		assert.Contains(t, schema, "BEFORE DELETE ON outbox_records")
	})
	assert.True(t, strings.Contains(schema, "UNIQUE (tenant_id, idempotency_key)"))
	assert.True(t, strings.Contains(schema, "ledger_entry_id UUID NOT NULL UNIQUE"))
}

func TestApplySchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS tenant_temporal_policies")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, ApplySchema(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}
