package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-sync/internal/realtime"
)

func TestLoadQuery(t *testing.T) {
	for _, table := range realtime.WatchedTables {
		q, err := loadQuery(table)
		require.NoError(t, err, table)
		assert.Contains(t, q, `FROM "`+string(table)+`" t`)
		assert.Contains(t, q, "WHERE t.user_id = $1")
		assert.Contains(t, q, "ORDER BY t.created_at DESC")
	}
}

func TestLoadQuery_RejectsUnwatchedTables(t *testing.T) {
	for _, table := range []realtime.Table{"users", `trades"; DROP TABLE trades; --`, ""} {
		q, err := loadQuery(table)
		assert.Error(t, err)
		assert.Empty(t, q)
	}
}

func TestDashboardQuery_BindsUserOnly(t *testing.T) {
	assert.Equal(t, 4, strings.Count(dashboardQuery, "user_id = $1"))
	assert.NotContains(t, dashboardQuery, "$2")
}

func TestPostgres_CloseNil(t *testing.T) {
	var p *Postgres
	assert.NotPanics(t, p.Close)
}
