package obs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatementTarget(t *testing.T) {
	cases := []struct {
		sql   string
		verb  string
		table string
	}{
		{"INSERT INTO webhook_events (gateway, gateway_event_id) VALUES ($1, $2) ON CONFLICT DO NOTHING", "INSERT", "webhook_events"},
		{"update payments set status = $1 where id = $2 and status = $3", "UPDATE", "payments"},
		{"SELECT id, status FROM payments WHERE gateway = $1", "SELECT", "payments"},
		{"DELETE FROM webhook_events WHERE processed_at IS NULL", "DELETE", "webhook_events"},
		{"WITH x AS (SELECT 1) SELECT * FROM x", "WITH", ""},
		{"SELECT 1", "SELECT", ""},
		{"   ", "QUERY", ""},
	}
	for _, tc := range cases {
		verb, table := statementTarget(tc.sql)
		require.Equal(t, tc.verb, verb, tc.sql)
		require.Equal(t, tc.table, table, tc.sql)
	}
}

func TestClipStatement(t *testing.T) {
	long := strings.Repeat("a", maxStatementLen+10)
	require.Len(t, clip(long, maxStatementLen), maxStatementLen+3)
	require.Equal(t, "SELECT 1", clip("  SELECT 1 ", maxStatementLen))
}
