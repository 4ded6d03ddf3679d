package db

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrateURLUsesPGXScheme(t *testing.T) {
	require.Equal(t, "pgx5://u:p@db:5432/payments", migrateURL("postgres://u:p@db:5432/payments"))
	require.Equal(t, "pgx5://db/payments", migrateURL("postgresql://db/payments"))
	require.Equal(t, "pgx5://db/x", migrateURL("pgx5://db/x"))
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(migrationsFS, "migrations/*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(migrationsFS, "migrations/*.down.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)
	require.Len(t, downs, len(ups))
}
