package main

import (
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsWellFormed(t *testing.T) {
	source, err := iofs.New(migrationFS, "sql")
	require.NoError(t, err)
	defer source.Close()

	first, err := source.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	versions := []uint{first}
	for v := first; ; {
		next, err := source.Next(v)
		if err != nil {
			break
		}
		versions = append(versions, next)
		v = next
	}
	assert.Equal(t, []uint{1, 2, 3}, versions)

	// Every migration can roll forward and back
	for _, v := range versions {
		up, _, err := source.ReadUp(v)
		require.NoError(t, err, "up %d", v)
		require.NoError(t, up.Close())

		down, _, err := source.ReadDown(v)
		require.NoError(t, err, "down %d", v)
		require.NoError(t, down.Close())
	}
}
