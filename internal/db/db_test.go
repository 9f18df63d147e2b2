package db

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrations(t *testing.T) {
	src, err := Source()
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	up, name, err := src.ReadUp(first)
	require.NoError(t, err)
	defer up.Close()
	assert.Equal(t, "init", name)

	body, err := io.ReadAll(up)
	require.NoError(t, err)
	sql := string(body)
	for _, want := range []string{"CREATE TABLE IF NOT EXISTS api_keys", "CREATE TABLE IF NOT EXISTS usage_logs", "call_id"} {
		assert.True(t, strings.Contains(sql, want), "missing %q", want)
	}

	down, _, err := src.ReadDown(first)
	require.NoError(t, err)
	down.Close()
}
