package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandTree(t *testing.T) {
	root := newRootCommand()
	for _, path := range [][]string{
		{"migrate", "up"},
		{"migrate", "down"},
		{"migrate", "status"},
		{"admin", "bootstrap"},
		{"actor", "deactivate"},
		{"actor", "reactivate"},
		{"actor", "purge"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		require.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestActorCommandsRequireID(t *testing.T) {
	_, err := execute(t, "actor", "deactivate")
	require.Error(t, err)
	require.Contains(t, err.Error(), "accepts 1 arg")
}

func TestBootstrapRequiresEmail(t *testing.T) {
	_, err := execute(t, "admin", "bootstrap")
	require.Error(t, err)
	require.Contains(t, err.Error(), "email")
}

func TestCommandsRequireDatabase(t *testing.T) {
	t.Setenv("TENANTGATE_CONFIG", "")
	t.Setenv("TENANTGATE_PG_DSN", "")
	t.Setenv("TENANTGATE_AUTH_SECRET", "0123456789abcdef0123456789abcdef")

	_, err := execute(t, "migrate", "status")
	require.Error(t, err)
	require.Contains(t, err.Error(), "database.dsn is required")
}
