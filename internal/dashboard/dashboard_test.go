package dashboard_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vaultd/internal/dashboard"
	"vaultd/internal/db"
	"vaultd/internal/migrate"
	"vaultd/internal/registry"
	"vaultd/internal/vault"
)

func TestRefreshWritesDashboard(t *testing.T) {
	root := t.TempDir()
	layout := vault.NewLayout(root)
	require.NoError(t, layout.Ensure())
	conn, err := db.Open(db.Config{Root: root})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	reg := registry.New(conn)
	reg.Now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	_, _, err = reg.Register(ctx, "note", "note.txt", "note.txt")
	require.NoError(t, err)

	r := dashboard.Renderer{Repo: reg.Repo, Layout: layout, Now: reg.Now}
	require.NoError(t, r.Refresh(ctx))

	data, err := os.ReadFile(layout.Dashboard())
	require.NoError(t, err)
	text := string(data)
	require.Contains(t, text, "# Vault Dashboard")
	require.Contains(t, text, "Updated: 2024-03-01T12:00:00Z")
	require.Contains(t, text, "detected | 1")
	require.Contains(t, text, "task.detected")
	require.Contains(t, text, "Awaiting Approval")

	// no temp file left behind
	_, err = os.Stat(layout.Dashboard() + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestRefreshOnEmptyVault(t *testing.T) {
	root := t.TempDir()
	layout := vault.NewLayout(root)
	require.NoError(t, layout.Ensure())
	conn, err := db.Open(db.Config{Root: root})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	r := dashboard.Renderer{Repo: registry.New(conn).Repo, Layout: layout}
	require.NoError(t, r.Refresh(context.Background()))

	data, err := os.ReadFile(layout.Dashboard())
	require.NoError(t, err)
	require.Contains(t, string(data), "No activity yet.")
}
