package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/brokerguard/brokerguard/internal/config"
	"github.com/stretchr/testify/require"
)

func TestBuildLibsqlDSN(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		cfg  config.StoreConfig
		want string
	}{
		{
			name: "SharedHistoryWithToken",
			cfg: config.StoreConfig{
				URL:       "libsql://desk-history.turso.io",
				AuthToken: "tok",
			},
			want: "libsql://desk-history.turso.io?authToken=tok",
		},
		{
			name: "URLKeepsItsOwnToken",
			cfg: config.StoreConfig{
				URL:       "libsql://desk-history.turso.io?authToken=own",
				AuthToken: "from-env",
			},
			want: "libsql://desk-history.turso.io?authToken=own",
		},
		{
			name: "URLWinsOverPath",
			cfg: config.StoreConfig{
				URL:  "libsql://desk-history.turso.io",
				Path: filepath.Join(dir, "ignored.db"),
			},
			want: "libsql://desk-history.turso.io",
		},
		{
			name: "BarePathBecomesFileDSN",
			cfg:  config.StoreConfig{Path: filepath.Join(dir, "state", "brokerguard.db")},
			want: "file:" + filepath.Join(dir, "state", "brokerguard.db"),
		},
		{
			name: "FileDSNUnchanged",
			cfg:  config.StoreConfig{Path: "file:" + filepath.Join(dir, "file", "brokerguard.db")},
			want: "file:" + filepath.Join(dir, "file", "brokerguard.db"),
		},
		{
			name: "Memory",
			cfg:  config.StoreConfig{Path: ":memory:"},
			want: ":memory:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsn, err := buildLibsqlDSN(tt.cfg)
			require.NoError(t, err)
			require.Equal(t, tt.want, dsn)
		})
	}

	t.Run("CreatesHistoryDirectory", func(t *testing.T) {
		for _, sub := range []string{"state", "file"} {
			info, err := os.Stat(filepath.Join(dir, sub))
			require.NoError(t, err)
			require.True(t, info.IsDir())
		}
	})

	t.Run("PathMissing", func(t *testing.T) {
		_, err := buildLibsqlDSN(config.StoreConfig{Path: "  "})
		require.Error(t, err)
	})
}

func TestIsLocalDSN(t *testing.T) {
	require.True(t, isLocalDSN("file:/var/lib/brokerguard/history.db"))
	require.False(t, isLocalDSN("file:history?mode=memory&cache=shared"))
	require.False(t, isLocalDSN("libsql://desk-history.turso.io"))
	require.False(t, isLocalDSN(":memory:"))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.StoreConfig{Driver: "postgres", Path: ":memory:"})
	require.ErrorContains(t, err, "unsupported store driver: postgres")
}
