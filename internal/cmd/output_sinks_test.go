package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerguard/brokerguard/internal/core"
	"github.com/brokerguard/brokerguard/internal/output"
)

func newOutputCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	addOutputFlags(cmd)
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd
}

func TestWriteRenderedToOutDir(t *testing.T) {
	dir := t.TempDir()
	cmd := newOutputCommand(t, "--output-format", "json", "--out-dir", dir)

	err := writeRendered(cmd, "alerts", func(f output.Formatter) (string, error) {
		return f.FormatAlerts([]core.Alert{{ID: "a1", Rule: "error_rate"}})
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "alerts.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"rule": "error_rate"`)
}

func TestResolveOutputPathRejectsBothTargets(t *testing.T) {
	cmd := newOutputCommand(t, "--out", "a.txt", "--out-dir", "b")
	_, err := resolveOutputPath(cmd, "status", output.FormatTable)
	require.Error(t, err)
}

func TestOutputExtension(t *testing.T) {
	assert.Equal(t, "yaml", outputExtension(output.FormatYAML))
	assert.Equal(t, "md", outputExtension(output.FormatMarkdown))
	assert.Equal(t, "txt", outputExtension(output.FormatTable))
}
