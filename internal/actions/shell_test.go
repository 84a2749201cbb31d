package actions

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/migraflow/pkg/schema"
)

func execShell(t *testing.T, cfg ShellConfig, data *schema.ActionData) (map[string]any, error) {
	t.Helper()
	out, err := NewShellCommandAction(cfg).Execute(context.Background(), ActionInput{Data: data})
	if err != nil {
		return nil, err
	}
	return out.Data.(map[string]any), nil
}

func TestShellCommand_Echo(t *testing.T) {
	result, err := execShell(t, ShellConfig{}, &schema.ActionData{Command: "echo hello && echo oops 1>&2"})
	require.NoError(t, err)
	assert.Equal(t, "hello", result["stdout"])
	assert.Equal(t, "oops", result["stderr"])
	assert.Equal(t, 0, result["exitCode"])
}

func TestShellCommand_ExplicitArgs(t *testing.T) {
	result, err := execShell(t, ShellConfig{}, &schema.ActionData{Command: "echo", ShellArgs: []string{"a b", "c"}})
	require.NoError(t, err)
	assert.Equal(t, "a b c", result["stdout"])
}

func TestShellCommand_NonZeroExit(t *testing.T) {
	_, err := execShell(t, ShellConfig{}, &schema.ActionData{Command: "echo broken 1>&2; exit 3"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNodeFailed))
	assert.Equal(t, "command exited with code 3: broken", schema.Message(err))
}

func TestShellCommand_Timeout(t *testing.T) {
	_, err := execShell(t, ShellConfig{}, &schema.ActionData{Command: "sleep 5", Timeout: 50})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTimeout))
}

func TestShellCommand_WorkingDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0o644))

	result, err := execShell(t, ShellConfig{AllowedDirs: []string{dir}}, &schema.ActionData{Command: "ls", WorkingDir: dir})
	require.NoError(t, err)
	assert.True(t, strings.Contains(result["stdout"].(string), "marker.txt"))

	_, err = execShell(t, ShellConfig{AllowedDirs: []string{dir}}, &schema.ActionData{Command: "ls", WorkingDir: os.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not under an allowed directory")
}

func TestShellCommand_OutputLimit(t *testing.T) {
	result, err := execShell(t, ShellConfig{MaxOutputSize: 4}, &schema.ActionData{Command: "echo 1234567890"})
	require.NoError(t, err)
	assert.Equal(t, "1234", result["stdout"])
}

func TestShellCommand_Validate(t *testing.T) {
	assert.Error(t, NewShellCommandAction(ShellConfig{}).Validate(&schema.ActionData{Command: "  "}))
}

func TestIsUnderPath(t *testing.T) {
	assert.True(t, isUnderPath("/srv/app", "/srv/app"))
	assert.True(t, isUnderPath("/srv/app/db", "/srv/app"))
	assert.False(t, isUnderPath("/srv/application", "/srv/app"))
	assert.False(t, isUnderPath("/srv", "/srv/app"))
}
