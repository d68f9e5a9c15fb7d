package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRootListsSubcommands(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "run")
	assert.Contains(t, out, "checkpoints")
	assert.Contains(t, out, "events")
}

func TestRunFailsOnMissingConfigFile(t *testing.T) {
	_, err := execute(t, "run", "-c", "/nonexistent/eris.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonexistent")
}

func TestCheckpointsRequiresConfiguredPath(t *testing.T) {
	_, err := execute(t, "checkpoints")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checkpoint_db_path")
}

func TestEventsTailRequiresConfiguredPath(t *testing.T) {
	_, err := execute(t, "events", "tail")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event_db_path")
}
