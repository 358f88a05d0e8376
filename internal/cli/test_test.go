package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	scenariosDir = "../harness/testdata/scenarios"
	goldenDir    = "../harness/testdata/golden"
)

func TestTestCommand_AllPass(t *testing.T) {
	out, _, err := execute(t, "test", scenariosDir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ inherit_from_child")
	assert.Contains(t, out, "5 passed, 0 failed, 5 total")
}

func TestTestCommand_JSON(t *testing.T) {
	out, _, err := execute(t, "--format", "json", "test", scenariosDir, "--golden", goldenDir)
	require.NoError(t, err)

	resp, result := decodeResponse[TestResult](t, out)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 5, result.Total)
	assert.Equal(t, 5, result.Passed)
	for _, s := range result.Scenarios {
		assert.Equal(t, "match", s.Golden, s.Name)
	}
}

func TestTestCommand_Filter(t *testing.T) {
	out, _, err := execute(t, "--format", "json", "test", scenariosDir, "--filter", "03_*")
	require.NoError(t, err)

	_, result := decodeResponse[TestResult](t, out)
	require.Len(t, result.Scenarios, 1)
	assert.Equal(t, "inherit_from_parent", result.Scenarios[0].Name)
}

func TestTestCommand_NoMatches(t *testing.T) {
	out, _, err := execute(t, "test", scenariosDir, "--filter", "zzz*")
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestTestCommand_UpdateWritesGolden(t *testing.T) {
	dir := t.TempDir()
	scenarios := filepath.Join(dir, "scenarios")
	require.NoError(t, os.MkdirAll(scenarios, 0o755))

	src, err := os.ReadFile(filepath.Join(scenariosDir, "02_inherit_from_child.yaml"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(scenarios, "02_inherit_from_child.yaml"), src, 0o644))

	out, _, err := execute(t, "test", scenarios)
	require.NoError(t, err)
	assert.Contains(t, out, "1 passed")

	out, _, err = execute(t, "test", scenarios, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "(golden updated)")

	got, err := os.ReadFile(filepath.Join(dir, "golden", "inherit_from_child.golden"))
	require.NoError(t, err)
	want, err := os.ReadFile(filepath.Join(goldenDir, "inherit_from_child.golden"))
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))
}

func TestTestCommand_GoldenMismatch(t *testing.T) {
	dir := t.TempDir()
	scenarios := filepath.Join(dir, "scenarios")
	golden := filepath.Join(dir, "golden")
	require.NoError(t, os.MkdirAll(scenarios, 0o755))
	require.NoError(t, os.MkdirAll(golden, 0o755))

	src, err := os.ReadFile(filepath.Join(scenariosDir, "01_grandchild_explicit.yaml"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(scenarios, "01.yaml"), src, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(golden, "grandchild_explicit.golden"), []byte("{}"), 0o644))

	out, _, err := execute(t, "test", scenarios)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ grandchild_explicit")
	assert.Contains(t, out, "does not match golden file")
}

func TestTestCommand_FailingScenario(t *testing.T) {
	dir := t.TempDir()
	scenario := `name: failing
description: "expects the wrong priority"
layers:
  - name: a
    priority: 1
steps:
  - op: expect
    priorities:
      a: 2
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "failing.yaml"), []byte(scenario), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yml"), []byte("name: [\n"), 0o644))

	out, _, err := execute(t, "--format", "json", "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp, result := decodeResponse[TestResult](t, out)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, 2, result.Failed)
	require.Len(t, result.Scenarios, 2)

	assert.Equal(t, "broken.yml", result.Scenarios[0].Name)
	assert.Contains(t, result.Scenarios[0].Errors[0], "load:")

	assert.Equal(t, "failing", result.Scenarios[1].Name)
	assert.Equal(t, "missing", result.Scenarios[1].Golden)
	assert.Equal(t, []string{"steps[0] expect: expected a effective priority 2, got 1"}, result.Scenarios[1].Errors)
}

func TestTestCommand_CommandErrors(t *testing.T) {
	_, _, err := execute(t, "test", "testdata/missing")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, _, err = execute(t, "test", scenariosDir, "--filter", "[")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, _, err = execute(t, "test")
	require.Error(t, err)
}
