package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passingScenario = `
name: snapshot_only
description: "a store opens on the seeded records"
seed:
  item:
    - {id: a, name: Latte, price_nok: 50}
stores:
  - {collection: item, sort: insertion}
steps:
  - open: item
assertions:
  - {type: items, collection: item, ids: [a]}
`

const failingScenario = `
name: wrong_order
description: "asserts an order the cache does not have"
seed:
  item:
    - {id: a, name: Latte, price_nok: 50}
    - {id: b, name: Te, price_nok: 30}
stores:
  - {collection: item, sort: "int:price_nok"}
steps:
  - open: item
assertions:
  - {type: items, collection: item, ids: [a, b]}
`

func writeScenario(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func runTestCommand(t *testing.T, format string, args ...string) (*bytes.Buffer, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	return buf, cmd.Execute()
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := runTestCommand(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandNonExistentScenariosDir(t *testing.T) {
	_, err := runTestCommand(t, "text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scenarios directory not found")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommandEmptyScenariosDir(t *testing.T) {
	buf, err := runTestCommand(t, "text", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "No scenarios found")
}

func TestTestCommandEmptyScenariosDirJSON(t *testing.T) {
	buf, err := runTestCommand(t, "json", t.TempDir())
	require.NoError(t, err)

	var response CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &response))
	assert.Equal(t, "ok", response.Status)
}

func TestTestCommandHarnessScenarios(t *testing.T) {
	buf, err := runTestCommand(t, "text",
		filepath.Join("..", "harness", "testdata", "scenarios"),
		"--golden", filepath.Join("..", "harness", "testdata", "golden"),
	)
	require.NoError(t, err, buf.String())
	assert.Contains(t, buf.String(), "✓ echo_dedupe")
	assert.Contains(t, buf.String(), "✓ All scenarios passed")
}

func TestTestCommandUpdateThenCompare(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "snapshot_only.yaml", passingScenario)

	buf, err := runTestCommand(t, "text", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "golden updated")

	golden, err := os.ReadFile(filepath.Join(dir, "golden", "snapshot_only.golden"))
	require.NoError(t, err)
	assert.Equal(t, "scenario snapshot_only\n"+
		"0001 step=1 item snapshot - - applied v1\n"+
		"0002 step=1 item state size=1 v1 stale=false\n"+
		"final item v1 stale=false ids=[a]\n", string(golden))

	_, err = runTestCommand(t, "text", dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "golden", "snapshot_only.golden"), []byte("scenario snapshot_only\n"), 0644))
	buf, err = runTestCommand(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, buf.String(), "trace does not match golden file")
}

func TestTestCommandFailedAssertionJSON(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "snapshot_only.yaml", passingScenario)
	writeScenario(t, dir, "wrong_order.yaml", failingScenario)

	buf, err := runTestCommand(t, "json", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var response struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
		Error  *CLIError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &response))
	assert.Equal(t, "error", response.Status)
	assert.Equal(t, "E_TEST_FAILED", response.Error.Code)
	assert.Equal(t, 1, response.Data.Passed)
	assert.Equal(t, 1, response.Data.Failed)
}

func TestTestCommandFilter(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "snapshot_only.yaml", passingScenario)
	writeScenario(t, dir, "wrong_order.yaml", failingScenario)

	buf, err := runTestCommand(t, "text", dir, "--filter", "snapshot_*")
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "1 passed, 0 failed, 1 total")
}

func TestTestCommandLoadError(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "broken.yaml", "name: broken\nflow: []\n")

	buf, err := runTestCommand(t, "text", dir)
	require.Error(t, err)
	assert.Contains(t, buf.String(), "✗ broken.yaml")
	assert.Contains(t, buf.String(), "failed to load scenario")
}

func TestFindScenarioFiles(t *testing.T) {
	tmpDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "test1.yaml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "test2.yml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "ignore.golden"), []byte(""), 0644))

	files, err := findScenarioFiles(tmpDir, "")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestFindScenarioFilesSubdirectories(t *testing.T) {
	tmpDir := t.TempDir()
	subDir := filepath.Join(tmpDir, "subdir")
	require.NoError(t, os.MkdirAll(subDir, 0755))

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "root.yaml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(subDir, "sub.yaml"), []byte(""), 0644))

	files, err := findScenarioFiles(tmpDir, "")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}
