//go:build !windows

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/maxatome/go-testdeep/td"
	"github.com/samber/lo"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() {
		concurrency, formatJSON, showOutput, logLevel = 0, false, false, "warn"
	})
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeBatch(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "batch.yaml")
	td.Require(t).CmpNoError(os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRun(t *testing.T) {
	t.Run("success_json", func(t *testing.T) {
		// Arrange
		path := writeBatch(t, `
concurrency: 2
jobs:
  - name: hello
    command: [echo, hello]
  - pipeline:
      - command: [cat]
        input: "b\na\n"
      - name: sorted
        command: [sort]
`)

		// Act
		out, err := execute(t, "run", "-c", path, "--json")

		// Assert
		td.Require(t).CmpNoError(err)
		var views []resultView
		td.Require(t).CmpNoError(json.Unmarshal([]byte(out), &views))
		views = lo.Map(views, func(v resultView, _ int) resultView {
			v.ID, v.Elapsed = "", 0
			return v
		})
		td.Cmp(t, views, []resultView{
			{Index: 0, Name: "hello", State: "Exited", Output: "hello\n"},
			{Index: 1, Name: "cat", State: "Exited"},
			{Index: 2, Name: "sorted", State: "Exited", Output: "a\nb\n"},
		})
	})

	t.Run("error_failed_items", func(t *testing.T) {
		// Arrange
		path := writeBatch(t, `
jobs:
  - command: [sh, -c, "exit 2"]
  - command: [echo, ok]
`)

		// Act
		out, err := execute(t, "run", "-c", path, "--concurrency", "1")

		// Assert
		td.CmpErrorIs(t, err, ErrFailedItems)
		td.CmpContains(t, out, "exit=2")
		td.CmpContains(t, out, "echo")
	})

	t.Run("error_invalid_log_level", func(t *testing.T) {
		// Arrange
		path := writeBatch(t, "jobs:\n  - command: [echo]\n")

		// Act
		_, err := execute(t, "run", "-c", path, "--log-level", "loud")

		// Assert
		td.CmpContains(t, err, "invalid --log-level")
	})

	t.Run("error_missing_config", func(t *testing.T) {
		// Act
		_, err := execute(t, "run", "-c", filepath.Join(t.TempDir(), "missing.yaml"))

		// Assert
		td.CmpError(t, err)
	})
}
