package config_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/maxatome/go-testdeep/td"

	"github.com/fogfactory/procpipe"
	"github.com/fogfactory/procpipe/config"
)

const batchFile = `
concurrency: 2
kill_grace: 2s
jobs:
  - name: hello
    command: [echo, hello]
    env:
      GREETING: hi
    timeout: 1500ms
  - pipeline:
      - command: [cat]
        input: "b\na\n"
      - command: [sort]
`

func TestParseConfig(t *testing.T) {
	t.Run("success_parse", func(t *testing.T) {
		// Act
		cfg, err := config.ParseConfig([]byte(batchFile))

		// Assert
		td.Require(t).CmpNoError(err)
		td.Cmp(t, cfg.Concurrency, 2)
		td.Cmp(t, cfg.KillGrace, 2*time.Second)
		jobs := cfg.BuildJobs()
		td.Cmp(t, jobs, []procpipe.Job{
			{Stages: []procpipe.WorkItem{{
				Name:    "hello",
				Command: []string{"echo", "hello"},
				Env:     map[string]string{"GREETING": "hi"},
				Timeout: 1500 * time.Millisecond,
			}}},
			{Stages: []procpipe.WorkItem{
				{Command: []string{"cat"}, Input: []byte("b\na\n")},
				{Command: []string{"sort"}},
			}},
		})
		td.CmpLen(t, cfg.PoolOptions(), 2)
	})

	t.Run("success_default_concurrency", func(t *testing.T) {
		// Act
		cfg, err := config.ParseConfig([]byte("jobs: [{command: [echo]}]"))

		// Assert
		td.Require(t).CmpNoError(err)
		td.Cmp(t, cfg.Concurrency, td.Gt(0))
	})

	t.Run("error_invalid", func(t *testing.T) {
		for name, content := range map[string]string{
			"not_yaml":             "jobs: [",
			"negative_concurrency": "concurrency: -1",
			"command_and_pipeline": "jobs: [{command: [echo], pipeline: [{command: [cat]}]}]",
			"empty_command":        "jobs: [{name: nothing}]",
			"input_on_stage":       `jobs: [{pipeline: [{command: [cat]}, {command: [cat], input: "x"}]}]`,
		} {
			_, err := config.ParseConfig([]byte(content))
			td.CmpError(t, err, name)
		}
		_, err := config.ParseConfig([]byte("jobs: [{pipeline: [{command: [cat]}, {command: [cat], input: x}]}]"))
		td.CmpErrorIs(t, err, procpipe.ErrConnection)
		td.CmpErrorIs(t, err, config.ErrInvalidConfig)
	})

	t.Run("success_save_then_load", func(t *testing.T) {
		// Arrange
		cfg, err := config.ParseConfig([]byte(batchFile))
		td.Require(t).CmpNoError(err)
		path := filepath.Join(t.TempDir(), "batch.yaml")

		// Act
		td.Require(t).CmpNoError(config.SaveConfig(cfg, path))
		loaded, err := config.LoadConfig(path)

		// Assert
		td.Require(t).CmpNoError(err)
		td.Cmp(t, loaded, cfg)
	})

	t.Run("error_missing_file", func(t *testing.T) {
		_, err := config.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		td.CmpError(t, err)
	})
}
