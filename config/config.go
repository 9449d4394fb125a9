// Package config loads batch files: the pool settings and the jobs to run, in YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/fogfactory/procpipe"
)

var ErrInvalidConfig = errors.New("invalid batch file")

// Config contains the pool settings and the jobs of a batch file
type Config struct {
	Concurrency int           `yaml:"concurrency,omitempty"`
	KillGrace   time.Duration `yaml:"kill_grace,omitempty"`
	OutputLimit int           `yaml:"output_limit,omitempty"`
	Jobs        []JobConfig   `yaml:"jobs"`
}

// JobConfig is either a single command, or a pipeline of commands
type JobConfig struct {
	ItemConfig `yaml:",inline"`
	Pipeline   []ItemConfig `yaml:"pipeline,omitempty"`
}

// ItemConfig describes one command
type ItemConfig struct {
	Name    string            `yaml:"name,omitempty"`
	Command []string          `yaml:"command,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Input   string            `yaml:"input,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
	Dir     string            `yaml:"dir,omitempty"`
}

// LoadConfig loads a batch file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates a batch file content
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse batch file: %w", err)
	}
	if config.Concurrency == 0 {
		config.Concurrency = runtime.NumCPU()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// SaveConfig writes a batch file
func SaveConfig(config *Config, path string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal batch file: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write batch file: %w", err)
	}
	return nil
}

// Validate checks the settings and every job
func (c *Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be positive, got %d", ErrInvalidConfig, c.Concurrency)
	}
	if c.KillGrace < 0 || c.OutputLimit < 0 {
		return fmt.Errorf("%w: kill_grace and output_limit cannot be negative", ErrInvalidConfig)
	}
	for i, job := range c.Jobs {
		if len(job.Pipeline) > 0 && len(job.Command) > 0 {
			return fmt.Errorf("%w: job %d has both a command and a pipeline", ErrInvalidConfig, i)
		}
		if err := job.Job().Validate(); err != nil {
			return fmt.Errorf("%w: job %d: %w", ErrInvalidConfig, i, err)
		}
	}
	return nil
}

// Job converts the job description
func (j JobConfig) Job() procpipe.Job {
	if len(j.Pipeline) == 0 {
		return procpipe.Single(j.WorkItem())
	}
	return procpipe.Chain(lo.Map(j.Pipeline, func(item ItemConfig, _ int) procpipe.WorkItem {
		return item.WorkItem()
	})...)
}

// WorkItem converts the command description
func (i ItemConfig) WorkItem() procpipe.WorkItem {
	item := procpipe.WorkItem{
		Name:    i.Name,
		Command: i.Command,
		Env:     i.Env,
		Timeout: i.Timeout,
		Dir:     i.Dir,
	}
	if i.Input != "" {
		item.Input = []byte(i.Input)
	}
	return item
}

// BuildJobs converts every job of the batch file
func (c *Config) BuildJobs() []procpipe.Job {
	return lo.Map(c.Jobs, func(j JobConfig, _ int) procpipe.Job { return j.Job() })
}

// PoolOptions returns the pool options matching the settings
func (c *Config) PoolOptions() []procpipe.Option {
	return []procpipe.Option{
		procpipe.WithKillGrace(c.KillGrace),
		procpipe.WithOutputLimit(c.OutputLimit),
	}
}
